package transporttest

import (
	"context"
	"sync"

	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport"
)

// Socket is an in-memory stand-in for transport.Socket. Deliver plays a
// server event into the registered handlers.
type Socket struct {
	Recorder

	mu       sync.Mutex
	handlers map[string][]transport.Handler
	status   []func(bool)
	closed   bool
}

func NewSocket() *Socket {
	return &Socket{handlers: make(map[string][]transport.Handler)}
}

func (s *Socket) On(event string, h transport.Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *Socket) OnStatus(fn func(bool)) {
	s.mu.Lock()
	s.status = append(s.status, fn)
	s.mu.Unlock()
}

func (s *Socket) Connect(context.Context) error {
	s.SetStatus(true)
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetStatus fires the connectivity callbacks.
func (s *Socket) SetStatus(connected bool) {
	s.mu.Lock()
	callbacks := append([]func(bool){}, s.status...)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(connected)
	}
}

// Deliver encodes payload and dispatches it as if it came from the server.
func (s *Socket) Deliver(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	handlers := append([]transport.Handler(nil), s.handlers[event]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}
