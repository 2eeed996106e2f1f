// Package transport is the client side of the signaling connection: one
// long-lived WebSocket per participant carrying named events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	ErrClosed       = errors.New("signaling socket closed")
	ErrNotConnected = errors.New("signaling socket not connected")
	ErrQueueFull    = errors.New("signaling send queue full")
)

// Emitter is the only capability the call components need from the socket.
type Emitter interface {
	Emit(event string, payload any) error
}

// Handler receives one inbound event.
type Handler func(env models.Envelope)

// Socket is a gorilla/websocket client speaking the envelope protocol.
// Delivery is in order for this client. It never reconnects.
type Socket struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	status   []func(connected bool)

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// NewSocket builds a socket for the given ws:// or wss:// URL.
func NewSocket(wsURL string, header http.Header, logger *zerolog.Logger) *Socket {
	return &Socket{
		url:      wsURL,
		header:   header,
		dialer:   websocket.DefaultDialer,
		log:      log.OrNop(logger),
		handlers: make(map[string][]Handler),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// WebSocketURL derives the signaling endpoint from the server's HTTP base URL.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// On registers h for event. Handlers run on the socket's read goroutine.
func (s *Socket) On(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

// OnStatus registers a connectivity callback (true on connect, false on drop).
func (s *Socket) OnStatus(fn func(connected bool)) {
	s.mu.Lock()
	s.status = append(s.status, fn)
	s.mu.Unlock()
}

// Connected reports the backend connectivity flag.
func (s *Socket) Connected() bool { return s.connected.Load() }

// Connect dials the server and starts the pumps.
func (s *Socket) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.log.Error().Err(err).Str("url", s.url).Msg("signaling connect failed")
		s.setStatus(false)
		return fmt.Errorf("dial signaling server: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.writePump(conn)
	go s.readPump(conn)

	s.log.Info().Str("url", s.url).Msg("signaling connected")
	s.setStatus(true)
	return nil
}

// Emit queues an event. It never waits for a reply.
func (s *Socket) Emit(event string, payload any) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- data:
		s.log.Debug().Str("event", event).Msg("signaling emit")
		return nil
	default:
		return ErrQueueFull
	}
}

// Close shuts the connection down. Safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			deadline := time.Now().Add(writeWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
			err = conn.Close()
		}
	})
	return err
}

func (s *Socket) setStatus(connected bool) {
	if s.connected.Swap(connected) == connected && connected {
		return
	}
	s.mu.RLock()
	callbacks := make([]func(bool), len(s.status))
	copy(callbacks, s.status)
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(connected)
	}
}

func (s *Socket) readPump(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		s.log.Warn().Msg("signaling disconnected")
		s.setStatus(false)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("signaling read error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.log.Warn().Err(err).Msg("failed to parse signaling frame")
			continue
		}
		s.dispatch(env)
	}
}

func (s *Socket) dispatch(env models.Envelope) {
	s.mu.RLock()
	handlers := s.handlers[env.Event]
	s.mu.RUnlock()

	if len(handlers) == 0 {
		s.log.Debug().Str("event", env.Event).Msg("no handler for event")
		return
	}
	for _, h := range handlers {
		s.safeCall(env, h)
	}
}

func (s *Socket) safeCall(env models.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", env.Event).Msg("signaling handler panicked")
		}
	}()
	h(env)
}

func (s *Socket) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Error().Err(err).Msg("failed to write signaling frame")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
