// Package transporttest provides an in-memory Emitter for component tests.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/mossy-p/livestore-signaling/internal/models"
)

// Recorder captures every emitted event. Set Err to make Emit fail.
type Recorder struct {
	mu     sync.Mutex
	events []models.Envelope
	Err    error
}

func (r *Recorder) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	r.events = append(r.events, env)
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the emitted envelopes for one event name.
func (r *Recorder) Named(event string) []models.Envelope {
	var out []models.Envelope
	for _, env := range r.Events() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// Count is len(Named(event)).
func (r *Recorder) Count(event string) int { return len(r.Named(event)) }

// Last decodes the most recent payload for event into v and reports whether one existed.
func (r *Recorder) Last(event string, v any) bool {
	named := r.Named(event)
	if len(named) == 0 {
		return false
	}
	return json.Unmarshal(named[len(named)-1].Data, v) == nil
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
