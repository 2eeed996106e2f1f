package signaling

import (
	"context"
	"sync"

	"github.com/mossy-p/livestore-signaling/internal/models"
)

// Directory mirrors presence and live sessions outside the hub so the REST
// pre-check and operators can read them. Writes are made off the hub lock.
type Directory interface {
	SetAgentOnline(ctx context.Context, email string, online bool) error
	AgentsOnline(ctx context.Context) (int, error)
	SaveSession(ctx context.Context, s models.Session) error
	DeleteSession(ctx context.Context, id string) error
}

// MemoryDirectory is the Directory used without Redis.
type MemoryDirectory struct {
	mu       sync.RWMutex
	agents   map[string]struct{}
	sessions map[string]models.Session
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		agents:   make(map[string]struct{}),
		sessions: make(map[string]models.Session),
	}
}

func (d *MemoryDirectory) SetAgentOnline(_ context.Context, email string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if online {
		d.agents[email] = struct{}{}
	} else {
		delete(d.agents, email)
	}
	return nil
}

func (d *MemoryDirectory) AgentsOnline(context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents), nil
}

func (d *MemoryDirectory) SaveSession(_ context.Context, s models.Session) error {
	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) DeleteSession(_ context.Context, id string) error {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
	return nil
}

// Session returns a stored session, for tests and diagnostics.
func (d *MemoryDirectory) Session(id string) (models.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}
