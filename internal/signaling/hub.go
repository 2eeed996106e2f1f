// Package signaling is the server side of Live Store: who is online, which
// requests are pending, which sessions are live, and relaying call messages
// between the two members of a session.
package signaling

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/eventloop"
	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/models"
)

const (
	DefaultRequestTTL = 30 * time.Second

	MessageNoAgents    = "No agents are available at the moment. Please try again later."
	MessageAllDeclined = "All agents are busy right now. Please try again later."
	MessageExpired     = "No agent answered in time. Please try again later."
	MessageNotLoggedIn = "Please log in to use Live Store."
)

var ErrBufferFull = errors.New("peer send buffer full")

// Peer is one connected socket.
type Peer interface {
	ID() string
	Send(env models.Envelope) error
}

type member struct {
	peer      Peer
	name      string
	email     string
	role      models.Role
	sessionID string
}

func (m *member) registered() bool { return m.email != "" }

type pending struct {
	req      models.ConnectionRequest
	customer string
	notified map[string]bool
	cancel   func()
}

type session struct {
	models.Session
	customer string
	agent    string
}

// Hub holds all server-side Live Store state behind one mutex. Sends are
// non-blocking, so they happen under the lock. Directory writes are queued
// and applied in order outside it.
type Hub struct {
	mu       sync.Mutex
	dir      *writer
	ttl      time.Duration
	dirWait  time.Duration
	timers   eventloop.Scheduler
	log      *zerolog.Logger
	members  map[string]*member
	byEmail  map[string]string
	requests map[string]*pending
	sessions map[string]*session
}

type Option func(*Hub)

// WithRequestTTL sets how long a request waits for an agent.
func WithRequestTTL(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.ttl = d
		}
	}
}

// WithDirectoryTimeout bounds each Directory write.
func WithDirectoryTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.dirWait = d
		}
	}
}

// WithScheduler replaces the timer source used for request expiry.
func WithScheduler(s eventloop.Scheduler) Option {
	return func(h *Hub) { h.timers = s }
}

func NewHub(dir Directory, logger *zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		ttl:      DefaultRequestTTL,
		dirWait:  DefaultDirectoryTimeout,
		timers:   eventloop.Timers{},
		log:      log.OrNop(logger),
		members:  make(map[string]*member),
		byEmail:  make(map[string]string),
		requests: make(map[string]*pending),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.dir = newWriter(dir, h.dirWait, h.log)
	return h
}

// Flush blocks until every Directory write queued so far has been applied.
func (h *Hub) Flush() { h.dir.flush() }

// Close applies pending Directory writes and stops the writer. Call it before
// closing the Directory.
func (h *Hub) Close() { h.dir.close() }

// Join adds a connected socket. name is the display name it connected with.
func (h *Hub) Join(p Peer, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[p.ID()] = &member{peer: p, name: name}
	h.log.Debug().Str("peer", p.ID()).Msg("peer joined")
}

// Leave removes a socket. A call it was part of ends for the other side;
// requests it raised or was offered are resolved.
func (h *Hub) Leave(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[peerID]
	if !ok {
		return
	}
	delete(h.members, peerID)

	if s, ok := h.sessions[m.sessionID]; ok {
		other := s.agent
		if other == peerID {
			other = s.customer
		}
		h.send(other, models.EventEndCall, models.SessionRef{SessionID: s.ID})
		h.endSession(s)
		h.log.Info().Str("session_id", s.ID).Str("peer", peerID).Msg("session ended by disconnect")
	}

	for id, r := range h.requests {
		switch {
		case r.customer == peerID:
			h.dropRequest(id, r)
		case r.notified[peerID]:
			h.release(id, r, peerID)
		}
	}

	if m.registered() && h.byEmail[m.email] == peerID {
		delete(h.byEmail, m.email)
		if m.role.IsAgent() {
			h.setAgentOnline(m.email, false)
		}
	}
	h.log.Info().Str("peer", peerID).Str("email", m.email).Msg("peer left")
}

// Handle dispatches one inbound envelope from peerID.
func (h *Hub) Handle(peerID string, env models.Envelope) {
	switch env.Event {
	case models.EventRegisterUser:
		var p models.RegisterUser
		if h.decode(peerID, env, &p) {
			h.register(peerID, p)
		}
	case models.EventRequestConnection:
		var p models.RequestConnection
		if h.decode(peerID, env, &p) {
			h.requestConnection(peerID, p)
		}
	case models.EventAcceptConnection:
		var p models.RequestRef
		if h.decode(peerID, env, &p) {
			h.accept(peerID, p.RequestID)
		}
	case models.EventDeclineConnection:
		var p models.RequestRef
		if h.decode(peerID, env, &p) {
			h.decline(peerID, p.RequestID)
		}
	case models.EventWebRTCOffer, models.EventWebRTCAnswer, models.EventWebRTCICECandidate,
		models.EventCameraStateChanged, models.EventAudioStateChanged, models.EventEndCall:
		var p models.SessionRef
		if h.decode(peerID, env, &p) {
			h.relay(peerID, p.SessionID, env)
		}
	default:
		h.log.Warn().Str("peer", peerID).Str("event", env.Event).Msg("unknown event")
	}
}

func (h *Hub) decode(peerID string, env models.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		h.log.Warn().Err(err).Str("peer", peerID).Msg("malformed payload dropped")
		return false
	}
	return true
}

func (h *Hub) register(peerID string, p models.RegisterUser) {
	email := strings.TrimSpace(p.UserEmail)
	if email == "" {
		h.log.Warn().Str("peer", peerID).Msg("registration without email ignored")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[peerID]
	if !ok {
		return
	}
	role := p.IsAgent.Role()
	if m.email == email && m.role == role {
		return
	}
	if m.registered() && h.byEmail[m.email] == peerID {
		delete(h.byEmail, m.email)
		if m.role.IsAgent() {
			h.setAgentOnline(m.email, false)
		}
	}

	m.email = email
	m.role = role
	if m.name == "" {
		m.name = email
	}
	h.byEmail[email] = peerID
	if role.IsAgent() {
		h.setAgentOnline(email, true)
	}
	h.log.Info().Str("peer", peerID).Str("email", email).Str("role", role.String()).Msg("user registered")
}

func (h *Hub) requestConnection(peerID string, p models.RequestConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[peerID]
	if !ok {
		return
	}
	if !m.registered() {
		h.send(peerID, models.EventConnectionDeclined, models.ConnectionDeclined{Message: MessageNotLoggedIn})
		return
	}

	// One outstanding request per customer; a new one supersedes the old.
	for id, r := range h.requests {
		if r.customer == peerID {
			h.dropRequest(id, r)
		}
	}

	agents := h.freeAgents(peerID)
	if len(agents) == 0 {
		h.log.Info().Str("customer", m.email).Msg("no agents available")
		h.send(peerID, models.EventConnectionDeclined, models.ConnectionDeclined{Message: MessageNoAgents})
		return
	}

	name := p.UserName
	if name == "" {
		name = m.name
	}
	req := models.ConnectionRequest{
		RequestID: uuid.NewString(),
		UserEmail: m.email,
		UserName:  name,
		Timestamp: time.Now().UTC(),
	}
	r := &pending{req: req, customer: peerID, notified: make(map[string]bool)}
	for _, agentID := range agents {
		r.notified[agentID] = true
		h.send(agentID, models.EventConnectionRequest, req)
	}
	h.requests[req.RequestID] = r

	id := req.RequestID
	r.cancel = h.timers.After(h.ttl, func() { h.expire(id) })

	h.log.Info().Str("request_id", id).Str("customer", m.email).Int("agents", len(agents)).Msg("connection requested")
}

// freeAgents lists registered agents not in a call. Callers hold the lock.
func (h *Hub) freeAgents(exclude string) []string {
	var out []string
	for id, m := range h.members {
		if id == exclude || !m.registered() || !m.role.IsAgent() || m.sessionID != "" {
			continue
		}
		if h.byEmail[m.email] != id {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (h *Hub) accept(peerID, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.requests[requestID]
	if !ok || !r.notified[peerID] {
		h.log.Info().Str("request_id", requestID).Str("peer", peerID).Msg("late or unknown accept ignored")
		h.send(peerID, models.EventConnectionWithdrawn, models.RequestRef{RequestID: requestID})
		return
	}
	agent := h.members[peerID]
	customer := h.members[r.customer]
	if agent == nil || customer == nil {
		return
	}
	if agent.sessionID != "" {
		h.send(peerID, models.EventConnectionWithdrawn, models.RequestRef{RequestID: requestID})
		h.release(requestID, r, peerID)
		return
	}

	delete(r.notified, peerID)
	h.dropRequest(requestID, r)

	// The agent is busy now; take it off every other request it was shown.
	for id, other := range h.requests {
		if other.notified[peerID] {
			h.send(peerID, models.EventConnectionWithdrawn, models.RequestRef{RequestID: id})
			h.release(id, other, peerID)
		}
	}

	s := &session{
		Session: models.Session{
			ID:            uuid.NewString(),
			CustomerEmail: customer.email,
			CustomerName:  r.req.UserName,
			AgentEmail:    agent.email,
			AgentName:     agent.name,
			StartedAt:     time.Now().UTC(),
			Role:          models.RoleAgent,
		},
		customer: r.customer,
		agent:    peerID,
	}
	h.sessions[s.ID] = s
	agent.sessionID = s.ID
	customer.sessionID = s.ID

	h.send(r.customer, models.EventConnectionAccepted, models.ConnectionAccepted{
		AgentEmail: agent.email,
		AgentName:  agent.name,
		SessionID:  s.ID,
	})
	h.send(r.customer, models.EventCallConnected, models.SessionRef{SessionID: s.ID})
	h.send(peerID, models.EventCallConnected, models.SessionRef{SessionID: s.ID})

	record := s.Session
	h.dir.enqueue(dirOp{name: "save_session", key: s.ID, fn: func(ctx context.Context, d Directory) error {
		return d.SaveSession(ctx, record)
	}})
	h.log.Info().Str("session_id", s.ID).Str("agent", agent.email).Str("customer", customer.email).Msg("session created")
}

func (h *Hub) decline(peerID, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.requests[requestID]
	if !ok || !r.notified[peerID] {
		return
	}
	h.log.Info().Str("request_id", requestID).Str("peer", peerID).Int("remaining", len(r.notified)-1).Msg("request declined")
	h.release(requestID, r, peerID)
}

// release takes one agent off a request. When none remain the customer is
// told no agent will answer.
func (h *Hub) release(requestID string, r *pending, peerID string) {
	delete(r.notified, peerID)
	if len(r.notified) == 0 {
		h.send(r.customer, models.EventConnectionDeclined, models.ConnectionDeclined{Message: MessageAllDeclined})
		h.dropRequest(requestID, r)
	}
}

func (h *Hub) expire(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.requests[requestID]
	if !ok {
		return
	}
	h.log.Info().Str("request_id", requestID).Msg("request expired")
	h.send(r.customer, models.EventConnectionDeclined, models.ConnectionDeclined{Message: MessageExpired})
	h.dropRequest(requestID, r)
}

// dropRequest forgets a request and clears it from every agent still showing it.
func (h *Hub) dropRequest(id string, r *pending) {
	if r.cancel != nil {
		r.cancel()
	}
	delete(h.requests, id)
	for agentID := range r.notified {
		h.send(agentID, models.EventConnectionWithdrawn, models.RequestRef{RequestID: id})
	}
}

// relay forwards a call message to the other member of the sender's session.
func (h *Hub) relay(peerID, sessionID string, env models.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok || (s.agent != peerID && s.customer != peerID) {
		h.log.Warn().Str("peer", peerID).Str("event", env.Event).Str("session_id", sessionID).Msg("relay for foreign session dropped")
		return
	}
	to := s.customer
	if peerID == s.customer {
		to = s.agent
	}
	h.sendEnvelope(to, env)

	if env.Event == models.EventEndCall {
		h.endSession(s)
		h.log.Info().Str("session_id", s.ID).Str("peer", peerID).Msg("session ended")
	}
}

func (h *Hub) endSession(s *session) {
	delete(h.sessions, s.ID)
	for _, id := range []string{s.agent, s.customer} {
		if m, ok := h.members[id]; ok && m.sessionID == s.ID {
			m.sessionID = ""
		}
	}
	id := s.ID
	h.dir.enqueue(dirOp{name: "delete_session", key: id, fn: func(ctx context.Context, d Directory) error {
		return d.DeleteSession(ctx, id)
	}})
}

func (h *Hub) setAgentOnline(email string, online bool) {
	h.dir.enqueue(dirOp{name: "agent_presence", key: email, fn: func(ctx context.Context, d Directory) error {
		return d.SetAgentOnline(ctx, email, online)
	}})
}

func (h *Hub) send(peerID, event string, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to build envelope")
		return
	}
	h.sendEnvelope(peerID, env)
}

func (h *Hub) sendEnvelope(peerID string, env models.Envelope) {
	m, ok := h.members[peerID]
	if !ok {
		return
	}
	if err := m.peer.Send(env); err != nil {
		h.log.Warn().Err(err).Str("peer", peerID).Str("event", env.Event).Msg("failed to send to peer")
	}
}

// Stats is a point-in-time view for the REST surface.
type Stats struct {
	Members  int
	Agents   int
	Requests int
	Sessions int
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Members: len(h.members), Requests: len(h.requests), Sessions: len(h.sessions)}
	for _, m := range h.members {
		if m.registered() && m.role.IsAgent() {
			s.Agents++
		}
	}
	return s
}
