package request

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/callstate"
	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport"
)

var ErrNoRequest = errors.New("no pending connection request")

// Agent drives the agent side: incoming request, accept or decline, session.
type Agent struct {
	sig      transport.Emitter
	identity models.Identity
	machine  *callstate.AgentMachine
	log      *zerolog.Logger

	request  *models.ConnectionRequest
	answered map[string]bool
	session  *models.Session

	onIncoming func(models.ConnectionRequest)
}

func NewAgent(sig transport.Emitter, identity models.Identity, machine *callstate.AgentMachine, logger *zerolog.Logger) *Agent {
	return &Agent{
		sig:      sig,
		identity: identity,
		machine:  machine,
		log:      log.OrNop(logger),
		answered: make(map[string]bool),
	}
}

// OnIncoming runs when a request is surfaced to the agent.
func (a *Agent) OnIncoming(fn func(models.ConnectionRequest)) { a.onIncoming = fn }

// Incoming handles connection-request. While busy, new requests are ignored.
func (a *Agent) Incoming(p models.ConnectionRequest) {
	if a.answered[p.RequestID] {
		a.log.Debug().Str("request_id", p.RequestID).Msg("request already answered")
		return
	}
	if _, err := a.machine.Fire(callstate.AgentIncoming); err != nil {
		a.log.Info().Str("request_id", p.RequestID).Str("state", a.machine.State().String()).Msg("busy; incoming request ignored")
		return
	}
	a.request = &p
	a.log.Info().Str("request_id", p.RequestID).Str("customer", p.UserEmail).Msg("incoming connection request")
	if a.onIncoming != nil {
		a.onIncoming(p)
	}
}

// Accept sends accept-connection once per request. Repeats are no-ops.
func (a *Agent) Accept() error {
	_, err := a.answer(callstate.AgentAccept, models.EventAcceptConnection)
	return err
}

// Decline sends decline-connection once per request. Repeats are no-ops.
func (a *Agent) Decline() error {
	sent, err := a.answer(callstate.AgentDecline, models.EventDeclineConnection)
	if sent {
		a.request = nil
	}
	return err
}

func (a *Agent) answer(ev callstate.AgentEvent, event string) (bool, error) {
	if a.request == nil {
		return false, ErrNoRequest
	}
	id := a.request.RequestID
	if a.answered[id] || !a.machine.Can(ev) {
		a.log.Debug().Str("request_id", id).Str("event", event).Msg("request already answered; no-op")
		return false, nil
	}
	if err := a.sig.Emit(event, models.RequestRef{RequestID: id}); err != nil {
		return false, fmt.Errorf("%s %s: %w", event, id, err)
	}
	a.answered[id] = true
	_, err := a.machine.Fire(ev)
	return true, err
}

// CallConnected adopts sessionID if the agent is waiting for one. It reports
// whether the session was newly adopted.
func (a *Agent) CallConnected(sessionID string) bool {
	if a.machine.State() != callstate.AgentInCall {
		a.log.Debug().Str("session_id", sessionID).Msg("call-connected ignored outside a call")
		return false
	}
	if a.session != nil {
		if a.session.ID != sessionID {
			a.log.Warn().Str("session_id", sessionID).Str("active", a.session.ID).Msg("call-connected for another session ignored")
		}
		return false
	}

	s := models.Session{
		ID:         sessionID,
		AgentEmail: a.identity.Email,
		AgentName:  a.identity.DisplayName(),
		StartedAt:  time.Now(),
		Role:       models.RoleAgent,
	}
	if a.request != nil {
		s.CustomerEmail = a.request.UserEmail
		s.CustomerName = a.request.UserName
	}
	a.session = &s
	a.log.Info().Str("session_id", sessionID).Str("customer", s.CustomerEmail).Msg("call connected")
	return true
}

// Withdrawn dismisses the request popup, or the wait for a session, when the
// server resolved the request elsewhere.
func (a *Agent) Withdrawn(requestID string) bool {
	if a.request == nil || a.request.RequestID != requestID || a.session != nil {
		return false
	}
	if _, err := a.machine.Fire(callstate.AgentWithdrawn); err != nil {
		return false
	}
	a.answered[requestID] = true
	a.request = nil
	a.log.Info().Str("request_id", requestID).Msg("connection request withdrawn")
	return true
}

// End resets after the call ends.
func (a *Agent) End() {
	if _, err := a.machine.Fire(callstate.AgentEnd); err != nil {
		return
	}
	a.session = nil
	a.request = nil
}

func (a *Agent) State() callstate.AgentState        { return a.machine.State() }
func (a *Agent) Session() *models.Session           { return a.session }
func (a *Agent) Request() *models.ConnectionRequest { return a.request }
