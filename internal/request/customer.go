// Package request runs the connection request handshake for both sides.
// All methods run on the client's event loop.
package request

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/callstate"
	"github.com/mossy-p/livestore-signaling/internal/eventloop"
	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/presence"
	"github.com/mossy-p/livestore-signaling/internal/transport"
)

const (
	DefaultAcceptDelay = 1500 * time.Millisecond
	DefaultRevertDelay = 3 * time.Second

	MessageNoAgents = "No agents are available right now. Please try again later."
)

// Options tunes the customer's UI pacing.
type Options struct {
	AcceptDelay time.Duration
	RevertDelay time.Duration
}

// Customer drives the customer side: request, wait, connected, call UI.
type Customer struct {
	sig      transport.Emitter
	identity models.Identity
	machine  *callstate.CustomerMachine
	sched    eventloop.Scheduler
	opts     Options
	log      *zerolog.Logger

	attempt     int
	session     *models.Session
	message     string
	cancelTimer func()

	onAccepted func(models.Session)
	onShowCall func(models.Session)
}

func NewCustomer(sig transport.Emitter, identity models.Identity, machine *callstate.CustomerMachine,
	sched eventloop.Scheduler, opts Options, logger *zerolog.Logger) *Customer {
	if opts.AcceptDelay <= 0 {
		opts.AcceptDelay = DefaultAcceptDelay
	}
	if opts.RevertDelay <= 0 {
		opts.RevertDelay = DefaultRevertDelay
	}
	return &Customer{
		sig:      sig,
		identity: identity,
		machine:  machine,
		sched:    sched,
		opts:     opts,
		log:      log.OrNop(logger),
	}
}

// OnAccepted runs when an agent accepts, before the call UI shows.
func (c *Customer) OnAccepted(fn func(models.Session)) { c.onAccepted = fn }

// OnShowCall runs once the acceptance has been on screen for AcceptDelay.
func (c *Customer) OnShowCall(fn func(models.Session)) { c.onShowCall = fn }

// Begin moves to connecting. It returns an attempt number that PreChecked
// must echo, so a result arriving after a cancel is discarded.
func (c *Customer) Begin() (int, error) {
	if !c.identity.LoggedIn() {
		c.message = presence.ErrNotLoggedIn.Error()
		return 0, presence.ErrNotLoggedIn
	}
	if _, err := c.machine.Fire(callstate.CustomerRequest); err != nil {
		return 0, err
	}
	c.attempt++
	c.message = ""
	c.session = nil
	return c.attempt, nil
}

// PreChecked applies the REST availability check and, if agents are
// online, sends the live request.
func (c *Customer) PreChecked(attempt int, available bool, err error) {
	if attempt != c.attempt || c.machine.State() != callstate.CustomerConnecting {
		c.log.Debug().Int("attempt", attempt).Msg("stale pre-check result dropped")
		return
	}
	if err != nil {
		c.Failed(fmt.Errorf("pre-check: %w", err))
		return
	}
	if !available {
		c.log.Info().Msg("pre-check reports no agents; not sending request")
		c.toNoAgents(MessageNoAgents)
		return
	}

	err = c.sig.Emit(models.EventRequestConnection, models.RequestConnection{
		UserEmail: c.identity.Email,
		UserName:  c.identity.DisplayName(),
	})
	if err != nil {
		c.Failed(fmt.Errorf("send request: %w", err))
		return
	}
	c.log.Info().Str("email", c.identity.Email).Msg("connection requested")
}

// Accepted handles connection-accepted. Outside connecting it is ignored,
// which covers acceptances that arrive after a cancel.
func (c *Customer) Accepted(p models.ConnectionAccepted) {
	if c.machine.State() != callstate.CustomerConnecting {
		c.log.Warn().Str("session_id", p.SessionID).Str("state", c.machine.State().String()).Msg("acceptance ignored")
		return
	}
	if _, err := c.machine.Fire(callstate.CustomerAccepted); err != nil {
		return
	}

	session := models.Session{
		ID:            p.SessionID,
		CustomerEmail: c.identity.Email,
		CustomerName:  c.identity.DisplayName(),
		AgentEmail:    p.AgentEmail,
		AgentName:     p.AgentName,
		StartedAt:     time.Now(),
		Role:          models.RoleCustomer,
	}
	c.session = &session
	c.log.Info().Str("session_id", session.ID).Str("agent", session.AgentEmail).Msg("agent accepted")

	if c.onAccepted != nil {
		c.onAccepted(session)
	}

	c.arm(c.opts.AcceptDelay, func() {
		if c.machine.State() != callstate.CustomerConnected || c.session == nil || c.session.ID != session.ID {
			return
		}
		if _, err := c.machine.Fire(callstate.CustomerShowCall); err != nil {
			return
		}
		if c.onShowCall != nil {
			c.onShowCall(session)
		}
	})
}

// Declined handles connection-declined.
func (c *Customer) Declined(p models.ConnectionDeclined) {
	if c.machine.State() != callstate.CustomerConnecting {
		c.log.Debug().Msg("decline ignored outside connecting")
		return
	}
	msg := p.Message
	if msg == "" {
		msg = MessageNoAgents
	}
	c.toNoAgents(msg)
}

// Failed records a transport failure while a request is in flight.
func (c *Customer) Failed(err error) {
	if c.machine.State() != callstate.CustomerConnecting {
		return
	}
	c.log.Error().Err(err).Msg("connection request failed")
	if _, ferr := c.machine.Fire(callstate.CustomerFailed); ferr != nil {
		return
	}
	c.message = callstate.StatusError
	c.scheduleRevert()
}

// Cancel closes the popup. The agent is not told; see the withdrawn event
// the server sends when the request expires.
func (c *Customer) Cancel() error {
	if _, err := c.machine.Fire(callstate.CustomerCancel); err != nil {
		return err
	}
	c.disarm()
	c.attempt++
	c.message = ""
	c.log.Info().Msg("connection request cancelled locally")
	return nil
}

// End drops the session after a call ends. No retry follows.
func (c *Customer) End() {
	if _, err := c.machine.Fire(callstate.CustomerEnd); err != nil {
		return
	}
	c.disarm()
	c.session = nil
}

func (c *Customer) State() callstate.CustomerState { return c.machine.State() }
func (c *Customer) Session() *models.Session       { return c.session }

// Message is the user-facing text for the current popup, if any.
func (c *Customer) Message() string { return c.message }

func (c *Customer) toNoAgents(msg string) {
	if _, err := c.machine.Fire(callstate.CustomerDeclined); err != nil {
		return
	}
	c.message = msg
	c.scheduleRevert()
}

func (c *Customer) scheduleRevert() {
	c.arm(c.opts.RevertDelay, func() {
		if _, err := c.machine.Fire(callstate.CustomerRevert); err == nil {
			c.message = ""
		}
	})
}

func (c *Customer) arm(d time.Duration, fn func()) {
	c.disarm()
	c.cancelTimer = c.sched.After(d, fn)
}

func (c *Customer) disarm() {
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
}
