// Package callstate holds the explicit per-side state machines and the call
// aggregate that drives what a Live Store client shows.
package callstate

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/log"
)

// ErrInvalidTransition is returned when an event does not apply to the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// CustomerState is the customer side of the request and call lifecycle.
type CustomerState int

const (
	CustomerIdle CustomerState = iota
	CustomerConnecting
	CustomerConnected
	CustomerInCall
	CustomerNoAgents
	CustomerError
)

func (s CustomerState) String() string {
	switch s {
	case CustomerIdle:
		return "idle"
	case CustomerConnecting:
		return "connecting"
	case CustomerConnected:
		return "connected"
	case CustomerInCall:
		return "in_call"
	case CustomerNoAgents:
		return "no_agents"
	case CustomerError:
		return "error"
	default:
		return fmt.Sprintf("customer_state(%d)", int(s))
	}
}

// CustomerEvent drives CustomerMachine.
type CustomerEvent int

const (
	CustomerRequest CustomerEvent = iota
	CustomerAccepted
	CustomerDeclined
	CustomerFailed
	CustomerShowCall
	CustomerRevert
	CustomerCancel
	CustomerEnd
)

func (e CustomerEvent) String() string {
	return [...]string{"request", "accepted", "declined", "failed", "show_call", "revert", "cancel", "end"}[e]
}

type customerKey struct {
	from  CustomerState
	event CustomerEvent
}

var customerTransitions = map[customerKey]CustomerState{
	{CustomerIdle, CustomerRequest}:        CustomerConnecting,
	{CustomerConnecting, CustomerAccepted}: CustomerConnected,
	{CustomerConnecting, CustomerDeclined}: CustomerNoAgents,
	{CustomerConnecting, CustomerFailed}:   CustomerError,
	{CustomerConnecting, CustomerCancel}:   CustomerIdle,
	{CustomerConnected, CustomerShowCall}:  CustomerInCall,
	{CustomerConnected, CustomerEnd}:       CustomerIdle,
	{CustomerInCall, CustomerEnd}:          CustomerIdle,
	{CustomerNoAgents, CustomerRevert}:     CustomerIdle,
	{CustomerNoAgents, CustomerCancel}:     CustomerIdle,
	{CustomerError, CustomerRevert}:        CustomerIdle,
	{CustomerError, CustomerCancel}:        CustomerIdle,
}

// CustomerMachine is the single source of truth for the customer's state.
type CustomerMachine struct {
	state    CustomerState
	log      *zerolog.Logger
	onChange []func(from, to CustomerState)
}

func NewCustomerMachine(logger *zerolog.Logger) *CustomerMachine {
	return &CustomerMachine{log: log.OrNop(logger)}
}

func (m *CustomerMachine) State() CustomerState { return m.state }

// OnChange registers fn to run after every successful transition.
func (m *CustomerMachine) OnChange(fn func(from, to CustomerState)) {
	m.onChange = append(m.onChange, fn)
}

// Can reports whether ev applies in the current state.
func (m *CustomerMachine) Can(ev CustomerEvent) bool {
	_, ok := customerTransitions[customerKey{m.state, ev}]
	return ok
}

// Fire applies ev. Invalid events leave the state untouched.
func (m *CustomerMachine) Fire(ev CustomerEvent) (CustomerState, error) {
	from := m.state
	to, ok := customerTransitions[customerKey{from, ev}]
	if !ok {
		m.log.Debug().Str("from", from.String()).Str("event", ev.String()).Msg("customer event ignored")
		return from, fmt.Errorf("customer %s on %s: %w", ev, from, ErrInvalidTransition)
	}
	m.state = to
	m.log.Info().Str("role", "customer").Str("from", from.String()).Str("to", to.String()).Str("event", ev.String()).Msg("state transition")
	for _, fn := range m.onChange {
		fn(from, to)
	}
	return to, nil
}

// AgentState is the agent side of the request and call lifecycle.
type AgentState int

const (
	AgentIdle AgentState = iota
	AgentIncomingRequest
	AgentInCall
)

func (s AgentState) String() string {
	switch s {
	case AgentIdle:
		return "idle"
	case AgentIncomingRequest:
		return "incoming_request"
	case AgentInCall:
		return "in_call"
	default:
		return fmt.Sprintf("agent_state(%d)", int(s))
	}
}

// AgentEvent drives AgentMachine.
type AgentEvent int

const (
	AgentIncoming AgentEvent = iota
	AgentAccept
	AgentDecline
	AgentEnd
	AgentWithdrawn
)

func (e AgentEvent) String() string {
	return [...]string{"incoming", "accept", "decline", "end", "withdrawn"}[e]
}

type agentKey struct {
	from  AgentState
	event AgentEvent
}

var agentTransitions = map[agentKey]AgentState{
	{AgentIdle, AgentIncoming}:             AgentIncomingRequest,
	{AgentIncomingRequest, AgentAccept}:    AgentInCall,
	{AgentIncomingRequest, AgentDecline}:   AgentIdle,
	{AgentInCall, AgentEnd}:                AgentIdle,
	{AgentIncomingRequest, AgentWithdrawn}: AgentIdle,
	{AgentInCall, AgentWithdrawn}:          AgentIdle,
}

// AgentMachine is the single source of truth for the agent's state.
type AgentMachine struct {
	state    AgentState
	log      *zerolog.Logger
	onChange []func(from, to AgentState)
}

func NewAgentMachine(logger *zerolog.Logger) *AgentMachine {
	return &AgentMachine{log: log.OrNop(logger)}
}

func (m *AgentMachine) State() AgentState { return m.state }

func (m *AgentMachine) OnChange(fn func(from, to AgentState)) {
	m.onChange = append(m.onChange, fn)
}

func (m *AgentMachine) Can(ev AgentEvent) bool {
	_, ok := agentTransitions[agentKey{m.state, ev}]
	return ok
}

func (m *AgentMachine) Fire(ev AgentEvent) (AgentState, error) {
	from := m.state
	to, ok := agentTransitions[agentKey{from, ev}]
	if !ok {
		m.log.Debug().Str("from", from.String()).Str("event", ev.String()).Msg("agent event ignored")
		return from, fmt.Errorf("agent %s on %s: %w", ev, from, ErrInvalidTransition)
	}
	m.state = to
	m.log.Info().Str("role", "agent").Str("from", from.String()).Str("to", to.String()).Str("event", ev.String()).Msg("state transition")
	for _, fn := range m.onChange {
		fn(from, to)
	}
	return to, nil
}
