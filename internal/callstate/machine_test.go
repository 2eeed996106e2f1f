package callstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/livestore-signaling/internal/models"
)

func TestCustomerHappyPath(t *testing.T) {
	m := NewCustomerMachine(nil)

	var seen []CustomerState
	m.OnChange(func(_, to CustomerState) { seen = append(seen, to) })

	for _, ev := range []CustomerEvent{CustomerRequest, CustomerAccepted, CustomerShowCall, CustomerEnd} {
		_, err := m.Fire(ev)
		require.NoError(t, err, ev.String())
	}

	assert.Equal(t, []CustomerState{CustomerConnecting, CustomerConnected, CustomerInCall, CustomerIdle}, seen)
}

func TestCustomerDeclineReverts(t *testing.T) {
	m := NewCustomerMachine(nil)
	_, _ = m.Fire(CustomerRequest)

	to, err := m.Fire(CustomerDeclined)
	require.NoError(t, err)
	assert.Equal(t, CustomerNoAgents, to)

	to, err = m.Fire(CustomerRevert)
	require.NoError(t, err)
	assert.Equal(t, CustomerIdle, to)
}

func TestCustomerInvalidTransitionKeepsState(t *testing.T) {
	m := NewCustomerMachine(nil)

	_, err := m.Fire(CustomerAccepted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, CustomerIdle, m.State())

	_, _ = m.Fire(CustomerRequest)
	_, err = m.Fire(CustomerRequest)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, CustomerConnecting, m.State())

	assert.False(t, m.Can(CustomerShowCall))
	assert.True(t, m.Can(CustomerCancel))
}

func TestAgentMachine(t *testing.T) {
	m := NewAgentMachine(nil)

	_, err := m.Fire(AgentAccept)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Fire(AgentIncoming)
	require.NoError(t, err)
	assert.Equal(t, AgentIncomingRequest, m.State())

	_, err = m.Fire(AgentIncoming)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Fire(AgentAccept)
	require.NoError(t, err)
	_, err = m.Fire(AgentAccept)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, AgentInCall, m.State())

	_, err = m.Fire(AgentEnd)
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, m.State())
}

func TestCustomerView(t *testing.T) {
	assert.Equal(t, View{}, CustomerView(CustomerIdle, nil, false))

	v := CustomerView(CustomerNoAgents, nil, true)
	assert.True(t, v.ShowConnectingPopup)
	assert.False(t, v.ShowCall)
	assert.Equal(t, StatusNoAgents, v.Status)
	assert.True(t, v.BackendConnected)

	call := &Call{Session: models.Session{ID: "s1"}, IsConnecting: true}
	v = CustomerView(CustomerInCall, call, true)
	assert.True(t, v.ShowCall)
	assert.False(t, v.ShowConnectingPopup)
	assert.True(t, v.Connecting)

	call.IsConnecting = false
	assert.False(t, CustomerView(CustomerInCall, call, true).Connecting)
}

func TestAgentView(t *testing.T) {
	assert.True(t, AgentView(AgentIncomingRequest, nil, true).ShowIncomingRequest)

	v := AgentView(AgentInCall, nil, true)
	assert.True(t, v.ShowCall)
	assert.True(t, v.Connecting, "no session yet")
}

func TestCallMatches(t *testing.T) {
	var none *Call
	assert.False(t, none.Matches("s1"))
	assert.Equal(t, "", none.SessionID())

	call := &Call{Session: models.Session{ID: "s1"}}
	assert.True(t, call.Matches("s1"))
	assert.False(t, call.Matches("s2"))
	assert.False(t, (&Call{}).Matches(""))
}
