package request

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/livestore-signaling/internal/callstate"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport/transporttest"
)

var agentIdentity = models.Identity{Email: "agent@shop.com", Name: "Bob", Role: models.RoleAgent}

func newAgent() (*Agent, *transporttest.Recorder) {
	rec := &transporttest.Recorder{}
	return NewAgent(rec, agentIdentity, callstate.NewAgentMachine(nil), nil), rec
}

func incoming(id string) models.ConnectionRequest {
	return models.ConnectionRequest{RequestID: id, UserEmail: "a@x.com", UserName: "A"}
}

func TestAcceptIsIdempotent(t *testing.T) {
	a, rec := newAgent()
	var shown []models.ConnectionRequest
	a.OnIncoming(func(r models.ConnectionRequest) { shown = append(shown, r) })

	a.Incoming(incoming("r1"))
	require.Len(t, shown, 1)
	assert.Equal(t, callstate.AgentIncomingRequest, a.State())

	require.NoError(t, a.Accept())
	require.NoError(t, a.Accept())
	require.NoError(t, a.Decline())

	assert.Equal(t, 1, rec.Count(models.EventAcceptConnection))
	assert.Zero(t, rec.Count(models.EventDeclineConnection))
	assert.Equal(t, callstate.AgentInCall, a.State())

	var ref models.RequestRef
	require.True(t, rec.Last(models.EventAcceptConnection, &ref))
	assert.Equal(t, "r1", ref.RequestID)
}

func TestDeclineOnce(t *testing.T) {
	a, rec := newAgent()

	a.Incoming(incoming("r1"))
	require.NoError(t, a.Decline())
	assert.ErrorIs(t, a.Decline(), ErrNoRequest)
	assert.ErrorIs(t, a.Accept(), ErrNoRequest)

	assert.Equal(t, 1, rec.Count(models.EventDeclineConnection))
	assert.Zero(t, rec.Count(models.EventAcceptConnection))
	assert.Equal(t, callstate.AgentIdle, a.State())

	// The same request is not surfaced twice.
	a.Incoming(incoming("r1"))
	assert.Equal(t, callstate.AgentIdle, a.State())
}

func TestAcceptEmitFailureKeepsRequest(t *testing.T) {
	a, rec := newAgent()
	a.Incoming(incoming("r1"))

	rec.Err = errors.New("socket closed")
	assert.Error(t, a.Accept())
	assert.Equal(t, callstate.AgentIncomingRequest, a.State())

	rec.Err = nil
	require.NoError(t, a.Accept())
	assert.Equal(t, 1, rec.Count(models.EventAcceptConnection))
}

func TestBusyAgentIgnoresSecondRequest(t *testing.T) {
	a, _ := newAgent()

	a.Incoming(incoming("r1"))
	a.Incoming(incoming("r2"))

	assert.Equal(t, "r1", a.Request().RequestID)
}

func TestCallConnectedAdoptsFirstSession(t *testing.T) {
	a, _ := newAgent()

	assert.False(t, a.CallConnected("s0"), "not in a call yet")

	a.Incoming(incoming("r1"))
	require.NoError(t, a.Accept())

	assert.True(t, a.CallConnected("s1"))
	assert.False(t, a.CallConnected("s2"))
	assert.False(t, a.CallConnected("s1"))

	s := a.Session()
	require.NotNil(t, s)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "a@x.com", s.OtherEmail())
	assert.Equal(t, "A", s.OtherName())

	a.End()
	assert.Equal(t, callstate.AgentIdle, a.State())
	assert.Nil(t, a.Session())
}

func TestWithdrawnDismissesPopupAndWait(t *testing.T) {
	a, _ := newAgent()

	a.Incoming(incoming("r1"))
	assert.False(t, a.Withdrawn("other"))
	assert.True(t, a.Withdrawn("r1"))
	assert.Equal(t, callstate.AgentIdle, a.State())

	a.Incoming(incoming("r2"))
	require.NoError(t, a.Accept())
	assert.True(t, a.Withdrawn("r2"), "lost the race to another agent")
	assert.Equal(t, callstate.AgentIdle, a.State())

	a.Incoming(incoming("r3"))
	require.NoError(t, a.Accept())
	require.True(t, a.CallConnected("s3"))
	assert.False(t, a.Withdrawn("r3"), "a live call is not withdrawn")
	assert.Equal(t, callstate.AgentInCall, a.State())
}
