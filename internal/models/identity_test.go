package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleFlagNormalizesTruthyValues(t *testing.T) {
	cases := map[string]bool{
		`true`:    true,
		`"true"`:  true,
		`"True"`:  true,
		`1`:       true,
		`"1"`:     true,
		`"yes"`:   true,
		`false`:   false,
		`"false"`: false,
		`0`:       false,
		`""`:      false,
		`null`:    false,
		`{}`:      false,
	}

	for raw, want := range cases {
		var msg RegisterUser
		err := json.Unmarshal([]byte(`{"UserEmail":"a@x.com","isAgent":`+raw+`}`), &msg)
		require.NoError(t, err, raw)
		assert.Equal(t, want, bool(msg.IsAgent), raw)
		assert.Equal(t, RoleFromBool(want), msg.IsAgent.Role(), raw)
	}
}

func TestRegisterUserWireShape(t *testing.T) {
	data, err := json.Marshal(RegisterUser{UserEmail: "agent@shop.com", IsAgent: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"UserEmail":"agent@shop.com","isAgent":true}`, string(data))
}

func TestSessionOtherParty(t *testing.T) {
	s := Session{
		ID:            "s1",
		CustomerEmail: "a@x.com",
		CustomerName:  "A",
		AgentEmail:    "agent@shop.com",
		AgentName:     "Bob",
		Role:          RoleCustomer,
	}
	assert.Equal(t, "agent@shop.com", s.OtherEmail())
	assert.Equal(t, "Bob", s.OtherName())

	s.Role = RoleAgent
	assert.Equal(t, "a@x.com", s.OtherEmail())
	assert.Equal(t, "A", s.OtherName())
}

func TestEnvelopeDecode(t *testing.T) {
	env, err := NewEnvelope(EventEndCall, SessionRef{SessionID: "s1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(env.Data))

	var ref SessionRef
	require.NoError(t, env.Decode(&ref))
	assert.Equal(t, "s1", ref.SessionID)

	assert.Error(t, Envelope{Event: EventEndCall}.Decode(&ref))
}

func TestIdentityLoggedIn(t *testing.T) {
	assert.False(t, Identity{}.LoggedIn())
	assert.False(t, Identity{Email: "   "}.LoggedIn())
	assert.True(t, Identity{Email: "a@x.com"}.LoggedIn())
	assert.Equal(t, "a@x.com", Identity{Email: "a@x.com"}.DisplayName())
}
