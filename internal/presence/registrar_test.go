package presence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport/transporttest"
)

func TestRegisterEmitsIdentity(t *testing.T) {
	rec := &transporttest.Recorder{}
	r := NewRegistrar(rec, models.Identity{Email: "agent@shop.com", Role: models.RoleAgent}, nil)

	require.NoError(t, r.Register())
	require.NoError(t, r.Register())

	var msg models.RegisterUser
	require.True(t, rec.Last(models.EventRegisterUser, &msg))
	assert.Equal(t, "agent@shop.com", msg.UserEmail)
	assert.True(t, bool(msg.IsAgent))
	assert.Equal(t, 2, rec.Count(models.EventRegisterUser))
}

func TestRegisterWithoutEmailSendsNothing(t *testing.T) {
	rec := &transporttest.Recorder{}
	r := NewRegistrar(rec, models.Identity{Name: "anonymous"}, nil)

	assert.ErrorIs(t, r.Register(), ErrNotLoggedIn)
	assert.Empty(t, rec.Events())
}

func TestRegisterPropagatesTransportError(t *testing.T) {
	rec := &transporttest.Recorder{Err: errors.New("socket down")}
	r := NewRegistrar(rec, models.Identity{Email: "a@x.com"}, nil)

	err := r.Register()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket down")
}
