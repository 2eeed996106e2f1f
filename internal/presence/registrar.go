// Package presence announces who this client is to the signaling server.
package presence

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport"
)

// ErrNotLoggedIn is returned when there is no email to register or request with.
var ErrNotLoggedIn = errors.New("please log in to use Live Store")

// Registrar sends register-user once per socket connection.
type Registrar struct {
	sig      transport.Emitter
	identity models.Identity
	log      *zerolog.Logger

	registrations int
}

func NewRegistrar(sig transport.Emitter, identity models.Identity, logger *zerolog.Logger) *Registrar {
	return &Registrar{sig: sig, identity: identity, log: log.OrNop(logger)}
}

// Register emits register-user. Calling it again after a reconnect is safe;
// the server keys registrations by socket.
func (r *Registrar) Register() error {
	if !r.identity.LoggedIn() {
		r.log.Warn().Msg("skipping registration: no email")
		return ErrNotLoggedIn
	}

	err := r.sig.Emit(models.EventRegisterUser, models.RegisterUser{
		UserEmail: r.identity.Email,
		IsAgent:   models.RoleFlag(r.identity.Role.IsAgent()),
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", r.identity.Email, err)
	}

	r.registrations++
	r.log.Info().
		Str("email", r.identity.Email).
		Str("role", r.identity.Role.String()).
		Int("count", r.registrations).
		Msg("registered with signaling server")
	return nil
}
