package signaling

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/mossy-p/livestore-signaling/internal/models"
)

// mockDirectory is a testify mock of Directory.
type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) SetAgentOnline(ctx context.Context, email string, online bool) error {
	args := m.Called(ctx, email, online)
	return args.Error(0)
}

func (m *mockDirectory) AgentsOnline(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockDirectory) SaveSession(ctx context.Context, s models.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *mockDirectory) DeleteSession(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

var bounded = mock.MatchedBy(func(ctx context.Context) bool {
	_, ok := ctx.Deadline()
	return ok
})
