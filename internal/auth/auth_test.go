package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotex/internal/memstore"
	"spotex/internal/store"
)

func newTestService() *Service {
	return NewService(memstore.New(), "test-secret")
}

func TestRegister(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "password123")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.NotEqual(t, "password123", user.PasswordHash, "password must be stored hashed")
	assert.True(t, user.Balance.IsZero(), "new users start with a zero balance")

	_, err = svc.Register(ctx, "alice", "other")
	assert.True(t, errors.Is(err, store.ErrUsernameTaken))
}

func TestRegister_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "EmptyUsername", username: "", password: "password"},
		{name: "EmptyPassword", username: "alice", password: ""},
		{name: "UsernameTooLong", username: strings.Repeat("a", 51), password: "password"},
		{name: "PasswordTooLong", username: "alice", password: strings.Repeat("p", 101)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.username, tt.password)
			assert.Error(t, err)
		})
	}
}

func TestLogin_TokenRoundTrip(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "password123")
	require.NoError(t, err)

	token, err := svc.Login(ctx, "alice", "password123")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := svc.UserFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)
}

func TestLogin_Failures(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "password123")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice", "wrong-password")
	assert.Error(t, err)

	_, err = svc.Login(ctx, "nobody", "password123")
	assert.True(t, errors.Is(err, store.ErrUserNotFound))
}

func TestUserFromToken_Invalid(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "password123")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "alice", "password123")
	require.NoError(t, err)

	_, err = svc.UserFromToken("not-a-token")
	assert.Error(t, err)

	// A token signed with a different secret must be rejected.
	other := NewService(memstore.New(), "other-secret")
	_, err = other.UserFromToken(token)
	assert.Error(t, err)
}
