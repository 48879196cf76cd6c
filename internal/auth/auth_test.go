package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pjmoura/bancoledger/internal/store"
)

func newTestService(ttl time.Duration) *Service {
	return NewService(store.NewMemory(), "test-secret", ttl)
}

func TestRegisterAndLogin(t *testing.T) {
	require := require.New(t)
	svc := newTestService(time.Minute)
	ctx := context.Background()

	require.NoError(svc.Register(ctx, "maria", "s3nha"))
	require.ErrorIs(svc.Register(ctx, "maria", "outra"), ErrUserExists)

	token, err := svc.Login(ctx, "maria", "s3nha")
	require.NoError(err)
	require.NotEmpty(token)

	identity, err := svc.Verify(ctx, token)
	require.NoError(err)
	require.Equal("maria", identity.Username)
}

func TestLoginFailures(t *testing.T) {
	require := require.New(t)
	svc := newTestService(time.Minute)
	ctx := context.Background()

	require.NoError(svc.Register(ctx, "maria", "s3nha"))

	_, err := svc.Login(ctx, "maria", "errada")
	require.ErrorIs(err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "ninguem", "s3nha")
	require.ErrorIs(err, ErrInvalidCredentials)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(time.Minute)
	ctx := context.Background()

	require.Error(t, svc.Register(ctx, "", "senha"))
	require.Error(t, svc.Register(ctx, "maria", ""))
}

func TestVerifyRejectsGarbageAndExpired(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	svc := newTestService(time.Minute)
	_, err := svc.Verify(ctx, "not-a-token")
	require.ErrorIs(err, ErrInvalidToken)

	// Token signed with a different secret.
	other := NewService(store.NewMemory(), "other-secret", time.Minute)
	require.NoError(other.Register(ctx, "maria", "s3nha"))
	foreign, err := other.Login(ctx, "maria", "s3nha")
	require.NoError(err)
	_, err = svc.Verify(ctx, foreign)
	require.ErrorIs(err, ErrInvalidToken)

	// Expired token.
	expired := newTestService(-time.Minute)
	require.NoError(expired.Register(ctx, "jose", "s3nha"))
	tok, err := expired.Login(ctx, "jose", "s3nha")
	require.NoError(err)
	_, err = expired.Verify(ctx, tok)
	require.ErrorIs(err, ErrInvalidToken)
}
