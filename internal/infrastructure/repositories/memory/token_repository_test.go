package memory

import (
	"context"
	"testing"
	"time"

	"wiregate/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testToken(token string, expiresAt time.Time) *domain.LinkToken {
	return &domain.LinkToken{
		Token:     token,
		Initiator: domain.Identity{User: "alice", Client: "laptop"},
		Target:    domain.Identity{User: "bob"},
		ExpiresAt: expiresAt,
	}
}

func TestTokenRepository_SaveGet(t *testing.T) {
	repo := NewMemoryTokenRepository()
	ctx := context.Background()

	saved := testToken("0123456789abcdef0123456789abcdef", time.Now().Add(domain.LinkTokenTTL))
	require.NoError(t, repo.Save(ctx, saved))

	got, err := repo.Get(ctx, saved.Token)
	require.NoError(t, err)
	assert.Equal(t, saved.Initiator, got.Initiator)
	assert.Equal(t, saved.Target, got.Target)
}

func TestTokenRepository_UnknownToken(t *testing.T) {
	repo := NewMemoryTokenRepository()

	_, err := repo.Get(context.Background(), "ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestTokenRepository_GetReturnsCopy(t *testing.T) {
	repo := NewMemoryTokenRepository()
	ctx := context.Background()

	saved := testToken("0123456789abcdef0123456789abcdef", time.Now().Add(domain.LinkTokenTTL))
	require.NoError(t, repo.Save(ctx, saved))

	got, err := repo.Get(ctx, saved.Token)
	require.NoError(t, err)
	got.Target.User = "mallory"

	again, err := repo.Get(ctx, saved.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), again.Target.User)
}

func TestTokenRepository_JustExpiredStaysReadable(t *testing.T) {
	repo := NewMemoryTokenRepository()
	ctx := context.Background()

	expired := testToken("0123456789abcdef0123456789abcdef", time.Now().Add(-10*time.Second))
	require.NoError(t, repo.Save(ctx, expired))
	require.NoError(t, repo.Save(ctx, testToken("ffffffffffffffff0000000000000000", time.Now().Add(time.Hour))))

	// The record still exists, so the caller can distinguish "expired"
	// from "never issued".
	got, err := repo.Get(ctx, expired.Token)
	require.NoError(t, err)
	assert.True(t, got.Expired(time.Now()))
}

func TestTokenRepository_SweepsLongDeadTokens(t *testing.T) {
	repo := NewMemoryTokenRepository()
	ctx := context.Background()

	dead := testToken("0123456789abcdef0123456789abcdef", time.Now().Add(-time.Hour))
	require.NoError(t, repo.Save(ctx, dead))

	// Any later write sweeps tokens well past expiry.
	require.NoError(t, repo.Save(ctx, testToken("ffffffffffffffff0000000000000000", time.Now().Add(time.Hour))))

	_, err := repo.Get(ctx, dead.Token)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}
