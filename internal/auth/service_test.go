package auth

import (
	"context"
	"testing"
	"time"

	"studio/server/internal/kv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeeded(t *testing.T) (*Service, *kv.MemoryStore) {
	t.Helper()
	st := kv.NewMemoryStore()
	svc := NewService(st, "test-secret", 2*time.Minute, 24*time.Hour)
	require.NoError(t, svc.SeedOperator("operator@studio.local", "studio123456"))
	return svc, st
}

func TestLoginRefreshLogout(t *testing.T) {
	ctx := context.Background()
	svc, st := newSeeded(t)

	user, tokens, err := svc.Login(ctx, "operator@studio.local", "studio123456")
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	keys, err := st.Keys(ctx, refreshKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	claims, err := svc.ParseAccess(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	newTokens, err := svc.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, newTokens.RefreshToken)

	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "rotated token cannot be reused")

	require.NoError(t, svc.Logout(ctx, newTokens.RefreshToken))
	_, err = svc.Refresh(ctx, newTokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "refresh should fail after logout")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSeeded(t)

	_, _, err := svc.Login(ctx, "operator@studio.local", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, _, err = svc.Login(ctx, "someone@else", "studio123456")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseAccessRejectsTampering(t *testing.T) {
	svc, _ := newSeeded(t)
	_, tokens, err := svc.Login(context.Background(), "operator@studio.local", "studio123456")
	require.NoError(t, err)

	other := NewService(kv.NewMemoryStore(), "other-secret", time.Minute, time.Hour)
	_, err = other.ParseAccess(tokens.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.ParseAccess(tokens.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshExpiry(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSeeded(t)
	_, tokens, err := svc.Login(ctx, "operator@studio.local", "studio123456")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestMalformedRefreshToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSeeded(t)
	for _, tok := range []string{"", "garbage", "rt_only", "rt_" + "missing_secret"} {
		_, err := svc.Refresh(ctx, tok)
		assert.ErrorIs(t, err, ErrUnauthorized, tok)
	}
	assert.ErrorIs(t, svc.Logout(ctx, "nope"), ErrUnauthorized)
}

func TestPruneRefreshTokens(t *testing.T) {
	ctx := context.Background()
	svc, st := newSeeded(t)

	_, rotated, err := svc.Login(ctx, "operator@studio.local", "studio123456")
	require.NoError(t, err)
	live, err := svc.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
	_, loggedOut, err := svc.Login(ctx, "operator@studio.local", "studio123456")
	require.NoError(t, err)
	require.NoError(t, svc.Logout(ctx, loggedOut.RefreshToken))
	require.NoError(t, st.Set(ctx, refreshKeyPrefix+"corrupt", "{"))

	pruned, err := svc.PruneRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pruned, "rotated, logged out and corrupt tokens go")
	keys, err := st.Keys(ctx, refreshKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "a pruned token stays unusable")

	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	pruned, err = svc.PruneRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned, "expired tokens go")
	_, err = svc.Refresh(ctx, live.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
