// Package storetest provides conformance tests shared across every
// store.Store implementation, so each backend proves the same
// uniqueness, claim, rotation and expiry behavior.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oneidp/oneidp/internal/store"
)

// RunTestSuite runs the full conformance suite against s.
func RunTestSuite(t *testing.T, s store.Store) {
	t.Run("BindUserUniqueness", func(t *testing.T) { testBindUserUniqueness(t, s) })
	t.Run("PendingAuthClaimRace", func(t *testing.T) { testPendingAuthClaim(t, s) })
	t.Run("TokenRotation", func(t *testing.T) { testTokenRotation(t, s) })
	t.Run("ExpiryIsNotFound", func(t *testing.T) { testExpiry(t, s) })
}

func testBindUserUniqueness(t *testing.T, s store.Store) {
	ctx := context.Background()
	b, err := s.CreateBindUser(ctx, store.BindUser{UIN: 1001, Sub: "sub-1"})
	require.NoError(t, err)

	_, err = s.CreateBindUser(ctx, store.BindUser{UIN: 1001, Sub: "sub-2"})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = s.CreateBindUser(ctx, store.BindUser{UIN: 1002, Sub: "sub-1"})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	require.NoError(t, s.DeactivateBindUser(ctx, b.ID))

	// Deactivated rows free up both the uin and the sub.
	_, err = s.CreateBindUser(ctx, store.BindUser{UIN: 1001, Sub: "sub-1"})
	require.NoError(t, err)
}

func testPendingAuthClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, err := s.CreatePendingAuth(ctx, store.PendingAuth{
		VerificationCode: "ABCDEF",
		AuthCode:         "authcode-1",
		ClientID:         "demo",
		RedirectURI:      "https://rp/cb",
		Scope:            "openid",
		ExpiresAt:        time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	ok1, err := s.ClaimPendingAuth(ctx, p.ID, 10001, 1)
	require.NoError(t, err)
	ok2, err := s.ClaimPendingAuth(ctx, p.ID, 10002, 2)
	require.NoError(t, err)

	// Of two claims on the same unclaimed row, exactly one succeeds.
	require.True(t, ok1 != ok2)

	got, err := s.GetPendingAuthByVerificationCode(ctx, "abcdef", false)
	require.NoError(t, err)
	require.Equal(t, int64(10001), got.UIN)
}

func testTokenRotation(t *testing.T, s store.Store) {
	ctx := context.Background()
	t1, err := s.CreateOAuthToken(ctx, store.OAuthToken{
		AccessToken:           "A1",
		RefreshToken:          "R1",
		ClientID:              "demo",
		UIN:                   10001,
		Scope:                 "openid",
		AccessTokenExpiresAt:  time.Now().Add(time.Hour),
		RefreshTokenExpiresAt: time.Now().Add(24 * time.Hour),
		HasRefreshTokenExpiry: true,
	})
	require.NoError(t, err)

	require.NoError(t, s.RevokeToken(ctx, t1.ID))

	_, err = s.GetTokenByAccessToken(ctx, "A1", true)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateOAuthToken(ctx, store.OAuthToken{
		AccessToken:  "A1",
		RefreshToken: "R2",
	})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func testExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreatePendingBind(ctx, store.PendingBind{
		State:     "expiry-state",
		UIN:       1,
		Username:  "alice",
		ExpiresAt: time.Now(), // now >= expires_at must mean invalid
	})
	require.NoError(t, err)

	_, err = s.GetPendingBindByState(ctx, "expiry-state", true)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetPendingBindByState(ctx, "expiry-state", false)
	require.NoError(t, err)
}
