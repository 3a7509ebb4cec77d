package ssoclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneidp/oneidp/internal/ssoclient"
)

func TestExchangeAndGetUserInfoManualEndpoints(t *testing.T) {
	tokenCalls, userinfoCalls := 0, 0

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.FormValue("grant_type"))
		require.Equal(t, "the-code", r.FormValue("code"))
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "token_type": "Bearer"})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		userinfoCalls++
		require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"sub": "sso-sub-1", "email": "alice@example.com", "email_verified": true,
			"preferred_username": "alice",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := ssoclient.New(ssoclient.Config{
		Enabled:     true,
		TokenURL:    srv.URL + "/token",
		UserinfoURL: srv.URL + "/userinfo",
		ClientID:    "demo",
		RedirectURI: "https://idp.example.com/callback",
	})

	info, err := c.ExchangeAndGetUserInfo(context.Background(), "the-code")
	require.NoError(t, err)
	require.Equal(t, "sso-sub-1", info.Sub)
	require.Equal(t, "alice@example.com", info.Email)
	require.True(t, info.EmailVerified)
	require.Equal(t, 1, tokenCalls)
	require.Equal(t, 1, userinfoCalls)
}

func TestWellKnownDiscoveryIsCachedAfterFirstFetch(t *testing.T) {
	fetches := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_endpoint": "https://sso.example.com/authorize",
			"token_endpoint":         "https://sso.example.com/token",
			"userinfo_endpoint":      "https://sso.example.com/userinfo",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := ssoclient.New(ssoclient.Config{
		Enabled:          true,
		UseWellKnown:     true,
		WellKnownURL:     srv.URL + "/.well-known/openid-configuration",
		AuthorizationURL: "https://fallback.example.com/authorize",
	})

	endpoint, err := c.AuthorizationEndpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://sso.example.com/authorize", endpoint)

	endpoint, err = c.AuthorizationEndpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://sso.example.com/authorize", endpoint)
	require.Equal(t, 1, fetches, "wellknown document is fetched once and cached thereafter")
}
