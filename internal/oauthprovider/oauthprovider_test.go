package oauthprovider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/oneidp/oneidp/internal/config"
	"github.com/oneidp/oneidp/internal/oauthprovider"
	"github.com/oneidp/oneidp/internal/ratelimit"
	"github.com/oneidp/oneidp/internal/store"
	"github.com/oneidp/oneidp/internal/store/memstore"
	"github.com/oneidp/oneidp/pkg/log"
)

func newTestServer(t *testing.T) (*oauthprovider.Server, store.Store) {
	t.Helper()
	s := memstore.New()
	srv := oauthprovider.NewServer(oauthprovider.Config{
		Issuer:                 "https://idp.example.com",
		SigningSecret:          []byte("test-signing-secret"),
		VerificationCodeExpire: 5 * time.Minute,
		AuthCodeExpire:         time.Minute,
		AccessTokenExpire:      time.Hour,
		RefreshTokenExpire:     24 * time.Hour,
		CommandPrefix:          "/sso",
		Clients: map[string]config.OAuthClient{
			"client-1": {
				ID:            "client-1",
				Secret:        "client-1-secret",
				Name:          "Test Client",
				RedirectURIs:  []string{"https://app.example.com/callback"},
				AllowedScopes: []string{"openid", "profile", "email"},
			},
		},
	}, s, nil, ratelimit.New(map[string]ratelimit.Rule{}), log.NewLogrusLogger(logrus.New()))
	return srv, s
}

func authorizePending(t *testing.T, srv *oauthprovider.Server, query url.Values) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize/pending?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAuthorizeTokenUserinfoHappyPath(t *testing.T) {
	srv, s := newTestServer(t)

	pending := authorizePending(t, srv, url.Values{
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
		"scope":        {"openid profile email"},
		"state":        {"xyz"},
	})
	verificationCode, _ := pending["verification_code"].(string)
	require.NotEmpty(t, verificationCode)

	ctx := context.Background()
	p, err := s.GetPendingAuthByVerificationCode(ctx, verificationCode, false)
	require.NoError(t, err)

	bindUser, err := s.CreateBindUser(ctx, store.BindUser{
		UIN: 1001, Sub: "sso-sub-1", Email: "alice@example.com", PreferredUsername: "alice",
	})
	require.NoError(t, err)

	affected, err := s.ClaimPendingAuth(ctx, p.ID, bindUser.UIN, bindUser.ID)
	require.NoError(t, err)
	require.True(t, affected)
	affected, err = s.ApprovePendingAuth(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, affected)

	checkReq := httptest.NewRequest(http.MethodGet, "/authorize/check?verification_code="+verificationCode, nil)
	checkW := httptest.NewRecorder()
	srv.ServeHTTP(checkW, checkReq)
	require.Equal(t, http.StatusOK, checkW.Code)
	var checkBody map[string]any
	require.NoError(t, json.Unmarshal(checkW.Body.Bytes(), &checkBody))
	require.Equal(t, true, checkBody["approved"])
	redirectURI, _ := checkBody["redirect_uri"].(string)
	require.NotEmpty(t, redirectURI)

	parsed, err := url.Parse(redirectURI)
	require.NoError(t, err)
	authCode := parsed.Query().Get("code")
	require.NotEmpty(t, authCode)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {authCode},
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
	}
	tokenReq := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokenW := httptest.NewRecorder()
	srv.ServeHTTP(tokenW, tokenReq)
	require.Equal(t, http.StatusOK, tokenW.Code, tokenW.Body.String())

	var tokenBody map[string]any
	require.NoError(t, json.Unmarshal(tokenW.Body.Bytes(), &tokenBody))
	accessToken, _ := tokenBody["access_token"].(string)
	require.NotEmpty(t, accessToken)
	require.NotEmpty(t, tokenBody["id_token"])

	userinfoReq := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	userinfoReq.Header.Set("Authorization", "Bearer "+accessToken)
	userinfoW := httptest.NewRecorder()
	srv.ServeHTTP(userinfoW, userinfoReq)
	require.Equal(t, http.StatusOK, userinfoW.Code)

	var claims map[string]any
	require.NoError(t, json.Unmarshal(userinfoW.Body.Bytes(), &claims))
	require.Equal(t, "alice@example.com", claims["email"])
	require.Equal(t, "alice", claims["preferred_username"])
}

func TestAuthorizePendingRejectsUnknownClient(t *testing.T) {
	srv, _ := newTestServer(t)
	body := authorizePendingExpectingError(t, srv, url.Values{
		"client_id":    {"no-such-client"},
		"redirect_uri": {"https://app.example.com/callback"},
		"scope":        {"openid"},
	})
	require.Equal(t, "invalid_client", body["error"])
}

func TestAuthorizePendingRejectsDisallowedScope(t *testing.T) {
	srv, _ := newTestServer(t)
	body := authorizePendingExpectingError(t, srv, url.Values{
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
		"scope":        {"admin"},
	})
	require.Equal(t, "invalid_scope", body["error"])
}

func authorizePendingExpectingError(t *testing.T, srv *oauthprovider.Server, query url.Values) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize/pending?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// approvedAuthCode drives /authorize/pending through claim and approval
// and returns the auth code a Relying Party would receive, with the
// bound user 1001 behind it.
func approvedAuthCode(t *testing.T, srv *oauthprovider.Server, s store.Store, query url.Values) string {
	t.Helper()
	ctx := context.Background()

	pending := authorizePending(t, srv, query)
	verificationCode, _ := pending["verification_code"].(string)
	require.NotEmpty(t, verificationCode)

	p, err := s.GetPendingAuthByVerificationCode(ctx, verificationCode, false)
	require.NoError(t, err)

	bindUser, err := s.GetBindUserByUIN(ctx, 1001, true)
	if err != nil {
		bindUser, err = s.CreateBindUser(ctx, store.BindUser{
			UIN: 1001, Sub: "sso-sub-1", Email: "alice@example.com", PreferredUsername: "alice",
		})
		require.NoError(t, err)
	}

	affected, err := s.ClaimPendingAuth(ctx, p.ID, bindUser.UIN, bindUser.ID)
	require.NoError(t, err)
	require.True(t, affected)
	affected, err = s.ApprovePendingAuth(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, affected)

	return p.AuthCode
}

func postToken(t *testing.T, srv *oauthprovider.Server, form url.Values) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w.Code, body
}

func TestTokenReplayReturnsInvalidGrant(t *testing.T) {
	srv, s := newTestServer(t)
	authCode := approvedAuthCode(t, srv, s, url.Values{
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
		"scope":        {"openid"},
	})

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {authCode},
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
	}
	code, body := postToken(t, srv, form)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body["access_token"])

	code, body = postToken(t, srv, form)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestRefreshTokenRotation(t *testing.T) {
	srv, s := newTestServer(t)
	authCode := approvedAuthCode(t, srv, s, url.Values{
		"client_id":    {"client-1"},
		"redirect_uri": {"https://app.example.com/callback"},
		"scope":        {"openid"},
	})

	code, body := postToken(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {authCode},
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
	})
	require.Equal(t, http.StatusOK, code)
	accessToken1, _ := body["access_token"].(string)
	refreshToken1, _ := body["refresh_token"].(string)
	require.NotEmpty(t, refreshToken1)

	code, body = postToken(t, srv, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken1},
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
	})
	require.Equal(t, http.StatusOK, code)
	accessToken2, _ := body["access_token"].(string)
	refreshToken2, _ := body["refresh_token"].(string)
	require.NotEqual(t, accessToken1, accessToken2)
	require.NotEqual(t, refreshToken1, refreshToken2)

	// The rotated-out refresh token is dead.
	code, body = postToken(t, srv, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken1},
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestTokenPKCES256(t *testing.T) {
	// Verifier/challenge pair from RFC 7636 appendix B.
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	const challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	srv, s := newTestServer(t)
	authCode := approvedAuthCode(t, srv, s, url.Values{
		"client_id":             {"client-1"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"scope":                 {"openid"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	})

	code, body := postToken(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {authCode},
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
		"code_verifier": {"not-the-right-verifier"},
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_grant", body["error"])

	code, body = postToken(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {authCode},
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body["access_token"])
}

func TestRevokeAlwaysReturns200(t *testing.T) {
	srv, _ := newTestServer(t)
	form := url.Values{
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
		"token":         {"no-such-token"},
	}
	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
