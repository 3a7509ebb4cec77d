package oauthprovider

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/oneidp/oneidp/internal/cryptoutil"
	"github.com/oneidp/oneidp/internal/store"
)

// tokenResponse is the RFC 6749 §5.1 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token,omitempty"`
}

// clientCredentialsFromRequest extracts client_id/client_secret from
// HTTP Basic auth if present, else from form fields.
func clientCredentialsFromRequest(r *http.Request) (clientID, clientSecret string) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Basic ") {
		if decoded, err := base64.StdEncoding.DecodeString(auth[len("Basic "):]); err == nil {
			if id, secret, ok := strings.Cut(string(decoded), ":"); ok {
				return id, secret
			}
		}
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

// authenticateClient validates client_id/client_secret against the
// static client registry with a constant-time secret compare.
func (s *Server) authenticateClient(clientID, clientSecret string) (clientCfg, bool) {
	client, ok := s.cfg.Clients[clientID]
	if !ok {
		return clientCfg{}, false
	}
	if !client.Public && !cryptoutil.ConstantTimeEqual(clientSecret, client.Secret) {
		return clientCfg{}, false
	}
	return clientCfg{ID: client.ID, Name: client.Name}, true
}

type clientCfg struct {
	ID   string
	Name string
}

// handleToken is POST /token: implements the authorization_code and
// refresh_token grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r, "token") {
		return
	}
	r.ParseForm()

	clientID, clientSecret := clientCredentialsFromRequest(r)
	if clientID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	client, ok := s.authenticateClient(clientID, clientSecret)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r, client)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r, client)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type '"+r.FormValue("grant_type")+"' is not supported")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client clientCfg) {
	ctx := r.Context()
	code := r.FormValue("code")
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	pending, err := s.store.GetPendingAuthByAuthCode(ctx, code, true)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	if redirectURI := r.FormValue("redirect_uri"); redirectURI != "" && redirectURI != pending.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if pending.CodeChallenge != "" {
		verifier := r.FormValue("code_verifier")
		if verifier == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "code_verifier is required")
			return
		}
		method := pending.CodeChallengeMethod
		if method == "" {
			method = "plain"
		}
		ok, err := cryptoutil.VerifyPKCE(method, verifier, pending.CodeChallenge)
		if err != nil || !ok {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid code_verifier")
			return
		}
	}

	bindUser, err := s.store.GetBindUserByUIN(ctx, pending.UIN, true)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "user not found")
		return
	}

	if affected, err := s.store.MarkPendingAuthUsed(ctx, pending.ID); err != nil || !affected {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}

	s.issueTokenResponse(w, r, client.ID, bindUser, pending.Scope, pending.Nonce)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client clientCfg) {
	ctx := r.Context()
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	tok, err := s.store.GetTokenByRefreshToken(ctx, refreshToken, true)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired refresh token")
		return
	}
	if tok.ClientID != client.ID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}

	if err := s.store.RevokeToken(ctx, tok.ID); err != nil {
		s.log.Errorf("oauthprovider: revoke old token failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "please try again later")
		return
	}

	bindUser, err := s.store.GetBindUserByUIN(ctx, tok.UIN, true)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "user not found")
		return
	}

	s.issueTokenResponse(w, r, client.ID, bindUser, tok.Scope, "")
}

// issueTokenResponse mints and persists a fresh access/refresh token
// pair, plus an ID token when the scope asks for openid.
func (s *Server) issueTokenResponse(w http.ResponseWriter, r *http.Request, clientID string, bindUser store.BindUser, scope, nonce string) {
	ctx := r.Context()
	now := s.now()

	accessToken, err := cryptoutil.NewAccessToken()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "token generation failed")
		return
	}
	refreshToken, err := cryptoutil.NewRefreshToken()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "token generation failed")
		return
	}

	var idToken string
	if hasScope(scope, "openid") {
		idToken, err = cryptoutil.GenerateIDToken(s.cfg.SigningSecret, s.cfg.Issuer, bindUser.UIN, clientID, scope, cryptoutil.FromBindUser(bindUser), nonce, now, s.cfg.AccessTokenExpire)
		if err != nil {
			s.log.Errorf("oauthprovider: id token generation failed: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "server_error", "token generation failed")
			return
		}
	}

	_, err = s.store.CreateOAuthToken(ctx, store.OAuthToken{
		AccessToken:           accessToken,
		RefreshToken:          refreshToken,
		TokenType:             "Bearer",
		ClientID:              clientID,
		BindUserID:            bindUser.ID,
		UIN:                   bindUser.UIN,
		Scope:                 scope,
		CreatedAt:             now,
		AccessTokenExpiresAt:  now.Add(s.cfg.AccessTokenExpire),
		RefreshTokenExpiresAt: now.Add(s.cfg.RefreshTokenExpire),
		HasRefreshTokenExpiry: true,
	})
	if err != nil {
		s.log.Errorf("oauthprovider: persist token failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "please try again later")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenExpire.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
		IDToken:      idToken,
	})
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
