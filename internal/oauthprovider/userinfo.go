package oauthprovider

import (
	"net/http"
	"strings"

	"github.com/oneidp/oneidp/internal/cryptoutil"
)

// bearerToken extracts the token from an `Authorization: Bearer <token>`
// header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// handleUserinfo is GET /userinfo: returns scope-gated claims for the
// bearer token's bound user. Claims are projected from the scope the
// token was issued with, not the client's current allow-list.
func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="oneidp"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return
	}

	ctx := r.Context()
	tok, err := s.store.GetTokenByAccessToken(ctx, token, true)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="oneidp", error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "access token is invalid or expired")
		return
	}

	bindUser, err := s.store.GetBindUserByUIN(ctx, tok.UIN, true)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="oneidp", error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "bound user no longer active")
		return
	}

	claims := cryptoutil.UserInfoClaims(tok.UIN, tok.Scope, cryptoutil.FromBindUser(bindUser))
	writeJSON(w, http.StatusOK, claims)
}
