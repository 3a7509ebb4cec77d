package oauthprovider

import (
	"net/http"
)

// handleRevoke is POST /revoke (RFC 7009). Per §2.2 of that RFC the
// response is always 200 regardless of whether the token was found or
// already revoked, so callers cannot probe for live tokens.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
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

	token := r.FormValue("token")
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	ctx := r.Context()
	if tok, err := s.store.GetTokenByAccessToken(ctx, token, false); err == nil {
		if tok.ClientID == client.ID {
			s.store.RevokeToken(ctx, tok.ID)
		}
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	if tok, err := s.store.GetTokenByRefreshToken(ctx, token, false); err == nil {
		if tok.ClientID == client.ID {
			s.store.RevokeToken(ctx, tok.ID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{})
}
