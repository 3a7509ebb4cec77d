package oauthprovider

import "net/http"

// handleDiscovery is GET /.well-known/openid-configuration, a static
// document derived from the issuer. There is no jwks_uri: every ID
// token is HS256-signed with the provider's shared signing secret.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"revocation_endpoint":                   issuer + "/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"HS256"},
		"scopes_supported":                      []string{"openid", "uin", "email", "profile", "preferred_username"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"code_challenge_methods_supported":      []string{"plain", "S256"},
		"claims_supported":                      []string{"sub", "uin", "email", "preferred_username", "nickname"},
	})
}
