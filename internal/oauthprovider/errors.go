package oauthprovider

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// oauthError is the RFC 6749 §5.2 JSON error body shape, used by
// /token, /authorize/pending and /userinfo.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(oauthError{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorRedirectURL builds the `redirect_uri?error=...&error_description=...`
// URL an /authorize failure is delivered through once redirect_uri itself
// has passed the safety filter.
func errorRedirectURL(redirectURI, code, description, state string) string {
	v := url.Values{}
	v.Set("error", code)
	v.Set("error_description", description)
	if state != "" {
		v.Set("state", state)
	}
	return redirectURI + "?" + v.Encode()
}
