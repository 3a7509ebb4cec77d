package oauthprovider

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/oneidp/oneidp/internal/bindflow"
)

// handleCallback is GET /callback, the redirect target that completes
// a bind request against the upstream SSO. Renders an HTML result page
// rather than JSON: this endpoint is only ever hit by a browser
// following a redirect from the upstream provider.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.bindflow == nil {
		w.WriteHeader(http.StatusNotFound)
		w.Write(renderErrorPage("Not found", "account binding is not enabled"))
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		msg := q.Get("error_description")
		if msg == "" {
			msg = errCode
		}
		w.Write(renderErrorPage("Authorization failed", msg))
		return
	}

	result, err := s.bindflow.Complete(r.Context(), q.Get("code"), q.Get("state"))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err != nil {
		switch {
		case errors.Is(err, bindflow.ErrMissingParams), errors.Is(err, bindflow.ErrInvalidState):
			w.WriteHeader(http.StatusBadRequest)
			w.Write(renderErrorPage("Link expired", "this binding link is invalid or has expired. Please request a new one from the chat."))
		case errors.Is(err, bindflow.ErrAlreadyBound):
			w.WriteHeader(http.StatusOK)
			w.Write(renderBindResultPage("Already bound", "this chat account is already linked to an account."))
		case errors.Is(err, bindflow.ErrSubAlreadyBound):
			w.WriteHeader(http.StatusConflict)
			w.Write(renderBindResultPage("Account already linked", "that SSO account is already linked to a different chat account."))
		default:
			s.log.Errorf("oauthprovider: bind callback failed: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			w.Write(renderErrorPage("Internal error", "please try again later"))
		}
		return
	}

	u := result.BindUser
	w.WriteHeader(http.StatusOK)
	w.Write(renderBindResultPage("Account linked",
		"chat account "+strconv.FormatInt(u.UIN, 10)+" is now linked as "+bindSummary(u.PreferredUsername, u.Email)+"."))
}

func bindSummary(username, email string) string {
	switch {
	case username != "":
		return username
	case email != "":
		return email
	default:
		return "your account"
	}
}
