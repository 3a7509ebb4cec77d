package oauthprovider

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oneidp/oneidp/internal/config"
	"github.com/oneidp/oneidp/internal/cryptoutil"
	"github.com/oneidp/oneidp/internal/security"
	"github.com/oneidp/oneidp/internal/store"
)

// authorizeRequest is the parsed, not-yet-validated query of
// GET /authorize.
type authorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

func parseAuthorizeRequest(r *http.Request) authorizeRequest {
	q := r.URL.Query()
	return authorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
	}
}

// authorizeOutcome is the result of validateAuthorize: either client is
// set and the caller should proceed, or a failure is populated. A
// failure is "redirectable" once redirect_uri has passed the generic
// safety filter; callers that can't trust redirect_uri yet (an unknown
// client, or a redirect_uri outside the client's allow-list) render an
// HTML/JSON error in place instead.
type authorizeOutcome struct {
	client       config.OAuthClient
	ok           bool
	redirectable bool
	errCode      string
	errMessage   string
}

// validateAuthorize checks req in a fixed order: redirect_uri safety,
// response_type, client existence, redirect_uri registration, scope,
// then PKCE method. The first failure wins.
func (s *Server) validateAuthorize(req authorizeRequest) authorizeOutcome {
	if !security.SafeRedirectURI(req.RedirectURI) {
		return authorizeOutcome{errCode: "invalid_request", errMessage: "redirect_uri is missing or malformed"}
	}

	if req.ResponseType != "code" {
		return authorizeOutcome{redirectable: true, errCode: "unsupported_response_type", errMessage: "only the 'code' response type is supported"}
	}

	client, ok := s.cfg.Clients[req.ClientID]
	if !ok {
		return authorizeOutcome{errCode: "invalid_client", errMessage: "unknown client_id"}
	}
	if !security.RedirectURIAllowed(req.RedirectURI, client.RedirectURIs) {
		return authorizeOutcome{errCode: "invalid_request", errMessage: "redirect_uri is not registered for this client"}
	}

	if !security.ValidScopeCharset(req.Scope) {
		return authorizeOutcome{redirectable: true, errCode: "invalid_scope", errMessage: "scope contains invalid characters"}
	}
	if ok, missing := security.ScopeAllowed(req.Scope, client.AllowedScopeSet()); !ok {
		return authorizeOutcome{redirectable: true, errCode: "invalid_scope", errMessage: "scope '" + missing + "' is not allowed"}
	}

	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "plain" && req.CodeChallengeMethod != "S256" {
			return authorizeOutcome{redirectable: true, errCode: "invalid_request", errMessage: "invalid code_challenge_method"}
		}
	}

	return authorizeOutcome{client: client, ok: true}
}

func (s *Server) createPendingAuth(r *http.Request, req authorizeRequest) (store.PendingAuth, error) {
	verificationCode, err := cryptoutil.NewVerificationCode(0)
	if err != nil {
		return store.PendingAuth{}, err
	}
	authCode, err := cryptoutil.NewAuthCode()
	if err != nil {
		return store.PendingAuth{}, err
	}

	now := s.now()
	return s.store.CreatePendingAuth(r.Context(), store.PendingAuth{
		VerificationCode:    verificationCode,
		AuthCode:            authCode,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		ClientIP:            clientIP(r),
		UserAgent:           r.Header.Get("User-Agent"),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.VerificationCodeExpire),
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}

// handleAuthorize is GET /authorize: validates the request, creates a
// PendingAuth, and renders the approval page showing the verification
// code.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r, "authorize") {
		return
	}

	req := parseAuthorizeRequest(r)
	outcome := s.validateAuthorize(req)
	if !outcome.ok {
		if outcome.redirectable {
			http.Redirect(w, r, errorRedirectURL(req.RedirectURI, outcome.errCode, outcome.errMessage, req.State), http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		w.Write(renderErrorPage("Invalid authorization request", outcome.errMessage))
		return
	}

	pending, err := s.createPendingAuth(r, req)
	if err != nil {
		s.log.Errorf("oauthprovider: create pending auth failed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(renderErrorPage("Internal error", "please try again later"))
		return
	}

	var scopes []scopeDisplay
	for _, tok := range strings.Fields(req.Scope) {
		scopes = append(scopes, describeScope(tok))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(renderApprovalPage(approvalPageData{
		ClientName:       outcome.client.Name,
		Scopes:           scopes,
		CommandPrefix:    s.cfg.CommandPrefix,
		VerificationCode: pending.VerificationCode,
		ExpireMinutes:    int(s.cfg.VerificationCodeExpire / time.Minute),
		ExpireMillis:     s.cfg.VerificationCodeExpire.Milliseconds(),
	}))
}

// handleAuthorizePending is GET /authorize/pending, a JSON variant for
// Relying Parties that render their own consent UI. Rate-limited under
// the same "authorize" bucket.
func (s *Server) handleAuthorizePending(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r, "authorize") {
		return
	}

	req := parseAuthorizeRequest(r)
	req.ResponseType = "code" // implicit for the JSON variant; not a query param
	outcome := s.validateAuthorize(req)
	if !outcome.ok {
		writeJSONError(w, http.StatusBadRequest, outcome.errCode, outcome.errMessage)
		return
	}

	pending, err := s.createPendingAuth(r, req)
	if err != nil {
		s.log.Errorf("oauthprovider: create pending auth failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "please try again later")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"verification_code": pending.VerificationCode,
		"expires_in":        int(s.cfg.VerificationCodeExpire.Seconds()),
		"message":           s.cfg.CommandPrefix + " auth " + pending.VerificationCode,
	})
}

// handleAuthorizeCheck is GET /authorize/check, the approval page's
// 2-second poll.
func (s *Server) handleAuthorizeCheck(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("verification_code")
	pending, err := s.store.GetPendingAuthByVerificationCode(r.Context(), code, false)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "approved": false})
		return
	}

	if !s.now().Before(pending.ExpiresAt) {
		writeJSON(w, http.StatusGone, map[string]any{"error": "expired", "approved": false})
		return
	}

	if pending.IsApproved {
		writeJSON(w, http.StatusOK, map[string]any{
			"approved":     true,
			"redirect_uri": authCodeRedirectURL(pending),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"approved": false, "pending": true})
}

func authCodeRedirectURL(p store.PendingAuth) string {
	v := url.Values{}
	v.Set("code", p.AuthCode)
	if p.State != "" {
		v.Set("state", p.State)
	}
	return p.RedirectURI + "?" + v.Encode()
}
