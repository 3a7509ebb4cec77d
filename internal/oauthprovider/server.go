// Package oauthprovider is the provider-side HTTP surface: the
// authorization-code + PKCE endpoints, the approval-page polling
// endpoint, token issuance/refresh/revocation, userinfo, and OIDC
// discovery. Routed with gorilla/mux and wrapped with gorilla/handlers
// middleware.
package oauthprovider

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/oneidp/oneidp/internal/bindflow"
	"github.com/oneidp/oneidp/internal/config"
	"github.com/oneidp/oneidp/internal/ratelimit"
	"github.com/oneidp/oneidp/internal/store"
	"github.com/oneidp/oneidp/pkg/log"
)

// Config carries the subset of config.Config the provider needs,
// already resolved into durations and a client lookup map.
type Config struct {
	Issuer         string
	SigningSecret  []byte
	AllowedOrigins []string

	VerificationCodeExpire time.Duration
	AuthCodeExpire         time.Duration
	AccessTokenExpire      time.Duration
	RefreshTokenExpire     time.Duration

	Clients map[string]config.OAuthClient

	// CommandPrefix is shown on the approval page and in the
	// /authorize/pending response so a user knows which chat command
	// approves the request.
	CommandPrefix string
}

// Server is the OAuth/OIDC HTTP provider. Clients are statically
// registered via Config; there is no dynamic client registration.
type Server struct {
	cfg      Config
	store    store.Store
	bindflow *bindflow.Service
	limiter  *ratelimit.Limiter
	log      log.Logger
	now      func() time.Time

	router http.Handler
}

// NewServer builds the provider's router. bf may be nil if binding is
// disabled (the /callback route then always 404s).
func NewServer(cfg Config, s store.Store, bf *bindflow.Service, limiter *ratelimit.Limiter, logger log.Logger) *Server {
	srv := &Server{cfg: cfg, store: s, bindflow: bf, limiter: limiter, log: logger, now: time.Now}
	srv.router = srv.newRouter()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) newRouter() http.Handler {
	r := mux.NewRouter().SkipClean(true)

	handle := func(p string, method string, h http.HandlerFunc) {
		r.HandleFunc(p, h).Methods(method)
	}

	handle("/authorize", http.MethodGet, s.handleAuthorize)
	handle("/authorize/pending", http.MethodGet, s.handleAuthorizePending)
	handle("/authorize/check", http.MethodGet, s.handleAuthorizeCheck)
	handle("/token", http.MethodPost, s.handleToken)
	handle("/userinfo", http.MethodGet, s.handleUserinfo)
	handle("/revoke", http.MethodPost, s.handleRevoke)
	handle("/.well-known/openid-configuration", http.MethodGet, s.handleDiscovery)
	handle("/callback", http.MethodGet, s.handleCallback)
	handle("/health", http.MethodGet, s.handleHealth)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)

	var handler http.Handler = r
	if len(s.cfg.AllowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		)(handler)
	}
	return securityHeaders(handler)
}

// securityHeaders sets baseline hardening headers on every response;
// HSTS only when the request actually arrived over TLS.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request, route string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, retryAfter := s.limiter.Check(route, ratelimit.KeyForRequest(r))
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><title>oneidp</title><h1>oneidp</h1><p><a href="/.well-known/openid-configuration">Discovery</a></p>`))
}

