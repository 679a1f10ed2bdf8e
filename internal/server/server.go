// Package server exposes the circlejoin HTTP surface: OAuth login, circle
// requests, moderation endpoints and the client WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/circlejoin/internal/config"
	"github.com/koltyakov/circlejoin/internal/domain"
	"github.com/koltyakov/circlejoin/internal/moderation"
	"github.com/koltyakov/circlejoin/internal/oauth"
	"github.com/koltyakov/circlejoin/internal/registry"
	"github.com/koltyakov/circlejoin/internal/session"
	"github.com/koltyakov/circlejoin/internal/waf"
)

const maxFormBytes = 16 << 10

// LoginProvider runs the OAuth authorization-code flow.
type LoginProvider interface {
	AuthCodeURL(state string) string
	Login(ctx context.Context, code string) (oauth.Identity, string, error)
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Sessions session.Store
	Workflow *moderation.Workflow
	Registry *registry.Registry
	Login    LoginProvider
}

type Server struct {
	cfg      config.ServerConfig
	sessions session.Store
	workflow *moderation.Workflow
	registry *registry.Registry
	login    LoginProvider
	log      *slog.Logger
	limiter  *ipRateLimiter
	cookie   session.CookieOptions
	upgrader websocket.Upgrader
}

func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		workflow: deps.Workflow,
		registry: deps.Registry,
		login:    deps.Login,
		log:      logger,
		limiter:  newIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		cookie: session.CookieOptions{
			Secure:   cfg.SecureCookies(),
			SameSite: cfg.CookieSameSiteMode(),
		},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// originAllowed reports whether r may use the session cookie cross-origin.
// Requests without an Origin header and servers without an allow-list pass.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin = config.NormalizeOrigin(origin)
	for _, allowed := range s.cfg.AllowedOrigins {
		if config.NormalizeOrigin(allowed) == origin {
			return true
		}
	}
	return false
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth", s.handleAuth)
	mux.HandleFunc("GET /auth/check", s.handleAuthCheck)
	mux.HandleFunc("GET /authenticated", s.handleAuthenticated)
	mux.Handle("POST /request-circle", s.rateLimit(http.HandlerFunc(s.handleRequestCircle)))
	mux.HandleFunc("GET /requests", s.handleListRequests)
	mux.HandleFunc("POST /requests", s.handleDecide)
	mux.HandleFunc("POST /bans", s.handleBan)
	mux.HandleFunc("DELETE /bans/{username}", s.handleUnban)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	var handler http.Handler = mux
	handler = waf.NewMiddleware(waf.Config{
		Enabled:    s.cfg.WAFEnabled,
		AuditOnly:  s.cfg.WAFAuditOnly,
		TrustProxy: s.cfg.TrustProxy,
	}, s.log)(handler)
	handler = s.logRequests(handler)
	handler = s.recoverPanics(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("X-Live-Connections", strconv.Itoa(s.registry.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrInvalidParams, http.StatusBadRequest, "invalid_params"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrConflict, http.StatusConflict, "already_requested"},
	{domain.ErrInvalidCredential, http.StatusUnprocessableEntity, "invalid_key"},
	{domain.ErrUpstreamUnavailable, http.StatusBadGateway, "upstream_unavailable"},
}

// statusFor maps a domain error to its HTTP status and error code.
func statusFor(err error) (int, string, error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code, m.target
		}
	}
	return http.StatusInternalServerError, "internal_error", errors.New("internal error")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, public := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		s.log.Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, domain.ErrorResponse{Error: public.Error(), ErrorCode: code})
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
