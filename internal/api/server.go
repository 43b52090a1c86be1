// Package api serves the login endpoints, the signed-in user's claims and the
// credential administration API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"extlogin/internal/audit"
	"extlogin/internal/credentials"
	"extlogin/internal/oauth"
	"extlogin/internal/observability"
	"extlogin/internal/session"
	"extlogin/internal/storage"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Config holds the server dependencies. Flow and Sessions are required.
type Config struct {
	Flow     *oauth.Flow
	Sessions *session.Manager

	// Credentials and Sealer enable the admin credential API.
	Credentials storage.CredentialStore
	Sealer      *credentials.Sealer
	// AdminToken guards /api/v1/credentials and /api/v1/audit. Empty
	// disables both.
	AdminToken string

	Audit   audit.AuditLogger
	Metrics *observability.Metrics
	Logger  observability.Logger

	// CallbackPath is where providers redirect back to, e.g. /callback.
	CallbackPath string
	// CorrelationTTL bounds the correlation cookie; it matches the state TTL.
	CorrelationTTL time.Duration
	SecureCookies  bool

	RateLimit      RateLimitConfig
	LoginRateLimit RateLimitConfig
	TrustedProxies *TrustedProxyConfig
}

type Server struct {
	mux         *http.ServeMux
	flow        *oauth.Flow
	sessions    *session.Manager
	store       storage.CredentialStore
	sealer      *credentials.Sealer
	adminToken  string
	logger      observability.Logger
	metrics     *observability.Metrics
	auditLogger audit.AuditLogger

	callbackPath   string
	correlationTTL time.Duration
	secureCookies  bool

	rateLimit      RateLimitConfig
	loginRateLimit RateLimitConfig
	proxies        *TrustedProxyConfig
}

// NewServer creates the HTTP server and registers its routes.
// If Logger is nil, a default logger will be used.
// If Audit is nil, a memory-based audit logger will be used.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Flow == nil || cfg.Sessions == nil {
		return nil, errors.New("api: flow and session manager are required")
	}
	if cfg.Credentials != nil && cfg.Sealer == nil {
		return nil, errors.New("api: credential store requires a sealer")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.DefaultConfig())
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewMemoryAuditLogger()
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/callback"
	}
	if cfg.CorrelationTTL <= 0 {
		cfg.CorrelationTTL = oauth.DefaultStateTTL
	}

	s := &Server{
		mux:            http.NewServeMux(),
		flow:           cfg.Flow,
		sessions:       cfg.Sessions,
		store:          cfg.Credentials,
		sealer:         cfg.Sealer,
		adminToken:     cfg.AdminToken,
		logger:         cfg.Logger.WithComponent("api"),
		metrics:        cfg.Metrics,
		auditLogger:    cfg.Audit,
		callbackPath:   cfg.CallbackPath,
		correlationTTL: cfg.CorrelationTTL,
		secureCookies:  cfg.SecureCookies,
		rateLimit:      cfg.RateLimit,
		loginRateLimit: cfg.LoginRateLimit,
		proxies:        cfg.TrustedProxies,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	loginLimit := LoginRateLimitMiddleware(s.loginRateLimit, s.proxies, func(name string) bool {
		_, ok := s.flow.Providers().Get(name)
		return ok
	}, s.logger)

	s.mux.Handle("GET /login", loginLimit(http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("GET "+s.callbackPath, loginLimit(http.HandlerFunc(s.handleCallback)))
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("GET /{$}", s.handleClaims)
	s.mux.HandleFunc("GET /api/v1/providers", s.handleProviders)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPISpec)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	admin := AdminAuthMiddleware(s.adminToken)
	if s.store != nil {
		s.mux.Handle("GET /api/v1/credentials", admin(http.HandlerFunc(s.handleListCredentials)))
		s.mux.Handle("POST /api/v1/credentials", admin(http.HandlerFunc(s.handleCreateCredential)))
		s.mux.Handle("GET /api/v1/credentials/{id}", admin(http.HandlerFunc(s.handleGetCredential)))
		s.mux.Handle("PATCH /api/v1/credentials/{id}", admin(http.HandlerFunc(s.handleUpdateCredential)))
		s.mux.Handle("DELETE /api/v1/credentials/{id}", admin(http.HandlerFunc(s.handleDeleteCredential)))
	}
	s.mux.Handle("GET /api/v1/audit", admin(http.HandlerFunc(s.handleListAudit)))
}

// Handler returns the routes wrapped in the standard middleware stack.
func (s *Server) Handler() http.Handler {
	mws := []Middleware{
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
	}
	if s.metrics != nil {
		mws = append(mws,
			observability.MetricsMiddleware(s.metrics),
			observability.RateLimitMetricsMiddleware(s.metrics, s.rateLimit.Enabled()),
		)
	}
	mws = append(mws,
		RateLimitMiddleware(s.rateLimit, s.proxies, s.logger),
		CSRFMiddleware(s.secureCookies),
	)
	return ApplyMiddlewares(s.mux, mws...)
}

// writeErr reports the failure and writes it as JSON. Server-side detail
// goes to the log and Sentry only.
func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, detail string) {
	s.reportErr(ctx, code, msg, detail)
	if code >= 500 {
		detail = ""
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// reportErr logs a failed request and sends 5xx failures to Sentry.
func (s *Server) reportErr(ctx context.Context, code int, msg string, detail string) {
	fields := []any{
		"status", code,
		"error", msg,
	}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	if code < 500 {
		s.logger.WarnContext(ctx, "request failed", fields...)
		return
	}
	s.logger.ErrorContext(ctx, "request failed", fields...)
	event := fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail)
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureMessage(event)
	} else {
		sentry.CaptureMessage(event)
	}
}

// writeStoreErr maps a storage-layer error to the appropriate HTTP status code
// and writes the error response, falling back to 500 for unknown errors.
func (s *Server) writeStoreErr(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeErr(ctx, w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, storage.ErrConflict):
		s.writeErr(ctx, w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, storage.ErrValidation):
		s.writeErr(ctx, w, http.StatusBadRequest, err.Error(), "")
	default:
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

// auditActor identifies who performed an audited action.
type auditActor struct {
	name string
	kind string
}

var (
	adminActor     = auditActor{name: "admin", kind: audit.ActorTypeAdminToken}
	anonymousActor = auditActor{name: "anonymous", kind: audit.ActorTypeAnonymous}
)

func principalActor(p *oauth.Principal) auditActor {
	if p == nil {
		return anonymousActor
	}
	return auditActor{name: p.Provider + ":" + p.Subject, kind: audit.ActorTypePrincipal}
}

// logAudit stamps actor and request metadata onto event and records it.
// Failures are logged and otherwise ignored.
func (s *Server) logAudit(ctx context.Context, r *http.Request, actor auditActor, event *audit.AuditEvent) {
	if s.auditLogger == nil {
		return
	}
	event.Actor, event.ActorType = actor.name, actor.kind
	event.RequestID = observability.RequestIDFromContext(ctx)
	event.ClientIP = clientIP(r, s.proxies)
	if err := s.auditLogger.Log(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "audit log failed", "action", event.Action, "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
