// Package api serves the engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/loyalty/internal/engine"
	"github.com/roach88/loyalty/internal/ir"
	"github.com/roach88/loyalty/internal/metrics"
)

// maxEventBytes caps a POST /v1/events body.
const maxEventBytes = 1 << 20

// Processor runs one event through the engine. *engine.Engine implements it.
type Processor interface {
	ProcessEvent(ctx context.Context, ev ir.Event) (ir.EventResult, error)
}

// BalanceReader reads a consumer balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, consumerID string) (ir.ConsumerBalance, error)
}

// ExpiryReader computes a consumer's next expiration.
type ExpiryReader interface {
	ForConsumer(ctx context.Context, consumerID, market string) (*time.Time, error)
}

// ProfileWriter upserts consumer profiles.
type ProfileWriter interface {
	PutProfile(ctx context.Context, p ir.Profile) error
}

// AuditReader looks up audit records by event.
type AuditReader interface {
	AuditByEvent(ctx context.Context, eventID string) ([]ir.AuditRecord, error)
}

// Handler holds all API handler state.
type Handler struct {
	engine   Processor
	balances BalanceReader

	expiry   ExpiryReader
	profiles ProfileWriter
	audit    AuditReader

	rules  *engine.RuleStore
	source engine.RuleSource

	jwtSecret []byte
	metrics   *metrics.Registry
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithExpiry enables GET /v1/consumers/{id}/expiration.
func WithExpiry(x ExpiryReader) Option {
	return func(h *Handler) {
		h.expiry = x
	}
}

// WithProfiles enables PUT /v1/admin/consumers/{id}/profile.
func WithProfiles(p ProfileWriter) Option {
	return func(h *Handler) {
		h.profiles = p
	}
}

// WithAudit enables GET /v1/events/{id}/audit.
func WithAudit(a AuditReader) Option {
	return func(h *Handler) {
		h.audit = a
	}
}

// WithRuleReload enables POST /v1/admin/rules/reload against src.
func WithRuleReload(rules *engine.RuleStore, src engine.RuleSource) Option {
	return func(h *Handler) {
		h.rules = rules
		h.source = src
	}
}

// WithJWTSecret requires an HS256 bearer token on admin routes.
func WithJWTSecret(secret string) Option {
	return func(h *Handler) {
		if secret != "" {
			h.jwtSecret = []byte(secret)
		}
	}
}

// WithMetrics mounts /metrics and updates the loaded-rules gauge on reload.
func WithMetrics(m *metrics.Registry) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a new API handler.
func NewHandler(p Processor, balances BalanceReader, opts ...Option) *Handler {
	h := &Handler{
		engine:   p,
		balances: balances,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the full chi router with the common middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.requestLog)
	h.Routes(r)
	return r
}

// Routes mounts the API endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.PostEvent)
		r.Get("/events/{id}/audit", h.GetEventAudit)

		r.Get("/consumers/{id}/balance", h.GetBalance)
		r.Get("/consumers/{id}/expiration", h.GetExpiration)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.adminAuth)
			r.Post("/rules/reload", h.ReloadRules)
			r.Put("/consumers/{id}/profile", h.PutProfile)
		})
	})
}

// requestLog logs one line per request at debug level.
func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}
