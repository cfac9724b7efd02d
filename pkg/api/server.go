package api

import (
	"log/slog"
	"net/http"

	"github.com/arbiterhq/arbiter/pkg/governor"
	"github.com/arbiterhq/arbiter/pkg/intent"
	"github.com/arbiterhq/arbiter/pkg/ledger"
	"github.com/arbiterhq/arbiter/pkg/metrics"
)

// Server assembles the HTTP handlers over the governance components.
type Server struct {
	gov         *governor.Governor
	orch        *intent.Orchestrator
	ledger      *ledger.Service
	escalations *governor.EscalationManager
	metrics     *metrics.Set
	limiter     *RateLimiter
	logger      *slog.Logger

	// policyDegraded reports whether the most recent pack load failed.
	policyDegraded func() bool
}

// Option configures optional server behavior.
type Option func(*Server)

// WithMetrics registers the metric set and exposes its /metrics handler.
func WithMetrics(m *metrics.Set) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter enables per-IP rate limiting.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithPolicyHealth wires the pack loader's degraded state into /governance/health.
func WithPolicyHealth(degraded func() bool) Option {
	return func(s *Server) { s.policyDegraded = degraded }
}

// NewServer creates the server. The escalation manager may be nil; the
// escalations endpoints then serve empty results.
func NewServer(gov *governor.Governor, orch *intent.Orchestrator, led *ledger.Service, esc *governor.EscalationManager, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if esc == nil {
		esc = governor.NewEscalationManager()
	}
	s := &Server{
		gov:         gov,
		orch:        orch,
		ledger:      led,
		escalations: esc,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /policy/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /ledger/event", s.handleLedgerAppend)
	mux.HandleFunc("GET /ledger/events", s.handleLedgerEvents)
	mux.HandleFunc("GET /ledger/verify", s.handleLedgerVerify)
	mux.HandleFunc("POST /intents/create", s.handleIntentCreate)
	mux.HandleFunc("POST /intents/{id}/step/{sequence}", s.handleIntentStep)
	mux.HandleFunc("POST /intents/{id}/rollback", s.handleIntentRollback)
	mux.HandleFunc("GET /intents/{id}", s.handleIntentGet)
	mux.HandleFunc("GET /intents/{id}/audit", s.handleIntentAudit)
	mux.HandleFunc("GET /governance/health", s.handleHealth)
	mux.HandleFunc("GET /governance/escalations", s.handleEscalations)
	mux.HandleFunc("POST /governance/escalations/{id}/resolve", s.handleEscalationResolve)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = Logging(s.logger)(h)
	h = RequestID(h)
	return h
}
