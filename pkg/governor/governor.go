// Package governor is the decision facade: it runs one ActionRequest
// through idempotency deduplication, invariant checks, policy evaluation,
// and the ledger append, and returns the resulting decision. Exactly one
// decision and one ledger event exist per executed request.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/idempotency"
	"github.com/arbiterhq/arbiter/pkg/invariant"
	"github.com/arbiterhq/arbiter/pkg/ledger"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/policy"
)

// Result is the outcome of one governed authorization.
type Result struct {
	Decision contracts.PolicyDecision `json:"decision"`

	// LedgerEventID is the ID of the event recording this decision.
	LedgerEventID string `json:"ledger_event_id"`

	// Cached is true when the result was served from an idempotency record
	// instead of a fresh evaluation.
	Cached bool `json:"cached,omitempty"`
}

// Governor composes the pipeline stages.
type Governor struct {
	invariants  *invariant.Checker
	engine      *policy.Engine
	ledger      *ledger.Service
	idem        idempotency.Store
	escalations *EscalationManager
	metrics     *metrics.Set
	logger      *slog.Logger
	clock       func() time.Time
}

// New wires a Governor. The escalation manager and metrics set may be nil;
// the corresponding stages are then skipped.
func New(inv *invariant.Checker, engine *policy.Engine, led *ledger.Service, idem idempotency.Store, esc *EscalationManager, m *metrics.Set, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		invariants:  inv,
		engine:      engine,
		ledger:      led,
		idem:        idem,
		escalations: esc,
		metrics:     m,
		logger:      logger,
		clock:       time.Now,
	}
}

// Authorize runs the full decision pipeline for one request.
//
// The order is fixed: idempotency reservation, invariant checks, policy
// evaluation, ledger append. A ledger append failure fails the whole
// operation; a decision that cannot be recorded is never returned as
// authoritative.
func (g *Governor) Authorize(ctx context.Context, req contracts.ActionRequest) (Result, error) {
	start := g.clock()

	if req.Action == "" {
		return Result{}, fmt.Errorf("governor: request without action")
	}

	if req.IdempotencyKey != "" {
		isNew, rec, err := g.idem.Reserve(ctx, req.IdempotencyKey)
		if err != nil {
			return Result{}, fmt.Errorf("governor: reserve idempotency key: %w", err)
		}
		if !isNew {
			return g.awaitCached(ctx, req.IdempotencyKey, rec)
		}
	}

	res, err := g.decide(ctx, req)
	if req.IdempotencyKey != "" {
		if err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			if ferr := g.idem.Fail(ctx, req.IdempotencyKey, payload); ferr != nil {
				g.logger.Error("failed to mark idempotency record failed", "key", req.IdempotencyKey, "error", ferr)
			}
		} else {
			payload, merr := json.Marshal(res)
			if merr == nil {
				if cerr := g.idem.Complete(ctx, req.IdempotencyKey, payload); cerr != nil {
					g.logger.Error("failed to complete idempotency record", "key", req.IdempotencyKey, "error", cerr)
				}
			}
		}
	}
	if err != nil {
		return Result{}, err
	}

	if g.metrics != nil {
		g.metrics.EvaluationDuration.WithLabelValues(string(res.Decision.Effect)).Observe(g.clock().Sub(start).Seconds())
	}
	return res, nil
}

// decide evaluates and records the decision. It never consults the
// idempotency store.
func (g *Governor) decide(ctx context.Context, req contracts.ActionRequest) (Result, error) {
	correlationID := uuid.New().String()

	var decision contracts.PolicyDecision
	if violated, name, reason := g.invariants.Check(req); violated {
		decision = invariant.Decision(name, reason, correlationID)
	} else {
		decision = g.engine.EvaluateAction(req)
		decision.CorrelationID = correlationID
	}

	partition := req.Scope()
	event, err := g.ledger.Append(ctx, partition, decision, req)
	if err != nil {
		if g.metrics != nil {
			g.metrics.LedgerAppendsTotal.WithLabelValues(partition, "error").Inc()
		}
		return Result{}, fmt.Errorf("governor: record decision: %w", err)
	}
	if g.metrics != nil {
		g.metrics.LedgerAppendsTotal.WithLabelValues(partition, "ok").Inc()
		g.metrics.DecisionsTotal.WithLabelValues(string(decision.Effect), decisionSource(decision)).Inc()
	}

	if decision.Effect == contracts.EffectWarn && g.escalations != nil {
		esc := g.escalations.Record(decision, req)
		g.logger.Warn("action allowed with warning",
			"correlation_id", correlationID,
			"action", req.Action,
			"policy_id", decision.MatchedPolicyID,
			"escalation_id", esc.ID,
		)
	}

	g.logger.Info("decision recorded",
		"correlation_id", correlationID,
		"action", req.Action,
		"effect", decision.Effect,
		"policy_id", decision.MatchedPolicyID,
		"ledger_event_id", event.ID,
	)
	return Result{Decision: decision, LedgerEventID: event.ID}, nil
}

func (g *Governor) awaitCached(ctx context.Context, key string, rec idempotency.Record) (Result, error) {
	if rec.Status == idempotency.StatusPending {
		var err error
		rec, err = g.idem.Await(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("governor: await idempotency key: %w", err)
		}
	}
	if rec.Status == idempotency.StatusFailed {
		return Result{}, fmt.Errorf("governor: prior execution for this idempotency key failed")
	}
	var res Result
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		return Result{}, fmt.Errorf("governor: decode cached result: %w", err)
	}
	res.Cached = true
	if g.metrics != nil {
		g.metrics.IdempotencyHits.Inc()
	}
	return res, nil
}

func decisionSource(d contracts.PolicyDecision) string {
	if d.MatchedPolicyVersion == invariant.PolicyVersion {
		return "invariant"
	}
	if d.MatchedPolicyID == policy.DefaultDenyPolicyID {
		return "builtin"
	}
	return "pack"
}

// Health describes the governor's operational state.
type Health struct {
	Status         string `json:"status"`
	LedgerDegraded bool   `json:"ledger_degraded"`
	PolicyPacks    int    `json:"policy_packs"`
	LedgerEvents   int64  `json:"ledger_events"`
}

// Health reports readiness. The governor is degraded when the most recent
// ledger append failed; decisions still evaluate but cannot be recorded.
func (g *Governor) Health(ctx context.Context) Health {
	h := Health{
		Status:      "ok",
		PolicyPacks: g.engine.Registry().Count(),
	}
	if n, err := g.ledger.Count(ctx); err == nil {
		h.LedgerEvents = n
	}
	if g.ledger.Degraded() {
		h.Status = "degraded"
		h.LedgerDegraded = true
	}
	return h
}
