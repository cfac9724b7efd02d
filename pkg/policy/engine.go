package policy

import (
	"fmt"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// Builtin identifiers recorded when evaluation never reaches a rule.
const (
	// DefaultDenyPolicyID is recorded when no registered pack covers the
	// request's action scope.
	DefaultDenyPolicyID = "default-deny"

	// BuiltinVersion is the version recorded for engine-synthesized
	// decisions (no-pack denials).
	BuiltinVersion = "builtin"
)

// Engine evaluates action requests against policy packs. It has no mutable
// state of its own; all state lives in the registry snapshot, so Evaluate
// calls may run fully concurrently.
type Engine struct {
	registry *Registry
}

// NewEngine returns an Engine reading packs from the given registry.
func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// Registry returns the engine's pack registry.
func (e *Engine) Registry() *Registry { return e.registry }

// EvaluateAction selects the pack for the request's action and evaluates it.
// When no pack scope covers the action the result is the builtin default
// deny (fail-closed).
func (e *Engine) EvaluateAction(req contracts.ActionRequest) contracts.PolicyDecision {
	pack, ok := e.registry.Select(req.Action)
	if !ok {
		return contracts.PolicyDecision{
			Effect:               contracts.EffectDeny,
			MatchedPolicyID:      DefaultDenyPolicyID,
			MatchedPolicyVersion: BuiltinVersion,
			Reason:               fmt.Sprintf("no policy pack governs action %q", req.Action),
			LedgerLevel:          contracts.LedgerLevelSummary,
		}
	}
	return Evaluate(req, pack)
}

// Evaluate runs the request through the pack's rules in declared order and
// returns the first rule whose action pattern and conditions all match.
// If no rule matches, the pack's default effect (DENY) applies. Evaluation
// is deterministic: identical (req, pack) always yields the identical
// decision, excluding the per-call correlation ID which the caller assigns.
func Evaluate(req contracts.ActionRequest, pack *Pack) contracts.PolicyDecision {
	for i := range pack.Rules {
		rule := &pack.Rules[i]
		if !MatchAction(rule.ActionPattern, req.Action) {
			continue
		}
		if !conditionsHold(rule.Conditions, req) {
			continue
		}
		level := rule.LedgerLevel
		if level == "" {
			level = contracts.LedgerLevelSummary
		}
		return contracts.PolicyDecision{
			Effect:               rule.Effect,
			MatchedPolicyID:      rule.ID,
			MatchedPolicyVersion: pack.Version,
			Reason:               fmt.Sprintf("matched rule %s in pack %s", rule.ID, pack.ID),
			LedgerLevel:          level,
		}
	}
	return contracts.PolicyDecision{
		Effect:               pack.DefaultEffect,
		MatchedPolicyID:      pack.ID + "/default",
		MatchedPolicyVersion: pack.Version,
		Reason:               fmt.Sprintf("no rule in pack %s matched action %q", pack.ID, req.Action),
		LedgerLevel:          contracts.LedgerLevelSummary,
	}
}

func conditionsHold(conds []Condition, req contracts.ActionRequest) bool {
	for _, c := range conds {
		if !c.Eval(req) {
			return false
		}
	}
	return true
}
