// Package policy implements versioned policy packs and the engine that
// evaluates action requests against them. Evaluation is deterministic,
// side-effect-free, and fail-closed: if nothing matches, the answer is DENY.
package policy

import (
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// Rule is a single ordered rule within a pack.
type Rule struct {
	ID string `json:"id" yaml:"id"`

	// ActionPattern matches the request action exactly, or as a prefix when
	// it ends in ":*" or "*" (e.g. "mesh:*" matches "mesh:connect").
	ActionPattern string `json:"action" yaml:"action"`

	Effect contracts.Effect `json:"effect" yaml:"effect"`

	// Conditions must all evaluate true for the rule to match. They are pure
	// functions of the request.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions"`

	// LedgerLevel controls how much request context the recorded decision
	// carries. Defaults to summary.
	LedgerLevel contracts.LedgerLevel `json:"ledger_level,omitempty" yaml:"ledger_level"`

	Description string `json:"description,omitempty" yaml:"description"`
}

// Pack is a versioned, ordered rule set scoped to an action namespace.
// Rules are evaluated in declared order; first match wins.
type Pack struct {
	ID string `json:"id" yaml:"id"`

	// Scope is the action-prefix namespace this pack governs, e.g. "mesh"
	// or "mesh:connect". The registry selects the pack with the longest
	// scope matching the request.
	Scope string `json:"scope" yaml:"scope"`

	Version string `json:"version,omitempty" yaml:"version"`

	// DefaultEffect applies when no rule matches. It must be DENY; Validate
	// rejects anything else so packs cannot be authored fail-open.
	DefaultEffect contracts.Effect `json:"default_effect" yaml:"default_effect"`

	Rules []Rule `json:"rules" yaml:"rules"`
}

// Validate checks structural constraints on the pack.
func (p *Pack) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy: pack has no id")
	}
	if p.Scope == "" {
		return fmt.Errorf("policy: pack %s has no scope", p.ID)
	}
	if p.DefaultEffect == "" {
		p.DefaultEffect = contracts.EffectDeny
	}
	if p.DefaultEffect != contracts.EffectDeny {
		return fmt.Errorf("policy: pack %s default_effect must be DENY", p.ID)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("policy: pack %s rule %d has no id", p.ID, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("policy: pack %s duplicate rule id %s", p.ID, r.ID)
		}
		seen[r.ID] = true
		if r.ActionPattern == "" {
			return fmt.Errorf("policy: rule %s has no action pattern", r.ID)
		}
		if !r.Effect.Valid() {
			return fmt.Errorf("policy: rule %s has invalid effect %q", r.ID, r.Effect)
		}
		if r.LedgerLevel == "" {
			r.LedgerLevel = contracts.LedgerLevelSummary
		}
		for j := range r.Conditions {
			if err := r.Conditions[j].Validate(); err != nil {
				return fmt.Errorf("policy: rule %s condition %d: %w", r.ID, j, err)
			}
		}
	}
	return nil
}

// MatchAction reports whether pattern matches action. Patterns are exact
// strings with optional suffix wildcard: "mesh:*" matches any action in the
// mesh scope, "*" matches everything.
func MatchAction(pattern, action string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(action, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == action
}
