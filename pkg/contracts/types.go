// Package contracts defines the shared value types that flow through the
// governance core: action requests, trinary policy decisions, and the
// actor identity attached to both.
package contracts

import "strings"

// Effect is the trinary outcome of a policy decision.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
	EffectWarn  Effect = "WARN"
)

// Valid reports whether e is one of the three recognized effects.
func (e Effect) Valid() bool {
	switch e {
	case EffectAllow, EffectDeny, EffectWarn:
		return true
	}
	return false
}

// LedgerLevel controls how much request context a recorded decision carries.
type LedgerLevel string

const (
	LedgerLevelSummary LedgerLevel = "summary"
	LedgerLevelFull    LedgerLevel = "full"
)

// Actor identifies who (or what) is requesting an action.
type Actor struct {
	UserID       string   `json:"user_id,omitempty" yaml:"user_id"`
	Role         string   `json:"role" yaml:"role"`
	AgentID      string   `json:"agent_id,omitempty" yaml:"agent_id"`
	DelegationID string   `json:"delegation_id,omitempty" yaml:"delegation_id"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
}

// HasCapability reports whether the actor holds a capability claim.
func (a Actor) HasCapability(claim string) bool {
	for _, c := range a.Capabilities {
		if c == claim {
			return true
		}
	}
	return false
}

// ActionRequest is the immutable input to invariant checks and policy
// evaluation. It is created once per incoming call and never mutated.
type ActionRequest struct {
	// Action is a scope:verb string, e.g. "mesh:connect".
	Action         string         `json:"action" yaml:"action"`
	Actor          Actor          `json:"actor" yaml:"actor"`
	ResourceType   string         `json:"resource_type,omitempty" yaml:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty" yaml:"resource_id"`
	Context        map[string]any `json:"context,omitempty" yaml:"context"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" yaml:"idempotency_key"`
}

// Scope returns the portion of the action before the first colon.
func (r ActionRequest) Scope() string {
	if i := strings.IndexByte(r.Action, ':'); i >= 0 {
		return r.Action[:i]
	}
	return r.Action
}

// Verb returns the portion of the action after the first colon.
func (r ActionRequest) Verb() string {
	if i := strings.IndexByte(r.Action, ':'); i >= 0 {
		return r.Action[i+1:]
	}
	return ""
}

// PolicyDecision is produced exactly once per ActionRequest. It is immutable
// and is both recorded in the ledger and returned to the caller.
type PolicyDecision struct {
	Effect               Effect      `json:"effect"`
	MatchedPolicyID      string      `json:"matched_policy_id"`
	MatchedPolicyVersion string      `json:"matched_policy_version"`
	Reason               string      `json:"reason,omitempty"`
	CorrelationID        string      `json:"correlation_id"`
	LedgerLevel          LedgerLevel `json:"ledger_level,omitempty"`
}

// Denied reports whether the decision blocks the action.
func (d PolicyDecision) Denied() bool {
	return d.Effect == EffectDeny
}
