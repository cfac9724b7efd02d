// Package invariant implements the hard, code-level pre-checks that run
// before any configurable policy rule. An invariant violation forces a DENY
// that no policy pack can override.
package invariant

import (
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// PolicyVersion is the synthetic version recorded for invariant denials.
const PolicyVersion = "invariant-v1"

// Rule is a single hard precondition scoped to an action prefix.
type Rule struct {
	// Name identifies the rule; denials record "invariant:<name>".
	Name string

	// Scope is an action prefix, e.g. "mesh:". The rule applies to any
	// request whose action starts with this prefix.
	Scope string

	// Check returns false with a reason when the request violates the rule.
	Check func(req contracts.ActionRequest) (ok bool, reason string)
}

// Checker evaluates the fixed invariant rule set.
type Checker struct {
	rules []Rule
}

// NewChecker returns a Checker with the built-in rule set.
func NewChecker() *Checker {
	return &Checker{rules: builtinRules()}
}

// NewCheckerWithRules returns a Checker over a custom rule set. Used in tests
// and by embedders that extend the built-in invariants.
func NewCheckerWithRules(rules []Rule) *Checker {
	return &Checker{rules: rules}
}

// Check runs every invariant whose scope matches the request's action.
// It returns the first violation found; rule order is fixed at construction.
func (c *Checker) Check(req contracts.ActionRequest) (violated bool, name, reason string) {
	for _, r := range c.rules {
		if !strings.HasPrefix(req.Action, r.Scope) {
			continue
		}
		if ok, why := r.Check(req); !ok {
			return true, r.Name, why
		}
	}
	return false, "", ""
}

// Decision builds the synthetic DENY recorded for a violated invariant.
// Invariant denials are always ledgered at full level.
func Decision(name, reason, correlationID string) contracts.PolicyDecision {
	return contracts.PolicyDecision{
		Effect:               contracts.EffectDeny,
		MatchedPolicyID:      "invariant:" + name,
		MatchedPolicyVersion: PolicyVersion,
		Reason:               reason,
		CorrelationID:        correlationID,
		LedgerLevel:          contracts.LedgerLevelFull,
	}
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:  "mesh-delegation-required",
			Scope: "mesh:",
			Check: func(req contracts.ActionRequest) (bool, string) {
				if req.Actor.DelegationID != "" || req.Actor.Role == "operator" {
					return true, ""
				}
				return false, "mesh actions require a delegation_id or the operator role"
			},
		},
		{
			Name:  "agents-capability-required",
			Scope: "agents:",
			Check: func(req contracts.ActionRequest) (bool, string) {
				if req.Actor.AgentID == "" {
					return false, "agent actions require an agent_id"
				}
				verb := req.Verb()
				if req.Actor.HasCapability(verb) || req.Actor.HasCapability(req.Action) {
					return true, ""
				}
				return false, fmt.Sprintf("agent %s holds no capability claim for %q", req.Actor.AgentID, verb)
			},
		},
		{
			Name:  "infra-operator-required",
			Scope: "infra:",
			Check: func(req contracts.ActionRequest) (bool, string) {
				if req.Actor.Role == "operator" {
					return true, ""
				}
				return false, "infra actions require the operator role"
			},
		},
	}
}
