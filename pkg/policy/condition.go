package policy

import (
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// ConditionKind enumerates the closed set of predicate variants. Conditions
// are a tagged-variant interpreter rather than an embedded expression
// language, which keeps them auditable and side-effect-free.
type ConditionKind string

const (
	// KindEquals: field value equals Value.
	KindEquals ConditionKind = "equals"
	// KindIn: field value is a member of Values.
	KindIn ConditionKind = "in"
	// KindPresent: field has a non-empty value.
	KindPresent ConditionKind = "present"
	// KindAbsent: field is missing or empty.
	KindAbsent ConditionKind = "absent"
	// KindAll: every child condition holds.
	KindAll ConditionKind = "all"
	// KindAny: at least one child condition holds.
	KindAny ConditionKind = "any"
	// KindNot: the single child condition does not hold.
	KindNot ConditionKind = "not"
)

// Condition is one predicate over an ActionRequest.
type Condition struct {
	Kind   ConditionKind `json:"kind" yaml:"kind"`
	Field  string        `json:"field,omitempty" yaml:"field"`
	Value  any           `json:"value,omitempty" yaml:"value"`
	Values []any         `json:"values,omitempty" yaml:"values"`

	// Conditions are the children of the all/any/not combinators.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions"`
}

// Validate checks that the condition is structurally well formed.
func (c *Condition) Validate() error {
	switch c.Kind {
	case KindEquals:
		if c.Field == "" {
			return fmt.Errorf("equals requires a field")
		}
	case KindIn:
		if c.Field == "" {
			return fmt.Errorf("in requires a field")
		}
		if len(c.Values) == 0 {
			return fmt.Errorf("in requires values")
		}
	case KindPresent, KindAbsent:
		if c.Field == "" {
			return fmt.Errorf("%s requires a field", c.Kind)
		}
	case KindAll, KindAny:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s requires child conditions", c.Kind)
		}
	case KindNot:
		if len(c.Conditions) != 1 {
			return fmt.Errorf("not requires exactly one child condition")
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	for i := range c.Conditions {
		if err := c.Conditions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Eval evaluates the condition against the request. Evaluation is pure:
// identical inputs always produce identical results.
func (c Condition) Eval(req contracts.ActionRequest) bool {
	switch c.Kind {
	case KindEquals:
		v, ok := fieldValue(req, c.Field)
		return ok && valueEqual(v, c.Value)
	case KindIn:
		v, ok := fieldValue(req, c.Field)
		if !ok {
			return false
		}
		for _, candidate := range c.Values {
			if valueEqual(v, candidate) {
				return true
			}
		}
		return false
	case KindPresent:
		v, ok := fieldValue(req, c.Field)
		return ok && v != "" && v != nil
	case KindAbsent:
		v, ok := fieldValue(req, c.Field)
		return !ok || v == "" || v == nil
	case KindAll:
		for _, child := range c.Conditions {
			if !child.Eval(req) {
				return false
			}
		}
		return true
	case KindAny:
		for _, child := range c.Conditions {
			if child.Eval(req) {
				return true
			}
		}
		return false
	case KindNot:
		return !c.Conditions[0].Eval(req)
	}
	// Unknown kinds never match; Validate rejects them at load time.
	return false
}

// fieldValue resolves a dotted field selector against the request. Supported
// selectors: action, resource_type, resource_id, actor.user_id, actor.role,
// actor.agent_id, actor.delegation_id, and context.<key>.
func fieldValue(req contracts.ActionRequest, field string) (any, bool) {
	switch field {
	case "action":
		return req.Action, true
	case "resource_type":
		return req.ResourceType, true
	case "resource_id":
		return req.ResourceID, true
	case "actor.user_id":
		return req.Actor.UserID, true
	case "actor.role":
		return req.Actor.Role, true
	case "actor.agent_id":
		return req.Actor.AgentID, true
	case "actor.delegation_id":
		return req.Actor.DelegationID, true
	}
	if key, ok := strings.CutPrefix(field, "context."); ok {
		v, found := req.Context[key]
		return v, found
	}
	return nil, false
}

// valueEqual compares a resolved field value with an authored literal.
// Numeric literals from YAML/JSON may arrive as int or float64; compare
// through a float widening so 5 == 5.0.
func valueEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
