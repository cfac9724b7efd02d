package invariant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

func TestMeshConnectWithoutDelegation(t *testing.T) {
	c := NewChecker()
	req := contracts.ActionRequest{
		Action: "mesh:connect",
		Actor:  contracts.Actor{Role: "agent", AgentID: "test-agent"},
	}
	violated, name, reason := c.Check(req)
	require.True(t, violated)
	require.Equal(t, "mesh-delegation-required", name)
	require.NotEmpty(t, reason)

	dec := Decision(name, reason, "corr-1")
	require.Equal(t, contracts.EffectDeny, dec.Effect)
	require.Equal(t, "invariant:mesh-delegation-required", dec.MatchedPolicyID)
	require.Equal(t, PolicyVersion, dec.MatchedPolicyVersion)
	require.Equal(t, contracts.LedgerLevelFull, dec.LedgerLevel)
}

func TestMeshConnectWithDelegation(t *testing.T) {
	c := NewChecker()
	violated, _, _ := c.Check(contracts.ActionRequest{
		Action: "mesh:connect",
		Actor:  contracts.Actor{Role: "agent", DelegationID: "del-42"},
	})
	require.False(t, violated)
}

func TestMeshConnectAsOperator(t *testing.T) {
	c := NewChecker()
	violated, _, _ := c.Check(contracts.ActionRequest{
		Action: "mesh:connect",
		Actor:  contracts.Actor{Role: "operator"},
	})
	require.False(t, violated)
}

func TestAgentsRequireIdentityAndCapability(t *testing.T) {
	c := NewChecker()

	cases := []struct {
		name     string
		actor    contracts.Actor
		violated bool
		rule     string
	}{
		{
			name:     "no agent id",
			actor:    contracts.Actor{Role: "agent"},
			violated: true,
			rule:     "agents-capability-required",
		},
		{
			name:     "missing capability",
			actor:    contracts.Actor{Role: "agent", AgentID: "a1", Capabilities: []string{"read"}},
			violated: true,
			rule:     "agents-capability-required",
		},
		{
			name:     "verb capability",
			actor:    contracts.Actor{Role: "agent", AgentID: "a1", Capabilities: []string{"invoke"}},
			violated: false,
		},
		{
			name:     "full action capability",
			actor:    contracts.Actor{Role: "agent", AgentID: "a1", Capabilities: []string{"agents:invoke"}},
			violated: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			violated, name, _ := c.Check(contracts.ActionRequest{Action: "agents:invoke", Actor: tc.actor})
			require.Equal(t, tc.violated, violated)
			if tc.violated {
				require.Equal(t, tc.rule, name)
			}
		})
	}
}

func TestInfraRequiresOperator(t *testing.T) {
	c := NewChecker()

	violated, name, _ := c.Check(contracts.ActionRequest{
		Action: "infra:restart",
		Actor:  contracts.Actor{Role: "viewer"},
	})
	require.True(t, violated)
	require.Equal(t, "infra-operator-required", name)

	violated, _, _ = c.Check(contracts.ActionRequest{
		Action: "infra:restart",
		Actor:  contracts.Actor{Role: "operator"},
	})
	require.False(t, violated)
}

func TestUnscopedActionsPassThrough(t *testing.T) {
	c := NewChecker()
	violated, _, _ := c.Check(contracts.ActionRequest{
		Action: "operator:restart",
		Actor:  contracts.Actor{Role: "viewer"},
	})
	require.False(t, violated, "no invariant covers the operator scope")
}
