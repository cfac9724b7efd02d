package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/retry"
)

var retryFast = retry.BackoffPolicy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 1, MaxAttempts: 2}

func testService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	svc := NewService(store, nil).WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
	return svc, store
}

func appendN(t *testing.T, svc *Service, partition string, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := svc.Append(context.Background(), partition, contracts.PolicyDecision{
			Effect:               contracts.EffectAllow,
			MatchedPolicyID:      "mesh-governance/allow-join",
			MatchedPolicyVersion: "sha256:abc123def456",
			CorrelationID:        fmt.Sprintf("corr-%d", i),
			LedgerLevel:          contracts.LedgerLevelSummary,
		}, contracts.ActionRequest{
			Action: "mesh:join",
			Actor:  contracts.Actor{UserID: "u-1", Role: "operator"},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppendChainsSequentially(t *testing.T) {
	svc, _ := testService(t)
	events := appendN(t, svc, "mesh", 5)

	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, GenesisHash, events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, uint64(i+1), events[i].Sequence)
		assert.Equal(t, events[i-1].EventHash, events[i].PrevHash)
	}

	ok, seq, err := svc.VerifyChain(context.Background(), "mesh")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, seq)
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	svc, store := testService(t)
	appendN(t, svc, "mesh", 6)

	require.True(t, store.Tamper("mesh", 3, func(e *Event) {
		e.Decision = contracts.EffectDeny
	}))

	ok, seq, err := svc.VerifyChain(context.Background(), "mesh")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(3), seq)
}

func TestVerifyChainDetectsRewrittenHash(t *testing.T) {
	svc, store := testService(t)
	appendN(t, svc, "mesh", 4)

	// Rewriting both the payload and its own hash still breaks the next link.
	require.True(t, store.Tamper("mesh", 2, func(e *Event) {
		e.Decision = contracts.EffectDeny
		h, err := ComputeHash(*e)
		require.NoError(t, err)
		e.EventHash = h
	}))

	ok, seq, err := svc.VerifyChain(context.Background(), "mesh")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(3), seq)
}

func TestVerifyChainDetectsDeletedEvent(t *testing.T) {
	svc, store := testService(t)
	appendN(t, svc, "mesh", 4)

	store.mu.Lock()
	events := store.partitions["mesh"]
	store.partitions["mesh"] = append(events[:1:1], events[2:]...)
	store.mu.Unlock()

	ok, seq, err := svc.VerifyChain(context.Background(), "mesh")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), seq)
}

func TestPartitionsChainIndependently(t *testing.T) {
	svc, _ := testService(t)
	mesh := appendN(t, svc, "mesh", 3)
	agents := appendN(t, svc, "agents", 2)

	assert.Equal(t, GenesisHash, mesh[0].PrevHash)
	assert.Equal(t, GenesisHash, agents[0].PrevHash)
	assert.Equal(t, uint64(2), agents[1].Sequence)

	ok, partition, _, err := svc.VerifyAll(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, partition)
}

func TestEventsPagination(t *testing.T) {
	svc, _ := testService(t)
	appendN(t, svc, "mesh", 10)

	page1, err := svc.Events(context.Background(), Filter{Partition: "mesh", Limit: 4})
	require.NoError(t, err)
	require.Len(t, page1, 4)

	page2, err := svc.Events(context.Background(), Filter{
		Partition: "mesh",
		After:     page1[len(page1)-1].Sequence,
		Limit:     4,
	})
	require.NoError(t, err)
	require.Len(t, page2, 4)
	assert.Equal(t, uint64(5), page2[0].Sequence)

	page3, err := svc.Events(context.Background(), Filter{
		Partition: "mesh",
		After:     page2[len(page2)-1].Sequence,
		Limit:     4,
	})
	require.NoError(t, err)
	assert.Len(t, page3, 2)
}

func TestEventsAfterCursorWithoutPartition(t *testing.T) {
	svc, _ := testService(t)
	appendN(t, svc, "mesh", 3)

	all, err := svc.Events(context.Background(), Filter{After: 2})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, uint64(3), all[0].Sequence)
}

func TestEventsByCorrelationAndIDs(t *testing.T) {
	svc, _ := testService(t)
	events := appendN(t, svc, "mesh", 5)

	byCorr, err := svc.Events(context.Background(), Filter{CorrelationID: "corr-2"})
	require.NoError(t, err)
	require.Len(t, byCorr, 1)
	assert.Equal(t, events[2].ID, byCorr[0].ID)

	byIDs, err := svc.Events(context.Background(), Filter{IDs: []string{events[0].ID, events[4].ID}})
	require.NoError(t, err)
	require.Len(t, byIDs, 2)
	assert.Equal(t, uint64(1), byIDs[0].Sequence)
	assert.Equal(t, uint64(5), byIDs[1].Sequence)
}

func TestFullLevelRecordsContext(t *testing.T) {
	svc, _ := testService(t)
	e, err := svc.Append(context.Background(), "infra", contracts.PolicyDecision{
		Effect:               contracts.EffectDeny,
		MatchedPolicyID:      "invariant:infra-operator-required",
		MatchedPolicyVersion: "invariant-v1",
		Reason:               "actor role is not operator",
		CorrelationID:        "corr-full",
		LedgerLevel:          contracts.LedgerLevelFull,
	}, contracts.ActionRequest{
		Action:  "infra:scale",
		Actor:   contracts.Actor{UserID: "u-2", Role: "analyst"},
		Context: map[string]any{"replicas": 9},
	})
	require.NoError(t, err)
	require.NotNil(t, e.Metadata)
	assert.Equal(t, "actor role is not operator", e.Metadata["reason"])
	assert.Equal(t, map[string]any{"replicas": 9}, e.Metadata["context"])
}

func TestSummaryLevelOmitsContext(t *testing.T) {
	svc, _ := testService(t)
	e, err := svc.Append(context.Background(), "mesh", contracts.PolicyDecision{
		Effect:          contracts.EffectAllow,
		MatchedPolicyID: "mesh-governance/allow-join",
		CorrelationID:   "corr-summary",
		LedgerLevel:     contracts.LedgerLevelSummary,
	}, contracts.ActionRequest{
		Action:  "mesh:join",
		Actor:   contracts.Actor{UserID: "u-1"},
		Context: map[string]any{"secret": "not-for-the-record"},
	})
	require.NoError(t, err)
	_, hasContext := e.Metadata["context"]
	assert.False(t, hasContext)
}

func TestAppendEventForRollbackNote(t *testing.T) {
	svc, _ := testService(t)
	appendN(t, svc, "intent", 2)

	e, err := svc.AppendEvent(context.Background(), Event{
		Partition:     "intent",
		CorrelationID: "corr-rb",
		Actor:         contracts.Actor{UserID: "u-1"},
		Action:        "agents:deprovision",
		Decision:      contracts.EffectWarn,
		PolicyID:      "rollback:no-compensation",
		PolicyVersion: "invariant-v1",
		Metadata:      map[string]any{"step": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Sequence)
	assert.NotEmpty(t, e.ID)
	assert.NotEmpty(t, e.EventHash)

	ok, _, err := svc.VerifyChain(context.Background(), "intent")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendRequiresPartition(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.Append(context.Background(), "", contracts.PolicyDecision{Effect: contracts.EffectAllow}, contracts.ActionRequest{Action: "mesh:join"})
	assert.Error(t, err)
}

func TestConcurrentAppendsKeepChainIntact(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Append(context.Background(), "mesh", contracts.PolicyDecision{
				Effect:          contracts.EffectAllow,
				MatchedPolicyID: "mesh-governance/allow-join",
				CorrelationID:   fmt.Sprintf("corr-%d", i),
			}, contracts.ActionRequest{Action: "mesh:join", Actor: contracts.Actor{UserID: "u-1"}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ok, seq, err := svc.VerifyChain(context.Background(), "mesh")
	require.NoError(t, err)
	assert.True(t, ok, "broken at sequence %d", seq)

	n, err := svc.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) Insert(ctx context.Context, e Event) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Insert(ctx, e)
}

func TestAppendFailureSetsDegraded(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), fail: true}
	svc := NewService(store, nil)
	svc.appendPolicy = retryFast

	_, err := svc.Append(context.Background(), "mesh", contracts.PolicyDecision{
		Effect: contracts.EffectAllow,
	}, contracts.ActionRequest{Action: "mesh:join"})
	require.Error(t, err)
	assert.True(t, svc.Degraded())

	store.fail = false
	_, err = svc.Append(context.Background(), "mesh", contracts.PolicyDecision{
		Effect: contracts.EffectAllow,
	}, contracts.ActionRequest{Action: "mesh:join"})
	require.NoError(t, err)
	assert.False(t, svc.Degraded())
}
