package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/retry"
)

// Service is the ledger write/read surface. Appends within a partition are
// serialized through a per-partition lock to preserve the hash-chain
// invariant; reads run concurrently with writes.
type Service struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// degraded is set when the most recent append failed after retries and
	// cleared on the next success. Reported through Health.
	degraded atomic.Bool

	appendPolicy retry.BackoffPolicy
}

// NewService creates a ledger service over the given store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		clock:  time.Now,
		locks:  make(map[string]*sync.Mutex),
		appendPolicy: retry.BackoffPolicy{
			BaseMs:      25,
			MaxMs:       500,
			MaxJitterMs: 25,
			MaxAttempts: 3,
		},
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) partitionLock(partition string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[partition]
	if !ok {
		l = &sync.Mutex{}
		s.locks[partition] = l
	}
	return l
}

// Append records a decision for a request in the given partition. The event
// chains off the partition head. Store failures are retried a bounded number
// of times with backoff; if they persist, the error is returned and the
// enclosing operation must be reported as failed; an un-logged ALLOW is
// indistinguishable from an unauthorized action.
func (s *Service) Append(ctx context.Context, partition string, decision contracts.PolicyDecision, req contracts.ActionRequest) (Event, error) {
	e := Event{
		ID:            uuid.New().String(),
		Partition:     partition,
		CorrelationID: decision.CorrelationID,
		OccurredAt:    s.clock().UTC(),
		Actor:         req.Actor,
		Action:        req.Action,
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		Decision:      decision.Effect,
		PolicyID:      decision.MatchedPolicyID,
		PolicyVersion: decision.MatchedPolicyVersion,
		LedgerLevel:   decision.LedgerLevel,
	}
	if e.LedgerLevel == "" {
		e.LedgerLevel = contracts.LedgerLevelSummary
	}
	if e.LedgerLevel == contracts.LedgerLevelFull && len(req.Context) > 0 {
		e.Metadata = map[string]any{"context": req.Context}
	}
	if decision.Reason != "" {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, 1)
		}
		e.Metadata["reason"] = decision.Reason
	}
	return s.chainAndInsert(ctx, e)
}

// AppendEvent chains and persists a pre-built event. Used by callers that
// perform invariant and policy evaluation via library call and by the
// orchestrator for rollback notes. Sequence, hashes, ID, and timestamp are
// assigned here regardless of what the caller supplied.
func (s *Service) AppendEvent(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.clock().UTC()
	}
	if e.LedgerLevel == "" {
		e.LedgerLevel = contracts.LedgerLevelSummary
	}
	return s.chainAndInsert(ctx, e)
}

func (s *Service) chainAndInsert(ctx context.Context, e Event) (Event, error) {
	if e.Partition == "" {
		return Event{}, fmt.Errorf("ledger: append without partition")
	}

	lock := s.partitionLock(e.Partition)
	lock.Lock()
	defer lock.Unlock()

	head, ok, err := s.store.Head(ctx, e.Partition)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: read head of %s: %w", e.Partition, err)
	}
	if ok {
		e.Sequence = head.Sequence + 1
		e.PrevHash = head.EventHash
	} else {
		e.Sequence = 1
		e.PrevHash = GenesisHash
	}

	hash, err := ComputeHash(e)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: hash event: %w", err)
	}
	e.EventHash = hash

	err = retry.Do(ctx, s.appendPolicy, retry.Params{
		CorrelationID: e.CorrelationID,
		OperationID:   "ledger-append:" + e.Partition,
	}, func(ctx context.Context) error {
		return s.store.Insert(ctx, e)
	}, func(error) bool { return true })
	if err != nil {
		s.degraded.Store(true)
		s.logger.Error("ledger append failed", "partition", e.Partition, "correlation_id", e.CorrelationID, "error", err)
		return Event{}, fmt.Errorf("ledger: append to %s: %w", e.Partition, err)
	}
	s.degraded.Store(false)
	return e, nil
}

// Events returns events matching the filter, ordered by sequence.
func (s *Service) Events(ctx context.Context, f Filter) ([]Event, error) {
	return s.store.List(ctx, f)
}

// VerifyChain recomputes every hash in a partition and confirms each
// prev_hash link. It returns ok=false with the 1-based sequence of the first
// broken event. A break is a detectable condition for operators, never
// silently repaired.
func (s *Service) VerifyChain(ctx context.Context, partition string) (ok bool, brokenSeq uint64, err error) {
	events, err := s.store.Partition(ctx, partition)
	if err != nil {
		return false, 0, err
	}
	prev := GenesisHash
	var wantSeq uint64 = 1
	for _, e := range events {
		if e.Sequence != wantSeq {
			return false, wantSeq, nil
		}
		if e.PrevHash != prev {
			return false, e.Sequence, nil
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return false, e.Sequence, err
		}
		if computed != e.EventHash {
			return false, e.Sequence, nil
		}
		prev = e.EventHash
		wantSeq++
	}
	return true, 0, nil
}

// VerifyAll verifies every partition and returns the first broken one, if any.
func (s *Service) VerifyAll(ctx context.Context) (ok bool, partition string, brokenSeq uint64, err error) {
	partitions, err := s.store.Partitions(ctx)
	if err != nil {
		return false, "", 0, err
	}
	for _, p := range partitions {
		chainOK, seq, err := s.VerifyChain(ctx, p)
		if err != nil {
			return false, p, seq, err
		}
		if !chainOK {
			return false, p, seq, nil
		}
	}
	return true, "", 0, nil
}

// Count returns the total number of recorded events.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// Degraded reports whether the most recent append failed.
func (s *Service) Degraded() bool {
	return s.degraded.Load()
}
