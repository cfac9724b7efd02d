// Package ledger implements the append-only, hash-chained decision log.
// Every governance decision is recorded exactly once; events are never
// updated or deleted, and each event's hash covers its predecessor's hash so
// tampering is detectable.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/arbiterhq/arbiter/pkg/canonical"
	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// GenesisHash seeds the chain of every partition.
const GenesisHash = "genesis"

var (
	// ErrNotFound is returned when an event does not exist.
	ErrNotFound = errors.New("ledger: event not found")

	// ErrChainBroken signals a chain-integrity violation. It is surfaced,
	// never auto-corrected.
	ErrChainBroken = errors.New("ledger: chain broken")
)

// Event is one immutable, hash-chained ledger entry.
type Event struct {
	ID            string                `json:"id"`
	Partition     string                `json:"partition"`
	Sequence      uint64                `json:"sequence"`
	CorrelationID string                `json:"correlation_id"`
	OccurredAt    time.Time             `json:"occurred_at"`
	Actor         contracts.Actor       `json:"actor"`
	Action        string                `json:"action"`
	ResourceType  string                `json:"resource_type,omitempty"`
	ResourceID    string                `json:"resource_id,omitempty"`
	Decision      contracts.Effect      `json:"decision"`
	PolicyID      string                `json:"policy_id"`
	PolicyVersion string                `json:"policy_version"`
	LedgerLevel   contracts.LedgerLevel `json:"ledger_level"`
	PrevHash      string                `json:"prev_hash"`
	EventHash     string                `json:"event_hash"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
}

// ComputeHash returns the event hash: SHA-256 over the previous hash
// concatenated with the canonical serialization of the event with its
// EventHash field cleared.
func ComputeHash(e Event) (string, error) {
	e.EventHash = ""
	body, err := canonical.Marshal(e)
	if err != nil {
		return "", err
	}
	payload := make([]byte, 0, len(e.PrevHash)+len(body))
	payload = append(payload, e.PrevHash...)
	payload = append(payload, body...)
	return canonical.HashBytes(payload), nil
}

// Filter narrows event reads. Zero values mean "no constraint".
type Filter struct {
	Partition     string
	CorrelationID string
	IDs           []string

	// After is a sequence cursor: only events with Sequence > After.
	After uint64

	// Limit caps the result size; 0 applies the store default.
	Limit int
}

// Store is the persistence boundary for ledger events. Implementations must
// treat inserted events as immutable.
type Store interface {
	// Insert appends an event. The caller guarantees single-writer
	// discipline per partition.
	Insert(ctx context.Context, e Event) error

	// Head returns the latest event in a partition, or ok=false for an
	// empty partition.
	Head(ctx context.Context, partition string) (e Event, ok bool, err error)

	// List returns events matching the filter ordered by partition and
	// sequence.
	List(ctx context.Context, f Filter) ([]Event, error)

	// Partition returns the full ordered sequence for one partition.
	Partition(ctx context.Context, partition string) ([]Event, error)

	// Partitions returns the distinct partition keys.
	Partitions(ctx context.Context) ([]string, error)

	// Count returns the total number of events.
	Count(ctx context.Context) (int64, error)
}
