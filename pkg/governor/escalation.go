package governor

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// EscalationStatus is the lifecycle state of a review record.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationRejected EscalationStatus = "rejected"
	EscalationExpired  EscalationStatus = "expired"
)

// DefaultEscalationTTL is how long a WARN escalation awaits review before
// expiring. The warned action has already proceeded; expiry only closes the
// review item.
const DefaultEscalationTTL = 72 * time.Hour

// Escalation is a review record created when a decision carries the WARN
// effect. The action proceeds; the record queues it for human review.
type Escalation struct {
	ID            string           `json:"id"`
	CorrelationID string           `json:"correlation_id"`
	Action        string           `json:"action"`
	Actor         contracts.Actor  `json:"actor"`
	PolicyID      string           `json:"policy_id"`
	Reason        string           `json:"reason,omitempty"`
	Status        EscalationStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	ReviewedBy    string           `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time       `json:"reviewed_at,omitempty"`
}

// EscalationManager tracks WARN review records in memory.
type EscalationManager struct {
	mu      sync.Mutex
	records map[string]*Escalation
	ttl     time.Duration
	clock   func() time.Time
}

// NewEscalationManager returns an empty manager with the default TTL.
func NewEscalationManager() *EscalationManager {
	return &EscalationManager{
		records: make(map[string]*Escalation),
		ttl:     DefaultEscalationTTL,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *EscalationManager) WithClock(clock func() time.Time) *EscalationManager {
	m.clock = clock
	return m
}

// Record creates a pending review record for a WARN decision.
func (m *EscalationManager) Record(decision contracts.PolicyDecision, req contracts.ActionRequest) Escalation {
	now := m.clock()
	e := &Escalation{
		ID:            uuid.New().String(),
		CorrelationID: decision.CorrelationID,
		Action:        req.Action,
		Actor:         req.Actor,
		PolicyID:      decision.MatchedPolicyID,
		Reason:        decision.Reason,
		Status:        EscalationPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}
	m.mu.Lock()
	m.records[e.ID] = e
	m.mu.Unlock()
	return *e
}

// Get returns one record by ID.
func (m *EscalationManager) Get(id string) (Escalation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[id]
	if !ok {
		return Escalation{}, false
	}
	m.expireLocked(e)
	return *e, true
}

// Pending returns every record still awaiting review, oldest first.
func (m *EscalationManager) Pending() []Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Escalation
	for _, e := range m.records {
		m.expireLocked(e)
		if e.Status == EscalationPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve closes a pending record as approved or rejected. A resolved or
// expired record cannot be re-resolved.
func (m *EscalationManager) Resolve(id, reviewerID string, approve bool) (Escalation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[id]
	if !ok {
		return Escalation{}, false
	}
	m.expireLocked(e)
	if e.Status != EscalationPending {
		return *e, false
	}
	now := m.clock()
	if approve {
		e.Status = EscalationApproved
	} else {
		e.Status = EscalationRejected
	}
	e.ReviewedBy = reviewerID
	e.ReviewedAt = &now
	return *e, true
}

func (m *EscalationManager) expireLocked(e *Escalation) {
	if e.Status == EscalationPending && m.clock().After(e.ExpiresAt) {
		e.Status = EscalationExpired
	}
}
