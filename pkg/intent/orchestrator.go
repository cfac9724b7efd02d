package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/governor"
	"github.com/arbiterhq/arbiter/pkg/ledger"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/policy"
	"github.com/arbiterhq/arbiter/pkg/resiliency"
)

// Rollback note identifiers recorded in synthetic ledger events.
const (
	noCompensationPolicyID     = "rollback:no-compensation"
	failedCompensationPolicyID = "rollback:compensation-failed"
)

// Default execution bounds applied when a template declares none.
const (
	DefaultStepTimeout   = 30 * time.Second
	DefaultIntentTimeout = 10 * time.Minute
)

// StepResult is the outcome of one step execution.
type StepResult struct {
	Intent   Intent                   `json:"intent"`
	Decision contracts.PolicyDecision `json:"decision"`
	Output   map[string]any           `json:"output,omitempty"`
}

// Orchestrator drives intents through their state machine. Steps within one
// intent run strictly in sequence; distinct intents run concurrently.
type Orchestrator struct {
	store         Store
	gov           *governor.Governor
	ledger        *ledger.Service
	collaborators map[string]*resiliency.Client
	templates     map[string]Template
	metrics       *metrics.Set
	logger        *slog.Logger
	clock         func() time.Time
	intentTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator wires an orchestrator. The collaborator map is keyed by
// the name steps reference; a step with an unknown collaborator fails.
func NewOrchestrator(store Store, gov *governor.Governor, led *ledger.Service, collaborators map[string]*resiliency.Client, templates []Template, m *metrics.Set, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	return &Orchestrator{
		store:         store,
		gov:           gov,
		ledger:        led,
		collaborators: collaborators,
		templates:     byID,
		metrics:       m,
		logger:        logger,
		clock:         time.Now,
		intentTimeout: DefaultIntentTimeout,
		locks:         make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithDefaultTimeout sets the intent deadline applied to templates that do
// not declare one.
func (o *Orchestrator) WithDefaultTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.intentTimeout = d
	}
	return o
}

func (o *Orchestrator) intentLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// Create instantiates an intent from a registered template.
func (o *Orchestrator) Create(ctx context.Context, templateID, createdBy string) (Intent, error) {
	t, ok := o.templates[templateID]
	if !ok {
		return Intent{}, fmt.Errorf("intent: unknown template %q", templateID)
	}
	if len(t.Steps) == 0 {
		return Intent{}, fmt.Errorf("intent: template %q has no steps", templateID)
	}

	now := o.clock().UTC()
	in := Intent{
		ID:        uuid.New().String(),
		Type:      t.Type,
		State:     StatePending,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
		Timeout:   t.Timeout,
	}
	if in.Timeout <= 0 {
		in.Timeout = o.intentTimeout
	}
	for i, st := range t.Steps {
		step := Step{
			Sequence:     i + 1,
			Action:       st.Action,
			Compensation: st.Compensation,
			Collaborator: st.Collaborator,
			Timeout:      st.Timeout,
			Status:       StepPending,
		}
		if step.Timeout <= 0 {
			step.Timeout = DefaultStepTimeout
		}
		in.Steps = append(in.Steps, step)
	}
	if err := o.store.Create(ctx, in); err != nil {
		return Intent{}, err
	}
	o.logger.Info("intent created", "intent_id", in.ID, "type", in.Type, "steps", len(in.Steps))
	return in, nil
}

// Get returns the intent by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (Intent, error) {
	return o.store.Get(ctx, id)
}

// ExecuteStep runs one step through the governed pipeline and, on ALLOW,
// against its collaborator. Step n executes only after step n-1 completed.
//
// A DENY fails the step and the intent; later steps are never attempted and
// rollback is left to an explicit call. Transient collaborator failures are
// retried inside the resilient client; exhaustion fails the intent and
// triggers rollback.
func (o *Orchestrator) ExecuteStep(ctx context.Context, intentID string, sequence int) (StepResult, error) {
	lock := o.intentLock(intentID)
	lock.Lock()
	defer lock.Unlock()

	in, err := o.store.Get(ctx, intentID)
	if err != nil {
		return StepResult{}, err
	}
	if in.Terminal() {
		return StepResult{Intent: in}, fmt.Errorf("%w: intent is %s", ErrBadState, in.State)
	}
	next := in.NextSequence()
	if sequence != next {
		return StepResult{Intent: in}, fmt.Errorf("%w: step %d requested, step %d is next", ErrOutOfOrder, sequence, next)
	}
	step, ok := in.StepAt(sequence)
	if !ok {
		return StepResult{Intent: in}, fmt.Errorf("intent: no step with sequence %d", sequence)
	}

	in.State = StateInProgress
	step.Status = StepInProgress
	o.touch(&in)
	if err := o.store.Update(ctx, in); err != nil {
		return StepResult{}, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	res, err := o.gov.Authorize(stepCtx, step.Action)
	if err != nil {
		o.failStep(ctx, &in, step, fmt.Sprintf("authorize: %v", err))
		return StepResult{Intent: in}, err
	}
	step.LedgerEventID = res.LedgerEventID

	if res.Decision.Denied() {
		o.failStep(ctx, &in, step, "denied by "+res.Decision.MatchedPolicyID)
		return StepResult{Intent: in, Decision: res.Decision}, nil
	}

	output, err := o.perform(stepCtx, res.Decision.CorrelationID, *step)
	if err != nil {
		o.failStep(ctx, &in, step, err.Error())
		if resiliency.IsTransient(err) || stepCtx.Err() != nil {
			// Exhausted retries against a degraded collaborator: unwind
			// the completed prefix rather than leave it half-applied.
			if rbErr := o.rollbackLocked(ctx, &in); rbErr != nil {
				o.logger.Error("rollback after transient failure", "intent_id", in.ID, "error", rbErr)
			}
		}
		return StepResult{Intent: in, Decision: res.Decision}, err
	}

	step.Status = StepCompleted
	if o.metrics != nil {
		o.metrics.IntentStepsTotal.WithLabelValues(string(StepCompleted)).Inc()
	}
	if in.NextSequence() == 0 {
		in.State = StateCompleted
	}
	o.touch(&in)
	if err := o.store.Update(ctx, in); err != nil {
		return StepResult{}, err
	}
	o.logger.Info("intent step completed",
		"intent_id", in.ID, "sequence", sequence,
		"action", step.Action.Action, "intent_state", in.State,
	)
	return StepResult{Intent: in, Decision: res.Decision, Output: output}, nil
}

// perform executes the underlying action against the step's collaborator.
func (o *Orchestrator) perform(ctx context.Context, correlationID string, step Step) (map[string]any, error) {
	if step.Collaborator == "" {
		return nil, nil
	}
	client, ok := o.collaborators[step.Collaborator]
	if !ok {
		return nil, fmt.Errorf("intent: unknown collaborator %q", step.Collaborator)
	}
	return client.Execute(ctx, correlationID, step.Action)
}

func (o *Orchestrator) failStep(ctx context.Context, in *Intent, step *Step, reason string) {
	step.Status = StepFailed
	step.Error = reason
	in.State = StateFailed
	in.FailureReason = fmt.Sprintf("step %d: %s", step.Sequence, reason)
	o.touch(in)
	if o.metrics != nil {
		o.metrics.IntentStepsTotal.WithLabelValues(string(StepFailed)).Inc()
	}
	if err := o.store.Update(ctx, *in); err != nil {
		o.logger.Error("persist failed intent", "intent_id", in.ID, "error", err)
	}
	o.logger.Warn("intent step failed", "intent_id", in.ID, "sequence", step.Sequence, "reason", reason)
}

// Rollback compensates the completed steps of a failed intent in reverse
// sequence order and transitions it to rolled_back.
func (o *Orchestrator) Rollback(ctx context.Context, intentID string) (Intent, error) {
	lock := o.intentLock(intentID)
	lock.Lock()
	defer lock.Unlock()

	in, err := o.store.Get(ctx, intentID)
	if err != nil {
		return Intent{}, err
	}
	if in.State != StateFailed {
		return in, fmt.Errorf("%w: rollback requires a failed intent, state is %s", ErrBadState, in.State)
	}
	if err := o.rollbackLocked(ctx, &in); err != nil {
		return in, err
	}
	return in, nil
}

// rollbackLocked walks completed steps in reverse order. Each compensation
// is itself a governed action; steps without one are skipped with a recorded
// warn-level ledger note. Rollback keeps going past individual compensation
// failures so every step gets its chance to unwind.
func (o *Orchestrator) rollbackLocked(ctx context.Context, in *Intent) error {
	for i := len(in.Steps) - 1; i >= 0; i-- {
		step := &in.Steps[i]
		if step.Status != StepCompleted {
			continue
		}
		if step.Compensation == nil {
			id := o.recordRollbackNote(ctx, in, step, noCompensationPolicyID,
				fmt.Sprintf("step %d (%s) has no compensating action", step.Sequence, step.Action.Action))
			if id != "" {
				step.RollbackEventIDs = append(step.RollbackEventIDs, id)
			}
			continue
		}

		res, err := o.gov.Authorize(ctx, *step.Compensation)
		if err != nil {
			id := o.recordRollbackNote(ctx, in, step, failedCompensationPolicyID,
				fmt.Sprintf("compensation for step %d failed: %v", step.Sequence, err))
			if id != "" {
				step.RollbackEventIDs = append(step.RollbackEventIDs, id)
			}
			continue
		}
		step.RollbackEventIDs = append(step.RollbackEventIDs, res.LedgerEventID)
		if res.Decision.Denied() {
			o.logger.Warn("compensation denied",
				"intent_id", in.ID, "sequence", step.Sequence,
				"policy_id", res.Decision.MatchedPolicyID,
			)
			continue
		}
		if _, err := o.perform(ctx, res.Decision.CorrelationID, Step{
			Action:       *step.Compensation,
			Collaborator: step.Collaborator,
		}); err != nil {
			id := o.recordRollbackNote(ctx, in, step, failedCompensationPolicyID,
				fmt.Sprintf("compensation for step %d failed: %v", step.Sequence, err))
			if id != "" {
				step.RollbackEventIDs = append(step.RollbackEventIDs, id)
			}
		}
	}

	in.State = StateRolledBack
	o.touch(in)
	if err := o.store.Update(ctx, *in); err != nil {
		return err
	}
	o.logger.Info("intent rolled back", "intent_id", in.ID)
	return nil
}

// recordRollbackNote appends a synthetic warn-level event documenting a gap
// in the rollback. Returns the event ID, or "" when even the note could not
// be recorded.
func (o *Orchestrator) recordRollbackNote(ctx context.Context, in *Intent, step *Step, policyID, reason string) string {
	e, err := o.ledger.AppendEvent(ctx, ledger.Event{
		Partition:     step.Action.Scope(),
		CorrelationID: in.ID,
		Actor:         step.Action.Actor,
		Action:        step.Action.Action,
		ResourceType:  step.Action.ResourceType,
		ResourceID:    step.Action.ResourceID,
		Decision:      contracts.EffectWarn,
		PolicyID:      policyID,
		PolicyVersion: policy.BuiltinVersion,
		LedgerLevel:   contracts.LedgerLevelSummary,
		Metadata:      map[string]any{"reason": reason, "intent_id": in.ID, "step": step.Sequence},
	})
	if err != nil {
		o.logger.Error("record rollback note", "intent_id", in.ID, "error", err)
		return ""
	}
	return e.ID
}

// Audit returns the full ledger trail of an intent: every decision event its
// steps produced, execution and rollback alike.
func (o *Orchestrator) Audit(ctx context.Context, intentID string) (Intent, []ledger.Event, error) {
	in, err := o.store.Get(ctx, intentID)
	if err != nil {
		return Intent{}, nil, err
	}
	var ids []string
	for _, step := range in.Steps {
		if step.LedgerEventID != "" {
			ids = append(ids, step.LedgerEventID)
		}
		ids = append(ids, step.RollbackEventIDs...)
	}
	if len(ids) == 0 {
		return in, nil, nil
	}
	events, err := o.ledger.Events(ctx, ledger.Filter{IDs: ids, Limit: len(ids)})
	if err != nil {
		return Intent{}, nil, err
	}
	return in, events, nil
}

// Run drives the timeout watchdog until ctx is cancelled. An intent still
// in progress past its deadline is failed and rolled back.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.expireOverdue(ctx)
		}
	}
}

func (o *Orchestrator) expireOverdue(ctx context.Context) {
	active, err := o.store.InProgress(ctx)
	if err != nil {
		o.logger.Error("scan in-progress intents", "error", err)
		return
	}
	now := o.clock()
	for _, candidate := range active {
		if candidate.Timeout <= 0 || now.Before(candidate.CreatedAt.Add(candidate.Timeout)) {
			continue
		}
		o.expireOne(ctx, candidate.ID)
	}
}

func (o *Orchestrator) expireOne(ctx context.Context, id string) {
	lock := o.intentLock(id)
	lock.Lock()
	defer lock.Unlock()

	in, err := o.store.Get(ctx, id)
	if err != nil {
		o.logger.Error("load overdue intent", "intent_id", id, "error", err)
		return
	}
	// Re-check under the lock; a step may have finished it meanwhile.
	if in.State != StateInProgress || o.clock().Before(in.CreatedAt.Add(in.Timeout)) {
		return
	}

	in.State = StateFailed
	in.FailureReason = fmt.Sprintf("intent exceeded timeout of %s", in.Timeout)
	for i := range in.Steps {
		if in.Steps[i].Status == StepInProgress {
			in.Steps[i].Status = StepFailed
			in.Steps[i].Error = "intent timed out"
		}
	}
	o.touch(&in)
	if err := o.store.Update(ctx, in); err != nil {
		o.logger.Error("persist timed-out intent", "intent_id", id, "error", err)
		return
	}
	o.logger.Warn("intent timed out", "intent_id", id, "timeout", in.Timeout)
	if err := o.rollbackLocked(ctx, &in); err != nil {
		o.logger.Error("rollback timed-out intent", "intent_id", id, "error", err)
	}
}

func (o *Orchestrator) touch(in *Intent) {
	in.UpdatedAt = o.clock().UTC()
}
