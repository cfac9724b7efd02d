// Package intent coordinates multi-step governed action sequences. Steps
// execute strictly in order, each through the full invariant/policy/ledger
// pipeline; failures trigger reverse-order compensating rollback.
package intent

import (
	"errors"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// State is the lifecycle state of an intent.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

var (
	// ErrNotFound is returned for an unknown intent ID.
	ErrNotFound = errors.New("intent: not found")

	// ErrOutOfOrder is returned when a step is executed before its
	// predecessor completed.
	ErrOutOfOrder = errors.New("intent: step executed out of order")

	// ErrBadState is returned when an operation is invalid for the
	// intent's current state.
	ErrBadState = errors.New("intent: invalid state for operation")
)

// Step is one governed action within an intent. Sequence numbers start at 1.
type Step struct {
	Sequence int                     `json:"sequence"`
	Action   contracts.ActionRequest `json:"action"`

	// Compensation undoes this step during rollback. A completed step
	// without one is skipped with a recorded warn-level ledger note.
	Compensation *contracts.ActionRequest `json:"compensation,omitempty"`

	// Collaborator names the external system that performs the action.
	Collaborator string `json:"collaborator,omitempty"`

	Status StepStatus `json:"status"`

	// Timeout bounds one execution of this step, collaborator call included.
	Timeout time.Duration `json:"timeout,omitempty"`

	// LedgerEventID is the decision event recorded when the step executed.
	LedgerEventID string `json:"ledger_event_id,omitempty"`

	// RollbackEventIDs are the events recorded while compensating this step.
	RollbackEventIDs []string `json:"rollback_event_ids,omitempty"`

	Error string `json:"error,omitempty"`
}

// Intent is a named, ordered sequence of governed steps. It is mutated only
// by the orchestrator.
type Intent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	State     State     `json:"state"`
	Steps     []Step    `json:"steps"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Timeout bounds the whole intent. An intent still in progress past
	// CreatedAt+Timeout is failed and rolled back by the watchdog.
	Timeout time.Duration `json:"timeout,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// NextSequence returns the sequence of the first non-completed step, or 0
// when every step completed.
func (in *Intent) NextSequence() int {
	for i := range in.Steps {
		if in.Steps[i].Status != StepCompleted {
			return in.Steps[i].Sequence
		}
	}
	return 0
}

// StepAt returns the step with the given sequence.
func (in *Intent) StepAt(sequence int) (*Step, bool) {
	for i := range in.Steps {
		if in.Steps[i].Sequence == sequence {
			return &in.Steps[i], true
		}
	}
	return nil, false
}

// Terminal reports whether the intent reached a final state.
func (in *Intent) Terminal() bool {
	switch in.State {
	case StateCompleted, StateFailed, StateRolledBack:
		return true
	}
	return false
}

// StepTemplate declares one step of an intent template.
type StepTemplate struct {
	Action       contracts.ActionRequest  `json:"action" yaml:"action"`
	Compensation *contracts.ActionRequest `json:"compensation,omitempty" yaml:"compensation"`
	Collaborator string                   `json:"collaborator,omitempty" yaml:"collaborator"`
	Timeout      time.Duration            `json:"timeout,omitempty" yaml:"timeout"`
}

// Template declares a reusable intent shape instantiated by Create.
type Template struct {
	ID      string         `json:"id" yaml:"id"`
	Type    string         `json:"type" yaml:"type"`
	Steps   []StepTemplate `json:"steps" yaml:"steps"`
	Timeout time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
}
