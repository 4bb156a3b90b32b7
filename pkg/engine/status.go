package engine

import (
	"fmt"
)

// Status represents the lifecycle status of a challenge.
type Status string

const (
	// StatusNew indicates a draft that has never left the authoring flow.
	StatusNew Status = "New"

	// StatusDraft indicates a persisted, unpublished challenge.
	StatusDraft Status = "Draft"

	// StatusActive indicates a launched challenge.
	StatusActive Status = "Active"

	// StatusCompleted indicates a finished challenge. Completed challenges are read-only.
	StatusCompleted Status = "Completed"
)

var statusRank = map[Status]int{
	StatusNew:       0,
	StatusDraft:     1,
	StatusActive:    2,
	StatusCompleted: 3,
}

// Validate checks if the status is one of the known values.
func (s Status) Validate() error {
	if _, ok := statusRank[s]; !ok {
		return fmt.Errorf("invalid challenge status: %q", s)
	}
	return nil
}

// IsTerminal returns true if no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// IsPublished returns true once the challenge has been launched.
func (s Status) IsPublished() bool {
	return s == StatusActive || s == StatusCompleted
}

// CanTransitionTo reports whether a full commit from s to next is allowed.
// Transitions are monotonic: committing the same status (an edit while in Draft, or
// a save of an Active challenge) or a later one is allowed, going back is not.
func (s Status) CanTransitionTo(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		// an unset status behaves like New
		if s != "" {
			return false
		}
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return to >= from
}

// CheckTransition returns a validation error when s cannot move to next.
func (s Status) CheckTransition(next Status) error {
	if s.CanTransitionTo(next) {
		return nil
	}
	return NewValidationError(fmt.Sprintf("cannot move challenge from %s to %s", s.orNew(), next), nil).
		WithCode(ErrCodeTransition).
		WithField("status")
}

func (s Status) orNew() Status {
	if s == "" {
		return StatusNew
	}
	return s
}

// SyncState is the state of a single field in the synchronization scheduler.
type SyncState string

const (
	// SyncIdle indicates the field has nothing queued or in flight.
	SyncIdle SyncState = "idle"

	// SyncPending indicates the field changed and is waiting for the quiet interval.
	SyncPending SyncState = "pending"

	// SyncInFlight indicates a partial patch for the field is awaiting a response.
	SyncInFlight SyncState = "in_flight"
)

// Outcome is the result of a network-bound engine operation, used for metrics and events.
type Outcome string

const (
	// OutcomeSuccess indicates the operation completed.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure indicates the operation failed.
	OutcomeFailure Outcome = "failure"

	// OutcomeSkipped indicates the operation was not attempted.
	OutcomeSkipped Outcome = "skipped"
)
