package engine

import (
	"context"
	"time"
)

// ChallengeService persists challenge records.
type ChallengeService interface {
	// CreateChallenge persists a new challenge and returns the stored record.
	CreateChallenge(ctx context.Context, payload Challenge) (Challenge, error)

	// UpdateChallenge replaces the stored challenge with payload.
	UpdateChallenge(ctx context.Context, id string, payload Challenge) (Challenge, error)

	// PatchChallenge applies a partial update carrying only the patched fields.
	PatchChallenge(ctx context.Context, id string, patch Patch) (Challenge, error)
}

// ResourceService manages role assignments, stored apart from the challenge record.
type ResourceService interface {
	// CreateResource assigns a member to a role.
	CreateResource(ctx context.Context, a ResourceAssignment) error

	// DeleteResource removes a member from a role.
	DeleteResource(ctx context.Context, a ResourceAssignment) error
}

// ChallengeReader loads existing challenges for editing.
type ChallengeReader interface {
	// GetChallenge fetches a challenge by id.
	GetChallenge(ctx context.Context, id string) (Challenge, error)

	// ListResources lists the role assignments of a challenge.
	ListResources(ctx context.Context, challengeID string) ([]ResourceAssignment, error)
}

// Checkpointer stores durable copies of session state.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// EventPublisher receives session events for delivery to the presentation layer.
type EventPublisher interface {
	Publish(event Event) error
}

// SyncObserver records synchronization outcomes, typically as metrics.
type SyncObserver interface {
	ObservePatch(key string, outcome Outcome, duration time.Duration)
	ObserveCommit(status Status, outcome Outcome, duration time.Duration)
	ObserveResource(role, op string, outcome Outcome)
	ObserveValidation(check string, ready bool)
}

// CommitPolicy gates full commits that change status. A non-nil error blocks the commit.
type CommitPolicy interface {
	EvaluateCommit(ctx context.Context, status Status, payload Challenge) error
}

// Clock supplies the current time to the scheduler.
type Clock interface {
	Now() time.Time
}
