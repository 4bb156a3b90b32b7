package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EventLevel represents the severity level of a sync event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// CheckpointSummary is the listing view of a stored checkpoint.
type CheckpointSummary struct {
	SessionID   string        `json:"session_id"`
	ChallengeID string        `json:"challenge_id"`
	Name        string        `json:"name"`
	Status      engine.Status `json:"status"`
	LastSaved   *time.Time    `json:"last_saved,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SyncEvent is an entry of the append-only sync event log
type SyncEvent struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"session_id"`
	Type      engine.EventType `json:"type"`
	Level     EventLevel       `json:"level"`
	Field     *string          `json:"field,omitempty"`
	Message   *string          `json:"message,omitempty"`
	Data      *string          `json:"data,omitempty"` // JSON blob
	Timestamp time.Time        `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Checkpoint operations
	SaveCheckpoint(ctx context.Context, cp engine.Checkpoint) error
	GetCheckpoint(ctx context.Context, sessionID string) (*engine.Checkpoint, error)
	FindCheckpointByChallenge(ctx context.Context, challengeID string) (*engine.Checkpoint, error)
	ListCheckpoints(ctx context.Context, limit, offset int) ([]*CheckpointSummary, error)
	DeleteCheckpoint(ctx context.Context, sessionID string) error

	// Event operations
	AppendEvent(ctx context.Context, event *SyncEvent) error
	GetEvents(ctx context.Context, sessionID *string, eventType *engine.EventType, level *EventLevel, limit, offset int) ([]*SyncEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
