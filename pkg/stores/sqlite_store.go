package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/draftsync/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

var (
	_ Store               = (*SQLiteStore)(nil)
	_ engine.Checkpointer = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database with WAL journaling and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// SaveCheckpoint inserts or replaces the checkpoint of a session.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp engine.Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("checkpoint session id is required")
	}

	draft, err := json.Marshal(cp.Draft)
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}

	var snapshot *string
	if cp.Snapshot != nil {
		raw, err := json.Marshal(cp.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		v := string(raw)
		snapshot = &v
	}

	challengeID := cp.ChallengeID
	if challengeID == "" {
		challengeID = cp.Draft.ID
	}

	now := time.Now().UTC()
	updatedAt := cp.UpdatedAt.UTC()
	if cp.UpdatedAt.IsZero() {
		updatedAt = now
	}

	query := `
		INSERT INTO checkpoints (session_id, challenge_id, name, status, draft, snapshot, last_saved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			challenge_id = excluded.challenge_id,
			name = excluded.name,
			status = excluded.status,
			draft = excluded.draft,
			snapshot = excluded.snapshot,
			last_saved = excluded.last_saved,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		cp.SessionID,
		challengeID,
		cp.Draft.Name,
		string(cp.Draft.Status),
		string(draft),
		snapshot,
		nullableTime(cp.LastSaved),
		now,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// GetCheckpoint retrieves the checkpoint of a session
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, sessionID string) (*engine.Checkpoint, error) {
	query := `
		SELECT session_id, challenge_id, draft, snapshot, last_saved, updated_at
		FROM checkpoints
		WHERE session_id = ?
	`
	cp, err := s.scanCheckpoint(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// FindCheckpointByChallenge returns the most recently updated checkpoint of a challenge.
func (s *SQLiteStore) FindCheckpointByChallenge(ctx context.Context, challengeID string) (*engine.Checkpoint, error) {
	query := `
		SELECT session_id, challenge_id, draft, snapshot, last_saved, updated_at
		FROM checkpoints
		WHERE challenge_id = ? AND challenge_id != ''
		ORDER BY updated_at DESC
		LIMIT 1
	`
	cp, err := s.scanCheckpoint(s.db.QueryRowContext(ctx, query, challengeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for challenge %s: %w", challengeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) scanCheckpoint(row *sql.Row) (*engine.Checkpoint, error) {
	var (
		cp        engine.Checkpoint
		draft     string
		snapshot  *string
		lastSaved *time.Time
	)
	if err := row.Scan(&cp.SessionID, &cp.ChallengeID, &draft, &snapshot, &lastSaved, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(draft), &cp.Draft); err != nil {
		return nil, fmt.Errorf("failed to decode draft: %w", err)
	}
	if snapshot != nil {
		cp.Snapshot = &engine.Snapshot{}
		if err := json.Unmarshal([]byte(*snapshot), cp.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
	}
	if lastSaved != nil {
		cp.LastSaved = *lastSaved
	}
	return &cp, nil
}

// ListCheckpoints lists checkpoints, most recently updated first
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, limit, offset int) ([]*CheckpointSummary, error) {
	query := `
		SELECT session_id, challenge_id, name, status, last_saved, created_at, updated_at
		FROM checkpoints
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	summaries := []*CheckpointSummary{}
	for rows.Next() {
		cs := &CheckpointSummary{}
		err := rows.Scan(
			&cs.SessionID,
			&cs.ChallengeID,
			&cs.Name,
			&cs.Status,
			&cs.LastSaved,
			&cs.CreatedAt,
			&cs.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		summaries = append(summaries, cs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}

	return summaries, nil
}

// DeleteCheckpoint removes a session's checkpoint and its events
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("checkpoint for session %s: %w", sessionID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_events WHERE session_id = ?`, sessionID); err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to delete events: %w", err)
	}

	return s.CommitTx(tx)
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *SyncEvent) error {
	query := `
		INSERT INTO sync_events (session_id, type, level, field, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()

	result, err := s.db.ExecContext(ctx, query,
		event.SessionID,
		string(event.Type),
		string(event.Level),
		event.Field,
		event.Message,
		event.Data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// Publish records an engine event in the log. It makes the store usable as an
// engine.EventPublisher subscriber.
func (s *SQLiteStore) Publish(event engine.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BusyTimeout)
	defer cancel()

	se, err := fromEngineEvent(event)
	if err != nil {
		return err
	}
	return s.AppendEvent(ctx, se)
}

func fromEngineEvent(event engine.Event) (*SyncEvent, error) {
	se := &SyncEvent{
		SessionID: event.SessionID,
		Type:      event.Type,
		Level:     EventLevel(event.Level),
		Timestamp: event.Timestamp,
	}
	switch se.Level {
	case EventLevelDebug, EventLevelInfo, EventLevelWarning, EventLevelError:
	case "warn":
		se.Level = EventLevelWarning
	default:
		se.Level = EventLevelInfo
	}
	if event.Field != "" {
		se.Field = &event.Field
	}
	if event.Message != "" {
		se.Message = &event.Message
	}
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event data: %w", err)
		}
		data := string(raw)
		se.Data = &data
	}
	return se, nil
}

// GetEvents retrieves events with optional filters and pagination, newest first
func (s *SQLiteStore) GetEvents(ctx context.Context, sessionID *string, eventType *engine.EventType, level *EventLevel, limit, offset int) ([]*SyncEvent, error) {
	query := `
		SELECT id, session_id, type, level, field, message, data, timestamp
		FROM sync_events
		WHERE (? IS NULL OR session_id = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	var typ, lvl *string
	if eventType != nil {
		v := string(*eventType)
		typ = &v
	}
	if level != nil {
		v := string(*level)
		lvl = &v
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, sessionID, typ, typ, lvl, lvl, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*SyncEvent{}
	for rows.Next() {
		event := &SyncEvent{}
		err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.Type,
			&event.Level,
			&event.Field,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// PruneEvents deletes events older than before and returns how many were removed
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_events WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
