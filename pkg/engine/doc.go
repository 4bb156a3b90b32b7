// Package engine provides the draft synchronization and validation engine of the
// challenge editor.
//
// # Overview
//
// The engine owns the locally editable copy of a challenge (the Draft), keeps it in
// sync with a remote persistence service and gates status transitions behind a
// validator. Data flows one way:
//
//  1. UI events call Draft Store operations (Store), which derive a new draft
//  2. each change touches the SyncScheduler with the field's sync key
//  3. after a quiet interval the Session sends a partial patch for that key
//  4. explicit Save / Launch actions validate, then run a full commit (CommitAll)
//  5. the full commit reconciles the copilot and reviewer roles (Reconciler)
//  6. the server response refreshes the Snapshot
//
// # Components
//
//   - Store: field-level mutations with declared field kinds and coercion
//   - Validator: save and launch readiness with structured reasons
//   - AvailableTemplates / PhasesFor: timeline template resolution
//   - Reconciler: delete-then-create role assignment updates
//   - SyncScheduler: per-key debounce state machine (Idle, Pending, InFlight)
//   - Session: the glue that owns the pieces above and talks to the services
//
// # Collaborators
//
// The engine reaches the outside world only through interfaces:
//
//   - ChallengeService: create, update and patch challenge records
//   - ResourceService: create and delete role assignments
//   - ChallengeReader: load a challenge and its assignments for editing
//   - Checkpointer, EventPublisher, SyncObserver, CommitPolicy: optional
//
// # Error Classification
//
// Errors are classified so callers can decide what to show:
//
//   - Validation: local rule failures, never sent to the network
//   - Sync: failed partial patches, absorbed except for the groups rollback
//   - Commit: failed full commits or role updates, always returned
//   - Hydration: a server record that could not be merged into a draft
//   - Permanent: misuse or missing reference data
//
// # Concurrency
//
// A Session serializes all work on its own lock and releases it only while waiting for
// a service call. Only one full commit may run at a time; a second one returns
// ErrCommitInProgress. Partial patches are deferred while a full commit is in flight.
package engine
