package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/draftsync/pkg/engine"

// Session is one editing session of one challenge. It owns the Draft Store, the
// synchronization scheduler, the resource reconciler and the server snapshot.
//
// All mutations and scheduler transitions are serialized by the session lock. The lock
// is released only around calls to the persistence and resource services, which are the
// only points where a session waits.
type Session struct {
	mu sync.Mutex

	id         string
	ref        ReferenceSource
	challenges ChallengeService
	reader     ChallengeReader
	reconciler *Reconciler
	validator  *Validator
	clock      Clock
	quiet      time.Duration

	scheduler *SyncScheduler
	store     *Store
	snapshot  *Snapshot
	lastSaved time.Time

	// saving is the single-flight latch of full commits
	saving     bool
	loading    bool
	loadFailed bool
	err        error
	notices    []Notice
	closed     bool

	checkpointer Checkpointer
	publisher    EventPublisher
	observer     SyncObserver
	policy       CommitPolicy
	logger       zerolog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionID sets the session id. A random id is used otherwise.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithClock sets the clock used by the scheduler.
func WithClock(c Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithQuietInterval sets the debounce window of partial patches.
func WithQuietInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.quiet = d }
}

// WithChallengeReader enables Load.
func WithChallengeReader(r ChallengeReader) SessionOption {
	return func(s *Session) { s.reader = r }
}

// WithCheckpointer stores a checkpoint after every successful sync.
func WithCheckpointer(c Checkpointer) SessionOption {
	return func(s *Session) { s.checkpointer = c }
}

// WithEventPublisher delivers session events.
func WithEventPublisher(p EventPublisher) SessionOption {
	return func(s *Session) { s.publisher = p }
}

// WithSyncObserver records synchronization outcomes.
func WithSyncObserver(o SyncObserver) SessionOption {
	return func(s *Session) { s.observer = o }
}

// WithCommitPolicy gates Launch and SaveDraft.
func WithCommitPolicy(p CommitPolicy) SessionOption {
	return func(s *Session) { s.policy = p }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session seeded with a new draft built from the defaults table.
func NewSession(ref ReferenceSource, challenges ChallengeService, resources ResourceService, opts ...SessionOption) *Session {
	if ref == nil {
		ref = StaticReference{}
	}
	s := &Session{
		ref:        ref,
		challenges: challenges,
		validator:  defaultValidator,
		clock:      SystemClock{},
		quiet:      DefaultQuietInterval,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	s.logger = s.logger.With().Str("session_id", s.id).Logger()
	s.scheduler = NewSyncScheduler(s.quiet)
	s.store = NewStore(ref, NewDraftDefaults(ref.Reference()))
	s.store.OnChange(s.touch)
	s.reconciler = NewReconciler(resources, sourceRoles{ref}, s.observer, s.logger)
	return s
}

type sourceRoles struct {
	src ReferenceSource
}

func (r sourceRoles) RoleID(name string) (string, bool) {
	return r.src.Reference().RoleID(name)
}

// touch is the Draft Store change hook. It runs with the session lock held.
func (s *Session) touch(key string) {
	s.scheduler.Touch(key, s.clock.Now())
	if key == SyncKeyResetPhases {
		// the reset carries the whole phase list
		s.scheduler.Discard(SyncKeyPhases)
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// ChallengeID returns the id of the edited challenge, or "" before it is persisted.
func (s *Session) ChallengeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.draft.ID
}

// Draft returns a copy of the current draft.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Draft()
}

// Snapshot returns a copy of the server snapshot, or nil before the first persistence.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil
	}
	cp := *s.snapshot
	return &cp
}

// State is the view of a session exposed to the presentation layer.
type State struct {
	SessionID   string    `json:"sessionId"`
	Draft       Draft     `json:"draft"`
	SaveReady   Verdict   `json:"saveReady"`
	LaunchReady Verdict   `json:"launchReady"`
	LastSaved   time.Time `json:"lastSaved"`
	Pending     []string  `json:"pending"`
	InFlight    []string  `json:"inFlight"`
	Saving      bool      `json:"saving"`
	Loading     bool      `json:"loading"`
	LoadFailed  bool      `json:"loadFailed"`
	Error       string    `json:"error,omitempty"`
	Notices     []Notice  `json:"notices,omitempty"`
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.store.Draft()
	ref := s.ref.Reference()
	st := State{
		SessionID:   s.id,
		Draft:       d,
		SaveReady:   s.validator.IsSaveReady(d, ref, !d.IsPersisted()),
		LaunchReady: s.validator.IsLaunchReady(d, ref),
		LastSaved:   s.lastSaved,
		Pending:     s.scheduler.Pending(),
		InFlight:    s.scheduler.InFlight(),
		Saving:      s.saving,
		Loading:     s.loading,
		LoadFailed:  s.loadFailed,
		Notices:     append([]Notice(nil), s.notices...),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// DismissNotices clears the user-visible notices.
func (s *Session) DismissNotices() {
	s.mu.Lock()
	s.notices = nil
	s.mu.Unlock()
}

// Close ends the editing session. The draft is discarded and later calls fail.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.scheduler.Reset()
	s.mu.Unlock()
}

func (s *Session) mutate(field string, fn func(st *Store) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	err := fn(s.store)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(Event{Type: EventDraftChanged, Field: field, Level: "info"})
	return nil
}

// SetScalar sets a single-valued field.
func (s *Session) SetScalar(field, value string) error {
	return s.mutate(field, func(st *Store) error { return st.SetScalar(field, value) })
}

// SetPath sets a nested field.
func (s *Session) SetPath(path, value string) error {
	return s.mutate(path, func(st *Store) error { return st.SetPath(path, value) })
}

// SetCheckbox sets a checkbox, optionally within an exclusive group.
func (s *Session) SetCheckbox(path string, checked bool, exclusiveGroup string) error {
	return s.mutate(path, func(st *Store) error { return st.SetCheckbox(path, checked, exclusiveGroup) })
}

// SetMetadataValue sets a metadata entry.
func (s *Session) SetMetadataValue(name, value, subPath string) error {
	return s.mutate("metadata."+name, func(st *Store) error { return st.SetMetadataValue(name, value, subPath) })
}

// SetMultiSelect replaces a list field from a comma separated value.
func (s *Session) SetMultiSelect(field, csv string) error {
	return s.mutate(field, func(st *Store) error { return st.SetMultiSelect(field, csv) })
}

// AppendItem appends to a list field.
func (s *Session) AppendItem(field, value string) error {
	return s.mutate(field, func(st *Store) error { return st.AppendItem(field, value) })
}

// RemoveItem removes from a list field.
func (s *Session) RemoveItem(field string, index int) error {
	return s.mutate(field, func(st *Store) error { return st.RemoveItem(field, index) })
}

// SetPrizeSets replaces the prize structure.
func (s *Session) SetPrizeSets(sets []PrizeSet) error {
	return s.mutate("prizeSets", func(st *Store) error { return st.SetPrizeSets(sets) })
}

// SelectCopilot selects or, when selected again, clears the copilot.
func (s *Session) SelectCopilot(handle string) error {
	return s.mutate("copilot", func(st *Store) error { return st.SelectCopilot(handle) })
}

// SetReviewer sets the reviewer.
func (s *Session) SetReviewer(handle string) error {
	return s.mutate("reviewer", func(st *Store) error { return st.SetReviewer(handle) })
}

// UpdatePhase sets a phase duration.
func (s *Session) UpdatePhase(index, duration int) error {
	return s.mutate("phases", func(st *Store) error { return st.UpdatePhase(index, duration) })
}

// RemovePhase removes a phase.
func (s *Session) RemovePhase(index int) error {
	return s.mutate("phases", func(st *Store) error { return st.RemovePhase(index) })
}

// ResetPhases switches the active template and rebuilds the phases from it.
func (s *Session) ResetPhases(templateID string) error {
	return s.mutate("phases", func(st *Store) error { return st.ResetPhases(templateID) })
}

// ToggleNDA toggles the NDA term.
func (s *Session) ToggleNDA() error {
	return s.mutate("terms", func(st *Store) error { return st.ToggleNDA() })
}

// ToggleAdvancedSettings toggles the advanced settings panel.
func (s *Session) ToggleAdvancedSettings() error {
	return s.mutate("advancedSettings", func(st *Store) error { return st.ToggleAdvancedSettings() })
}

// AddFileType adds a submission file type.
func (s *Session) AddFileType(fileType string) error {
	return s.mutate("fileTypes", func(st *Store) error { return st.AddFileType(fileType) })
}

// deferReason explains why due patches must wait, or returns "".
// Callers hold the session lock.
func (s *Session) deferReason() string {
	switch {
	case s.closed:
		return "session closed"
	case s.saving:
		return "full commit in flight"
	case s.loadFailed:
		return "hydration failed"
	case !s.store.draft.IsPersisted():
		return "draft not persisted"
	}
	return ""
}

// Tick sends the partial patches whose quiet interval has elapsed and returns how many
// were sent. Patch failures are absorbed.
func (s *Session) Tick(ctx context.Context) int {
	return s.sendDue(ctx, func() []string { return s.scheduler.Due(s.clock.Now()) })
}

// Flush sends every pending partial patch now.
func (s *Session) Flush(ctx context.Context) int {
	return s.sendDue(ctx, s.scheduler.Flush)
}

func (s *Session) sendDue(ctx context.Context, take func() []string) int {
	s.mu.Lock()
	if reason := s.deferReason(); reason != "" {
		pending := len(s.scheduler.Pending())
		s.mu.Unlock()
		if pending > 0 {
			s.logger.Debug().Str("reason", reason).Int("pending", pending).Msg("deferring partial patches")
		}
		return 0
	}
	keys := take()
	s.mu.Unlock()

	for _, key := range keys {
		s.sendPatch(ctx, key)
	}
	return len(keys)
}

// Run drives Tick every interval until ctx is done.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Session) sendPatch(ctx context.Context, key string) {
	s.mu.Lock()
	draft := s.store.Draft()
	if key == SyncKeyPrizeSets && !PrimaryPrizesValid(draft) {
		s.scheduler.Complete(key)
		s.mu.Unlock()
		s.logger.Debug().Str("key", key).Msg("skipping prize patch while prizes are invalid")
		s.observePatch(key, OutcomeSkipped, 0)
		s.emit(Event{Type: EventPatchSkipped, Field: key, Level: "debug"})
		return
	}
	patch, err := BuildPatch(key, draft)
	if err != nil {
		s.scheduler.Complete(key)
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("key", key).Msg("failed to build patch")
		return
	}
	gen := s.store.PhasesGeneration()
	s.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.patch", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("challenge.id", draft.ID),
		attribute.String("patch.key", key),
	))
	start := time.Now()
	resp, err := s.challenges.PatchChallenge(ctx, draft.ID, patch)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	s.mu.Lock()
	s.scheduler.Complete(key)
	if s.closed || s.store.draft.ID != draft.ID {
		// the session moved to another challenge while the patch was in flight
		s.mu.Unlock()
		return
	}
	if err != nil {
		events := []Event{{Type: EventPatchFailed, Field: key, Message: err.Error(), Level: "warn"}}
		if key == SyncKeyGroups {
			events = append(events, s.rollbackGroupsLocked(draft.Groups)...)
		}
		s.mu.Unlock()
		serr := NewSyncError("partial update failed", err).WithField(key).WithOperation("patch")
		s.logger.Warn().Err(serr).Str("key", key).Msg("partial update failed")
		s.observePatch(key, OutcomeFailure, elapsed)
		s.emit(events...)
		return
	}

	if s.snapshot == nil {
		s.snapshot = &Snapshot{}
	}
	s.snapshot.Challenge = resp
	s.lastSaved = s.clock.Now()
	if key == SyncKeyResetPhases && gen == s.store.PhasesGeneration() && len(resp.Phases) > 0 {
		s.store.local(func(d *Draft) {
			d.Phases = append([]Phase{}, resp.Phases...)
			if resp.TimelineTemplateID != "" {
				d.TimelineTemplateID = resp.TimelineTemplateID
			}
		})
	}
	cp := s.checkpointLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("key", key).Dur("elapsed", elapsed).Msg("partial update sent")
	s.observePatch(key, OutcomeSuccess, elapsed)
	s.saveCheckpoint(ctx, cp)
	s.emit(Event{Type: EventPatchSent, Field: key, Level: "info"})
}

// rollbackGroupsLocked removes from the local draft the groups that were sent but are
// not in the snapshot and raises a notice for each of them.
func (s *Session) rollbackGroupsLocked(sent []string) []Event {
	var known []string
	if s.snapshot != nil {
		known = s.snapshot.Challenge.Groups
	}
	var offending []string
	for _, g := range sent {
		if !containsString(known, g) {
			offending = append(offending, g)
		}
	}
	if len(offending) == 0 {
		return nil
	}
	s.store.local(func(d *Draft) {
		for _, g := range offending {
			d.Groups = removeString(d.Groups, g)
		}
	})
	events := make([]Event, 0, len(offending))
	for _, g := range offending {
		msg := fmt.Sprintf("You don't have access to the %s group", g)
		s.notices = append(s.notices, Notice{Level: NoticeError, Field: "groups", Message: msg, Time: s.clock.Now()})
		events = append(events, Event{Type: EventNotice, Field: "groups", Message: msg, Level: "error",
			Data: map[string]interface{}{"code": ErrCodeGroupAccess, "group": g}})
	}
	return events
}

// Validate checks the save rules and marks the draft as submitted when they fail.
func (s *Session) Validate() Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.store.Draft()
	verdict := s.validator.IsSaveReady(d, s.ref.Reference(), !d.IsPersisted())
	if !verdict.Ready {
		s.store.MarkSubmitTriggered()
	}
	s.observeValidation("save", verdict.Ready)
	return verdict
}

// Launch validates the launch rules, consults the commit policy and commits as Active.
func (s *Session) Launch(ctx context.Context) (Challenge, error) {
	return s.gatedCommit(ctx, "launch", StatusActive, true)
}

// SaveDraft validates the save rules, consults the commit policy and commits as Draft.
func (s *Session) SaveDraft(ctx context.Context) (Challenge, error) {
	return s.gatedCommit(ctx, "save_draft", StatusDraft, true)
}

// Save persists the draft under its current status. A draft that was never persisted
// is created instead.
func (s *Session) Save(ctx context.Context) (Challenge, error) {
	s.mu.Lock()
	persisted := s.store.draft.IsPersisted()
	status := s.store.draft.Status
	s.mu.Unlock()
	if !persisted {
		return s.CreateNew(ctx)
	}
	if status == "" {
		status = StatusNew
	}
	return s.gatedCommit(ctx, "save", status, false)
}

func (s *Session) gatedCommit(ctx context.Context, check string, status Status, usePolicy bool) (Challenge, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Challenge{}, ErrSessionClosed
	}
	d := s.store.Draft()
	ref := s.ref.Reference()
	var verdict Verdict
	if status == StatusActive {
		verdict = s.validator.IsLaunchReady(d, ref)
	} else {
		verdict = s.validator.IsSaveReady(d, ref, false)
	}
	if !verdict.Ready {
		s.store.MarkSubmitTriggered()
	}
	s.mu.Unlock()

	s.observeValidation(check, verdict.Ready)
	if err := verdict.Err(check); err != nil {
		return Challenge{}, err
	}

	if usePolicy && s.policy != nil {
		payload, err := d.ToChallenge()
		if err != nil {
			return Challenge{}, err
		}
		payload.Status = status
		if err := s.policy.EvaluateCommit(ctx, status, payload); err != nil {
			perr := NewValidationError("commit blocked by policy", err).
				WithCode(ErrCodePolicyDenied).
				WithOperation(check)
			s.mu.Lock()
			s.err = perr
			s.mu.Unlock()
			return Challenge{}, perr
		}
	}
	return s.CommitAll(ctx, status)
}

// CommitAll submits the whole draft with the given status, then reconciles the copilot
// and reviewer assignments against the snapshot. Only one full commit runs at a time;
// a concurrent call returns ErrCommitInProgress without doing anything. Edits made
// while the commit is in flight are kept: only the status is taken from the commit.
func (s *Session) CommitAll(ctx context.Context, status Status) (Challenge, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Challenge{}, ErrSessionClosed
	}
	if s.saving {
		s.mu.Unlock()
		return Challenge{}, ErrCommitInProgress
	}
	draft := s.store.Draft()
	if !draft.IsPersisted() {
		s.mu.Unlock()
		return Challenge{}, ErrNotPersisted
	}
	if err := draft.Status.CheckTransition(status); err != nil {
		s.mu.Unlock()
		return Challenge{}, err
	}
	var prevCopilot, prevReviewer string
	if s.snapshot != nil {
		prevCopilot, prevReviewer = s.snapshot.Copilot, s.snapshot.Reviewer
	}
	payload, err := draft.ToChallenge()
	if err != nil {
		s.mu.Unlock()
		return Challenge{}, err
	}
	payload.Status = status
	s.saving = true
	s.err = nil
	s.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.commit", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("challenge.id", draft.ID),
		attribute.String("challenge.status", string(status)),
	))
	defer span.End()
	start := time.Now()

	resp, err := s.challenges.UpdateChallenge(ctx, draft.ID, payload)
	if err != nil {
		cerr := NewCommitError(fmt.Sprintf("Unable to update the challenge to status %s", status), err).
			WithOperation("commitAll").
			WithDetail("status", string(status))
		s.mu.Lock()
		s.saving = false
		s.err = cerr
		s.mu.Unlock()
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		s.logger.Error().Err(err).Str("status", string(status)).Msg("full commit failed")
		s.observeCommit(status, OutcomeFailure, time.Since(start))
		s.emit(Event{Type: EventCommitFailed, Message: cerr.Message, Level: "error"})
		return Challenge{}, cerr
	}

	var errs []error
	copilotErr := s.reconcile(ctx, draft.ID, RoleCopilot, prevCopilot, draft.Copilot)
	reviewerErr := s.reconcile(ctx, draft.ID, RoleReviewer, prevReviewer, draft.Reviewer)
	for _, e := range []error{copilotErr, reviewerErr} {
		if e != nil {
			errs = append(errs, e)
		}
	}

	s.mu.Lock()
	if s.store.draft.ID == draft.ID {
		snap := Snapshot{Challenge: resp, Copilot: prevCopilot, Reviewer: prevReviewer}
		if copilotErr == nil {
			snap.Copilot = draft.Copilot
		}
		if reviewerErr == nil {
			snap.Reviewer = draft.Reviewer
		}
		s.snapshot = &snap
		committed := resp.Status
		if committed == "" {
			committed = status
		}
		s.store.local(func(d *Draft) { d.Status = committed })
		s.lastSaved = s.clock.Now()
	}
	s.saving = false
	var result error
	if len(errs) > 0 {
		result = NewCommitError("Unable to update the challenge resources", errors.Join(errs...)).
			WithCode(ErrCodeResource).
			WithOperation("commitAll")
		s.err = result
	}
	cp := s.checkpointLocked()
	s.mu.Unlock()

	s.saveCheckpoint(ctx, cp)
	if result != nil {
		span.RecordError(result)
		span.SetStatus(codes.Error, result.Error())
		s.observeCommit(status, OutcomeFailure, time.Since(start))
		s.emit(Event{Type: EventCommitFailed, Message: result.Error(), Level: "error"})
		return resp, result
	}
	span.SetStatus(codes.Ok, "")
	s.logger.Info().Str("challenge_id", draft.ID).Str("status", string(status)).Msg("challenge committed")
	s.observeCommit(status, OutcomeSuccess, time.Since(start))
	s.emit(Event{Type: EventCommitSucceeded, Message: string(status), Level: "info"})
	return resp, nil
}

func (s *Session) reconcile(ctx context.Context, id, role, prev, next string) error {
	result, err := s.reconciler.Reconcile(ctx, id, role, prev, next)
	if len(result.Ops) > 0 {
		s.emit(Event{Type: EventResourceChanged, Field: role, Level: "info",
			Data: map[string]interface{}{"previous": prev, "next": next, "ok": err == nil}})
	}
	return err
}

// CreateNew persists a draft that has no identity yet. The new challenge is created in
// status New with the default template, the default term, a start date one day ahead
// and the template's phases.
func (s *Session) CreateNew(ctx context.Context) (Challenge, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Challenge{}, ErrSessionClosed
	}
	if s.saving {
		s.mu.Unlock()
		return Challenge{}, ErrCommitInProgress
	}
	d := s.store.Draft()
	if d.IsPersisted() {
		s.mu.Unlock()
		return Challenge{}, NewValidationError("challenge already exists", nil).
			WithCode(ErrCodeTransition).
			WithOperation("createNew")
	}
	ref := s.ref.Reference()
	verdict := s.validator.IsSaveReady(d, ref, true)
	if !verdict.Ready {
		s.store.MarkSubmitTriggered()
		s.mu.Unlock()
		s.observeValidation("create", false)
		return Challenge{}, verdict.Err("createNew")
	}
	seeded, err := seedNewChallenge(d, ref, s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return Challenge{}, err
	}
	payload, err := seeded.ToChallenge()
	if err != nil {
		s.mu.Unlock()
		return Challenge{}, err
	}
	gen := s.store.PhasesGeneration()
	// the create payload carries every field edited so far
	s.scheduler.Reset()
	s.saving = true
	s.err = nil
	s.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.create", trace.WithAttributes(
		attribute.String("session.id", s.id),
	))
	defer span.End()
	start := time.Now()
	resp, err := s.challenges.CreateChallenge(ctx, payload)

	s.mu.Lock()
	s.saving = false
	if err != nil {
		cerr := NewCommitError("Unable to create the challenge", err).WithOperation("createNew")
		s.err = cerr
		s.mu.Unlock()
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		s.observeCommit(StatusNew, OutcomeFailure, time.Since(start))
		s.emit(Event{Type: EventCommitFailed, Message: cerr.Message, Level: "error"})
		return Challenge{}, cerr
	}
	phasesUntouched := gen == s.store.PhasesGeneration()
	s.store.local(func(cur *Draft) {
		cur.ID = resp.ID
		cur.Status = resp.Status
		if cur.Status == "" {
			cur.Status = StatusNew
		}
		if phasesUntouched {
			cur.TimelineTemplateID = seeded.TimelineTemplateID
			cur.Phases = append([]Phase{}, seeded.Phases...)
		}
		if cur.StartDate.IsZero() {
			cur.StartDate = seeded.StartDate
		}
		if cur.ReviewType == "" {
			cur.ReviewType = seeded.ReviewType
		}
		if cur.DescriptionFormat == "" {
			cur.DescriptionFormat = seeded.DescriptionFormat
		}
		if ref != nil && ref.Terms.DefaultID != "" && !containsString(cur.Terms, ref.Terms.DefaultID) {
			cur.Terms = append([]string{ref.Terms.DefaultID}, cur.Terms...)
		}
	})
	s.snapshot = &Snapshot{Challenge: resp}
	s.lastSaved = s.clock.Now()
	cp := s.checkpointLocked()
	s.mu.Unlock()

	span.SetAttributes(attribute.String("challenge.id", resp.ID))
	span.SetStatus(codes.Ok, "")
	s.logger.Info().Str("challenge_id", resp.ID).Msg("challenge created")
	s.observeCommit(StatusNew, OutcomeSuccess, time.Since(start))
	s.saveCheckpoint(ctx, cp)
	s.emit(Event{Type: EventCreated, Message: resp.ID, Level: "info"})
	return resp, nil
}

func seedNewChallenge(d Draft, ref *ReferenceData, now time.Time) (Draft, error) {
	out := d.Clone()
	out.Status = StatusNew
	t, ok := ref.Template(out.TimelineTemplateID)
	if !ok {
		var err error
		if t, err = DefaultTemplate(ref, out.TypeID); err != nil {
			return Draft{}, err
		}
	}
	out.TimelineTemplateID = t.ID
	if len(out.Phases) == 0 || !ok {
		out.Phases = PhasesFor(t, ref.Phases)
	}
	if out.StartDate.IsZero() {
		out.StartDate = now.Add(24 * time.Hour).UTC()
	}
	if out.ReviewType == "" {
		out.ReviewType = ReviewTypeCommunity
	}
	if out.DescriptionFormat == "" {
		out.DescriptionFormat = DescriptionFormatMarkdown
	}
	if ref.Terms.DefaultID != "" && !containsString(out.Terms, ref.Terms.DefaultID) {
		out.Terms = append([]string{ref.Terms.DefaultID}, out.Terms...)
	}
	return out, nil
}

// Hydrate replaces the draft with a server record. Hydrating the challenge that is
// already being edited is a no-op. On failure the session enters the load-failed state
// and the previous draft is kept as it was.
func (s *Session) Hydrate(c Challenge, resources []ResourceAssignment) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if c.ID != "" && c.ID == s.store.draft.ID && s.snapshot != nil && !s.loadFailed {
		s.mu.Unlock()
		return nil
	}
	ref := s.ref.Reference()
	d, copilot, reviewer, err := hydrateDraft(c, resources, ref)
	if err != nil {
		herr := NewHydrationError("Unable to load the challenge", err).WithDetail("challengeId", c.ID)
		s.err = herr
		s.loadFailed = true
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("challenge_id", c.ID).Msg("hydration failed")
		s.emit(Event{Type: EventLoadFailed, Message: herr.Error(), Level: "error"})
		return herr
	}
	s.store.Replace(d)
	s.scheduler.Reset()
	s.snapshot = &Snapshot{Challenge: c, Copilot: copilot, Reviewer: reviewer}
	s.err = nil
	s.loadFailed = false
	s.notices = nil
	s.lastSaved = time.Time{}
	s.mu.Unlock()

	s.logger.Debug().Str("challenge_id", c.ID).Msg("draft hydrated")
	s.emit(Event{Type: EventHydrated, Message: c.ID, Level: "info"})
	return nil
}

func hydrateDraft(c Challenge, resources []ResourceAssignment, ref *ReferenceData) (Draft, string, string, error) {
	if c.ID == "" {
		return Draft{}, "", "", errors.New("challenge has no id")
	}
	if c.Status != "" {
		if err := c.Status.Validate(); err != nil {
			return Draft{}, "", "", err
		}
	}
	for _, m := range c.Metadata {
		if m.Name == MetadataSubmissionLimit {
			if _, err := ParseSubmissionLimit(m.Value); err != nil {
				return Draft{}, "", "", fmt.Errorf("submission limit: %w", err)
			}
		}
	}
	var copilot, reviewer string
	for _, a := range resources {
		name, ok := ref.RoleName(a.RoleID)
		if !ok {
			continue
		}
		switch {
		case name == RoleCopilot && copilot == "":
			copilot = a.MemberHandle
		case name == RoleReviewer && reviewer == "":
			reviewer = a.MemberHandle
		}
	}

	d := MergeWithDefaults(FromChallenge(c, copilot, reviewer), NewDraftDefaults(ref))
	d.AdvancedSettings = len(d.Groups) > 0
	if len(d.Phases) == 0 {
		if t, ok := HydrationTemplate(ref, d.TimelineTemplateID); ok {
			d.TimelineTemplateID = t.ID
			d.Phases = PhasesFor(t, ref.Phases)
		}
	}
	return d, copilot, reviewer, nil
}

// Load fetches a challenge and its resources and hydrates the draft from them.
func (s *Session) Load(ctx context.Context, id string) error {
	if s.reader == nil {
		return NewPermanentError("no challenge reader configured", nil).WithOperation("load")
	}
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	c, err := s.reader.GetChallenge(ctx, id)
	var resources []ResourceAssignment
	if err == nil {
		resources, err = s.reader.ListResources(ctx, id)
	}

	s.mu.Lock()
	s.loading = false
	if err != nil {
		herr := NewHydrationError("Unable to load the challenge", err).WithDetail("challengeId", id)
		s.err = herr
		s.loadFailed = true
		s.mu.Unlock()
		s.emit(Event{Type: EventLoadFailed, Message: herr.Error(), Level: "error"})
		return herr
	}
	s.mu.Unlock()
	return s.Hydrate(c, resources)
}

func (s *Session) checkpointLocked() *Checkpoint {
	if s.checkpointer == nil {
		return nil
	}
	cp := &Checkpoint{
		SessionID:   s.id,
		ChallengeID: s.store.draft.ID,
		Draft:       s.store.Draft(),
		LastSaved:   s.lastSaved,
		UpdatedAt:   s.clock.Now(),
	}
	if s.snapshot != nil {
		snap := *s.snapshot
		cp.Snapshot = &snap
	}
	return cp
}

func (s *Session) saveCheckpoint(ctx context.Context, cp *Checkpoint) {
	if cp == nil {
		return
	}
	if err := s.checkpointer.SaveCheckpoint(ctx, *cp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to save checkpoint")
	}
}

func (s *Session) emit(events ...Event) {
	if s.publisher == nil {
		return
	}
	now := s.clock.Now()
	for _, e := range events {
		e.SessionID = s.id
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if err := s.publisher.Publish(e); err != nil {
			s.logger.Debug().Err(err).Str("event", string(e.Type)).Msg("failed to publish event")
		}
	}
}

func (s *Session) observePatch(key string, outcome Outcome, d time.Duration) {
	if s.observer != nil {
		s.observer.ObservePatch(key, outcome, d)
	}
}

func (s *Session) observeCommit(status Status, outcome Outcome, d time.Duration) {
	if s.observer != nil {
		s.observer.ObserveCommit(status, outcome, d)
	}
}

func (s *Session) observeValidation(check string, ready bool) {
	if s.observer != nil {
		s.observer.ObserveValidation(check, ready)
	}
}
