package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// ErrSessionNotFound is returned for an unknown or ended session id.
var ErrSessionNotFound = errors.New("session not found")

// SessionFactory builds a session with the given id, wired to its collaborators.
type SessionFactory func(id string) *engine.Session

// SessionGauge records the number of open sessions.
type SessionGauge interface {
	SetActiveSessions(count int)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTickInterval sets how often each session's due patches are sent.
func WithTickInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.tick = d }
}

// WithSessionGauge reports the open session count after every change.
func WithSessionGauge(g SessionGauge) RegistryOption {
	return func(r *Registry) { r.gauge = g }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// SessionInfo describes an open session.
type SessionInfo struct {
	ID          string    `json:"id"`
	ChallengeID string    `json:"challengeId,omitempty"`
	OpenedAt    time.Time `json:"openedAt"`
}

type registryEntry struct {
	session  *engine.Session
	openedAt time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// Registry owns the open editing sessions and drives their schedulers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*registryEntry
	factory  SessionFactory
	tick     time.Duration
	gauge    SessionGauge
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(factory SessionFactory, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*registryEntry),
		factory:  factory,
		tick:     500 * time.Millisecond,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open starts a session. With a challenge id the challenge is loaded first and
// a load failure aborts the open; without one the session edits a new draft.
func (r *Registry) Open(ctx context.Context, challengeID string) (*engine.Session, error) {
	id := uuid.New().String()
	s := r.factory(id)

	if challengeID != "" {
		if err := s.Load(ctx, challengeID); err != nil {
			s.Close()
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &registryEntry{
		session:  s,
		openedAt: time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		_ = s.Run(runCtx, r.tick)
	}()

	r.mu.Lock()
	r.sessions[id] = e
	count := len(r.sessions)
	r.mu.Unlock()

	r.report(count)
	r.logger.Info().Str("session_id", id).Str("challenge_id", challengeID).Msg("session opened")
	return s, nil
}

// Get returns an open session.
func (r *Registry) Get(id string) (*engine.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// List describes the open sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	entries := make([]*registryEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		out = append(out, SessionInfo{
			ID:          e.session.ID(),
			ChallengeID: e.session.ChallengeID(),
			OpenedAt:    e.openedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close ends a session. With flush its pending patches are sent first;
// otherwise they are discarded with the draft.
func (r *Registry) Close(ctx context.Context, id string, flush bool) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	r.stop(ctx, e, flush)
	r.report(count)
	r.logger.Info().Str("session_id", id).Bool("flushed", flush).Msg("session closed")
	return nil
}

// Shutdown flushes and closes every session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := r.sessions
	r.sessions = make(map[string]*registryEntry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *registryEntry) {
			defer wg.Done()
			r.stop(ctx, e, true)
		}(e)
	}
	wg.Wait()
	r.report(0)
}

func (r *Registry) stop(ctx context.Context, e *registryEntry, flush bool) {
	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
	}
	if flush {
		if n := e.session.Flush(ctx); n > 0 {
			r.logger.Debug().Str("session_id", e.session.ID()).Int("patches", n).Msg("flushed pending patches")
		}
	}
	e.session.Close()
}

func (r *Registry) report(count int) {
	if r.gauge != nil {
		r.gauge.SetActiveSessions(count)
	}
}
