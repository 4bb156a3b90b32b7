package engine

import (
	"sort"
	"time"
)

// DefaultQuietInterval is how long a field must stay unchanged before its patch is sent.
const DefaultQuietInterval = 3 * time.Second

// SyncScheduler debounces partial patches per sync key. It is a pure state machine:
// time only moves through the now arguments, and it performs no I/O.
//
//	Idle --Touch--> Pending --Due (quiet interval elapsed)--> InFlight --Complete--> Idle
//
// A key touched while in flight is re-queued when its patch completes, so a newer edit
// always produces a newer patch and never overlaps the older one.
type SyncScheduler struct {
	// quiet is the debounce window
	quiet time.Duration

	// keys holds the per-key state; idle keys are removed
	keys map[string]*keySync
}

type keySync struct {
	state    SyncState
	deadline time.Time

	// dirty marks a key touched while its patch was in flight
	dirty         bool
	dirtyDeadline time.Time
}

// NewSyncScheduler creates a scheduler with the given quiet interval.
func NewSyncScheduler(quiet time.Duration) *SyncScheduler {
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}
	return &SyncScheduler{
		quiet: quiet,
		keys:  make(map[string]*keySync),
	}
}

// QuietInterval returns the debounce window.
func (s *SyncScheduler) QuietInterval() time.Duration {
	return s.quiet
}

// Touch records a change to key at now. A pending key has its deadline pushed back.
func (s *SyncScheduler) Touch(key string, now time.Time) {
	ks, ok := s.keys[key]
	if !ok {
		s.keys[key] = &keySync{state: SyncPending, deadline: now.Add(s.quiet)}
		return
	}
	switch ks.state {
	case SyncInFlight:
		ks.dirty = true
		ks.dirtyDeadline = now.Add(s.quiet)
	default:
		ks.state = SyncPending
		ks.deadline = now.Add(s.quiet)
	}
}

// Due moves every pending key whose quiet interval has elapsed at now to InFlight and
// returns them ordered by deadline.
func (s *SyncScheduler) Due(now time.Time) []string {
	return s.take(func(ks *keySync) bool { return !ks.deadline.After(now) })
}

// Flush moves every pending key to InFlight regardless of its deadline.
func (s *SyncScheduler) Flush() []string {
	return s.take(func(*keySync) bool { return true })
}

func (s *SyncScheduler) take(ready func(*keySync) bool) []string {
	var due []string
	for key, ks := range s.keys {
		if ks.state == SyncPending && ready(ks) {
			due = append(due, key)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		di, dj := s.keys[due[i]].deadline, s.keys[due[j]].deadline
		if di.Equal(dj) {
			return due[i] < due[j]
		}
		return di.Before(dj)
	})
	for _, key := range due {
		s.keys[key].state = SyncInFlight
	}
	return due
}

// Complete ends the in-flight patch for key. The key returns to Idle, or to Pending when
// it was touched while the patch was in flight. Success or failure does not matter:
// failed patches are not retried.
func (s *SyncScheduler) Complete(key string) {
	ks, ok := s.keys[key]
	if !ok || ks.state != SyncInFlight {
		return
	}
	if ks.dirty {
		ks.state = SyncPending
		ks.deadline = ks.dirtyDeadline
		ks.dirty = false
		return
	}
	delete(s.keys, key)
}

// Discard drops a pending key without sending it. In-flight keys are left alone.
func (s *SyncScheduler) Discard(key string) {
	if ks, ok := s.keys[key]; ok && ks.state == SyncPending {
		delete(s.keys, key)
	}
}

// Reset drops every key. In-flight patches that complete later are ignored.
func (s *SyncScheduler) Reset() {
	s.keys = make(map[string]*keySync)
}

// State returns the state of key.
func (s *SyncScheduler) State(key string) SyncState {
	if ks, ok := s.keys[key]; ok {
		return ks.state
	}
	return SyncIdle
}

// Pending returns the pending keys in sorted order.
func (s *SyncScheduler) Pending() []string {
	return s.keysIn(SyncPending)
}

// InFlight returns the in-flight keys in sorted order.
func (s *SyncScheduler) InFlight() []string {
	return s.keysIn(SyncInFlight)
}

func (s *SyncScheduler) keysIn(state SyncState) []string {
	var out []string
	for key, ks := range s.keys {
		if ks.state == state {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// NextDeadline returns the earliest deadline among pending keys.
func (s *SyncScheduler) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, ks := range s.keys {
		if ks.state != SyncPending {
			continue
		}
		if !found || ks.deadline.Before(next) {
			next = ks.deadline
			found = true
		}
	}
	return next, found
}
