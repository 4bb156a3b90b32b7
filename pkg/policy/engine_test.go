package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/draftsync/pkg/engine"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var _ engine.CommitPolicy = (*Engine)(nil)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop(), WithClock(engine.NewManualClock(testNow)))
	require.NoError(t, err)
	return e
}

func prizes(typ string, values ...int) engine.WirePrizeSet {
	set := engine.WirePrizeSet{Type: typ}
	for _, v := range values {
		set.Prizes = append(set.Prizes, engine.WirePrize{Type: engine.DefaultCurrency, Value: v})
	}
	return set
}

func validChallenge() engine.Challenge {
	start := testNow.Add(48 * time.Hour)
	return engine.Challenge{
		ID:      "c-1",
		Name:    "Build the widget",
		TrackID: "dev",
		TypeID:  "challenge",
		Phases: []engine.Phase{
			{PhaseID: "reg", Duration: 72},
			{PhaseID: "sub", Duration: 120},
		},
		PrizeSets: []engine.WirePrizeSet{
			prizes(engine.PrizeSetChallenge, 500, 200),
			prizes(engine.PrizeSetCopilot, 150),
		},
		Terms:     []string{"t-std"},
		StartDate: &start,
	}
}

func policiesOf(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Policy)
	}
	return out
}

func TestEngine_Builtins(t *testing.T) {
	e := newTestEngine(t)

	var names []string
	for _, p := range e.ListPolicies() {
		names = append(names, p.Name)
		assert.True(t, p.Enabled, p.Name)
	}
	assert.Equal(t, []string{
		"copilot-budget",
		"known-track",
		"launch-start-date",
		"launch-terms",
		"phase-durations",
		"prize-ordering",
	}, names)

	p, err := e.GetPolicy("launch-terms")
	require.NoError(t, err)
	assert.Equal(t, []engine.Status{engine.StatusActive}, p.Statuses)

	_, err = e.GetPolicy("missing")
	assert.Error(t, err)
}

func TestEngine_EvaluateCommit(t *testing.T) {
	tests := []struct {
		name     string
		status   engine.Status
		mutate   func(*engine.Challenge)
		deniedBy []string
	}{
		{
			name:   "valid launch",
			status: engine.StatusActive,
			mutate: func(*engine.Challenge) {},
		},
		{
			name:     "zero duration phase",
			status:   engine.StatusDraft,
			mutate:   func(c *engine.Challenge) { c.Phases[1].Duration = 0 },
			deniedBy: []string{"phase-durations"},
		},
		{
			name:     "launch without phases",
			status:   engine.StatusActive,
			mutate:   func(c *engine.Challenge) { c.Phases = nil },
			deniedBy: []string{"phase-durations"},
		},
		{
			name:   "draft without phases",
			status: engine.StatusDraft,
			mutate: func(c *engine.Challenge) { c.Phases = nil },
		},
		{
			name:     "launch without terms",
			status:   engine.StatusActive,
			mutate:   func(c *engine.Challenge) { c.Terms = nil },
			deniedBy: []string{"launch-terms"},
		},
		{
			name:   "draft without terms",
			status: engine.StatusDraft,
			mutate: func(c *engine.Challenge) { c.Terms = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			c := validChallenge()
			tt.mutate(&c)

			err := e.EvaluateCommit(context.Background(), tt.status, c)
			if len(tt.deniedBy) == 0 {
				assert.NoError(t, err)
				return
			}
			var denied *DeniedError
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, tt.status, denied.Status)
			assert.Equal(t, tt.deniedBy, policiesOf(denied.Violations))
			assert.ErrorContains(t, err, "commit denied")
		})
	}
}

func TestEngine_Warnings(t *testing.T) {
	e := newTestEngine(t)
	c := validChallenge()
	past := testNow.Add(-time.Hour)
	c.StartDate = &past
	c.PrizeSets = []engine.WirePrizeSet{
		prizes(engine.PrizeSetChallenge, 100, 300),
		prizes(engine.PrizeSetCopilot, 1000),
	}

	result, err := e.Evaluate(context.Background(), engine.StatusActive, c)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Violations)
	assert.ElementsMatch(t, []string{"copilot-budget", "launch-start-date", "prize-ordering"}, policiesOf(result.Warnings))
	for _, w := range result.Warnings {
		assert.Equal(t, SeverityWarning, w.Severity)
		assert.NotEmpty(t, w.Field)
	}
	assert.Equal(t, testNow, result.EvaluatedAt)

	// the start date policy only applies to launches
	result, err = e.Evaluate(context.Background(), engine.StatusDraft, c)
	require.NoError(t, err)
	assert.NotContains(t, result.Evaluated, "launch-start-date")
	assert.NoError(t, e.EvaluateCommit(context.Background(), engine.StatusActive, c))
}

type countingRecorder struct {
	counts map[string]int
}

func (r *countingRecorder) RecordPolicyViolation(policy, severity string) {
	r.counts[policy+"/"+severity]++
}

func TestEngine_ViolationRecorder(t *testing.T) {
	rec := &countingRecorder{counts: map[string]int{}}
	e, err := NewEngine(zerolog.Nop(), WithClock(engine.NewManualClock(testNow)), WithViolationRecorder(rec))
	require.NoError(t, err)

	c := validChallenge()
	c.PrizeSets = []engine.WirePrizeSet{prizes(engine.PrizeSetChallenge, 100, 300)}

	_, err = e.Evaluate(context.Background(), engine.StatusDraft, c)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"prize-ordering/warning": 1}, rec.counts)
}

func TestEngine_SetReference(t *testing.T) {
	e := newTestEngine(t)
	c := validChallenge()
	c.TrackID = "unknown"

	require.NoError(t, e.EvaluateCommit(context.Background(), engine.StatusDraft, c))

	ref := &engine.ReferenceData{Tracks: []engine.Track{{ID: "dev", Name: "Development"}}}
	require.NoError(t, e.SetReference(context.Background(), ref))

	err := e.EvaluateCommit(context.Background(), engine.StatusDraft, c)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, []string{"known-track"}, policiesOf(denied.Violations))
	assert.Equal(t, "trackId", denied.Violations[0].Field)

	c.TrackID = "dev"
	assert.NoError(t, e.EvaluateCommit(context.Background(), engine.StatusDraft, c))
}

func TestEngine_DisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	c := validChallenge()
	c.Terms = nil

	require.NoError(t, e.DisablePolicy("launch-terms"))
	assert.NoError(t, e.EvaluateCommit(context.Background(), engine.StatusActive, c))

	require.NoError(t, e.EnablePolicy("launch-terms"))
	assert.Error(t, e.EvaluateCommit(context.Background(), engine.StatusActive, c))

	assert.Error(t, e.DisablePolicy("missing"))
}

const launchNameRego = `# Launched challenges may not be named after tests.
# severity: error
# statuses: Active
package custom.naming

import rego.v1

deny contains violation if {
	contains(lower(input.challenge.name), "test")
	violation := {"message": "challenge name looks like a test", "field": "name"}
}
`

func TestEngine_LoadPolicies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "launch-name.rego"), []byte(launchNameRego), 0o644))
	// replaces the built-in of the same name
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phase-durations.rego"),
		[]byte("package custom.phases\n\nimport rego.v1\n\ndeny contains \"never\" if { false }\n"), 0o644))

	e := newTestEngine(t)
	require.NoError(t, e.LoadPolicies(context.Background(), []string{dir}))
	assert.Len(t, e.ListPolicies(), 7)

	c := validChallenge()
	c.Name = "Test run"
	c.Phases[0].Duration = 0

	assert.NoError(t, e.EvaluateCommit(context.Background(), engine.StatusDraft, c))

	err := e.EvaluateCommit(context.Background(), engine.StatusActive, c)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Len(t, denied.Violations, 1)
	assert.Equal(t, Violation{
		Policy:   "launch-name",
		Message:  "challenge name looks like a test",
		Severity: SeverityError,
		Field:    "name",
	}, denied.Violations[0])
}

func TestEngine_LoadFailureKeepsPolicies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.rego"), []byte(launchNameRego), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains"), 0o644))

	e := newTestEngine(t)
	before := e.ListPolicies()

	require.Error(t, e.LoadPolicies(context.Background(), []string{dir}))
	assert.Equal(t, before, e.ListPolicies())
}

func TestEngine_ReloadPolicies(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t)
	require.NoError(t, e.LoadPolicies(context.Background(), []string{dir}))
	require.NoError(t, e.DisablePolicy("prize-ordering"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "launch-name.rego"), []byte(launchNameRego), 0o644))
	require.NoError(t, e.ReloadPolicies(context.Background()))

	_, err := e.GetPolicy("launch-name")
	assert.NoError(t, err)
	p, err := e.GetPolicy("prize-ordering")
	require.NoError(t, err)
	assert.False(t, p.Enabled)
}

func TestEngine_Watch(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t)
	e.loader.reloadDelay = 20 * time.Millisecond
	require.NoError(t, e.LoadPolicies(context.Background(), []string{dir}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Watch(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "launch-name.rego"), []byte(launchNameRego), 0o644))

	c := validChallenge()
	c.Name = "test"
	assert.Eventually(t, func() bool {
		return e.EvaluateCommit(context.Background(), engine.StatusActive, c) != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngine_WatchWithoutPaths(t *testing.T) {
	assert.NoError(t, newTestEngine(t).Watch(context.Background()))
}
