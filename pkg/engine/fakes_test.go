package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testReference() *ReferenceData {
	return &ReferenceData{
		Phases: []PhaseDefinition{
			{ID: "ph-reg", Name: "Registration", Duration: 72},
			{ID: "ph-sub", Name: "Submission", Duration: 120},
			{ID: "ph-rev", Name: "Review", Duration: 48},
			{ID: "ph-app", Name: "Appeals", Duration: 24},
		},
		Templates: []TimelineTemplate{
			{ID: "tpl-dev", Name: TemplateStandardDevelopment, Phases: []TemplatePhase{
				{PhaseID: "ph-reg"}, {PhaseID: "ph-sub"}, {PhaseID: "ph-rev"}, {PhaseID: "ph-app"},
			}},
			{ID: "tpl-code", Name: TemplateStandardCode, Phases: []TemplatePhase{
				{PhaseID: "ph-reg"}, {PhaseID: "ph-sub"},
			}},
			{ID: "tpl-design", Name: "Design", Phases: []TemplatePhase{
				{PhaseID: "ph-sub"}, {PhaseID: "ph-reg"}, {PhaseID: "ph-missing"},
			}},
		},
		Types: []ChallengeType{
			{ID: "challenge", Name: "Challenge"},
			{ID: "task", Name: "Task"},
			{ID: "marathon", Name: "Marathon Match"},
		},
		Tracks: []Track{
			{ID: "design", Name: "Design"},
			{ID: "development", Name: "Development"},
		},
		Timelines: []ChallengeTimeline{
			{TypeID: "challenge", TimelineTemplateID: "tpl-design"},
			{TypeID: "challenge", TimelineTemplateID: "tpl-dev"},
			{TypeID: "task", TimelineTemplateID: "tpl-code"},
		},
		Roles: []ResourceRole{
			{ID: "role-copilot", Name: RoleCopilot},
			{ID: "role-reviewer", Name: RoleReviewer},
		},
		Terms: TermConfig{DefaultID: "term-default", NDAID: "term-nda"},
	}
}

func existingChallenge() Challenge {
	return Challenge{
		ID:          "ch-1",
		Name:        "Logo Design",
		TrackID:     "design",
		TypeID:      "challenge",
		Description: "Design a logo",
		Tags:        []string{"logo"},
		PrizeSets: []WirePrizeSet{
			{Type: PrizeSetChallenge, Prizes: []WirePrize{{Type: DefaultCurrency, Value: 500}, {Type: DefaultCurrency, Value: 200}}},
		},
		Phases: []Phase{
			{PhaseID: "ph-reg", Duration: 72}, {PhaseID: "ph-sub", Duration: 120},
			{PhaseID: "ph-rev", Duration: 48}, {PhaseID: "ph-app", Duration: 24},
		},
		Groups:             []string{},
		Terms:              []string{"term-default"},
		TimelineTemplateID: "tpl-dev",
		Status:             StatusDraft,
		Legacy:             Legacy{ReviewType: ReviewTypeCommunity},
	}
}

type patchCall struct {
	ID    string
	Patch Patch
}

// fakeChallenges is an in-memory persistence service.
type fakeChallenges struct {
	mu      sync.Mutex
	stored  map[string]Challenge
	creates []Challenge
	updates []Challenge
	patches []patchCall
	nextID  int

	createErr error
	updateErr error
	patchErr  func(p Patch) error

	// when set, UpdateChallenge signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func newFakeChallenges(seed ...Challenge) *fakeChallenges {
	f := &fakeChallenges{stored: make(map[string]Challenge)}
	for _, c := range seed {
		f.stored[c.ID] = c
	}
	return f
}

func (f *fakeChallenges) CreateChallenge(_ context.Context, payload Challenge) (Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, payload)
	if f.createErr != nil {
		return Challenge{}, f.createErr
	}
	f.nextID++
	payload.ID = fmt.Sprintf("new-%d", f.nextID)
	f.stored[payload.ID] = payload
	return payload, nil
}

func (f *fakeChallenges) UpdateChallenge(_ context.Context, id string, payload Challenge) (Challenge, error) {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, payload)
	if f.updateErr != nil {
		return Challenge{}, f.updateErr
	}
	payload.ID = id
	f.stored[id] = payload
	return payload, nil
}

func (f *fakeChallenges) PatchChallenge(_ context.Context, id string, p Patch) (Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patchCall{ID: id, Patch: p})
	if f.patchErr != nil {
		if err := f.patchErr(p); err != nil {
			return Challenge{}, err
		}
	}
	merged, err := mergePatch(f.stored[id], p)
	if err != nil {
		return Challenge{}, err
	}
	merged.ID = id
	f.stored[id] = merged
	return merged, nil
}

func (f *fakeChallenges) GetChallenge(_ context.Context, id string) (Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.stored[id]
	if !ok {
		return Challenge{}, fmt.Errorf("challenge %s not found", id)
	}
	return c, nil
}

func (f *fakeChallenges) patchKeys() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, 0, len(f.patches))
	for _, p := range f.patches {
		out = append(out, p.Patch.Keys())
	}
	return out
}

func (f *fakeChallenges) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func mergePatch(base Challenge, p Patch) (Challenge, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return Challenge{}, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Challenge{}, err
	}
	for k, v := range p {
		b, err := json.Marshal(v)
		if err != nil {
			return Challenge{}, err
		}
		fields[k] = b
	}
	raw, err = json.Marshal(fields)
	if err != nil {
		return Challenge{}, err
	}
	var out Challenge
	err = json.Unmarshal(raw, &out)
	return out, err
}

// fakeResources records resource calls in order.
type fakeResources struct {
	mu          sync.Mutex
	calls       []string
	assignments []ResourceAssignment
	deleteErr   error
	createErr   error
}

func (f *fakeResources) CreateResource(_ context.Context, a ResourceAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("create %s %s", a.RoleID, a.MemberHandle))
	return f.createErr
}

func (f *fakeResources) DeleteResource(_ context.Context, a ResourceAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete %s %s", a.RoleID, a.MemberHandle))
	return f.deleteErr
}

func (f *fakeResources) ListResources(_ context.Context, challengeID string) ([]ResourceAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ResourceAssignment
	for _, a := range f.assignments {
		if a.ChallengeID == challengeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeResources) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// reader combines the fakes into a ChallengeReader.
type reader struct {
	*fakeChallenges
	res *fakeResources
}

func (r reader) ListResources(ctx context.Context, id string) ([]ResourceAssignment, error) {
	return r.res.ListResources(ctx, id)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(e Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	session    *Session
	challenges *fakeChallenges
	resources  *fakeResources
	clock      *ManualClock
	events     *recordingPublisher
}

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, opts ...SessionOption) *testEnv {
	t.Helper()
	env := &testEnv{
		challenges: newFakeChallenges(existingChallenge()),
		resources:  &fakeResources{},
		clock:      NewManualClock(testStart),
		events:     &recordingPublisher{},
	}
	base := []SessionOption{
		WithClock(env.clock),
		WithEventPublisher(env.events),
		WithChallengeReader(reader{env.challenges, env.resources}),
	}
	env.session = NewSession(StaticReference{Data: testReference()}, env.challenges, env.resources, append(base, opts...)...)
	return env
}

// hydrated returns an env editing existingChallenge with the given assignments.
func hydrated(t *testing.T, assignments ...ResourceAssignment) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.resources.assignments = assignments
	if err := env.session.Load(context.Background(), "ch-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	return env
}

// settle advances past the quiet interval and runs one tick.
func (e *testEnv) settle() int {
	e.clock.Advance(DefaultQuietInterval)
	return e.session.Tick(context.Background())
}
