package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/draftsync/pkg/client"
	"github.com/openfroyo/draftsync/pkg/config"
	"github.com/openfroyo/draftsync/pkg/engine"
	"github.com/openfroyo/draftsync/pkg/stores"
	"github.com/openfroyo/draftsync/pkg/telemetry"
)

func testReference() *engine.ReferenceData {
	return &engine.ReferenceData{
		Phases: []engine.PhaseDefinition{
			{ID: "ph-reg", Name: "Registration", Duration: 72},
			{ID: "ph-sub", Name: "Submission", Duration: 120},
			{ID: "ph-rev", Name: "Review", Duration: 48},
		},
		Templates: []engine.TimelineTemplate{
			{ID: "tpl-dev", Name: engine.TemplateStandardDevelopment, Phases: []engine.TemplatePhase{
				{PhaseID: "ph-reg"}, {PhaseID: "ph-sub"}, {PhaseID: "ph-rev"},
			}},
			{ID: "tpl-code", Name: engine.TemplateStandardCode, Phases: []engine.TemplatePhase{
				{PhaseID: "ph-reg"}, {PhaseID: "ph-sub"},
			}},
		},
		Types: []engine.ChallengeType{
			{ID: "challenge", Name: "Challenge"},
			{ID: "task", Name: "Task"},
		},
		Tracks: []engine.Track{
			{ID: "development", Name: "Development"},
		},
		Timelines: []engine.ChallengeTimeline{
			{TypeID: "challenge", TimelineTemplateID: "tpl-dev"},
			{TypeID: "task", TimelineTemplateID: "tpl-code"},
		},
		Roles: []engine.ResourceRole{
			{ID: "role-copilot", Name: engine.RoleCopilot},
			{ID: "role-reviewer", Name: engine.RoleReviewer},
		},
		Terms: engine.TermConfig{DefaultID: "term-default", NDAID: "term-nda"},
	}
}

// backend is an in-memory challenge and resource service.
type backend struct {
	mu         sync.Mutex
	challenges map[string]engine.Challenge
	patches    []engine.Patch
	created    int
}

func newBackend() *backend {
	return &backend{challenges: map[string]engine.Challenge{
		"ch-1": {
			ID:      "ch-1",
			Name:    "API hardening",
			TrackID: "development",
			TypeID:  "challenge",
			Tags:    []string{"go"},
			PrizeSets: []engine.WirePrizeSet{
				{Type: engine.PrizeSetChallenge, Prizes: []engine.WirePrize{{Type: engine.DefaultCurrency, Value: 500}}},
			},
			Phases:             []engine.Phase{{PhaseID: "ph-reg", Duration: 72}, {PhaseID: "ph-sub", Duration: 120}, {PhaseID: "ph-rev", Duration: 48}},
			Groups:             []string{},
			Terms:              []string{"term-default"},
			TimelineTemplateID: "tpl-dev",
			Status:             engine.StatusDraft,
			Legacy:             engine.Legacy{ReviewType: engine.ReviewTypeCommunity},
		},
	}}
}

func (b *backend) CreateChallenge(_ context.Context, payload engine.Challenge) (engine.Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	payload.ID = fmt.Sprintf("new-%d", b.created)
	b.challenges[payload.ID] = payload
	return payload, nil
}

func (b *backend) UpdateChallenge(_ context.Context, id string, payload engine.Challenge) (engine.Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload.ID = id
	b.challenges[id] = payload
	return payload, nil
}

func (b *backend) PatchChallenge(_ context.Context, id string, patch engine.Patch) (engine.Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patches = append(b.patches, patch)
	c := b.challenges[id]
	if name, ok := patch["name"].(string); ok {
		c.Name = name
	}
	b.challenges[id] = c
	return c, nil
}

func (b *backend) GetChallenge(_ context.Context, id string) (engine.Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.challenges[id]
	if !ok {
		return engine.Challenge{}, &client.APIError{StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: "challenge not found"}
	}
	return c, nil
}

func (b *backend) ListResources(context.Context, string) ([]engine.ResourceAssignment, error) {
	return nil, nil
}

func (b *backend) CreateResource(context.Context, engine.ResourceAssignment) error { return nil }

func (b *backend) DeleteResource(context.Context, engine.ResourceAssignment) error { return nil }

func (b *backend) patchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.patches)
}

type gauge struct {
	mu    sync.Mutex
	count int
}

func (g *gauge) SetActiveSessions(n int) {
	g.mu.Lock()
	g.count = n
	g.mu.Unlock()
}

func (g *gauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

type harness struct {
	srv     *httptest.Server
	backend *backend
	gauge   *gauge
	reg     *Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)

	b := newBackend()
	g := &gauge{}
	ref := engine.StaticReference{Data: testReference()}

	reg := NewRegistry(func(id string) *engine.Session {
		return engine.NewSession(ref, b, b,
			engine.WithSessionID(id),
			engine.WithChallengeReader(b),
			engine.WithEventPublisher(events),
			// patches only go out through the flush endpoint
			engine.WithQuietInterval(time.Hour),
		)
	}, WithTickInterval(10*time.Millisecond), WithSessionGauge(g))

	cfg := config.Default().Server
	opts = append([]Option{WithEventSource(events)}, opts...)
	s := NewServer(cfg, reg, ref, opts...)

	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		reg.Shutdown(context.Background())
	})
	return &harness{srv: srv, backend: b, gauge: g, reg: reg}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func (h *harness) call(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (h *harness) open(t *testing.T, challengeID string) engine.State {
	t.Helper()
	status, env := h.call(t, http.MethodPost, "/api/v1/sessions", map[string]string{"challengeId": challengeID})
	require.Equal(t, http.StatusCreated, status, "open session: %+v", env.Error)
	return decodeData[engine.State](t, env)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	status, env := h.call(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, _ = h.call(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)

	st := h.open(t, "ch-1")
	assert.Equal(t, "API hardening", st.Draft.Name)
	assert.Equal(t, "ch-1", st.Draft.ID)
	assert.Equal(t, 1, h.gauge.value())

	base := "/api/v1/sessions/" + st.SessionID

	status, env := h.call(t, http.MethodPost, base+"/mutations", mutationRequest{Op: "scalar", Field: "name", Value: "Renamed"})
	require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	after := decodeData[engine.State](t, env)
	assert.Equal(t, "Renamed", after.Draft.Name)
	assert.Contains(t, after.Pending, "name")

	status, env = h.call(t, http.MethodPost, base+"/flush", nil)
	require.Equal(t, http.StatusOK, status)
	flushed := decodeData[flushResponse](t, env)
	assert.Equal(t, 1, flushed.Sent)
	assert.Empty(t, flushed.State.Pending)
	assert.Equal(t, 1, h.backend.patchCount())

	status, env = h.call(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	infos := decodeData[[]SessionInfo](t, env)
	require.Len(t, infos, 1)
	assert.Equal(t, "ch-1", infos[0].ChallengeID)

	status, _ = h.call(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, h.gauge.value())

	status, env = h.call(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SESSION_NOT_FOUND", env.Error.Code)
}

func TestCloseWithFlush(t *testing.T) {
	h := newHarness(t)
	st := h.open(t, "ch-1")
	base := "/api/v1/sessions/" + st.SessionID

	status, _ := h.call(t, http.MethodPost, base+"/mutations", mutationRequest{Op: "scalar", Field: "name", Value: "Kept"})
	require.Equal(t, http.StatusOK, status)

	status, _ = h.call(t, http.MethodDelete, base+"?flush=true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, h.backend.patchCount())
}

func TestOpenUnknownChallenge(t *testing.T) {
	h := newHarness(t)

	status, env := h.call(t, http.MethodPost, "/api/v1/sessions", map[string]string{"challengeId": "missing"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, env.Success)
	assert.Equal(t, 0, h.reg.Len())
}

func TestMutationErrors(t *testing.T) {
	h := newHarness(t)
	st := h.open(t, "ch-1")
	base := "/api/v1/sessions/" + st.SessionID

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unsupported op", base + "/mutations", map[string]string{"op": "explode"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown body field", base + "/mutations", map[string]string{"op": "scalar", "bogus": "x"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"negative index", base + "/mutations", map[string]interface{}{"op": "remove", "field": "tags", "index": -1}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"prize sets missing", base + "/mutations", map[string]string{"op": "prize-sets"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", base + "/mutations", mutationRequest{Op: "scalar", Field: "colour", Value: "red"}, http.StatusUnprocessableEntity, engine.ErrCodeUnknownField},
		{"unknown session", "/api/v1/sessions/nope/mutations", mutationRequest{Op: "toggle-nda"}, http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"bad status", base + "/commit", map[string]string{"status": "Archived"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing status", base + "/commit", map[string]string{}, http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := h.call(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestCreateAndCommit(t *testing.T) {
	h := newHarness(t)
	st := h.open(t, "")
	assert.Empty(t, st.Draft.ID)
	base := "/api/v1/sessions/" + st.SessionID

	// a draft with no name cannot be created
	status, env := h.call(t, http.MethodPost, base+"/create", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, engine.ErrCodeValidation, env.Error.Code)
	assert.Contains(t, env.Error.Details, "reasons")

	for _, m := range []mutationRequest{
		{Op: "scalar", Field: "name", Value: "Payments"},
		{Op: "scalar", Field: "trackId", Value: "development"},
		{Op: "scalar", Field: "typeId", Value: "challenge"},
	} {
		status, env := h.call(t, http.MethodPost, base+"/mutations", m)
		require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	}

	status, env = h.call(t, http.MethodPost, base+"/create", nil)
	require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	created := decodeData[commitResponse](t, env)
	assert.Equal(t, "new-1", created.Challenge.ID)
	assert.Equal(t, "new-1", created.State.Draft.ID)
	assert.Equal(t, "tpl-dev", created.State.Draft.TimelineTemplateID)

	status, env = h.call(t, http.MethodPost, base+"/create", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.ErrCodeTransition, env.Error.Code)

	// launch needs a description, tags and prizes
	status, env = h.call(t, http.MethodPost, base+"/launch", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, engine.ErrCodeValidation, env.Error.Code)

	status, env = h.call(t, http.MethodPost, base+"/commit", commitRequest{Status: engine.StatusDraft})
	require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	committed := decodeData[commitResponse](t, env)
	assert.Equal(t, engine.StatusDraft, committed.State.Draft.Status)

	status, env = h.call(t, http.MethodPost, base+"/commit", commitRequest{Status: engine.StatusNew})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, engine.ErrCodeTransition, env.Error.Code)
}

func TestValidateMarksSubmit(t *testing.T) {
	h := newHarness(t)
	st := h.open(t, "")
	base := "/api/v1/sessions/" + st.SessionID

	status, env := h.call(t, http.MethodPost, base+"/validate", nil)
	require.Equal(t, http.StatusOK, status)
	verdict := decodeData[engine.Verdict](t, env)
	assert.False(t, verdict.Ready)
	assert.NotEmpty(t, verdict.Reasons)

	_, env = h.call(t, http.MethodGet, base, nil)
	assert.True(t, decodeData[engine.State](t, env).Draft.SubmitTriggered)
}

func TestTemplates(t *testing.T) {
	h := newHarness(t)

	status, env := h.call(t, http.MethodGet, "/api/v1/templates?typeId=task", nil)
	require.Equal(t, http.StatusOK, status)
	views := decodeData[[]templateView](t, env)
	require.Len(t, views, 1)
	assert.Equal(t, "tpl-code", views[0].ID)
	assert.Equal(t, []engine.Phase{{PhaseID: "ph-reg", Duration: 72}, {PhaseID: "ph-sub", Duration: 120}}, views[0].Phases)

	_, env = h.call(t, http.MethodGet, "/api/v1/templates", nil)
	assert.Len(t, decodeData[[]templateView](t, env), 2)
}

func TestDraftsRequireStore(t *testing.T) {
	h := newHarness(t)

	status, env := h.call(t, http.MethodGet, "/api/v1/drafts", nil)
	assert.Equal(t, http.StatusNotImplemented, status)
	assert.Equal(t, "STORE_DISABLED", env.Error.Code)
}

func TestDraftsFromStore(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SaveCheckpoint(ctx, engine.Checkpoint{
		SessionID: "s-1",
		Draft:     engine.Draft{ID: "ch-9", Name: "Stored", Status: engine.StatusDraft},
	}))
	require.NoError(t, store.Publish(engine.Event{
		Type: engine.EventPatchSent, SessionID: "s-1", Field: "name", Level: "info", Timestamp: time.Now(),
	}))

	h := newHarness(t, WithStore(store))

	status, env := h.call(t, http.MethodGet, "/api/v1/drafts?limit=10", nil)
	require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	drafts := decodeData[[]stores.CheckpointSummary](t, env)
	require.Len(t, drafts, 1)
	assert.Equal(t, "ch-9", drafts[0].ChallengeID)

	status, env = h.call(t, http.MethodGet, "/api/v1/sessions/s-1/events?type=patch.sent", nil)
	require.Equal(t, http.StatusOK, status)
	events := decodeData[[]stores.SyncEvent](t, env)
	require.Len(t, events, 1)
	assert.Equal(t, engine.EventPatchSent, events[0].Type)

	status, _ = h.call(t, http.MethodGet, "/api/v1/drafts?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func readStream(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStateStream(t *testing.T) {
	h := newHarness(t)
	st := h.open(t, "ch-1")
	base := "/api/v1/sessions/" + st.SessionID

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + base + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	first := readStream(t, conn)
	assert.Equal(t, StreamState, first.Type)
	require.NotNil(t, first.State)
	assert.Equal(t, "API hardening", first.State.Draft.Name)

	status, _ := h.call(t, http.MethodPost, base+"/mutations", mutationRequest{Op: "scalar", Field: "name", Value: "Streamed"})
	require.Equal(t, http.StatusOK, status)

	msg := readStream(t, conn)
	assert.Equal(t, string(engine.EventDraftChanged), msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "name", msg.Event.Field)
	assert.Equal(t, "Streamed", msg.State.Draft.Name)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "refresh"}))
	msg = readStream(t, conn)
	assert.Equal(t, StreamState, msg.Type)
}

func TestStreamUnknownSession(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/v1/sessions/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamFiltersByType(t *testing.T) {
	h := newHarness(t)
	st := h.open(t, "ch-1")
	base := "/api/v1/sessions/" + st.SessionID

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + base + "/ws?level=info&types=patch.sent,%20patch.failed"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, StreamState, readStream(t, conn).Type)

	status, _ := h.call(t, http.MethodPost, base+"/mutations", mutationRequest{Op: "scalar", Field: "name", Value: "Filtered"})
	require.Equal(t, http.StatusOK, status)
	status, _ = h.call(t, http.MethodPost, base+"/flush", nil)
	require.Equal(t, http.StatusOK, status)

	// the draft.changed event of the mutation is not delivered
	msg := readStream(t, conn)
	assert.Equal(t, string(engine.EventPatchSent), msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "name", msg.Event.Field)
}

func TestStreamRejectsUnknownLevel(t *testing.T) {
	h := newHarness(t)
	st := h.open(t, "ch-1")

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/v1/sessions/" + st.SessionID + "/ws?level=loud"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)
	cfg := config.Default().Server
	cfg.AllowedOrigins = []string{"https://editor.example.com"}
	s := NewServer(cfg, NewRegistry(nil), engine.StaticReference{Data: testReference()}, WithEventSource(events))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(req))
	req.Header.Set("Origin", "https://editor.example.com")
	assert.True(t, s.checkOrigin(req))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"session missing", ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"commit in flight", engine.ErrCommitInProgress, http.StatusConflict, engine.ErrCodeCommitInProgress},
		{"not persisted", engine.ErrNotPersisted, http.StatusConflict, engine.ErrCodeNotPersisted},
		{"policy", engine.NewValidationError("denied", nil).WithCode(engine.ErrCodePolicyDenied), http.StatusForbidden, engine.ErrCodePolicyDenied},
		{"validation", engine.NewValidationError("bad", nil), http.StatusUnprocessableEntity, engine.ErrCodeValidation},
		{"commit", engine.NewCommitError("failed", errors.New("boom")), http.StatusBadGateway, "COMMIT_ERROR"},
		{"hydration", engine.NewHydrationError("failed", errors.New("boom")), http.StatusBadGateway, engine.ErrCodeHydration},
		{"permanent", engine.NewPermanentError("misuse", nil), http.StatusBadRequest, "PERMANENT_ERROR"},
		{"upstream 404", fmt.Errorf("load: %w", &client.APIError{StatusCode: http.StatusNotFound}), http.StatusNotFound, "NOT_FOUND"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := classifyError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestRegistryShutdownFlushes(t *testing.T) {
	b := newBackend()
	g := &gauge{}
	ref := engine.StaticReference{Data: testReference()}
	reg := NewRegistry(func(id string) *engine.Session {
		return engine.NewSession(ref, b, b,
			engine.WithSessionID(id),
			engine.WithChallengeReader(b),
			engine.WithQuietInterval(time.Hour),
		)
	}, WithSessionGauge(g))

	ctx := context.Background()
	s1, err := reg.Open(ctx, "ch-1")
	require.NoError(t, err)
	require.NoError(t, s1.SetScalar("name", "One"))
	_, err = reg.Open(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, g.value())

	reg.Shutdown(ctx)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, g.value())
	assert.Equal(t, 1, b.patchCount())

	err = s1.SetScalar("name", "Two")
	assert.ErrorIs(t, err, engine.ErrSessionClosed)
}
