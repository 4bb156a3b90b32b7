package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// metricValue returns the value of the counter or gauge sample matching labels, or -1.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "draftsync.log")
	cfg.Logging.Format = "json"
	cfg.Events.EnableAsync = false
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "event level", mutate: func(c *Config) { c.Events.MinLevel = EventLevelWarning }},
		{name: "bad event level", mutate: func(c *Config) { c.Events.MinLevel = "loud" }, wantErr: "invalid event level"},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{
			name:    "bad exporter",
			mutate:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" },
			wantErr: "invalid trace exporter",
		},
		{
			name:    "otlp without endpoint",
			mutate:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp"; c.Tracing.Endpoint = "" },
			wantErr: "endpoint",
		},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: "sampling rate"},
		{name: "event buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMetricsSyncObserver(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)
	reg := m.Registry()
	require.NotNil(t, reg)

	m.ObservePatch("name", engine.OutcomeSuccess, 50*time.Millisecond)
	m.ObservePatch("name", engine.OutcomeSuccess, 70*time.Millisecond)
	m.ObservePatch("groups", engine.OutcomeFailure, 10*time.Millisecond)
	m.ObservePatch("prizeSets", engine.OutcomeSkipped, 0)
	m.ObserveCommit(engine.StatusActive, engine.OutcomeSuccess, time.Second)
	m.ObserveResource("Copilot", "create", engine.OutcomeFailure)
	m.ObserveValidation("save", true)
	m.ObserveValidation("launch", false)
	m.RecordPolicyViolation("launch-terms", "error")
	m.SetActiveSessions(3)
	m.RecordCatalogReload(errors.New("bad catalog"))

	assert.Equal(t, 2.0, metricValue(t, reg, "draftsync_patches_total", map[string]string{"field": "name", "outcome": "success"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "draftsync_patches_total", map[string]string{"field": "groups", "outcome": "failure"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "draftsync_patch_duration_seconds", map[string]string{"field": "name"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "draftsync_patches_skipped_total", map[string]string{"field": "prizeSets"}))
	assert.Equal(t, -1.0, metricValue(t, reg, "draftsync_patches_total", map[string]string{"field": "prizeSets"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "draftsync_commits_total", map[string]string{"status": "Active", "outcome": "success"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "draftsync_resource_operations_total", map[string]string{"role": "Copilot", "operation": "create", "outcome": "failure"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "draftsync_validations_total", map[string]string{"check": "save"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "draftsync_validation_failures_total", map[string]string{"check": "launch"}))
	assert.Equal(t, -1.0, metricValue(t, reg, "draftsync_validation_failures_total", map[string]string{"check": "save"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "draftsync_policy_violations_total", map[string]string{"policy": "launch-terms"}))
	assert.Equal(t, 3.0, metricValue(t, reg, "draftsync_active_sessions", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "draftsync_catalog_reloads_total", map[string]string{"outcome": "failure"}))
}

func TestMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.ObservePatch("name", engine.OutcomeSuccess, time.Millisecond)
		m.ObserveCommit(engine.StatusDraft, engine.OutcomeFailure, time.Millisecond)
		m.ObserveResource("Reviewer", "delete", engine.OutcomeSuccess)
		m.ObserveValidation("save", false)
		m.SetActiveSessions(1)
	})
	assert.Nil(t, m.Registry())

	srv, err := m.StartMetricsServer()
	require.NoError(t, err)
	assert.Nil(t, srv)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)
	m.ObserveCommit(engine.StatusDraft, engine.OutcomeSuccess, 300*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `draftsync_commits_total{outcome="success",status="Draft"} 1`))
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8})
	require.NoError(t, err)
	defer ep.Shutdown(context.Background())

	var got []engine.Event
	cancel := ep.Subscribe(func(e engine.Event) { got = append(got, e) }, FilterBySession("s-1"))

	require.NoError(t, ep.Publish(engine.Event{Type: engine.EventDraftChanged, SessionID: "s-1", Field: "name"}))
	require.NoError(t, ep.Publish(engine.Event{Type: engine.EventDraftChanged, SessionID: "s-2", Field: "name"}))

	require.Len(t, got, 1)
	assert.Equal(t, "s-1", got[0].SessionID)
	assert.False(t, got[0].Timestamp.IsZero())

	cancel()
	require.NoError(t, ep.Publish(engine.Event{Type: engine.EventPatchSent, SessionID: "s-1"}))
	assert.Len(t, got, 1)
}

func TestEventPublisherAsyncOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    64,
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  4,
		EnableAsync:   true,
	})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		fields []string
	)
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		fields = append(fields, e.Field)
		mu.Unlock()
	}, nil)

	want := []string{"name", "typeId", "trackId", "phases", "tags", "groups"}
	for _, f := range want {
		require.NoError(t, ep.Publish(engine.Event{Type: engine.EventPatchSent, Field: f}))
	}

	// Shutdown delivers everything accepted before it
	require.NoError(t, ep.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, fields)

	assert.Error(t, ep.Publish(engine.Event{Type: engine.EventPatchSent}))
}

func TestEventPublisherBufferFull(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, MaxBatchSize: 1, EnableAsync: true})
	require.NoError(t, err)
	defer ep.Shutdown(context.Background())

	block := make(chan struct{})
	ep.Subscribe(func(e engine.Event) { <-block }, nil)

	var dropped bool
	for i := 0; i < 10; i++ {
		if err := ep.Publish(engine.Event{Type: engine.EventDraftChanged}); err != nil {
			assert.Contains(t, err.Error(), "buffer full")
			dropped = true
			break
		}
	}
	close(block)
	assert.True(t, dropped)
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	require.NoError(t, err)

	called := false
	ep.Subscribe(func(e engine.Event) { called = true }, nil)
	require.NoError(t, ep.Publish(engine.Event{Type: engine.EventDraftChanged}))
	assert.False(t, called)
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestEventFilters(t *testing.T) {
	warn := engine.Event{Type: engine.EventPatchFailed, SessionID: "s-1", Field: "groups", Level: EventLevelWarning}
	info := engine.Event{Type: engine.EventDraftChanged, SessionID: "s-2", Field: "name", Level: EventLevelInfo}

	assert.True(t, FilterByLevel(EventLevelWarning)(warn))
	assert.False(t, FilterByLevel(EventLevelWarning)(info))
	assert.True(t, FilterByLevel(EventLevelDebug)(info))

	byType := FilterByType(engine.EventPatchFailed, engine.EventCommitFailed)
	assert.True(t, byType(warn))
	assert.False(t, byType(info))

	assert.True(t, FilterBySession("s-2")(info))

	combined := AllOf(FilterBySession("s-1"), nil, FilterByLevel(EventLevelInfo))
	assert.True(t, combined(warn))
	assert.False(t, combined(info))
	assert.True(t, AllOf()(info))
}

func TestGlobalFilter(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4, MinLevel: EventLevelInfo})
	require.NoError(t, err)

	count := 0
	ep.Subscribe(func(e engine.Event) { count++ }, nil)

	require.NoError(t, ep.Publish(engine.Event{Type: engine.EventPatchSkipped, Level: EventLevelDebug}))
	require.NoError(t, ep.Publish(engine.Event{Type: engine.EventPatchSent, Level: EventLevelInfo}))
	assert.Equal(t, 1, count)
}

func TestNewTelemetry(t *testing.T) {
	tel, err := NewTelemetry(testConfig(t))
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))
	assert.Same(t, tel.Logger, FromContext(ctx))
	assert.Nil(t, FromTelemetryContext(context.Background()))

	assert.Len(t, tel.SessionOptions(), 3)
	assert.NoError(t, tel.Flush(ctx))
}

func TestNewTelemetryInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "verbose"
	_, err := NewTelemetry(cfg)
	assert.Error(t, err)
}

func TestStartSessionOperation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	op := StartSessionOperation(ctx, "s-1", "launch")
	require.NotNil(t, op.Span)
	assert.NotEmpty(t, TraceID(op.Ctx))
	assert.NotEmpty(t, SpanID(op.Ctx))
	op.End(engine.NewCommitError("Unable to launch", errors.New("boom")))

	// without telemetry in the context the operation is a passthrough
	bare := StartSessionOperation(context.Background(), "s-1", "save")
	assert.Empty(t, TraceID(bare.Ctx))
	bare.End(nil)
}

func TestForEnvironment(t *testing.T) {
	cfg, err := ForEnvironment("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ForEnvironment("dev")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	cfg, err = ForEnvironment("production")
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Tracing.Enabled)

	_, err = ForEnvironment("staging")
	assert.ErrorContains(t, err, "unknown environment")
}

func TestLoggerWritesSessionFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draftsync.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l := logger.NewComponentLogger("api").WithSessionID("s-1")
	l.Debug().Msg("hidden")
	l.WithError(errors.New("boom")).Warn().Str("key", "name").Msg("partial update failed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "api", entry["component"])
	assert.Equal(t, "s-1", entry["session_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "name", entry["key"])
	assert.Equal(t, "partial update failed", entry["message"])
}

func TestLoggerFromEmptyContextDiscards(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info().Msg("dropped")
	assert.Equal(t, zerolog.Disabled, l.GetLevel())
}
