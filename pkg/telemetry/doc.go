// Package telemetry provides observability instrumentation for draftsync.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and session event delivery into one
// Telemetry value created at startup.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	session := engine.NewSession(ref, challenges, resources, tel.SessionOptions()...)
//
// SessionOptions wires a session to the telemetry instance: its events go to
// the EventPublisher, its sync outcomes to Metrics (an engine.SyncObserver) and
// its logs to an "engine" component logger.
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("api").WithSessionID(id)
//	logger.Error().Err(err).Msg("commit failed")
//
// Logger embeds zerolog.Logger, so the usual event API applies. Zerolog returns
// the plain logger for the packages that take one directly. With sampling enabled
// only debug and info lines are sampled.
//
// # Tracing
//
// An enabled Tracer becomes the global OpenTelemetry provider, so the spans the
// engine starts around patches, commits and reconciliations are exported with
// the request spans started by StartSessionOperation. Exporters: stdout, otlp
// (gRPC) and none.
//
// # Metrics
//
// Exposed on the configured path (default /metrics), namespaced "draftsync":
//
//   - patches_total{field,outcome}, patch_duration_seconds{field}, patches_skipped_total{field}
//   - commits_total{status,outcome}, commit_duration_seconds{status}
//   - resource_operations_total{role,operation,outcome}
//   - validations_total{check}, validation_failures_total{check}
//   - policy_violations_total{policy,severity}
//   - active_sessions, catalog_reloads_total{outcome}
//
// # Events
//
// EventPublisher implements engine.EventPublisher. With EnableAsync events are
// buffered and delivered in order on a single goroutine; otherwise they are
// delivered on the publishing goroutine. Subscribers attach with an optional
// filter and get back a function that detaches them:
//
//	cancel := tel.Events.Subscribe(func(e engine.Event) {
//	    fmt.Println(e.Type, e.Field)
//	}, telemetry.FilterBySession(id))
//	defer cancel()
package telemetry
