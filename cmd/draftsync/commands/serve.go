package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/draftsync/pkg/api"
	"github.com/openfroyo/draftsync/pkg/catalog"
	"github.com/openfroyo/draftsync/pkg/client"
	"github.com/openfroyo/draftsync/pkg/config"
	"github.com/openfroyo/draftsync/pkg/engine"
	"github.com/openfroyo/draftsync/pkg/policy"
	"github.com/openfroyo/draftsync/pkg/stores"
	"github.com/openfroyo/draftsync/pkg/telemetry"
)

const pruneInterval = time.Hour

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the editing session server",
		Long: `Run the HTTP server that hosts draft editing sessions.

The server loads the reference catalog and commit policies, opens the
checkpoint store and talks to the challenge service configured under
api.base_url. Pending edits of every open session are sent on the sync
tick. On SIGINT or SIGTERM open sessions are flushed before exit.`,
		Example: `  # Serve with defaults and DRAFTSYNC_* overrides
  draftsync serve

  # Serve with a config file on another port
  draftsync serve --config draftsync.yaml --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_address)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	logger := tel.Logger.Zerolog()

	cat := catalog.New(catalog.NewLoader(logger), cfg.Catalog.Paths, logger)
	cat.OnReload(func(*engine.ReferenceData) { tel.Metrics.RecordCatalogReload(nil) })
	cat.OnReloadFailure(tel.Metrics.RecordCatalogReload)
	if err := cat.Reload(ctx); err != nil {
		return err
	}
	if cfg.Catalog.Watch {
		if err := cat.Watch(ctx); err != nil {
			return err
		}
	}

	commitPolicy, err := setupPolicy(ctx, cfg.Policy, cat, tel, logger)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	unsubscribe := tel.Events.Subscribe(func(ev engine.Event) {
		if err := store.Publish(ev); err != nil {
			logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to record event")
		}
	}, nil)
	defer unsubscribe()
	go pruneEvents(ctx, store, cfg.Sync.EventRetention, logger)

	svc := client.NewClient(cfg.API.BaseURL,
		client.WithTimeout(cfg.API.Timeout),
		client.WithToken(cfg.API.Token),
		client.WithRateLimit(cfg.API.RequestsPerSecond, cfg.API.Burst),
		client.WithLogger(logger.With().Str("component", "client").Logger()),
	)

	factory := func(id string) *engine.Session {
		opts := []engine.SessionOption{
			engine.WithSessionID(id),
			engine.WithQuietInterval(cfg.Sync.QuietInterval),
			engine.WithChallengeReader(svc),
			engine.WithCheckpointer(store),
		}
		opts = append(opts, tel.SessionOptions()...)
		if commitPolicy != nil {
			opts = append(opts, engine.WithCommitPolicy(commitPolicy))
		}
		return engine.NewSession(cat, svc, svc, opts...)
	}

	registry := api.NewRegistry(factory,
		api.WithTickInterval(cfg.Sync.TickInterval),
		api.WithSessionGauge(tel.Metrics),
		api.WithRegistryLogger(logger.With().Str("component", "sessions").Logger()),
	)
	server := api.NewServer(cfg.Server, registry, cat,
		api.WithStore(store),
		api.WithTelemetry(tel),
		api.WithLogger(logger.With().Str("component", "api").Logger()),
	)

	metricsServer, err := tel.StartMetricsServer()
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	httpServer := server.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", httpServer.Addr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	registry.Shutdown(shutdownCtx)
	// deliver buffered events while the store is still open
	if err := tel.Events.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Event delivery incomplete")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return serveErr
}

// setupPolicy builds the commit policy gate. It returns nil when policies are disabled.
func setupPolicy(ctx context.Context, cfg config.PolicyConfig, cat *catalog.Catalog, tel *telemetry.Telemetry, logger zerolog.Logger) (engine.CommitPolicy, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	pe, err := policy.NewEngine(logger, policy.WithViolationRecorder(tel.Metrics))
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	if err := pe.SetReference(ctx, cat.Reference()); err != nil {
		return nil, err
	}
	cat.OnReload(func(ref *engine.ReferenceData) {
		if err := pe.SetReference(ctx, ref); err != nil {
			logger.Error().Err(err).Msg("Failed to pass reloaded catalog to policies")
		}
	})
	if cfg.Watch {
		if err := pe.Watch(ctx); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// pruneEvents drops sync events older than retention until ctx is done.
func pruneEvents(ctx context.Context, store stores.Store, retention time.Duration, logger zerolog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := store.PruneEvents(ctx, time.Now().Add(-retention))
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Failed to prune events")
		case n > 0:
			logger.Info().Int64("events", n).Msg("Pruned old events")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
