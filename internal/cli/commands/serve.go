package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/dock/internal/api"
	"github.com/alvesdmateus/dock/internal/builder"
	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/observability"
	"github.com/alvesdmateus/dock/internal/orchestrator"
	"github.com/alvesdmateus/dock/internal/queue"
	"github.com/alvesdmateus/dock/internal/state"
	"github.com/alvesdmateus/dock/pkg/database"
)

func newServeCommand(opts *options) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build API",
		Long: `Serve the HTTP API. Submitted builds are recorded and queued for
"dock worker"; build history is served from the database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				opts.cfg.Server.Port = port
			}
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "port to listen on (default: server.port)")

	return cmd
}

func runServe(ctx context.Context, opts *options) error {
	cfg := opts.cfg
	logger := opts.logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db)

	redisQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer redisQueue.Close()

	server := api.NewServer(api.ServerDeps{
		Store:             builder.NewTracker(state.NewRepository(db)),
		Submitter:         orchestrator.NewClient(redisQueue, cfg.Worker.MaxAttempts, logger),
		DefaultMethod:     buildtypes.Method(cfg.Build.Method),
		DefaultBuildImage: cfg.Build.BuildImage,
		HealthChecks: map[string]api.HealthCheck{
			"database": func(context.Context) error { return database.HealthCheck(db) },
			"redis":    redisQueue.Ping,
		},
		Metrics:  metricsFor(cfg),
		Tracer:   observability.GetGlobalTracer(),
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger,
		RateLimit: api.RateLimitConfig{
			Enabled:           cfg.Server.RateLimit > 0,
			RequestsPerSecond: cfg.Server.RateLimit,
			BurstSize:         cfg.Server.RateBurst,
		},
		BuildRateLimit: api.BuildRateLimitConfig(),
		Version:        Version,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down HTTP server")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
		return err
	}

	logger.Info().Msg("HTTP server stopped")
	return nil
}
