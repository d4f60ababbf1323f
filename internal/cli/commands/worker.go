package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/dock/internal/builder"
	"github.com/alvesdmateus/dock/internal/builder/engine"
	"github.com/alvesdmateus/dock/internal/orchestrator"
	"github.com/alvesdmateus/dock/internal/queue"
	"github.com/alvesdmateus/dock/internal/state"
)

func newWorkerCommand(opts *options) *cobra.Command {
	var (
		concurrency int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued build jobs",
		Long: `Consume build jobs from the Redis queue and dispatch them with a pool of
concurrent workers. Every build is recorded in the history database. Jobs that
fail for reasons other than their configuration are retried with backoff.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("concurrency") {
				opts.cfg.Worker.Concurrency = concurrency
			}
			return runWorker(cmd.Context(), opts, metricsAddr)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent builds (default: worker.concurrency)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "address serving /metrics, empty to disable")

	return cmd
}

func runWorker(ctx context.Context, opts *options, metricsAddr string) error {
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

	logger.Info().
		Str("redis_url", cfg.Redis.URL).
		Int("redis_db", cfg.Redis.DB).
		Msg("Connecting to Redis")

	redisQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer redisQueue.Close()

	tasker, err := engine.NewDockerTasker(cfg.Docker.Host)
	if err != nil {
		return err
	}

	metrics := metricsFor(cfg)
	tracker := builder.NewTracker(state.NewRepository(db))
	service := newDispatcher(cfg, tasker, tracker)

	eng := orchestrator.NewEngine(redisQueue, service, metrics, logger)
	worker := orchestrator.NewWorker(eng, cfg.Worker.Concurrency, logger)
	worker.SetPollTimeout(cfg.Worker.PollInterval)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			logger.Info().Str("addr", metricsAddr).Msg("Serving worker metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Dur("poll_interval", cfg.Worker.PollInterval).
		Str("method", cfg.Build.Method).
		Msg("Worker ready, processing build jobs")

	if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info().Msg("Worker shutdown complete")
	return nil
}
