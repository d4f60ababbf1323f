package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/alvesdmateus/dock/internal/builder"
	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/engine"
	"github.com/alvesdmateus/dock/internal/builder/inner"
	"github.com/alvesdmateus/dock/internal/builder/strategies"
	"github.com/alvesdmateus/dock/internal/observability"
	"github.com/alvesdmateus/dock/internal/state"
	"github.com/alvesdmateus/dock/pkg/config"
	"github.com/alvesdmateus/dock/pkg/database"
)

// defaultNamespace is the namespace observability.DefaultMetrics registers under
const defaultNamespace = "dock"

// openDatabase connects to the build history database and migrates it
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := database.New(database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogQueries:      cfg.Database.LogQueries,
	})
	if err != nil {
		return nil, err
	}

	if err := state.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return db, nil
}

// closeDatabase closes db, logging failures
func closeDatabase(db *gorm.DB) {
	if err := database.Close(db); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}

// metricsFor returns the metrics set for the configured namespace
func metricsFor(cfg *config.Config) *observability.Metrics {
	if cfg.Metrics.Namespace == "" || cfg.Metrics.Namespace == defaultNamespace {
		return observability.DefaultMetrics
	}
	return observability.NewMetrics(cfg.Metrics.Namespace)
}

// initTracing installs the global tracer and returns its shutdown func
func initTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	err := observability.InitGlobalTracer(ctx, observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.ShutdownGlobalTracer(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}, nil
}

// newLocalBuilder returns the builder that runs the build proper in this process
func newLocalBuilder(cfg *config.Config, tasker *engine.Tasker) *inner.DockerBuilder {
	return newContextBuilder(cfg, tasker, false)
}

// newContextBuilder is newLocalBuilder for an execution context whose engine
// may still be starting
func newContextBuilder(cfg *config.Config, tasker *engine.Tasker, waitForEngine bool) *inner.DockerBuilder {
	return inner.NewDockerBuilder(tasker, inner.DockerBuilderConfig{
		WorkDir:       cfg.Build.WorkDir,
		WaitForEngine: waitForEngine,
		ReadyTimeout:  cfg.Build.EngineReadyTimeout,
	})
}

// newDispatcher wires the build service over the engine at cfg.Docker.Host.
// tracker may be nil to run builds unrecorded.
func newDispatcher(cfg *config.Config, tasker *engine.Tasker, tracker *builder.Tracker) *builder.Service {
	factory := strategies.NewStrategyFactory(tasker, newLocalBuilder(cfg, tasker), strategies.Config{
		WorkDir:          cfg.Build.WorkDir,
		SocketPath:       cfg.Docker.SocketPath,
		CleanupOnFailure: cfg.Build.CleanupOnFailure,
	})

	var bt builder.BuildTracker
	if tracker != nil {
		bt = tracker
	}

	return builder.NewService(factory, bt, builder.ServiceConfig{
		BuildTimeout:      cfg.Build.Timeout,
		DefaultMethod:     buildtypes.Method(cfg.Build.Method),
		DefaultBuildImage: cfg.Build.BuildImage,
		Metrics:           metricsFor(cfg),
	})
}
