// Package builder dispatches image builds to their execution strategy and
// tracks their outcome.
package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/handoff"
	"github.com/alvesdmateus/dock/internal/builder/strategies"
	"github.com/alvesdmateus/dock/internal/observability"
)

// ErrBuildTimeout is returned when a build exceeds the configured timeout
var ErrBuildTimeout = errors.New("build timeout exceeded")

// DefaultBuildTimeout is the default maximum time allowed for a build
const DefaultBuildTimeout = 30 * time.Minute

// Service implements Dispatcher
type Service struct {
	strategies   StrategyFactory
	tracker      BuildTracker
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	buildTimeout time.Duration
	method       buildtypes.Method
	buildImage   string
}

// ServiceConfig contains configuration for the build service
type ServiceConfig struct {
	BuildTimeout time.Duration
	// DefaultMethod applies to configurations that name no method
	DefaultMethod buildtypes.Method
	// DefaultBuildImage applies to configurations that name no builder image
	DefaultBuildImage string
	Metrics           *observability.Metrics
	Tracer            *observability.Tracer
}

// NewService creates a new build service. tracker may be nil, in which case
// builds are not recorded.
func NewService(factory StrategyFactory, tracker BuildTracker, config ServiceConfig) *Service {
	buildTimeout := config.BuildTimeout
	if buildTimeout <= 0 {
		buildTimeout = DefaultBuildTimeout
	}
	method := config.DefaultMethod
	if method == "" {
		method = buildtypes.MethodHostDocker
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = observability.GetGlobalTracer()
	}

	return &Service{
		strategies:   factory,
		tracker:      tracker,
		metrics:      metrics,
		tracer:       tracer,
		buildTimeout: buildTimeout,
		method:       method,
		buildImage:   config.DefaultBuildImage,
	}
}

// Build dispatches cfg. Configuration errors are reported before anything is
// recorded or started.
func (s *Service) Build(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error) {
	cfg = s.withDefaults(cfg)

	strategy, err := s.prepare(cfg)
	if err != nil {
		return s.reject(cfg, err)
	}

	buildID := ""
	if s.tracker != nil {
		build, err := s.tracker.QueueBuild(ctx, cfg)
		if err != nil {
			log.Warn().Err(err).Str("image", cfg.Image).Msg("Failed to record build, continuing untracked")
		} else {
			buildID = build.ID.String()
		}
	}

	return s.run(ctx, buildID, cfg, strategy)
}

// Dispatch runs cfg for the recorded build buildID
func (s *Service) Dispatch(ctx context.Context, buildID string, cfg *BuildConfiguration) (*BuildResult, error) {
	cfg = s.withDefaults(cfg)

	strategy, err := s.prepare(cfg)
	if err != nil {
		result, err := s.reject(cfg, err)
		s.track(buildID, result, err)
		return result, err
	}

	return s.run(ctx, buildID, cfg, strategy)
}

func (s *Service) withDefaults(cfg *BuildConfiguration) *BuildConfiguration {
	return ApplyDefaults(cfg, s.method, s.buildImage)
}

// ApplyDefaults returns a copy of cfg with an empty method set to method and,
// when that method needs one, an empty build image set to buildImage
func ApplyDefaults(cfg *BuildConfiguration, method buildtypes.Method, buildImage string) *BuildConfiguration {
	if cfg == nil {
		cfg = &BuildConfiguration{}
	}
	merged := *cfg
	if merged.Method == "" {
		merged.Method = method
	}
	if merged.BuildImage == "" && merged.Method.RequiresBuildImage() {
		merged.BuildImage = buildImage
	}
	return &merged
}

// prepare validates cfg and resolves its strategy without side effects
func (s *Service) prepare(cfg *BuildConfiguration) (strategies.Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return s.strategies.CreateStrategy(cfg.Method)
}

func (s *Service) reject(cfg *BuildConfiguration, err error) (*BuildResult, error) {
	log.Error().
		Err(err).
		Str("method", string(cfg.Method)).
		Str("image", cfg.Image).
		Msg("Build configuration rejected")
	s.metrics.RecordBuild(string(cfg.Method), "rejected")
	return buildtypes.FailedResult(err), err
}

func (s *Service) run(ctx context.Context, buildID string, cfg *BuildConfiguration, strategy strategies.Strategy) (result *BuildResult, err error) {
	startTime := time.Now()
	method := strategy.Name()

	log.Info().
		Str("buildID", buildID).
		Str("method", method).
		Str("gitURL", cfg.GitURL).
		Str("image", cfg.Image).
		Dur("timeout", s.buildTimeout).
		Msg("Dispatching build")

	// Wrap context with build timeout
	ctx, cancel := context.WithTimeout(ctx, s.buildTimeout)
	defer cancel()

	ctx, span := s.tracer.StartSpan(ctx, "build.dispatch")
	defer span.End()
	s.tracer.SetAttributes(ctx, observability.BuildSpanAttributes(buildID, method, cfg.Image)...)
	s.tracer.SetAttributes(ctx, observability.SourceSpanAttributes(cfg.GitURL, cfg.GitCommit, cfg.GitDockerfilePath)...)

	s.metrics.IncBuildsInProgress()
	defer s.metrics.DecBuildsInProgress()

	if s.tracker != nil && buildID != "" {
		if err := s.tracker.StartBuild(ctx, buildID); err != nil {
			log.Warn().Err(err).Str("buildID", buildID).Msg("Failed to mark build as started")
		}
	}

	result, err = strategy.Build(ctx, cfg)
	if result == nil {
		if err == nil {
			err = fmt.Errorf("%s strategy returned no result", method)
		}
		result = buildtypes.FailedResult(err)
	}

	if !result.Succeeded() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: build exceeded maximum duration of %v", ErrBuildTimeout, s.buildTimeout)
		result.Message = err.Error()
		log.Error().
			Str("buildID", buildID).
			Dur("timeout", s.buildTimeout).
			Msg("Build timeout exceeded")
	}

	var handoffErr handoff.ErrHandoff
	if errors.As(err, &handoffErr) {
		s.metrics.RecordHandoffFailure(method)
	}

	status := "success"
	if !result.Succeeded() {
		status = "failure"
		if err != nil {
			s.tracer.RecordError(ctx, err)
		}
		span.SetStatus(codes.Error, result.Message)
	}
	s.tracer.SetAttributes(ctx, observability.ResultSpanAttributes(result.ReturnCode, result.ImageID)...)
	s.metrics.RecordBuild(method, status)
	s.metrics.RecordBuildDuration(method, status, time.Since(startTime).Seconds())

	s.track(buildID, result, err)

	log.Info().
		Str("buildID", buildID).
		Str("method", method).
		Str("image", cfg.Image).
		Str("imageID", result.ImageID).
		Int("returnCode", result.ReturnCode).
		Dur("duration", time.Since(startTime)).
		Msg("Build dispatch finished")

	return result, err
}

// track records the outcome. Tracking failures never change the result.
func (s *Service) track(buildID string, result *BuildResult, err error) {
	if s.tracker == nil || buildID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var trackErr error
	if result.Succeeded() {
		trackErr = s.tracker.CompleteBuild(ctx, buildID, result)
	} else {
		trackErr = s.tracker.FailBuild(ctx, buildID, result, err)
	}
	if trackErr != nil {
		log.Error().
			Err(trackErr).
			Str("buildID", buildID).
			Msg("Failed to track build result")
	}
}
