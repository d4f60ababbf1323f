package builder

import (
	"context"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/strategies"
	"github.com/alvesdmateus/dock/internal/state"
)

// BuildConfiguration is an alias for buildtypes.BuildConfiguration
type BuildConfiguration = buildtypes.BuildConfiguration

// BuildResult is an alias for buildtypes.BuildResult
type BuildResult = buildtypes.BuildResult

// StrategyFactory creates the strategy for an execution method.
// *strategies.StrategyFactory implements it.
type StrategyFactory interface {
	CreateStrategy(method buildtypes.Method) (strategies.Strategy, error)
}

// BuildTracker tracks build status in the database
type BuildTracker interface {
	// QueueBuild creates a new build record in QUEUED state
	QueueBuild(ctx context.Context, cfg *BuildConfiguration) (*state.Build, error)

	// StartBuild marks a build as running
	StartBuild(ctx context.Context, buildID string) error

	// CompleteBuild records the result of a successful build
	CompleteBuild(ctx context.Context, buildID string, result *BuildResult) error

	// FailBuild records the result of a failed build
	FailBuild(ctx context.Context, buildID string, result *BuildResult, err error) error

	// GetBuildByID retrieves a build by its ID
	GetBuildByID(ctx context.Context, buildID string) (*state.Build, error)
}

// Dispatcher runs builds. Both methods always return a non-nil result whose
// return code is the build's outcome.
type Dispatcher interface {
	// Build dispatches cfg, recording it as a new build when tracking is enabled
	Build(ctx context.Context, cfg *BuildConfiguration) (*BuildResult, error)

	// Dispatch runs cfg for an already recorded build
	Dispatch(ctx context.Context, buildID string, cfg *BuildConfiguration) (*BuildResult, error)
}
