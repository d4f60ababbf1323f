package strategies

import (
	"context"
	"fmt"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/engine"
)

// Strategy runs a build in one execution context. The returned result is
// never nil; the error carries diagnostics for failed builds.
type Strategy interface {
	Build(ctx context.Context, cfg *buildtypes.BuildConfiguration) (*buildtypes.BuildResult, error)

	// Name returns the execution method the strategy implements
	Name() string
}

// Config holds the host settings shared by the container strategies
type Config struct {
	// WorkDir holds the per-build handoff directories
	WorkDir string
	// SocketPath is the host engine socket mounted in hostdocker mode
	SocketPath string
	// CleanupOnFailure removes images left behind by failed hostdocker builds
	CleanupOnFailure bool
}

// StrategyFactory creates strategies by execution method
type StrategyFactory struct {
	tasker *engine.Tasker
	local  buildtypes.Builder
	config Config
}

// NewStrategyFactory returns a factory. local performs in-process builds.
func NewStrategyFactory(tasker *engine.Tasker, local buildtypes.Builder, config Config) *StrategyFactory {
	if config.SocketPath == "" {
		config.SocketPath = engine.DefaultSocketPath
	}
	return &StrategyFactory{
		tasker: tasker,
		local:  local,
		config: config,
	}
}

// CreateStrategy creates the strategy for method
func (f *StrategyFactory) CreateStrategy(method buildtypes.Method) (Strategy, error) {
	switch method {
	case buildtypes.MethodHostDocker:
		return NewHostDockerStrategy(f.tasker, f.config), nil
	case buildtypes.MethodPrivileged:
		return NewPrivilegedStrategy(f.tasker, f.config), nil
	case buildtypes.MethodHere:
		return NewHereStrategy(f.local), nil
	default:
		return nil, ErrUnknownMethod{Method: method}
	}
}

// ErrUnknownMethod is returned when an unknown execution method is requested
type ErrUnknownMethod struct {
	Method buildtypes.Method
}

func (e ErrUnknownMethod) Error() string {
	return fmt.Sprintf("unknown build method %q (available: %v)", string(e.Method), buildtypes.Methods)
}

// ConfigError marks ErrUnknownMethod as a configuration error
func (ErrUnknownMethod) ConfigError() {}
