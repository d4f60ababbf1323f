package inner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/handoff"
	"github.com/alvesdmateus/dock/internal/builder/plugins"
)

// Runner executes one build inside an execution context and reports the
// result through the handoff protocol
type Runner struct {
	protocol *handoff.Protocol
	plugins  *plugins.Registry
	builder  buildtypes.Builder
}

// NewRunner returns a runner reading and writing through protocol
func NewRunner(protocol *handoff.Protocol, registry *plugins.Registry, builder buildtypes.Builder) *Runner {
	return &Runner{
		protocol: protocol,
		plugins:  registry,
		builder:  builder,
	}
}

// Run resolves the configuration, from the named input plugin or from the
// inbound handoff file when input is empty, builds it and writes the result.
// A result is written on every path. The returned error is non-nil only when
// the handoff itself failed.
func (r *Runner) Run(ctx context.Context, input string, args map[string]string) (result *buildtypes.BuildResult, err error) {
	var protocolErr error

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("Build panicked")
			result = buildtypes.FailedResult(fmt.Errorf("build aborted: %v", p))
		}
		if writeErr := r.protocol.WriteResult(result); writeErr != nil {
			log.Error().Err(writeErr).Str("path", r.protocol.ResultPath()).Msg("Failed to write build result")
			err = writeErr
			return
		}
		err = protocolErr
	}()

	cfg, err := r.resolve(ctx, input, args)
	if err != nil {
		log.Error().Err(err).Str("input", input).Msg("Failed to resolve build configuration")
		var handoffErr handoff.ErrHandoff
		if errors.As(err, &handoffErr) {
			protocolErr = err
		}
		return buildtypes.FailedResult(err), nil
	}

	if err := cfg.ValidateBuild(); err != nil {
		log.Error().Err(err).Msg("Invalid build configuration")
		return buildtypes.FailedResult(err), nil
	}

	log.Info().
		Str("gitURL", cfg.GitURL).
		Str("image", cfg.Image).
		Str("method", string(cfg.Method)).
		Msg("Running build inside execution context")

	result = r.builder.Build(ctx, cfg)
	if result == nil {
		result = buildtypes.FailedResult(fmt.Errorf("builder returned no result"))
	}
	return result, nil
}

func (r *Runner) resolve(ctx context.Context, input string, args map[string]string) (*buildtypes.BuildConfiguration, error) {
	if input == "" {
		return r.protocol.ReadConfig()
	}
	return r.plugins.Resolve(ctx, input, args)
}
