package strategies

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
)

// HereStrategy runs the build in the calling process
type HereStrategy struct {
	builder buildtypes.Builder
}

// NewHereStrategy returns an in-process strategy around builder
func NewHereStrategy(builder buildtypes.Builder) *HereStrategy {
	return &HereStrategy{builder: builder}
}

func (s *HereStrategy) Name() string {
	return string(buildtypes.MethodHere)
}

// Build runs the builder synchronously. A build that produced no image always
// reports ReturnCodeNoImage.
func (s *HereStrategy) Build(ctx context.Context, cfg *buildtypes.BuildConfiguration) (*buildtypes.BuildResult, error) {
	if s.builder == nil {
		err := errors.New("no in-process builder configured")
		return buildtypes.FailedResult(err), err
	}

	log.Info().Str("image", cfg.Image).Msg("Building in process")

	result := s.builder.Build(ctx, cfg)
	if result == nil {
		result = &buildtypes.BuildResult{Message: "builder returned no result"}
	}
	if result.ImageID == "" {
		result.ReturnCode = buildtypes.ReturnCodeNoImage
	}
	return result, nil
}
