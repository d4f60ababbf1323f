// Package inner holds the build proper and the runner that executes it inside
// an execution context.
package inner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/engine"
	"github.com/alvesdmateus/dock/internal/builder/imagename"
	"github.com/alvesdmateus/dock/internal/builder/source"
)

// NameLabel is the image label naming the component for additional tags
const NameLabel = "Name"

// DefaultReadyTimeout bounds the wait for a nested engine to come up
const DefaultReadyTimeout = 60 * time.Second

// DockerBuilder builds an image from a git source against one engine
type DockerBuilder struct {
	tasker        *engine.Tasker
	workDir       string
	readyTimeout  time.Duration
	waitForEngine bool
}

// DockerBuilderConfig configures a DockerBuilder
type DockerBuilderConfig struct {
	// WorkDir holds the temporary source checkouts
	WorkDir string
	// WaitForEngine waits for the engine before building. Set it inside a
	// privileged context, whose engine starts alongside the runner.
	WaitForEngine bool
	// ReadyTimeout bounds that wait
	ReadyTimeout time.Duration
}

// NewDockerBuilder returns a builder driving tasker
func NewDockerBuilder(tasker *engine.Tasker, config DockerBuilderConfig) *DockerBuilder {
	readyTimeout := config.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &DockerBuilder{
		tasker:        tasker,
		workDir:       config.WorkDir,
		readyTimeout:  readyTimeout,
		waitForEngine: config.WaitForEngine,
	}
}

// Build runs the whole workflow:
// 1. Clone the source at the requested commit
// 2. Locate the Dockerfile and its base image
// 3. Pull the base image from the source registry, if any
// 4. Build and inspect the image
// 5. Apply additional tags
// 6. Push to every target registry
//
// Failures before an image exists yield ReturnCodeNoImage, later ones
// ReturnCodeFailure.
func (b *DockerBuilder) Build(ctx context.Context, cfg *buildtypes.BuildConfiguration) *buildtypes.BuildResult {
	result := &buildtypes.BuildResult{ReturnCode: buildtypes.ReturnCodeNoImage}
	startTime := time.Now()

	if err := b.build(ctx, cfg, result); err != nil {
		code := buildtypes.ReturnCodeNoImage
		if result.ImageID != "" {
			code = buildtypes.ReturnCodeFailure
		}
		result.Fail(code, err)
		log.Error().
			Err(err).
			Str("image", cfg.Image).
			Int("returnCode", code).
			Dur("duration", time.Since(startTime)).
			Msg("Build failed")
		return result
	}

	result.ReturnCode = buildtypes.ReturnCodeSuccess
	log.Info().
		Str("image", cfg.Image).
		Str("imageID", result.ImageID).
		Dur("duration", time.Since(startTime)).
		Msg("Build completed successfully")
	return result
}

func (b *DockerBuilder) build(ctx context.Context, cfg *buildtypes.BuildConfiguration, result *buildtypes.BuildResult) error {
	if b.waitForEngine {
		if err := b.tasker.WaitReady(ctx, b.readyTimeout, time.Second); err != nil {
			return err
		}
	}

	checkout, err := source.CloneScoped(ctx, cfg.GitURL, cfg.GitCommit, b.workDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := checkout.Close(); err != nil {
			log.Warn().Err(err).Str("path", checkout.Dir).Msg("Failed to remove checkout")
		}
	}()
	result.Logs = append(result.Logs, fmt.Sprintf("Cloned %s at %s", cfg.GitURL, checkout.Commit))

	dockerfile, err := source.LocateDockerfile(checkout.Dir, cfg.GitDockerfilePath)
	if err != nil {
		return err
	}
	if result.Metadata.Dockerfile, err = dockerfile.Content(); err != nil {
		return err
	}

	base, err := dockerfile.BaseImage()
	if err != nil {
		return err
	}
	result.Metadata.BaseImage = base.String()

	if cfg.ParentRegistry != "" {
		if err := b.pullBaseImage(ctx, cfg.ParentRegistry, base, result); err != nil {
			return err
		}
	}
	if inspect, err := b.tasker.InspectImage(ctx, base.String()); err == nil {
		result.Metadata.BaseImageID = inspect.ID
	} else {
		log.Debug().Err(err).Str("image", base.String()).Msg("Base image not present locally")
	}

	built, err := b.tasker.BuildImageFromPath(ctx, dockerfile.Dir, cfg.Image, cfg.UseCache)
	appendLogs(result, built)
	if built != nil {
		result.ImageID = built.ImageID
	}
	if err != nil {
		return err
	}

	inspect, err := b.tasker.InspectImage(ctx, cfg.Image)
	if err != nil {
		return err
	}
	result.ImageID = inspect.ID
	if inspect.Config != nil {
		result.Metadata.Labels = inspect.Config.Labels
	}

	tagged, err := b.applyAdditionalTags(ctx, cfg, dockerfile, result.Metadata.Labels)
	if err != nil {
		return err
	}
	result.Metadata.AdditionalTags = tagged

	images := append([]string{cfg.Image}, tagged...)
	for _, registry := range cfg.TargetRegistries {
		for _, ref := range images {
			target := imagename.Parse(ref).WithRegistry(registry)
			pushed, stream, err := b.tasker.TagAndPushImage(ctx, cfg.Image, target)
			appendLogs(result, stream)
			if err != nil {
				return err
			}
			result.Metadata.PushedImages = append(result.Metadata.PushedImages, pushed)
		}
	}

	return nil
}

// pullBaseImage pulls base from registry and tags it with the plain name the
// Dockerfile refers to
func (b *DockerBuilder) pullBaseImage(ctx context.Context, registry string, base imagename.RepoImageTag, result *buildtypes.BuildResult) error {
	pulled, stream, err := b.tasker.PullImage(ctx, base.WithRegistry(registry))
	appendLogs(result, stream)
	if err != nil {
		return err
	}
	if pulled == base.String() {
		return nil
	}
	_, err = b.tasker.TagImage(ctx, pulled, base)
	return err
}

func (b *DockerBuilder) applyAdditionalTags(ctx context.Context, cfg *buildtypes.BuildConfiguration, dockerfile source.Dockerfile, labels map[string]string) ([]string, error) {
	tags, err := dockerfile.AdditionalTags()
	if err != nil || len(tags) == 0 {
		return nil, err
	}

	name := labels[NameLabel]
	if name == "" {
		name = imagename.Parse(cfg.Image).Repository()
		log.Warn().Str("fallback", name).Msg("Built image has no Name label, using image name for additional tags")
	}

	var applied []string
	for _, tag := range tags {
		target, err := b.tasker.TagImage(ctx, cfg.Image, imagename.Parse(name).WithTag(tag))
		if err != nil {
			return applied, err
		}
		applied = append(applied, target)
	}
	return applied, nil
}

func appendLogs(result *buildtypes.BuildResult, stream *engine.StreamResult) {
	if stream != nil {
		result.Logs = append(result.Logs, stream.Logs...)
	}
}
