package strategies

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/engine"
	"github.com/alvesdmateus/dock/internal/builder/handoff"
)

// cleanupTimeout bounds the engine calls made after a build was cancelled
const cleanupTimeout = 30 * time.Second

// Labels set on every builder container
const (
	LabelBuildImage = "io.dock.build-image"
	LabelMethod     = "io.dock.method"
)

// containerStrategy runs the inside-build runner in a container started from
// the builder image and exchanges configuration and result through a handoff
// directory mounted at handoff.ContainerSharePath
type containerStrategy struct {
	tasker     *engine.Tasker
	config     Config
	method     buildtypes.Method
	privileged bool
	// sharedEngine means the nested build uses the host engine, so its images
	// are the host's to clean up
	sharedEngine bool
}

// NewHostDockerStrategy runs builds in a container that talks to the host
// engine through its mounted socket
func NewHostDockerStrategy(tasker *engine.Tasker, config Config) Strategy {
	return &containerStrategy{
		tasker:       tasker,
		config:       config,
		method:       buildtypes.MethodHostDocker,
		sharedEngine: true,
	}
}

// NewPrivilegedStrategy runs builds in a privileged container that starts its
// own engine
func NewPrivilegedStrategy(tasker *engine.Tasker, config Config) Strategy {
	return &containerStrategy{
		tasker:     tasker,
		config:     config,
		method:     buildtypes.MethodPrivileged,
		privileged: true,
	}
}

func (s *containerStrategy) Name() string {
	return string(s.method)
}

func (s *containerStrategy) Build(ctx context.Context, cfg *buildtypes.BuildConfiguration) (*buildtypes.BuildResult, error) {
	startTime := time.Now()

	if err := s.checkInput(ctx, cfg); err != nil {
		log.Error().Err(err).Str("method", s.Name()).Msg("Build input rejected")
		return buildtypes.FailedResult(err), err
	}

	protocol, err := handoff.NewHostDir(s.config.WorkDir)
	if err != nil {
		return buildtypes.FailedResult(err), err
	}
	defer func() {
		if err := protocol.Remove(); err != nil {
			log.Warn().Err(err).Msg("Failed to remove handoff directory")
		}
	}()

	inner := *cfg
	inner.Method = s.method
	if err := protocol.WriteConfig(&inner); err != nil {
		return buildtypes.FailedResult(err), err
	}

	binds := []string{protocol.Bind()}
	if s.sharedEngine {
		binds = append(binds, s.config.SocketPath+":"+engine.DefaultSocketPath+":ro")
	}

	containerID, err := s.tasker.RunContainer(ctx, engine.RunOptions{
		Image:      cfg.BuildImage,
		Env:        []string{buildtypes.ExecutionContextEnv + "=" + s.Name()},
		Binds:      binds,
		Privileged: s.privileged,
		Labels: map[string]string{
			LabelBuildImage: cfg.Image,
			LabelMethod:     s.Name(),
		},
	})
	if containerID != "" {
		defer s.removeContainer(containerID)
	}
	if err != nil {
		return buildtypes.FailedResult(err), err
	}

	exitCode, err := s.tasker.WaitContainer(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			s.killContainer(containerID)
			err = fmt.Errorf("build interrupted: %w", ctx.Err())
		}
		return buildtypes.FailedResult(err), err
	}

	result, err := protocol.ReadResult()
	if err != nil {
		failed := buildtypes.FailedResult(err)
		failed.Metadata.ContextExitCode = &exitCode
		failed.Logs = s.containerLogs(containerID)
		log.Error().
			Err(err).
			Str("containerID", containerID).
			Int64("exitCode", exitCode).
			Msg("Build context exited without a readable result")
		return failed, err
	}
	result.Metadata.ContextExitCode = &exitCode

	if exitCode != 0 && result.Succeeded() {
		log.Warn().
			Str("containerID", containerID).
			Int64("exitCode", exitCode).
			Msg("Build context exited with non-zero code but reported success")
	}

	if !result.Succeeded() {
		s.cleanupFailedImage(result)
	}

	log.Info().
		Str("method", s.Name()).
		Str("image", cfg.Image).
		Int("returnCode", result.ReturnCode).
		Dur("duration", time.Since(startTime)).
		Msg("Build context finished")

	return result, nil
}

// checkInput validates what must hold before anything is written or started
func (s *containerStrategy) checkInput(ctx context.Context, cfg *buildtypes.BuildConfiguration) error {
	if cfg.BuildImage == "" {
		return buildtypes.ErrInvalidConfig{Field: "build_image", Reason: fmt.Sprintf("is required for method %q", s.method)}
	}

	exists, err := s.tasker.ImageExists(ctx, cfg.BuildImage)
	if err != nil {
		return err
	}
	if !exists {
		return buildtypes.ErrInvalidConfig{Field: "build_image", Reason: fmt.Sprintf("image %s doesn't exist", cfg.BuildImage)}
	}

	if s.sharedEngine {
		if _, err := os.Stat(s.config.SocketPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("docker socket not found: %s", s.config.SocketPath)
			}
			return fmt.Errorf("cannot access docker socket %s: %w", s.config.SocketPath, err)
		}
	}
	return nil
}

func (s *containerStrategy) containerLogs(containerID string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	lines, err := s.tasker.ContainerLogs(ctx, containerID)
	if err != nil {
		log.Warn().Err(err).Str("containerID", containerID).Msg("Failed to fetch container logs")
		return nil
	}
	return lines
}

func (s *containerStrategy) killContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.tasker.KillContainer(ctx, containerID); err != nil {
		log.Error().Err(err).Str("containerID", containerID).Msg("Failed to kill build container")
	}
}

func (s *containerStrategy) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.tasker.RemoveContainer(ctx, containerID); err != nil {
		log.Warn().Err(err).Str("containerID", containerID).Msg("Failed to remove build container")
	}
}

// cleanupFailedImage removes the image a failed build left in the shared engine
func (s *containerStrategy) cleanupFailedImage(result *buildtypes.BuildResult) {
	if !s.sharedEngine || !s.config.CleanupOnFailure || result.ImageID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.tasker.RemoveImage(ctx, result.ImageID, false); err != nil {
		log.Warn().Err(err).Str("imageID", result.ImageID).Msg("Failed to remove image of failed build")
	}
}
