package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/dock/internal/builder/imagename"
)

// DefaultSocketPath is where the engine control socket lives on the host
const DefaultSocketPath = "/var/run/docker.sock"

// API is the subset of the Docker engine client the tasker drives
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	ImageTag(ctx context.Context, source, target string) error
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Tasker performs image and container operations against one engine. Every
// streaming operation is consumed with WaitForCommand so failures reported on
// the stream surface as errors.
type Tasker struct {
	api API
}

// NewTasker wraps an existing engine client
func NewTasker(api API) *Tasker {
	return &Tasker{api: api}
}

// NewDockerTasker connects to the engine described by the environment, or to
// host when it is non-empty
func NewDockerTasker(host string) (*Tasker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Tasker{api: cli}, nil
}

// Ping checks the engine answers
func (t *Tasker) Ping(ctx context.Context) error {
	if _, err := t.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// WaitReady polls the engine until it answers or timeout elapses
func (t *Tasker) WaitReady(ctx context.Context, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := t.Ping(ctx)
		if err == nil {
			return nil
		}
		log.Debug().Err(err).Msg("Waiting for docker daemon")

		select {
		case <-ctx.Done():
			return fmt.Errorf("docker daemon not ready after %v: %w", timeout, err)
		case <-ticker.C:
		}
	}
}

// BuildImageFromPath builds the Dockerfile in dir and tags the result as tag
func (t *Tasker) BuildImageFromPath(ctx context.Context, dir, tag string, useCache bool) (*StreamResult, error) {
	log.Info().Str("path", dir).Str("image", tag).Msg("Building image from path")
	startTime := time.Now()

	buildContext, err := CreateBuildContext(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	response, err := t.api.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		NoCache:     !useCache,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker build failed: %w", err)
	}

	result, err := t.consume(ctx, response.Body)
	if err != nil {
		return result, fmt.Errorf("build of %s failed: %w", tag, err)
	}

	log.Info().Str("image", tag).Dur("duration", time.Since(startTime)).Msg("Image build finished")
	return result, nil
}

// PullImage pulls ref and returns the identifier it was pulled as
func (t *Tasker) PullImage(ctx context.Context, ref imagename.RepoImageTag) (string, *StreamResult, error) {
	imageRef := ref.String()
	log.Info().Str("image", imageRef).Msg("Pulling image")

	body, err := t.api.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return imageRef, nil, fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	result, err := t.consume(ctx, body)
	if err != nil {
		return imageRef, result, fmt.Errorf("pull of %s failed: %w", imageRef, err)
	}
	return imageRef, result, nil
}

// TagImage tags source as target and returns the full target identifier. An
// empty target tag keeps the source tag.
func (t *Tasker) TagImage(ctx context.Context, source string, target imagename.RepoImageTag) (string, error) {
	targetRef := target.String()
	log.Info().Str("source", source).Str("target", targetRef).Msg("Tagging image")

	if err := t.api.ImageTag(ctx, source, targetRef); err != nil {
		return "", fmt.Errorf("failed to tag image %s as %s: %w", source, targetRef, err)
	}
	return targetRef, nil
}

// PushImage pushes an already tagged image
func (t *Tasker) PushImage(ctx context.Context, imageRef string) (*StreamResult, error) {
	log.Info().Str("image", imageRef).Msg("Pushing image")

	// Registry authentication is out of scope: push anonymously
	auth, err := dockerregistry.EncodeAuthConfig(dockerregistry.AuthConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to encode registry auth: %w", err)
	}

	body, err := t.api.ImagePush(ctx, imageRef, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return nil, fmt.Errorf("failed to push image %s: %w", imageRef, err)
	}

	result, err := t.consume(ctx, body)
	if err != nil {
		return result, fmt.Errorf("push of %s failed: %w", imageRef, err)
	}

	log.Info().Str("image", imageRef).Msg("Image pushed successfully")
	return result, nil
}

// TagAndPushImage tags source into target and pushes it
func (t *Tasker) TagAndPushImage(ctx context.Context, source string, target imagename.RepoImageTag) (string, *StreamResult, error) {
	targetRef, err := t.TagImage(ctx, source, target)
	if err != nil {
		return "", nil, err
	}
	result, err := t.PushImage(ctx, targetRef)
	return targetRef, result, err
}

// InspectImage returns engine metadata about an image
func (t *Tasker) InspectImage(ctx context.Context, imageRef string) (image.InspectResponse, error) {
	inspect, err := t.api.ImageInspect(ctx, imageRef)
	if err != nil {
		return image.InspectResponse{}, fmt.Errorf("failed to inspect image %s: %w", imageRef, err)
	}
	return inspect, nil
}

// ImageExists reports whether the engine knows imageRef
func (t *Tasker) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	_, err := t.api.ImageInspect(ctx, imageRef)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", imageRef, err)
}

// RemoveImage removes an image from the engine
func (t *Tasker) RemoveImage(ctx context.Context, imageRef string, noPrune bool) error {
	log.Info().Str("image", imageRef).Msg("Removing image")

	if _, err := t.api.ImageRemove(ctx, imageRef, image.RemoveOptions{Force: true, PruneChildren: !noPrune}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", imageRef, err)
	}
	return nil
}

// RunOptions describes a container started by RunContainer
type RunOptions struct {
	Image      string
	Command    []string
	Env        []string
	Binds      []string
	Privileged bool
	Labels     map[string]string
}

// RunContainer creates and starts a container and returns its ID
func (t *Tasker) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	log.Info().
		Str("image", opts.Image).
		Bool("privileged", opts.Privileged).
		Strs("binds", opts.Binds).
		Msg("Creating container")

	created, err := t.api.ContainerCreate(ctx,
		&container.Config{
			Image:  opts.Image,
			Cmd:    opts.Command,
			Env:    opts.Env,
			Labels: opts.Labels,
		},
		&container.HostConfig{
			Binds:      opts.Binds,
			Privileged: opts.Privileged,
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	log.Debug().Str("containerID", created.ID).Msg("Container created")

	if err := t.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("failed to start container %s: %w", created.ID, err)
	}
	return created.ID, nil
}

// WaitContainer blocks until the container stops and returns its exit code
func (t *Tasker) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	log.Info().Str("containerID", containerID).Msg("Waiting for container to finish")

	statusCh, errCh := t.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("error waiting for container %s: %w", containerID, err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("error waiting for container %s: %s", containerID, status.Error.Message)
		}
		log.Debug().Str("containerID", containerID).Int64("exitCode", status.StatusCode).Msg("Container finished")
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ContainerLogs returns the combined stdout and stderr lines of a container
func (t *Tasker) ContainerLogs(ctx context.Context, containerID string) ([]string, error) {
	body, err := t.api.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs of container %s: %w", containerID, err)
	}
	defer body.Close()

	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, body); err != nil {
		return nil, fmt.Errorf("failed to read logs of container %s: %w", containerID, err)
	}

	var lines []string
	for _, line := range strings.Split(output.String(), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// KillContainer sends SIGKILL to a running container
func (t *Tasker) KillContainer(ctx context.Context, containerID string) error {
	log.Warn().Str("containerID", containerID).Msg("Killing container")

	if err := t.api.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container, forcing removal of running ones
func (t *Tasker) RemoveContainer(ctx context.Context, containerID string) error {
	log.Debug().Str("containerID", containerID).Msg("Removing container")

	if err := t.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Close closes the engine client connection
func (t *Tasker) Close() error {
	if t.api != nil {
		return t.api.Close()
	}
	return nil
}

func (t *Tasker) consume(ctx context.Context, body io.ReadCloser) (*StreamResult, error) {
	defer body.Close()
	stop := CloseOnCancel(ctx, body)
	defer stop()

	result, err := WaitForCommand(ctx, Records(body))
	if errors.Is(err, ErrNoOutput) {
		log.Warn().Msg("Engine stream finished without output")
		return result, nil
	}
	return result, err
}
