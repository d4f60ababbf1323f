// Package enginetest provides an in-memory engine API for tests.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// SuccessStream is a minimal successful build stream
const SuccessStream = `{"stream":"Step 1/1 : FROM fedora\n"}
{"aux":{"ID":"sha256:built"}}
{"stream":"Successfully built built\n"}
`

// ErrorStream is a build stream that fails on its second record
const ErrorStream = `{"stream":"Step 1/2 : FROM fedora\n"}
{"errorDetail":{"message":"returned a non-zero code: 1"},"error":"returned a non-zero code: 1"}
{"stream":"never reached\n"}
`

// ContainerRun is what the fake saw for one created container
type ContainerRun struct {
	ID         string
	Config     *container.Config
	HostConfig *container.HostConfig
	Killed     bool
	Removed    bool
}

// API is a scriptable stand-in for the Docker engine client
type API struct {
	mu sync.Mutex

	// Images known to the engine, keyed by reference
	Images map[string]image.InspectResponse

	// BuildStream is returned by ImageBuild, SuccessStream when empty
	BuildStream string
	// BuildErr fails ImageBuild before any stream is returned
	BuildErr error
	// BuiltImage is registered in Images under the build tag after a build
	BuiltImage *image.InspectResponse

	// PullStreams and PushStreams are keyed by reference
	PullStreams map[string]string
	PushStreams map[string]string

	// OnStart runs when a container starts and returns its exit code
	OnStart func(run *ContainerRun) int64
	// BlockWait makes ContainerWait block until its context is done
	BlockWait bool
	// Logs is returned by ContainerLogs
	Logs string
	// PingErr fails Ping
	PingErr error

	Calls      []string
	Containers []*ContainerRun
	Tags       map[string]string
	Removed    []string

	exitCodes map[string]int64
}

// New returns an empty fake engine
func New() *API {
	return &API{
		Images:      map[string]image.InspectResponse{},
		PullStreams: map[string]string{},
		PushStreams: map[string]string{},
		Tags:        map[string]string{},
		exitCodes:   map[string]int64{},
	}
}

func (f *API) record(format string, args ...interface{}) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// Called reports whether a call with the given prefix happened
func (f *API) Called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.Calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

func (f *API) Ping(ctx context.Context) (types.Ping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ping")
	return types.Ping{APIVersion: "1.47"}, f.PingErr
}

func (f *API) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build %s", strings.Join(options.Tags, ","))
	if f.BuildErr != nil {
		return build.ImageBuildResponse{}, f.BuildErr
	}
	_, _ = io.Copy(io.Discard, buildContext)

	stream := f.BuildStream
	if stream == "" {
		stream = SuccessStream
	}
	if f.BuiltImage != nil && !strings.Contains(stream, `"error"`) {
		for _, tag := range options.Tags {
			f.Images[tag] = *f.BuiltImage
		}
	}
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(stream))}, nil
}

func (f *API) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull %s", ref)
	stream, ok := f.PullStreams[ref]
	if !ok {
		stream = `{"status":"Pulling from library"}` + "\n" + `{"status":"Status: Downloaded newer image"}` + "\n"
	}
	f.Images[ref] = image.InspectResponse{ID: "sha256:" + ref}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func (f *API) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("push %s", ref)
	stream, ok := f.PushStreams[ref]
	if !ok {
		stream = `{"status":"Pushed","id":"layer"}` + "\n" + `{"status":"latest: digest: sha256:abc size: 1"}` + "\n"
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func (f *API) ImageTag(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tag %s %s", source, target)
	f.Tags[target] = source
	if inspect, ok := f.Images[source]; ok {
		f.Images[target] = inspect
	}
	return nil
}

func (f *API) ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect %s", imageID)
	inspect, ok := f.Images[imageID]
	if !ok {
		return image.InspectResponse{}, errdefs.NotFound(fmt.Errorf("no such image: %s", imageID))
	}
	return inspect, nil
}

func (f *API) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rmi %s", imageID)
	f.Removed = append(f.Removed, imageID)
	delete(f.Images, imageID)
	return []image.DeleteResponse{{Deleted: imageID}}, nil
}

func (f *API) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("container-%d", len(f.Containers)+1)
	f.record("create %s", config.Image)
	f.Containers = append(f.Containers, &ContainerRun{ID: id, Config: config, HostConfig: hostConfig})
	return container.CreateResponse{ID: id}, nil
}

func (f *API) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	f.record("start %s", containerID)
	run := f.container(containerID)
	onStart := f.OnStart
	f.mu.Unlock()

	var code int64
	if onStart != nil {
		code = onStart(run)
	}

	f.mu.Lock()
	f.exitCodes[containerID] = code
	f.mu.Unlock()
	return nil
}

func (f *API) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	f.record("wait %s", containerID)
	code := f.exitCodes[containerID]
	block := f.BlockWait
	f.mu.Unlock()

	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if block {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: code}
	return statusCh, errCh
}

func (f *API) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("logs %s", containerID)
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.Logs))
	return io.NopCloser(&buf), nil
}

func (f *API) ContainerKill(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("kill %s", containerID)
	if run := f.container(containerID); run != nil {
		run.Killed = true
	}
	return nil
}

func (f *API) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rm %s", containerID)
	if run := f.container(containerID); run != nil {
		run.Removed = true
	}
	return nil
}

func (f *API) Close() error {
	return nil
}

func (f *API) container(id string) *ContainerRun {
	for _, run := range f.Containers {
		if run.ID == id {
			return run
		}
	}
	return nil
}
