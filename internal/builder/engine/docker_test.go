package engine

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/dock/internal/builder/engine/enginetest"
	"github.com/alvesdmateus/dock/internal/builder/imagename"
)

func writeDockerfile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM fedora\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	return dir
}

func TestTasker_BuildImageFromPath(t *testing.T) {
	fake := enginetest.New()
	tasker := NewTasker(fake)

	result, err := tasker.BuildImageFromPath(context.Background(), writeDockerfile(t), "app:v1", false)
	require.NoError(t, err)
	assert.Equal(t, "sha256:built", result.ImageID)
	assert.True(t, fake.Called("build app:v1"))
}

func TestTasker_BuildImageFromPath_StreamError(t *testing.T) {
	fake := enginetest.New()
	fake.BuildStream = enginetest.ErrorStream
	tasker := NewTasker(fake)

	result, err := tasker.BuildImageFromPath(context.Background(), writeDockerfile(t), "app:v1", false)
	require.Error(t, err)

	var failure ErrCommandFailed
	assert.True(t, errors.As(err, &failure))
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Logs)
}

func TestTasker_PullTagPush(t *testing.T) {
	fake := enginetest.New()
	tasker := NewTasker(fake)
	ctx := context.Background()

	pulled, _, err := tasker.PullImage(ctx, imagename.Parse("reg.io/fedora:20"))
	require.NoError(t, err)
	assert.Equal(t, "reg.io/fedora:20", pulled)

	target, _, err := tasker.TagAndPushImage(ctx, "app:v1", imagename.Parse("app:v1").WithRegistry("push.example.com:5000"))
	require.NoError(t, err)
	assert.Equal(t, "push.example.com:5000/app:v1", target)
	assert.Equal(t, "app:v1", fake.Tags[target])
	assert.True(t, fake.Called("push push.example.com:5000/app:v1"))
}

func TestTasker_PushErrorRecord(t *testing.T) {
	fake := enginetest.New()
	fake.PushStreams["reg.io/app:v1"] = `{"status":"Preparing"}` + "\n" + `{"error":"unauthorized"}` + "\n"
	tasker := NewTasker(fake)

	_, err := tasker.PushImage(context.Background(), "reg.io/app:v1")
	var failure ErrCommandFailed
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "unauthorized", failure.Message)
}

func TestTasker_ImageExists(t *testing.T) {
	fake := enginetest.New()
	fake.Images["builder:latest"] = image.InspectResponse{ID: "sha256:1"}
	tasker := NewTasker(fake)

	exists, err := tasker.ImageExists(context.Background(), "builder:latest")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = tasker.ImageExists(context.Background(), "missing:latest")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTasker_RunAndWait(t *testing.T) {
	fake := enginetest.New()
	fake.OnStart = func(run *enginetest.ContainerRun) int64 { return 3 }
	fake.Logs = "line one\nline two\n"
	tasker := NewTasker(fake)
	ctx := context.Background()

	id, err := tasker.RunContainer(ctx, RunOptions{
		Image:      "builder",
		Binds:      []string{"/tmp/x:/run/share:rw"},
		Privileged: true,
	})
	require.NoError(t, err)

	code, err := tasker.WaitContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), code)

	lines, err := tasker.ContainerLogs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, lines)

	require.Len(t, fake.Containers, 1)
	assert.True(t, fake.Containers[0].HostConfig.Privileged)
	assert.Equal(t, []string{"/tmp/x:/run/share:rw"}, fake.Containers[0].HostConfig.Binds)
}

func TestTasker_WaitContainerCancelled(t *testing.T) {
	fake := enginetest.New()
	fake.BlockWait = true
	tasker := NewTasker(fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tasker.WaitContainer(ctx, "container-1")
	assert.Error(t, err)
}

func TestTasker_WaitReady(t *testing.T) {
	fake := enginetest.New()
	tasker := NewTasker(fake)
	require.NoError(t, tasker.WaitReady(context.Background(), time.Second, 10*time.Millisecond))

	fake.PingErr = errors.New("connection refused")
	err := tasker.WaitReady(context.Background(), 30*time.Millisecond, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestCreateBuildContext_ExcludesGit(t *testing.T) {
	dir := writeDockerfile(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))

	archive, err := CreateBuildContext(dir)
	require.NoError(t, err)
	defer archive.Close()

	var names []string
	tr := tar.NewReader(archive)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}

	assert.Contains(t, names, "Dockerfile")
	assert.Contains(t, names, "src/main.go")
	for _, name := range names {
		assert.NotContains(t, name, ".git")
	}
}
