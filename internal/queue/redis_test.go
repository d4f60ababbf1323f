package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
)

// setupTestQueue connects to a local Redis, using a scratch database.
// Tests are skipped when Redis is not available.
func setupTestQueue(t *testing.T) *RedisQueue {
	t.Helper()

	addr := os.Getenv("DOCK_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	q, err := NewRedisQueue(addr, "", 15)
	if err != nil {
		t.Skipf("Skipping Redis test: %v", err)
	}
	require.NoError(t, q.client.FlushDB(context.Background()).Err())

	t.Cleanup(func() {
		q.client.FlushDB(context.Background())
		q.Close()
	})

	return q
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	job := &Job{
		BuildID: "5d0e8c8e-8b8a-4a77-9e1c-0c4c2e1b9a10",
		Config: &buildtypes.BuildConfiguration{
			GitURL: "https://example.com/repo.git",
			Image:  "myapp:1.0",
			Method: buildtypes.MethodHere,
		},
	}
	require.NoError(t, q.Enqueue(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobTypeBuild, job.Type)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)

	length, err := q.GetQueueLength(ctx, JobTypeBuild)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	got, err := q.Dequeue(ctx, JobTypeBuild, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.BuildID, got.BuildID)
	require.NotNil(t, got.Config)
	assert.Equal(t, "myapp:1.0", got.Config.Image)
	assert.Equal(t, buildtypes.MethodHere, got.Config.Method)
}

func TestRedisQueue_FIFO(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, q.Enqueue(ctx, &Job{ID: id}))
	}

	for _, expected := range []string{"first", "second", "third"} {
		job, err := q.Dequeue(ctx, JobTypeBuild, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, expected, job.ID)
	}
}

func TestRedisQueue_DequeueTimeout(t *testing.T) {
	q := setupTestQueue(t)

	job, err := q.Dequeue(context.Background(), JobTypeBuild, time.Second)
	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisQueue_ProcessingMarkers(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.MarkProcessing(ctx, "job-1"))
	require.NoError(t, q.MarkProcessing(ctx, "job-2"))

	processing, err := q.GetProcessingJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, processing)

	require.NoError(t, q.MarkComplete(ctx, "job-1"))
	require.NoError(t, q.MarkFailed(ctx, "job-2", errors.New("engine unreachable")))

	processing, err = q.GetProcessingJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, processing)

	failed, err := q.GetFailedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job-2": "engine unreachable"}, failed)
}

func TestNewRedisQueue_InvalidURL(t *testing.T) {
	_, err := NewRedisQueue("redis://localhost:6379/notanumber", "", 0)
	assert.Error(t, err)
}

func TestJob_CanRetry(t *testing.T) {
	job := &Job{Attempts: 1, MaxAttempts: 3}
	assert.True(t, job.CanRetry())

	job.Attempts = 3
	assert.False(t, job.CanRetry())
}
