package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/observability"
	"github.com/alvesdmateus/dock/internal/queue"
)

// memQueue is an in-memory JobQueue
type memQueue struct {
	mu         sync.Mutex
	jobs       []*queue.Job
	notify     chan struct{}
	processing map[string]bool
	completed  []string
	failed     map[string]string
	enqueueErr error
}

func newMemQueue() *memQueue {
	return &memQueue{
		notify:     make(chan struct{}, 100),
		processing: map[string]bool{},
		failed:     map[string]string{},
	}
}

func (q *memQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	cp := *job
	q.jobs = append(q.jobs, &cp)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, jobType queue.JobType, timeout time.Duration) (*queue.Job, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *memQueue) MarkProcessing(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing[jobID] = true
	return nil
}

func (q *memQueue) MarkComplete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, jobID)
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *memQueue) MarkFailed(ctx context.Context, jobID string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, jobID)
	q.failed[jobID] = err.Error()
	return nil
}

func (q *memQueue) GetQueueLength(ctx context.Context, jobType queue.JobType) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *memQueue) isCompleted(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.completed {
		if id == jobID {
			return true
		}
	}
	return false
}

func (q *memQueue) failure(jobID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.failed[jobID]
	return msg, ok
}

// fakeDispatcher answers every dispatch with respond
type fakeDispatcher struct {
	calls     atomic.Int32
	mu        sync.Mutex
	buildIDs  []string
	untracked int
	respond   func(call int) (*buildtypes.BuildResult, error)
}

func (d *fakeDispatcher) Build(ctx context.Context, cfg *buildtypes.BuildConfiguration) (*buildtypes.BuildResult, error) {
	d.mu.Lock()
	d.untracked++
	d.mu.Unlock()
	return d.respond(int(d.calls.Add(1)))
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, buildID string, cfg *buildtypes.BuildConfiguration) (*buildtypes.BuildResult, error) {
	d.mu.Lock()
	d.buildIDs = append(d.buildIDs, buildID)
	d.mu.Unlock()
	return d.respond(int(d.calls.Add(1)))
}

func testConfig() *buildtypes.BuildConfiguration {
	return &buildtypes.BuildConfiguration{
		GitURL: "https://example.com/repo.git",
		Image:  "myapp:1.0",
		Method: buildtypes.MethodHere,
	}
}

// runWorker starts a worker over q and d and returns a stop function
func runWorker(t *testing.T, q *memQueue, d *fakeDispatcher, concurrency int) (*observability.Metrics, func()) {
	t.Helper()

	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	engine := NewEngine(q, d, metrics, zerolog.Nop())
	worker := NewWorker(engine, concurrency, zerolog.Nop())
	worker.SetPollTimeout(50 * time.Millisecond)
	worker.backoff = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	stop := func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
	t.Cleanup(cancel)
	return metrics, stop
}

func submit(t *testing.T, q *memQueue, maxAttempts int) *queue.Job {
	t.Helper()
	client := NewClient(q, maxAttempts, zerolog.Nop())
	job, err := client.SubmitBuild(context.Background(), uuid.New().String(), testConfig())
	require.NoError(t, err)
	return job
}

func TestWorker_CompletesJob(t *testing.T) {
	q := newMemQueue()
	d := &fakeDispatcher{respond: func(int) (*buildtypes.BuildResult, error) {
		return &buildtypes.BuildResult{ImageID: "sha256:abc"}, nil
	}}

	job := submit(t, q, 3)
	metrics, stop := runWorker(t, q, d, 2)

	require.Eventually(t, func() bool { return q.isCompleted(job.ID) }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, int32(1), d.calls.Load())
	assert.Equal(t, []string{job.BuildID}, d.buildIDs)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.WorkersActive))
}

func TestWorker_FailedBuildIsFinal(t *testing.T) {
	q := newMemQueue()
	d := &fakeDispatcher{respond: func(int) (*buildtypes.BuildResult, error) {
		return &buildtypes.BuildResult{ReturnCode: buildtypes.ReturnCodeNoImage, Message: "clone failed"}, nil
	}}

	job := submit(t, q, 3)
	_, stop := runWorker(t, q, d, 1)

	require.Eventually(t, func() bool { return q.isCompleted(job.ID) }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, int32(1), d.calls.Load())
}

func TestWorker_RetriesInfrastructureErrors(t *testing.T) {
	q := newMemQueue()
	d := &fakeDispatcher{respond: func(call int) (*buildtypes.BuildResult, error) {
		if call < 3 {
			err := errors.New("cannot connect to the docker daemon")
			return buildtypes.FailedResult(err), err
		}
		return &buildtypes.BuildResult{ImageID: "sha256:abc"}, nil
	}}

	job := submit(t, q, 3)
	metrics, stop := runWorker(t, q, d, 1)

	require.Eventually(t, func() bool { return q.isCompleted(job.ID) }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, int32(3), d.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("retried")))
	_, failed := q.failure(job.ID)
	assert.False(t, failed)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	q := newMemQueue()
	d := &fakeDispatcher{respond: func(int) (*buildtypes.BuildResult, error) {
		err := errors.New("engine unreachable")
		return buildtypes.FailedResult(err), err
	}}

	job := submit(t, q, 2)
	metrics, stop := runWorker(t, q, d, 1)

	require.Eventually(t, func() bool {
		_, ok := q.failure(job.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	msg, _ := q.failure(job.ID)
	assert.Contains(t, msg, "engine unreachable")
	assert.Equal(t, int32(2), d.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("failed")))
}

func TestWorker_ConfigErrorsAreNotRetried(t *testing.T) {
	q := newMemQueue()
	d := &fakeDispatcher{respond: func(int) (*buildtypes.BuildResult, error) {
		err := buildtypes.ErrInvalidConfig{Field: "image", Reason: "is required"}
		return buildtypes.FailedResult(err), err
	}}

	job := submit(t, q, 5)
	_, stop := runWorker(t, q, d, 1)

	require.Eventually(t, func() bool {
		_, ok := q.failure(job.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, int32(1), d.calls.Load())
}

func TestWorker_JobWithoutConfig(t *testing.T) {
	q := newMemQueue()
	d := &fakeDispatcher{respond: func(int) (*buildtypes.BuildResult, error) {
		return &buildtypes.BuildResult{}, nil
	}}

	require.NoError(t, q.Enqueue(context.Background(), &queue.Job{ID: "empty", MaxAttempts: 3}))
	_, stop := runWorker(t, q, d, 1)

	require.Eventually(t, func() bool {
		_, ok := q.failure("empty")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Zero(t, d.calls.Load())
}

func TestWorker_UntrackedJobUsesBuild(t *testing.T) {
	q := newMemQueue()
	d := &fakeDispatcher{respond: func(int) (*buildtypes.BuildResult, error) {
		return &buildtypes.BuildResult{ImageID: "sha256:abc"}, nil
	}}

	require.NoError(t, q.Enqueue(context.Background(), &queue.Job{ID: "untracked", Config: testConfig(), MaxAttempts: 1}))
	_, stop := runWorker(t, q, d, 1)

	require.Eventually(t, func() bool { return q.isCompleted("untracked") }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, 1, d.untracked)
	assert.Empty(t, d.buildIDs)
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, queue.BaseBackoffDelay},
		{2, 2 * queue.BaseBackoffDelay},
		{3, 4 * queue.BaseBackoffDelay},
		{20, queue.MaxBackoffDelay},
	}

	for _, tt := range tests {
		delay := calculateBackoff(tt.attempt)
		spread := time.Duration(float64(tt.base) * queue.BackoffJitterPercent)
		assert.GreaterOrEqual(t, delay, tt.base-spread, "attempt %d", tt.attempt)
		assert.LessOrEqual(t, delay, tt.base+spread, "attempt %d", tt.attempt)
	}
}

func TestClient_SubmitBuild(t *testing.T) {
	q := newMemQueue()
	client := NewClient(q, 0, zerolog.Nop())

	job, err := client.SubmitBuild(context.Background(), "build-1", testConfig())
	require.NoError(t, err)
	assert.Equal(t, queue.JobTypeBuild, job.Type)
	assert.Equal(t, queue.DefaultMaxAttempts, job.MaxAttempts)
	assert.False(t, job.CreatedAt.IsZero())

	stats, err := client.GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"build": 1}, stats)

	q.enqueueErr = errors.New("connection refused")
	_, err = client.SubmitBuild(context.Background(), "build-2", testConfig())
	assert.ErrorContains(t, err, "enqueue build job")
}
