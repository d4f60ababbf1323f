package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alvesdmateus/dock/internal/queue"
)

// requeueTimeout bounds the queue calls made while shutting down
const requeueTimeout = 10 * time.Second

// Worker processes jobs from the queue with configurable concurrency
type Worker struct {
	engine      *Engine
	concurrency int
	pollTimeout time.Duration
	backoff     func(attempt int) time.Duration
	logger      zerolog.Logger

	// retries tracks the delayed requeues still pending
	retries sync.WaitGroup
}

// NewWorker creates a new worker
func NewWorker(engine *Engine, concurrency int, logger zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Worker{
		engine:      engine,
		concurrency: concurrency,
		pollTimeout: 5 * time.Second, // Blocking poll timeout
		backoff:     calculateBackoff,
		logger:      logger.With().Str("component", "worker").Logger(),
	}
}

// SetPollTimeout changes how long one dequeue blocks
func (w *Worker) SetPollTimeout(timeout time.Duration) {
	if timeout > 0 {
		w.pollTimeout = timeout
	}
}

// Start runs N concurrent job processors until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().
		Int("concurrency", w.concurrency).
		Msg("Starting build worker")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i
		g.Go(func() error {
			w.processJobs(ctx, workerID)
			return nil
		})
	}

	err := g.Wait()
	w.retries.Wait()

	w.logger.Info().Msg("Build worker stopped")
	return err
}

// processJobs is the main worker loop that processes jobs from the queue
func (w *Worker) processJobs(ctx context.Context, workerID int) {
	logger := w.logger.With().Int("worker_id", workerID).Logger()
	logger.Debug().Msg("Worker goroutine started")

	for {
		if ctx.Err() != nil {
			logger.Debug().Msg("Worker goroutine stopped (context cancelled)")
			return
		}

		job, err := w.engine.queue.Dequeue(ctx, queue.JobTypeBuild, w.pollTimeout)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("Failed to dequeue job")
				sleepContext(ctx, w.pollTimeout)
			}
			continue
		}
		if job == nil {
			continue
		}

		w.processJob(ctx, job, logger)
	}
}

// processJob runs one job and settles it: complete, retried or failed
func (w *Worker) processJob(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	logger = logger.With().
		Str("job_id", job.ID).
		Str("build_id", job.BuildID).
		Logger()

	if err := w.engine.queue.MarkProcessing(ctx, job.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark job as processing")
	}

	w.engine.metrics.IncWorkersActive()
	err := w.engine.handleBuildJob(ctx, job)
	w.engine.metrics.DecWorkersActive()
	defer w.engine.updateQueueDepth(context.Background())

	if err == nil {
		logger.Info().Msg("Job processed successfully")
		w.engine.metrics.RecordJob("completed")
		if err := w.engine.queue.MarkComplete(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark job as complete")
		}
		return
	}

	logger.Error().Err(err).Msg("Job processing failed")

	if ctx.Err() != nil {
		// interrupted by shutdown, the attempt does not count
		w.requeue(job, logger)
		return
	}

	job.Attempts++
	job.LastError = err.Error()

	if !isPermanent(err) && job.CanRetry() {
		delay := w.backoff(job.Attempts)
		job.NextRetryAt = time.Now().Add(delay)

		logger.Warn().
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Dur("backoff_delay", delay).
			Time("next_retry_at", job.NextRetryAt).
			Msg("Requeueing failed job for retry with backoff")

		w.engine.metrics.RecordJob("retried")
		w.scheduleRetry(ctx, job, delay, logger)
		return
	}

	logger.Error().
		Int("attempts", job.Attempts).
		Bool("permanent", isPermanent(err)).
		Str("last_error", err.Error()).
		Msg("Job failed, not retrying")

	w.engine.metrics.RecordJob("failed")
	if markErr := w.engine.queue.MarkFailed(context.Background(), job.ID, err); markErr != nil {
		logger.Error().Err(markErr).Msg("Failed to mark job as failed")
	}
}

// scheduleRetry requeues job after delay. A shutdown during the delay
// requeues it at once so the job is not lost.
func (w *Worker) scheduleRetry(ctx context.Context, job *queue.Job, delay time.Duration, logger zerolog.Logger) {
	w.retries.Add(1)
	go func() {
		defer w.retries.Done()
		sleepContext(ctx, delay)
		w.requeue(job, logger)
	}()
}

func (w *Worker) requeue(job *queue.Job, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()

	if err := w.engine.queue.Enqueue(ctx, job); err != nil {
		logger.Error().Err(err).Msg("Failed to requeue job")
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// calculateBackoff calculates the backoff delay with exponential growth and jitter
func calculateBackoff(attempt int) time.Duration {
	// Calculate exponential delay: base * multiplier^attempt
	delay := float64(queue.BaseBackoffDelay) * math.Pow(queue.BackoffMultiplier, float64(attempt-1))

	// Cap at max delay
	if delay > float64(queue.MaxBackoffDelay) {
		delay = float64(queue.MaxBackoffDelay)
	}

	// Add jitter (+/-10%)
	jitter := delay * queue.BackoffJitterPercent * (2*rand.Float64() - 1)
	delay += jitter

	return time.Duration(delay)
}
