// Package orchestrator runs queued build jobs through the build dispatcher.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/dock/internal/builder"
	"github.com/alvesdmateus/dock/internal/observability"
	"github.com/alvesdmateus/dock/internal/queue"
)

// JobQueue is the queue interface the orchestrator needs.
// *queue.RedisQueue implements it.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Dequeue(ctx context.Context, jobType queue.JobType, timeout time.Duration) (*queue.Job, error)
	MarkProcessing(ctx context.Context, jobID string) error
	MarkComplete(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, err error) error
	GetQueueLength(ctx context.Context, jobType queue.JobType) (int64, error)
}

// Engine couples the job queue to the build dispatcher
type Engine struct {
	queue      JobQueue
	dispatcher builder.Dispatcher
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     zerolog.Logger
}

// NewEngine creates a new orchestrator engine. metrics may be nil.
func NewEngine(q JobQueue, dispatcher builder.Dispatcher, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	return &Engine{
		queue:      q,
		dispatcher: dispatcher,
		metrics:    metrics,
		tracer:     observability.GetGlobalTracer(),
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}
}

// updateQueueDepth refreshes the queue depth gauge
func (e *Engine) updateQueueDepth(ctx context.Context) {
	length, err := e.queue.GetQueueLength(ctx, queue.JobTypeBuild)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Failed to read queue length")
		return
	}
	e.metrics.SetQueueDepth(string(queue.JobTypeBuild), float64(length))
}
