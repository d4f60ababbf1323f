package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/queue"
)

// Client provides orchestration capabilities for the API layer
// It only requires a queue connection, not the full worker dependencies
type Client struct {
	queue       JobQueue
	maxAttempts int
	logger      zerolog.Logger
}

// NewClient creates a new orchestrator client for API use
func NewClient(q JobQueue, maxAttempts int, logger zerolog.Logger) *Client {
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	return &Client{
		queue:       q,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "orchestrator-client").Logger(),
	}
}

// SubmitBuild enqueues a build job for the recorded build buildID
func (c *Client) SubmitBuild(ctx context.Context, buildID string, cfg *buildtypes.BuildConfiguration) (*queue.Job, error) {
	job := &queue.Job{
		ID:          uuid.New().String(),
		Type:        queue.JobTypeBuild,
		BuildID:     buildID,
		Config:      cfg,
		CreatedAt:   time.Now(),
		MaxAttempts: c.maxAttempts,
	}

	if err := c.queue.Enqueue(ctx, job); err != nil {
		c.logger.Error().
			Err(err).
			Str("build_id", buildID).
			Msg("Failed to enqueue build job")
		return nil, fmt.Errorf("enqueue build job: %w", err)
	}

	c.logger.Info().
		Str("job_id", job.ID).
		Str("build_id", buildID).
		Str("image", cfg.Image).
		Msg("Build job enqueued successfully")

	return job, nil
}

// GetQueueStats returns the number of waiting jobs per queue
func (c *Client) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	length, err := c.queue.GetQueueLength(ctx, queue.JobTypeBuild)
	if err != nil {
		return nil, fmt.Errorf("get queue length for %s: %w", queue.JobTypeBuild, err)
	}

	return map[string]int64{string(queue.JobTypeBuild): length}, nil
}
