package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/observability"
	"github.com/alvesdmateus/dock/internal/queue"
)

// errPermanent wraps job errors that retrying cannot fix
type errPermanent struct {
	err error
}

func (e errPermanent) Error() string { return e.err.Error() }

func (e errPermanent) Unwrap() error { return e.err }

// isPermanent reports whether err must not be retried
func isPermanent(err error) bool {
	var permanent errPermanent
	return errors.As(err, &permanent)
}

// handleBuildJob dispatches a build job. A build that ran to a result, even
// a failing one, is final and returns nil. Errors are retryable unless
// wrapped in errPermanent.
func (e *Engine) handleBuildJob(ctx context.Context, job *queue.Job) error {
	logger := e.logger.With().
		Str("job_id", job.ID).
		Str("build_id", job.BuildID).
		Int("attempt", job.Attempts+1).
		Logger()

	if job.Config == nil {
		return errPermanent{err: fmt.Errorf("job %s carries no build configuration", job.ID)}
	}

	if job.Attempts == 0 && !job.CreatedAt.IsZero() {
		e.metrics.RecordQueueLatency(string(queue.JobTypeBuild), time.Since(job.CreatedAt).Seconds())
	}

	ctx, span := e.tracer.StartSpan(ctx, "job.build")
	defer span.End()
	e.tracer.SetAttributes(ctx, observability.JobSpanAttributes(string(queue.JobTypeBuild), job.ID, job.Attempts+1)...)

	logger.Info().
		Str("image", job.Config.Image).
		Msg("Handling build job")

	var (
		result *buildtypes.BuildResult
		err    error
	)
	if job.BuildID != "" {
		result, err = e.dispatcher.Dispatch(ctx, job.BuildID, job.Config)
	} else {
		result, err = e.dispatcher.Build(ctx, job.Config)
	}

	if err != nil {
		if buildtypes.IsConfigError(err) {
			return errPermanent{err: err}
		}
		return fmt.Errorf("dispatch build: %w", err)
	}

	logger.Info().
		Int("return_code", result.ReturnCode).
		Str("image_id", result.ImageID).
		Msg("Build job finished")

	return nil
}
