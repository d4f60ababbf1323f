package queue

import (
	"time"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
)

// JobType represents the type of job to be processed
type JobType string

const (
	// JobTypeBuild represents an image build job
	JobTypeBuild JobType = "build"
)

// Retry policy defaults
const (
	DefaultMaxAttempts   = 3
	BaseBackoffDelay     = 5 * time.Second
	MaxBackoffDelay      = 5 * time.Minute
	BackoffMultiplier    = 2.0
	BackoffJitterPercent = 0.1
)

// Job represents a work item in the queue
type Job struct {
	ID          string                         `json:"id"`
	Type        JobType                        `json:"type"`
	BuildID     string                         `json:"build_id"`
	Config      *buildtypes.BuildConfiguration `json:"config"`
	CreatedAt   time.Time                      `json:"created_at"`
	Attempts    int                            `json:"attempts"`
	MaxAttempts int                            `json:"max_attempts"`
	LastError   string                         `json:"last_error,omitempty"`
	NextRetryAt time.Time                      `json:"next_retry_at,omitempty"`
}

// CanRetry reports whether the job has attempts left
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}
