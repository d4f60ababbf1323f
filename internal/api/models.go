package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BuildResponse represents a recorded build in API responses
type BuildResponse struct {
	ID          uuid.UUID       `json:"id"`
	Status      string          `json:"status"`
	Method      string          `json:"method,omitempty"`
	GitURL      string          `json:"git_url"`
	GitCommit   string          `json:"git_commit,omitempty"`
	Image       string          `json:"image"`
	ReturnCode  *int            `json:"return_code,omitempty"`
	ImageID     string          `json:"image_id,omitempty"`
	Message     string          `json:"message,omitempty"`
	Attempts    int             `json:"attempts"`
	Config      json.RawMessage `json:"config,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	BuildLog    string          `json:"build_log,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// CreateBuildResponse is returned when a build is accepted
type CreateBuildResponse struct {
	BuildID uuid.UUID `json:"build_id"`
	JobID   string    `json:"job_id"`
	Status  string    `json:"status"`
}

// ListBuildsResponse is one page of builds
type ListBuildsResponse struct {
	Builds []BuildResponse `json:"builds"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// BuildLogsResponse carries the captured log of a build
type BuildLogsResponse struct {
	BuildID uuid.UUID `json:"build_id"`
	Status  string    `json:"status"`
	Logs    []string  `json:"logs"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version"`
}
