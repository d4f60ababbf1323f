package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/dock/internal/state"
)

// Tracker implements BuildTracker on top of the state repository
type Tracker struct {
	repo *state.Repository
}

// NewTracker creates a new build tracker
func NewTracker(repo *state.Repository) *Tracker {
	return &Tracker{repo: repo}
}

// QueueBuild creates a new build record for cfg
func (t *Tracker) QueueBuild(ctx context.Context, cfg *BuildConfiguration) (*state.Build, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode build configuration: %w", err)
	}

	build := &state.Build{
		ID:        uuid.New(),
		Status:    state.StatusQueued,
		Method:    string(cfg.Method),
		GitURL:    cfg.GitURL,
		GitCommit: cfg.GitCommit,
		Image:     cfg.Image,
		Config:    string(raw),
	}

	if err := t.repo.CreateBuild(ctx, build); err != nil {
		return nil, fmt.Errorf("failed to create build record: %w", err)
	}

	log.Info().
		Str("buildID", build.ID.String()).
		Str("image", cfg.Image).
		Msg("Build queued")

	return build, nil
}

// StartBuild marks a build as running and counts the attempt
func (t *Tracker) StartBuild(ctx context.Context, buildID string) error {
	build, err := t.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}

	now := time.Now()
	build.Status = state.StatusBuilding
	build.StartedAt = &now
	build.Attempts++

	if err := t.repo.UpdateBuild(ctx, build); err != nil {
		return fmt.Errorf("failed to update build: %w", err)
	}

	log.Debug().
		Str("buildID", buildID).
		Int("attempt", build.Attempts).
		Msg("Build started")

	return nil
}

// CompleteBuild marks a build as completed successfully
func (t *Tracker) CompleteBuild(ctx context.Context, buildID string, result *BuildResult) error {
	return t.finish(ctx, buildID, state.StatusCompleted, result, nil)
}

// FailBuild marks a build as failed
func (t *Tracker) FailBuild(ctx context.Context, buildID string, result *BuildResult, buildErr error) error {
	return t.finish(ctx, buildID, state.StatusFailed, result, buildErr)
}

func (t *Tracker) finish(ctx context.Context, buildID, status string, result *BuildResult, buildErr error) error {
	build, err := t.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}

	build.Status = status
	if result != nil {
		code := result.ReturnCode
		build.ReturnCode = &code
		build.ImageID = result.ImageID
		build.Message = result.Message
		build.BuildLog = strings.Join(result.Logs, "\n")

		metadata, err := json.Marshal(result.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode build metadata: %w", err)
		}
		build.Metadata = string(metadata)
	}
	if buildErr != nil {
		if build.Message == "" {
			build.Message = buildErr.Error()
		}
		build.BuildLog += fmt.Sprintf("\n\nBUILD FAILED: %s\n", buildErr.Error())
	}
	completedAt := time.Now()
	build.CompletedAt = &completedAt

	if err := t.repo.UpdateBuild(ctx, build); err != nil {
		return fmt.Errorf("failed to update build: %w", err)
	}

	log.Info().
		Str("buildID", buildID).
		Str("status", status).
		Msg("Build result recorded")

	return nil
}

// GetBuildByID retrieves a build by its ID
func (t *Tracker) GetBuildByID(ctx context.Context, buildID string) (*state.Build, error) {
	bID, err := uuid.Parse(buildID)
	if err != nil {
		return nil, fmt.Errorf("invalid build ID: %w", err)
	}
	return t.repo.GetBuildByID(ctx, bID)
}

// ListBuilds returns recorded builds, newest first
func (t *Tracker) ListBuilds(ctx context.Context, status string, limit, offset int) ([]state.Build, error) {
	return t.repo.ListBuilds(ctx, status, limit, offset)
}
