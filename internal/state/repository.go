package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrBuildNotFound is returned when no build has the requested ID
var ErrBuildNotFound = errors.New("build not found")

// Repository provides database operations for builds
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new state repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateBuild creates a build record
func (r *Repository) CreateBuild(ctx context.Context, build *Build) error {
	if build.ID == uuid.Nil {
		build.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(build).Error; err != nil {
		return fmt.Errorf("failed to create build: %w", err)
	}

	return nil
}

// UpdateBuild updates a build record
func (r *Repository) UpdateBuild(ctx context.Context, build *Build) error {
	if err := r.db.WithContext(ctx).Save(build).Error; err != nil {
		return fmt.Errorf("failed to update build: %w", err)
	}

	return nil
}

// UpdateBuildStatus updates only the status of a build
func (r *Repository) UpdateBuildStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&Build{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update build status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}

	return nil
}

// IncrementAttempts records one more dispatch attempt for a build
func (r *Repository) IncrementAttempts(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&Build{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + ?", 1)).Error; err != nil {
		return fmt.Errorf("failed to increment build attempts: %w", err)
	}

	return nil
}

// GetBuildByID retrieves a build by its ID
func (r *Repository) GetBuildByID(ctx context.Context, id uuid.UUID) (*Build, error) {
	var build Build

	if err := r.db.WithContext(ctx).First(&build, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
		}
		return nil, fmt.Errorf("failed to get build: %w", err)
	}

	return &build, nil
}

// ListBuilds retrieves builds, newest first, optionally filtered by status
func (r *Repository) ListBuilds(ctx context.Context, status string, limit, offset int) ([]Build, error) {
	var builds []Build

	query := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}

	return builds, nil
}

// CountBuildsByStatus counts builds by status
func (r *Repository) CountBuildsByStatus(ctx context.Context, status string) (int64, error) {
	var count int64

	if err := r.db.WithContext(ctx).
		Model(&Build{}).
		Where("status = ?", status).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count builds: %w", err)
	}

	return count, nil
}

// GetLatestBuildForImage retrieves the latest build of an image
func (r *Repository) GetLatestBuildForImage(ctx context.Context, image string) (*Build, error) {
	var build Build

	if err := r.db.WithContext(ctx).
		Where("image = ?", image).
		Order("created_at DESC").
		First(&build).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no build of %s", ErrBuildNotFound, image)
		}
		return nil, fmt.Errorf("failed to get latest build: %w", err)
	}

	return &build, nil
}

// DeleteBuild deletes a build record
func (r *Repository) DeleteBuild(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&Build{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}

	return nil
}
