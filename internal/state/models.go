package state

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/alvesdmateus/dock/pkg/database"
)

// Build statuses
const (
	StatusQueued    = "QUEUED"
	StatusBuilding  = "BUILDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Build tracks one dispatched image build
type Build struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	Status    string    `gorm:"not null;index"`
	Method    string
	GitURL    string `gorm:"not null"`
	GitCommit string
	Image     string `gorm:"not null;index"`
	// Config is the JSON build configuration as submitted
	Config     string `gorm:"type:text"`
	ReturnCode *int
	ImageID    string
	Message    string
	BuildLog   string `gorm:"type:text"`
	// Metadata is the JSON result metadata
	Metadata    string `gorm:"type:text"`
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Finished reports whether the build reached a terminal status
func (b *Build) Finished() bool {
	return b.Status == StatusCompleted || b.Status == StatusFailed
}

// Models lists every persisted model
func Models() []interface{} {
	return []interface{}{&Build{}}
}

// AutoMigrate creates or updates the build history tables
func AutoMigrate(db *gorm.DB) error {
	return database.Migrate(db, Models()...)
}
