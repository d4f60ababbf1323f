package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Migrate creates or alters the tables backing models
func Migrate(db *gorm.DB, models ...interface{}) error {
	if len(models) == 0 {
		return nil
	}

	start := time.Now()
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	log.Debug().
		Int("models", len(models)).
		Dur("duration", time.Since(start)).
		Msg("Database schema up to date")
	return nil
}
