package db

import (
	"fmt"

	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&core.Job{},
		&core.Task{},
	)
}

// EnsureCoreIndexes adds the janitor- and claim-path indexes that matter for
// query plans but aren't naturally expressed by AutoMigrate's struct tags
// (composite, partial, and status/heartbeat scan indexes).
func EnsureCoreIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_job_stage_status
		ON task (job_id, stage, status);
	`).Error; err != nil {
		return fmt.Errorf("create idx_task_job_stage_status: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_status_heartbeat
		ON task (status, heartbeat);
	`).Error; err != nil {
		return fmt.Errorf("create idx_task_status_heartbeat: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_status_updated_at
		ON job (status, updated_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_status_updated_at: %w", err)
	}

	return nil
}
