package main

import (
	"gorm.io/gorm"

	"github.com/idp-studio/engine/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.Organization{},
		&models.User{},
		&models.WorkflowExecution{},
	}
}

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	// gen_random_uuid defaults need pgcrypto before the tables exist
	if err := enableUUIDExtension(db); err != nil {
		return err
	}

	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}

	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addExecutionIndexes,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// enableUUIDExtension ensures UUID generation is available
func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// addExecutionIndexes speeds up the running-execution and history lookups
func addExecutionIndexes(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow_status
		ON workflow_executions(workflow_id, status)
	`).Error
}
