package db

import (
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"go-goals/internal/config"
	"go-goals/internal/goals"
)

var DB *gorm.DB

// Init connects to Postgres and migrates the goal tables.
func Init(cfg *config.Config) error {
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{})
	if err != nil {
		return err
	}
	if err := Migrate(gdb); err != nil {
		return err
	}
	DB = gdb
	log.Printf("[DB] Database connected and migrated")
	return nil
}

// Migrate creates the goal tables and, on Postgres, the partial indexes that
// turn the hot transition queries into index seeks.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(goals.Models()...); err != nil {
		return err
	}
	if gdb.Dialector.Name() != "postgres" {
		return nil
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS goals_waiting_for_date_idx
			ON goals (precondition_date) WHERE state = 'waiting_for_date'`,
		`CREATE INDEX IF NOT EXISTS goals_waiting_for_precond_idx
			ON goals (waiting_for_count) WHERE state = 'waiting_for_preconditions'`,
		`CREATE INDEX IF NOT EXISTS goals_waiting_for_worker_idx
			ON goals (deadline) WHERE state = 'waiting_for_worker'`,
		`CREATE INDEX IF NOT EXISTS goals_unblock_idx
			ON goals (waiting_for_failed_count) WHERE state = 'not_going_to_happen_soon'`,
		`CREATE INDEX IF NOT EXISTS goals_achieved_idx
			ON goals (created_at) WHERE state = 'achieved'`,
	} {
		if err := gdb.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
