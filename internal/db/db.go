package db

import (
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"traffic-enforcement/internal/config"
)

// New opens the Postgres pool, applies pool limits and runs migrations.
func New(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.Environment == "production" {
		level = gormlogger.Error
	}

	database, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.DB.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	}
	if cfg.DB.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	}
	if cfg.DB.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	}

	if err := runMigrations(database); err != nil {
		return nil, err
	}
	log.Info().Int("statements", len(migrationStatements)).Msg("database migrations applied")

	return database, nil
}
