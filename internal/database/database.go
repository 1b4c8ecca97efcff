package database

import (
	"context"
	"time"

	"example.com/backstage/services/stocksync/config"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database holds the primary connection and an optional read replica.
// ReadOnly falls back to Primary when no replica DSN is configured.
type Database struct {
	Primary  *gorm.DB
	ReadOnly *gorm.DB
}

// Connect establishes the primary and read-only connections
func Connect(cfg config.DatabaseConfig) (*Database, error) {
	primary, err := open(cfg.DSN, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	db := &Database{Primary: primary, ReadOnly: primary}
	if cfg.ReadOnlyDSN != "" && cfg.ReadOnlyDSN != cfg.DSN {
		replica, err := open(cfg.ReadOnlyDSN, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to read replica, reading from primary")
		} else {
			db.ReadOnly = replica
		}
	}

	return db, nil
}

func open(dsn string, cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get DB instance")
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 100
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	return db, nil
}

// Migrate runs the schema migrations on the primary
func (d *Database) Migrate() error {
	return models.SetupModels(d.Primary)
}

// Ping checks the primary connection
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.Primary.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes every open connection
func (d *Database) Close() error {
	if d.ReadOnly != nil && d.ReadOnly != d.Primary {
		if sqlDB, err := d.ReadOnly.DB(); err == nil {
			sqlDB.Close()
		}
	}

	sqlDB, err := d.Primary.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
