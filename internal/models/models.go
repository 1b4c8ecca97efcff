package models

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// SetupModels migrates every table owned by the service
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&StockRecord{},
		&StoreProjection{},
		&CentralAggregate{},
		&FailedPublication{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
