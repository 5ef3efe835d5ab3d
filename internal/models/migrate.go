package models

import (
	"log"

	"gorm.io/gorm"
)

// AutoMigrate creates or updates the schema for all models
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	return db.AutoMigrate(
		&Voucher{},
		&Router{},
		&ProvisionRetry{},
	)
}
