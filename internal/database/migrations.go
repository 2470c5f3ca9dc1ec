package database

import (
	"errors"

	"gorm.io/gorm"

	"github.com/charlesng35/homesync/internal/models"
)

// AutoMigrate creates or updates the response cache and mutation queue tables.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}
	return db.AutoMigrate(
		&models.CacheEntry{},
		&models.QueuedMutation{},
	)
}
