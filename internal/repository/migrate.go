package repository

import (
	"context"

	"gorm.io/gorm"
)

// AutoMigrate ensures the users and predictions tables exist.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&User{}, &PredictionRecord{}); err != nil {
		return storageError("repository.auto_migrate", err)
	}
	return nil
}
