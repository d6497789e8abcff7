package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// User is a registered account.
type User struct {
	ID           uint      `gorm:"primaryKey"`
	Username     string    `gorm:"column:username;size:64;uniqueIndex;not null"`
	Email        string    `gorm:"column:email;size:255;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// UserRepository stores accounts for the credential store.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts user unless the username or email is already registered.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&User{}).
			Where("username = ? OR email = ?", user.Username, user.Email).
			Count(&existing).Error
		if err != nil {
			return storageError("users.create", err)
		}
		if existing > 0 {
			return ErrDuplicateUser
		}

		if err := tx.Create(user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateUser
			}
			return storageError("users.create", err)
		}
		return nil
	})
}

// FindByUsername loads the account registered under username.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, storageError("users.find_by_username", err)
	}
	return &user, nil
}
