package repository

import (
	"errors"
	"fmt"

	"github.com/example/retinascan/internal/logging"
)

var (
	// ErrStorage matches every failure of the underlying database.
	ErrStorage = errors.New("storage unavailable")
	// ErrDuplicateUser is returned when a username or email is taken.
	ErrDuplicateUser = errors.New("username or email already exists")
	// ErrUserNotFound is returned when no user matches a lookup.
	ErrUserNotFound = errors.New("user not found")
)

func storageError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return logging.NewOperationError(operation, "", fmt.Errorf("%w: %w", ErrStorage, err))
}
