package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/retinascan/internal/repository"
)

const maxPasswordBytes = 72

var (
	// ErrInvalidCredentials is returned for an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidInput is returned when registration fields are missing or malformed.
	ErrInvalidInput = errors.New("invalid registration input")
)

// UserStore persists accounts.
type UserStore interface {
	Create(ctx context.Context, user *repository.User) error
	FindByUsername(ctx context.Context, username string) (*repository.User, error)
}

// Credentials is the credential store: it registers accounts with bcrypt
// password hashes and checks login attempts against them.
type Credentials struct {
	users     UserStore
	cost      int
	dummyHash []byte
}

// NewCredentials creates a credential store hashing with the given bcrypt cost.
func NewCredentials(users UserStore, cost int) (*Credentials, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("retinascan-timing-guard"), cost)
	if err != nil {
		return nil, err
	}
	return &Credentials{users: users, cost: cost, dummyHash: dummy}, nil
}

// Register creates a new account.
func (c *Credentials) Register(ctx context.Context, username, email, password string) (*repository.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return nil, fmt.Errorf("%w: all fields are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if len(password) > maxPasswordBytes {
		return nil, fmt.Errorf("%w: password longer than %d bytes", ErrInvalidInput, maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &repository.User{Username: username, Email: email, PasswordHash: string(hash)}
	if err := c.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate returns the account when password matches.
func (c *Credentials) Authenticate(ctx context.Context, username, password string) (*repository.User, error) {
	user, err := c.users.FindByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, repository.ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(c.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
