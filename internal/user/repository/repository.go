package repository

import (
	"context"
	"errors"

	"authsession/internal/user/domain"
)

var (
	// ErrDuplicateEmail is returned by Create when the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateUsername is returned by Create when the username is taken.
	ErrDuplicateUsername = errors.New("username already taken")
)

// Repository defines persistence for users. Lookups return (nil, nil) when
// no row matches.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	// SetActive sets the active flag. No-op if the user does not exist.
	SetActive(ctx context.Context, id string, active bool) error
}
