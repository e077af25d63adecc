package domain

import (
	"errors"
	"strings"
	"time"

	"authsession/internal/security"
)

// User is the account that owns sessions. PasswordHash is a bcrypt hash and
// never leaves the service layer.
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Role         security.Role
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.New("email is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if u.Role == "" {
		u.Role = security.RoleUser
	}
	if !u.Role.Valid() {
		return errors.New("unknown role")
	}
	return nil
}

// Public is the user projection returned to clients.
type Public struct {
	ID        string        `json:"id"`
	Email     string        `json:"email"`
	Username  string        `json:"username"`
	Role      security.Role `json:"role"`
	IsActive  bool          `json:"isActive"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Public returns the client-facing projection of u.
func (u *User) Public() Public {
	return Public{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}
