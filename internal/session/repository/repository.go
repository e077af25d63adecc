package repository

import (
	"context"

	"authsession/internal/session/domain"
)

// Repository defines persistence for sessions. Implementations run inside the
// caller's transaction; none of the methods commit.
type Repository interface {
	// LockUser serialises session writes for userID until the transaction ends.
	LockUser(ctx context.Context, userID string) error
	// ListByUser returns every row for userID, oldest-created first, expired rows included.
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	// GetForUpdate returns the row for (userID, deviceID) and locks it, or nil if absent.
	GetForUpdate(ctx context.Context, userID, deviceID string) (*domain.Session, error)
	// Upsert inserts the row or, on an existing (user, device) key, replaces its
	// hash, user agent, ip address and expiry. CreatedAt is kept on update.
	Upsert(ctx context.Context, s *domain.Session) error
	// Delete removes the row for (userID, deviceID). No-op if absent.
	Delete(ctx context.Context, userID, deviceID string) error
	// DeleteAllByUser removes every row for userID.
	DeleteAllByUser(ctx context.Context, userID string) error
}
