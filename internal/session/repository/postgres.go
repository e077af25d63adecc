package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"authsession/internal/session/domain"
)

// DBTX is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionColumns = `user_id, device_id, refresh_hash, user_agent, ip_address, created_at, expires_at`

type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository returns a session repository that runs its queries on db.
// Locking methods only make sense when db is a transaction.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// LockUser takes a transaction-scoped advisory lock keyed by the user id.
func (r *PostgresRepository) LockUser(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID)
	return err
}

// ListByUser returns all sessions for userID oldest first, ties broken by
// insertion order.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1
		ORDER BY created_at ASC, seq ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetForUpdate returns the session row for (userID, deviceID) locked with
// FOR UPDATE, or nil if not found.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1 AND device_id = $2
		FOR UPDATE
	`, userID, deviceID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// Upsert writes the session keyed by (user_id, device_id). On conflict the
// original created_at is kept and written back into s.
func (r *PostgresRepository) Upsert(ctx context.Context, s *domain.Session) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			refresh_hash = EXCLUDED.refresh_hash,
			user_agent   = EXCLUDED.user_agent,
			ip_address   = EXCLUDED.ip_address,
			expires_at   = EXCLUDED.expires_at
		RETURNING created_at
	`, s.UserID, s.DeviceID, s.RefreshHash, nullIfEmpty(s.UserAgent), nullIfEmpty(s.IPAddress), s.CreatedAt, s.ExpiresAt,
	).Scan(&s.CreatedAt)
}

// Delete removes the session for (userID, deviceID).
func (r *PostgresRepository) Delete(ctx context.Context, userID, deviceID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	return err
}

// DeleteAllByUser removes all sessions for userID.
func (r *PostgresRepository) DeleteAllByUser(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	return err
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s         domain.Session
		userAgent *string
		ipAddress *string
	)
	if err := row.Scan(&s.UserID, &s.DeviceID, &s.RefreshHash, &userAgent, &ipAddress, &s.CreatedAt, &s.ExpiresAt); err != nil {
		return nil, err
	}
	if userAgent != nil {
		s.UserAgent = *userAgent
	}
	if ipAddress != nil {
		s.IPAddress = *ipAddress
	}
	return &s, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
