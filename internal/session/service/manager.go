// Package service owns every mutation of the session table: creation with
// capacity eviction, reuse detection on refresh, removal and listing.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"authsession/internal/db"
	"authsession/internal/log"
	"authsession/internal/security"
	"authsession/internal/session/domain"
)

var (
	// ErrInvalidConfig is returned by NewManager for a non-positive cap or TTL.
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrSessionNotFound means no row exists for the (user, device) pair.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired means the row exists but is past its expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrTokenReuse means the presented refresh token does not match the
	// stored hash. The row has been deleted in the caller's transaction.
	ErrTokenReuse = errors.New("refresh token reuse")
)

// Config is the immutable session policy.
type Config struct {
	MaxSessions int
	RefreshTTL  time.Duration
}

// Manager implements the session operations. All methods run inside the
// transaction passed by the caller and never open their own.
type Manager struct {
	cfg   Config
	now   func() time.Time
	meter metric.Meter

	evictions metric.Int64Counter
	reuses    metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMeter overrides the meter the session counters are created on.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) { m.meter = meter }
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.MaxSessions < 1 || cfg.RefreshTTL <= 0 {
		return nil, ErrInvalidConfig
	}
	m := &Manager{cfg: cfg, now: time.Now, meter: otel.Meter("authsession/session")}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	m.evictions, err = m.meter.Int64Counter("session.evictions",
		metric.WithDescription("Sessions removed to stay within the per-user cap."))
	if err != nil {
		return nil, fmt.Errorf("session.evictions counter: %w", err)
	}
	m.reuses, err = m.meter.Int64Counter("session.reuse_detected",
		metric.WithDescription("Sessions deleted because a superseded refresh token was presented."))
	if err != nil {
		return nil, fmt.Errorf("session.reuse_detected counter: %w", err)
	}
	return m, nil
}

// MaxSessions returns the per-user session cap.
func (m *Manager) MaxSessions() int { return m.cfg.MaxSessions }

// UpsertSession stores the hash of rawRefresh for (userID, deviceID). When the
// user already has MaxSessions rows on other devices the oldest of those are
// evicted first, so the post-write count never exceeds the cap. The caller's
// own row is never evicted.
func (m *Manager) UpsertSession(ctx context.Context, tx db.Tx, userID, rawRefresh, deviceID, userAgent, ipAddress string) error {
	refreshHash, err := security.HashRefreshToken(rawRefresh)
	if err != nil {
		return fmt.Errorf("hash refresh token: %w", err)
	}
	now := m.now().UTC()

	repo := tx.Sessions()
	if err := repo.LockUser(ctx, userID); err != nil {
		return fmt.Errorf("lock user sessions: %w", err)
	}
	rows, err := repo.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	others := rows[:0]
	for _, s := range rows {
		if s.DeviceID != deviceID {
			others = append(others, s)
		}
	}
	for len(others) >= m.cfg.MaxSessions {
		oldest := others[0]
		if err := repo.Delete(ctx, oldest.UserID, oldest.DeviceID); err != nil {
			return fmt.Errorf("evict session: %w", err)
		}
		m.evictions.Add(ctx, 1)
		log.Debug(ctx).
			Str("user_id", userID).
			Str("evicted_device_id", oldest.DeviceID).
			Str("device_id", deviceID).
			Msg("session evicted at capacity")
		others = others[1:]
	}

	if err := repo.Upsert(ctx, &domain.Session{
		UserID:      userID,
		DeviceID:    deviceID,
		RefreshHash: refreshHash,
		UserAgent:   userAgent,
		IPAddress:   ipAddress,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.RefreshTTL),
	}); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetActiveSession returns the locked row for (userID, deviceID). An absent
// row yields ErrSessionNotFound and an expired one ErrSessionExpired.
func (m *Manager) GetActiveSession(ctx context.Context, tx db.Tx, userID, deviceID string) (*domain.Session, error) {
	s, err := tx.Sessions().GetForUpdate(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.Expired(m.now()) {
		return nil, ErrSessionExpired
	}
	return s, nil
}

// CheckRefresh locks the session for (userID, deviceID) and compares
// rawRefresh with its stored hash. On a mismatch the row is deleted and
// ErrTokenReuse returned; the caller must commit to make the deletion stick.
func (m *Manager) CheckRefresh(ctx context.Context, tx db.Tx, userID, deviceID, rawRefresh string) (*domain.Session, error) {
	if err := tx.Sessions().LockUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("lock user sessions: %w", err)
	}
	s, err := m.GetActiveSession(ctx, tx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if security.VerifyRefreshToken(rawRefresh, s.RefreshHash) {
		return s, nil
	}

	if err := tx.Sessions().Delete(ctx, userID, deviceID); err != nil {
		return nil, fmt.Errorf("delete reused session: %w", err)
	}
	m.reuses.Add(ctx, 1)
	log.Warn(ctx).
		Str("user_id", userID).
		Str("device_id", deviceID).
		Msg("refresh token reuse detected, session deleted")
	return nil, ErrTokenReuse
}

// RemoveSession deletes the row for (userID, deviceID). Removing an absent
// session is not an error.
func (m *Manager) RemoveSession(ctx context.Context, tx db.Tx, userID, deviceID string) error {
	repo := tx.Sessions()
	if err := repo.LockUser(ctx, userID); err != nil {
		return fmt.Errorf("lock user sessions: %w", err)
	}
	if err := repo.Delete(ctx, userID, deviceID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RemoveAllSessions deletes every session of userID.
func (m *Manager) RemoveAllSessions(ctx context.Context, tx db.Tx, userID string) error {
	repo := tx.Sessions()
	if err := repo.LockUser(ctx, userID); err != nil {
		return fmt.Errorf("lock user sessions: %w", err)
	}
	if err := repo.DeleteAllByUser(ctx, userID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

// ListSessions returns the user's unexpired sessions newest-first, without
// refresh hashes.
func (m *Manager) ListSessions(ctx context.Context, tx db.Tx, userID string) ([]domain.Info, error) {
	rows, err := tx.Sessions().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := m.now()
	out := make([]domain.Info, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Expired(now) {
			continue
		}
		out = append(out, rows[i].Info())
	}
	return out, nil
}
