package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"authsession/internal/log"
)

// ErrEmptyDSN is returned by Open when no DSN is configured.
var ErrEmptyDSN = errors.New("database DSN is empty")

// PingTimeout bounds each startup ping attempt.
const PingTimeout = 3 * time.Second

// Open parses dsn, attaches the OpenTelemetry query tracer and pings the
// database, retrying with exponential backoff until maxWait has elapsed.
// Caller must call Close on the returned pool when done.
func Open(ctx context.Context, dsn string, maxWait time.Duration) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrEmptyDSN
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	err = backoff.RetryNotify(
		func() error { return Ping(ctx, pool) },
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			log.Warn(ctx).Err(err).Dur("next", next).Msg("database not ready, retrying")
		},
	)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Ping checks that a connection can be acquired and used within PingTimeout.
func Ping(parent context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(parent, PingTimeout)
	defer cancel()
	return pool.Ping(ctx)
}
