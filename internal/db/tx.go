package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sessionrepo "authsession/internal/session/repository"
	userrepo "authsession/internal/user/repository"
)

// Tx is one unit of work. Repositories obtained from it share the same
// underlying transaction.
type Tx interface {
	Sessions() sessionrepo.Repository
	Users() userrepo.Repository
}

// TxRunner runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including on context cancellation.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// PostgresTxRunner runs units of work on a pgx pool at READ COMMITTED.
type PostgresTxRunner struct {
	pool *pgxpool.Pool
}

// NewPostgresTxRunner returns a runner backed by pool.
func NewPostgresTxRunner(pool *pgxpool.Pool) *PostgresTxRunner {
	return &PostgresTxRunner{pool: pool}
}

// WithTx begins a transaction, calls fn and commits if fn succeeds.
func (r *PostgresTxRunner) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	pgTx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = pgTx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(ctx, &postgresTx{
		sessions: sessionrepo.NewPostgresRepository(pgTx),
		users:    userrepo.NewPostgresRepository(pgTx),
	}); err != nil {
		return err
	}
	if err = pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type postgresTx struct {
	sessions *sessionrepo.PostgresRepository
	users    *userrepo.PostgresRepository
}

func (t *postgresTx) Sessions() sessionrepo.Repository { return t.sessions }
func (t *postgresTx) Users() userrepo.Repository       { return t.users }

// MemoryTxRunner serialises units of work over in-memory repositories and
// restores a snapshot when fn fails.
type MemoryTxRunner struct {
	mu       chan struct{}
	sessions *sessionrepo.MemoryRepository
	users    *userrepo.MemoryRepository
}

// NewMemoryTxRunner returns a runner over fresh in-memory repositories.
func NewMemoryTxRunner() *MemoryTxRunner {
	return &MemoryTxRunner{
		mu:       make(chan struct{}, 1),
		sessions: sessionrepo.NewMemoryRepository(),
		users:    userrepo.NewMemoryRepository(),
	}
}

// Sessions returns the underlying session repository for inspection in tests.
func (r *MemoryTxRunner) Sessions() *sessionrepo.MemoryRepository { return r.sessions }

// Users returns the underlying user repository.
func (r *MemoryTxRunner) Users() *userrepo.MemoryRepository { return r.users }

// WithTx waits for exclusive access (or ctx), snapshots both repositories and
// runs fn. Any error from fn, or a context cancelled while fn ran, restores
// the snapshot.
func (r *MemoryTxRunner) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	select {
	case r.mu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.mu }()

	sessSnap := r.sessions.Snapshot()
	userSnap := r.users.Snapshot()

	err := fn(ctx, memoryTx{r})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		r.sessions.Restore(sessSnap)
		r.users.Restore(userSnap)
		return err
	}
	return nil
}

type memoryTx struct{ r *MemoryTxRunner }

func (t memoryTx) Sessions() sessionrepo.Repository { return t.r.sessions }
func (t memoryTx) Users() userrepo.Repository       { return t.r.users }
