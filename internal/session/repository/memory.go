package repository

import (
	"context"
	"sort"
	"sync"

	"authsession/internal/session/domain"
)

type key struct {
	userID   string
	deviceID string
}

// memoryRow pairs a session with its insertion sequence, the tie-break for
// rows sharing a created_at.
type memoryRow struct {
	session *domain.Session
	seq     uint64
}

// MemoryRepository is an in-memory Repository for tests and local runs. It
// has no row locks; callers serialise through db.MemoryTxRunner.
type MemoryRepository struct {
	mu      sync.Mutex
	rows    map[key]memoryRow
	nextSeq uint64
}

// NewMemoryRepository returns an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[key]memoryRow)}
}

func (r *MemoryRepository) LockUser(ctx context.Context, userID string) error {
	return ctx.Err()
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []memoryRow
	for k, row := range r.rows {
		if k.userID == userID {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].session, matched[j].session
		if a.CreatedAt.Equal(b.CreatedAt) {
			return matched[i].seq < matched[j].seq
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	out := make([]*domain.Session, 0, len(matched))
	for _, row := range matched {
		out = append(out, copySession(row.session))
	}
	return out, nil
}

func (r *MemoryRepository) GetForUpdate(ctx context.Context, userID, deviceID string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return copySession(r.rows[key{userID, deviceID}].session), nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, s *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{s.UserID, s.DeviceID}
	if existing, ok := r.rows[k]; ok {
		s.CreatedAt = existing.session.CreatedAt
		r.rows[k] = memoryRow{session: copySession(s), seq: existing.seq}
		return nil
	}
	r.nextSeq++
	r.rows[k] = memoryRow{session: copySession(s), seq: r.nextSeq}
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, userID, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, key{userID, deviceID})
	return nil
}

func (r *MemoryRepository) DeleteAllByUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.rows {
		if k.userID == userID {
			delete(r.rows, k)
		}
	}
	return nil
}

// MemorySnapshot is an opaque copy of the repository contents.
type MemorySnapshot map[key]memoryRow

// Snapshot returns a deep copy of the stored rows.
func (r *MemoryRepository) Snapshot() MemorySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(MemorySnapshot, len(r.rows))
	for k, row := range r.rows {
		out[k] = memoryRow{session: copySession(row.session), seq: row.seq}
	}
	return out
}

// Restore replaces the stored rows with a snapshot.
func (r *MemoryRepository) Restore(snap MemorySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = snap
}

// Len returns the number of stored rows.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func copySession(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
