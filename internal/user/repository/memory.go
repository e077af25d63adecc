package repository

import (
	"context"
	"sync"
	"time"

	"authsession/internal/user/domain"
)

// MemoryRepository is an in-memory Repository for tests and local runs.
type MemoryRepository struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

// NewMemoryRepository returns an empty in-memory user repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*domain.User)}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyUser(r.users[id]), nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.find(func(u *domain.User) bool { return u.Email == email }), nil
}

func (r *MemoryRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.find(func(u *domain.User) bool { return u.Username == username }), nil
}

func (r *MemoryRepository) Create(ctx context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == u.Email {
			return ErrDuplicateEmail
		}
		if existing.Username == u.Username {
			return ErrDuplicateUsername
		}
	}
	r.users[u.ID] = copyUser(u)
	return nil
}

func (r *MemoryRepository) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.IsActive = active
		u.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Snapshot returns a deep copy of the stored users.
func (r *MemoryRepository) Snapshot() map[string]*domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*domain.User, len(r.users))
	for id, u := range r.users {
		out[id] = copyUser(u)
	}
	return out
}

// Restore replaces the stored users with a snapshot.
func (r *MemoryRepository) Restore(snap map[string]*domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = snap
}

func (r *MemoryRepository) find(match func(*domain.User) bool) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if match(u) {
			return copyUser(u)
		}
	}
	return nil
}

func copyUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}
