package store

import (
	"context"
	"sync"
	"time"

	"github.com/makebreak/apiserver/types"
)

// MemoryUserRepository keeps users in process memory. Used for local runs and tests.
type MemoryUserRepository struct {
	mu      sync.Mutex
	nextID  int
	users   map[int]types.User
	byEmail map[string]int
	now     func() time.Time
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		nextID:  1,
		users:   make(map[int]types.User),
		byEmail: make(map[string]int),
		now:     time.Now,
	}
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id int) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (r *MemoryUserRepository) GetByEmail(_ context.Context, email string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEmail[email]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return r.users[id], nil
}

func (r *MemoryUserRepository) GetByVerificationCode(_ context.Context, id int, code string, now time.Time) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok || user.EmailVerification.Value != code || !user.EmailVerification.Valid(now) {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (r *MemoryUserRepository) GetByResetTokenHash(_ context.Context, hash string, now time.Time) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, user := range r.users {
		if user.PasswordReset.Value == hash && user.PasswordReset.Valid(now) {
			return user, nil
		}
	}
	return types.User{}, ErrNotFound
}

func (r *MemoryUserRepository) Create(_ context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEmail[user.Email]; exists {
		return types.User{}, ErrConflict
	}
	now := r.now()
	user.ID = r.nextID
	user.CreatedAt = now
	user.UpdatedAt = now
	r.nextID++

	r.users[user.ID] = user
	r.byEmail[user.Email] = user.ID
	return user, nil
}

func (r *MemoryUserRepository) Update(_ context.Context, id int, patch types.UserPatch) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	user = patch.Apply(user, r.now())
	r.users[id] = user
	return user, nil
}

func (r *MemoryUserRepository) UpdateIf(_ context.Context, id int, guard types.UserGuard, patch types.UserPatch) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok || !guard.Matches(user) {
		return types.User{}, ErrPreconditionFailed
	}
	user = patch.Apply(user, r.now())
	r.users[id] = user
	return user, nil
}
