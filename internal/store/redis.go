package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/makebreak/apiserver/types"
	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 4

// RedisUserRepository stores each user as a JSON document with secondary
// keys for the email and pending reset-token hash.
type RedisUserRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisUserRepository(client redis.UniversalClient, prefix string) *RedisUserRepository {
	if prefix == "" {
		prefix = "mb"
	}
	return &RedisUserRepository{client: client, prefix: prefix, now: time.Now}
}

// redisUser is the stored document. types.User hides secrets from JSON.
type redisUser struct {
	ID                  int        `json:"id"`
	Name                string     `json:"name"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"password_hash"`
	IsEmailVerified     bool       `json:"is_email_verified"`
	VerificationCode    string     `json:"verification_code,omitempty"`
	VerificationExpires time.Time  `json:"verification_expires"`
	RefreshToken        string     `json:"refresh_token,omitempty"`
	ResetTokenHash      string     `json:"reset_token_hash,omitempty"`
	ResetExpires        time.Time  `json:"reset_expires"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func toRedisUser(u types.User) redisUser {
	return redisUser{
		ID:                  u.ID,
		Name:                u.Name,
		Email:               u.Email,
		PasswordHash:        u.PasswordHash,
		IsEmailVerified:     u.IsEmailVerified,
		VerificationCode:    u.EmailVerification.Value,
		VerificationExpires: u.EmailVerification.ExpiresAt,
		RefreshToken:        u.RefreshToken,
		ResetTokenHash:      u.PasswordReset.Value,
		ResetExpires:        u.PasswordReset.ExpiresAt,
		LastLogin:           u.LastLogin,
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
	}
}

func (d redisUser) user() types.User {
	return types.User{
		ID:                d.ID,
		Name:              d.Name,
		Email:             d.Email,
		PasswordHash:      d.PasswordHash,
		IsEmailVerified:   d.IsEmailVerified,
		EmailVerification: types.TimedSecret{Value: d.VerificationCode, ExpiresAt: d.VerificationExpires},
		RefreshToken:      d.RefreshToken,
		PasswordReset:     types.TimedSecret{Value: d.ResetTokenHash, ExpiresAt: d.ResetExpires},
		LastLogin:         d.LastLogin,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func (r *RedisUserRepository) userKey(id int) string {
	return fmt.Sprintf("%s:user:%d", r.prefix, id)
}

func (r *RedisUserRepository) emailKey(email string) string {
	return r.prefix + ":user:email:" + email
}

func (r *RedisUserRepository) resetKey(hash string) string {
	return r.prefix + ":user:reset:" + hash
}

func (r *RedisUserRepository) seqKey() string {
	return r.prefix + ":user:seq"
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisUserRepository) load(ctx context.Context, c getter, id int) (types.User, error) {
	data, err := c.Get(ctx, r.userKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	var doc redisUser
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.User{}, fmt.Errorf("decode user %d: %w", id, err)
	}
	return doc.user(), nil
}

func (r *RedisUserRepository) lookupID(ctx context.Context, key string) (int, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt index %s: %w", key, err)
	}
	return id, nil
}

func (r *RedisUserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	return r.load(ctx, r.client, id)
}

func (r *RedisUserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	id, err := r.lookupID(ctx, r.emailKey(email))
	if err != nil {
		return types.User{}, err
	}
	return r.load(ctx, r.client, id)
}

func (r *RedisUserRepository) GetByVerificationCode(ctx context.Context, id int, code string, now time.Time) (types.User, error) {
	user, err := r.load(ctx, r.client, id)
	if err != nil {
		return types.User{}, err
	}
	if user.EmailVerification.Value != code || !user.EmailVerification.Valid(now) {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (r *RedisUserRepository) GetByResetTokenHash(ctx context.Context, hash string, now time.Time) (types.User, error) {
	id, err := r.lookupID(ctx, r.resetKey(hash))
	if err != nil {
		return types.User{}, err
	}
	user, err := r.load(ctx, r.client, id)
	if err != nil {
		return types.User{}, err
	}
	if user.PasswordReset.Value != hash || !user.PasswordReset.Valid(now) {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (r *RedisUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	id, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return types.User{}, err
	}
	user.ID = int(id)

	claimed, err := r.client.SetNX(ctx, r.emailKey(user.Email), user.ID, 0).Result()
	if err != nil {
		return types.User{}, err
	}
	if !claimed {
		return types.User{}, ErrConflict
	}

	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	data, err := json.Marshal(toRedisUser(user))
	if err != nil {
		return types.User{}, err
	}
	if err := r.client.Set(ctx, r.userKey(user.ID), data, 0).Err(); err != nil {
		_ = r.client.Del(ctx, r.emailKey(user.Email)).Err()
		return types.User{}, err
	}
	return user, nil
}

// Update applies patch unconditionally. A missing user yields ErrNotFound.
func (r *RedisUserRepository) Update(ctx context.Context, id int, patch types.UserPatch) (types.User, error) {
	return r.watchUpdate(ctx, id, nil, patch)
}

// UpdateIf runs an optimistic WATCH/MULTI transaction over the user document.
// A missing user and a failed guard both yield ErrPreconditionFailed.
func (r *RedisUserRepository) UpdateIf(ctx context.Context, id int, guard types.UserGuard, patch types.UserPatch) (types.User, error) {
	return r.watchUpdate(ctx, id, &guard, patch)
}

func (r *RedisUserRepository) watchUpdate(ctx context.Context, id int, guard *types.UserGuard, patch types.UserPatch) (types.User, error) {
	key := r.userKey(id)

	for i := 0; i < maxWatchRetries; i++ {
		var updated types.User

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.load(ctx, tx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) && guard != nil {
					return ErrPreconditionFailed
				}
				return err
			}
			if guard != nil && !guard.Matches(current) {
				return ErrPreconditionFailed
			}

			next := patch.Apply(current, r.now())
			data, err := json.Marshal(toRedisUser(next))
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				oldHash, newHash := current.PasswordReset.Value, next.PasswordReset.Value
				if oldHash != "" && oldHash != newHash {
					pipe.Del(ctx, r.resetKey(oldHash))
				}
				if ttl := next.PasswordReset.ExpiresAt.Sub(r.now()); newHash != "" && newHash != oldHash && ttl > 0 {
					pipe.Set(ctx, r.resetKey(newHash), next.ID, ttl)
				}
				return nil
			})
			if err != nil {
				return err
			}
			updated = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return types.User{}, err
		}
		return updated, nil
	}

	return types.User{}, fmt.Errorf("redis update user %d: %w", id, ErrContention)
}
