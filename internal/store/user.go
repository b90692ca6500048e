package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/makebreak/apiserver/types"
)

const uniqueViolation = "23505"

const userColumns = `id, name, email, password_hash, is_email_verified,
		email_verification_code, email_verification_expires_at, refresh_token,
		password_reset_token_hash, password_reset_expires_at, last_login,
		created_at, updated_at`

// UserRepository handles persistence for users in Postgres.
type UserRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var (
		user        types.User
		code        sql.NullString
		codeExpiry  sql.NullTime
		refresh     sql.NullString
		resetHash   sql.NullString
		resetExpiry sql.NullTime
		lastLogin   sql.NullTime
	)
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.IsEmailVerified,
		&code,
		&codeExpiry,
		&refresh,
		&resetHash,
		&resetExpiry,
		&lastLogin,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	user.EmailVerification = types.TimedSecret{Value: code.String, ExpiresAt: codeExpiry.Time}
	user.PasswordReset = types.TimedSecret{Value: resetHash.String, ExpiresAt: resetExpiry.Time}
	user.RefreshToken = refresh.String
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

// GetByVerificationCode returns the user only while code is pending and unexpired at now.
func (r *UserRepository) GetByVerificationCode(ctx context.Context, id int, code string, now time.Time) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE id = $1 AND email_verification_code = $2 AND email_verification_expires_at > $3`
	return scanUser(r.db.QueryRowContext(ctx, query, id, code, now))
}

// GetByResetTokenHash returns the user holding hash as an unexpired reset token at now.
func (r *UserRepository) GetByResetTokenHash(ctx context.Context, hash string, now time.Time) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE password_reset_token_hash = $1 AND password_reset_expires_at > $2`
	return scanUser(r.db.QueryRowContext(ctx, query, hash, now))
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (name, email, password_hash, is_email_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		user.Name,
		user.Email,
		user.PasswordHash,
		user.IsEmailVerified,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	return user, nil
}

// Update applies patch unconditionally.
func (r *UserRepository) Update(ctx context.Context, id int, patch types.UserPatch) (types.User, error) {
	user, err := r.update(ctx, id, types.UserGuard{}, patch)
	if errors.Is(err, ErrPreconditionFailed) {
		return types.User{}, ErrNotFound
	}
	return user, err
}

// UpdateIf applies patch in a single statement only while guard holds.
// A missing row and a failed guard both yield ErrPreconditionFailed.
func (r *UserRepository) UpdateIf(ctx context.Context, id int, guard types.UserGuard, patch types.UserPatch) (types.User, error) {
	return r.update(ctx, id, guard, patch)
}

func (r *UserRepository) update(ctx context.Context, id int, guard types.UserGuard, patch types.UserPatch) (types.User, error) {
	b := &updateBuilder{}

	if patch.PasswordHash != nil {
		b.set("password_hash", *patch.PasswordHash)
	}
	if patch.IsEmailVerified != nil {
		b.set("is_email_verified", *patch.IsEmailVerified)
	}
	if patch.RefreshToken != nil {
		b.set("refresh_token", nullString(*patch.RefreshToken))
	}
	if patch.LastLogin != nil {
		b.set("last_login", *patch.LastLogin)
	}
	if patch.EmailVerification != nil {
		b.set("email_verification_code", nullString(patch.EmailVerification.Value))
		b.set("email_verification_expires_at", nullTime(patch.EmailVerification.ExpiresAt))
	}
	if patch.PasswordReset != nil {
		b.set("password_reset_token_hash", nullString(patch.PasswordReset.Value))
		b.set("password_reset_expires_at", nullTime(patch.PasswordReset.ExpiresAt))
	}
	b.set("updated_at", r.now())

	b.where("id", id)
	if guard.Unverified {
		b.conds = append(b.conds, "is_email_verified = FALSE")
	}
	if guard.RefreshToken != nil {
		b.where("refresh_token", *guard.RefreshToken)
	}
	if guard.VerificationCode != nil {
		b.where("email_verification_code", *guard.VerificationCode)
		b.after("email_verification_expires_at", guard.Now)
	}
	if guard.ResetTokenHash != nil {
		b.where("password_reset_token_hash", *guard.ResetTokenHash)
		b.after("password_reset_expires_at", guard.Now)
	}

	user, err := scanUser(r.db.QueryRowContext(ctx, b.query(), b.args...))
	if errors.Is(err, ErrNotFound) {
		return types.User{}, ErrPreconditionFailed
	}
	return user, err
}

// updateBuilder assembles UPDATE users SET ... WHERE ... RETURNING with positional args.
type updateBuilder struct {
	sets  []string
	conds []string
	args  []any
}

func (b *updateBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *updateBuilder) set(column string, v any) {
	b.sets = append(b.sets, column+" = "+b.arg(v))
}

func (b *updateBuilder) where(column string, v any) {
	b.conds = append(b.conds, column+" = "+b.arg(v))
}

func (b *updateBuilder) after(column string, t time.Time) {
	b.conds = append(b.conds, column+" > "+b.arg(t))
}

func (b *updateBuilder) query() string {
	return "UPDATE users SET " + strings.Join(b.sets, ", ") +
		" WHERE " + strings.Join(b.conds, " AND ") +
		" RETURNING " + userColumns
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
