package types

import "time"

// User represents an account in the system.
// It contains identity, credential state, and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// Name is the user's display name.
	Name string `json:"name" db:"name"`

	// Email is the user's normalized (trimmed, lower-cased) email address.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// IsEmailVerified only ever moves from false to true.
	IsEmailVerified bool `json:"is_email_verified" db:"is_email_verified"`

	// EmailVerification holds the pending numeric code and its expiry.
	EmailVerification TimedSecret `json:"-"`

	// RefreshToken is the single refresh token currently accepted for the user.
	RefreshToken string `json:"-" db:"refresh_token"`

	// PasswordReset holds the sha256 hex digest of the pending reset token and its expiry.
	PasswordReset TimedSecret `json:"-"`

	// LastLogin is the timestamp of the most recent successful login.
	LastLogin *time.Time `json:"last_login,omitempty" db:"last_login"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TimedSecret is a secret paired with its expiry. Both are set or cleared together.
type TimedSecret struct {
	Value     string    `json:"value,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsZero reports whether no secret is pending.
func (s TimedSecret) IsZero() bool {
	return s.Value == "" && s.ExpiresAt.IsZero()
}

// Valid reports whether the secret is set and strictly before its expiry at now.
func (s TimedSecret) Valid(now time.Time) bool {
	return s.Value != "" && now.Before(s.ExpiresAt)
}

// PublicUser is the only user shape returned over HTTP.
type PublicUser struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	IsEmailVerified bool   `json:"isEmailVerified"`
}

// Public projects the user to its public fields.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:              u.ID,
		Name:            u.Name,
		Email:           u.Email,
		IsEmailVerified: u.IsEmailVerified,
	}
}

// UserPatch is a partial update. Nil fields are left untouched.
type UserPatch struct {
	PasswordHash    *string
	IsEmailVerified *bool
	// RefreshToken set to "" clears the stored token.
	RefreshToken *string
	LastLogin    *time.Time
	// EmailVerification set to a zero TimedSecret clears code and expiry.
	EmailVerification *TimedSecret
	// PasswordReset set to a zero TimedSecret clears hash and expiry.
	PasswordReset *TimedSecret
}

// UserGuard lists conditions that must all hold for a guarded update to apply.
type UserGuard struct {
	// RefreshToken requires the stored refresh token to equal this value.
	RefreshToken *string
	// VerificationCode requires this pending code, unexpired at Now.
	VerificationCode *string
	// ResetTokenHash requires this pending reset hash, unexpired at Now.
	ResetTokenHash *string
	// Unverified requires IsEmailVerified to be false.
	Unverified bool
	Now        time.Time
}

// Matches evaluates the guard against a user snapshot.
func (g UserGuard) Matches(u User) bool {
	if g.Unverified && u.IsEmailVerified {
		return false
	}
	if g.RefreshToken != nil && (u.RefreshToken == "" || u.RefreshToken != *g.RefreshToken) {
		return false
	}
	if g.VerificationCode != nil {
		if u.EmailVerification.Value != *g.VerificationCode || !u.EmailVerification.Valid(g.Now) {
			return false
		}
	}
	if g.ResetTokenHash != nil {
		if u.PasswordReset.Value != *g.ResetTokenHash || !u.PasswordReset.Valid(g.Now) {
			return false
		}
	}
	return true
}

// Apply returns u with the patch applied. UpdatedAt is set to now.
func (p UserPatch) Apply(u User, now time.Time) User {
	if p.PasswordHash != nil {
		u.PasswordHash = *p.PasswordHash
	}
	if p.IsEmailVerified != nil {
		u.IsEmailVerified = *p.IsEmailVerified
	}
	if p.RefreshToken != nil {
		u.RefreshToken = *p.RefreshToken
	}
	if p.LastLogin != nil {
		t := *p.LastLogin
		u.LastLogin = &t
	}
	if p.EmailVerification != nil {
		u.EmailVerification = *p.EmailVerification
	}
	if p.PasswordReset != nil {
		u.PasswordReset = *p.PasswordReset
	}
	u.UpdatedAt = now
	return u
}
