package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/makebreak/apiserver/internal/auth"
	"github.com/makebreak/apiserver/internal/metrics"
	"github.com/makebreak/apiserver/internal/notify"
	"github.com/makebreak/apiserver/internal/store"
	"github.com/makebreak/apiserver/types"
)

// rollbackTimeout bounds the withdrawal of a secret after a failed send.
const rollbackTimeout = 5 * time.Second

// CredentialStore defines persistence operations for user credentials.
type CredentialStore interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	// GetByVerificationCode and GetByResetTokenHash only match secrets that
	// are unexpired at now.
	GetByVerificationCode(ctx context.Context, id int, code string, now time.Time) (types.User, error)
	GetByResetTokenHash(ctx context.Context, hash string, now time.Time) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, id int, patch types.UserPatch) (types.User, error)
	UpdateIf(ctx context.Context, id int, guard types.UserGuard, patch types.UserPatch) (types.User, error)
}

// TokenSigner issues and verifies access and refresh tokens.
type TokenSigner interface {
	IssueAccessToken(userID int, name, email string) (string, error)
	IssueRefreshToken(userID int) (string, error)
	VerifyAccessToken(raw string) (auth.AccessClaims, error)
	VerifyRefreshToken(raw string) (auth.RefreshClaims, error)
}

// SessionConfig tunes the credential lifecycle.
type SessionConfig struct {
	CodeDigits   int
	CodeTTL      time.Duration
	ResetTTL     time.Duration
	ResetURLBase string
}

// TokenPair is a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	TokenPair
	User types.PublicUser `json:"user"`
}

// Principal is the identity carried by a verified access token.
type Principal struct {
	UserID int
	Name   string
	Email  string
}

// SessionManager implements registration, login, token rotation, email
// verification and password reset on top of a CredentialStore.
type SessionManager struct {
	store    CredentialStore
	hasher   auth.PasswordHasher
	signer   TokenSigner
	notifier notify.Notifier
	cfg      SessionConfig
	logger   *slog.Logger

	now       func() time.Time
	newCode   func(digits int) (string, error)
	newReset  func() (auth.ResetToken, error)
	dummyOnce sync.Once
	dummyHash string
}

func NewSessionManager(
	credentials CredentialStore,
	hasher auth.PasswordHasher,
	signer TokenSigner,
	notifier notify.Notifier,
	cfg SessionConfig,
	logger *slog.Logger,
) *SessionManager {
	if cfg.CodeDigits == 0 {
		cfg.CodeDigits = 6
	}
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = 2 * time.Hour
	}
	if cfg.ResetTTL == 0 {
		cfg.ResetTTL = 48 * time.Hour
	}
	return &SessionManager{
		store:    credentials,
		hasher:   hasher,
		signer:   signer,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		newCode:  auth.NewNumericCode,
		newReset: auth.NewResetToken,
	}
}

// NormalizeEmail is applied to every email before it is stored or compared.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func observe(operation string, err *error) {
	metrics.AuthOperationsTotal.WithLabelValues(operation, metrics.Outcome(*err)).Inc()
}

// Register creates an unverified user. No email is sent.
func (m *SessionManager) Register(ctx context.Context, name, email, password string) (_ types.PublicUser, err error) {
	defer observe("register", &err)

	hash, err := m.hasher.Hash(password)
	if err != nil {
		return types.PublicUser{}, internal(err)
	}

	user, err := m.store.Create(ctx, types.User{
		Name:         strings.TrimSpace(name),
		Email:        NormalizeEmail(email),
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.PublicUser{}, ErrConflict
		}
		return types.PublicUser{}, internal(err)
	}

	m.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	return user.Public(), nil
}

// Login verifies credentials and starts a new session, replacing any previous refresh token.
func (m *SessionManager) Login(ctx context.Context, email, password string) (_ LoginResult, err error) {
	defer observe("login", &err)

	user, err := m.store.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.burnPasswordCheck(password)
			return LoginResult{}, ErrUnauthorized
		}
		return LoginResult{}, internal(err)
	}

	ok, err := m.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return LoginResult{}, internal(err)
	}
	if !ok {
		m.logger.InfoContext(ctx, "login rejected", "user_id", user.ID)
		return LoginResult{}, ErrUnauthorized
	}

	pair, err := m.issuePair(user)
	if err != nil {
		return LoginResult{}, internal(err)
	}

	now := m.now()
	user, err = m.store.Update(ctx, user.ID, types.UserPatch{
		LastLogin:    &now,
		RefreshToken: &pair.RefreshToken,
	})
	if err != nil {
		return LoginResult{}, internal(err)
	}

	m.logger.InfoContext(ctx, "user logged in", "user_id", user.ID)
	return LoginResult{TokenPair: pair, User: user.Public()}, nil
}

// burnPasswordCheck spends one hash verification so unknown emails take as
// long as wrong passwords.
func (m *SessionManager) burnPasswordCheck(password string) {
	m.dummyOnce.Do(func() {
		m.dummyHash, _ = m.hasher.Hash("makebreak-timing-equalizer")
	})
	if m.dummyHash != "" {
		_, _ = m.hasher.Verify(password, m.dummyHash)
	}
}

func (m *SessionManager) issuePair(user types.User) (TokenPair, error) {
	access, err := m.signer.IssueAccessToken(user.ID, user.Name, user.Email)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.signer.IssueRefreshToken(user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh rotates both tokens. The presented refresh token must be the one
// currently stored; of concurrent callers presenting it, at most one wins.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (_ TokenPair, err error) {
	defer observe("refresh", &err)

	if refreshToken == "" {
		return TokenPair{}, ErrUnauthorized
	}
	claims, err := m.signer.VerifyRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, ErrUnauthorized
	}
	userID, err := claims.UserID()
	if err != nil {
		return TokenPair{}, ErrUnauthorized
	}

	user, err := m.store.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, internal(err)
	}
	if user.RefreshToken == "" || subtle.ConstantTimeCompare([]byte(refreshToken), []byte(user.RefreshToken)) != 1 {
		m.logger.WarnContext(ctx, "stale refresh token presented", "user_id", user.ID)
		return TokenPair{}, ErrUnauthorized
	}

	pair, err := m.issuePair(user)
	if err != nil {
		return TokenPair{}, internal(err)
	}

	_, err = m.store.UpdateIf(ctx, user.ID,
		types.UserGuard{RefreshToken: &refreshToken},
		types.UserPatch{RefreshToken: &pair.RefreshToken},
	)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, internal(err)
	}
	return pair, nil
}

// Logout clears the stored refresh token. Issued access tokens stay valid until they expire.
func (m *SessionManager) Logout(ctx context.Context, userID int) (err error) {
	defer observe("logout", &err)

	cleared := ""
	if _, err = m.store.Update(ctx, userID, types.UserPatch{RefreshToken: &cleared}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return internal(err)
	}
	m.logger.InfoContext(ctx, "user logged out", "user_id", userID)
	return nil
}

// CurrentUser returns the public projection of the user.
func (m *SessionManager) CurrentUser(ctx context.Context, userID int) (types.PublicUser, error) {
	user, err := m.store.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.PublicUser{}, ErrNotFound
		}
		return types.PublicUser{}, internal(err)
	}
	return user.Public(), nil
}

// Authenticate verifies an access token.
func (m *SessionManager) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := m.signer.VerifyAccessToken(accessToken)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	userID, err := claims.UserID()
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	return Principal{UserID: userID, Name: claims.Name, Email: claims.Email}, nil
}

// RequestEmailVerification issues a numeric code and emails it. If the email
// cannot be sent the code is withdrawn.
func (m *SessionManager) RequestEmailVerification(ctx context.Context, userID int) (err error) {
	defer observe("request_email_verification", &err)

	user, err := m.store.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return internal(err)
	}
	if user.IsEmailVerified {
		return ErrAlreadyVerified
	}

	code, err := m.newCode(m.cfg.CodeDigits)
	if err != nil {
		return internal(err)
	}
	now := m.now()
	pending := types.TimedSecret{Value: code, ExpiresAt: now.Add(m.cfg.CodeTTL)}

	if _, err = m.store.UpdateIf(ctx, user.ID,
		types.UserGuard{Unverified: true, Now: now},
		types.UserPatch{EmailVerification: &pending},
	); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return ErrAlreadyVerified
		}
		return internal(err)
	}

	err = m.notifier.Send(ctx, notify.Message{
		To:       user.Email,
		Subject:  "Verification Token",
		Template: notify.TemplateVerifyCode,
		Data: map[string]any{
			"name":      user.Name,
			"otpDigits": strings.Split(code, ""),
		},
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "verification email failed", "user_id", user.ID, "error", err)
		if err := m.withdrawVerificationCode(ctx, user.ID, code, now); err != nil {
			return internal(err)
		}
		return ErrNotificationFailure
	}
	return nil
}

// withdrawVerificationCode clears a code whose email was never sent. It
// outlives the request context, which may be what made the send fail.
func (m *SessionManager) withdrawVerificationCode(ctx context.Context, userID int, code string, issuedAt time.Time) error {
	rollbackCtx, cancel := rollbackContext(ctx)
	defer cancel()

	cleared := types.TimedSecret{}
	_, err := m.store.UpdateIf(rollbackCtx, userID,
		types.UserGuard{VerificationCode: &code, Now: issuedAt},
		types.UserPatch{EmailVerification: &cleared},
	)
	if err != nil && !errors.Is(err, store.ErrPreconditionFailed) {
		m.logger.ErrorContext(ctx, "verification code rollback failed", "user_id", userID, "error", err)
		return fmt.Errorf("withdraw verification code: %w", err)
	}
	return nil
}

// ConfirmEmailVerification marks the email verified if code is the pending,
// unexpired code. A confirmation email is sent on a best-effort basis.
func (m *SessionManager) ConfirmEmailVerification(ctx context.Context, userID int, code string) (_ types.PublicUser, err error) {
	defer observe("confirm_email_verification", &err)

	if code == "" {
		return types.PublicUser{}, m.diagnoseVerification(ctx, userID)
	}
	now := m.now()
	user, err := m.store.GetByVerificationCode(ctx, userID, code, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.PublicUser{}, m.diagnoseVerification(ctx, userID)
		}
		return types.PublicUser{}, internal(err)
	}
	if user.IsEmailVerified {
		return types.PublicUser{}, ErrAlreadyVerified
	}

	verified := true
	cleared := types.TimedSecret{}
	user, err = m.store.UpdateIf(ctx, user.ID,
		types.UserGuard{VerificationCode: &code, Unverified: true, Now: now},
		types.UserPatch{IsEmailVerified: &verified, EmailVerification: &cleared},
	)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return types.PublicUser{}, m.diagnoseVerification(ctx, userID)
		}
		return types.PublicUser{}, internal(err)
	}

	m.logger.InfoContext(ctx, "email verified", "user_id", user.ID)
	if err := m.notifier.Send(ctx, notify.Message{
		To:       user.Email,
		Subject:  "Email verified successfully",
		Template: notify.TemplateEmailVerified,
		Data:     map[string]any{"name": user.Name},
	}); err != nil {
		m.logger.WarnContext(ctx, "verification confirmation email failed", "user_id", user.ID, "error", err)
	}
	return user.Public(), nil
}

// diagnoseVerification maps a failed code lookup or a lost race on the
// verification guard to the error the caller should see.
func (m *SessionManager) diagnoseVerification(ctx context.Context, userID int) error {
	user, err := m.store.GetByID(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return internal(err)
	case user.IsEmailVerified:
		return ErrAlreadyVerified
	default:
		return ErrInvalidToken
	}
}

// ForgotPassword issues a single-use reset token and emails a link carrying
// it. Only the token's digest is stored. If the email cannot be sent the
// token is withdrawn.
func (m *SessionManager) ForgotPassword(ctx context.Context, email string) (err error) {
	defer observe("forgot_password", &err)

	user, err := m.store.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return internal(err)
	}

	token, err := m.newReset()
	if err != nil {
		return internal(err)
	}
	now := m.now()
	pending := types.TimedSecret{Value: token.Hash, ExpiresAt: now.Add(m.cfg.ResetTTL)}
	if _, err = m.store.Update(ctx, user.ID, types.UserPatch{PasswordReset: &pending}); err != nil {
		return internal(err)
	}

	err = m.notifier.Send(ctx, notify.Message{
		To:       user.Email,
		Subject:  "Reset Your Password",
		Template: notify.TemplateForgotPassword,
		Data: map[string]any{
			"name":      user.Name,
			"resetLink": strings.TrimRight(m.cfg.ResetURLBase, "/") + "/" + token.Token,
			"year":      now.Year(),
		},
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "password reset email failed", "user_id", user.ID, "error", err)
		if err := m.withdrawResetToken(ctx, user.ID, token.Hash, now); err != nil {
			return internal(err)
		}
		return ErrNotificationFailure
	}
	return nil
}

func (m *SessionManager) withdrawResetToken(ctx context.Context, userID int, hash string, issuedAt time.Time) error {
	rollbackCtx, cancel := rollbackContext(ctx)
	defer cancel()

	cleared := types.TimedSecret{}
	_, err := m.store.UpdateIf(rollbackCtx, userID,
		types.UserGuard{ResetTokenHash: &hash, Now: issuedAt},
		types.UserPatch{PasswordReset: &cleared},
	)
	if err != nil && !errors.Is(err, store.ErrPreconditionFailed) {
		m.logger.ErrorContext(ctx, "reset token rollback failed", "user_id", userID, "error", err)
		return fmt.Errorf("withdraw reset token: %w", err)
	}
	return nil
}

// rollbackContext keeps ctx's values but not its cancellation, bounded by
// rollbackTimeout.
func rollbackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
}

// ResetPassword sets a new password if rawToken is a pending, unexpired
// reset token, and consumes the token. It does not start a session.
func (m *SessionManager) ResetPassword(ctx context.Context, rawToken, newPassword string) (err error) {
	defer observe("reset_password", &err)

	if rawToken == "" {
		return ErrInvalidOrExpiredToken
	}
	digest := auth.HashResetToken(rawToken)
	now := m.now()

	user, err := m.store.GetByResetTokenHash(ctx, digest, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return internal(err)
	}
	if subtle.ConstantTimeCompare([]byte(digest), []byte(user.PasswordReset.Value)) != 1 {
		return ErrInvalidOrExpiredToken
	}

	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		return internal(err)
	}
	cleared := types.TimedSecret{}
	_, err = m.store.UpdateIf(ctx, user.ID,
		types.UserGuard{ResetTokenHash: &digest, Now: now},
		types.UserPatch{PasswordHash: &hash, PasswordReset: &cleared},
	)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return ErrInvalidOrExpiredToken
		}
		return internal(err)
	}

	m.logger.InfoContext(ctx, "password reset", "user_id", user.ID)
	return nil
}
