package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makebreak/apiserver/internal/auth"
	"github.com/makebreak/apiserver/internal/logging"
	"github.com/makebreak/apiserver/internal/notify"
	"github.com/makebreak/apiserver/internal/store"
	"github.com/makebreak/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type stubNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	err      error
}

func (s *stubNotifier) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return s.err
}

func (s *stubNotifier) last(t *testing.T) notify.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.messages)
	return s.messages[len(s.messages)-1]
}

func (s *stubNotifier) code(t *testing.T) string {
	t.Helper()
	msg := s.last(t)
	require.Equal(t, notify.TemplateVerifyCode, msg.Template)
	digits, ok := msg.Data["otpDigits"].([]string)
	require.True(t, ok)
	return strings.Join(digits, "")
}

func (s *stubNotifier) resetToken(t *testing.T) string {
	t.Helper()
	msg := s.last(t)
	require.Equal(t, notify.TemplateForgotPassword, msg.Template)
	link, ok := msg.Data["resetLink"].(string)
	require.True(t, ok)
	return link[strings.LastIndex(link, "/")+1:]
}

// failingStore wraps the memory store and injects errors per method.
type failingStore struct {
	*store.MemoryUserRepository
	getByEmailErr error
	lookupErr     error
	updateErr     error
}

func (f *failingStore) GetByEmail(ctx context.Context, email string) (types.User, error) {
	if f.getByEmailErr != nil {
		return types.User{}, f.getByEmailErr
	}
	return f.MemoryUserRepository.GetByEmail(ctx, email)
}

func (f *failingStore) GetByVerificationCode(ctx context.Context, id int, code string, now time.Time) (types.User, error) {
	if f.lookupErr != nil {
		return types.User{}, f.lookupErr
	}
	return f.MemoryUserRepository.GetByVerificationCode(ctx, id, code, now)
}

func (f *failingStore) Update(ctx context.Context, id int, patch types.UserPatch) (types.User, error) {
	if f.updateErr != nil {
		return types.User{}, f.updateErr
	}
	return f.MemoryUserRepository.Update(ctx, id, patch)
}

type harness struct {
	manager  *SessionManager
	store    *store.MemoryUserRepository
	notifier *stubNotifier
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryUserRepository(),
		notifier: &stubNotifier{},
		now:      time.Now(),
	}
	h.manager = newManager(t, h.store, h.notifier)
	h.manager.now = func() time.Time { return h.now }
	return h
}

func newManager(t *testing.T, credentials CredentialStore, notifier notify.Notifier) *SessionManager {
	t.Helper()
	signer, err := auth.NewSigner(auth.TokenConfig{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "makebreak",
	})
	require.NoError(t, err)
	hasher, err := auth.NewPasswordHasher("bcrypt", bcrypt.MinCost)
	require.NoError(t, err)

	return NewSessionManager(credentials, hasher, signer, notifier, SessionConfig{
		ResetURLBase: "http://localhost:5173/reset-password",
	}, logging.Discard())
}

func (h *harness) register(t *testing.T, email, password string) types.PublicUser {
	t.Helper()
	user, err := h.manager.Register(context.Background(), "Ada Lovelace", email, password)
	require.NoError(t, err)
	return user
}

func TestRegisterThenLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	registered := h.register(t, "a@x.com", "secret1")
	assert.False(t, registered.IsEmailVerified)
	assert.Empty(t, h.notifier.messages, "registration sends no email")

	res, err := h.manager.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, res.User.ID)
	assert.False(t, res.User.IsEmailVerified)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)

	stored, err := h.store.GetByID(ctx, registered.ID)
	require.NoError(t, err)
	assert.Equal(t, res.RefreshToken, stored.RefreshToken)
	require.NotNil(t, stored.LastLogin)
	assert.NotEqual(t, "secret1", stored.PasswordHash)
}

func TestRegisterNormalizesEmailAndRejectsDuplicates(t *testing.T) {
	h := newHarness(t)

	user := h.register(t, "  Ada@Example.COM ", "secret1")
	assert.Equal(t, "ada@example.com", user.Email)

	_, err := h.manager.Register(context.Background(), "Dup", "ada@example.com", "secret1")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = h.manager.Login(context.Background(), "ADA@example.com", "secret1")
	assert.NoError(t, err)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "secret1")

	_, wrongPassword := h.manager.Login(context.Background(), "a@x.com", "wrong")
	_, unknownEmail := h.manager.Login(context.Background(), "b@x.com", "anything")

	assert.ErrorIs(t, wrongPassword, ErrUnauthorized)
	assert.ErrorIs(t, unknownEmail, ErrUnauthorized)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestLoginStoreOutageIsInternal(t *testing.T) {
	fs := &failingStore{MemoryUserRepository: store.NewMemoryUserRepository(), getByEmailErr: errors.New("connection reset")}
	m := newManager(t, fs, &stubNotifier{})

	_, err := m.Login(context.Background(), "a@x.com", "secret1")
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "a@x.com", "secret1")

	first, err := h.manager.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)

	second, err := h.manager.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEmpty(t, second.AccessToken)

	_, err = h.manager.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized, "replaying a rotated token fails")

	third, err := h.manager.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, second.RefreshToken, third.RefreshToken)
}

func TestRefreshRejectsGarbageAndAccessTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "a@x.com", "secret1")
	res, err := h.manager.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)

	for _, token := range []string{"", "garbage", res.AccessToken} {
		_, err := h.manager.Refresh(ctx, token)
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "a@x.com", "secret1")
	res, err := h.manager.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.Refresh(ctx, res.RefreshToken)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrUnauthorized)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestLogoutInvalidatesRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.register(t, "a@x.com", "secret1")
	res, err := h.manager.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	rotated, err := h.manager.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, h.manager.Logout(ctx, user.ID))
	require.NoError(t, h.manager.Logout(ctx, user.ID), "logout is idempotent")
	require.NoError(t, h.manager.Logout(ctx, 999))

	_, err = h.manager.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateAndCurrentUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.register(t, "a@x.com", "secret1")
	res, err := h.manager.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)

	principal, err := h.manager.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, principal.UserID)
	assert.Equal(t, "a@x.com", principal.Email)

	_, err = h.manager.Authenticate(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	current, err := h.manager.CurrentUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user, current)

	_, err = h.manager.CurrentUser(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmailVerificationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.register(t, "a@x.com", "secret1")

	require.NoError(t, h.manager.RequestEmailVerification(ctx, user.ID))
	code := h.notifier.code(t)
	assert.Len(t, code, 6)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err := h.manager.ConfirmEmailVerification(ctx, user.ID, wrong)
	assert.ErrorIs(t, err, ErrInvalidToken)
	stored, err := h.store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsEmailVerified)

	verified, err := h.manager.ConfirmEmailVerification(ctx, user.ID, code)
	require.NoError(t, err)
	assert.True(t, verified.IsEmailVerified)
	assert.Equal(t, notify.TemplateEmailVerified, h.notifier.last(t).Template)

	stored, err = h.store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.EmailVerification.IsZero(), "code is consumed")

	_, err = h.manager.ConfirmEmailVerification(ctx, user.ID, code)
	assert.ErrorIs(t, err, ErrAlreadyVerified)
	assert.ErrorIs(t, h.manager.RequestEmailVerification(ctx, user.ID), ErrAlreadyVerified)
}

func TestEmailVerificationCodeExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.register(t, "a@x.com", "secret1")

	require.NoError(t, h.manager.RequestEmailVerification(ctx, user.ID))
	code := h.notifier.code(t)

	h.now = h.now.Add(2*time.Hour + time.Second)
	_, err := h.manager.ConfirmEmailVerification(ctx, user.ID, code)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmailVerificationUnknownUser(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.manager.RequestEmailVerification(context.Background(), 42), ErrNotFound)
	_, err := h.manager.ConfirmEmailVerification(context.Background(), 42, "123456")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmEmailVerificationStoreOutageIsInternal(t *testing.T) {
	fs := &failingStore{MemoryUserRepository: store.NewMemoryUserRepository()}
	notifier := &stubNotifier{}
	m := newManager(t, fs, notifier)
	ctx := context.Background()
	user, err := m.Register(ctx, "Ada", "a@x.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, m.RequestEmailVerification(ctx, user.ID))

	fs.lookupErr = errors.New("connection reset")
	_, err = m.ConfirmEmailVerification(ctx, user.ID, notifier.code(t))
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestConfirmationEmailFailureStillVerifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.register(t, "a@x.com", "secret1")

	require.NoError(t, h.manager.RequestEmailVerification(ctx, user.ID))
	code := h.notifier.code(t)

	h.notifier.err = errors.New("smtp down")
	verified, err := h.manager.ConfirmEmailVerification(ctx, user.ID, code)
	require.NoError(t, err)
	assert.True(t, verified.IsEmailVerified)
}

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.register(t, "a@x.com", "secret1")

	require.NoError(t, h.manager.ForgotPassword(ctx, "a@x.com"))
	msg := h.notifier.last(t)
	assert.Equal(t, "a@x.com", msg.To)
	assert.True(t, strings.HasPrefix(msg.Data["resetLink"].(string), "http://localhost:5173/reset-password/"))
	token := h.notifier.resetToken(t)

	stored, err := h.store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.HashResetToken(token), stored.PasswordReset.Value, "only the digest is stored")
	assert.NotEqual(t, token, stored.PasswordReset.Value)

	require.NoError(t, h.manager.ResetPassword(ctx, token, "newpass1"))

	_, err = h.manager.Login(ctx, "a@x.com", "newpass1")
	require.NoError(t, err)
	_, err = h.manager.Login(ctx, "a@x.com", "secret1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, h.manager.ResetPassword(ctx, token, "another1"), ErrInvalidOrExpiredToken)
}

func TestPasswordResetTokenExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "a@x.com", "secret1")

	require.NoError(t, h.manager.ForgotPassword(ctx, "a@x.com"))
	token := h.notifier.resetToken(t)

	h.now = h.now.Add(48*time.Hour + time.Second)
	assert.ErrorIs(t, h.manager.ResetPassword(ctx, token, "newpass1"), ErrInvalidOrExpiredToken)
	assert.ErrorIs(t, h.manager.ResetPassword(ctx, "", "newpass1"), ErrInvalidOrExpiredToken)
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.manager.ForgotPassword(context.Background(), "nobody@x.com"), ErrNotFound)
}

func TestForgotPasswordStoreFailureIsInternal(t *testing.T) {
	fs := &failingStore{MemoryUserRepository: store.NewMemoryUserRepository()}
	m := newManager(t, fs, &stubNotifier{})
	_, err := m.Register(context.Background(), "Ada", "a@x.com", "secret1")
	require.NoError(t, err)

	fs.updateErr = errors.New("disk full")
	assert.ErrorIs(t, m.ForgotPassword(context.Background(), "a@x.com"), ErrInternal)
}

func TestNotificationFailureRollsBackSecrets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.register(t, "a@x.com", "secret1")
	h.notifier.err = errors.New("smtp down")

	assert.ErrorIs(t, h.manager.ForgotPassword(ctx, "a@x.com"), ErrNotificationFailure)
	assert.ErrorIs(t, h.manager.RequestEmailVerification(ctx, user.ID), ErrNotificationFailure)

	stored, err := h.store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.PasswordReset.IsZero(), "reset token withdrawn")
	assert.True(t, stored.EmailVerification.IsZero(), "verification code withdrawn")
	assert.False(t, stored.IsEmailVerified)
}
