package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/makebreak/apiserver/internal/logging"
	"github.com/makebreak/apiserver/internal/services"
	"github.com/makebreak/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	registerErr error
	loginErr    error
	refreshErr  error
	confirmErr  error
	forgotErr   error
	resetErr    error
	requestErr  error

	gotRefresh    string
	gotCode       string
	gotResetToken string
	gotResetPass  string
	loggedOut     int
}

var alice = types.PublicUser{ID: 7, Name: "Alice", Email: "alice@example.com"}

func (f *fakeSessions) Register(_ context.Context, name, email, _ string) (types.PublicUser, error) {
	if f.registerErr != nil {
		return types.PublicUser{}, f.registerErr
	}
	return types.PublicUser{ID: 1, Name: name, Email: email}, nil
}

func (f *fakeSessions) Login(context.Context, string, string) (services.LoginResult, error) {
	if f.loginErr != nil {
		return services.LoginResult{}, f.loginErr
	}
	return services.LoginResult{
		TokenPair: services.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"},
		User:      alice,
	}, nil
}

func (f *fakeSessions) Refresh(_ context.Context, token string) (services.TokenPair, error) {
	f.gotRefresh = token
	if f.refreshErr != nil {
		return services.TokenPair{}, f.refreshErr
	}
	return services.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
}

func (f *fakeSessions) Logout(_ context.Context, userID int) error {
	f.loggedOut = userID
	return nil
}

func (f *fakeSessions) CurrentUser(_ context.Context, userID int) (types.PublicUser, error) {
	if userID != alice.ID {
		return types.PublicUser{}, services.ErrNotFound
	}
	return alice, nil
}

func (f *fakeSessions) Authenticate(_ context.Context, token string) (services.Principal, error) {
	if token != "good-access" {
		return services.Principal{}, services.ErrUnauthorized
	}
	return services.Principal{UserID: alice.ID, Name: alice.Name, Email: alice.Email}, nil
}

func (f *fakeSessions) RequestEmailVerification(context.Context, int) error {
	return f.requestErr
}

func (f *fakeSessions) ConfirmEmailVerification(_ context.Context, _ int, code string) (types.PublicUser, error) {
	f.gotCode = code
	if f.confirmErr != nil {
		return types.PublicUser{}, f.confirmErr
	}
	verified := alice
	verified.IsEmailVerified = true
	return verified, nil
}

func (f *fakeSessions) ForgotPassword(context.Context, string) error {
	return f.forgotErr
}

func (f *fakeSessions) ResetPassword(_ context.Context, token, password string) error {
	f.gotResetToken = token
	f.gotResetPass = password
	return f.resetErr
}

func newTestRouter(sessions SessionService, secure bool) http.Handler {
	h := NewAuthHandler(sessions, CookieOptions{
		Secure:     secure,
		AccessTTL:  time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
	}, logging.Discard())
	r := chi.NewRouter()
	r.Route("/api/auth", func(r chi.Router) { AuthRouter(r, h) })
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func withCookie(name, value string) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: name, Value: value}) }
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestRegister(t *testing.T) {
	h := newTestRouter(&fakeSessions{}, true)

	rec := do(t, h, http.MethodPost, "/api/auth/register", RegisterRequest{
		Name: "Alice", Email: "alice@example.com", Password: "hunter22",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp UserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "alice@example.com", resp.User.Email)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestRegisterValidation(t *testing.T) {
	h := newTestRouter(&fakeSessions{}, true)

	cases := map[string]RegisterRequest{
		"short name":     {Name: "A", Email: "a@example.com", Password: "hunter22"},
		"bad email":      {Name: "Alice", Email: "not-an-email", Password: "hunter22"},
		"short password": {Name: "Alice", Email: "a@example.com", Password: "abc"},
		"long password":  {Name: "Alice", Email: "a@example.com", Password: string(bytes.Repeat([]byte("x"), 73))},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/auth/register", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegisterConflict(t *testing.T) {
	h := newTestRouter(&fakeSessions{registerErr: services.ErrConflict}, true)

	rec := do(t, h, http.MethodPost, "/api/auth/register", RegisterRequest{
		Name: "Alice", Email: "alice@example.com", Password: "hunter22",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginSetsCookies(t *testing.T) {
	h := newTestRouter(&fakeSessions{}, true)

	rec := do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "alice@example.com", Password: "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "access-1", resp.AccessToken)
	assert.Equal(t, "refresh-1", resp.RefreshToken)

	cookies := cookiesByName(rec)
	require.Contains(t, cookies, accessCookie)
	require.Contains(t, cookies, refreshCookie)
	access := cookies[accessCookie]
	assert.Equal(t, "access-1", access.Value)
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)
	assert.Equal(t, http.SameSiteNoneMode, access.SameSite)
	assert.Equal(t, 3600, access.MaxAge)
	assert.Equal(t, 7*24*3600, cookies[refreshCookie].MaxAge)
}

func TestLoginInsecureCookiesUseLax(t *testing.T) {
	h := newTestRouter(&fakeSessions{}, false)

	rec := do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "alice@example.com", Password: "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)

	access := cookiesByName(rec)[accessCookie]
	require.NotNil(t, access)
	assert.False(t, access.Secure)
	assert.Equal(t, http.SameSiteLaxMode, access.SameSite)
}

func TestLoginFailures(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "alice@example.com"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("bad credentials", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{loginErr: services.ErrUnauthorized}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "alice@example.com", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Result().Cookies())
	})
	t.Run("store outage", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{loginErr: errors.New("internal error: db down")}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/login", LoginRequest{Email: "alice@example.com", Password: "x"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "db down")
	})
}

func TestRefreshTokenSources(t *testing.T) {
	t.Run("cookie", func(t *testing.T) {
		fake := &fakeSessions{}
		h := newTestRouter(fake, true)
		rec := do(t, h, http.MethodPost, "/api/auth/refresh-token", nil, withCookie(refreshCookie, "from-cookie"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "from-cookie", fake.gotRefresh)
		assert.Equal(t, "refresh-2", cookiesByName(rec)[refreshCookie].Value)
	})
	t.Run("body", func(t *testing.T) {
		fake := &fakeSessions{}
		h := newTestRouter(fake, true)
		rec := do(t, h, http.MethodPost, "/api/auth/refresh-token", RefreshRequest{RefreshToken: "from-body"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "from-body", fake.gotRefresh)
	})
	t.Run("missing", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/refresh-token", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
	t.Run("replayed", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{refreshErr: services.ErrUnauthorized}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/refresh-token", RefreshRequest{RefreshToken: "old"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireAuth(t *testing.T) {
	h := newTestRouter(&fakeSessions{}, true)

	rec := do(t, h, http.MethodGet, "/api/auth/current-user", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/auth/current-user", nil, withBearer("bad"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/auth/current-user", nil, withBearer("good-access"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/auth/current-user", nil, withCookie(accessCookie, "good-access"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp UserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, alice.ID, resp.User.ID)
}

func TestLogoutClearsCookies(t *testing.T) {
	fake := &fakeSessions{}
	h := newTestRouter(fake, true)

	rec := do(t, h, http.MethodPost, "/api/auth/logout", nil, withBearer("good-access"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alice.ID, fake.loggedOut)

	cookies := cookiesByName(rec)
	for _, name := range []string{accessCookie, refreshCookie} {
		require.Contains(t, cookies, name)
		assert.Empty(t, cookies[name].Value)
		assert.Equal(t, -1, cookies[name].MaxAge)
	}
}

func TestEmailVerificationRoutes(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/generate-email-verification-token", nil, withBearer("good-access"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("request already verified", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{requestErr: services.ErrAlreadyVerified}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/generate-email-verification-token", nil, withBearer("good-access"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("request mail down", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{requestErr: services.ErrNotificationFailure}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/generate-email-verification-token", nil, withBearer("good-access"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "email could not be sent")
	})
	t.Run("confirm", func(t *testing.T) {
		fake := &fakeSessions{}
		h := newTestRouter(fake, true)
		rec := do(t, h, http.MethodPost, "/api/auth/verify-user-email", VerifyEmailRequest{Token: " 123456 "}, withBearer("good-access"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "123456", fake.gotCode)

		var resp UserResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.User.IsEmailVerified)
	})
	t.Run("confirm wrong code", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{confirmErr: services.ErrInvalidToken}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/verify-user-email", VerifyEmailRequest{Token: "000000"}, withBearer("good-access"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("confirm requires auth", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/verify-user-email", VerifyEmailRequest{Token: "123456"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestPasswordResetRoutes(t *testing.T) {
	t.Run("forgot", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/forgot-password", ForgotPasswordRequest{Email: "alice@example.com"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("forgot unknown email", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{forgotErr: services.ErrNotFound}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/forgot-password", ForgotPasswordRequest{Email: "nobody@example.com"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("reset", func(t *testing.T) {
		fake := &fakeSessions{}
		h := newTestRouter(fake, true)
		rec := do(t, h, http.MethodPost, "/api/auth/reset-password/abc123", ResetPasswordRequest{Password: "newpass1"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "abc123", fake.gotResetToken)
		assert.Equal(t, "newpass1", fake.gotResetPass)
	})
	t.Run("reset expired", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{resetErr: services.ErrInvalidOrExpiredToken}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/reset-password/abc123", ResetPasswordRequest{Password: "newpass1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("reset missing password", func(t *testing.T) {
		h := newTestRouter(&fakeSessions{}, true)
		rec := do(t, h, http.MethodPost, "/api/auth/reset-password/abc123", ResetPasswordRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
