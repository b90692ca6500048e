package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/makebreak/apiserver/internal/services"
	"github.com/makebreak/apiserver/types"
)

const (
	accessCookie  = "accessToken"
	refreshCookie = "refreshToken"
)

// SessionService is the session manager surface the HTTP layer uses.
type SessionService interface {
	Register(ctx context.Context, name, email, password string) (types.PublicUser, error)
	Login(ctx context.Context, email, password string) (services.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (services.TokenPair, error)
	Logout(ctx context.Context, userID int) error
	CurrentUser(ctx context.Context, userID int) (types.PublicUser, error)
	Authenticate(ctx context.Context, accessToken string) (services.Principal, error)
	RequestEmailVerification(ctx context.Context, userID int) error
	ConfirmEmailVerification(ctx context.Context, userID int, code string) (types.PublicUser, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, rawToken, newPassword string) error
}

// CookieOptions control the session cookies set on login and refresh.
type CookieOptions struct {
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AuthHandler provides the session and credential endpoints.
type AuthHandler struct {
	sessions SessionService
	cookies  CookieOptions
	logger   *slog.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(sessions SessionService, cookies CookieOptions, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, cookies: cookies, logger: logger}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler) {
	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
	r.Post("/refresh-token", handler.Refresh)
	r.Post("/forgot-password", handler.ForgotPassword)
	r.Post("/reset-password/{token}", handler.ResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(handler.RequireAuth)
		r.Post("/logout", handler.Logout)
		r.Get("/current-user", handler.CurrentUser)
		r.Post("/generate-email-verification-token", handler.RequestEmailVerification)
		r.Post("/verify-user-email", handler.ConfirmEmailVerification)
	})
}

// RequireAuth accepts the access token from the accessToken cookie or an
// Authorization bearer header and injects the user id into the context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := cookieValue(r, accessCookie)
		if token == "" {
			var err error
			if token, err = bearerToken(r); err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}

		principal, err := h.sessions.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), principal.UserID)))
	})
}

// Register creates a new, unverified account.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := firstError(validateName(req.Name), validateEmail(req.Email), validatePassword(req.Password)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.sessions.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, UserResponse{Message: "User registered successfully", User: user})
}

// Login verifies credentials, sets session cookies and returns both tokens.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	res, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.setSessionCookies(w, res.TokenPair)
	writeJSON(w, http.StatusOK, LoginResponse{
		Message:      "User logged in successfully",
		User:         res.User,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	})
}

// Logout drops the stored refresh token and clears the cookies.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.sessions.Logout(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "User logged out successfully"})
}

// CurrentUser returns the authenticated user.
func (h *AuthHandler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.sessions.CurrentUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UserResponse{Message: "User fetched successfully", User: user})
}

// Refresh rotates the session using the refreshToken cookie or body field.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := cookieValue(r, refreshCookie)
	if token == "" {
		var req RefreshRequest
		_ = decodeJSON(r, &req)
		token = strings.TrimSpace(req.RefreshToken)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized request")
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, TokenResponse{
		Message:      "Access token refreshed",
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// ForgotPassword emails a password reset link.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := validateEmail(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.ForgotPassword(r.Context(), req.Email); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Reset password email sent successfully"})
}

// ResetPassword consumes the reset token in the path and sets a new password.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))

	var req ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if token == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "token and password are required")
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.ResetPassword(r.Context(), token, req.Password); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Password reset successfully"})
}

// RequestEmailVerification emails a fresh verification code.
func (h *AuthHandler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.sessions.RequestEmailVerification(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Verification token sent to email"})
}

// ConfirmEmailVerification checks the submitted code.
func (h *AuthHandler) ConfirmEmailVerification(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req VerifyEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	code := strings.TrimSpace(req.Token)
	if code == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	user, err := h.sessions.ConfirmEmailVerification(r.Context(), userID, code)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UserResponse{Message: "User verified successfully", User: user})
}

func (h *AuthHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrConflict):
		writeError(w, http.StatusConflict, "user with this email already exists")
	case errors.Is(err, services.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, services.ErrAlreadyVerified):
		writeError(w, http.StatusBadRequest, "email already verified")
	case errors.Is(err, services.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid verification code")
	case errors.Is(err, services.ErrInvalidOrExpiredToken):
		writeError(w, http.StatusBadRequest, "token is invalid or has expired")
	case errors.Is(err, services.ErrNotificationFailure):
		writeError(w, http.StatusInternalServerError, "email could not be sent")
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *AuthHandler) cookie(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	}
	if h.cookies.Secure {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, pair services.TokenPair) {
	http.SetCookie(w, h.cookie(accessCookie, pair.AccessToken, h.cookies.AccessTTL))
	http.SetCookie(w, h.cookie(refreshCookie, pair.RefreshToken, h.cookies.RefreshTTL))
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{accessCookie, refreshCookie} {
		c := h.cookie(name, "", 0)
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Password string `json:"password"`
}

type VerifyEmailRequest struct {
	Token string `json:"token"`
}

type UserResponse struct {
	Message string           `json:"message"`
	User    types.PublicUser `json:"user"`
}

type LoginResponse struct {
	Message      string           `json:"message"`
	User         types.PublicUser `json:"user"`
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
}

type TokenResponse struct {
	Message      string `json:"message"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
