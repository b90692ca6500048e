package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// ErrInvalidToken covers bad signatures, wrong algorithms or types, and expiry.
var ErrInvalidToken = errors.New("invalid token")

// TokenConfig configures a Signer. Secrets must be non-empty and distinct.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// AccessClaims identify a user for the lifetime of an access token.
type AccessClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

// UserID parses the subject as a user id.
func (c AccessClaims) UserID() (int, error) {
	return subjectID(c.Subject)
}

// RefreshClaims carry only the subject; the jti makes every issued token unique.
type RefreshClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

func (c RefreshClaims) UserID() (int, error) {
	return subjectID(c.Subject)
}

// Signer issues and verifies HS256 access and refresh tokens.
type Signer struct {
	cfg    TokenConfig
	now    func() time.Time
	parser *jwt.Parser
}

func NewSigner(cfg TokenConfig) (*Signer, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	s := &Signer{cfg: cfg, now: time.Now}
	opts = append(opts, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	s.parser = jwt.NewParser(opts...)
	return s, nil
}

// AccessTTL is the lifetime of issued access tokens.
func (s *Signer) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// RefreshTTL is the lifetime of issued refresh tokens.
func (s *Signer) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

func (s *Signer) registered(userID int, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   strconv.Itoa(userID),
		Issuer:    s.cfg.Issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Signer) IssueAccessToken(userID int, name, email string) (string, error) {
	claims := AccessClaims{
		Name:             name,
		Email:            email,
		Type:             TokenTypeAccess,
		RegisteredClaims: s.registered(userID, s.cfg.AccessTTL),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.AccessSecret)
}

func (s *Signer) IssueRefreshToken(userID int) (string, error) {
	claims := RefreshClaims{
		Type:             TokenTypeRefresh,
		RegisteredClaims: s.registered(userID, s.cfg.RefreshTTL),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.RefreshSecret)
}

func (s *Signer) VerifyAccessToken(raw string) (AccessClaims, error) {
	var claims AccessClaims
	if err := s.parse(raw, &claims, s.cfg.AccessSecret); err != nil {
		return AccessClaims{}, err
	}
	if claims.Type != TokenTypeAccess {
		return AccessClaims{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidToken, claims.Type)
	}
	return claims, nil
}

func (s *Signer) VerifyRefreshToken(raw string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := s.parse(raw, &claims, s.cfg.RefreshSecret); err != nil {
		return RefreshClaims{}, err
	}
	if claims.Type != TokenTypeRefresh {
		return RefreshClaims{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidToken, claims.Type)
	}
	return claims, nil
}

func (s *Signer) parse(raw string, claims jwt.Claims, secret []byte) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	token, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func subjectID(subject string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(subject))
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}
