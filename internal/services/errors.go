package services

import (
	"errors"
	"fmt"
)

var (
	ErrConflict              = errors.New("email already registered")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotFound              = errors.New("user not found")
	ErrAlreadyVerified       = errors.New("email already verified")
	ErrInvalidToken          = errors.New("invalid verification code")
	ErrInvalidOrExpiredToken = errors.New("reset token is invalid or has expired")
	ErrNotificationFailure   = errors.New("email could not be sent")
	ErrInternal              = errors.New("internal error")
)

func internal(err error) error {
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
