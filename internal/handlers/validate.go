package handlers

import (
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/makebreak/apiserver/internal/auth"
)

const (
	minNameLen     = 2
	maxNameLen     = 100
	minPasswordLen = 6
)

func validateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < minNameLen || n > maxNameLen {
		return errors.New("name must be between 2 and 100 characters")
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return errors.New("email is invalid")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLen || len(password) > auth.MaxPasswordBytes {
		return errors.New("password must be between 6 and 72 bytes")
	}
	return nil
}

// firstError returns the first non-nil error.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
