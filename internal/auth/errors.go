package auth

import (
	"errors"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrInvalidInput    = errors.New("auth: invalid input")
)

// ForbiddenError carries the declared denial message together with what the
// principal was missing.
type ForbiddenError struct {
	Operation string
	Message   string
	Missing   []string
}

func (e *ForbiddenError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "access denied"
	}
	if len(e.Missing) > 0 {
		return "auth: forbidden: " + msg + " (missing " + strings.Join(e.Missing, ",") + ")"
	}
	return "auth: forbidden: " + msg
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }
