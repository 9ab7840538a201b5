package auth

import (
	"errors"

	"rosterline.org/internal/secure"
)

var (
	ErrNotFound             = secure.ErrNotFound
	ErrConflict             = errors.New("auth: already exists")
	ErrInvalidInput         = errors.New("auth: invalid input")
	ErrWeakPassword         = errors.New("auth: password does not meet policy")
	ErrSecondFactorRequired = errors.New("auth: second factor required")
	ErrForbidden            = errors.New("auth: forbidden")
)
