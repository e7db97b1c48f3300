package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters and contain letters and digits")
)
