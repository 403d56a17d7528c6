package auth

import "errors"

// Authentication errors
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrExpiredToken       = errors.New("token has expired")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrUnknownRole        = errors.New("unknown role")
)
