package auth

import "errors"

// Sentinel errors for the auth package. The gateway maps each to a wire error
// code.
var (
	ErrPayloadRequired     = errors.New("authentication payload is required")
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrTokenSubjectMissing = errors.New("token is missing a user id")
	ErrInvalidKey          = errors.New("unknown API key")
	ErrCredentialsRequired = errors.New("email and password are required")
	ErrInvalidCredentials  = errors.New("invalid email or password")
)
