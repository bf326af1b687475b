// Package auth validates gateway authentication payloads (bearer token, API
// key, or email/password credentials) and derives the permission set recorded
// on the connection.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/taskwire/taskwire-server/internal/permission"
)

// Identity describes an authenticated user. It is immutable once
// authentication succeeds.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}

// Credentials is the email/password variant of the auth payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Payload is the inbound auth frame payload. Exactly one variant should be
// set; they are tried in the order token, apiKey, credentials.
type Payload struct {
	Token       string       `json:"token,omitempty"`
	APIKey      string       `json:"apiKey,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

// Result is the outcome of a successful authentication.
type Result struct {
	User        Identity
	Permissions permission.Set
}

// StoredCredential is a credential store record for one user.
type StoredCredential struct {
	UserID       string
	Email        string
	Name         string
	Role         string
	PasswordHash string
}

// CredentialStore is the external collaborator that holds user credentials.
type CredentialStore interface {
	// GetByEmail returns the stored credential for an email address, or an
	// error when no such user exists.
	GetByEmail(ctx context.Context, email string) (*StoredCredential, error)
}

// KeyStore is the external collaborator that maps API key digests to users.
type KeyStore interface {
	// GetByKeyDigest returns the identity bound to an API key digest, or an
	// error when the digest is unknown.
	GetByKeyDigest(ctx context.Context, digest string) (*Identity, error)
}

// Config holds the secrets the authenticator verifies against.
type Config struct {
	JWTSecret string
	Issuer    string
	// KeySecret is the hex-encoded HMAC key for API key digests.
	KeySecret string
}

// Authenticator validates the three auth payload variants against the token
// secret, the key store, and the credential store.
type Authenticator struct {
	cfg   Config
	keys  KeyStore
	creds CredentialStore
	log   zerolog.Logger
}

// New creates an authenticator. The key and credential stores may be nil, in
// which case the corresponding payload variants are rejected.
func New(cfg Config, keys KeyStore, creds CredentialStore, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		cfg:   cfg,
		keys:  keys,
		creds: creds,
		log:   logger.With().Str("component", "auth").Logger(),
	}
}

// Authenticate validates the payload and returns the identity plus the derived
// permission set. Failures return one of the package sentinel errors.
func (a *Authenticator) Authenticate(ctx context.Context, p Payload) (*Result, error) {
	switch {
	case p.Token != "":
		return a.authenticateToken(p.Token)
	case p.APIKey != "":
		return a.authenticateAPIKey(ctx, p.APIKey)
	case p.Credentials != nil:
		return a.authenticateCredentials(ctx, *p.Credentials)
	default:
		return nil, ErrPayloadRequired
	}
}

// authenticateToken validates a signed bearer token. When the token carries an
// explicit permission list it is used as-is; otherwise permissions are derived
// from the role claim.
func (a *Authenticator) authenticateToken(token string) (*Result, error) {
	claims, err := ValidateAccessToken(token, a.cfg.JWTSecret, a.cfg.Issuer)
	if err != nil {
		a.log.Debug().Err(err).Msg("Token validation failed")
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrTokenSubjectMissing
	}

	perms := permission.ForRole(claims.Role)
	if len(claims.Permissions) > 0 {
		perms = permission.NewSet(claims.Permissions...)
	}

	return &Result{
		User: Identity{
			ID:    claims.Subject,
			Email: claims.Email,
			Name:  claims.Name,
			Role:  claims.Role,
		},
		Permissions: perms,
	}, nil
}

// authenticateAPIKey looks the key up by its HMAC digest. The digest scheme
// keeps the lookup constant-time with respect to the presented key.
func (a *Authenticator) authenticateAPIKey(ctx context.Context, apiKey string) (*Result, error) {
	if a.keys == nil {
		return nil, ErrInvalidKey
	}

	digest, err := KeyDigest(apiKey, a.cfg.KeySecret)
	if err != nil {
		return nil, fmt.Errorf("digest API key: %w", err)
	}

	identity, err := a.keys.GetByKeyDigest(ctx, digest)
	if err != nil {
		a.log.Debug().Err(err).Msg("API key lookup failed")
		return nil, ErrInvalidKey
	}

	return &Result{User: *identity, Permissions: permission.ForRole(identity.Role)}, nil
}

// authenticateCredentials verifies an email/password pair against the
// credential store.
func (a *Authenticator) authenticateCredentials(ctx context.Context, c Credentials) (*Result, error) {
	if c.Email == "" || c.Password == "" {
		return nil, ErrCredentialsRequired
	}
	if a.creds == nil {
		return nil, ErrInvalidCredentials
	}

	stored, err := a.creds.GetByEmail(ctx, c.Email)
	if err != nil {
		a.log.Debug().Err(err).Msg("Credential lookup failed")
		return nil, ErrInvalidCredentials
	}

	match, err := VerifyPassword(c.Password, stored.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	return &Result{
		User: Identity{
			ID:    stored.UserID,
			Email: stored.Email,
			Name:  stored.Name,
			Role:  stored.Role,
		},
		Permissions: permission.ForRole(stored.Role),
	}, nil
}

// IsAuthError reports whether the error is one of the expected authentication
// failures (as opposed to an internal fault).
func IsAuthError(err error) bool {
	return errors.Is(err, ErrPayloadRequired) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenSubjectMissing) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrCredentialsRequired) ||
		errors.Is(err, ErrInvalidCredentials)
}
