package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskwire/taskwire-server/internal/auth"
)

// PGAuthStore implements auth.CredentialStore and auth.KeyStore on the users
// and api_keys tables.
type PGAuthStore struct {
	db *pgxpool.Pool
}

// NewPGAuthStore creates a PostgreSQL-backed credential and API key store.
func NewPGAuthStore(db *pgxpool.Pool) *PGAuthStore {
	return &PGAuthStore{db: db}
}

var errUserNotFound = errors.New("user not found")

// GetByEmail returns the stored credential for an email address.
func (s *PGAuthStore) GetByEmail(ctx context.Context, email string) (*auth.StoredCredential, error) {
	var c auth.StoredCredential
	err := s.db.QueryRow(ctx,
		"SELECT id, email, display_name, role, password_hash FROM users WHERE email = $1",
		email,
	).Scan(&c.UserID, &c.Email, &c.Name, &c.Role, &c.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return &c, nil
}

// GetByKeyDigest returns the identity bound to an API key digest.
func (s *PGAuthStore) GetByKeyDigest(ctx context.Context, digest string) (*auth.Identity, error) {
	var id auth.Identity
	err := s.db.QueryRow(ctx,
		`SELECT u.id, u.email, u.display_name, u.role
		 FROM api_keys k JOIN users u ON u.id = k.user_id
		 WHERE k.key_digest = $1 AND k.revoked_at IS NULL`,
		digest,
	).Scan(&id.ID, &id.Email, &id.Name, &id.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &id, nil
}
