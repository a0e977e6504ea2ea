package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByDigest(ctx context.Context, digest string) (*Identity, error) {
	query := `
		SELECT c.id, c.account_id, c.key_hash, c.key_prefix, c.label,
		       COALESCE(c.rate_limit, ''), c.active, c.created_at,
		       a.name
		FROM access_credentials c
		JOIN accounts a ON a.id = c.account_id
		WHERE c.key_hash = $1 AND c.active = true AND a.active = true
	`

	var ident Identity
	err := s.db.QueryRow(ctx, query, digest).Scan(
		&ident.Credential.ID, &ident.Credential.AccountID, &ident.Credential.KeyHash,
		&ident.Credential.KeyPrefix, &ident.Credential.Label, &ident.Credential.RateLimit,
		&ident.Credential.Active, &ident.Credential.CreatedAt,
		&ident.AccountName,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	ident.AccountID = ident.Credential.AccountID
	return &ident, nil
}

func (s *PostgresStore) Create(ctx context.Context, cred *Credential) error {
	if cred.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}

	query := `
		INSERT INTO access_credentials (account_id, key_hash, key_prefix, label, rate_limit, active)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		cred.AccountID, cred.KeyHash, cred.KeyPrefix, cred.Label, cred.RateLimit, cred.Active,
	).Scan(&cred.ID, &cred.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

// Revoke flips the active flag. Credentials are never deleted so usage
// records keep a valid reference.
func (s *PostgresStore) Revoke(ctx context.Context, credID string) error {
	query := `UPDATE access_credentials SET active = false WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, credID)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUnauthenticated
	}

	return nil
}
