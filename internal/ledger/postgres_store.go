package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := `
		SELECT id, name, balance::text, active, created_at
		FROM accounts
		WHERE id = $1
	`

	var a Account
	var balance string
	err := s.db.QueryRow(ctx, query, id).Scan(&a.ID, &a.Name, &balance, &a.Active, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("bad balance for account %s: %w", id, err)
	}

	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	query := `
		INSERT INTO accounts (name, balance, active)
		VALUES ($1, $2::numeric, $3)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		account.Name, account.Balance.String(), account.Active,
	).Scan(&account.ID, &account.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// Debit is one UPDATE so postgres row-level exclusivity serializes
// concurrent settles against the same account.
func (s *PostgresStore) Debit(ctx context.Context, id string, cost decimal.Decimal) (decimal.Decimal, error) {
	query := `
		UPDATE accounts
		SET balance = balance - $2::numeric
		WHERE id = $1
		RETURNING balance::text
	`

	var raw string
	err := s.db.QueryRow(ctx, query, id, cost.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to debit account: %w", err)
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad balance after debit: %w", err)
	}

	return balance, nil
}
