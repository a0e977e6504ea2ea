package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, record *UsageRecord) error {
	query := `
		INSERT INTO usage_records (account_id, credential_id, request_id, model, input_units, output_units, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		record.AccountID, record.CredentialID, record.RequestID, record.Model,
		record.InputUnits, record.OutputUnits, record.Cost.String(),
	).Scan(&record.ID, &record.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id, account_id, credential_id, request_id, model, input_units, output_units, cost::text, created_at
		FROM usage_records
		WHERE account_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		var cost string
		err := rows.Scan(
			&r.ID, &r.AccountID, &r.CredentialID, &r.RequestID, &r.Model,
			&r.InputUnits, &r.OutputUnits, &cost, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if r.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("bad cost in usage record %s: %w", r.ID, err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) TotalCostByAccount(ctx context.Context, accountID string, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(cost), 0)::text
		FROM usage_records
		WHERE account_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var raw string
	err := s.db.QueryRow(ctx, query, accountID, from, to).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get total cost: %w", err)
	}

	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad total cost: %w", err)
	}

	return total, nil
}
