package catalog

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

func (s *PostgresStore) GetMapping(ctx context.Context, publicID string) (*ModelMapping, error) {
	query := `
		SELECT public_id, backend_model, backend_id,
		       price_in::text, price_out::text,
		       rpm_limit, day_limit, active
		FROM model_mappings
		WHERE public_id = $1
	`

	var m ModelMapping
	var priceIn, priceOut string
	err := s.db.QueryRow(ctx, query, publicID).Scan(
		&m.PublicID, &m.BackendModel, &m.BackendID,
		&priceIn, &priceOut,
		&m.RPMLimit, &m.DayLimit, &m.Active,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownModel
		}
		return nil, fmt.Errorf("failed to get model mapping: %w", err)
	}

	if m.PriceIn, err = decimal.NewFromString(priceIn); err != nil {
		return nil, fmt.Errorf("bad price_in for %s: %w", publicID, err)
	}
	if m.PriceOut, err = decimal.NewFromString(priceOut); err != nil {
		return nil, fmt.Errorf("bad price_out for %s: %w", publicID, err)
	}

	return &m, nil
}

func (s *PostgresStore) GetTarget(ctx context.Context, id string) (*BackendTarget, error) {
	query := `
		SELECT id, name, base_url, COALESCE(api_key, ''), rpm_limit, day_limit, active
		FROM backend_targets
		WHERE id = $1
	`

	var t BackendTarget
	err := s.db.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.BaseURL, &t.APIKey, &t.RPMLimit, &t.DayLimit, &t.Active,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoBackend
		}
		return nil, fmt.Errorf("failed to get backend target: %w", err)
	}

	return &t, nil
}
