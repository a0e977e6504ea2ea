package audit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// UsageRecord is one append-only row per request that reached metering,
// successful or partially streamed. Never mutated after creation.
type UsageRecord struct {
	ID           string
	AccountID    string
	CredentialID string
	RequestID    string
	Model        string
	InputUnits   int64
	OutputUnits  int64
	Cost         decimal.Decimal
	CreatedAt    time.Time
}

type Store interface {
	Append(ctx context.Context, record *UsageRecord) error
	ListByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*UsageRecord, error)
	TotalCostByAccount(ctx context.Context, accountID string, from, to time.Time) (decimal.Decimal, error)
}
