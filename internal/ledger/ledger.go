package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	// ErrUnavailable wraps storage failures. A Settle that fails this way
	// is an operational alert: the caller already has their data and the
	// debit must not be retried inline.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Account is a billable entity with a prepaid balance.
type Account struct {
	ID        string
	Name      string
	Balance   decimal.Decimal
	Active    bool
	CreatedAt time.Time
}

// Store persists balances. Debit must serialize concurrent calls against
// the same account: the balance after any interleaving equals the
// starting balance minus the sum of debited costs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	Debit(ctx context.Context, id string, cost decimal.Decimal) (decimal.Decimal, error)
}

// Ledger owns the Admit pre-check and the Settle debit.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Admit rejects an account whose balance is not strictly positive. It is
// an optimistic pre-check only: no funds are reserved, because the final
// cost is unknown until streaming ends. Two concurrent requests may both
// pass on the same small balance; the resulting negative balance is what
// cuts the account off next time.
func (l *Ledger) Admit(ctx context.Context, accountID string) error {
	account, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if account.Balance.Cmp(decimal.Zero) <= 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Settle debits cost from the account. It never fails because the result
// would be negative; it fails only on storage errors. Returns the
// balance after the debit.
func (l *Ledger) Settle(ctx context.Context, accountID string, cost decimal.Decimal) (decimal.Decimal, error) {
	balance, err := l.store.Debit(ctx, accountID, cost)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return balance, nil
}
