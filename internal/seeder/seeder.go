package seeder

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/aethergate/aethergate/internal/auth"
	"github.com/aethergate/aethergate/internal/ledger"
)

const (
	TestSecret      = "ag-test-key-12345"
	TestAccountName = "seed-account"
	TestBackendID   = "00000000-0000-0000-0000-000000000001"
	TestModel       = "gpt-4o"
)

// DB is the raw access the dev seed needs for catalog rows. The catalog
// package stays read-only; only this dev tool writes those tables.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SeedTestCredential creates a funded account and a working API key for
// local development. Idempotence is left to the database: reruns just
// log and move on.
func SeedTestCredential(ctx context.Context, accounts ledger.Store, creds auth.Store) {
	account := &ledger.Account{
		Name:    TestAccountName,
		Balance: decimal.RequireFromString("10.00"),
		Active:  true,
	}
	if err := accounts.CreateAccount(ctx, account); err != nil {
		logrus.WithError(err).Warn("seeder: account may already exist, skipping")
		return
	}

	cred := &auth.Credential{
		AccountID: account.ID,
		KeyHash:   auth.HashSecret(TestSecret),
		KeyPrefix: TestSecret[:8],
		Label:     "seed",
		Active:    true,
	}
	if err := creds.Create(ctx, cred); err != nil {
		logrus.WithError(err).Warn("seeder: credential may already exist, skipping")
		return
	}

	logrus.WithFields(logrus.Fields{
		"account_id": account.ID,
		"key_prefix": cred.KeyPrefix,
	}).Info("seeder: test credential created")
	logrus.Infof("seeder: key: %s", TestSecret)
}

// SeedTestCatalog creates a local backend target and a model mapping
// pointing at it, so a dev instance can serve requests immediately.
func SeedTestCatalog(ctx context.Context, db DB, backendURL string) {
	_, err := db.Exec(ctx, `
		INSERT INTO backend_targets (id, name, base_url, active)
		VALUES ($1, 'seed-backend', $2, true)
		ON CONFLICT (id) DO NOTHING
	`, TestBackendID, backendURL)
	if err != nil {
		logrus.WithError(err).Warn("seeder: backend target insert failed")
		return
	}

	_, err = db.Exec(ctx, `
		INSERT INTO model_mappings (public_id, backend_model, backend_id, price_in, price_out, active)
		VALUES ($1, 'llama-3-70b', $2, 0.000001, 0.000002, true)
		ON CONFLICT (public_id) DO NOTHING
	`, TestModel, TestBackendID)
	if err != nil {
		logrus.WithError(err).Warn("seeder: model mapping insert failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"backend_id": TestBackendID,
		"model":      TestModel,
	}).Info("seeder: test catalog created")
}
