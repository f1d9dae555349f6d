package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/ledger/storetest"
)

// newTestStore connects to a dedicated test database and truncates it.
// Set LEDGER_TEST_POSTGRES_DSN in .env or the environment to run these tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	_ = godotenv.Load("../../.env")

	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)

	_, err = s.pool.Exec(ctx, `
		TRUNCATE TABLE returns, payments, invoices, customer_balances, balance_events, idempotency_keys CASCADE
	`)
	require.NoError(t, err)
	return s
}

func TestPostgres_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store { return newTestStore(t) })
}

func TestPostgres_LockCustomerIsTransactionScoped(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := s.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.LockCustomer(ctx, "cust-1")
		})
		require.NoError(t, err, "lock must be released when the transaction ends")
	}
}
