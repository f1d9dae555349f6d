package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/reconcile"
)

func TestAudit_CountsCustomersAndInvoices(t *testing.T) {
	e, _ := newEngine(t)
	creditSale(t, e, "cust-1", "10", day(1))
	creditSale(t, e, "cust-1", "20", day(2))
	creditSale(t, e, "cust-2", "30", day(3))

	report, err := e.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Customers)
	assert.Equal(t, 3, report.Invoices)
}

func TestAuditScheduler_LogsViolations(t *testing.T) {
	// GIVEN: A store whose balance drifted
	// WHEN: The scheduler runs
	// THEN: The violation is logged at error level and kept as the last report

	e, m := newEngine(t)
	ctx := context.Background()
	creditSale(t, e, "cust-1", "100", day(1))
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		b, _, err := tx.GetBalance(ctx, "cust-1")
		if err != nil {
			return err
		}
		b.AmountDue = money("99")
		return tx.PutBalance(ctx, b)
	}))

	core, logs := observer.New(zap.InfoLevel)
	s := reconcile.NewAuditScheduler(e, time.Hour, zap.New(core))
	s.Start()
	s.Stop()

	assert.False(t, s.LastReport().OK())
	assert.Equal(t, 1, logs.FilterMessage("consistency violation").Len())
	assert.Equal(t, 1, logs.FilterMessage("audit completed").Len())
}

func TestAuditScheduler_DisabledWithoutInterval(t *testing.T) {
	e, _ := newEngine(t)
	core, logs := observer.New(zap.InfoLevel)
	s := reconcile.NewAuditScheduler(e, 0, zap.New(core))
	s.Start()
	s.Stop()

	assert.False(t, s.Enabled)
	assert.Equal(t, 0, logs.FilterMessage("audit completed").Len())
}
