package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/repo"
	"epay-reconciler/internal/repo/memory"
	"epay-reconciler/internal/repo/repotest"
)

func TestStore(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.Store { return memory.NewStore() })
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.Invoices().Create(ctx, repotest.Invoice("INV-001")))

	inv, err := s.Invoices().FindByNumber(ctx, "INV-001")
	require.NoError(t, err)
	inv.Status = domain.InvoicePaid

	again, err := s.Invoices().FindByNumber(ctx, "INV-001")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceAccepted, again.Status)
}

func TestCanceledContextStartsNoUnitOfWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := memory.NewStore().WithinTx(ctx, func(repo.Repos) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
