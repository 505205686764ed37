package service_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/repo"
	"epay-reconciler/internal/repo/memory"
	"epay-reconciler/internal/repo/repotest"
	"epay-reconciler/internal/service"
)

func TestAcceptInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inv, err := h.svc.AcceptInvoice(ctx, domain.NewInvoice().
		WithAmount(decimal.RequireFromString("2500.50"), domain.CurrencyKZT).
		WithConsumer("Aigerim", "aigerim@example.com", domain.LanguageKazakh).
		WithExternalID("crm-17"))
	require.NoError(t, err)
	assert.Equal(t, "INV-001", inv.Number)
	assert.Equal(t, domain.InvoiceAccepted, inv.Status)

	var link *domain.OutboxEvent
	for _, evt := range h.store.OutboxEvents() {
		if evt.Event == domain.EventPaymentLink {
			link = &evt
		}
	}
	require.NotNil(t, link)
	assert.Equal(t, "INV-001", link.InvoiceNumber)
	assert.Equal(t, "aigerim@example.com", link.Properties["email"])
	assert.Equal(t, "https://shop.example.com/pay/INV-001?lang=kk", link.Properties["paymentUri"])

	found, err := h.svc.InvoiceByNumber(ctx, "INV-001")
	require.NoError(t, err)
	assert.Equal(t, "crm-17", found.ExternalID)

	ok, err := h.svc.HasInvoiceWithNumber(ctx, "INV-001")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.svc.HasInvoiceWithNumber(ctx, "INV-404")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.svc.InvoiceByNumber(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrIllegalArgument)
}

func TestAcceptInvoiceRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.acceptInvoice(t, "INV-001")
	events := len(h.store.OutboxEvents())

	tests := []struct {
		name string
		b    *domain.InvoiceBuilder
	}{
		{"nil builder", nil},
		{"duplicate number", domain.NewInvoice().WithNumber("INV-001").WithAmount(decimal.NewFromInt(10), domain.CurrencyKZT)},
		{"zero amount", domain.NewInvoice().WithAmount(decimal.Zero, domain.CurrencyKZT)},
		{"unknown currency", domain.NewInvoice().WithAmount(decimal.NewFromInt(10), "XXX")},
		{"bad email", domain.NewInvoice().WithAmount(decimal.NewFromInt(10), domain.CurrencyKZT).WithConsumer("x", "not-an-email", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.AcceptInvoice(ctx, tt.b)
			assert.ErrorIs(t, err, domain.ErrIllegalArgument)
		})
	}
	assert.Len(t, h.store.OutboxEvents(), events)
}

// staleStore answers every invoice uniqueness check with true, as a store
// does when another writer takes the number right after the check.
type staleStore struct{ *memory.Store }

func (s staleStore) Invoices() repo.InvoiceRepo { return staleInvoices{s.Store.Invoices()} }

type staleInvoices struct{ repo.InvoiceRepo }

func (staleInvoices) IsUniqueNumber(context.Context, string) (bool, error) { return true, nil }

func TestAcceptInvoiceRetriesCollidingGeneratedNumber(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Invoices().Create(ctx, repotest.Invoice("INV-001")))
	require.NoError(t, store.Invoices().Create(ctx, repotest.Invoice("INV-002")))
	logger, _ := test.NewNullLogger()

	svc := service.NewEpayment(staleStore{store}, nil, nil, nil, service.NewSequenceGenerator("INV-%03d"), service.EpaymentConfig{}, nil, logger)
	inv, err := svc.AcceptInvoice(ctx, domain.NewInvoice().WithAmount(decimal.NewFromInt(10), domain.CurrencyKZT))
	require.NoError(t, err)
	assert.Equal(t, "INV-003", inv.Number)
	assert.Equal(t, domain.InvoiceAccepted, inv.Status)

	gen := &countingGen{number: "INV-001"}
	svc = service.NewEpayment(staleStore{store}, nil, nil, nil, gen, service.EpaymentConfig{}, nil, logger)
	_, err = svc.AcceptInvoice(ctx, domain.NewInvoice().WithAmount(decimal.NewFromInt(10), domain.CurrencyKZT))
	require.ErrorIs(t, err, domain.ErrNumberGenerationExhausted)
	assert.NotErrorIs(t, err, domain.ErrIllegalArgument)
	assert.Equal(t, domain.KindOperational, domain.KindOf(err))
	assert.Equal(t, service.MaxNumberAttempts, gen.calls)
}

func TestAcceptInvoiceWithoutEmailQueuesNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.AcceptInvoice(context.Background(), domain.NewInvoice().
		WithNumber("INV-100").
		WithAmount(decimal.NewFromInt(700), domain.CurrencyUSD))
	require.NoError(t, err)
	assert.Empty(t, h.store.OutboxEvents())
}

func TestDefaultPaymentURI(t *testing.T) {
	h := newHarness(t)
	inv := h.acceptInvoice(t, "INV 7")

	uri, err := h.svc.DefaultPaymentURI(inv)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/pay/INV%207?lang=ru", uri)

	_, err = h.svc.DefaultPaymentURI(&domain.Invoice{})
	assert.ErrorIs(t, err, domain.ErrIllegalArgument)

	logger, _ := test.NewNullLogger()
	bare := service.NewEpayment(memory.NewStore(), nil, nil, nil, service.NewSequenceGenerator("INV-%03d"), service.EpaymentConfig{}, nil, logger)
	_, err = bare.DefaultPaymentURI(inv)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestCancelInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.acceptInvoice(t, "INV-001")
	order := h.issue(t, inv)

	canceled, err := h.svc.CancelInvoice(ctx, "INV-001")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCanceled, canceled.Status)
	assert.Equal(t, domain.InvoiceCanceled, h.invoice(t, "INV-001").Status)
	assert.Equal(t, domain.OrderCanceled, h.order(t, order.Number).Status)

	_, err = h.svc.CancelInvoice(ctx, "INV-001")
	assert.ErrorIs(t, err, domain.ErrIllegalState)

	_, _, err = h.svc.IssueOrder(ctx, h.invoice(t, "INV-001"))
	assert.ErrorIs(t, err, domain.ErrIllegalState)

	// a late decline is kept for audit and changes nothing
	_, err = h.svc.HandleFailure(ctx, h.failure(t, order.Number, "Declined"))
	assert.ErrorIs(t, err, domain.ErrIllegalState)
	assert.Equal(t, domain.OrderCanceled, h.order(t, order.Number).Status)
	assert.Equal(t, domain.InvoiceCanceled, h.invoice(t, "INV-001").Status)
}

func TestCancelInvoiceRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.acceptInvoice(t, "INV-001")
	_, err := h.svc.CompleteWithUnknownPayment(ctx, "INV-001", decimal.NewFromInt(1500), domain.CurrencyKZT, h.clock.Now(), "CASH-1")
	require.NoError(t, err)

	_, err = h.svc.CancelInvoice(ctx, "INV-001")
	assert.ErrorIs(t, err, domain.ErrIllegalState)
	assert.Equal(t, domain.InvoicePaid, h.invoice(t, "INV-001").Status)

	_, err = h.svc.CancelInvoice(ctx, "INV-404")
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)

	_, err = h.svc.CancelInvoice(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrIllegalArgument)

	// no order issued yet
	h.acceptInvoice(t, "INV-002")
	inv, err := h.svc.CancelInvoice(ctx, "INV-002")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCanceled, inv.Status)
}
