// Package repotest holds the behaviour every repo.Store implementation must share.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/repo"
)

var base = time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)

// Run exercises a store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) repo.Store) {
	t.Run("invoices", func(t *testing.T) { testInvoices(t, newStore(t)) })
	t.Run("orders", func(t *testing.T) { testOrders(t, newStore(t)) })
	t.Run("payments", func(t *testing.T) { testPayments(t, newStore(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("concurrent payments", func(t *testing.T) { testConcurrentPayments(t, newStore(t)) })
	t.Run("order lock", func(t *testing.T) { testOrderLock(t, newStore(t)) })
	t.Run("gateway errors", func(t *testing.T) { testGatewayErrors(t, newStore(t)) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
}

func Invoice(number string) *domain.Invoice {
	return &domain.Invoice{
		Number:           number,
		Status:           domain.InvoiceAccepted,
		Amount:           decimal.NewFromInt(1500),
		Currency:         domain.CurrencyKZT,
		ConsumerEmail:    "john@example.com",
		ConsumerLanguage: domain.LanguageRussian,
		CreatedAt:        base,
		UpdatedAt:        base,
	}
}

func Order(number, invoiceNumber string, createdAt time.Time) *domain.Order {
	return &domain.Order{
		Number:        number,
		InvoiceNumber: invoiceNumber,
		Status:        domain.OrderNew,
		Amount:        decimal.NewFromInt(1500),
		Currency:      domain.CurrencyKZT,
		MerchantID:    "92061101",
		OrderDoc:      []byte("<document>" + number + "</document>"),
		CartDoc:       []byte("<document>cart</document>"),
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func seed(t *testing.T, s repo.Store, invoiceNumber string, orderNumbers ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Invoices().Create(ctx, Invoice(invoiceNumber)))
	for i, n := range orderNumbers {
		require.NoError(t, s.Orders().Create(ctx, Order(n, invoiceNumber, base.Add(time.Duration(i)*time.Minute))))
	}
}

func testInvoices(t *testing.T, s repo.Store) {
	ctx := context.Background()

	unique, err := s.Invoices().IsUniqueNumber(ctx, "INV-001")
	require.NoError(t, err)
	assert.True(t, unique)

	seed(t, s, "INV-001")
	require.ErrorIs(t, s.Invoices().Create(ctx, Invoice("INV-001")), repo.ErrDuplicate)

	unique, err = s.Invoices().IsUniqueNumber(ctx, "INV-001")
	require.NoError(t, err)
	assert.False(t, unique)

	missing, err := s.Invoices().FindByNumber(ctx, "INV-404")
	require.NoError(t, err)
	assert.Nil(t, missing)

	inv, err := s.Invoices().FindByNumber(ctx, "INV-001")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, domain.InvoiceAccepted, inv.Status)
	assert.True(t, decimal.NewFromInt(1500).Equal(inv.Amount))
	assert.Equal(t, domain.CurrencyKZT, inv.Currency)
	assert.Equal(t, "john@example.com", inv.ConsumerEmail)
	assert.Nil(t, inv.PaidAt)

	paidAt := base.Add(time.Hour)
	inv.Status = domain.InvoicePaid
	inv.PaidAt = &paidAt
	inv.PaymentReference = "REF-9"
	inv.PaymentMethod = domain.PaymentMethodQazkom
	inv.UpdatedAt = paidAt
	require.NoError(t, s.Invoices().Update(ctx, inv))

	got, err := s.Invoices().LockByNumber(ctx, "INV-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.InvoicePaid, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.True(t, paidAt.Equal(*got.PaidAt))
	assert.Equal(t, "REF-9", got.PaymentReference)
	assert.Equal(t, domain.PaymentMethodQazkom, got.PaymentMethod)

	require.ErrorIs(t, s.Invoices().Update(ctx, Invoice("INV-404")), repo.ErrNotFound)
}

func testOrders(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seed(t, s, "INV-001", "ORD-001", "ORD-002")

	require.ErrorIs(t, s.Orders().Create(ctx, Order("ORD-001", "INV-001", base)), repo.ErrDuplicate)

	unique, err := s.Orders().IsUniqueNumber(ctx, "ORD-003")
	require.NoError(t, err)
	assert.True(t, unique)
	unique, err = s.Orders().IsUniqueNumber(ctx, "ORD-002")
	require.NoError(t, err)
	assert.False(t, unique)

	latest, err := s.Orders().FindLatestForInvoice(ctx, "INV-001")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "ORD-002", latest.Number)

	none, err := s.Orders().FindLatestForInvoice(ctx, "INV-404")
	require.NoError(t, err)
	assert.Nil(t, none)

	o, err := s.Orders().FindByNumber(ctx, "ORD-001")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, []byte("<document>ORD-001</document>"), o.OrderDoc)
	assert.Empty(t, o.ResponseDoc)

	o.Status = domain.OrderAuthorizationPass
	o.ResponseDoc = []byte("<document><bank/></document>")
	o.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, s.Orders().Update(ctx, o))

	o, err = s.Orders().FindByNumber(ctx, "ORD-001")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAuthorizationPass, o.Status)
	assert.Equal(t, []byte("<document><bank/></document>"), o.ResponseDoc)

	require.NoError(t, s.WithinTx(ctx, func(r repo.Repos) error {
		locked, err := r.Orders().LockByNumber(ctx, "ORD-002")
		require.NoError(t, err)
		require.NotNil(t, locked)
		assert.Equal(t, domain.OrderNew, locked.Status)
		missing, err := r.Orders().LockByNumber(ctx, "ORD-404")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	}))

	require.ErrorIs(t, s.Orders().Update(ctx, Order("ORD-404", "INV-001", base)), repo.ErrNotFound)
}

func payment(orderNumber, invoiceNumber string) *domain.Payment {
	return &domain.Payment{
		ID:            uuid.New(),
		OrderNumber:   orderNumber,
		InvoiceNumber: invoiceNumber,
		Method:        domain.PaymentMethodQazkom,
		Amount:        decimal.NewFromInt(1500),
		Currency:      domain.CurrencyKZT,
		PaidAt:        base,
		Reference:     "REF-9",
		CreatedAt:     base,
	}
}

func testPayments(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seed(t, s, "INV-001", "ORD-001")

	require.NoError(t, s.Payments().Create(ctx, payment("ORD-001", "INV-001")))
	require.ErrorIs(t, s.Payments().Create(ctx, payment("ORD-001", "INV-001")), repo.ErrDuplicate)

	// payments without an order never collide
	manual := payment("", "INV-001")
	manual.Method = domain.PaymentMethodUnknown
	manual.CreatedAt = base.Add(time.Minute)
	require.NoError(t, s.Payments().Create(ctx, manual))
	second := payment("", "INV-001")
	second.Method = domain.PaymentMethodUnknown
	second.CreatedAt = base.Add(2 * time.Minute)
	require.NoError(t, s.Payments().Create(ctx, second))

	p, err := s.Payments().FindByOrderNumber(ctx, "ORD-001")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "REF-9", p.Reference)
	assert.True(t, decimal.NewFromInt(1500).Equal(p.Amount))

	none, err := s.Payments().FindByOrderNumber(ctx, "ORD-404")
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := s.Payments().FindByInvoice(ctx, "INV-001")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ORD-001", all[0].OrderNumber)
	assert.Equal(t, "", all[1].OrderNumber)
}

func testRollback(t *testing.T, s repo.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(r repo.Repos) error {
		require.NoError(t, r.Invoices().Create(ctx, Invoice("INV-001")))
		inv, err := r.Invoices().FindByNumber(ctx, "INV-001")
		require.NoError(t, err)
		require.NotNil(t, inv)
		return boom
	})
	require.ErrorIs(t, err, boom)

	inv, err := s.Invoices().FindByNumber(ctx, "INV-001")
	require.NoError(t, err)
	assert.Nil(t, inv)

	require.NoError(t, s.WithinTx(ctx, func(r repo.Repos) error {
		return r.Invoices().Create(ctx, Invoice("INV-002"))
	}))
	inv, err = s.Invoices().FindByNumber(ctx, "INV-002")
	require.NoError(t, err)
	assert.NotNil(t, inv)
}

func testConcurrentPayments(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seed(t, s, "INV-001", "ORD-001")

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinTx(ctx, func(r repo.Repos) error {
				return r.Payments().Create(ctx, payment("ORD-001", "INV-001"))
			})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repo.ErrDuplicate):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, dup)
}

func testGatewayErrors(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seed(t, s, "INV-001", "ORD-001")

	for i := 0; i < 2; i++ {
		require.NoError(t, s.GatewayErrors().Create(ctx, &domain.GatewayError{
			ID:          uuid.New(),
			OrderNumber: "ORD-001",
			Type:        "auth",
			Code:        "05",
			Message:     fmt.Sprintf("declined %d", i),
			Raw:         []byte("<document/>"),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.GatewayErrors().FindByOrderNumber(ctx, "ORD-001")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "declined 0", got[0].Message)
	assert.True(t, got[0].OccurredAt.IsZero())
}

func testOutbox(t *testing.T, s repo.Store) {
	ctx := context.Background()
	first := domain.NewOutboxEvent(domain.EventPaymentSuccess, "INV-001", map[string]string{"email": "john@example.com"}, base)
	second := domain.NewOutboxEvent(domain.EventInvoiceHasPaid, "INV-001", nil, base.Add(time.Second))
	require.NoError(t, s.Outbox().Save(ctx, first))
	require.NoError(t, s.Outbox().Save(ctx, second))

	events, err := s.Outbox().FindUnpublished(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first.ID, events[0].ID)
	assert.Equal(t, "john@example.com", events[0].Properties["email"])

	require.NoError(t, s.Outbox().MarkPublished(ctx, first.ID, base.Add(time.Minute)))
	require.ErrorIs(t, s.Outbox().MarkPublished(ctx, first.ID, base.Add(time.Minute)), repo.ErrNotFound)

	events, err = s.Outbox().FindUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventInvoiceHasPaid, events[0].Event)
}

// testOrderLock races a payment against a failure for the same order. Each
// unit reads the order, pauses and writes back what it decided. With the row
// lock exactly one of them sees the order NEW; the other sees the winner's
// outcome and keeps it.
func testOrderLock(t *testing.T, s repo.Store) {
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		orderNumber := fmt.Sprintf("ORD-%03d", round)
		seed(t, s, fmt.Sprintf("INV-%03d", round), orderNumber)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			sawNew  int
			unitErr []error
		)
		unit := func(apply func(o *domain.Order)) {
			defer wg.Done()
			err := s.WithinTx(ctx, func(r repo.Repos) error {
				o, err := r.Orders().LockByNumber(ctx, orderNumber)
				if err != nil {
					return err
				}
				if o.Status == domain.OrderNew {
					mu.Lock()
					sawNew++
					mu.Unlock()
				}
				time.Sleep(20 * time.Millisecond)
				apply(o)
				return r.Orders().Update(ctx, o)
			})
			mu.Lock()
			unitErr = append(unitErr, err)
			mu.Unlock()
		}

		wg.Add(2)
		go unit(func(o *domain.Order) {
			if o.Status == domain.OrderNew {
				o.Status = domain.OrderAuthorizationPass
				o.ResponseDoc = []byte("<document><bank/></document>")
			}
		})
		go unit(func(o *domain.Order) {
			o.FailureDoc = []byte("<document><response/></document>")
			if o.Status == domain.OrderNew {
				o.Status = domain.OrderAuthorizationFailed
			}
		})
		wg.Wait()

		for _, err := range unitErr {
			require.NoError(t, err)
		}
		assert.Equal(t, 1, sawNew, "round %d", round)

		o, err := s.Orders().FindByNumber(ctx, orderNumber)
		require.NoError(t, err)
		assert.NotEmpty(t, o.FailureDoc)
		switch o.Status {
		case domain.OrderAuthorizationPass:
			assert.NotEmpty(t, o.ResponseDoc, "round %d", round)
		case domain.OrderAuthorizationFailed:
			assert.Empty(t, o.ResponseDoc, "round %d", round)
		default:
			t.Errorf("round %d: unexpected status %s", round, o.Status)
		}
	}
}
