package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/repo"
)

// Reconciler applies validated gateway outcomes. Every call is one unit of
// work: either all of its changes and notifications are stored or none.
type Reconciler interface {
	ReconcilePayment(ctx context.Context, vp *ValidatedPostback) (*domain.Invoice, error)
	// ReconcileFailure always keeps the failure record. When the order is
	// already terminal it returns the record together with an ILLEGAL_STATE error.
	ReconcileFailure(ctx context.Context, vf *ValidatedFailure) (*domain.GatewayError, error)
	// CompleteWithUnknownPayment marks an invoice paid by a payment that did
	// not come through the gateway.
	CompleteWithUnknownPayment(ctx context.Context, p UnknownPayment) (*domain.Invoice, error)
}

type UnknownPayment struct {
	InvoiceNumber string
	Amount        decimal.Decimal
	Currency      domain.Currency
	PaidAt        time.Time
	Reference     string
}

type reconciler struct {
	store  repo.Store
	now    func() time.Time
	logger logrus.FieldLogger
}

func NewReconciler(store repo.Store, now func() time.Time, logger logrus.FieldLogger) Reconciler {
	if now == nil {
		now = time.Now
	}
	return &reconciler{store: store, now: now, logger: logger}
}

func (s *reconciler) ReconcilePayment(ctx context.Context, vp *ValidatedPostback) (*domain.Invoice, error) {
	if vp == nil || vp.Order == nil || vp.Response == nil {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "validated postback is required")
	}
	now := s.now()
	payment, err := domain.NewGatewayPayment(vp.Order, vp.PaidAt, vp.Reference, now)
	if err != nil {
		return nil, err
	}

	var paid *domain.Invoice
	err = s.store.WithinTx(ctx, func(r repo.Repos) error {
		inv, order, err := lockInvoiceAndOrder(ctx, r, vp.Order)
		if err != nil {
			return domain.Escalate(err)
		}

		// the unique order number of the payment is the idempotency gate
		if err := r.Payments().Create(ctx, payment); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return domain.Errorf(domain.CodeAlreadyProcessed, "payment for order %s already registered", payment.OrderNumber)
			}
			return domain.Wrap(domain.CodeStorage, err, "create payment for order %s", payment.OrderNumber)
		}

		if err := order.PaidBy(payment, vp.Response.Raw, now); err != nil {
			return domain.Escalate(err)
		}
		if err := inv.PaidBy(payment, now); err != nil {
			return domain.Escalate(err)
		}

		if err := r.Orders().Update(ctx, order); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "update order %s", order.Number)
		}
		if err := r.Invoices().Update(ctx, inv); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "update invoice %s", inv.Number)
		}
		if err := recordPaid(ctx, r.Outbox(), inv, payment, now); err != nil {
			return err
		}
		paid = inv
		return nil
	})
	if err != nil {
		return nil, storageError(err, "reconcile payment")
	}

	s.logger.WithFields(logrus.Fields{
		"order_number":   payment.OrderNumber,
		"invoice_number": paid.Number,
		"reference":      payment.Reference,
	}).Info("invoice paid")
	return paid, nil
}

func (s *reconciler) ReconcileFailure(ctx context.Context, vf *ValidatedFailure) (*domain.GatewayError, error) {
	if vf == nil || vf.Order == nil || vf.Failure == nil {
		return nil, domain.Errorf(domain.CodeIllegalArgument, "validated failure is required")
	}
	now := s.now()
	f := vf.Failure.Failure
	ge := &domain.GatewayError{
		ID:          uuid.New(),
		OrderNumber: vf.OrderNumber,
		Type:        f.Error.Type,
		Code:        f.Error.Code,
		Message:     vf.Message,
		OccurredAt:  vf.Failure.Time,
		Raw:         vf.Failure.Raw,
		CreatedAt:   now,
	}

	var (
		stateErr   error
		superseded bool
	)
	err := s.store.WithinTx(ctx, func(r repo.Repos) error {
		inv, order, err := lockInvoiceAndOrder(ctx, r, vf.Order)
		if err != nil {
			return err
		}
		if err := r.GatewayErrors().Create(ctx, ge); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "create gateway error for order %s", ge.OrderNumber)
		}

		stateErr = order.AttachFailure(ge, now)
		if err := r.Orders().Update(ctx, order); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "update order %s", order.Number)
		}
		if stateErr != nil {
			// keep the audit record, leave the invoice alone
			return nil
		}

		// a newer order of the invoice can still be paid
		latest, err := r.Orders().FindLatestForInvoice(ctx, inv.Number)
		if err != nil {
			return domain.Wrap(domain.CodeStorage, err, "find latest order of invoice %s", inv.Number)
		}
		if latest != nil && latest.Number != order.Number {
			superseded = true
			return nil
		}
		if !inv.Status.CanTransitionTo(domain.InvoiceFailed) {
			return nil
		}
		if err := inv.Fail(now); err != nil {
			return err
		}
		if err := r.Invoices().Update(ctx, inv); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "update invoice %s", inv.Number)
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err, "reconcile failure")
	}

	s.logger.WithFields(logrus.Fields{
		"order_number": ge.OrderNumber,
		"code":         ge.Code,
		"message":      ge.Message,
		"superseded":   superseded,
	}).Info("gateway failure recorded")
	return ge, stateErr
}

// lockInvoiceAndOrder locks the invoice of the validated order and then the
// order itself, always in that order, and returns their current state.
func lockInvoiceAndOrder(ctx context.Context, r repo.Repos, validated *domain.Order) (*domain.Invoice, *domain.Order, error) {
	inv, err := r.Invoices().LockByNumber(ctx, validated.InvoiceNumber)
	if err != nil {
		return nil, nil, domain.Wrap(domain.CodeStorage, err, "lock invoice %s", validated.InvoiceNumber)
	}
	if inv == nil {
		return nil, nil, domain.Errorf(domain.CodeInvoiceNotFound, "invoice %s of order %s not found", validated.InvoiceNumber, validated.Number)
	}
	order, err := r.Orders().LockByNumber(ctx, validated.Number)
	if err != nil {
		return nil, nil, domain.Wrap(domain.CodeStorage, err, "lock order %s", validated.Number)
	}
	if order == nil {
		return nil, nil, domain.Errorf(domain.CodeOrderNotFound, "order %s vanished", validated.Number)
	}
	return inv, order, nil
}

func (s *reconciler) CompleteWithUnknownPayment(ctx context.Context, up UnknownPayment) (*domain.Invoice, error) {
	now := s.now()
	payment, err := domain.NewUnknownPayment(up.InvoiceNumber, up.Amount, up.Currency, up.PaidAt, up.Reference, now)
	if err != nil {
		return nil, err
	}

	var paid *domain.Invoice
	err = s.store.WithinTx(ctx, func(r repo.Repos) error {
		inv, err := r.Invoices().LockByNumber(ctx, up.InvoiceNumber)
		if err != nil {
			return domain.Wrap(domain.CodeStorage, err, "lock invoice %s", up.InvoiceNumber)
		}
		if inv == nil {
			return domain.Errorf(domain.CodeInvoiceNotFound, "invoice %s not found", up.InvoiceNumber)
		}
		if err := inv.PaidBy(payment, now); err != nil {
			return err
		}
		if err := r.Payments().Create(ctx, payment); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "create payment for invoice %s", inv.Number)
		}
		if err := r.Invoices().Update(ctx, inv); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "update invoice %s", inv.Number)
		}
		if err := recordPaid(ctx, r.Outbox(), inv, payment, now); err != nil {
			return err
		}
		paid = inv
		return nil
	})
	if err != nil {
		return nil, storageError(err, "complete with unknown payment")
	}

	s.logger.WithFields(logrus.Fields{
		"invoice_number": paid.Number,
		"reference":      payment.Reference,
		"method":         payment.Method,
	}).Info("invoice paid by unknown payment")
	return paid, nil
}

// recordPaid queues the consumer receipt (when there is someone to send it
// to) and the integration event.
func recordPaid(ctx context.Context, outbox repo.OutboxRepo, inv *domain.Invoice, p *domain.Payment, now time.Time) error {
	if inv.ConsumerEmail != "" {
		evt := domain.NewOutboxEvent(domain.EventPaymentSuccess, inv.Number, map[string]string{
			"email":     inv.ConsumerEmail,
			"name":      inv.ConsumerName,
			"language":  inv.ConsumerLanguage.Tag(),
			"amount":    p.Amount.String(),
			"currency":  string(p.Currency),
			"reference": p.Reference,
		}, now)
		if err := outbox.Save(ctx, evt); err != nil {
			return domain.Wrap(domain.CodeStorage, err, "queue %s for invoice %s", evt.Event, inv.Number)
		}
	}
	evt := domain.NewOutboxEvent(domain.EventInvoiceHasPaid, inv.Number, domain.PaidEventProperties(inv, p), now)
	if err := outbox.Save(ctx, evt); err != nil {
		return domain.Wrap(domain.CodeStorage, err, "queue %s for invoice %s", evt.Event, inv.Number)
	}
	return nil
}
