package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodQazkom  PaymentMethod = "QAZKOM"
	PaymentMethodUnknown PaymentMethod = "UNKNOWN"
)

// Payment is immutable once created. OrderNumber is the idempotency key for
// gateway payments and is empty for payments registered by hand.
type Payment struct {
	ID            uuid.UUID
	OrderNumber   string
	InvoiceNumber string
	Method        PaymentMethod
	Amount        decimal.Decimal
	Currency      Currency
	PaidAt        time.Time
	Reference     string
	CreatedAt     time.Time
}

func NewGatewayPayment(o *Order, paidAt time.Time, reference string, now time.Time) (*Payment, error) {
	if o == nil {
		return nil, Errorf(CodeIllegalArgument, "order is nil")
	}
	if reference == "" {
		return nil, Errorf(CodeIllegalArgument, "payment reference is empty")
	}
	if paidAt.IsZero() {
		return nil, Errorf(CodeIllegalArgument, "payment time is empty")
	}
	return &Payment{
		ID:            uuid.New(),
		OrderNumber:   o.Number,
		InvoiceNumber: o.InvoiceNumber,
		Method:        PaymentMethodQazkom,
		Amount:        o.Amount,
		Currency:      o.Currency,
		PaidAt:        paidAt,
		Reference:     reference,
		CreatedAt:     now,
	}, nil
}

func NewUnknownPayment(invoiceNumber string, amount decimal.Decimal, currency Currency, paidAt time.Time, reference string, now time.Time) (*Payment, error) {
	if invoiceNumber == "" {
		return nil, Errorf(CodeIllegalArgument, "invoice number is empty")
	}
	if !amount.IsPositive() {
		return nil, Errorf(CodeIllegalArgument, "paid amount must be positive, got %s", amount)
	}
	if !currency.Valid() {
		return nil, Errorf(CodeIllegalArgument, "unsupported currency %q", currency)
	}
	if paidAt.IsZero() {
		paidAt = now
	}
	return &Payment{
		ID:            uuid.New(),
		InvoiceNumber: invoiceNumber,
		Method:        PaymentMethodUnknown,
		Amount:        amount,
		Currency:      currency,
		PaidAt:        paidAt,
		Reference:     reference,
		CreatedAt:     now,
	}, nil
}

// GatewayError is a failure notification received from the gateway.
type GatewayError struct {
	ID          uuid.UUID
	OrderNumber string
	Type        string
	Code        string
	Message     string
	OccurredAt  time.Time
	Raw         []byte
	CreatedAt   time.Time
}
