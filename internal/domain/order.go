package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderNew                 OrderStatus = "NEW"
	OrderAuthorizationPass   OrderStatus = "AUTHORIZATION_PASS"
	OrderAuthorizationFailed OrderStatus = "AUTHORIZATION_FAILED"
	OrderCompleted           OrderStatus = "COMPLETED"
	OrderCanceled            OrderStatus = "CANCELED"
	OrderEnrolled            OrderStatus = "ENROLLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderNew:               {OrderAuthorizationPass, OrderAuthorizationFailed, OrderCanceled, OrderEnrolled},
	OrderAuthorizationPass: {OrderCompleted},
	OrderEnrolled:          {OrderCompleted},
}

var orderInvoiceStatus = map[OrderStatus]InvoiceStatus{
	OrderNew:                 InvoiceAccepted,
	OrderAuthorizationPass:   InvoicePaid,
	OrderEnrolled:            InvoicePaid,
	OrderCompleted:           InvoicePaid,
	OrderAuthorizationFailed: InvoiceFailed,
	OrderCanceled:            InvoiceCanceled,
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether payment handling is finished for the order.
// Every status but NEW is terminal in that sense, even where a bookkeeping
// transition (e.g. to COMPLETED) is still possible.
func (s OrderStatus) Terminal() bool {
	return s != OrderNew
}

// InvoiceStatus maps an order status onto the invoice status it implies.
func (s OrderStatus) InvoiceStatus() InvoiceStatus {
	return orderInvoiceStatus[s]
}

type Order struct {
	Number        string
	InvoiceNumber string
	Status        OrderStatus
	Amount        decimal.Decimal
	Currency      Currency
	MerchantID    string
	// signed documents as exchanged with the gateway
	OrderDoc    []byte
	CartDoc     []byte
	ResponseDoc []byte
	FailureDoc  []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired reports whether the order is too old to be handed out again.
// A zero ttl never expires.
func (o *Order) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(o.CreatedAt) >= ttl
}

// Usable reports whether the order can be reused for a new payment attempt.
func (o *Order) Usable(now time.Time, ttl time.Duration) bool {
	return o.Status == OrderNew && !o.Expired(now, ttl)
}

// PaidBy moves the order to AUTHORIZATION_PASS and attaches the signed response.
func (o *Order) PaidBy(p *Payment, responseDoc []byte, now time.Time) error {
	if p == nil {
		return Errorf(CodeIllegalArgument, "payment is nil")
	}
	if p.OrderNumber != o.Number {
		return Errorf(CodeValidation, "payment for order %s can not be attached to order %s", p.OrderNumber, o.Number)
	}
	if len(responseDoc) == 0 {
		return Errorf(CodeIllegalArgument, "response document is empty")
	}
	if err := o.transition(OrderAuthorizationPass, now); err != nil {
		return err
	}
	o.ResponseDoc = responseDoc
	return nil
}

// AttachFailure records a gateway failure document. The order moves to
// AUTHORIZATION_FAILED only when it is still NEW; for a terminal order the
// document is still attached but an illegal state error is returned.
func (o *Order) AttachFailure(ge *GatewayError, now time.Time) error {
	if ge == nil {
		return Errorf(CodeIllegalArgument, "gateway error is nil")
	}
	if ge.OrderNumber != o.Number {
		return Errorf(CodeValidation, "failure for order %s can not be attached to order %s", ge.OrderNumber, o.Number)
	}
	o.FailureDoc = ge.Raw
	o.UpdatedAt = now
	if o.Status.Terminal() {
		return Errorf(CodeIllegalState, "order %s is already %s", o.Number, o.Status)
	}
	return o.transition(OrderAuthorizationFailed, now)
}

func (o *Order) Cancel(now time.Time) error {
	return o.transition(OrderCanceled, now)
}

func (o *Order) transition(next OrderStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return Errorf(CodeIllegalState, "order %s can not move from %s to %s", o.Number, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}
