package domain

import (
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceNew      InvoiceStatus = "NEW"
	InvoiceAccepted InvoiceStatus = "ACCEPTED"
	InvoicePaid     InvoiceStatus = "PAID"
	InvoiceCanceled InvoiceStatus = "CANCELED"
	InvoiceFailed   InvoiceStatus = "FAILED"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceNew:      {InvoiceAccepted, InvoiceCanceled},
	InvoiceAccepted: {InvoicePaid, InvoiceFailed, InvoiceCanceled},
}

func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s InvoiceStatus) Terminal() bool {
	return len(invoiceTransitions[s]) == 0
}

type Invoice struct {
	Number           string
	Status           InvoiceStatus
	Amount           decimal.Decimal
	Currency         Currency
	ConsumerEmail    string
	ConsumerName     string
	ConsumerLanguage Language
	ExternalID       string
	Purpose          string
	PaidAt           *time.Time
	PaymentReference string
	PaymentMethod    PaymentMethod
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AssignNumber sets the invoice number. The number is immutable once set.
func (i *Invoice) AssignNumber(number string) error {
	if number == "" {
		return Errorf(CodeIllegalArgument, "invoice number is empty")
	}
	if i.Number != "" && i.Number != number {
		return Errorf(CodeIllegalState, "invoice %s already has a number", i.Number)
	}
	i.Number = number
	return nil
}

// PurposeText is the cart line description shown on the gateway page.
func (i *Invoice) PurposeText() string {
	if i.Purpose != "" {
		return i.Purpose
	}
	return "Invoice " + i.Number
}

func (i *Invoice) Accept(now time.Time) error {
	if i.Number == "" {
		return Errorf(CodeIllegalState, "invoice has no number")
	}
	return i.transition(InvoiceAccepted, now)
}

// PaidBy marks the invoice PAID. The payment must match amount and currency.
func (i *Invoice) PaidBy(p *Payment, now time.Time) error {
	if p == nil {
		return Errorf(CodeIllegalArgument, "payment is nil")
	}
	if p.Currency != i.Currency {
		return Errorf(CodeValidation, "payment currency %s differs from invoice %s currency %s", p.Currency, i.Number, i.Currency)
	}
	if !p.Amount.Equal(i.Amount) {
		return Errorf(CodeValidation, "payment amount %s differs from invoice %s amount %s", p.Amount, i.Number, i.Amount)
	}
	if err := i.transition(InvoicePaid, now); err != nil {
		return err
	}
	paidAt := p.PaidAt
	i.PaidAt = &paidAt
	i.PaymentReference = p.Reference
	i.PaymentMethod = p.Method
	return nil
}

func (i *Invoice) Fail(now time.Time) error {
	return i.transition(InvoiceFailed, now)
}

func (i *Invoice) Cancel(now time.Time) error {
	return i.transition(InvoiceCanceled, now)
}

func (i *Invoice) transition(next InvoiceStatus, now time.Time) error {
	if !i.Status.CanTransitionTo(next) {
		return Errorf(CodeIllegalState, "invoice %s can not move from %s to %s", i.Number, i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now
	return nil
}

// InvoiceBuilder collects caller supplied invoice fields and validates them on Build.
type InvoiceBuilder struct {
	inv Invoice
	err error
}

func NewInvoice() *InvoiceBuilder {
	return &InvoiceBuilder{inv: Invoice{Status: InvoiceNew, ConsumerLanguage: LanguageRussian}}
}

func (b *InvoiceBuilder) WithNumber(number string) *InvoiceBuilder {
	b.inv.Number = strings.TrimSpace(number)
	return b
}

func (b *InvoiceBuilder) WithAmount(amount decimal.Decimal, currency Currency) *InvoiceBuilder {
	b.inv.Amount = amount
	b.inv.Currency = currency
	return b
}

func (b *InvoiceBuilder) WithConsumer(name, email string, lang Language) *InvoiceBuilder {
	b.inv.ConsumerName = strings.TrimSpace(name)
	b.inv.ConsumerEmail = strings.TrimSpace(email)
	if lang != "" {
		b.inv.ConsumerLanguage = lang
	}
	return b
}

func (b *InvoiceBuilder) WithExternalID(id string) *InvoiceBuilder {
	b.inv.ExternalID = id
	return b
}

func (b *InvoiceBuilder) WithPurpose(purpose string) *InvoiceBuilder {
	b.inv.Purpose = purpose
	return b
}

func (b *InvoiceBuilder) Build(now time.Time) (*Invoice, error) {
	if b.err != nil {
		return nil, b.err
	}
	inv := b.inv
	if !inv.Amount.IsPositive() {
		return nil, Errorf(CodeIllegalArgument, "invoice amount must be positive, got %s", inv.Amount)
	}
	if !inv.Currency.Valid() {
		return nil, Errorf(CodeIllegalArgument, "unsupported currency %q", inv.Currency)
	}
	if inv.ConsumerEmail != "" {
		if _, err := mail.ParseAddress(inv.ConsumerEmail); err != nil {
			return nil, Wrap(CodeIllegalArgument, err, "consumer email %q", inv.ConsumerEmail)
		}
	}
	if _, ok := gatewayLanguages[inv.ConsumerLanguage]; !ok {
		return nil, Errorf(CodeIllegalArgument, "unsupported language %q", inv.ConsumerLanguage)
	}
	inv.CreatedAt = now
	inv.UpdatedAt = now
	return &inv, nil
}
