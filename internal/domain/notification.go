package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationEvent string

const (
	// PAYMENT_LINK is sent to the consumer when an invoice is accepted.
	EventPaymentLink NotificationEvent = "PAYMENT_LINK"
	// PAYMENT_SUCCESS is sent to the consumer once the invoice is paid.
	EventPaymentSuccess NotificationEvent = "PAYMENT_SUCCESS"
	// INVOICE_HAS_PAID is the integration event for downstream systems.
	EventInvoiceHasPaid NotificationEvent = "INVOICE_HAS_PAID"
)

type NotificationChannel string

const (
	ChannelEmail       NotificationChannel = "EMAIL"
	ChannelIntegration NotificationChannel = "INTEGRATION"
)

func (e NotificationEvent) Channel() NotificationChannel {
	if e == EventInvoiceHasPaid {
		return ChannelIntegration
	}
	return ChannelEmail
}

// OutboxEvent is a notification recorded in the same unit of work as the
// state change that caused it.
type OutboxEvent struct {
	ID            uuid.UUID
	Event         NotificationEvent
	InvoiceNumber string
	Properties    map[string]string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

func NewOutboxEvent(event NotificationEvent, invoiceNumber string, props map[string]string, now time.Time) OutboxEvent {
	if props == nil {
		props = map[string]string{}
	}
	return OutboxEvent{
		ID:            uuid.New(),
		Event:         event,
		InvoiceNumber: invoiceNumber,
		Properties:    props,
		CreatedAt:     now,
	}
}

// PaidEventProperties are the properties of the INVOICE_HAS_PAID integration event.
func PaidEventProperties(inv *Invoice, p *Payment) map[string]string {
	return map[string]string{
		"invoiceNumber":   inv.Number,
		"externalId":      inv.ExternalID,
		"method":          string(p.Method),
		"amount":          p.Amount.String(),
		"currency":        string(p.Currency),
		"instant":         p.PaidAt.UTC().Format(time.RFC3339),
		"referenceNumber": p.Reference,
	}
}
