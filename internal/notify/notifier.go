// Package notify delivers notifications queued in the outbox.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"epay-reconciler/internal/domain"
)

// Notifier delivers one event about an invoice. Delivery is at least once:
// an event whose delivery failed is offered again.
type Notifier interface {
	Notify(ctx context.Context, evt domain.OutboxEvent, inv *domain.Invoice) error
}

type logNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier returns a Notifier that only logs. Used when no mail or
// integration transport is configured.
func NewLogNotifier(logger logrus.FieldLogger) Notifier {
	return &logNotifier{logger: logger}
}

func (n *logNotifier) Notify(ctx context.Context, evt domain.OutboxEvent, inv *domain.Invoice) error {
	fields := logrus.Fields{
		"event":          evt.Event,
		"channel":        evt.Event.Channel(),
		"invoice_number": evt.InvoiceNumber,
	}
	if inv != nil {
		fields["invoice_status"] = inv.Status
	}
	for k, v := range evt.Properties {
		fields["prop_"+k] = v
	}
	n.logger.WithFields(fields).Info("notification")
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, evt domain.OutboxEvent, inv *domain.Invoice) error

func (f Func) Notify(ctx context.Context, evt domain.OutboxEvent, inv *domain.Invoice) error {
	return f(ctx, evt, inv)
}
