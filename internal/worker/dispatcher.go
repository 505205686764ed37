package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"epay-reconciler/internal/notify"
	"epay-reconciler/internal/repo"
)

// OutboxDispatcher delivers notifications recorded in the outbox. An event is
// marked published only after the notifier accepted it, so a crash between
// the two redelivers it.
type OutboxDispatcher struct {
	store     repo.Repos
	notifier  notify.Notifier
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    logrus.FieldLogger
}

func NewOutboxDispatcher(
	store repo.Repos,
	notifier notify.Notifier,
	interval time.Duration,
	batchSize int,
	logger logrus.FieldLogger,
) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &OutboxDispatcher{
		store:     store,
		notifier:  notifier,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger,
	}
}

// Run polls until ctx is done.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.WithField("interval", d.interval).Info("outbox dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.WithError(err).Error("outbox dispatch failed")
			}
		}
	}
}

// DispatchOnce delivers one batch and reports how many events were published.
// A failed delivery is logged and retried on the next pass.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.store.Outbox().FindUnpublished(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, evt := range events {
		log := d.logger.WithFields(logrus.Fields{
			"event_id":       evt.ID,
			"event":          evt.Event,
			"invoice_number": evt.InvoiceNumber,
		})

		inv, err := d.store.Invoices().FindByNumber(ctx, evt.InvoiceNumber)
		if err != nil {
			return published, err
		}
		if err := d.notifier.Notify(ctx, evt, inv); err != nil {
			log.WithError(err).Warn("notification not delivered")
			continue
		}
		if err := d.store.Outbox().MarkPublished(ctx, evt.ID, d.now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
