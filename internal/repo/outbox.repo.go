package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"epay-reconciler/internal/domain"
)

type outboxRepo struct {
	db DBTX
}

func NewOutboxRepo(db DBTX) OutboxRepo {
	return &outboxRepo{db: db}
}

func (r *outboxRepo) Save(ctx context.Context, evt domain.OutboxEvent) error {
	props, err := json.Marshal(evt.Properties)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event, invoice_number, properties, created_at) VALUES ($1, $2, $3, $4, $5)`,
		evt.ID, evt.Event, evt.InvoiceNumber, string(props), evt.CreatedAt,
	)
	return err
}

func (r *outboxRepo) FindUnpublished(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event, invoice_number, properties, created_at
		FROM outbox_events WHERE published_at IS NULL ORDER BY created_at, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var (
			evt   domain.OutboxEvent
			props []byte
		)
		if err := rows.Scan(&evt.ID, &evt.Event, &evt.InvoiceNumber, &props, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(props, &evt.Properties); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (r *outboxRepo) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET published_at = $2 WHERE id = $1 AND published_at IS NULL`, id, at)
	return affectedOne(res, err)
}
