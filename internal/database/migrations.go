package database

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS invoices (
		number            TEXT PRIMARY KEY,
		status            TEXT NOT NULL,
		amount            NUMERIC(19, 4) NOT NULL,
		currency          TEXT NOT NULL,
		consumer_email    TEXT NOT NULL DEFAULT '',
		consumer_name     TEXT NOT NULL DEFAULT '',
		consumer_language TEXT NOT NULL DEFAULT 'ru',
		external_id       TEXT NOT NULL DEFAULT '',
		purpose           TEXT NOT NULL DEFAULT '',
		paid_at           TIMESTAMPTZ,
		payment_reference TEXT NOT NULL DEFAULT '',
		payment_method    TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		number         TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL REFERENCES invoices (number),
		status         TEXT NOT NULL,
		amount         NUMERIC(19, 4) NOT NULL,
		currency       TEXT NOT NULL,
		merchant_id    TEXT NOT NULL,
		order_doc      BYTEA NOT NULL,
		cart_doc       BYTEA,
		response_doc   BYTEA,
		failure_doc    BYTEA,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_invoice_created_idx ON orders (invoice_number, created_at DESC)`,

	// order_number is the idempotency key; NULL for payments registered by hand
	`CREATE TABLE IF NOT EXISTS payments (
		id             UUID PRIMARY KEY,
		order_number   TEXT UNIQUE REFERENCES orders (number),
		invoice_number TEXT NOT NULL REFERENCES invoices (number),
		method         TEXT NOT NULL,
		amount         NUMERIC(19, 4) NOT NULL,
		currency       TEXT NOT NULL,
		paid_at        TIMESTAMPTZ NOT NULL,
		reference      TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payments_invoice_idx ON payments (invoice_number)`,

	`CREATE TABLE IF NOT EXISTS gateway_errors (
		id           UUID PRIMARY KEY,
		order_number TEXT NOT NULL REFERENCES orders (number),
		type         TEXT NOT NULL DEFAULT '',
		code         TEXT NOT NULL DEFAULT '',
		message      TEXT NOT NULL DEFAULT '',
		occurred_at  TIMESTAMPTZ,
		raw          BYTEA NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS gateway_errors_order_idx ON gateway_errors (order_number)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             UUID PRIMARY KEY,
		event          TEXT NOT NULL,
		invoice_number TEXT NOT NULL,
		properties     JSONB NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL,
		published_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_unpublished_idx ON outbox_events (created_at) WHERE published_at IS NULL`,
}

// Migrate creates the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
