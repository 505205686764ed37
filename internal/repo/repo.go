package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"epay-reconciler/internal/domain"
)

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("repo: duplicate key")

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("repo: not found")

// Lookups return (nil, nil) when nothing matches.

type InvoiceRepo interface {
	Create(ctx context.Context, inv *domain.Invoice) error
	Update(ctx context.Context, inv *domain.Invoice) error
	FindByNumber(ctx context.Context, number string) (*domain.Invoice, error)
	// LockByNumber reads the invoice and holds a row lock until the unit of
	// work ends. Outside a unit of work it behaves like FindByNumber.
	LockByNumber(ctx context.Context, number string) (*domain.Invoice, error)
	IsUniqueNumber(ctx context.Context, number string) (bool, error)
}

type OrderRepo interface {
	Create(ctx context.Context, o *domain.Order) error
	Update(ctx context.Context, o *domain.Order) error
	FindByNumber(ctx context.Context, number string) (*domain.Order, error)
	// LockByNumber reads the order and holds a row lock until the unit of
	// work ends. Units that lock both take the invoice first.
	LockByNumber(ctx context.Context, number string) (*domain.Order, error)
	// FindLatestForInvoice returns the most recently created order of the invoice.
	FindLatestForInvoice(ctx context.Context, invoiceNumber string) (*domain.Order, error)
	IsUniqueNumber(ctx context.Context, number string) (bool, error)
}

type PaymentRepo interface {
	// Create returns ErrDuplicate when a payment for the same order exists.
	Create(ctx context.Context, p *domain.Payment) error
	FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.Payment, error)
	FindByInvoice(ctx context.Context, invoiceNumber string) ([]domain.Payment, error)
}

type GatewayErrorRepo interface {
	Create(ctx context.Context, ge *domain.GatewayError) error
	FindByOrderNumber(ctx context.Context, orderNumber string) ([]domain.GatewayError, error)
}

type OutboxRepo interface {
	Save(ctx context.Context, evt domain.OutboxEvent) error
	// FindUnpublished returns up to limit unpublished events, oldest first.
	FindUnpublished(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Repos groups the repositories sharing one connection or unit of work.
type Repos interface {
	Invoices() InvoiceRepo
	Orders() OrderRepo
	Payments() PaymentRepo
	GatewayErrors() GatewayErrorRepo
	Outbox() OutboxRepo
}

// Store runs units of work. fn gets repositories bound to the unit; its
// changes are committed when it returns nil and discarded otherwise.
type Store interface {
	Repos
	WithinTx(ctx context.Context, fn func(Repos) error) error
}

// DBTX is the part of *sql.DB and *sql.Tx the repositories use.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
