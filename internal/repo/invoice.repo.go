package repo

import (
	"context"
	"database/sql"

	"epay-reconciler/internal/domain"
)

const invoiceColumns = `number, status, amount, currency, consumer_email, consumer_name, consumer_language,
	external_id, purpose, paid_at, payment_reference, payment_method, created_at, updated_at`

type invoiceRepo struct {
	db DBTX
}

func NewInvoiceRepo(db DBTX) InvoiceRepo {
	return &invoiceRepo{db: db}
}

func (r *invoiceRepo) Create(ctx context.Context, inv *domain.Invoice) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inv.Number, inv.Status, inv.Amount, inv.Currency, inv.ConsumerEmail, inv.ConsumerName, inv.ConsumerLanguage,
		inv.ExternalID, inv.Purpose, inv.PaidAt, inv.PaymentReference, inv.PaymentMethod, inv.CreatedAt, inv.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update writes the mutable part of the invoice. Amount, currency and number never change.
func (r *invoiceRepo) Update(ctx context.Context, inv *domain.Invoice) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE invoices SET status = $2, paid_at = $3, payment_reference = $4, payment_method = $5, updated_at = $6 WHERE number = $1`,
		inv.Number, inv.Status, inv.PaidAt, inv.PaymentReference, inv.PaymentMethod, inv.UpdatedAt,
	)
	return affectedOne(res, err)
}

func (r *invoiceRepo) FindByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	return r.find(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE number = $1`, number)
}

func (r *invoiceRepo) LockByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	return r.find(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE number = $1 FOR UPDATE`, number)
}

func (r *invoiceRepo) IsUniqueNumber(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE number = $1)`, number).Scan(&exists)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (r *invoiceRepo) find(ctx context.Context, query string, number string) (*domain.Invoice, error) {
	var (
		inv    domain.Invoice
		paidAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, number).Scan(
		&inv.Number,
		&inv.Status,
		&inv.Amount,
		&inv.Currency,
		&inv.ConsumerEmail,
		&inv.ConsumerName,
		&inv.ConsumerLanguage,
		&inv.ExternalID,
		&inv.Purpose,
		&paidAt,
		&inv.PaymentReference,
		&inv.PaymentMethod,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	return &inv, nil
}
