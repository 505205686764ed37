package repo

import (
	"context"
	"database/sql"

	"epay-reconciler/internal/domain"
)

const paymentColumns = `id, order_number, invoice_number, method, amount, currency, paid_at, reference, created_at`

type paymentRepo struct {
	db DBTX
}

func NewPaymentRepo(db DBTX) PaymentRepo {
	return &paymentRepo{db: db}
}

// Create relies on the unique index on order_number. Inside a transaction a
// concurrent insert of the same order blocks until the other side commits and
// then fails here with ErrDuplicate.
func (r *paymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, nullString(p.OrderNumber), p.InvoiceNumber, p.Method, p.Amount, p.Currency, p.PaidAt, p.Reference, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *paymentRepo) FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_number = $1`, orderNumber)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *paymentRepo) FindByInvoice(ctx context.Context, invoiceNumber string) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_number = $1 ORDER BY created_at`,
		invoiceNumber,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var (
		p           domain.Payment
		orderNumber sql.NullString
	)
	err := s.Scan(
		&p.ID,
		&orderNumber,
		&p.InvoiceNumber,
		&p.Method,
		&p.Amount,
		&p.Currency,
		&p.PaidAt,
		&p.Reference,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.OrderNumber = orderNumber.String
	return &p, nil
}
