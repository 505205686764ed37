package repo

import (
	"context"
	"database/sql"

	"epay-reconciler/internal/domain"
)

const orderColumns = `number, invoice_number, status, amount, currency, merchant_id,
	order_doc, cart_doc, response_doc, failure_doc, created_at, updated_at`

type orderRepo struct {
	db DBTX
}

func NewOrderRepo(db DBTX) OrderRepo {
	return &orderRepo{db: db}
}

func (r *orderRepo) Create(ctx context.Context, o *domain.Order) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.Number, o.InvoiceNumber, o.Status, o.Amount, o.Currency, o.MerchantID,
		o.OrderDoc, o.CartDoc, o.ResponseDoc, o.FailureDoc, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *orderRepo) Update(ctx context.Context, o *domain.Order) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE orders SET status = $2, response_doc = $3, failure_doc = $4, updated_at = $5 WHERE number = $1",
		o.Number, o.Status, o.ResponseDoc, o.FailureDoc, o.UpdatedAt,
	)
	return affectedOne(res, err)
}

func (r *orderRepo) FindByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return r.find(ctx, `SELECT `+orderColumns+` FROM orders WHERE number = $1`, number)
}

func (r *orderRepo) LockByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return r.find(ctx, `SELECT `+orderColumns+` FROM orders WHERE number = $1 FOR UPDATE`, number)
}

func (r *orderRepo) FindLatestForInvoice(ctx context.Context, invoiceNumber string) (*domain.Order, error) {
	return r.find(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE invoice_number = $1 ORDER BY created_at DESC, number DESC LIMIT 1`,
		invoiceNumber,
	)
}

func (r *orderRepo) IsUniqueNumber(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM orders WHERE number = $1)", number).Scan(&exists)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (r *orderRepo) find(ctx context.Context, query string, arg string) (*domain.Order, error) {
	var order domain.Order
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&order.Number,
		&order.InvoiceNumber,
		&order.Status,
		&order.Amount,
		&order.Currency,
		&order.MerchantID,
		&order.OrderDoc,
		&order.CartDoc,
		&order.ResponseDoc,
		&order.FailureDoc,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
