package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type store struct {
	db *sql.DB
	repos
}

type repos struct {
	invoices      InvoiceRepo
	orders        OrderRepo
	payments      PaymentRepo
	gatewayErrors GatewayErrorRepo
	outbox        OutboxRepo
}

func newRepos(db DBTX) repos {
	return repos{
		invoices:      NewInvoiceRepo(db),
		orders:        NewOrderRepo(db),
		payments:      NewPaymentRepo(db),
		gatewayErrors: NewGatewayErrorRepo(db),
		outbox:        NewOutboxRepo(db),
	}
}

func (r repos) Invoices() InvoiceRepo           { return r.invoices }
func (r repos) Orders() OrderRepo               { return r.orders }
func (r repos) Payments() PaymentRepo           { return r.payments }
func (r repos) GatewayErrors() GatewayErrorRepo { return r.gatewayErrors }
func (r repos) Outbox() OutboxRepo              { return r.outbox }

// NewStore returns a PostgreSQL backed store.
func NewStore(db *sql.DB) Store {
	return &store{db: db, repos: newRepos(db)}
}

func (s *store) WithinTx(ctx context.Context, fn func(Repos) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(newRepos(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// affectedOne turns an update that matched no row into ErrNotFound.
func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
