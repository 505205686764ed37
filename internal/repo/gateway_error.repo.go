package repo

import (
	"context"
	"database/sql"

	"epay-reconciler/internal/domain"
)

type gatewayErrorRepo struct {
	db DBTX
}

func NewGatewayErrorRepo(db DBTX) GatewayErrorRepo {
	return &gatewayErrorRepo{db: db}
}

func (r *gatewayErrorRepo) Create(ctx context.Context, ge *domain.GatewayError) error {
	var occurredAt sql.NullTime
	if !ge.OccurredAt.IsZero() {
		occurredAt = sql.NullTime{Time: ge.OccurredAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gateway_errors (id, order_number, type, code, message, occurred_at, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ge.ID, ge.OrderNumber, ge.Type, ge.Code, ge.Message, occurredAt, ge.Raw, ge.CreatedAt,
	)
	return err
}

func (r *gatewayErrorRepo) FindByOrderNumber(ctx context.Context, orderNumber string) ([]domain.GatewayError, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_number, type, code, message, occurred_at, raw, created_at
		FROM gateway_errors WHERE order_number = $1 ORDER BY created_at`,
		orderNumber,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GatewayError
	for rows.Next() {
		var (
			ge         domain.GatewayError
			occurredAt sql.NullTime
		)
		if err := rows.Scan(&ge.ID, &ge.OrderNumber, &ge.Type, &ge.Code, &ge.Message, &occurredAt, &ge.Raw, &ge.CreatedAt); err != nil {
			return nil, err
		}
		ge.OccurredAt = occurredAt.Time
		out = append(out, ge)
	}
	return out, rows.Err()
}
