package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
)

// PaymentRepository implements ledger.PaymentRepository using PostgreSQL
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

const paymentColumns = `
	p.id, p.billing_order_id, p.currency, p.amount, p.unapplied_amount, p.method,
	p.reference, p.comment, p.status, p.paid_at, p.reversed_at, p.created_at`

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	query := `
		INSERT INTO payments (id, billing_order_id, currency, amount, unapplied_amount, method,
			reference, comment, status, paid_at, reversed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := database.Conn(ctx, r.pool).Exec(ctx, query,
		p.ID, p.BillingOrderID, p.Amount.Currency(), p.Amount.Amount().String(), p.UnappliedAmount.Amount().String(),
		string(p.Method), p.Reference, p.Comment, string(p.Status), p.PaidAt, p.ReversedAt, p.CreatedAt,
	)
	return wrapError(err, "create payment", "payment", p.ID)
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p WHERE p.id = $1`
	p, err := scanPayment(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapError(err, "get payment", "payment", id)
	}
	return p, nil
}

func (r *PaymentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p WHERE p.id = $1 FOR UPDATE`
	p, err := scanPayment(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapError(err, "lock payment", "payment", id)
	}
	return p, nil
}

// Update writes status and reversed_at
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	query := `UPDATE payments SET status = $2, reversed_at = $3 WHERE id = $1`
	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, p.ID, string(p.Status), p.ReversedAt)
	if err != nil {
		return wrapError(err, "update payment", "payment", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return wrapError(pgx.ErrNoRows, "update payment", "payment", p.ID)
	}
	return nil
}

// ListByOwner returns the payments of all of the owner's orders, newest first
func (r *PaymentRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*payment.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments p
		JOIN billing_orders o ON o.id = p.billing_order_id
		WHERE o.owner_id = $1
		ORDER BY p.paid_at DESC, p.id`

	rows, err := database.Conn(ctx, r.pool).Query(ctx, query, ownerID)
	if err != nil {
		return nil, wrapError(err, "list payments", "payment", nil)
	}
	defer rows.Close()

	var out []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, wrapError(err, "list payments", "payment", nil)
		}
		out = append(out, p)
	}
	return out, wrapError(rows.Err(), "list payments", "payment", nil)
}

func scanPayment(row pgx.Row) (*payment.Payment, error) {
	var (
		p                        payment.Payment
		currency, method, status string
		amount, unapplied        decimal.Decimal
	)
	err := row.Scan(&p.ID, &p.BillingOrderID, &currency, &amount, &unapplied, &method,
		&p.Reference, &p.Comment, &status, &p.PaidAt, &p.ReversedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if p.Amount, err = moneyColumn(amount, currency); err != nil {
		return nil, err
	}
	if p.UnappliedAmount, err = moneyColumn(unapplied, currency); err != nil {
		return nil, err
	}
	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	return &p, nil
}
