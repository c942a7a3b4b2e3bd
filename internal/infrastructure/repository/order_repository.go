package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
)

// OrderRepository implements ledger.BillingOrderRepository using PostgreSQL
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates a new billing order repository
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `
	id, owner_id, agreement_id, plan_ref, currency, amount, concept, status,
	issue_date, paid_date, created_at, updated_at`

func (r *OrderRepository) Create(ctx context.Context, o *billing.Order) error {
	query := `
		INSERT INTO billing_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := database.Conn(ctx, r.pool).Exec(ctx, query,
		o.ID, o.OwnerID, o.AgreementID, o.PlanRef, o.Amount.Currency(), o.Amount.Amount().String(),
		o.Concept, string(o.Status), o.IssueDate, o.PaidDate, o.CreatedAt, o.UpdatedAt,
	)
	return wrapError(err, "create billing order", "billing order", o.ID)
}

func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*billing.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM billing_orders WHERE id = $1`
	o, err := scanOrder(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapError(err, "get billing order", "billing order", id)
	}
	return o, nil
}

func (r *OrderRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*billing.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM billing_orders WHERE id = $1 FOR UPDATE`
	o, err := scanOrder(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapError(err, "lock billing order", "billing order", id)
	}
	return o, nil
}

// Update writes status, paid_date and updated_at
func (r *OrderRepository) Update(ctx context.Context, o *billing.Order) error {
	query := `
		UPDATE billing_orders
		SET status = $2, paid_date = $3, updated_at = $4
		WHERE id = $1`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, o.ID, string(o.Status), o.PaidDate, o.UpdatedAt)
	if err != nil {
		return wrapError(err, "update billing order", "billing order", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return wrapError(pgx.ErrNoRows, "update billing order", "billing order", o.ID)
	}
	return nil
}

// ListByOwner returns the owner's orders, most recently issued first
func (r *OrderRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*billing.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM billing_orders WHERE owner_id = $1 ORDER BY issue_date DESC, id`
	rows, err := database.Conn(ctx, r.pool).Query(ctx, query, ownerID)
	if err != nil {
		return nil, wrapError(err, "list billing orders", "billing order", nil)
	}
	defer rows.Close()

	var out []*billing.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, wrapError(err, "list billing orders", "billing order", nil)
		}
		out = append(out, o)
	}
	return out, wrapError(rows.Err(), "list billing orders", "billing order", nil)
}

func scanOrder(row pgx.Row) (*billing.Order, error) {
	var (
		o                billing.Order
		currency, status string
		amount           decimal.Decimal
	)
	err := row.Scan(&o.ID, &o.OwnerID, &o.AgreementID, &o.PlanRef, &currency, &amount, &o.Concept, &status,
		&o.IssueDate, &o.PaidDate, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.Amount, err = moneyColumn(amount, currency); err != nil {
		return nil, err
	}
	o.Status = billing.OrderStatus(status)
	return &o, nil
}
