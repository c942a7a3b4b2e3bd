package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
)

// AgreementRepository implements ledger.AgreementRepository using PostgreSQL
type AgreementRepository struct {
	pool *pgxpool.Pool
}

// NewAgreementRepository creates a new agreement repository
func NewAgreementRepository(pool *pgxpool.Pool) *AgreementRepository {
	return &AgreementRepository{pool: pool}
}

const agreementColumns = `
	id, owner_id, quote_ref, plan_ref, currency, total_amount, down_payment, balance,
	installment_count, interest_rate_percent, start_date, end_date, status, created_at, updated_at`

// Create inserts a new agreement
func (r *AgreementRepository) Create(ctx context.Context, a *financing.Agreement) error {
	query := `
		INSERT INTO financing_agreements (` + agreementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := database.Conn(ctx, r.pool).Exec(ctx, query,
		a.ID, a.OwnerID, a.QuoteRef, a.PlanRef, a.Currency(),
		a.TotalAmount.Amount().String(), a.DownPayment.Amount().String(), a.Balance.Amount().String(),
		a.InstallmentCount, a.InterestRatePercent.String(), a.StartDate, a.EndDate,
		string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	return wrapError(err, "create agreement", "financing agreement", a.ID)
}

// GetByID retrieves an agreement by ID
func (r *AgreementRepository) GetByID(ctx context.Context, id uuid.UUID) (*financing.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM financing_agreements WHERE id = $1`
	a, err := scanAgreement(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapError(err, "get agreement", "financing agreement", id)
	}
	return a, nil
}

// GetForUpdate retrieves an agreement and locks its row
func (r *AgreementRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*financing.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM financing_agreements WHERE id = $1 FOR UPDATE`
	a, err := scanAgreement(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapError(err, "lock agreement", "financing agreement", id)
	}
	return a, nil
}

// Update writes balance, status and updated_at
func (r *AgreementRepository) Update(ctx context.Context, a *financing.Agreement) error {
	query := `
		UPDATE financing_agreements
		SET balance = $2, status = $3, updated_at = $4
		WHERE id = $1`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, a.ID, a.Balance.Amount().String(), string(a.Status), a.UpdatedAt)
	if err != nil {
		return wrapError(err, "update agreement", "financing agreement", a.ID)
	}
	if tag.RowsAffected() == 0 {
		return wrapError(pgx.ErrNoRows, "update agreement", "financing agreement", a.ID)
	}
	return nil
}

// ListOverdueCandidates returns ACTIVE agreements with an unpaid installment
// due before asOf
func (r *AgreementRepository) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT a.id
		FROM financing_agreements a
		JOIN installments i ON i.agreement_id = a.id
		WHERE a.status = 'ACTIVE' AND NOT i.paid AND i.due_date < $1
		ORDER BY a.id`

	rows, err := database.Conn(ctx, r.pool).Query(ctx, query, asOf)
	if err != nil {
		return nil, wrapError(err, "list overdue agreements", "financing agreement", nil)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, wrapError(err, "list overdue agreements", "financing agreement", nil)
	}
	return ids, nil
}

func scanAgreement(row pgx.Row) (*financing.Agreement, error) {
	var (
		a                          financing.Agreement
		currency, status           string
		total, down, balance, rate decimal.Decimal
	)
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.QuoteRef, &a.PlanRef, &currency, &total, &down, &balance,
		&a.InstallmentCount, &rate, &a.StartDate, &a.EndDate, &status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if a.TotalAmount, err = moneyColumn(total, currency); err != nil {
		return nil, err
	}
	if a.DownPayment, err = moneyColumn(down, currency); err != nil {
		return nil, err
	}
	if a.Balance, err = moneyColumn(balance, currency); err != nil {
		return nil, err
	}
	a.InterestRatePercent = rate
	a.Status = financing.Status(status)
	a.StartDate = a.StartDate.UTC()
	return &a, nil
}
