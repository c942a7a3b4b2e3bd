package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
)

// InstallmentRepository implements ledger.InstallmentRepository using PostgreSQL
type InstallmentRepository struct {
	pool *pgxpool.Pool
}

// NewInstallmentRepository creates a new installment repository
func NewInstallmentRepository(pool *pgxpool.Pool) *InstallmentRepository {
	return &InstallmentRepository{pool: pool}
}

const installmentColumns = `id, agreement_id, sequence_number, currency, amount, due_date, paid, paid_date, payment_id`

// CreateBatch inserts all installments of a schedule in one round trip
func (r *InstallmentRepository) CreateBatch(ctx context.Context, installments []*financing.Installment) error {
	query := `
		INSERT INTO installments (` + installmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	batch := &pgx.Batch{}
	for _, inst := range installments {
		batch.Queue(query,
			inst.ID, inst.AgreementID, inst.SequenceNumber, inst.Amount.Currency(), inst.Amount.Amount().String(),
			inst.DueDate, inst.Paid, inst.PaidDate, inst.PaymentID,
		)
	}

	var results pgx.BatchResults
	if tx, ok := database.TxFromContext(ctx); ok {
		results = tx.SendBatch(ctx, batch)
	} else {
		results = r.pool.SendBatch(ctx, batch)
	}
	defer results.Close()

	for _, inst := range installments {
		if _, err := results.Exec(); err != nil {
			return wrapError(err, "create installments", "installment", inst.ID)
		}
	}
	return nil
}

// GetByID retrieves an installment by ID
func (r *InstallmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*financing.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM installments WHERE id = $1`
	inst, err := scanInstallment(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapError(err, "get installment", "installment", id)
	}
	return inst, nil
}

// ListByAgreement returns all installments ordered by sequence number
func (r *InstallmentRepository) ListByAgreement(ctx context.Context, agreementID uuid.UUID) ([]*financing.Installment, error) {
	return r.list(ctx, "list installments",
		`WHERE agreement_id = $1 ORDER BY sequence_number`, agreementID)
}

// ListPending returns unpaid installments ordered by sequence number
func (r *InstallmentRepository) ListPending(ctx context.Context, agreementID uuid.UUID) ([]*financing.Installment, error) {
	return r.list(ctx, "list pending installments",
		`WHERE agreement_id = $1 AND NOT paid ORDER BY sequence_number`, agreementID)
}

// ListByPayment returns the installments a payment holds
func (r *InstallmentRepository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*financing.Installment, error) {
	return r.list(ctx, "list installments by payment",
		`WHERE payment_id = $1 ORDER BY sequence_number`, paymentID)
}

// ListByPayments groups the installments held by each payment
func (r *InstallmentRepository) ListByPayments(ctx context.Context, paymentIDs []uuid.UUID) (map[uuid.UUID][]*financing.Installment, error) {
	out := make(map[uuid.UUID][]*financing.Installment)
	if len(paymentIDs) == 0 {
		return out, nil
	}
	held, err := r.list(ctx, "list installments by payments",
		`WHERE payment_id = ANY($1) ORDER BY payment_id, sequence_number`, paymentIDs)
	if err != nil {
		return nil, err
	}
	for _, inst := range held {
		out[*inst.PaymentID] = append(out[*inst.PaymentID], inst)
	}
	return out, nil
}

// ClaimPaid marks the installment paid only while it is still unpaid
func (r *InstallmentRepository) ClaimPaid(ctx context.Context, id, paymentID uuid.UUID, paidAt time.Time) error {
	query := `
		UPDATE installments
		SET paid = TRUE, paid_date = $3, payment_id = $2
		WHERE id = $1 AND NOT paid`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, id, paymentID, paidAt)
	if err != nil {
		return wrapError(err, "claim installment", "installment", id)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError(fmt.Sprintf("installment %s was claimed by another payment", id))
	}
	return nil
}

// Release clears the paid state only while paymentID still holds it
func (r *InstallmentRepository) Release(ctx context.Context, id, paymentID uuid.UUID) error {
	query := `
		UPDATE installments
		SET paid = FALSE, paid_date = NULL, payment_id = NULL
		WHERE id = $1 AND payment_id = $2 AND paid`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, id, paymentID)
	if err != nil {
		return wrapError(err, "release installment", "installment", id)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError(fmt.Sprintf("installment %s is no longer held by payment %s", id, paymentID))
	}
	return nil
}

func (r *InstallmentRepository) list(ctx context.Context, op, where string, arg any) ([]*financing.Installment, error) {
	rows, err := database.Conn(ctx, r.pool).Query(ctx, `SELECT `+installmentColumns+` FROM installments `+where, arg)
	if err != nil {
		return nil, wrapError(err, op, "installment", nil)
	}
	defer rows.Close()

	var out []*financing.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, wrapError(err, op, "installment", nil)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, op, "installment", nil)
	}
	return out, nil
}

func scanInstallment(row pgx.Row) (*financing.Installment, error) {
	var (
		inst     financing.Installment
		currency string
		amount   decimal.Decimal
	)
	err := row.Scan(&inst.ID, &inst.AgreementID, &inst.SequenceNumber, &currency, &amount,
		&inst.DueDate, &inst.Paid, &inst.PaidDate, &inst.PaymentID)
	if err != nil {
		return nil, err
	}
	if inst.Amount, err = moneyColumn(amount, currency); err != nil {
		return nil, err
	}
	inst.DueDate = inst.DueDate.UTC()
	return &inst, nil
}
