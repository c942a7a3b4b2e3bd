package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/owner"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
)

// Repositories return *errors.AppError values: NOT_FOUND for missing rows and
// CONFLICT when a conditional write lost a race. Methods called with a context
// produced by TransactionManager run inside that transaction.

// AgreementRepository persists financing agreements.
type AgreementRepository interface {
	Create(ctx context.Context, agreement *financing.Agreement) error
	GetByID(ctx context.Context, id uuid.UUID) (*financing.Agreement, error)
	// GetForUpdate reads the agreement and locks it until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*financing.Agreement, error)
	// Update writes balance, status and updated_at.
	Update(ctx context.Context, agreement *financing.Agreement) error
	// ListOverdueCandidates returns ACTIVE agreements with an unpaid
	// installment due before asOf.
	ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]uuid.UUID, error)
}

// InstallmentRepository persists installments.
type InstallmentRepository interface {
	CreateBatch(ctx context.Context, installments []*financing.Installment) error
	GetByID(ctx context.Context, id uuid.UUID) (*financing.Installment, error)
	// ListByAgreement returns all installments ordered by sequence number.
	ListByAgreement(ctx context.Context, agreementID uuid.UUID) ([]*financing.Installment, error)
	// ListPending returns unpaid installments ordered by sequence number.
	ListPending(ctx context.Context, agreementID uuid.UUID) ([]*financing.Installment, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*financing.Installment, error)
	ListByPayments(ctx context.Context, paymentIDs []uuid.UUID) (map[uuid.UUID][]*financing.Installment, error)
	// ClaimPaid marks the installment paid only if it is still unpaid.
	// Losing the race returns a CONFLICT error.
	ClaimPaid(ctx context.Context, id, paymentID uuid.UUID, paidAt time.Time) error
	// Release clears the paid state only if paymentID still holds it.
	Release(ctx context.Context, id, paymentID uuid.UUID) error
}

// BillingOrderRepository persists billing orders.
type BillingOrderRepository interface {
	Create(ctx context.Context, order *billing.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*billing.Order, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*billing.Order, error)
	// Update writes status, paid_date and updated_at.
	Update(ctx context.Context, order *billing.Order) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*billing.Order, error)
}

// PaymentRepository persists payments.
type PaymentRepository interface {
	Create(ctx context.Context, p *payment.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	// Update writes status and reversed_at.
	Update(ctx context.Context, p *payment.Payment) error
	// ListByOwner returns the payments of all orders of the owner, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*payment.Payment, error)
}

// OwnerRepository stores owner display names.
type OwnerRepository interface {
	Upsert(ctx context.Context, o *owner.Owner) error
	GetByID(ctx context.Context, id uuid.UUID) (*owner.Owner, error)
}

// TransactionManager runs fn in a single serializable transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type TransactionManager interface {
	ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher receives ledger events after the transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// Metrics records ledger business metrics.
type Metrics interface {
	RecordPayment(ctx context.Context, method string, installments int, unapplied bool)
	RecordAllocationRejected(ctx context.Context, code string)
	RecordReversal(ctx context.Context, installments int)
	RecordConflict(ctx context.Context, operation string)
	ObserveOperation(ctx context.Context, operation string, duration time.Duration, err error)
}

// Repositories groups the stores the service depends on.
type Repositories struct {
	Agreements   AgreementRepository
	Installments InstallmentRepository
	Orders       BillingOrderRepository
	Payments     PaymentRepository
	Owners       OwnerRepository
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) {}

type noopMetrics struct{}

func (noopMetrics) RecordPayment(context.Context, string, int, bool)                    {}
func (noopMetrics) RecordAllocationRejected(context.Context, string)                     {}
func (noopMetrics) RecordReversal(context.Context, int)                                  {}
func (noopMetrics) RecordConflict(context.Context, string)                               {}
func (noopMetrics) ObserveOperation(context.Context, string, time.Duration, error) {}
