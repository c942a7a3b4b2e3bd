package financing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// Status represents the lifecycle state of a financing agreement
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaid      Status = "PAID"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
)

// IsValid checks if the status is a known value
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusPaid, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// Agreement is a payment plan that splits a financed balance into scheduled
// installments. Balance always equals TotalAmount - DownPayment minus the sum
// of paid installment amounts.
type Agreement struct {
	ID                  uuid.UUID
	OwnerID             uuid.UUID
	QuoteRef            *string
	PlanRef             *string
	TotalAmount         values.Money
	DownPayment         values.Money
	Balance             values.Money
	InstallmentCount    int
	InterestRatePercent decimal.Decimal
	StartDate           time.Time
	EndDate             *time.Time
	Status              Status
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewAgreementParams are the inputs for opening an agreement.
type NewAgreementParams struct {
	OwnerID             uuid.UUID
	QuoteRef            *string
	PlanRef             *string
	TotalAmount         values.Money
	DownPayment         values.Money
	InstallmentCount    int
	InterestRatePercent decimal.Decimal
	StartDate           time.Time
}

// NewAgreement computes the schedule and returns an ACTIVE agreement together
// with all of its installments. Nothing is persisted.
func NewAgreement(p NewAgreementParams, createdAt time.Time) (*Agreement, []*Installment, error) {
	if p.OwnerID == uuid.Nil {
		return nil, nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "owner id is required")
	}

	schedule, err := CalculateSchedule(ScheduleInput{
		TotalAmount:         p.TotalAmount,
		DownPayment:         p.DownPayment,
		InstallmentCount:    p.InstallmentCount,
		InterestRatePercent: p.InterestRatePercent,
		StartDate:           p.StartDate,
	})
	if err != nil {
		return nil, nil, err
	}

	agreement := &Agreement{
		ID:                  uuid.New(),
		OwnerID:             p.OwnerID,
		QuoteRef:            p.QuoteRef,
		PlanRef:             p.PlanRef,
		TotalAmount:         p.TotalAmount,
		DownPayment:         p.DownPayment,
		Balance:             schedule.FinancedPrincipal,
		InstallmentCount:    p.InstallmentCount,
		InterestRatePercent: p.InterestRatePercent,
		StartDate:           p.StartDate,
		Status:              StatusActive,
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
	}

	installments := make([]*Installment, len(schedule.Installments))
	for i, row := range schedule.Installments {
		installments[i] = &Installment{
			ID:             uuid.New(),
			AgreementID:    agreement.ID,
			SequenceNumber: row.SequenceNumber,
			Amount:         row.Amount,
			DueDate:        row.DueDate,
		}
	}
	end := installments[len(installments)-1].DueDate
	agreement.EndDate = &end

	return agreement, installments, nil
}

// Currency returns the agreement currency.
func (a *Agreement) Currency() string {
	return a.TotalAmount.Currency()
}

// FinancedPrincipal is TotalAmount - DownPayment.
func (a *Agreement) FinancedPrincipal() values.Money {
	p, _ := a.TotalAmount.Sub(a.DownPayment)
	return p
}

// Reference returns the display reference for the agreement.
func (a *Agreement) Reference() string {
	return values.Reference("FIN", a.ID)
}

// ApplyToBalance adds delta to the balance (negative for payments, positive
// for reversals) and recomputes the status: PAID when the balance is zero or
// below, ACTIVE otherwise.
func (a *Agreement) ApplyToBalance(delta values.Money, at time.Time) error {
	if a.Status == StatusCancelled {
		return apperrors.NewInvalidStateError("agreement %s is cancelled", a.ID)
	}
	balance, err := a.Balance.Add(delta)
	if err != nil {
		return apperrors.NewInvalidAmountError("%v", err)
	}

	a.Balance = balance
	if balance.IsPositive() {
		a.Status = StatusActive
	} else {
		a.Status = StatusPaid
	}
	a.UpdatedAt = at
	return nil
}

// CanAcceptPayments returns an error when installments may not be allocated.
func (a *Agreement) CanAcceptPayments() error {
	if a.Status == StatusCancelled {
		return apperrors.NewInvalidStateError("agreement %s is cancelled", a.ID)
	}
	return nil
}

// Cancel moves the agreement to CANCELLED. Only agreements with no paid
// installment may be cancelled.
func (a *Agreement) Cancel(installments []*Installment, at time.Time) error {
	switch a.Status {
	case StatusActive, StatusOverdue:
	default:
		return apperrors.NewInvalidStateError("cannot cancel agreement in status %s", a.Status)
	}
	for _, inst := range installments {
		if inst.Paid {
			return apperrors.NewInvalidStateError("cannot cancel agreement %s: installment %d is paid",
				a.ID, inst.SequenceNumber)
		}
	}
	a.Status = StatusCancelled
	a.UpdatedAt = at
	return nil
}

// MarkOverdue moves an ACTIVE agreement to OVERDUE.
func (a *Agreement) MarkOverdue(at time.Time) error {
	if a.Status != StatusActive {
		return apperrors.NewInvalidStateError("cannot mark agreement in status %s as overdue", a.Status)
	}
	a.Status = StatusOverdue
	a.UpdatedAt = at
	return nil
}

// Clone returns a deep copy.
func (a *Agreement) Clone() *Agreement {
	c := *a
	if a.QuoteRef != nil {
		q := *a.QuoteRef
		c.QuoteRef = &q
	}
	if a.PlanRef != nil {
		p := *a.PlanRef
		c.PlanRef = &p
	}
	if a.EndDate != nil {
		e := *a.EndDate
		c.EndDate = &e
	}
	return &c
}
