package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// OrderStatus represents the state of a billing order
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusVoided  OrderStatus = "VOIDED"
)

// IsValid checks if the status is a known value
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusVoided:
		return true
	}
	return false
}

// Order is a discrete charge request that a payment settles.
type Order struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	AgreementID *uuid.UUID
	PlanRef     *string
	Amount      values.Money
	Concept     string
	Status      OrderStatus
	IssueDate   time.Time
	PaidDate    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewOrderParams are the inputs for creating an order.
type NewOrderParams struct {
	OwnerID     uuid.UUID
	AgreementID *uuid.UUID
	PlanRef     *string
	Amount      values.Money
	Concept     string
	IssueDate   time.Time
}

// NewOrder validates the inputs and returns a PENDING order.
func NewOrder(p NewOrderParams, createdAt time.Time) (*Order, error) {
	if p.OwnerID == uuid.Nil {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "owner id is required")
	}
	if !p.Amount.IsPositive() {
		return nil, apperrors.NewInvalidAmountError("order amount must be positive, got %s", p.Amount)
	}
	if !p.Amount.IsRounded() {
		return nil, apperrors.NewInvalidAmountError("order amount %s has more precision than the currency allows", p.Amount.Amount())
	}
	concept := strings.TrimSpace(p.Concept)
	if concept == "" {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "concept is required")
	}
	issued := p.IssueDate
	if issued.IsZero() {
		issued = createdAt
	}

	return &Order{
		ID:          uuid.New(),
		OwnerID:     p.OwnerID,
		AgreementID: p.AgreementID,
		PlanRef:     p.PlanRef,
		Amount:      p.Amount,
		Concept:     concept,
		Status:      OrderStatusPending,
		IssueDate:   issued,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// Reference returns the display reference for the order.
func (o *Order) Reference() string {
	return values.Reference("ORD", o.ID)
}

// IsFinanced reports whether the order is linked to a financing agreement.
func (o *Order) IsFinanced() bool {
	return o.AgreementID != nil
}

// MarkPaid transitions PENDING -> PAID.
func (o *Order) MarkPaid(at time.Time) error {
	if o.Status != OrderStatusPending {
		return apperrors.NewInvalidStateError("billing order %s is %s, expected %s", o.ID, o.Status, OrderStatusPending)
	}
	o.Status = OrderStatusPaid
	o.PaidDate = &at
	o.UpdatedAt = at
	return nil
}

// MarkVoided transitions PENDING -> VOIDED.
func (o *Order) MarkVoided(at time.Time) error {
	if o.Status != OrderStatusPending {
		return apperrors.NewInvalidStateError("billing order %s is %s, expected %s", o.ID, o.Status, OrderStatusPending)
	}
	o.Status = OrderStatusVoided
	o.UpdatedAt = at
	return nil
}

// MarkPending transitions PAID -> PENDING. Only payment reversal uses it.
func (o *Order) MarkPending(at time.Time) error {
	if o.Status != OrderStatusPaid {
		return apperrors.NewInvalidStateError("billing order %s is %s, expected %s", o.ID, o.Status, OrderStatusPaid)
	}
	o.Status = OrderStatusPending
	o.PaidDate = nil
	o.UpdatedAt = at
	return nil
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	if o.AgreementID != nil {
		id := *o.AgreementID
		c.AgreementID = &id
	}
	if o.PlanRef != nil {
		p := *o.PlanRef
		c.PlanRef = &p
	}
	if o.PaidDate != nil {
		d := *o.PaidDate
		c.PaidDate = &d
	}
	return &c
}
