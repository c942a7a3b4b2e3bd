package payment

import (
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// Method is how the money was received
type Method string

const (
	MethodCash      Method = "CASH"
	MethodCard      Method = "CARD"
	MethodTransfer  Method = "TRANSFER"
	MethodInsurance Method = "INSURANCE"
	MethodOther     Method = "OTHER"
)

// IsValid checks if the method is a known value
func (m Method) IsValid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer, MethodInsurance, MethodOther:
		return true
	}
	return false
}

// ParseMethod parses a method name case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", apperrors.NewValidationError(apperrors.CodeInvalidInput, "unknown payment method: "+s)
	}
	return m, nil
}

// Status represents the state of a payment
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusReversed   Status = "REVERSED"
)

// Payment is a recorded money receipt against a billing order. The set of
// installments it satisfied is found by querying installments by payment id.
type Payment struct {
	ID              uuid.UUID
	BillingOrderID  uuid.UUID
	Amount          values.Money
	UnappliedAmount values.Money
	Method          Method
	Reference       string
	Comment         string
	Status          Status
	PaidAt          time.Time
	ReversedAt      *time.Time
	CreatedAt       time.Time
}

// NewPaymentParams are the inputs for recording a payment.
type NewPaymentParams struct {
	BillingOrderID uuid.UUID
	Amount         values.Money
	Method         Method
	Reference      string
	Comment        string
	PaidAt         time.Time
}

// NewPayment validates the inputs and returns a REGISTERED payment with no
// unapplied amount.
func NewPayment(p NewPaymentParams) (*Payment, error) {
	if !p.Amount.IsPositive() {
		return nil, apperrors.NewInvalidAmountError("payment amount must be positive, got %s", p.Amount)
	}
	if !p.Amount.IsRounded() {
		return nil, apperrors.NewInvalidAmountError("payment amount %s has more precision than the currency allows", p.Amount.Amount())
	}
	if !p.Method.IsValid() {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "unknown payment method: "+string(p.Method))
	}

	return &Payment{
		ID:              uuid.New(),
		BillingOrderID:  p.BillingOrderID,
		Amount:          p.Amount,
		UnappliedAmount: values.Zero(p.Amount.Currency()),
		Method:          p.Method,
		Reference:       strings.TrimSpace(p.Reference),
		Comment:         strings.TrimSpace(p.Comment),
		Status:          StatusRegistered,
		PaidAt:          p.PaidAt,
		CreatedAt:       p.PaidAt,
	}, nil
}

// Reverse flips a REGISTERED payment to REVERSED. It cannot be undone.
func (p *Payment) Reverse(at time.Time) error {
	if p.Status != StatusRegistered {
		return apperrors.NewInvalidStateError("payment %s is already %s", p.ID, p.Status)
	}
	p.Status = StatusReversed
	p.ReversedAt = &at
	return nil
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	c := *p
	if p.ReversedAt != nil {
		r := *p.ReversedAt
		c.ReversedAt = &r
	}
	return &c
}
