package financing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// Installment is one scheduled sub-payment of an agreement.
// Paid, PaidDate and PaymentID are either all set or all empty.
type Installment struct {
	ID             uuid.UUID
	AgreementID    uuid.UUID
	SequenceNumber int
	Amount         values.Money
	DueDate        time.Time
	Paid           bool
	PaidDate       *time.Time
	PaymentID      *uuid.UUID
}

// MarkPaid records that the given payment satisfied the installment.
func (i *Installment) MarkPaid(paymentID uuid.UUID, at time.Time) error {
	if i.Paid {
		return apperrors.NewInvalidStateError("installment %d of agreement %s is already paid",
			i.SequenceNumber, i.AgreementID)
	}
	i.Paid = true
	i.PaidDate = &at
	i.PaymentID = &paymentID
	return nil
}

// Unmark clears the paid state. The installment must currently be held by
// paymentID.
func (i *Installment) Unmark(paymentID uuid.UUID) error {
	if !i.Paid || i.PaymentID == nil || *i.PaymentID != paymentID {
		return apperrors.NewInvalidStateError("installment %d is not held by payment %s", i.SequenceNumber, paymentID)
	}
	i.Paid = false
	i.PaidDate = nil
	i.PaymentID = nil
	return nil
}

// IsOverdue reports whether the installment is unpaid and was due before asOf.
func (i *Installment) IsOverdue(asOf time.Time) bool {
	return !i.Paid && i.DueDate.Before(asOf)
}

// Validate checks the paid/paidDate/paymentID invariant.
func (i *Installment) Validate() error {
	if i.Paid != (i.PaidDate != nil) || i.Paid != (i.PaymentID != nil) {
		return fmt.Errorf("installment %s: paid=%t inconsistent with paid date and payment id", i.ID, i.Paid)
	}
	return nil
}

// Clone returns a deep copy.
func (i *Installment) Clone() *Installment {
	c := *i
	if i.PaidDate != nil {
		d := *i.PaidDate
		c.PaidDate = &d
	}
	if i.PaymentID != nil {
		p := *i.PaymentID
		c.PaymentID = &p
	}
	return &c
}

// SumAmounts totals installment amounts in the given currency.
func SumAmounts(currency string, installments []*Installment) (values.Money, error) {
	amounts := make([]values.Money, len(installments))
	for idx, inst := range installments {
		amounts[idx] = inst.Amount
	}
	return values.Sum(currency, amounts...)
}
