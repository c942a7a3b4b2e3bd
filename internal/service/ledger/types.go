package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// CreateAgreementRequest opens a financing agreement. Currency defaults to the
// service default currency when empty.
type CreateAgreementRequest struct {
	OwnerID             uuid.UUID
	QuoteRef            *string
	PlanRef             *string
	Currency            string
	TotalAmount         decimal.Decimal
	DownPayment         decimal.Decimal
	InstallmentCount    int
	InterestRatePercent decimal.Decimal
	StartDate           time.Time
}

// CreateBillingOrderRequest creates a charge against an owner, optionally
// linked to a financing agreement.
type CreateBillingOrderRequest struct {
	OwnerID     uuid.UUID
	AgreementID *uuid.UUID
	PlanRef     *string
	Currency    string
	Amount      decimal.Decimal
	Concept     string
	IssueDate   time.Time
}

// CreatePaymentRequest records a payment against a billing order. Currency is
// optional; when set it must match the order currency.
type CreatePaymentRequest struct {
	BillingOrderID      uuid.UUID
	Amount              decimal.Decimal
	Currency            string
	Method              payment.Method
	Reference           string
	Comment             string
	TargetInstallmentID *uuid.UUID
}

// PaymentResult is the outcome of an allocation.
type PaymentResult struct {
	Payment   *PaymentView
	Allocated []*financing.Installment
	Unapplied values.Money
	// Rejection is set when a targeted allocation was refused with
	// INSUFFICIENT_AMOUNT. The payment is still recorded and the order paid.
	Rejection *apperrors.AppError
	// Replayed is set by callers that served the result from an idempotency record.
	Replayed bool
}

// ReversalResult is the outcome of a reversal.
type ReversalResult struct {
	Payment  *PaymentView
	Restored []*financing.Installment
	// RestoredAmount is the sum of restored installment amounts.
	RestoredAmount values.Money
}

// FinancingDetail is the computed view of an agreement. Totals are computed
// from the installments on every read.
type FinancingDetail struct {
	Agreement    *financing.Agreement
	Installments []*financing.Installment
	// TotalPaid is the down payment plus all paid installment amounts.
	TotalPaid   values.Money
	Outstanding values.Money
	PaidCount   int
	NextDue     *financing.Installment
	Reference   string
}

// PaymentView is a payment denormalized for display.
type PaymentView struct {
	ID                   uuid.UUID
	Amount               values.Money
	UnappliedAmount      values.Money
	Method               payment.Method
	Reference            string
	Comment              string
	Status               payment.Status
	PaidAt               time.Time
	ReversedAt           *time.Time
	OwnerID              uuid.UUID
	OwnerName            string
	BillingOrderID       uuid.UUID
	OrderReference       string
	OrderConcept         string
	AgreementID          *uuid.UUID
	FinancingReference   string
	InstallmentSequences []int
}

// EventType names a ledger event
type EventType string

const (
	EventAgreementCreated   EventType = "agreement.created"
	EventAgreementCancelled EventType = "agreement.cancelled"
	EventAgreementOverdue   EventType = "agreement.overdue"
	EventOrderCreated       EventType = "billing_order.created"
	EventOrderVoided        EventType = "billing_order.voided"
	EventPaymentRegistered  EventType = "payment.registered"
	EventPaymentReversed    EventType = "payment.reversed"
)

// Event describes a committed ledger change.
type Event struct {
	Type           EventType  `json:"type"`
	OccurredAt     time.Time  `json:"occurred_at"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	AgreementID    *uuid.UUID `json:"agreement_id,omitempty"`
	BillingOrderID *uuid.UUID `json:"billing_order_id,omitempty"`
	PaymentID      *uuid.UUID `json:"payment_id,omitempty"`
	Amount         string     `json:"amount,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	Balance        string     `json:"balance,omitempty"`
}
