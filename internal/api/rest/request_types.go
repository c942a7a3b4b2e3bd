package rest

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
)

// Amounts travel as decimal strings ("1250.50") and dates as YYYY-MM-DD.

type RegisterOwnerRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=200"`
}

type CreateAgreementRequest struct {
	OwnerID             uuid.UUID `json:"owner_id" validate:"required"`
	QuoteRef            *string   `json:"quote_ref,omitempty" validate:"omitempty,max=100"`
	PlanRef             *string   `json:"plan_ref,omitempty" validate:"omitempty,max=100"`
	Currency            string    `json:"currency,omitempty" validate:"omitempty,iso4217"`
	TotalAmount         string    `json:"total_amount" validate:"required,decimal_amount"`
	DownPayment         string    `json:"down_payment,omitempty" validate:"omitempty,decimal_amount"`
	InstallmentCount    int       `json:"installment_count" validate:"required,min=1,max=600"`
	InterestRatePercent string    `json:"interest_rate_percent,omitempty" validate:"omitempty,decimal_amount"`
	StartDate           string    `json:"start_date" validate:"required,datetime=2006-01-02"`
}

func (r CreateAgreementRequest) toLedger() ledger.CreateAgreementRequest {
	return ledger.CreateAgreementRequest{
		OwnerID:             r.OwnerID,
		QuoteRef:            r.QuoteRef,
		PlanRef:             r.PlanRef,
		Currency:            r.Currency,
		TotalAmount:         decimalOrZero(r.TotalAmount),
		DownPayment:         decimalOrZero(r.DownPayment),
		InstallmentCount:    r.InstallmentCount,
		InterestRatePercent: decimalOrZero(r.InterestRatePercent),
		StartDate:           dateOrZero(r.StartDate),
	}
}

type CreateBillingOrderRequest struct {
	OwnerID     uuid.UUID  `json:"owner_id" validate:"required"`
	AgreementID *uuid.UUID `json:"agreement_id,omitempty"`
	PlanRef     *string    `json:"plan_ref,omitempty" validate:"omitempty,max=100"`
	Currency    string     `json:"currency,omitempty" validate:"omitempty,iso4217"`
	Amount      string     `json:"amount" validate:"required,decimal_amount"`
	Concept     string     `json:"concept" validate:"required,max=500"`
	IssueDate   string     `json:"issue_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (r CreateBillingOrderRequest) toLedger() ledger.CreateBillingOrderRequest {
	return ledger.CreateBillingOrderRequest{
		OwnerID:     r.OwnerID,
		AgreementID: r.AgreementID,
		PlanRef:     r.PlanRef,
		Currency:    r.Currency,
		Amount:      decimalOrZero(r.Amount),
		Concept:     r.Concept,
		IssueDate:   dateOrZero(r.IssueDate),
	}
}

type CreatePaymentRequest struct {
	Amount              string     `json:"amount" validate:"required,decimal_amount"`
	Currency            string     `json:"currency,omitempty" validate:"omitempty,iso4217"`
	Method              string     `json:"method" validate:"required,oneof=CASH CARD TRANSFER INSURANCE OTHER"`
	Reference           string     `json:"reference,omitempty" validate:"max=100"`
	Comment             string     `json:"comment,omitempty" validate:"max=500"`
	TargetInstallmentID *uuid.UUID `json:"target_installment_id,omitempty"`
}

func (r CreatePaymentRequest) toLedger(orderID uuid.UUID) ledger.CreatePaymentRequest {
	return ledger.CreatePaymentRequest{
		BillingOrderID:      orderID,
		Amount:              decimalOrZero(r.Amount),
		Currency:            r.Currency,
		Method:              payment.Method(r.Method),
		Reference:           r.Reference,
		Comment:             r.Comment,
		TargetInstallmentID: r.TargetInstallmentID,
	}
}

type OverdueSweepRequest struct {
	AsOf string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// decimalOrZero is only called after validation accepted s.
func decimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func dateOrZero(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
