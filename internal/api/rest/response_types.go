package rest

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/owner"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
)

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

// ResponseMeta contains response metadata
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Replayed  bool      `json:"replayed,omitempty"`
}

// ErrorResponse provides detailed error information
type ErrorResponse struct {
	Code      string              `json:"code"`
	Message   string              `json:"message"`
	Fields    map[string][]string `json:"fields,omitempty"`
	Details   map[string]any      `json:"details,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
	TraceID   string              `json:"trace_id,omitempty"`
}

type OwnerResponse struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newOwnerResponse(o *owner.Owner) OwnerResponse {
	return OwnerResponse{ID: o.ID, DisplayName: o.DisplayName, UpdatedAt: o.UpdatedAt}
}

type InstallmentResponse struct {
	ID             uuid.UUID    `json:"id"`
	SequenceNumber int          `json:"sequence_number"`
	Amount         values.Money `json:"amount"`
	DueDate        string       `json:"due_date"`
	Paid           bool         `json:"paid"`
	PaidDate       *time.Time   `json:"paid_date,omitempty"`
	PaymentID      *uuid.UUID   `json:"payment_id,omitempty"`
}

func newInstallmentResponse(i *financing.Installment) InstallmentResponse {
	return InstallmentResponse{
		ID:             i.ID,
		SequenceNumber: i.SequenceNumber,
		Amount:         i.Amount,
		DueDate:        i.DueDate.Format(time.DateOnly),
		Paid:           i.Paid,
		PaidDate:       i.PaidDate,
		PaymentID:      i.PaymentID,
	}
}

func newInstallmentResponses(in []*financing.Installment) []InstallmentResponse {
	out := make([]InstallmentResponse, len(in))
	for i, inst := range in {
		out[i] = newInstallmentResponse(inst)
	}
	return out
}

type AgreementResponse struct {
	ID                  uuid.UUID       `json:"id"`
	OwnerID             uuid.UUID       `json:"owner_id"`
	QuoteRef            *string         `json:"quote_ref,omitempty"`
	PlanRef             *string         `json:"plan_ref,omitempty"`
	TotalAmount         values.Money    `json:"total_amount"`
	DownPayment         values.Money    `json:"down_payment"`
	Balance             values.Money    `json:"balance"`
	InstallmentCount    int             `json:"installment_count"`
	InterestRatePercent decimal.Decimal `json:"interest_rate_percent"`
	StartDate           string          `json:"start_date"`
	EndDate             *string         `json:"end_date,omitempty"`
	Status              string          `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func newAgreementResponse(a *financing.Agreement) AgreementResponse {
	r := AgreementResponse{
		ID:                  a.ID,
		OwnerID:             a.OwnerID,
		QuoteRef:            a.QuoteRef,
		PlanRef:             a.PlanRef,
		TotalAmount:         a.TotalAmount,
		DownPayment:         a.DownPayment,
		Balance:             a.Balance,
		InstallmentCount:    a.InstallmentCount,
		InterestRatePercent: a.InterestRatePercent,
		StartDate:           a.StartDate.Format(time.DateOnly),
		Status:              string(a.Status),
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
	if a.EndDate != nil {
		end := a.EndDate.Format(time.DateOnly)
		r.EndDate = &end
	}
	return r
}

type FinancingDetailResponse struct {
	Reference    string                `json:"reference"`
	Agreement    AgreementResponse     `json:"agreement"`
	Installments []InstallmentResponse `json:"installments"`
	TotalPaid    values.Money          `json:"total_paid"`
	Outstanding  values.Money          `json:"outstanding"`
	PaidCount    int                   `json:"paid_count"`
	NextDue      *InstallmentResponse  `json:"next_due,omitempty"`
}

func newFinancingDetailResponse(d *ledger.FinancingDetail) FinancingDetailResponse {
	r := FinancingDetailResponse{
		Reference:    d.Reference,
		Agreement:    newAgreementResponse(d.Agreement),
		Installments: newInstallmentResponses(d.Installments),
		TotalPaid:    d.TotalPaid,
		Outstanding:  d.Outstanding,
		PaidCount:    d.PaidCount,
	}
	if d.NextDue != nil {
		next := newInstallmentResponse(d.NextDue)
		r.NextDue = &next
	}
	return r
}

type BillingOrderResponse struct {
	ID          uuid.UUID    `json:"id"`
	Reference   string       `json:"reference"`
	OwnerID     uuid.UUID    `json:"owner_id"`
	AgreementID *uuid.UUID   `json:"agreement_id,omitempty"`
	PlanRef     *string      `json:"plan_ref,omitempty"`
	Amount      values.Money `json:"amount"`
	Concept     string       `json:"concept"`
	Status      string       `json:"status"`
	IssueDate   string       `json:"issue_date"`
	PaidDate    *time.Time   `json:"paid_date,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func newBillingOrderResponse(o *billing.Order) BillingOrderResponse {
	return BillingOrderResponse{
		ID:          o.ID,
		Reference:   o.Reference(),
		OwnerID:     o.OwnerID,
		AgreementID: o.AgreementID,
		PlanRef:     o.PlanRef,
		Amount:      o.Amount,
		Concept:     o.Concept,
		Status:      string(o.Status),
		IssueDate:   o.IssueDate.Format(time.DateOnly),
		PaidDate:    o.PaidDate,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

type PaymentResponse struct {
	ID                   uuid.UUID    `json:"id"`
	Amount               values.Money `json:"amount"`
	UnappliedAmount      values.Money `json:"unapplied_amount"`
	Method               string       `json:"method"`
	Reference            string       `json:"reference,omitempty"`
	Comment              string       `json:"comment,omitempty"`
	Status               string       `json:"status"`
	PaidAt               time.Time    `json:"paid_at"`
	ReversedAt           *time.Time   `json:"reversed_at,omitempty"`
	OwnerID              uuid.UUID    `json:"owner_id"`
	OwnerName            string       `json:"owner_name"`
	BillingOrderID       uuid.UUID    `json:"billing_order_id"`
	OrderReference       string       `json:"order_reference"`
	OrderConcept         string       `json:"order_concept"`
	AgreementID          *uuid.UUID   `json:"agreement_id,omitempty"`
	FinancingReference   string       `json:"financing_reference,omitempty"`
	InstallmentSequences []int        `json:"installment_sequences"`
}

func newPaymentResponse(v *ledger.PaymentView) PaymentResponse {
	seqs := v.InstallmentSequences
	if seqs == nil {
		seqs = []int{}
	}
	return PaymentResponse{
		ID:                   v.ID,
		Amount:               v.Amount,
		UnappliedAmount:      v.UnappliedAmount,
		Method:               string(v.Method),
		Reference:            v.Reference,
		Comment:              v.Comment,
		Status:               string(v.Status),
		PaidAt:               v.PaidAt,
		ReversedAt:           v.ReversedAt,
		OwnerID:              v.OwnerID,
		OwnerName:            v.OwnerName,
		BillingOrderID:       v.BillingOrderID,
		OrderReference:       v.OrderReference,
		OrderConcept:         v.OrderConcept,
		AgreementID:          v.AgreementID,
		FinancingReference:   v.FinancingReference,
		InstallmentSequences: seqs,
	}
}

type PaymentResultResponse struct {
	Payment   PaymentResponse       `json:"payment"`
	Allocated []InstallmentResponse `json:"allocated_installments"`
	Unapplied values.Money          `json:"unapplied"`
	Rejection *ErrorResponse        `json:"rejection,omitempty"`
}

func newPaymentResultResponse(r *ledger.PaymentResult) PaymentResultResponse {
	resp := PaymentResultResponse{
		Payment:   newPaymentResponse(r.Payment),
		Allocated: newInstallmentResponses(r.Allocated),
		Unapplied: r.Unapplied,
	}
	if r.Rejection != nil {
		resp.Rejection = &ErrorResponse{
			Code:    r.Rejection.Code,
			Message: r.Rejection.Message,
			Details: r.Rejection.Details,
		}
	}
	return resp
}

type ReversalResponse struct {
	Payment        PaymentResponse       `json:"payment"`
	Restored       []InstallmentResponse `json:"restored_installments"`
	RestoredAmount values.Money          `json:"restored_amount"`
}

func newReversalResponse(r *ledger.ReversalResult) ReversalResponse {
	return ReversalResponse{
		Payment:        newPaymentResponse(r.Payment),
		Restored:       newInstallmentResponses(r.Restored),
		RestoredAmount: r.RestoredAmount,
	}
}

type OverdueSweepResponse struct {
	AsOf         string      `json:"as_of"`
	AgreementIDs []uuid.UUID `json:"agreement_ids"`
	Failures     int         `json:"failures"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
