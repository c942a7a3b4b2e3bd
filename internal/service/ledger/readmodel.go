package ledger

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// GetFinancingDetail reads an agreement and its installments in one
// transaction and computes the totals from them.
func (s *Service) GetFinancingDetail(ctx context.Context, agreementID uuid.UUID) (*FinancingDetail, error) {
	var detail *FinancingDetail
	err := s.inTx(ctx, "get_financing_detail", func(ctx context.Context) error {
		agreement, err := s.repos.Agreements.GetByID(ctx, agreementID)
		if err != nil {
			return err
		}
		installments, err := s.repos.Installments.ListByAgreement(ctx, agreementID)
		if err != nil {
			return err
		}
		detail, err = buildDetail(agreement, installments)
		return err
	})
	return detail, err
}

func buildDetail(agreement *financing.Agreement, installments []*financing.Installment) (*FinancingDetail, error) {
	currency := agreement.Currency()
	paid := make([]values.Money, 0, len(installments))
	unpaid := make([]values.Money, 0, len(installments))
	var next *financing.Installment

	sorted := append([]*financing.Installment(nil), installments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceNumber < sorted[j].SequenceNumber })

	for _, inst := range sorted {
		if inst.Paid {
			paid = append(paid, inst.Amount)
			continue
		}
		unpaid = append(unpaid, inst.Amount)
		if next == nil {
			next = inst
		}
	}

	paidSum, err := values.Sum(currency, paid...)
	if err != nil {
		return nil, apperrors.NewInternalError("sum paid installments").WithCause(err)
	}
	totalPaid, err := agreement.DownPayment.Add(paidSum)
	if err != nil {
		return nil, apperrors.NewInternalError("add down payment").WithCause(err)
	}
	outstanding, err := values.Sum(currency, unpaid...)
	if err != nil {
		return nil, apperrors.NewInternalError("sum unpaid installments").WithCause(err)
	}

	return &FinancingDetail{
		Agreement:    agreement,
		Installments: sorted,
		TotalPaid:    totalPaid,
		Outstanding:  outstanding,
		PaidCount:    len(paid),
		NextDue:      next,
		Reference:    agreement.Reference(),
	}, nil
}

// GetPayment returns one payment as a denormalized view.
func (s *Service) GetPayment(ctx context.Context, paymentID uuid.UUID) (*PaymentView, error) {
	var view *PaymentView
	err := s.inTx(ctx, "get_payment", func(ctx context.Context) error {
		p, err := s.repos.Payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		order, err := s.repos.Orders.GetByID(ctx, p.BillingOrderID)
		if err != nil {
			return err
		}
		held, err := s.repos.Installments.ListByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		view, err = s.viewOf(ctx, p, order, held)
		return err
	})
	return view, err
}

// ListPaymentsForOwner returns the owner's payment history, newest first,
// denormalized with the owner name and order and financing references.
func (s *Service) ListPaymentsForOwner(ctx context.Context, ownerID uuid.UUID) ([]*PaymentView, error) {
	var views []*PaymentView
	err := s.inTx(ctx, "list_payments_for_owner", func(ctx context.Context) error {
		ownerName, err := s.ownerName(ctx, ownerID)
		if err != nil {
			return err
		}
		payments, err := s.repos.Payments.ListByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		orders, err := s.repos.Orders.ListByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*billing.Order, len(orders))
		for _, o := range orders {
			byID[o.ID] = o
		}

		ids := make([]uuid.UUID, len(payments))
		for i, p := range payments {
			ids[i] = p.ID
		}
		held, err := s.repos.Installments.ListByPayments(ctx, ids)
		if err != nil {
			return err
		}

		views = make([]*PaymentView, 0, len(payments))
		for _, p := range payments {
			order, ok := byID[p.BillingOrderID]
			if !ok {
				return apperrors.NewInternalError("payment " + p.ID.String() + " references an order of another owner")
			}
			views = append(views, newPaymentView(p, order, ownerName, held[p.ID]))
		}
		return nil
	})
	return views, err
}

func (s *Service) viewOf(ctx context.Context, p *payment.Payment, order *billing.Order, held []*financing.Installment) (*PaymentView, error) {
	name, err := s.ownerName(ctx, order.OwnerID)
	if err != nil {
		return nil, err
	}
	return newPaymentView(p, order, name, held), nil
}

// ownerName returns an empty name for owners the directory does not know.
func (s *Service) ownerName(ctx context.Context, ownerID uuid.UUID) (string, error) {
	o, err := s.repos.Owners.GetByID(ctx, ownerID)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return "", nil
		}
		return "", err
	}
	return o.DisplayName, nil
}

func newPaymentView(p *payment.Payment, order *billing.Order, ownerName string, held []*financing.Installment) *PaymentView {
	view := &PaymentView{
		ID:              p.ID,
		Amount:          p.Amount,
		UnappliedAmount: p.UnappliedAmount,
		Method:          p.Method,
		Reference:       p.Reference,
		Comment:         p.Comment,
		Status:          p.Status,
		PaidAt:          p.PaidAt,
		ReversedAt:      p.ReversedAt,
		OwnerID:         order.OwnerID,
		OwnerName:       ownerName,
		BillingOrderID:  order.ID,
		OrderReference:  order.Reference(),
		OrderConcept:    order.Concept,
		AgreementID:     order.AgreementID,
	}
	if order.AgreementID != nil {
		view.FinancingReference = values.Reference("FIN", *order.AgreementID)
	}
	for _, inst := range held {
		view.InstallmentSequences = append(view.InstallmentSequences, inst.SequenceNumber)
	}
	sort.Ints(view.InstallmentSequences)
	return view
}
