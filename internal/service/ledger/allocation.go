package ledger

import (
	"context"
	"iter"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// allocation is the decision of which installments a payment satisfies.
type allocation struct {
	installments []*financing.Installment
	unapplied    values.Money
	rejection    *apperrors.AppError
}

// planTargeted allocates a payment to one named installment. A payment smaller
// than the installment is refused with INSUFFICIENT_AMOUNT and satisfies
// nothing; partial satisfaction of an installment never happens.
func planTargeted(inst *financing.Installment, agreementID uuid.UUID, amount values.Money) (allocation, error) {
	if inst.AgreementID != agreementID {
		return allocation{}, apperrors.NewInvalidStateError("installment %s does not belong to agreement %s", inst.ID, agreementID)
	}
	if inst.Paid {
		return allocation{}, apperrors.NewInvalidStateError("installment %d of agreement %s is already paid",
			inst.SequenceNumber, agreementID)
	}
	if amount.Currency() != inst.Amount.Currency() {
		return allocation{}, apperrors.NewInvalidAmountError("payment currency %s does not match installment currency %s",
			amount.Currency(), inst.Amount.Currency())
	}

	if amount.LessThan(inst.Amount) {
		return allocation{
			unapplied: amount,
			rejection: apperrors.NewInsufficientAmountError("payment of %s does not cover installment %d of %s",
				amount, inst.SequenceNumber, inst.Amount).
				WithDetail("installment_id", inst.ID.String()).
				WithDetail("installment_amount", inst.Amount.Amount().String()),
		}, nil
	}

	excess, err := amount.Sub(inst.Amount)
	if err != nil {
		return allocation{}, apperrors.NewInvalidAmountError("%v", err)
	}
	return allocation{installments: []*financing.Installment{inst}, unapplied: excess}, nil
}

// planOldestFirst walks pending installments in sequence order and satisfies
// whole installments while the remaining amount covers the next one. It stops
// at the first installment the remainder cannot cover; that remainder is
// reported as unapplied and credits nothing.
func planOldestFirst(pending iter.Seq2[*financing.Installment, error], amount values.Money) (allocation, error) {
	remaining := amount
	var picked []*financing.Installment

	for inst, err := range pending {
		if err != nil {
			return allocation{}, err
		}
		if inst.Amount.Currency() != remaining.Currency() {
			return allocation{}, apperrors.NewInvalidAmountError("payment currency %s does not match installment currency %s",
				remaining.Currency(), inst.Amount.Currency())
		}
		if remaining.LessThan(inst.Amount) {
			break
		}
		picked = append(picked, inst)
		if remaining, err = remaining.Sub(inst.Amount); err != nil {
			return allocation{}, apperrors.NewInvalidAmountError("%v", err)
		}
	}

	return allocation{installments: picked, unapplied: remaining}, nil
}

// CreatePayment records a payment against a PENDING billing order, allocates
// it to installments of the linked agreement and marks the order PAID, all in
// one transaction. A targeted payment smaller than its installment is still
// recorded; the refusal is returned in PaymentResult.Rejection.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentResult, error) {
	var (
		result    *PaymentResult
		agreement *financing.Agreement
		order     *billing.Order
	)

	err := s.inTx(ctx, "create_payment", func(ctx context.Context) error {
		now := s.now()
		var err error

		if order, err = s.repos.Orders.GetForUpdate(ctx, req.BillingOrderID); err != nil {
			return err
		}
		if order.Status != billing.OrderStatusPending {
			return apperrors.NewInvalidStateError("billing order %s is %s, payments require %s",
				order.ID, order.Status, billing.OrderStatusPending)
		}

		currency := order.Amount.Currency()
		if req.Currency != "" && !sameCurrency(req.Currency, currency) {
			return apperrors.NewInvalidAmountError("payment currency %s does not match order currency %s", req.Currency, currency)
		}
		amount, err := s.money(req.Amount.String(), currency, "payment amount")
		if err != nil {
			return err
		}
		p, err := payment.NewPayment(payment.NewPaymentParams{
			BillingOrderID: order.ID,
			Amount:         amount,
			Method:         req.Method,
			Reference:      req.Reference,
			Comment:        req.Comment,
			PaidAt:         now,
		})
		if err != nil {
			return err
		}

		plan := allocation{unapplied: values.Zero(currency)}
		switch {
		case order.AgreementID != nil:
			if agreement, err = s.repos.Agreements.GetForUpdate(ctx, *order.AgreementID); err != nil {
				return err
			}
			if err := agreement.CanAcceptPayments(); err != nil {
				return err
			}
			if req.TargetInstallmentID != nil {
				var target *financing.Installment
				if target, err = s.repos.Installments.GetByID(ctx, *req.TargetInstallmentID); err != nil {
					return err
				}
				plan, err = planTargeted(target, agreement.ID, amount)
			} else {
				plan, err = planOldestFirst(s.PendingInstallments(ctx, agreement.ID), amount)
			}
			if err != nil {
				return err
			}
		case req.TargetInstallmentID != nil:
			return apperrors.NewInvalidStateError("billing order %s is not linked to a financing agreement", order.ID)
		}

		p.UnappliedAmount = plan.unapplied
		if err := s.repos.Payments.Create(ctx, p); err != nil {
			return err
		}

		for _, inst := range plan.installments {
			if err := s.repos.Installments.ClaimPaid(ctx, inst.ID, p.ID, now); err != nil {
				return err
			}
			if err := inst.MarkPaid(p.ID, now); err != nil {
				return err
			}
			if err := agreement.ApplyToBalance(inst.Amount.Neg(), now); err != nil {
				return err
			}
		}
		if len(plan.installments) > 0 {
			if err := s.repos.Agreements.Update(ctx, agreement); err != nil {
				return err
			}
		}

		if err := order.MarkPaid(now); err != nil {
			return err
		}
		if err := s.repos.Orders.Update(ctx, order); err != nil {
			return err
		}

		view, err := s.viewOf(ctx, p, order, plan.installments)
		if err != nil {
			return err
		}
		result = &PaymentResult{
			Payment:   view,
			Allocated: plan.installments,
			Unapplied: plan.unapplied,
			Rejection: plan.rejection,
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("payment rolled back", zap.String("order_id", req.BillingOrderID.String()), zap.Error(err))
		return nil, err
	}

	s.afterPayment(ctx, result, order, agreement)
	return result, nil
}

func (s *Service) afterPayment(ctx context.Context, result *PaymentResult, order *billing.Order, agreement *financing.Agreement) {
	p := result.Payment
	fields := []zap.Field{
		zap.String("payment_id", p.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.String("amount", p.Amount.String()),
		zap.String("method", string(p.Method)),
		zap.Int("installments", len(result.Allocated)),
	}
	event := Event{
		Type:           EventPaymentRegistered,
		OwnerID:        order.OwnerID,
		AgreementID:    order.AgreementID,
		BillingOrderID: &order.ID,
		PaymentID:      &p.ID,
		Amount:         p.Amount.Amount().String(),
		Currency:       p.Amount.Currency(),
	}
	if agreement != nil {
		fields = append(fields, zap.String("balance", agreement.Balance.String()), zap.String("agreement_status", string(agreement.Status)))
		event.Balance = agreement.Balance.Amount().String()
	}
	s.logger.Info("payment registered", fields...)

	if result.Rejection != nil {
		s.metrics.RecordAllocationRejected(ctx, result.Rejection.Code)
		s.logger.Warn("targeted allocation refused", zap.String("payment_id", p.ID.String()), zap.String("reason", result.Rejection.Message))
	} else if result.Unapplied.IsPositive() {
		s.logger.Warn("payment left an unapplied remainder",
			zap.String("payment_id", p.ID.String()),
			zap.String("unapplied", result.Unapplied.String()),
		)
	}
	s.metrics.RecordPayment(ctx, string(p.Method), len(result.Allocated), result.Unapplied.IsPositive())
	s.publish(ctx, event)
}
