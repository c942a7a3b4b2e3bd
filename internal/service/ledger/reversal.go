package ledger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// ReversePayment undoes a REGISTERED payment in one transaction: every
// installment it holds is released, the agreement balance is restored and its
// status recomputed with the same rule as allocation, the billing order goes
// back to PENDING and the payment becomes REVERSED.
func (s *Service) ReversePayment(ctx context.Context, paymentID uuid.UUID) (*ReversalResult, error) {
	var (
		result    *ReversalResult
		order     *billing.Order
		agreement *financing.Agreement
	)

	err := s.inTx(ctx, "reverse_payment", func(ctx context.Context) error {
		now := s.now()

		p, err := s.repos.Payments.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := p.Reverse(now); err != nil {
			return err
		}
		if order, err = s.repos.Orders.GetForUpdate(ctx, p.BillingOrderID); err != nil {
			return err
		}

		held, err := s.repos.Installments.ListByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		restored := values.Zero(p.Amount.Currency())
		for _, inst := range held {
			if err := s.repos.Installments.Release(ctx, inst.ID, p.ID); err != nil {
				return err
			}
			if err := inst.Unmark(p.ID); err != nil {
				return err
			}
			if restored, err = restored.Add(inst.Amount); err != nil {
				return err
			}
		}

		if len(held) > 0 && order.AgreementID != nil {
			if agreement, err = s.repos.Agreements.GetForUpdate(ctx, *order.AgreementID); err != nil {
				return err
			}
			if err := agreement.ApplyToBalance(restored, now); err != nil {
				return err
			}
			if err := s.repos.Agreements.Update(ctx, agreement); err != nil {
				return err
			}
		}

		if err := order.MarkPending(now); err != nil {
			return err
		}
		if err := s.repos.Orders.Update(ctx, order); err != nil {
			return err
		}
		if err := s.repos.Payments.Update(ctx, p); err != nil {
			return err
		}

		view, err := s.viewOf(ctx, p, order, nil)
		if err != nil {
			return err
		}
		result = &ReversalResult{Payment: view, Restored: held, RestoredAmount: restored}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("payment_id", paymentID.String()),
		zap.String("order_id", order.ID.String()),
		zap.Int("installments_restored", len(result.Restored)),
		zap.String("restored", result.RestoredAmount.String()),
	}
	event := Event{
		Type:           EventPaymentReversed,
		OwnerID:        order.OwnerID,
		AgreementID:    order.AgreementID,
		BillingOrderID: &order.ID,
		PaymentID:      &paymentID,
		Amount:         result.Payment.Amount.Amount().String(),
		Currency:       result.Payment.Amount.Currency(),
	}
	if agreement != nil {
		fields = append(fields, zap.String("balance", agreement.Balance.String()), zap.String("agreement_status", string(agreement.Status)))
		event.Balance = agreement.Balance.Amount().String()
	}
	s.logger.Info("payment reversed", fields...)
	s.metrics.RecordReversal(ctx, len(result.Restored))
	s.publish(ctx, event)

	return result, nil
}
