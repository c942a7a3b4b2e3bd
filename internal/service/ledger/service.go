package ledger

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/owner"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

// Config holds service settings
type Config struct {
	DefaultCurrency string
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the financing ledger. Every mutating operation runs as one
// transaction through the TransactionManager.
type Service struct {
	repos     Repositories
	tx        TransactionManager
	publisher EventPublisher
	metrics   Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	config    Config
}

// NewService creates a ledger service
func NewService(repos Repositories, tx TransactionManager, logger *zap.Logger, config Config, opts ...Option) *Service {
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = values.USD
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repos:     repos,
		tx:        tx,
		publisher: noopPublisher{},
		metrics:   noopMetrics{},
		logger:    logger.Named("ledger"),
		tracer:    otel.Tracer("financing-ledger/service/ledger"),
		now:       func() time.Time { return time.Now().UTC() },
		config:    config,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateFinancingAgreement computes the installment schedule and persists the
// agreement and all installments atomically.
func (s *Service) CreateFinancingAgreement(ctx context.Context, req CreateAgreementRequest) (*FinancingDetail, error) {
	currency := s.currencyOrDefault(req.Currency)
	total, err := s.money(req.TotalAmount.String(), currency, "total amount")
	if err != nil {
		return nil, err
	}
	down, err := s.money(req.DownPayment.String(), currency, "down payment")
	if err != nil {
		return nil, err
	}

	agreement, installments, err := financing.NewAgreement(financing.NewAgreementParams{
		OwnerID:             req.OwnerID,
		QuoteRef:            req.QuoteRef,
		PlanRef:             req.PlanRef,
		TotalAmount:         total,
		DownPayment:         down,
		InstallmentCount:    req.InstallmentCount,
		InterestRatePercent: req.InterestRatePercent,
		StartDate:           req.StartDate,
	}, s.now())
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, "create_agreement", func(ctx context.Context) error {
		if err := s.repos.Agreements.Create(ctx, agreement); err != nil {
			return err
		}
		return s.repos.Installments.CreateBatch(ctx, installments)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("financing agreement created",
		zap.String("agreement_id", agreement.ID.String()),
		zap.String("owner_id", agreement.OwnerID.String()),
		zap.String("financed", agreement.Balance.String()),
		zap.Int("installments", len(installments)),
	)
	s.publish(ctx, Event{
		Type:        EventAgreementCreated,
		OwnerID:     agreement.OwnerID,
		AgreementID: &agreement.ID,
		Amount:      agreement.Balance.Amount().String(),
		Currency:    agreement.Currency(),
		Balance:     agreement.Balance.Amount().String(),
	})

	return buildDetail(agreement, installments)
}

// PendingInstallments yields the unpaid installments of an agreement, oldest
// sequence number first. Each iteration queries the store again, so the
// sequence can be ranged over more than once.
func (s *Service) PendingInstallments(ctx context.Context, agreementID uuid.UUID) iter.Seq2[*financing.Installment, error] {
	return func(yield func(*financing.Installment, error) bool) {
		pending, err := s.repos.Installments.ListPending(ctx, agreementID)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, inst := range pending {
			if !yield(inst, nil) {
				return
			}
		}
	}
}

// CancelAgreement cancels an agreement that has no paid installment.
func (s *Service) CancelAgreement(ctx context.Context, id uuid.UUID) (*financing.Agreement, error) {
	var agreement *financing.Agreement
	err := s.inTx(ctx, "cancel_agreement", func(ctx context.Context) error {
		var err error
		if agreement, err = s.repos.Agreements.GetForUpdate(ctx, id); err != nil {
			return err
		}
		installments, err := s.repos.Installments.ListByAgreement(ctx, id)
		if err != nil {
			return err
		}
		if err := agreement.Cancel(installments, s.now()); err != nil {
			return err
		}
		return s.repos.Agreements.Update(ctx, agreement)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("financing agreement cancelled", zap.String("agreement_id", id.String()))
	s.publish(ctx, Event{Type: EventAgreementCancelled, OwnerID: agreement.OwnerID, AgreementID: &agreement.ID})
	return agreement, nil
}

// MarkOverdue moves every ACTIVE agreement with an unpaid installment due
// before asOf to OVERDUE. Each agreement is updated in its own transaction;
// failures are collected and do not stop the sweep.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	candidates, err := s.repos.Agreements.ListOverdueCandidates(ctx, asOf)
	if err != nil {
		return nil, internalError("list overdue candidates", err)
	}

	var marked []uuid.UUID
	var errs []error
	for _, id := range candidates {
		var agreement *financing.Agreement
		changed := false
		err := s.inTx(ctx, "mark_overdue", func(ctx context.Context) error {
			var err error
			if agreement, err = s.repos.Agreements.GetForUpdate(ctx, id); err != nil {
				return err
			}
			if agreement.Status != financing.StatusActive {
				return nil
			}
			pending, err := s.repos.Installments.ListPending(ctx, id)
			if err != nil {
				return err
			}
			if len(pending) == 0 || !pending[0].IsOverdue(asOf) {
				return nil
			}
			if err := agreement.MarkOverdue(s.now()); err != nil {
				return err
			}
			changed = true
			return s.repos.Agreements.Update(ctx, agreement)
		})
		if err != nil {
			s.logger.Warn("failed to mark agreement overdue", zap.String("agreement_id", id.String()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if changed {
			marked = append(marked, id)
			s.publish(ctx, Event{Type: EventAgreementOverdue, OwnerID: agreement.OwnerID, AgreementID: &agreement.ID})
		}
	}

	s.logger.Info("overdue sweep finished", zap.Time("as_of", asOf), zap.Int("marked", len(marked)), zap.Int("failed", len(errs)))
	return marked, errors.Join(errs...)
}

// RegisterOwner stores or replaces the display name of an owner.
func (s *Service) RegisterOwner(ctx context.Context, id uuid.UUID, displayName string) (*owner.Owner, error) {
	o, err := owner.NewOwner(id, displayName, s.now())
	if err != nil {
		return nil, err
	}
	err = s.instrument(ctx, "register_owner", func(ctx context.Context) error {
		return s.repos.Owners.Upsert(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateBillingOrder creates a PENDING order. A linked agreement must exist,
// accept payments, belong to the same owner and use the same currency.
func (s *Service) CreateBillingOrder(ctx context.Context, req CreateBillingOrderRequest) (*billing.Order, error) {
	var order *billing.Order
	err := s.inTx(ctx, "create_billing_order", func(ctx context.Context) error {
		currency := req.Currency
		if req.AgreementID != nil {
			agreement, err := s.repos.Agreements.GetByID(ctx, *req.AgreementID)
			if err != nil {
				return err
			}
			if err := agreement.CanAcceptPayments(); err != nil {
				return err
			}
			if agreement.OwnerID != req.OwnerID {
				return apperrors.NewValidationError(apperrors.CodeInvalidInput,
					"billing order owner does not match the agreement owner")
			}
			if currency == "" {
				currency = agreement.Currency()
			}
			if !sameCurrency(currency, agreement.Currency()) {
				return apperrors.NewInvalidAmountError("order currency %s does not match agreement currency %s",
					currency, agreement.Currency())
			}
		}

		amount, err := s.money(req.Amount.String(), s.currencyOrDefault(currency), "order amount")
		if err != nil {
			return err
		}
		order, err = billing.NewOrder(billing.NewOrderParams{
			OwnerID:     req.OwnerID,
			AgreementID: req.AgreementID,
			PlanRef:     req.PlanRef,
			Amount:      amount,
			Concept:     req.Concept,
			IssueDate:   req.IssueDate,
		}, s.now())
		if err != nil {
			return err
		}
		return s.repos.Orders.Create(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("billing order created", zap.String("order_id", order.ID.String()), zap.String("amount", order.Amount.String()))
	s.publish(ctx, Event{
		Type:           EventOrderCreated,
		OwnerID:        order.OwnerID,
		AgreementID:    order.AgreementID,
		BillingOrderID: &order.ID,
		Amount:         order.Amount.Amount().String(),
		Currency:       order.Amount.Currency(),
	})
	return order, nil
}

// GetBillingOrder returns an order by id.
func (s *Service) GetBillingOrder(ctx context.Context, id uuid.UUID) (*billing.Order, error) {
	var order *billing.Order
	err := s.instrument(ctx, "get_billing_order", func(ctx context.Context) error {
		var err error
		order, err = s.repos.Orders.GetByID(ctx, id)
		return err
	})
	return order, err
}

// VoidBillingOrder voids a PENDING order.
func (s *Service) VoidBillingOrder(ctx context.Context, id uuid.UUID) (*billing.Order, error) {
	var order *billing.Order
	err := s.inTx(ctx, "void_billing_order", func(ctx context.Context) error {
		var err error
		if order, err = s.repos.Orders.GetForUpdate(ctx, id); err != nil {
			return err
		}
		if err := order.MarkVoided(s.now()); err != nil {
			return err
		}
		return s.repos.Orders.Update(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("billing order voided", zap.String("order_id", id.String()))
	s.publish(ctx, Event{Type: EventOrderVoided, OwnerID: order.OwnerID, AgreementID: order.AgreementID, BillingOrderID: &order.ID})
	return order, nil
}

// instrument wraps an operation in a span and records its outcome.
func (s *Service) instrument(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attribute.String("ledger.operation", op)))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		err = internalError(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			s.metrics.RecordConflict(ctx, op)
		}
	}
	s.metrics.ObserveOperation(ctx, op, time.Since(start), err)
	return err
}

// inTx runs fn in a transaction under instrument.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.instrument(ctx, op, func(ctx context.Context) error {
		return s.tx.ExecuteInTransaction(ctx, fn)
	})
}

func (s *Service) publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	s.publisher.Publish(ctx, e)
}

func (s *Service) currencyOrDefault(currency string) string {
	if currency == "" {
		return s.config.DefaultCurrency
	}
	return currency
}

// money builds a Money that must be representable in the currency's minor unit.
func (s *Service) money(amount, currency, field string) (values.Money, error) {
	m, err := values.NewMoneyFromString(amount, currency)
	if err != nil {
		return values.Money{}, apperrors.NewInvalidAmountError("%s: %v", field, err)
	}
	if !m.IsRounded() {
		return values.Money{}, apperrors.NewInvalidAmountError("%s %s has more precision than %s allows", field, amount, m.Currency())
	}
	return m, nil
}

// internalError passes AppErrors and context errors through and wraps anything
// else as INTERNAL_ERROR.
func internalError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.NewInternalError(op + " failed").WithCause(err)
}

func sameCurrency(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
