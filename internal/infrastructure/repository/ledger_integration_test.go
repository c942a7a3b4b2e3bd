package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/repository"
	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
	"github.com/davidleathers/financing-ledger-backend/internal/testutil/containers"
)

type PostgresLedgerSuite struct {
	suite.Suite
	ctx     context.Context
	pool    *pgxpool.Pool
	service *ledger.Service
	ownerID uuid.UUID
}

func TestPostgresLedgerSuite(t *testing.T) {
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pool = containers.MigratedPool(s.T())
}

func (s *PostgresLedgerSuite) SetupTest() {
	containers.Truncate(s.T(), s.pool)
	logger := zaptest.NewLogger(s.T())
	s.service = ledger.NewService(
		repository.NewRepositories(s.pool),
		database.NewTxManager(s.pool, logger),
		logger,
		ledger.Config{DefaultCurrency: values.USD},
	)
	s.ownerID = uuid.New()
	_, err := s.service.RegisterOwner(s.ctx, s.ownerID, "Mina Okafor")
	s.Require().NoError(err)
}

func (s *PostgresLedgerSuite) agreement() *ledger.FinancingDetail {
	d, err := s.service.CreateFinancingAgreement(s.ctx, ledger.CreateAgreementRequest{
		OwnerID:          s.ownerID,
		TotalAmount:      decimal.RequireFromString("10000"),
		DownPayment:      decimal.RequireFromString("2000"),
		InstallmentCount: 4,
		StartDate:        time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	s.Require().NoError(err)
	return d
}

func (s *PostgresLedgerSuite) order(agreementID uuid.UUID, amount string) uuid.UUID {
	o, err := s.service.CreateBillingOrder(s.ctx, ledger.CreateBillingOrderRequest{
		OwnerID: s.ownerID, AgreementID: &agreementID, Amount: decimal.RequireFromString(amount), Concept: "installment",
	})
	s.Require().NoError(err)
	return o.ID
}

func (s *PostgresLedgerSuite) pay(ctx context.Context, orderID uuid.UUID, amount string) (*ledger.PaymentResult, error) {
	return s.service.CreatePayment(ctx, ledger.CreatePaymentRequest{
		BillingOrderID: orderID, Amount: decimal.RequireFromString(amount), Method: payment.MethodTransfer,
	})
}

func (s *PostgresLedgerSuite) TestRoundTripsSchedule() {
	d := s.agreement()

	stored, err := s.service.GetFinancingDetail(s.ctx, d.Agreement.ID)
	s.Require().NoError(err)
	s.Require().Len(stored.Installments, 4)
	s.Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), stored.Installments[0].DueDate)
	s.True(values.MustParseMoney("2000", values.USD).Equal(stored.Installments[3].Amount))
	s.True(values.MustParseMoney("8000", values.USD).Equal(stored.Agreement.Balance))
	s.Equal(d.Reference, stored.Reference)
}

func (s *PostgresLedgerSuite) TestAllocateAndReverse() {
	d := s.agreement()
	id := d.Agreement.ID

	_, err := s.pay(s.ctx, s.order(id, "2000"), "2000")
	s.Require().NoError(err)
	res, err := s.pay(s.ctx, s.order(id, "5000"), "5000")
	s.Require().NoError(err)
	s.Equal([]int{2, 3}, res.Payment.InstallmentSequences)
	s.True(values.MustParseMoney("1000", values.USD).Equal(res.Payment.UnappliedAmount))

	detail, err := s.service.GetFinancingDetail(s.ctx, id)
	s.Require().NoError(err)
	s.True(values.MustParseMoney("2000", values.USD).Equal(detail.Agreement.Balance))

	_, err = s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.Require().NoError(err)

	detail, err = s.service.GetFinancingDetail(s.ctx, id)
	s.Require().NoError(err)
	s.True(values.MustParseMoney("6000", values.USD).Equal(detail.Agreement.Balance))
	s.Equal(1, detail.PaidCount)

	order, err := s.service.GetBillingOrder(s.ctx, res.Payment.BillingOrderID)
	s.Require().NoError(err)
	s.Equal(billing.OrderStatusPending, order.Status)

	views, err := s.service.ListPaymentsForOwner(s.ctx, s.ownerID)
	s.Require().NoError(err)
	s.Require().Len(views, 2)
	s.Equal(payment.StatusReversed, views[0].Status)
	s.Equal("Mina Okafor", views[0].OwnerName)
}

func (s *PostgresLedgerSuite) TestMissingRowsAreNotFound() {
	_, err := s.service.GetFinancingDetail(s.ctx, uuid.New())
	s.True(apperrors.HasCode(err, apperrors.CodeNotFound))

	_, err = s.service.ReversePayment(s.ctx, uuid.New())
	s.True(apperrors.HasCode(err, apperrors.CodeNotFound))
}

// Serializable transactions plus the conditional claim let exactly one of
// many concurrent payments take the last installment.
func (s *PostgresLedgerSuite) TestConcurrentClaimsOnLastInstallment() {
	d := s.agreement()
	id := d.Agreement.ID
	_, err := s.pay(s.ctx, s.order(id, "6000"), "6000")
	s.Require().NoError(err)

	const workers = 6
	orders := make([]uuid.UUID, workers)
	for i := range orders {
		orders[i] = s.order(id, "2000")
	}

	results := make([]*ledger.PaymentResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = ledger.RetryOnConflict(s.ctx, 10, 5*time.Millisecond, func(ctx context.Context) error {
				var err error
				results[i], err = s.pay(ctx, orders[i], "2000")
				return err
			})
		}()
	}
	wg.Wait()

	claimed := 0
	for i := range workers {
		if errs[i] != nil {
			s.True(apperrors.HasCode(errs[i], apperrors.CodeInvalidState), "got %v", errs[i])
			continue
		}
		claimed += len(results[i].Allocated)
	}
	s.Equal(1, claimed)

	detail, err := s.service.GetFinancingDetail(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(4, detail.PaidCount)
	s.True(detail.Agreement.Balance.IsZero())
	s.Equal(financing.StatusPaid, detail.Agreement.Status)
}

func (s *PostgresLedgerSuite) TestMarkOverdue() {
	d := s.agreement()

	marked, err := s.service.MarkOverdue(s.ctx, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{d.Agreement.ID}, marked)

	detail, err := s.service.GetFinancingDetail(s.ctx, d.Agreement.ID)
	s.Require().NoError(err)
	s.Equal(financing.StatusOverdue, detail.Agreement.Status)
}
