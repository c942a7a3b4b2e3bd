package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
	"github.com/davidleathers/financing-ledger-backend/internal/testutil/memstore"
)

// stepClock advances one second on every read so payment order is stable.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e ledger.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []ledger.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ledger.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type recordingMetrics struct {
	mu        sync.Mutex
	payments  int
	rejected  []string
	reversals int
	conflicts []string
}

func (m *recordingMetrics) RecordPayment(context.Context, string, int, bool) {
	m.mu.Lock()
	m.payments++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordAllocationRejected(_ context.Context, code string) {
	m.mu.Lock()
	m.rejected = append(m.rejected, code)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordReversal(context.Context, int) {
	m.mu.Lock()
	m.reversals++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordConflict(_ context.Context, op string) {
	m.mu.Lock()
	m.conflicts = append(m.conflicts, op)
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveOperation(context.Context, string, time.Duration, error) {}

type LedgerSuite struct {
	suite.Suite
	ctx       context.Context
	store     *memstore.Store
	publisher *recordingPublisher
	metrics   *recordingMetrics
	service   *ledger.Service
	ownerID   uuid.UUID
	start     time.Time
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memstore.New()
	s.publisher = &recordingPublisher{}
	s.metrics = &recordingMetrics{}
	s.start = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	clock := &stepClock{t: s.start}

	s.service = ledger.NewService(
		ledger.Repositories{
			Agreements:   s.store.Agreements(),
			Installments: s.store.Installments(),
			Orders:       s.store.Orders(),
			Payments:     s.store.Payments(),
			Owners:       s.store.Owners(),
		},
		s.store,
		zaptest.NewLogger(s.T()),
		ledger.Config{DefaultCurrency: values.USD},
		ledger.WithClock(clock.Now),
		ledger.WithPublisher(s.publisher),
		ledger.WithMetrics(s.metrics),
	)

	s.ownerID = uuid.New()
	_, err := s.service.RegisterOwner(s.ctx, s.ownerID, "Rex Alvarez")
	s.Require().NoError(err)
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func usd(v string) values.Money { return values.MustParseMoney(v, values.USD) }

// agreement creates the 10000 / 2000 / 4 installment agreement.
func (s *LedgerSuite) agreement() *ledger.FinancingDetail {
	d, err := s.service.CreateFinancingAgreement(s.ctx, ledger.CreateAgreementRequest{
		OwnerID:          s.ownerID,
		TotalAmount:      dec("10000"),
		DownPayment:      dec("2000"),
		InstallmentCount: 4,
		StartDate:        s.start,
	})
	s.Require().NoError(err)
	return d
}

func (s *LedgerSuite) order(agreementID *uuid.UUID, amount string) *billing.Order {
	o, err := s.service.CreateBillingOrder(s.ctx, ledger.CreateBillingOrderRequest{
		OwnerID:     s.ownerID,
		AgreementID: agreementID,
		Amount:      dec(amount),
		Concept:     "Installment payment",
	})
	s.Require().NoError(err)
	return o
}

func (s *LedgerSuite) pay(orderID uuid.UUID, amount string, target *uuid.UUID) (*ledger.PaymentResult, error) {
	return s.service.CreatePayment(s.ctx, ledger.CreatePaymentRequest{
		BillingOrderID:      orderID,
		Amount:              dec(amount),
		Method:              payment.MethodCash,
		TargetInstallmentID: target,
	})
}

func (s *LedgerSuite) detail(id uuid.UUID) *ledger.FinancingDetail {
	d, err := s.service.GetFinancingDetail(s.ctx, id)
	s.Require().NoError(err)
	return d
}

func (s *LedgerSuite) assertBalance(id uuid.UUID, want string, status financing.Status) {
	d := s.detail(id)
	s.True(usd(want).Equal(d.Agreement.Balance), "balance %s, want %s", d.Agreement.Balance, want)
	s.Equal(status, d.Agreement.Status)
}

// assertReconciled checks balance == financed principal - sum(paid installments).
func (s *LedgerSuite) assertReconciled(id uuid.UUID) {
	d := s.detail(id)
	var paid []values.Money
	for _, inst := range d.Installments {
		if inst.Paid {
			paid = append(paid, inst.Amount)
		}
	}
	sum, err := values.Sum(values.USD, paid...)
	s.Require().NoError(err)
	want, err := d.Agreement.FinancedPrincipal().Sub(sum)
	s.Require().NoError(err)
	s.True(want.Equal(d.Agreement.Balance), "balance %s, want %s", d.Agreement.Balance, want)
}

func (s *LedgerSuite) TestCreateFinancingAgreement() {
	d := s.agreement()

	s.Len(d.Installments, 4)
	for i, inst := range d.Installments {
		s.Equal(i+1, inst.SequenceNumber)
		s.True(usd("2000").Equal(inst.Amount))
		s.False(inst.Paid)
		s.Equal(financing.AddMonths(s.start, i+1), inst.DueDate)
	}
	s.True(usd("8000").Equal(d.Agreement.Balance))
	s.Equal(financing.StatusActive, d.Agreement.Status)
	s.True(usd("2000").Equal(d.TotalPaid))
	s.True(usd("8000").Equal(d.Outstanding))
	s.Equal(1, d.NextDue.SequenceNumber)
	s.Contains(s.publisher.types(), ledger.EventAgreementCreated)
}

func (s *LedgerSuite) TestCreateFinancingAgreement_Invalid() {
	tests := []struct {
		name string
		req  ledger.CreateAgreementRequest
		code string
	}{
		{"down equals total", ledger.CreateAgreementRequest{OwnerID: s.ownerID, TotalAmount: dec("100"), DownPayment: dec("100"), InstallmentCount: 2, StartDate: s.start}, apperrors.CodeInvalidAmount},
		{"zero installments", ledger.CreateAgreementRequest{OwnerID: s.ownerID, TotalAmount: dec("100"), InstallmentCount: 0, StartDate: s.start}, apperrors.CodeInvalidAmount},
		{"sub-cent total", ledger.CreateAgreementRequest{OwnerID: s.ownerID, TotalAmount: dec("100.001"), InstallmentCount: 2, StartDate: s.start}, apperrors.CodeInvalidAmount},
		{"missing owner", ledger.CreateAgreementRequest{TotalAmount: dec("100"), InstallmentCount: 2, StartDate: s.start}, apperrors.CodeInvalidInput},
		{"unknown currency", ledger.CreateAgreementRequest{OwnerID: s.ownerID, Currency: "XYZ", TotalAmount: dec("100"), InstallmentCount: 2, StartDate: s.start}, apperrors.CodeInvalidAmount},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.CreateFinancingAgreement(s.ctx, tt.req)
			s.True(apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

// TestWorkedExample follows one agreement through allocation and reversal.
func (s *LedgerSuite) TestWorkedExample() {
	d := s.agreement()
	id := d.Agreement.ID

	first := s.order(&id, "2000")
	res, err := s.pay(first.ID, "2000", nil)
	s.Require().NoError(err)
	s.Len(res.Allocated, 1)
	s.Equal(1, res.Allocated[0].SequenceNumber)
	s.True(res.Unapplied.IsZero())
	s.assertBalance(id, "6000", financing.StatusActive)

	paidOrder, err := s.service.GetBillingOrder(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(billing.OrderStatusPaid, paidOrder.Status)
	s.NotNil(paidOrder.PaidDate)

	second := s.order(&id, "5000")
	res, err = s.pay(second.ID, "5000", nil)
	s.Require().NoError(err)
	s.Equal([]int{2, 3}, res.Payment.InstallmentSequences)
	s.True(usd("1000").Equal(res.Unapplied))
	s.True(usd("1000").Equal(res.Payment.UnappliedAmount))
	s.assertBalance(id, "2000", financing.StatusActive)

	rev, err := s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.Require().NoError(err)
	s.Len(rev.Restored, 2)
	s.True(usd("4000").Equal(rev.RestoredAmount))
	s.Equal(payment.StatusReversed, rev.Payment.Status)
	s.assertBalance(id, "6000", financing.StatusActive)

	reopened, err := s.service.GetBillingOrder(s.ctx, second.ID)
	s.Require().NoError(err)
	s.Equal(billing.OrderStatusPending, reopened.Status)
	s.Nil(reopened.PaidDate)

	detail := s.detail(id)
	s.Equal(1, detail.PaidCount)
	s.Equal(2, detail.NextDue.SequenceNumber)
	s.assertReconciled(id)
}

func (s *LedgerSuite) TestPayoffAndReversalRecomputeStatus() {
	d := s.agreement()
	id := d.Agreement.ID

	o := s.order(&id, "8000")
	res, err := s.pay(o.ID, "8000", nil)
	s.Require().NoError(err)
	s.Len(res.Allocated, 4)
	s.assertBalance(id, "0", financing.StatusPaid)

	_, err = s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.Require().NoError(err)
	s.assertBalance(id, "8000", financing.StatusActive)
}

func (s *LedgerSuite) TestReversalRestoresPriorState() {
	d := s.agreement()
	id := d.Agreement.ID
	_, err := s.pay(s.order(&id, "2000").ID, "2000", nil)
	s.Require().NoError(err)

	before := s.detail(id)
	o := s.order(&id, "4000")
	res, err := s.pay(o.ID, "4000", nil)
	s.Require().NoError(err)
	_, err = s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.Require().NoError(err)
	after := s.detail(id)

	s.True(before.Agreement.Balance.Equal(after.Agreement.Balance))
	s.Equal(before.Agreement.Status, after.Agreement.Status)
	s.Require().Len(after.Installments, len(before.Installments))
	for i := range before.Installments {
		s.Equal(before.Installments[i].Paid, after.Installments[i].Paid)
		s.Equal(before.Installments[i].PaymentID, after.Installments[i].PaymentID)
	}
}

func (s *LedgerSuite) TestTargetedPayment() {
	d := s.agreement()
	id := d.Agreement.ID
	third := d.Installments[2]

	res, err := s.pay(s.order(&id, "2500").ID, "2500", &third.ID)
	s.Require().NoError(err)
	s.Nil(res.Rejection)
	s.Equal([]int{3}, res.Payment.InstallmentSequences)
	s.True(usd("500").Equal(res.Unapplied))
	s.assertBalance(id, "6000", financing.StatusActive)

	detail := s.detail(id)
	s.Equal(1, detail.NextDue.SequenceNumber)
	s.True(detail.Installments[2].Paid)
}

func (s *LedgerSuite) TestTargetedPayment_InsufficientAmount() {
	d := s.agreement()
	id := d.Agreement.ID
	o := s.order(&id, "1500")

	res, err := s.pay(o.ID, "1500", &d.Installments[0].ID)
	s.Require().NoError(err)
	s.Require().NotNil(res.Rejection)
	s.Equal(apperrors.CodeInsufficientAmount, res.Rejection.Code)
	s.Empty(res.Allocated)
	s.True(usd("1500").Equal(res.Payment.UnappliedAmount))
	s.assertBalance(id, "8000", financing.StatusActive)

	stored, err := s.service.GetBillingOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(billing.OrderStatusPaid, stored.Status)
	s.Equal([]string{apperrors.CodeInsufficientAmount}, s.metrics.rejected)
}

func (s *LedgerSuite) TestTargetedPayment_Refused() {
	d := s.agreement()
	id := d.Agreement.ID
	_, err := s.pay(s.order(&id, "2000").ID, "2000", &d.Installments[0].ID)
	s.Require().NoError(err)

	other := s.agreement()
	unlinked := s.order(nil, "2000")

	tests := []struct {
		name   string
		order  uuid.UUID
		target uuid.UUID
		code   string
	}{
		{"already paid", s.order(&id, "2000").ID, d.Installments[0].ID, apperrors.CodeInvalidState},
		{"installment of another agreement", s.order(&id, "2000").ID, other.Installments[0].ID, apperrors.CodeInvalidState},
		{"unknown installment", s.order(&id, "2000").ID, uuid.New(), apperrors.CodeNotFound},
		{"order not financed", unlinked.ID, d.Installments[1].ID, apperrors.CodeInvalidState},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.pay(tt.order, "2000", &tt.target)
			s.True(apperrors.HasCode(err, tt.code), "got %v", err)

			o, err := s.service.GetBillingOrder(s.ctx, tt.order)
			s.Require().NoError(err)
			s.Equal(billing.OrderStatusPending, o.Status)
		})
	}
	s.assertBalance(id, "6000", financing.StatusActive)
}

func (s *LedgerSuite) TestPayment_OrderNotPayable() {
	d := s.agreement()
	id := d.Agreement.ID

	paid := s.order(&id, "2000")
	_, err := s.pay(paid.ID, "2000", nil)
	s.Require().NoError(err)

	voided := s.order(&id, "2000")
	_, err = s.service.VoidBillingOrder(s.ctx, voided.ID)
	s.Require().NoError(err)

	tests := []struct {
		name  string
		order uuid.UUID
		code  string
	}{
		{"paid order", paid.ID, apperrors.CodeInvalidState},
		{"voided order", voided.ID, apperrors.CodeInvalidState},
		{"unknown order", uuid.New(), apperrors.CodeNotFound},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.pay(tt.order, "2000", nil)
			s.True(apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
	s.assertBalance(id, "6000", financing.StatusActive)
}

func (s *LedgerSuite) TestPayment_InvalidAmount() {
	o := s.order(nil, "100")

	for _, amount := range []string{"0", "-5", "10.001"} {
		s.Run(amount, func() {
			_, err := s.pay(o.ID, amount, nil)
			s.True(apperrors.HasCode(err, apperrors.CodeInvalidAmount), "got %v", err)
		})
	}

	_, err := s.service.CreatePayment(s.ctx, ledger.CreatePaymentRequest{
		BillingOrderID: o.ID,
		Amount:         dec("100"),
		Currency:       values.EUR,
		Method:         payment.MethodCard,
	})
	s.True(apperrors.HasCode(err, apperrors.CodeInvalidAmount))
}

func (s *LedgerSuite) TestPayment_UnfinancedOrder() {
	o := s.order(nil, "350")
	res, err := s.pay(o.ID, "350", nil)
	s.Require().NoError(err)
	s.Empty(res.Allocated)
	s.True(res.Unapplied.IsZero())
	s.Nil(res.Payment.AgreementID)
	s.Empty(res.Payment.FinancingReference)
}

func (s *LedgerSuite) TestPayment_CancelledAgreement() {
	d := s.agreement()
	id := d.Agreement.ID
	o := s.order(&id, "2000")

	_, err := s.service.CancelAgreement(s.ctx, id)
	s.Require().NoError(err)

	_, err = s.pay(o.ID, "2000", nil)
	s.True(apperrors.HasCode(err, apperrors.CodeInvalidState))

	_, err = s.service.CreateBillingOrder(s.ctx, ledger.CreateBillingOrderRequest{
		OwnerID: s.ownerID, AgreementID: &id, Amount: dec("10"), Concept: "late fee",
	})
	s.True(apperrors.HasCode(err, apperrors.CodeInvalidState))
}

func (s *LedgerSuite) TestPayment_RollsBackOnFailure() {
	d := s.agreement()
	id := d.Agreement.ID
	o := s.order(&id, "4000")

	s.store.FailOn("orders.Update", errors.New("connection reset"))
	_, err := s.pay(o.ID, "4000", nil)
	s.Require().Error(err)
	s.True(apperrors.HasCode(err, apperrors.CodeInternal))

	s.assertBalance(id, "8000", financing.StatusActive)
	s.Equal(0, s.detail(id).PaidCount)
	stored, err := s.service.GetBillingOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(billing.OrderStatusPending, stored.Status)
	views, err := s.service.ListPaymentsForOwner(s.ctx, s.ownerID)
	s.Require().NoError(err)
	s.Empty(views)
	s.NotContains(s.publisher.types(), ledger.EventPaymentRegistered)

	// the same request succeeds once the fault is gone
	_, err = s.pay(o.ID, "4000", nil)
	s.Require().NoError(err)
	s.assertBalance(id, "4000", financing.StatusActive)
}

func (s *LedgerSuite) TestReversal_RollsBackOnFailure() {
	d := s.agreement()
	id := d.Agreement.ID
	res, err := s.pay(s.order(&id, "4000").ID, "4000", nil)
	s.Require().NoError(err)

	s.store.FailOn("payments.Update", errors.New("disk full"))
	_, err = s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.Require().Error(err)

	s.assertBalance(id, "4000", financing.StatusActive)
	s.Equal(2, s.detail(id).PaidCount)
	view, err := s.service.GetPayment(s.ctx, res.Payment.ID)
	s.Require().NoError(err)
	s.Equal(payment.StatusRegistered, view.Status)
}

func (s *LedgerSuite) TestReversal_Errors() {
	d := s.agreement()
	id := d.Agreement.ID
	res, err := s.pay(s.order(&id, "2000").ID, "2000", nil)
	s.Require().NoError(err)

	_, err = s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.Require().NoError(err)

	_, err = s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.True(apperrors.HasCode(err, apperrors.CodeInvalidState))

	_, err = s.service.ReversePayment(s.ctx, uuid.New())
	s.True(apperrors.HasCode(err, apperrors.CodeNotFound))

	s.assertBalance(id, "8000", financing.StatusActive)
	s.Equal(1, s.metrics.reversals)
}

func (s *LedgerSuite) TestReversal_WithoutAllocations() {
	o := s.order(nil, "75")
	res, err := s.pay(o.ID, "75", nil)
	s.Require().NoError(err)

	rev, err := s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.Require().NoError(err)
	s.Empty(rev.Restored)
	s.True(rev.RestoredAmount.IsZero())

	stored, err := s.service.GetBillingOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(billing.OrderStatusPending, stored.Status)
}

func (s *LedgerSuite) TestClaimConflictRollsBack() {
	d := s.agreement()
	id := d.Agreement.ID
	o := s.order(&id, "2000")
	first := d.Installments[0]

	s.store.OnCall("installments.ClaimPaid", func() {
		s.store.ForceInstallmentPaid(first.ID, uuid.New(), s.start)
	})
	_, err := s.pay(o.ID, "2000", nil)
	s.Require().Error(err)
	s.True(apperrors.IsType(err, apperrors.ErrorTypeConflict))
	s.True(apperrors.IsRetryable(err))
	s.Equal([]string{"create_payment"}, s.metrics.conflicts)

	s.assertBalance(id, "8000", financing.StatusActive)
	stored, err := s.service.GetBillingOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(billing.OrderStatusPending, stored.Status)
}

func (s *LedgerSuite) TestRetryOnConflict_RecoversFromLostClaim() {
	d := s.agreement()
	id := d.Agreement.ID
	o := s.order(&id, "2000")

	s.store.OnCall("installments.ClaimPaid", func() {
		s.store.ForceInstallmentPaid(d.Installments[0].ID, uuid.New(), s.start)
	})

	var res *ledger.PaymentResult
	attempts := 0
	err := ledger.RetryOnConflict(s.ctx, 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		var err error
		res, err = s.service.CreatePayment(ctx, ledger.CreatePaymentRequest{
			BillingOrderID: o.ID, Amount: dec("2000"), Method: payment.MethodTransfer,
		})
		return err
	})
	s.Require().NoError(err)
	s.Equal(2, attempts)
	s.Equal([]int{1}, res.Payment.InstallmentSequences)
	s.assertBalance(id, "6000", financing.StatusActive)
}

func (s *LedgerSuite) TestConcurrentPayments_TargetSameInstallment() {
	d := s.agreement()
	id := d.Agreement.ID
	target := d.Installments[0].ID

	orders := []uuid.UUID{s.order(&id, "2000").ID, s.order(&id, "2000").ID}
	errs := make([]error, len(orders))
	var wg sync.WaitGroup
	for i, orderID := range orders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.pay(orderID, "2000", &target)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		s.True(apperrors.HasCode(err, apperrors.CodeInvalidState), "got %v", err)
	}
	s.Equal(1, succeeded)
	s.assertBalance(id, "6000", financing.StatusActive)
}

func (s *LedgerSuite) TestConcurrentPayments_LastInstallment() {
	d := s.agreement()
	id := d.Agreement.ID
	_, err := s.pay(s.order(&id, "6000").ID, "6000", nil)
	s.Require().NoError(err)

	const workers = 8
	results := make([]*ledger.PaymentResult, workers)
	errs := make([]error, workers)
	orders := make([]uuid.UUID, workers)
	for i := range orders {
		orders[i] = s.order(&id, "2000").ID
	}

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.pay(orders[i], "2000", nil)
		}()
	}
	wg.Wait()

	claimed := 0
	for i := range workers {
		s.Require().NoError(errs[i])
		switch len(results[i].Allocated) {
		case 1:
			claimed++
			s.Equal(4, results[i].Allocated[0].SequenceNumber)
		case 0:
			s.True(usd("2000").Equal(results[i].Unapplied))
		default:
			s.Failf("unexpected allocation", "%d installments", len(results[i].Allocated))
		}
	}
	s.Equal(1, claimed)
	s.assertBalance(id, "0", financing.StatusPaid)
	s.assertReconciled(id)
}

func (s *LedgerSuite) TestBalanceReconcilesAcrossOperations() {
	d := s.agreement()
	id := d.Agreement.ID

	steps := []struct {
		amount  string
		reverse bool
	}{
		{"2000", false},
		{"4500", true},
		{"1999", false},
		{"4000", false},
		{"2000", true},
		{"2000", false},
	}

	for _, step := range steps {
		res, err := s.pay(s.order(&id, step.amount).ID, step.amount, nil)
		s.Require().NoError(err)
		s.assertReconciled(id)
		if step.reverse {
			_, err := s.service.ReversePayment(s.ctx, res.Payment.ID)
			s.Require().NoError(err)
			s.assertReconciled(id)
		}
	}
	s.assertBalance(id, "0", financing.StatusPaid)
}

func (s *LedgerSuite) TestPayingOnPaidAgreementLeavesUnapplied() {
	d := s.agreement()
	id := d.Agreement.ID
	_, err := s.pay(s.order(&id, "8000").ID, "8000", nil)
	s.Require().NoError(err)

	res, err := s.pay(s.order(&id, "100").ID, "100", nil)
	s.Require().NoError(err)
	s.Empty(res.Allocated)
	s.True(usd("100").Equal(res.Unapplied))
	s.assertBalance(id, "0", financing.StatusPaid)
}

func (s *LedgerSuite) TestPendingInstallments() {
	d := s.agreement()
	id := d.Agreement.ID
	_, err := s.pay(s.order(&id, "2000").ID, "2000", &d.Installments[1].ID)
	s.Require().NoError(err)

	var seqs []int
	for inst, err := range s.service.PendingInstallments(s.ctx, id) {
		s.Require().NoError(err)
		seqs = append(seqs, inst.SequenceNumber)
	}
	s.Equal([]int{1, 3, 4}, seqs)
}

func (s *LedgerSuite) TestListPaymentsForOwner() {
	d := s.agreement()
	id := d.Agreement.ID
	first, err := s.pay(s.order(&id, "2000").ID, "2000", nil)
	s.Require().NoError(err)
	o := s.order(nil, "80")
	second, err := s.pay(o.ID, "80", nil)
	s.Require().NoError(err)

	views, err := s.service.ListPaymentsForOwner(s.ctx, s.ownerID)
	s.Require().NoError(err)
	s.Require().Len(views, 2)

	s.Equal(second.Payment.ID, views[0].ID)
	s.Equal(first.Payment.ID, views[1].ID)
	s.Equal("Rex Alvarez", views[1].OwnerName)
	s.Equal(d.Reference, views[1].FinancingReference)
	s.Equal([]int{1}, views[1].InstallmentSequences)
	s.Equal(o.Reference(), views[0].OrderReference)
	s.Equal("Installment payment", views[0].OrderConcept)

	none, err := s.service.ListPaymentsForOwner(s.ctx, uuid.New())
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *LedgerSuite) TestCreateBillingOrder_Validation() {
	d := s.agreement()
	id := d.Agreement.ID
	missing := uuid.New()

	tests := []struct {
		name string
		req  ledger.CreateBillingOrderRequest
		code string
	}{
		{"other owner", ledger.CreateBillingOrderRequest{OwnerID: uuid.New(), AgreementID: &id, Amount: dec("10"), Concept: "x"}, apperrors.CodeInvalidInput},
		{"other currency", ledger.CreateBillingOrderRequest{OwnerID: s.ownerID, AgreementID: &id, Currency: values.EUR, Amount: dec("10"), Concept: "x"}, apperrors.CodeInvalidAmount},
		{"unknown agreement", ledger.CreateBillingOrderRequest{OwnerID: s.ownerID, AgreementID: &missing, Amount: dec("10"), Concept: "x"}, apperrors.CodeNotFound},
		{"blank concept", ledger.CreateBillingOrderRequest{OwnerID: s.ownerID, Amount: dec("10"), Concept: "  "}, apperrors.CodeInvalidInput},
		{"zero amount", ledger.CreateBillingOrderRequest{OwnerID: s.ownerID, Amount: dec("0"), Concept: "x"}, apperrors.CodeInvalidAmount},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.CreateBillingOrder(s.ctx, tt.req)
			s.True(apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func (s *LedgerSuite) TestCancelAgreement() {
	d := s.agreement()
	id := d.Agreement.ID

	cancelled, err := s.service.CancelAgreement(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(financing.StatusCancelled, cancelled.Status)

	_, err = s.service.CancelAgreement(s.ctx, id)
	s.True(apperrors.HasCode(err, apperrors.CodeInvalidState))

	paid := s.agreement()
	paidID := paid.Agreement.ID
	_, err = s.pay(s.order(&paidID, "2000").ID, "2000", nil)
	s.Require().NoError(err)
	_, err = s.service.CancelAgreement(s.ctx, paidID)
	s.True(apperrors.HasCode(err, apperrors.CodeInvalidState))
}

func (s *LedgerSuite) TestMarkOverdue() {
	late := s.agreement()
	current := s.agreement()
	lateID, currentID := late.Agreement.ID, current.Agreement.ID

	_, err := s.pay(s.order(&currentID, "4000").ID, "4000", nil)
	s.Require().NoError(err)

	asOf := financing.AddMonths(s.start, 2).Add(24 * time.Hour)
	marked, err := s.service.MarkOverdue(s.ctx, asOf)
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{lateID}, marked)
	s.assertBalance(lateID, "8000", financing.StatusOverdue)
	s.assertBalance(currentID, "4000", financing.StatusActive)

	// a payment brings an overdue agreement back to ACTIVE
	_, err = s.pay(s.order(&lateID, "2000").ID, "2000", nil)
	s.Require().NoError(err)
	s.assertBalance(lateID, "6000", financing.StatusActive)
}

func (s *LedgerSuite) TestMarkOverdue_CollectsFailures() {
	d := s.agreement()
	s.store.FailOn("agreements.Update", errors.New("lock timeout"))

	marked, err := s.service.MarkOverdue(s.ctx, financing.AddMonths(s.start, 3))
	s.Error(err)
	s.Empty(marked)
	s.assertBalance(d.Agreement.ID, "8000", financing.StatusActive)
}

func (s *LedgerSuite) TestEventsFollowCommits() {
	d := s.agreement()
	id := d.Agreement.ID
	res, err := s.pay(s.order(&id, "2000").ID, "2000", nil)
	s.Require().NoError(err)
	_, err = s.service.ReversePayment(s.ctx, res.Payment.ID)
	s.Require().NoError(err)

	s.Equal([]ledger.EventType{
		ledger.EventAgreementCreated,
		ledger.EventOrderCreated,
		ledger.EventPaymentRegistered,
		ledger.EventPaymentReversed,
	}, s.publisher.types())

	last := s.publisher.events[len(s.publisher.events)-1]
	s.Equal("8000", last.Balance)
	s.Equal(values.USD, last.Currency)
	s.Equal(1, s.metrics.payments)
}

func TestInterestAgreementReachesPaidBeforeLastInstallment(t *testing.T) {
	store := memstore.New()
	svc := ledger.NewService(ledger.Repositories{
		Agreements:   store.Agreements(),
		Installments: store.Installments(),
		Orders:       store.Orders(),
		Payments:     store.Payments(),
		Owners:       store.Owners(),
	}, store, zaptest.NewLogger(t), ledger.Config{})
	ctx := context.Background()
	ownerID := uuid.New()

	d, err := svc.CreateFinancingAgreement(ctx, ledger.CreateAgreementRequest{
		OwnerID:             ownerID,
		TotalAmount:         dec("1000"),
		InstallmentCount:    2,
		InterestRatePercent: dec("10"),
		StartDate:           time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, usd("1000").Equal(d.Agreement.Balance))
	assert.True(t, usd("550").Equal(d.Installments[0].Amount))
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d.Installments[0].DueDate)

	id := d.Agreement.ID
	for range 2 {
		o, err := svc.CreateBillingOrder(ctx, ledger.CreateBillingOrderRequest{
			OwnerID: ownerID, AgreementID: &id, Amount: dec("550"), Concept: "installment",
		})
		require.NoError(t, err)
		_, err = svc.CreatePayment(ctx, ledger.CreatePaymentRequest{
			BillingOrderID: o.ID, Amount: dec("550"), Method: payment.MethodCard,
		})
		require.NoError(t, err)
	}

	detail, err := svc.GetFinancingDetail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, financing.StatusPaid, detail.Agreement.Status)
	assert.True(t, usd("-100").Equal(detail.Agreement.Balance))
	assert.Equal(t, 2, detail.PaidCount)
}
