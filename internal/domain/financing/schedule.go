package financing

import (
	"time"

	"github.com/jinzhu/now"
	"github.com/shopspring/decimal"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
)

var hundred = decimal.NewFromInt(100)

// ScheduleInput holds the terms an installment schedule is computed from.
type ScheduleInput struct {
	TotalAmount         values.Money
	DownPayment         values.Money
	InstallmentCount    int
	InterestRatePercent decimal.Decimal
	StartDate           time.Time
}

// ScheduledInstallment is one row of a computed schedule.
type ScheduledInstallment struct {
	SequenceNumber int
	Amount         values.Money
	DueDate        time.Time
}

// Schedule is the immutable output of CalculateSchedule.
type Schedule struct {
	FinancedPrincipal     values.Money
	PrincipalWithInterest values.Money // rounded to the minor unit
	Installments          []ScheduledInstallment
}

// CalculateSchedule splits the financed principal plus simple interest into
// installmentCount installments. Every installment is rounded half-up to the
// currency minor unit and the last one absorbs the rounding remainder, so the
// installments always sum to the rounded principal with interest.
func CalculateSchedule(in ScheduleInput) (Schedule, error) {
	if in.TotalAmount.Currency() != in.DownPayment.Currency() {
		return Schedule{}, apperrors.NewInvalidAmountError("down payment currency %s does not match total currency %s",
			in.DownPayment.Currency(), in.TotalAmount.Currency())
	}
	if in.TotalAmount.IsNegative() {
		return Schedule{}, apperrors.NewInvalidAmountError("total amount must not be negative")
	}
	if in.DownPayment.IsNegative() {
		return Schedule{}, apperrors.NewInvalidAmountError("down payment must not be negative")
	}
	if in.TotalAmount.LessThan(in.DownPayment) {
		return Schedule{}, apperrors.NewInvalidAmountError("down payment %s exceeds total amount %s", in.DownPayment, in.TotalAmount)
	}
	if in.InstallmentCount < 1 {
		return Schedule{}, apperrors.NewInvalidAmountError("installment count must be at least 1, got %d", in.InstallmentCount)
	}
	if in.InterestRatePercent.IsNegative() {
		return Schedule{}, apperrors.NewInvalidAmountError("interest rate must not be negative")
	}
	if in.StartDate.IsZero() {
		return Schedule{}, apperrors.NewInvalidAmountError("start date is required")
	}

	principal, err := in.TotalAmount.Sub(in.DownPayment)
	if err != nil {
		return Schedule{}, apperrors.NewInvalidAmountError("%v", err)
	}
	if !principal.IsPositive() {
		return Schedule{}, apperrors.NewInvalidAmountError("financed principal must be positive, got %s", principal)
	}

	factor := decimal.NewFromInt(1).Add(in.InterestRatePercent.Div(hundred))
	target := principal.Mul(factor).RoundHalfUp()

	amounts, err := splitEvenly(target, in.InstallmentCount)
	if err != nil {
		return Schedule{}, err
	}

	installments := make([]ScheduledInstallment, in.InstallmentCount)
	for i := range installments {
		seq := i + 1
		installments[i] = ScheduledInstallment{
			SequenceNumber: seq,
			Amount:         amounts[i],
			DueDate:        AddMonths(in.StartDate, seq),
		}
	}

	return Schedule{
		FinancedPrincipal:     principal,
		PrincipalWithInterest: target,
		Installments:          installments,
	}, nil
}

// splitEvenly divides an already rounded total into n parts of equal rounded
// size with the remainder on the last part. When half-up rounding of the
// per-part amount would leave nothing for the last part, parts are truncated
// instead.
func splitEvenly(total values.Money, n int) ([]values.Money, error) {
	places := values.MinorUnits(total.Currency())
	count := decimal.NewFromInt(int64(n))
	raw := total.Amount().Div(count)

	per := raw.Round(places)
	if per.Mul(decimal.NewFromInt(int64(n - 1))).GreaterThanOrEqual(total.Amount()) {
		per = raw.Truncate(places)
	}
	if !per.IsPositive() {
		return nil, apperrors.NewInvalidAmountError("amount %s is too small to split into %d installments", total, n)
	}

	out := make([]values.Money, n)
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		out[i] = values.MustNewMoney(per, total.Currency())
		allocated = allocated.Add(per)
	}
	out[n-1] = values.MustNewMoney(total.Amount().Sub(allocated), total.Currency())
	return out, nil
}

// AddMonths moves t forward by the given number of calendar months, keeping
// the day of month and clamping it to the last day of shorter months.
// Jan 31 + 1 month is Feb 28 (or 29), Jan 31 + 2 months is Mar 31.
func AddMonths(t time.Time, months int) time.Time {
	first := now.With(t).BeginningOfMonth().AddDate(0, months, 0)
	lastDay := now.With(first).EndOfMonth().Day()

	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
