package values

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in a single currency. Arithmetic between different
// currencies is rejected.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// Common currency codes (ISO 4217)
const (
	USD = "USD"
	EUR = "EUR"
	GBP = "GBP"
	MXN = "MXN"
	JPY = "JPY"
	CAD = "CAD"
)

var supportedCurrencies = map[string]int32{
	USD: 2, EUR: 2, GBP: 2, MXN: 2, CAD: 2,
	"AUD": 2, "CHF": 2, "CNY": 2, "SEK": 2, "NZD": 2,
	"COP": 2, "ARS": 2, "BRL": 2,
	JPY: 0, "KRW": 0, "CLP": 0,
	"BHD": 3, "KWD": 3, "OMR": 3,
}

// NewMoney creates a Money value. The currency code is normalized to upper case.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if err := ValidateCurrency(currency); err != nil {
		return Money{}, err
	}

	return Money{
		amount:   amount,
		currency: currency,
	}, nil
}

// NewMoneyFromString creates Money from a decimal string such as "1250.50".
func NewMoneyFromString(amount, currency string) (Money, error) {
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount: %w", err)
	}

	return NewMoney(dec, currency)
}

// NewMoneyFromMinor creates Money from an integer count of minor units
// (cents for USD, yen for JPY).
func NewMoneyFromMinor(minor int64, currency string) (Money, error) {
	currency = strings.ToUpper(currency)
	if err := ValidateCurrency(currency); err != nil {
		return Money{}, err
	}
	return NewMoney(decimal.New(minor, -MinorUnits(currency)), currency)
}

// MustNewMoney creates Money and panics on error (for constants/tests)
func MustNewMoney(amount decimal.Decimal, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// MustParseMoney parses a decimal string and panics on error (for tests)
func MustParseMoney(amount, currency string) Money {
	m, err := NewMoneyFromString(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero Money value in the given currency
func Zero(currency string) Money {
	return MustNewMoney(decimal.Zero, currency)
}

// Amount returns the decimal amount
func (m Money) Amount() decimal.Decimal {
	return m.amount
}

// Currency returns the currency code
func (m Money) Currency() string {
	return m.currency
}

// String renders the amount at the currency's precision followed by the code,
// e.g. "123.45 USD".
func (m Money) String() string {
	return m.amount.StringFixed(MinorUnits(m.currency)) + " " + m.currency
}

func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

func (m Money) IsPositive() bool {
	return m.amount.IsPositive()
}

func (m Money) IsNegative() bool {
	return m.amount.IsNegative()
}

// Equal checks if two Money values are equal (same amount and currency).
// Trailing zeros are ignored: 10.0 USD equals 10.00 USD.
func (m Money) Equal(other Money) bool {
	return m.amount.Equal(other.amount) && m.currency == other.currency
}

// Compare returns -1, 0, or 1 based on comparison with other Money.
// Panics if currencies don't match.
func (m Money) Compare(other Money) int {
	if m.currency != other.currency {
		panic(fmt.Sprintf("cannot compare different currencies: %s vs %s", m.currency, other.currency))
	}
	return m.amount.Cmp(other.amount)
}

// LessThan reports m < other. Panics if currencies don't match.
func (m Money) LessThan(other Money) bool {
	return m.Compare(other) < 0
}

// Add adds two Money values (must have same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("cannot add different currencies: %s and %s", m.currency, other.currency)
	}

	return Money{
		amount:   m.amount.Add(other.amount),
		currency: m.currency,
	}, nil
}

// Sub subtracts other Money from this Money (must have same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("cannot subtract different currencies: %s and %s", m.currency, other.currency)
	}

	return Money{
		amount:   m.amount.Sub(other.amount),
		currency: m.currency,
	}, nil
}

// Neg returns the additive inverse.
func (m Money) Neg() Money {
	return Money{amount: m.amount.Neg(), currency: m.currency}
}

// Mul multiplies Money by a decimal factor. The result is not rounded.
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{
		amount:   m.amount.Mul(factor),
		currency: m.currency,
	}
}

// RoundHalfUp rounds to the currency's minor unit, halves away from zero.
func (m Money) RoundHalfUp() Money {
	return Money{
		amount:   m.amount.Round(MinorUnits(m.currency)),
		currency: m.currency,
	}
}

// IsRounded reports whether the amount has no digits below the minor unit.
func (m Money) IsRounded() bool {
	return m.amount.Equal(m.amount.Round(MinorUnits(m.currency)))
}

// Sum adds a list of amounts in the given currency.
func Sum(currency string, items ...Money) (Money, error) {
	total := Zero(currency)
	for _, item := range items {
		var err error
		if total, err = total.Add(item); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

// JSON marshaling
func (m Money) MarshalJSON() ([]byte, error) {
	data := struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.amount.StringFixed(MinorUnits(m.currency)),
		Currency: m.currency,
	}
	return json.Marshal(data)
}

// JSON unmarshaling
func (m *Money) UnmarshalJSON(data []byte) error {
	var temp struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}

	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	money, err := NewMoneyFromString(temp.Amount, temp.Currency)
	if err != nil {
		return err
	}

	*m = money
	return nil
}

// MinorUnits returns the number of decimal places of a currency's minor unit.
// Unknown currencies default to 2.
func MinorUnits(currency string) int32 {
	if places, ok := supportedCurrencies[currency]; ok {
		return places
	}
	return 2
}

// ValidateCurrency checks an upper-case ISO 4217 code against the supported set.
func ValidateCurrency(currency string) error {
	if currency == "" {
		return fmt.Errorf("currency cannot be empty")
	}
	if len(currency) != 3 {
		return fmt.Errorf("currency code must be 3 characters")
	}
	if _, ok := supportedCurrencies[currency]; !ok {
		return fmt.Errorf("unsupported currency: %s", currency)
	}
	return nil
}
