package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/values"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
)

// IsNotFound checks if the error indicates a record was not found
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || apperrors.IsType(err, apperrors.ErrorTypeNotFound)
}

// wrapError maps a driver error for operation op. pgx.ErrNoRows becomes a
// NOT_FOUND error for resource.
func wrapError(err error, op, resource string, id fmt.Stringer) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		e := apperrors.NewNotFoundError(resource)
		if id != nil {
			e = e.WithDetail("id", id.String())
		}
		return e
	}
	return database.MapError(err, op)
}

// moneyColumn rebuilds Money from a NUMERIC column and its currency column.
func moneyColumn(amount decimal.Decimal, currency string) (values.Money, error) {
	m, err := values.NewMoney(amount, currency)
	if err != nil {
		return values.Money{}, apperrors.NewInternalError("corrupt money column").WithCause(err)
	}
	return m, nil
}
