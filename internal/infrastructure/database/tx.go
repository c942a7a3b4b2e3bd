package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// transactionKey is used to store the transaction in the context
type transactionKey struct{}

// TxManager runs ledger operations in SERIALIZABLE transactions.
type TxManager struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewTxManager creates a transaction manager over pool.
func NewTxManager(pool *pgxpool.Pool, logger *zap.Logger) *TxManager {
	return &TxManager{pool: pool, logger: logger}
}

// ExecuteInTransaction runs fn in a serializable transaction carried by the
// context. A call made with a context that already carries a transaction
// joins it. Serialization failures surface as retryable CONFLICT errors.
func (m *TxManager) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return MapError(err, "begin transaction")
	}

	if err := fn(context.WithValue(ctx, transactionKey{}, tx)); err != nil {
		m.logger.Debug("rolling back transaction due to error", zap.Error(err))
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			m.logger.Error("failed to rollback transaction", zap.Error(rbErr))
		}
		return MapError(err, "transaction")
	}

	if err := tx.Commit(ctx); err != nil {
		m.logger.Warn("failed to commit transaction", zap.Error(err))
		return MapError(err, "commit transaction")
	}
	return nil
}

// TxFromContext returns the transaction stored by ExecuteInTransaction.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(transactionKey{}).(pgx.Tx)
	return tx, ok
}

// Conn returns the context transaction, or pool when there is none.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pool
}

// Postgres error codes the ledger distinguishes.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
)

// MapError converts driver errors into AppErrors. AppErrors and context
// errors pass through unchanged.
func MapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return apperrors.NewConflictError(op + ": concurrent update, retry").WithCause(err)
		case codeUniqueViolation:
			dup := apperrors.NewConflictError(op+": duplicate "+pgErr.ConstraintName).
				WithCause(err).WithDetail("constraint", pgErr.ConstraintName)
			dup.Retryable = false
			return dup
		case codeForeignKeyViolation:
			return apperrors.NewNotFoundError("referenced row").
				WithCause(err).WithDetail("constraint", pgErr.ConstraintName)
		case codeCheckViolation:
			return apperrors.NewInvalidStateError("%s violates %s", op, pgErr.ConstraintName).WithCause(err)
		}
	}
	return apperrors.NewInternalError(op + " failed").WithCause(err)
}
