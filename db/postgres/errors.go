package postgres

import (
	"context"
	stderrors "errors"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sqlStateSerialization = "40001"
	sqlStateDeadlock      = "40P01"
	sqlStateLockTimeout   = "55P03"
	sqlStateCheck         = "23514"
	sqlStateUnique        = "23505"
	sqlStateForeignKey    = "23503"

	balanceConstraint = "accounts_balance_non_negative"
)

// translate maps driver errors onto the domain error codes. AppErrors,
// ErrStageConflict and context errors pass through untouched.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.IsAppError(err) ||
		stderrors.Is(err, providers.ErrStageConflict) ||
		stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerialization, sqlStateDeadlock, sqlStateLockTimeout:
			return errors.WrapWithDebug(err, errors.ErrTransientContention, "concurrent update, retry", op)
		case sqlStateCheck:
			if pgErr.ConstraintName == balanceConstraint {
				return errors.WrapWithDebug(err, errors.ErrInsufficientBalance, "insufficient balance", op)
			}
		case sqlStateUnique:
			return errors.WrapWithDebug(err, errors.ErrConflict, "record already exists", pgErr.ConstraintName)
		case sqlStateForeignKey:
			return errors.WrapWithDebug(err, errors.ErrAccountNotFound, "account not found", op)
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return errors.WrapWithDebug(err, errors.ErrTransientContention, "database temporarily unavailable", op)
	}
	return errors.WrapWithDebug(err, errors.ErrPersistenceFailure, "database operation failed", op)
}
