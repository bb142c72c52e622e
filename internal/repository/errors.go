package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

const pgUniqueViolation = "23505"

// wrapDBError classifies a driver error. Connection failures and timeouts
// become UNAVAILABLE so callers can retry; everything else is internal.
func wrapDBError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if stderrors.As(err, &connErr) || pgconn.Timeout(err) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrCodeUnavailable, msg)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, msg)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

type rowScanner interface {
	Scan(dest ...any) error
}
