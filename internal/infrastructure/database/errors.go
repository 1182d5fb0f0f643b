package database

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// PostgreSQL error codes the repositories react to.
const (
	codeUniqueViolation       = "23505"
	codeInsufficientPrivilege = "42501"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsDuplicateKeyViolation checks if the error is a unique constraint violation
func IsDuplicateKeyViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// IsNotFound checks if the error indicates no row was found
func IsNotFound(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

// wrapError maps driver errors onto the domain taxonomy. Domain errors pass
// through unchanged; everything else is a retryable storage error.
func wrapError(err error, code, message string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if pgCode(err) == codeInsufficientPrivilege {
		return errors.NewImmutableError("audit record").WithCause(err)
	}
	return errors.NewStorageError(code, message).WithCause(err)
}
