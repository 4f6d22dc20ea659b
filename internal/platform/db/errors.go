package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
)

// SQLSTATE codes the repositories care about.
const (
	codeUniqueViolation = "23505"
	codeRaiseException  = "P0001"
)

// Messages raised by the guard triggers in migrations.
const (
	ImmutabilityMessage = "immutable"
	LockedMessage       = "is locked"
)

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// IsIntegrityViolation reports whether err is an integrity constraint
// violation (SQLSTATE class 23) or an immutability trigger rejection.
func IsIntegrityViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if strings.HasPrefix(pgErr.Code, "23") {
		return true
	}
	return pgErr.Code == codeRaiseException && strings.Contains(pgErr.Message, ImmutabilityMessage)
}

// IsLockViolation reports whether err is the encounter lock trigger rejecting
// a write.
func IsLockViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeRaiseException &&
		strings.Contains(pgErr.Message, LockedMessage)
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// MapError converts storage integrity failures into apperr integrity errors
// and lock trigger rejections into forbidden errors. Other errors pass through
// unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if IsLockViolation(err) {
		return apperr.Forbidden("encounter is locked")
	}
	if IsIntegrityViolation(err) {
		return apperr.Integrity("database-level immutability violation", err)
	}
	return err
}
