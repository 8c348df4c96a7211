package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"docflow.org/internal/lifecycle"
)

const (
	pgErrCheckViolation      = "23514"
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"
	pgErrUndefinedColumn     = "42703"
)

type errClass int

const (
	classOther errClass = iota
	classCheck
	classUnique
	classForeignKey
	classTransient
	classUndefinedColumn
)

func (c errClass) String() string {
	switch c {
	case classCheck:
		return "check_violation"
	case classUnique:
		return "unique_violation"
	case classForeignKey:
		return "foreign_key_violation"
	case classTransient:
		return "transient"
	case classUndefinedColumn:
		return "undefined_column"
	default:
		return "other"
	}
}

// dbError is a classified driver error. It matches lifecycle.ErrStore and the
// original driver error under errors.Is/As.
type dbError struct {
	class      errClass
	constraint string
	op         string
	err        error
}

func (e *dbError) Error() string {
	if e.constraint != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.op, e.class, e.constraint, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.op, e.class, e.err)
}

func (e *dbError) Unwrap() []error { return []error{lifecycle.ErrStore, e.err} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// classify wraps a driver error. Domain errors and already classified errors
// pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *dbError
	if errors.As(err, &de) || isDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	out := &dbError{class: classOther, op: op, err: err}
	if pgErr, ok := maybePgError(err); ok {
		out.constraint = pgErr.ConstraintName
		switch pgErr.Code {
		case pgErrCheckViolation:
			out.class = classCheck
		case pgErrUniqueViolation:
			out.class = classUnique
		case pgErrForeignKeyViolation:
			out.class = classForeignKey
		case pgErrSerialization, pgErrDeadlock:
			out.class = classTransient
		case pgErrUndefinedColumn:
			out.class = classUndefinedColumn
		}
		return out
	}
	if errors.Is(err, driver.ErrBadConn) || isConnectionBlip(err) {
		out.class = classTransient
	}
	return out
}

func classOf(err error) errClass {
	var de *dbError
	if errors.As(err, &de) {
		return de.class
	}
	return classOther
}

func isCheckViolation(err error) bool { return classOf(err) == classCheck }

func isTransient(err error) bool { return classOf(err) == classTransient }

func isDomainError(err error) bool {
	return errors.Is(err, lifecycle.ErrNotFound) ||
		errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, lifecycle.ErrPreconditionFailed) ||
		errors.Is(err, lifecycle.ErrInvalidInput) ||
		errors.Is(err, lifecycle.ErrSchemaIncompatible)
}

func isConnectionBlip(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"broken pipe", "connection reset", "connection refused", "unexpected eof", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
