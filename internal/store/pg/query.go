package pg

import (
	"context"
	"database/sql"
	"time"

	"docflow.org/internal/schema"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// colOr selects alias.column when the column exists, else the fallback expression.
func colOr(caps schema.Capabilities, table, alias, column, fallback string) string {
	if caps.Has(table, column) {
		return alias + "." + column
	}
	return fallback
}

func overrideCol(caps schema.Capabilities, table, alias string) string {
	return colOr(caps, table, alias, "override", "false")
}

func lockClause(lock bool, alias string) string {
	if lock {
		return " for update of " + alias
	}
	return ""
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
