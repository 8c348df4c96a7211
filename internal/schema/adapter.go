// Package schema lets the lifecycle store run against databases that predate
// optional columns and constraint values. Every probe and every DDL attempt
// happens at most once per process per target.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"docflow.org/internal/obs"
)

var (
	identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	typeRe  = regexp.MustCompile(`^[A-Za-z0-9_ (),']+$`)
	quoted  = regexp.MustCompile(`'((?:[^']|'')*)'`)

	ErrInvalidIdentifier = errors.New("schema: invalid identifier")
	// ErrUnsupportedCheck is returned when the matching constraints are not a
	// plain list of allowed values over the column and cannot be widened.
	ErrUnsupportedCheck = errors.New("schema: check constraint is not a value list")

	// errProbe marks failures to read the catalog, as opposed to DDL failures.
	errProbe = errors.New("schema: catalog probe failed")
)

const defaultDDLTimeout = 15 * time.Second

type outcome struct {
	ok  bool
	err error
}

// Adapter probes and adapts the live schema. The zero value is not usable; use New.
type Adapter struct {
	db      *sql.DB
	timeout time.Duration

	group singleflight.Group
	mu    sync.Mutex
	memo  map[string]outcome
	caps  *Capabilities
}

// Option configures Adapter.
type Option func(*Adapter)

// WithDDLTimeout bounds each probe or DDL statement.
func WithDDLTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// New constructs an Adapter over db.
func New(db *sql.DB, opts ...Option) *Adapter {
	a := &Adapter{
		db:      db,
		timeout: defaultDDLTimeout,
		memo:    make(map[string]outcome),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ColumnExists reports whether table.column exists in the current schema.
// Query failures are logged and read as false.
func (a *Adapter) ColumnExists(ctx context.Context, table, column string) bool {
	if !identRe.MatchString(table) || !identRe.MatchString(column) {
		return false
	}
	ok, _ := a.columnExists(ctx, table, column)
	return ok
}

func (a *Adapter) columnExists(ctx context.Context, table, column string) (bool, error) {
	ok, err := a.once(ctx, columnKey(table, column), func(ctx context.Context) (bool, error) {
		return a.probeColumn(ctx, table, column)
	})
	if err != nil {
		obs.Warn("schema.column_probe_failed", map[string]any{"table": table, "column": column, "error": err})
		return false, err
	}
	return ok, nil
}

// EnsureColumn adds table.column with the given SQL type when it is missing.
func (a *Adapter) EnsureColumn(ctx context.Context, table, column, typ string) error {
	if !identRe.MatchString(table) || !identRe.MatchString(column) || !typeRe.MatchString(typ) {
		return fmt.Errorf("%w: %s.%s %s", ErrInvalidIdentifier, table, column, typ)
	}
	_, err := a.once(ctx, ensureKey(table, column), func(ctx context.Context) (bool, error) {
		exists, err := a.probeColumn(ctx, table, column)
		if err != nil {
			return false, err
		}
		if !exists {
			stmt := fmt.Sprintf("alter table %s add column if not exists %s %s",
				pgx.Identifier{table}.Sanitize(), pgx.Identifier{column}.Sanitize(), typ)
			_, err = a.db.ExecContext(ctx, stmt)
			obs.ObserveSchemaAdaptation("add_column", err)
			if err != nil {
				return false, fmt.Errorf("add column %s.%s: %w", table, column, err)
			}
			obs.Info("schema.column_added", map[string]any{"table": table, "column": column})
		}
		a.mu.Lock()
		a.memo[columnKey(table, column)] = outcome{ok: true}
		a.mu.Unlock()
		return true, nil
	})
	if err != nil {
		obs.Warn("schema.ensure_column_failed", map[string]any{"table": table, "column": column, "error": err})
	}
	return err
}

// EnsureCheckConstraintAllows widens the first CHECK constraint on table whose
// name matches the LIKE pattern and whose body is a value list over column
// (col IN (...) or col = ANY (ARRAY[...])), so that column accepts every
// required value. Values already allowed are kept; the constraint is never
// narrowed. A table without a matching constraint needs no change; matching
// constraints of any other shape yield ErrUnsupportedCheck.
func (a *Adapter) EnsureCheckConstraintAllows(ctx context.Context, table, column, pattern string, required []string) error {
	if !identRe.MatchString(table) || !identRe.MatchString(column) {
		return fmt.Errorf("%w: %s.%s", ErrInvalidIdentifier, table, column)
	}
	want := append([]string(nil), required...)
	sort.Strings(want)
	key := "check:" + table + "." + column + ":" + pattern + ":" + strings.Join(want, ",")
	_, err := a.once(ctx, key, func(ctx context.Context) (bool, error) {
		return true, a.widenCheck(ctx, table, column, pattern, required)
	})
	if err != nil {
		obs.Warn("schema.widen_check_failed", map[string]any{"table": table, "pattern": pattern, "error": err})
	}
	return err
}

func (a *Adapter) widenCheck(ctx context.Context, table, column, pattern string, required []string) error {
	rows, err := a.db.QueryContext(ctx, `
		select c.conname, pg_get_constraintdef(c.oid)
		from pg_constraint c
		join pg_class t on t.oid = c.conrelid
		join pg_namespace n on n.oid = t.relnamespace
		where n.nspname = current_schema() and t.relname = $1 and c.contype = 'c' and c.conname like $2
		order by c.conname
	`, table, pattern)
	if err != nil {
		return fmt.Errorf("inspect constraint %s on %s: %w", pattern, table, err)
	}
	var name, def string
	matched, found := 0, false
	for rows.Next() {
		var n, d string
		if err := rows.Scan(&n, &d); err != nil {
			_ = rows.Close()
			return fmt.Errorf("inspect constraint %s on %s: %w", pattern, table, err)
		}
		matched++
		if !found && isValueList(d, column) {
			name, def, found = n, d, true
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("inspect constraint %s on %s: %w", pattern, table, err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect constraint %s on %s: %w", pattern, table, err)
	}
	if matched == 0 {
		return nil
	}
	if !found {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedCheck, pattern, table)
	}

	allowed := CheckValues(def)
	missing := false
	for _, v := range required {
		if !contains(allowed, v) {
			allowed = append(allowed, v)
			missing = true
		}
	}
	if !missing {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ident := pgx.Identifier{name}.Sanitize()
	tbl := pgx.Identifier{table}.Sanitize()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("alter table %s drop constraint %s", tbl, ident)); err != nil {
		obs.ObserveSchemaAdaptation("widen_check", err)
		return fmt.Errorf("drop constraint %s: %w", name, err)
	}
	add := fmt.Sprintf("alter table %s add constraint %s check (%s in (%s))",
		tbl, ident, pgx.Identifier{column}.Sanitize(), quoteList(allowed))
	if _, err := tx.ExecContext(ctx, add); err != nil {
		obs.ObserveSchemaAdaptation("widen_check", err)
		return fmt.Errorf("recreate constraint %s: %w", name, err)
	}
	err = tx.Commit()
	obs.ObserveSchemaAdaptation("widen_check", err)
	if err == nil {
		obs.Info("schema.check_widened", map[string]any{"table": table, "constraint": name, "values": allowed})
	}
	return err
}

func (a *Adapter) probeColumn(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `
		select count(*)
		from information_schema.columns
		where table_schema = current_schema() and table_name = $1 and column_name = $2
	`, table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: query information_schema: %w", errProbe, err)
	}
	return n > 0, nil
}

// once runs fn at most once per key; concurrent callers share the in-flight
// result. Outcomes caused by context expiry are not memoized.
func (a *Adapter) once(ctx context.Context, key string, fn func(context.Context) (bool, error)) (bool, error) {
	a.mu.Lock()
	if o, ok := a.memo[key]; ok {
		a.mu.Unlock()
		return o.ok, o.err
	}
	a.mu.Unlock()

	v, err, _ := a.group.Do(key, func() (any, error) {
		a.mu.Lock()
		if o, ok := a.memo[key]; ok {
			a.mu.Unlock()
			return o.ok, o.err
		}
		a.mu.Unlock()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		ok, err := fn(runCtx)
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			a.mu.Lock()
			a.memo[key] = outcome{ok: ok, err: err}
			a.mu.Unlock()
		}
		return ok, err
	})
	ok, _ := v.(bool)
	return ok, err
}

// CheckValues extracts the quoted literals of a CHECK constraint definition,
// in order, without duplicates.
func CheckValues(def string) []string {
	var out []string
	for _, m := range quoted.FindAllStringSubmatch(def, -1) {
		v := strings.ReplaceAll(m[1], "''", "'")
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

const (
	checkLiteral = `'(?:[^']|'')*'(?:::[a-z ]+)?`
	checkList    = checkLiteral + `(?:\s*,\s*` + checkLiteral + `)*`
)

// isValueList reports whether def, as printed by pg_get_constraintdef, only
// restricts column to a list of literals.
func isValueList(def, column string) bool {
	body := strings.TrimSpace(def)
	if len(body) < 5 || !strings.EqualFold(body[:5], "check") {
		return false
	}
	body = strings.TrimSpace(body[5:])
	col := `\(*"?` + regexp.QuoteMeta(column) + `"?\)*(?:::[a-z ]+)?`
	re, err := regexp.Compile(`(?i)^\(*\s*` + col + `\s*(?:` +
		`in\s*\(\s*` + checkList + `\s*\)` +
		`|=\s*any\s*\(\s*\(?\s*array\s*\[\s*` + checkList + `\s*\]\s*\)?(?:::[a-z ]+(?:\[\])?)?\s*\)` +
		`)\s*\)*$`)
	if err != nil {
		return false
	}
	return re.MatchString(body) && len(CheckValues(body)) > 0
}

func quoteList(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return strings.Join(parts, ", ")
}

// forget drops memoized outcomes so the next caller probes again.
func (a *Adapter) forget(keys ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		delete(a.memo, k)
	}
}

func columnKey(table, column string) string {
	return "column:" + table + "." + column
}

func ensureKey(table, column string) string {
	return "ensure:" + table + "." + column
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
