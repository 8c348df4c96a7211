package schema

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const columnProbe = "select count\\(\\*\\)\\s+from information_schema.columns"

func newAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestColumnExistsIsMemoized(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery(columnProbe).WithArgs("approvals", "override").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ctx := context.Background()
	assert.True(t, a.ColumnExists(ctx, "approvals", "override"))
	assert.True(t, a.ColumnExists(ctx, "approvals", "override"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestColumnExistsFailsOpenToFalse(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery(columnProbe).WithArgs("records", "recorded_at").
		WillReturnError(errors.New("permission denied for information_schema"))

	assert.False(t, a.ColumnExists(context.Background(), "records", "recorded_at"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestColumnExistsRejectsBadIdentifiers(t *testing.T) {
	a, mock := newAdapter(t)
	assert.False(t, a.ColumnExists(context.Background(), "releases; drop table x", "id"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureColumnAddsOnceUnderConcurrency(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery(columnProbe).WithArgs("releases", "override").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`alter table "releases" add column if not exists "override" boolean not null default false`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.EnsureColumn(context.Background(), "releases", "override", "boolean not null default false")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	// the column probe is satisfied by the ensure outcome
	assert.True(t, a.ColumnExists(context.Background(), "releases", "override"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureColumnSkipsDDLWhenPresent(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery(columnProbe).WithArgs("approvals", "forwarded_at").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, a.EnsureColumn(context.Background(), "approvals", "forwarded_at", "timestamptz"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureColumnFailureIsMemoized(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery(columnProbe).WithArgs("responses", "override").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("alter table").WillReturnError(errors.New("must be owner of table responses"))

	ctx := context.Background()
	first := a.EnsureColumn(ctx, "responses", "override", "boolean not null default false")
	second := a.EnsureColumn(ctx, "responses", "override", "boolean not null default false")
	require.Error(t, first)
	assert.Equal(t, first, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCheckConstraintAllowsWidens(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery("from pg_constraint").WithArgs("submissions", "%status%").
		WillReturnRows(sqlmock.NewRows([]string{"conname", "def"}).
			AddRow("submissions_status_check", "CHECK ((status = ANY (ARRAY['pending'::text, 'approved'::text, 'archived'::text])))"))
	mock.ExpectBegin()
	mock.ExpectExec(`alter table "submissions" drop constraint "submissions_status_check"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`alter table "submissions" add constraint "submissions_status_check" check \("status" in \('pending', 'approved', 'archived', 'revise'\)\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := a.EnsureCheckConstraintAllows(context.Background(), "submissions", "status", "%status%", []string{"pending", "approved", "revise"})
	require.NoError(t, err)
	// memoized: no further statements
	err = a.EnsureCheckConstraintAllows(context.Background(), "submissions", "status", "%status%", []string{"revise", "approved", "pending"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCheckConstraintAllowsNoop(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery("from pg_constraint").WithArgs("submissions", "%status%").
		WillReturnRows(sqlmock.NewRows([]string{"conname", "def"}).
			AddRow("submissions_status_check", "CHECK (status IN ('pending','approved','revise'))"))

	err := a.EnsureCheckConstraintAllows(context.Background(), "submissions", "status", "%status%", []string{"revise"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckValues(t *testing.T) {
	got := CheckValues(`CHECK ((status = ANY (ARRAY['pending'::text, 'it''s'::text, 'pending'::text])))`)
	assert.Equal(t, []string{"pending", "it's"}, got)
}

func TestCapabilitiesSnapshot(t *testing.T) {
	a, mock := newAdapter(t)
	mock.MatchExpectationsInOrder(false)
	for _, col := range OptionalColumns {
		mock.ExpectQuery(columnProbe).WithArgs(col.Table, col.Name).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	}
	mock.ExpectQuery(columnProbe).WithArgs("submissions", "status").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	present := map[string]bool{"id": true, "record_id": true, "department": true, "division": true, "priority": true, "mark": true}
	for _, col := range ReleaseCandidates {
		n := 0
		if present[col] {
			n = 1
		}
		mock.ExpectQuery(columnProbe).WithArgs("releases", col).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
	}

	ctx := context.Background()
	caps := a.Capabilities(ctx)
	assert.False(t, caps.Has("submissions", "status"))
	assert.True(t, caps.Has("approvals", "override"))
	assert.True(t, caps.Has("records", "recorded_at"))
	assert.Equal(t, []string{"id", "record_id", "department", "division", "priority", "mark"}, caps.ReleaseColumns())

	again := a.Capabilities(ctx)
	assert.Equal(t, caps.ReleaseColumns(), again.ReleaseColumns())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCheckConstraintAllowsLeavesOtherChecksAlone(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery("from pg_constraint").WithArgs("submissions", "%status%").
		WillReturnRows(sqlmock.NewRows([]string{"conname", "def"}).
			AddRow("submissions_status_len", "CHECK ((char_length(status) <= 32))").
			AddRow("submissions_status_not_x", "CHECK ((status <> 'x'::text))"))

	err := a.EnsureCheckConstraintAllows(context.Background(), "submissions", "status", "%status%", []string{"revise"})
	require.ErrorIs(t, err, ErrUnsupportedCheck)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCheckConstraintAllowsPicksValueList(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery("from pg_constraint").WithArgs("submissions", "%status%").
		WillReturnRows(sqlmock.NewRows([]string{"conname", "def"}).
			AddRow("submissions_status_a_len", "CHECK ((char_length(status) <= 32))").
			AddRow("submissions_status_check", "CHECK (((status)::text = ANY ((ARRAY['pending'::character varying, 'approved'::character varying])::text[])))"))
	mock.ExpectBegin()
	mock.ExpectExec(`alter table "submissions" drop constraint "submissions_status_check"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`add constraint "submissions_status_check" check \("status" in \('pending', 'approved', 'revise'\)\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := a.EnsureCheckConstraintAllows(context.Background(), "submissions", "status", "%status%", []string{"revise"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCheckConstraintAllowsWithoutConstraint(t *testing.T) {
	a, mock := newAdapter(t)
	mock.ExpectQuery("from pg_constraint").WithArgs("submissions", "%status%").
		WillReturnRows(sqlmock.NewRows([]string{"conname", "def"}))

	require.NoError(t, a.EnsureCheckConstraintAllows(context.Background(), "submissions", "status", "%status%", []string{"revise"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCapabilitiesRecoversAfterConnectionError(t *testing.T) {
	a, mock := newAdapter(t)
	mock.MatchExpectationsInOrder(false)
	refused := errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	// ensure attempts, then status, release and optional column lookups
	for _, col := range OptionalColumns {
		mock.ExpectQuery(columnProbe).WithArgs(col.Table, col.Name).WillReturnError(refused)
	}
	mock.ExpectQuery(columnProbe).WithArgs("submissions", "status").WillReturnError(refused)
	for _, col := range ReleaseCandidates {
		mock.ExpectQuery(columnProbe).WithArgs("releases", col).WillReturnError(refused)
	}
	for _, col := range OptionalColumns {
		mock.ExpectQuery(columnProbe).WithArgs(col.Table, col.Name).WillReturnError(refused)
	}

	ctx := context.Background()
	down := a.Capabilities(ctx)
	assert.False(t, down.Has("submissions", "status"))
	assert.False(t, down.Has("approvals", "override"))
	assert.Empty(t, down.ReleaseColumns())
	require.NoError(t, mock.ExpectationsWereMet())

	for _, col := range OptionalColumns {
		mock.ExpectQuery(columnProbe).WithArgs(col.Table, col.Name).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	}
	mock.ExpectQuery(columnProbe).WithArgs("submissions", "status").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	for _, col := range ReleaseCandidates {
		mock.ExpectQuery(columnProbe).WithArgs("releases", col).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	}

	up := a.Capabilities(ctx)
	assert.True(t, up.Has("submissions", "status"))
	for _, table := range OverrideTables {
		assert.True(t, up.Has(table, "override"), table)
	}
	assert.Equal(t, ReleaseCandidates, up.ReleaseColumns())
	assert.True(t, a.ColumnExists(ctx, "approvals", "forwarded_at"))
	require.NoError(t, mock.ExpectationsWereMet())

	// recovered snapshot is cached
	again := a.Capabilities(ctx)
	assert.Equal(t, up.ReleaseColumns(), again.ReleaseColumns())
	require.NoError(t, mock.ExpectationsWereMet())
}
