package schema

import (
	"context"
	"errors"

	"docflow.org/internal/obs"
)

// Lifecycle tables.
const (
	TableSubmissions = "submissions"
	TableApprovals   = "approvals"
	TableRecords     = "records"
	TableReleases    = "releases"
	TableResponses   = "responses"
	TableRevisions   = "revisions"
)

// OverrideTables carry the override flag; MarkOverride updates them in this order.
var OverrideTables = []string{TableApprovals, TableRecords, TableReleases, TableResponses, TableRevisions}

// ReleaseCandidates are the release columns the store writes when present, in
// insert order.
var ReleaseCandidates = []string{
	"id", "record_id", "approval_id", "submission_id", "kind", "payload",
	"status", "department", "division", "priority", "mark",
}

// Column is an optional column the store adds on first use.
type Column struct {
	Table string
	Name  string
	Type  string
}

// OptionalColumns are ensured before capabilities are probed.
var OptionalColumns = append(overrideColumns(),
	Column{TableApprovals, "forwarded_at", "timestamptz"},
	Column{TableRecords, "recorded_at", "timestamptz"},
)

func overrideColumns() []Column {
	cols := make([]Column, 0, len(OverrideTables))
	for _, t := range OverrideTables {
		cols = append(cols, Column{t, "override", "boolean not null default false"})
	}
	return cols
}

// Capabilities is an immutable snapshot of which optional columns exist.
type Capabilities struct {
	columns map[string]bool
}

// NewCapabilities builds a snapshot from "table.column" names.
func NewCapabilities(present ...string) Capabilities {
	c := Capabilities{columns: make(map[string]bool, len(present))}
	for _, p := range present {
		c.columns[p] = true
	}
	return c
}

// Has reports whether table.column was present when the snapshot was taken.
func (c Capabilities) Has(table, column string) bool {
	return c.columns[table+"."+column]
}

// ReleaseColumns returns the release candidates that exist, in insert order.
func (c Capabilities) ReleaseColumns() []string {
	out := make([]string, 0, len(ReleaseCandidates))
	for _, col := range ReleaseCandidates {
		if c.Has(TableReleases, col) {
			out = append(out, col)
		}
	}
	return out
}

// Capabilities ensures every optional column then probes the columns the
// store branches on. The first complete snapshot is kept for the process
// lifetime. When the catalog cannot be read, the failed columns read as absent
// for this call only and the next call probes them again.
func (a *Adapter) Capabilities(ctx context.Context) Capabilities {
	a.mu.Lock()
	if a.caps != nil {
		c := *a.caps
		a.mu.Unlock()
		return c
	}
	a.mu.Unlock()

	v, _, _ := a.group.Do("capabilities", func() (any, error) {
		a.mu.Lock()
		if a.caps != nil {
			c := *a.caps
			a.mu.Unlock()
			return c, nil
		}
		a.mu.Unlock()

		var failed []string
		for _, col := range OptionalColumns {
			if err := a.EnsureColumn(ctx, col.Table, col.Name, col.Type); errors.Is(err, errProbe) {
				failed = append(failed, ensureKey(col.Table, col.Name))
			}
		}

		var present []string
		probe := func(table, column string) {
			ok, err := a.columnExists(ctx, table, column)
			if err != nil {
				failed = append(failed, columnKey(table, column))
				return
			}
			if ok {
				present = append(present, table+"."+column)
			}
		}
		probe(TableSubmissions, "status")
		for _, col := range ReleaseCandidates {
			probe(TableReleases, col)
		}
		for _, col := range OptionalColumns {
			probe(col.Table, col.Name)
		}

		c := NewCapabilities(present...)
		if len(failed) > 0 {
			a.forget(failed...)
			obs.Warn("schema.capabilities_incomplete", map[string]any{"failed": len(failed)})
			return c, nil
		}
		a.mu.Lock()
		a.caps = &c
		a.mu.Unlock()
		return c, nil
	})
	return v.(Capabilities)
}
