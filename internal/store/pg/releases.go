package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"docflow.org/internal/lifecycle"
	"docflow.org/internal/schema"
)

func releaseSelect(caps schema.Capabilities) string {
	t := schema.TableReleases
	return fmt.Sprintf(`
		select rl.id, rl.record_id, rc.approval_id, ap.submission_id, %s, %s, %s, %s, %s
		from releases rl
		join records rc on rc.id = rl.record_id
		join approvals ap on ap.id = rc.approval_id`,
		colOr(caps, t, "rl", "department", "''"),
		colOr(caps, t, "rl", "division", "''"),
		colOr(caps, t, "rl", "priority", "''"),
		colOr(caps, t, "rl", "mark", "'"+lifecycle.MarkNotDone+"'"),
		overrideCol(caps, t, "rl"))
}

func scanRelease(row scanner) (lifecycle.Release, error) {
	var rel lifecycle.Release
	err := row.Scan(&rel.ID, &rel.RecordID, &rel.ApprovalID, &rel.SubmissionID,
		&rel.Department, &rel.Division, &rel.Priority, &rel.Mark, &rel.Override)
	return rel, err
}

func releaseByID(ctx context.Context, q querier, caps schema.Capabilities, id string, lock bool) (lifecycle.Release, error) {
	rel, err := scanRelease(q.QueryRowContext(ctx, releaseSelect(caps)+" where rl.id = $1"+lockClause(lock, "rl"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Release{}, lifecycle.NotFound("release", id)
	}
	return rel, err
}

func releasesByRecord(ctx context.Context, q querier, caps schema.Capabilities, recordID string) ([]lifecycle.Release, error) {
	rows, err := q.QueryContext(ctx, releaseSelect(caps)+" where rl.record_id = $1 order by rl.id", recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lifecycle.Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// releaseSource carries the submission data copied onto a release when the
// release table has the matching columns.
type releaseSource struct {
	Kind    string
	Payload []byte
}

// insertRelease writes only the candidate columns present in caps.
func insertRelease(ctx context.Context, q querier, caps schema.Capabilities, rel lifecycle.Release, src releaseSource) error {
	cols := caps.ReleaseColumns()
	if len(cols) == 0 {
		return fmt.Errorf("%w: releases has none of the expected columns", lifecycle.ErrSchemaIncompatible)
	}
	values := map[string]any{
		"id":            rel.ID,
		"record_id":     rel.RecordID,
		"approval_id":   rel.ApprovalID,
		"submission_id": rel.SubmissionID,
		"kind":          src.Kind,
		"payload":       src.Payload,
		"status":        lifecycle.RecordReleased,
		"department":    rel.Department,
		"division":      rel.Division,
		"priority":      rel.Priority,
		"mark":          rel.Mark,
	}
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = pgx.Identifier{c}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[c]
	}
	stmt := fmt.Sprintf("insert into releases (%s) values (%s)", strings.Join(names, ", "), strings.Join(params, ", "))
	_, err := q.ExecContext(ctx, stmt, args...)
	return err
}

func setReleaseMark(ctx context.Context, q querier, id, mark string) error {
	_, err := q.ExecContext(ctx, `update releases set mark = $2 where id = $1`, id, mark)
	return err
}
