package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docflow.org/internal/lifecycle"
	"docflow.org/internal/schema"
)

func recordSelect(caps schema.Capabilities) string {
	return fmt.Sprintf(`
		select r.id, r.approval_id, r.recorder_id, r.status, r.comment, %s, %s
		from records r`,
		colOr(caps, schema.TableRecords, "r", "recorded_at", "null::timestamptz"),
		overrideCol(caps, schema.TableRecords, "r"))
}

func scanRecord(row scanner) (lifecycle.Record, error) {
	var (
		rec      lifecycle.Record
		recorded sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.ApprovalID, &rec.RecorderID, &rec.Status, &rec.Comment, &recorded, &rec.Override); err != nil {
		return lifecycle.Record{}, err
	}
	rec.RecordedAt = timePtr(recorded)
	return rec, nil
}

func recordByApproval(ctx context.Context, q querier, caps schema.Capabilities, approvalID string, lock bool) (lifecycle.Record, bool, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, recordSelect(caps)+" where r.approval_id = $1"+lockClause(lock, "r"), approvalID))
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Record{}, false, nil
	}
	if err != nil {
		return lifecycle.Record{}, false, err
	}
	return rec, true, nil
}

func recordByID(ctx context.Context, q querier, caps schema.Capabilities, id string, lock bool) (lifecycle.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, recordSelect(caps)+" where r.id = $1"+lockClause(lock, "r"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Record{}, lifecycle.NotFound("record", id)
	}
	return rec, err
}

// saveRecord inserts or updates the record keyed by approval id. recordedAt is
// written only when non-nil and the column exists; existing stamps are kept.
func saveRecord(ctx context.Context, q querier, caps schema.Capabilities, rec lifecycle.Record, exists bool, recordedAt *time.Time) error {
	stamp := caps.Has(schema.TableRecords, "recorded_at") && recordedAt != nil
	switch {
	case exists && stamp:
		_, err := q.ExecContext(ctx, `
			update records set recorder_id = $2, status = $3, comment = $4, recorded_at = coalesce(recorded_at, $5)
			where id = $1
		`, rec.ID, rec.RecorderID, rec.Status, rec.Comment, *recordedAt)
		return err
	case exists:
		_, err := q.ExecContext(ctx, `
			update records set recorder_id = $2, status = $3, comment = $4
			where id = $1
		`, rec.ID, rec.RecorderID, rec.Status, rec.Comment)
		return err
	case stamp:
		_, err := q.ExecContext(ctx, `
			insert into records (id, approval_id, recorder_id, status, comment, recorded_at)
			values ($1, $2, $3, $4, $5, $6)
		`, rec.ID, rec.ApprovalID, rec.RecorderID, rec.Status, rec.Comment, *recordedAt)
		return err
	default:
		_, err := q.ExecContext(ctx, `
			insert into records (id, approval_id, recorder_id, status, comment)
			values ($1, $2, $3, $4, $5)
		`, rec.ID, rec.ApprovalID, rec.RecorderID, rec.Status, rec.Comment)
		return err
	}
}

func setRecordStatus(ctx context.Context, q querier, id, status string) error {
	_, err := q.ExecContext(ctx, `update records set status = $2 where id = $1`, id, status)
	return err
}
