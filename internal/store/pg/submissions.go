package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docflow.org/internal/lifecycle"
	"docflow.org/internal/schema"
)

// submissionSelect projects the display status with the same revision
// existence check for single reads and listings.
func submissionSelect(caps schema.Capabilities) string {
	return fmt.Sprintf(`
		select s.id, s.owner_id, s.kind, s.priority, s.payload, s.note, %s, s.submitted_at,
			exists(select 1 from revisions v where v.submission_id = s.id)
		from submissions s`, colOr(caps, schema.TableSubmissions, "s", "status", "''"))
}

func scanSubmission(row scanner) (lifecycle.Submission, error) {
	var (
		sub     lifecycle.Submission
		revised bool
	)
	if err := row.Scan(&sub.ID, &sub.OwnerID, &sub.Kind, &sub.Priority, &sub.Payload, &sub.Note, &sub.RawStatus, &sub.SubmittedAt, &revised); err != nil {
		return lifecycle.Submission{}, err
	}
	sub.SubmittedAt = sub.SubmittedAt.UTC()
	sub.Status = lifecycle.DisplayStatus(sub.RawStatus, revised)
	if sub.RawStatus == "" {
		sub.RawStatus = lifecycle.StatusPending
	}
	return sub, nil
}

func getSubmission(ctx context.Context, q querier, caps schema.Capabilities, id string, lock bool) (lifecycle.Submission, error) {
	sub, err := scanSubmission(q.QueryRowContext(ctx, submissionSelect(caps)+" where s.id = $1"+lockClause(lock, "s"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Submission{}, lifecycle.NotFound("submission", id)
	}
	return sub, err
}

func listSubmissions(ctx context.Context, q querier, caps schema.Capabilities, ownerID string) ([]lifecycle.Submission, error) {
	query := submissionSelect(caps)
	var args []any
	if ownerID != "" {
		query += " where s.owner_id = $1"
		args = append(args, ownerID)
	}
	rows, err := q.QueryContext(ctx, query+" order by s.submitted_at desc, s.id desc", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lifecycle.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func insertSubmission(ctx context.Context, q querier, caps schema.Capabilities, sub lifecycle.Submission) error {
	if caps.Has(schema.TableSubmissions, "status") {
		_, err := q.ExecContext(ctx, `
			insert into submissions (id, owner_id, kind, priority, payload, note, status, submitted_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
		`, sub.ID, sub.OwnerID, sub.Kind, sub.Priority, sub.Payload, sub.Note, sub.RawStatus, sub.SubmittedAt)
		return err
	}
	_, err := q.ExecContext(ctx, `
		insert into submissions (id, owner_id, kind, priority, payload, note, submitted_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.OwnerID, sub.Kind, sub.Priority, sub.Payload, sub.Note, sub.SubmittedAt)
	return err
}

// setSubmissionStatus is a no-op without a status column.
func setSubmissionStatus(ctx context.Context, q querier, caps schema.Capabilities, id, status string) error {
	if !caps.Has(schema.TableSubmissions, "status") {
		return nil
	}
	_, err := q.ExecContext(ctx, `update submissions set status = $2 where id = $1`, id, status)
	return err
}

func setSubmissionPayload(ctx context.Context, q querier, id string, payload []byte) error {
	_, err := q.ExecContext(ctx, `update submissions set payload = $2 where id = $1`, id, payload)
	return err
}
