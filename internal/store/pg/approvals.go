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

func approvalSelect(caps schema.Capabilities) string {
	return fmt.Sprintf(`
		select a.id, a.submission_id, a.owner_id, a.admin_id, a.admin, a.status, %s, %s
		from approvals a`,
		colOr(caps, schema.TableApprovals, "a", "forwarded_at", "null::timestamptz"),
		overrideCol(caps, schema.TableApprovals, "a"))
}

func scanApproval(row scanner) (lifecycle.Approval, error) {
	var (
		ap        lifecycle.Approval
		forwarded sql.NullTime
	)
	if err := row.Scan(&ap.ID, &ap.SubmissionID, &ap.OwnerID, &ap.AdminID, &ap.Admin, &ap.Status, &forwarded, &ap.Override); err != nil {
		return lifecycle.Approval{}, err
	}
	ap.ForwardedAt = timePtr(forwarded)
	return ap, nil
}

// approvalBySubmission returns found=false when the submission has no approval.
func approvalBySubmission(ctx context.Context, q querier, caps schema.Capabilities, submissionID string, lock bool) (lifecycle.Approval, bool, error) {
	ap, err := scanApproval(q.QueryRowContext(ctx, approvalSelect(caps)+" where a.submission_id = $1"+lockClause(lock, "a"), submissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Approval{}, false, nil
	}
	if err != nil {
		return lifecycle.Approval{}, false, err
	}
	return ap, true, nil
}

func approvalByID(ctx context.Context, q querier, caps schema.Capabilities, id string, lock bool) (lifecycle.Approval, error) {
	ap, err := scanApproval(q.QueryRowContext(ctx, approvalSelect(caps)+" where a.id = $1"+lockClause(lock, "a"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Approval{}, lifecycle.NotFound("approval", id)
	}
	return ap, err
}

func insertApproval(ctx context.Context, q querier, ap lifecycle.Approval) error {
	_, err := q.ExecContext(ctx, `
		insert into approvals (id, submission_id, owner_id, admin_id, admin, status)
		values ($1, $2, $3, $4, $5, $6)
	`, ap.ID, ap.SubmissionID, ap.OwnerID, ap.AdminID, ap.Admin, ap.Status)
	return err
}

func updateApprovalAdmin(ctx context.Context, q querier, id string, admin lifecycle.Actor) error {
	_, err := q.ExecContext(ctx, `update approvals set admin_id = $2, admin = $3 where id = $1`, id, admin.ID, admin.Name)
	return err
}

func setApprovalStatus(ctx context.Context, q querier, id, status string) error {
	_, err := q.ExecContext(ctx, `update approvals set status = $2 where id = $1`, id, status)
	return err
}

// forwardApproval moves the approval to forwarded, stamping forwarded_at once
// when the column exists.
func forwardApproval(ctx context.Context, q querier, caps schema.Capabilities, id string, now time.Time) error {
	if caps.Has(schema.TableApprovals, "forwarded_at") {
		_, err := q.ExecContext(ctx, `
			update approvals set status = $2, forwarded_at = coalesce(forwarded_at, $3)
			where id = $1
		`, id, lifecycle.ApprovalForwarded, now)
		return err
	}
	return setApprovalStatus(ctx, q, id, lifecycle.ApprovalForwarded)
}
