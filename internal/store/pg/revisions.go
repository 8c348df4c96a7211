package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docflow.org/internal/lifecycle"
	"docflow.org/internal/schema"
)

func revisionSelect(caps schema.Capabilities) string {
	return fmt.Sprintf(`
		select v.id, v.submission_id, v.comment, v.admin_id, v.admin, %s, v.created_at
		from revisions v`, overrideCol(caps, schema.TableRevisions, "v"))
}

func revisionBySubmission(ctx context.Context, q querier, caps schema.Capabilities, submissionID string, lock bool) (lifecycle.Revision, bool, error) {
	var rev lifecycle.Revision
	err := q.QueryRowContext(ctx, revisionSelect(caps)+" where v.submission_id = $1 order by v.created_at desc limit 1"+lockClause(lock, "v"), submissionID).
		Scan(&rev.ID, &rev.SubmissionID, &rev.Comment, &rev.AdminID, &rev.Admin, &rev.Override, &rev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Revision{}, false, nil
	}
	if err != nil {
		return lifecycle.Revision{}, false, err
	}
	rev.CreatedAt = rev.CreatedAt.UTC()
	return rev, true, nil
}

// saveRevision updates the live revision in place or inserts the first one.
func saveRevision(ctx context.Context, q querier, rev lifecycle.Revision, exists bool) error {
	if exists {
		_, err := q.ExecContext(ctx, `
			update revisions set comment = $2, admin_id = $3, admin = $4
			where id = $1
		`, rev.ID, rev.Comment, rev.AdminID, rev.Admin)
		return err
	}
	_, err := q.ExecContext(ctx, `
		insert into revisions (id, submission_id, comment, admin_id, admin, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, rev.ID, rev.SubmissionID, rev.Comment, rev.AdminID, rev.Admin, rev.CreatedAt)
	return err
}

func deleteRevisions(ctx context.Context, q querier, submissionID string) (int64, error) {
	res, err := q.ExecContext(ctx, `delete from revisions where submission_id = $1`, submissionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
