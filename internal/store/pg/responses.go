package pg

import (
	"context"
	"fmt"

	"docflow.org/internal/lifecycle"
	"docflow.org/internal/schema"
)

func responseSelect(caps schema.Capabilities) string {
	return fmt.Sprintf(`
		select p.id, p.release_id, p.user_id, p.status, p.comment, p.attachment, %s, p.responded_at
		from responses p`, overrideCol(caps, schema.TableResponses, "p"))
}

func scanResponse(row scanner) (lifecycle.Response, error) {
	var resp lifecycle.Response
	err := row.Scan(&resp.ID, &resp.ReleaseID, &resp.UserID, &resp.Status, &resp.Comment, &resp.Attachment, &resp.Override, &resp.RespondedAt)
	resp.RespondedAt = resp.RespondedAt.UTC()
	return resp, err
}

func responsesByRelease(ctx context.Context, q querier, caps schema.Capabilities, releaseID string) ([]lifecycle.Response, error) {
	rows, err := q.QueryContext(ctx, responseSelect(caps)+" where p.release_id = $1 order by p.responded_at, p.id", releaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lifecycle.Response
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func responseExists(ctx context.Context, q querier, releaseID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `select exists(select 1 from responses where release_id = $1)`, releaseID).Scan(&exists)
	return exists, err
}

func insertResponse(ctx context.Context, q querier, resp lifecycle.Response) error {
	_, err := q.ExecContext(ctx, `
		insert into responses (id, release_id, user_id, status, comment, attachment, responded_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, resp.ID, resp.ReleaseID, resp.UserID, resp.Status, resp.Comment, resp.Attachment, resp.RespondedAt)
	return err
}
