package pg

import (
	"context"
	"database/sql"
	"fmt"

	"docflow.org/internal/schema"
)

// Rows attributable to a user: by id, by the admin full name recorded on
// approvals and revisions, or through the approval -> record -> release ->
// response chain. Matching on full name also tags rows of any other user with
// the same name.
const (
	approvalMatch = `select id from approvals where owner_id = $1 or admin_id = $1 or ($2 <> '' and admin = $2)`
	recordMatch   = `select id from records where recorder_id = $1 or approval_id in (` + approvalMatch + `)`
	releaseMatch  = `select id from releases where record_id in (` + recordMatch + `)`
)

var overrideStatements = map[string]string{
	schema.TableApprovals: `update approvals set override = true where owner_id = $1 or admin_id = $1 or ($2 <> '' and admin = $2)`,
	schema.TableRecords:   `update records set override = true where id in (` + recordMatch + `)`,
	schema.TableReleases:  `update releases set override = true where id in (` + releaseMatch + `)`,
	schema.TableResponses: `update responses set override = true where user_id = $1 or release_id in (` + releaseMatch + `)`,
	schema.TableRevisions: `update revisions set override = true where admin_id = $1 or ($2 <> '' and admin = $2) or submission_id in (select id from submissions where owner_id = $1)`,
}

// MarkOverride flags every derived row attributable to the user in one
// transaction. Tables without an override column are skipped. Flags are only
// ever set, never cleared.
func (s *Store) MarkOverride(ctx context.Context, userID, fullName string) error {
	caps := s.schema.Capabilities(ctx)
	return s.inTx(ctx, "mark_override", func(tx *sql.Tx) error {
		for _, table := range schema.OverrideTables {
			if !caps.Has(table, "override") {
				continue
			}
			if _, err := tx.ExecContext(ctx, overrideStatements[table], userID, fullName); err != nil {
				return fmt.Errorf("override %s: %w", table, err)
			}
		}
		return nil
	})
}
