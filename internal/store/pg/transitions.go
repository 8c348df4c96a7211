package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"docflow.org/internal/ids"
	"docflow.org/internal/lifecycle"
	"docflow.org/internal/obs"
	"docflow.org/internal/schema"
)

// statusConstraintPattern matches the CHECK constraint guarding submissions.status.
const statusConstraintPattern = "%status%"

var submissionStatuses = []string{lifecycle.StatusPending, lifecycle.StatusApproved, lifecycle.StatusRevise}

func observe(name string, err error) error {
	obs.ObserveTransition(name, lifecycle.Kind(err))
	return err
}

func (s *Store) Submit(ctx context.Context, in lifecycle.NewSubmission) (lifecycle.Submission, error) {
	if err := lifecycle.ValidateNewSubmission(in); err != nil {
		return lifecycle.Submission{}, observe(lifecycle.TransitionSubmit, err)
	}
	caps := s.schema.Capabilities(ctx)
	sub := lifecycle.Submission{
		ID:          ids.New(),
		OwnerID:     strings.TrimSpace(in.OwnerID),
		Kind:        strings.TrimSpace(in.Kind),
		Priority:    strings.TrimSpace(in.Priority),
		Payload:     in.Payload,
		Note:        in.Note,
		RawStatus:   lifecycle.StatusPending,
		Status:      lifecycle.StatusPending,
		SubmittedAt: s.now(),
	}
	err := s.inTx(ctx, lifecycle.TransitionSubmit, func(tx *sql.Tx) error {
		return insertSubmission(ctx, tx, caps, sub)
	})
	if err != nil {
		return lifecycle.Submission{}, observe(lifecycle.TransitionSubmit, err)
	}
	return sub, observe(lifecycle.TransitionSubmit, nil)
}

func (s *Store) GetSubmission(ctx context.Context, id string) (lifecycle.Submission, error) {
	sub, err := getSubmission(ctx, s.db, s.schema.Capabilities(ctx), id, false)
	return sub, classify("get submission", err)
}

func (s *Store) ListSubmissions(ctx context.Context, ownerID string) ([]lifecycle.Submission, error) {
	subs, err := listSubmissions(ctx, s.db, s.schema.Capabilities(ctx), strings.TrimSpace(ownerID))
	return subs, classify("list submissions", err)
}

func (s *Store) Approve(ctx context.Context, submissionID string, admin lifecycle.Actor) (lifecycle.Approval, error) {
	caps := s.schema.Capabilities(ctx)
	var out lifecycle.Approval
	err := s.inTx(ctx, lifecycle.TransitionApprove, func(tx *sql.Tx) error {
		sub, err := getSubmission(ctx, tx, caps, submissionID, true)
		if err != nil {
			return err
		}
		if sub.Status == lifecycle.DisplayRevision {
			return lifecycle.InvalidTransition("submission %s is awaiting resubmission", submissionID)
		}
		ap, found, err := approvalBySubmission(ctx, tx, caps, submissionID, true)
		if err != nil {
			return err
		}
		if found {
			if ap.Status != lifecycle.ApprovalNotForwarded {
				return lifecycle.InvalidTransition("approval for %s is already %s", submissionID, ap.Status)
			}
			if err := updateApprovalAdmin(ctx, tx, ap.ID, admin); err != nil {
				return err
			}
			ap.AdminID, ap.Admin = admin.ID, admin.Name
		} else {
			ap = lifecycle.Approval{
				ID:           ids.New(),
				SubmissionID: submissionID,
				OwnerID:      sub.OwnerID,
				AdminID:      admin.ID,
				Admin:        admin.Name,
				Status:       lifecycle.ApprovalNotForwarded,
			}
			if err := insertApproval(ctx, tx, ap); err != nil {
				return err
			}
		}
		if err := setSubmissionStatus(ctx, tx, caps, submissionID, lifecycle.StatusApproved); err != nil {
			return err
		}
		out = ap
		return nil
	})
	if err != nil {
		return lifecycle.Approval{}, observe(lifecycle.TransitionApprove, err)
	}
	return out, observe(lifecycle.TransitionApprove, nil)
}

func (s *Store) Forward(ctx context.Context, submissionID string, head lifecycle.Actor) (lifecycle.Approval, error) {
	caps := s.schema.Capabilities(ctx)
	var out lifecycle.Approval
	err := s.inTx(ctx, lifecycle.TransitionForward, func(tx *sql.Tx) error {
		if _, err := getSubmission(ctx, tx, caps, submissionID, false); err != nil {
			return err
		}
		ap, found, err := approvalBySubmission(ctx, tx, caps, submissionID, true)
		if err != nil {
			return err
		}
		if !found {
			return lifecycle.InvalidTransition("submission %s has not been approved", submissionID)
		}
		switch ap.Status {
		case lifecycle.ApprovalForwarded:
			out = ap
			return nil
		case lifecycle.ApprovalNotForwarded:
		default:
			return lifecycle.InvalidTransition("approval for %s is already %s", submissionID, ap.Status)
		}
		now := s.now()
		if err := forwardApproval(ctx, tx, caps, ap.ID, now); err != nil {
			return err
		}
		ap.Status = lifecycle.ApprovalForwarded
		if caps.Has(schema.TableApprovals, "forwarded_at") && ap.ForwardedAt == nil {
			ap.ForwardedAt = &now
		}
		out = ap
		return nil
	})
	if err != nil {
		return lifecycle.Approval{}, observe(lifecycle.TransitionForward, err)
	}
	return out, observe(lifecycle.TransitionForward, nil)
}

func (s *Store) Record(ctx context.Context, submissionID string, recorder lifecycle.Actor, status, comment string) (lifecycle.Record, error) {
	if !lifecycle.ValidRecordStatus(status) {
		return lifecycle.Record{}, observe(lifecycle.TransitionRecord, lifecycle.InvalidInput("unknown record status %q", status))
	}
	caps := s.schema.Capabilities(ctx)
	var out lifecycle.Record
	err := s.inTx(ctx, lifecycle.TransitionRecord, func(tx *sql.Tx) error {
		if _, err := getSubmission(ctx, tx, caps, submissionID, false); err != nil {
			return err
		}
		ap, found, err := approvalBySubmission(ctx, tx, caps, submissionID, true)
		if err != nil {
			return err
		}
		if !found {
			return lifecycle.InvalidTransition("submission %s has not been approved", submissionID)
		}
		if ap.Status != lifecycle.ApprovalForwarded && ap.Status != lifecycle.ApprovalRecorded {
			return lifecycle.InvalidTransition("approval for %s is %s, not forwarded", submissionID, ap.Status)
		}
		rec, exists, err := recordByApproval(ctx, tx, caps, ap.ID, true)
		if err != nil {
			return err
		}
		if exists && rec.Status == lifecycle.RecordReleased {
			return lifecycle.InvalidTransition("record %s is already released", rec.ID)
		}
		if exists && rec.Status == lifecycle.RecordRecorded && status == lifecycle.RecordNotRecorded {
			return lifecycle.InvalidTransition("record %s is already recorded", rec.ID)
		}
		if !exists {
			rec = lifecycle.Record{ID: ids.New(), ApprovalID: ap.ID}
		}
		var stamp *time.Time
		if status == lifecycle.RecordRecorded && rec.Status != lifecycle.RecordRecorded && rec.RecordedAt == nil {
			now := s.now()
			stamp = &now
		}
		rec.RecorderID = recorder.ID
		rec.Status = status
		rec.Comment = comment
		if err := saveRecord(ctx, tx, caps, rec, exists, stamp); err != nil {
			return err
		}
		if stamp != nil && caps.Has(schema.TableRecords, "recorded_at") {
			rec.RecordedAt = stamp
		}
		if status == lifecycle.RecordRecorded && ap.Status != lifecycle.ApprovalRecorded {
			if err := setApprovalStatus(ctx, tx, ap.ID, lifecycle.ApprovalRecorded); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		return lifecycle.Record{}, observe(lifecycle.TransitionRecord, err)
	}
	return out, observe(lifecycle.TransitionRecord, nil)
}

func (s *Store) Release(ctx context.Context, recordID, priority string, targets []lifecycle.Target) ([]lifecycle.Release, error) {
	if err := lifecycle.ValidateTargets(targets); err != nil {
		return nil, observe(lifecycle.TransitionRelease, err)
	}
	caps := s.schema.Capabilities(ctx)
	var out []lifecycle.Release
	err := s.inTx(ctx, lifecycle.TransitionRelease, func(tx *sql.Tx) error {
		rec, err := recordByID(ctx, tx, caps, recordID, true)
		if err != nil {
			return err
		}
		switch rec.Status {
		case lifecycle.RecordReleased:
			out, err = releasesByRecord(ctx, tx, caps, recordID)
			return err
		case lifecycle.RecordRecorded:
		default:
			return lifecycle.InvalidTransition("record %s is %s, not recorded", recordID, rec.Status)
		}
		ap, err := approvalByID(ctx, tx, caps, rec.ApprovalID, true)
		if err != nil {
			return err
		}
		var src releaseSource
		if caps.Has(schema.TableReleases, "kind") || caps.Has(schema.TableReleases, "payload") {
			sub, err := getSubmission(ctx, tx, caps, ap.SubmissionID, false)
			if err != nil {
				return err
			}
			src = releaseSource{Kind: sub.Kind, Payload: sub.Payload}
		}

		created := make([]lifecycle.Release, 0, len(targets))
		for i, t := range targets {
			rel := lifecycle.Release{
				ID:           ids.New(),
				RecordID:     recordID,
				ApprovalID:   ap.ID,
				SubmissionID: ap.SubmissionID,
				Department:   strings.TrimSpace(t.Department),
				Division:     strings.TrimSpace(t.Division),
				Priority:     strings.TrimSpace(priority),
				Mark:         lifecycle.MarkNotDone,
			}
			if err := insertRelease(ctx, tx, caps, rel, src); err != nil {
				return fmt.Errorf("insert release %d of %d: %w", i+1, len(targets), err)
			}
			created = append(created, rel)
		}
		if err := setRecordStatus(ctx, tx, recordID, lifecycle.RecordReleased); err != nil {
			return err
		}
		if err := setApprovalStatus(ctx, tx, ap.ID, lifecycle.ApprovalReleased); err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, observe(lifecycle.TransitionRelease, err)
	}
	return out, observe(lifecycle.TransitionRelease, nil)
}

func (s *Store) MarkDone(ctx context.Context, releaseID string) (lifecycle.Release, error) {
	caps := s.schema.Capabilities(ctx)
	var out lifecycle.Release
	err := s.inTx(ctx, lifecycle.TransitionMarkDone, func(tx *sql.Tx) error {
		rel, err := releaseByID(ctx, tx, caps, releaseID, true)
		if err != nil {
			return err
		}
		if rel.Mark != lifecycle.MarkDone {
			if err := setReleaseMark(ctx, tx, releaseID, lifecycle.MarkDone); err != nil {
				return err
			}
			rel.Mark = lifecycle.MarkDone
		}
		out = rel
		return nil
	})
	if err != nil {
		return lifecycle.Release{}, observe(lifecycle.TransitionMarkDone, err)
	}
	return out, observe(lifecycle.TransitionMarkDone, nil)
}

func (s *Store) Respond(ctx context.Context, releaseID string, responder lifecycle.Actor, status, comment string, attachment []byte) (lifecycle.Response, error) {
	normalized, ok := lifecycle.NormalizeResponseStatus(status)
	if !ok {
		return lifecycle.Response{}, observe(lifecycle.TransitionRespond, lifecycle.InvalidInput("unknown response status %q", status))
	}
	caps := s.schema.Capabilities(ctx)
	resp := lifecycle.Response{
		ReleaseID:  releaseID,
		UserID:     responder.ID,
		Status:     normalized,
		Comment:    comment,
		Attachment: attachment,
	}
	err := s.inTx(ctx, lifecycle.TransitionRespond, func(tx *sql.Tx) error {
		rel, err := releaseByID(ctx, tx, caps, releaseID, true)
		if err != nil {
			return err
		}
		if rel.Mark != lifecycle.MarkDone {
			return lifecycle.PreconditionFailed("release %s is not marked done", releaseID)
		}
		exists, err := responseExists(ctx, tx, releaseID)
		if err != nil {
			return err
		}
		if exists {
			return lifecycle.InvalidTransition("release %s already has a response", releaseID)
		}
		resp.ID = ids.New()
		resp.RespondedAt = s.now()
		return insertResponse(ctx, tx, resp)
	})
	if classOf(err) == classUnique {
		err = lifecycle.InvalidTransition("release %s already has a response", releaseID)
	}
	if err != nil {
		return lifecycle.Response{}, observe(lifecycle.TransitionRespond, err)
	}
	return resp, observe(lifecycle.TransitionRespond, nil)
}

// SendForRevision writes the live revision and the raw status in one
// transaction. A CHECK constraint that predates the revise status is widened
// and the write retried once; if that still fails the revision row is written
// alone, which is enough for the display status.
func (s *Store) SendForRevision(ctx context.Context, submissionID string, admin lifecycle.Actor, comment string) (lifecycle.Revision, error) {
	caps := s.schema.Capabilities(ctx)
	var out lifecycle.Revision
	attempt := func(writeStatus bool) error {
		return s.inTx(ctx, lifecycle.TransitionSendForRevision, func(tx *sql.Tx) error {
			rev, err := s.revise(ctx, tx, caps, submissionID, admin, comment, writeStatus)
			out = rev
			return err
		})
	}

	writeStatus := caps.Has(schema.TableSubmissions, "status")
	err := attempt(writeStatus)
	if writeStatus && isCheckViolation(err) {
		obs.Warn("store.revision_check_violation", map[string]any{"submission_id": submissionID, "error": err})
		werr := s.schema.EnsureCheckConstraintAllows(ctx, schema.TableSubmissions, "status", statusConstraintPattern, submissionStatuses)
		if werr == nil {
			err = attempt(true)
		}
		if werr != nil || isCheckViolation(err) {
			obs.Warn("store.revision_degraded", map[string]any{"submission_id": submissionID})
			err = attempt(false)
			if err != nil && !isDomainError(err) {
				err = fmt.Errorf("%w: revision without status write: %w", lifecycle.ErrSchemaIncompatible, err)
			}
		}
	}
	if err != nil {
		return lifecycle.Revision{}, observe(lifecycle.TransitionSendForRevision, err)
	}
	return out, observe(lifecycle.TransitionSendForRevision, nil)
}

func (s *Store) revise(ctx context.Context, tx *sql.Tx, caps schema.Capabilities, submissionID string, admin lifecycle.Actor, comment string, writeStatus bool) (lifecycle.Revision, error) {
	if _, err := getSubmission(ctx, tx, caps, submissionID, true); err != nil {
		return lifecycle.Revision{}, err
	}
	ap, found, err := approvalBySubmission(ctx, tx, caps, submissionID, false)
	if err != nil {
		return lifecycle.Revision{}, err
	}
	if found {
		return lifecycle.Revision{}, lifecycle.InvalidTransition("submission %s is already %s", submissionID, ap.Status)
	}
	rev, exists, err := revisionBySubmission(ctx, tx, caps, submissionID, true)
	if err != nil {
		return lifecycle.Revision{}, err
	}
	if !exists {
		rev = lifecycle.Revision{ID: ids.New(), SubmissionID: submissionID, CreatedAt: s.now()}
	}
	rev.Comment = comment
	rev.AdminID, rev.Admin = admin.ID, admin.Name
	if err := saveRevision(ctx, tx, rev, exists); err != nil {
		return lifecycle.Revision{}, err
	}
	if writeStatus {
		if err := setSubmissionStatus(ctx, tx, caps, submissionID, lifecycle.StatusRevise); err != nil {
			return lifecycle.Revision{}, err
		}
	}
	return rev, nil
}

func (s *Store) Resubmit(ctx context.Context, submissionID string, payload []byte) (lifecycle.Submission, error) {
	caps := s.schema.Capabilities(ctx)
	var out lifecycle.Submission
	err := s.inTx(ctx, lifecycle.TransitionResubmit, func(tx *sql.Tx) error {
		if _, err := getSubmission(ctx, tx, caps, submissionID, true); err != nil {
			return err
		}
		n, err := deleteRevisions(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		if n == 0 {
			return lifecycle.InvalidTransition("submission %s has no pending revision", submissionID)
		}
		if err := setSubmissionStatus(ctx, tx, caps, submissionID, lifecycle.StatusPending); err != nil {
			return err
		}
		if payload != nil {
			if err := setSubmissionPayload(ctx, tx, submissionID, payload); err != nil {
				return err
			}
		}
		out, err = getSubmission(ctx, tx, caps, submissionID, false)
		return err
	})
	if err != nil {
		return lifecycle.Submission{}, observe(lifecycle.TransitionResubmit, err)
	}
	return out, observe(lifecycle.TransitionResubmit, nil)
}

func (s *Store) GetApproval(ctx context.Context, submissionID string) (lifecycle.Approval, error) {
	ap, found, err := approvalBySubmission(ctx, s.db, s.schema.Capabilities(ctx), submissionID, false)
	if err != nil {
		return lifecycle.Approval{}, classify("get approval", err)
	}
	if !found {
		return lifecycle.Approval{}, lifecycle.NotFound("approval for submission", submissionID)
	}
	return ap, nil
}

func (s *Store) GetRecord(ctx context.Context, approvalID string) (lifecycle.Record, error) {
	rec, found, err := recordByApproval(ctx, s.db, s.schema.Capabilities(ctx), approvalID, false)
	if err != nil {
		return lifecycle.Record{}, classify("get record", err)
	}
	if !found {
		return lifecycle.Record{}, lifecycle.NotFound("record for approval", approvalID)
	}
	return rec, nil
}

func (s *Store) GetRelease(ctx context.Context, releaseID string) (lifecycle.Release, error) {
	rel, err := releaseByID(ctx, s.db, s.schema.Capabilities(ctx), releaseID, false)
	return rel, classify("get release", err)
}

func (s *Store) ListReleases(ctx context.Context, recordID string) ([]lifecycle.Release, error) {
	caps := s.schema.Capabilities(ctx)
	if _, err := recordByID(ctx, s.db, caps, recordID, false); err != nil {
		return nil, classify("list releases", err)
	}
	rels, err := releasesByRecord(ctx, s.db, caps, recordID)
	return rels, classify("list releases", err)
}

func (s *Store) ListResponses(ctx context.Context, releaseID string) ([]lifecycle.Response, error) {
	caps := s.schema.Capabilities(ctx)
	if _, err := releaseByID(ctx, s.db, caps, releaseID, false); err != nil {
		return nil, classify("list responses", err)
	}
	resps, err := responsesByRelease(ctx, s.db, caps, releaseID)
	return resps, classify("list responses", err)
}
