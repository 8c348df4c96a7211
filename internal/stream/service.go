package stream

import (
	"context"

	"docflow.org/internal/audit"
	"docflow.org/internal/auth"
	"docflow.org/internal/lifecycle"
)

// Publishing wraps a lifecycle.Service and, after every successful mutating
// transition, writes an audit entry and publishes a TransitionEvent. Reads
// pass through.
type Publishing struct {
	lifecycle.Service
	stream *Stream
}

var _ lifecycle.Service = (*Publishing)(nil)

func NewPublishing(inner lifecycle.Service, s *Stream) *Publishing {
	return &Publishing{Service: inner, stream: s}
}

func (p *Publishing) emit(ctx context.Context, transition, entityID, submissionID string, fields map[string]any) {
	actor, _ := auth.UserIDFromContext(ctx)
	if fields == nil {
		fields = map[string]any{}
	}
	if submissionID != "" {
		fields["submission_id"] = submissionID
	}
	audit.Transition(ctx, transition, entityID, fields)
	if p.stream != nil {
		p.stream.Publish(TransitionEvent{
			Transition:   transition,
			EntityID:     entityID,
			SubmissionID: submissionID,
			ActorID:      actor,
		})
	}
}

func (p *Publishing) Submit(ctx context.Context, in lifecycle.NewSubmission) (lifecycle.Submission, error) {
	sub, err := p.Service.Submit(ctx, in)
	if err == nil {
		p.emit(ctx, lifecycle.TransitionSubmit, sub.ID, sub.ID, map[string]any{"kind": sub.Kind})
	}
	return sub, err
}

func (p *Publishing) Approve(ctx context.Context, submissionID string, admin lifecycle.Actor) (lifecycle.Approval, error) {
	ap, err := p.Service.Approve(ctx, submissionID, admin)
	if err == nil {
		p.emit(ctx, lifecycle.TransitionApprove, ap.ID, submissionID, map[string]any{"admin": admin.Name})
	}
	return ap, err
}

func (p *Publishing) Forward(ctx context.Context, submissionID string, head lifecycle.Actor) (lifecycle.Approval, error) {
	ap, err := p.Service.Forward(ctx, submissionID, head)
	if err == nil {
		p.emit(ctx, lifecycle.TransitionForward, ap.ID, submissionID, nil)
	}
	return ap, err
}

func (p *Publishing) Record(ctx context.Context, submissionID string, recorder lifecycle.Actor, status, comment string) (lifecycle.Record, error) {
	rec, err := p.Service.Record(ctx, submissionID, recorder, status, comment)
	if err == nil {
		p.emit(ctx, lifecycle.TransitionRecord, rec.ID, submissionID, map[string]any{"status": rec.Status})
	}
	return rec, err
}

func (p *Publishing) Release(ctx context.Context, recordID, priority string, targets []lifecycle.Target) ([]lifecycle.Release, error) {
	rels, err := p.Service.Release(ctx, recordID, priority, targets)
	if err == nil {
		for _, rel := range rels {
			p.emit(ctx, lifecycle.TransitionRelease, rel.ID, rel.SubmissionID, map[string]any{
				"record_id":  recordID,
				"department": rel.Department,
				"division":   rel.Division,
			})
		}
	}
	return rels, err
}

func (p *Publishing) MarkDone(ctx context.Context, releaseID string) (lifecycle.Release, error) {
	rel, err := p.Service.MarkDone(ctx, releaseID)
	if err == nil {
		p.emit(ctx, lifecycle.TransitionMarkDone, rel.ID, rel.SubmissionID, nil)
	}
	return rel, err
}

func (p *Publishing) Respond(ctx context.Context, releaseID string, responder lifecycle.Actor, status, comment string, attachment []byte) (lifecycle.Response, error) {
	resp, err := p.Service.Respond(ctx, releaseID, responder, status, comment, attachment)
	if err == nil {
		p.emit(ctx, lifecycle.TransitionRespond, resp.ID, "", map[string]any{"release_id": releaseID, "status": resp.Status})
	}
	return resp, err
}

func (p *Publishing) SendForRevision(ctx context.Context, submissionID string, admin lifecycle.Actor, comment string) (lifecycle.Revision, error) {
	rev, err := p.Service.SendForRevision(ctx, submissionID, admin, comment)
	if err == nil {
		p.emit(ctx, lifecycle.TransitionSendForRevision, rev.ID, submissionID, map[string]any{"admin": admin.Name})
	}
	return rev, err
}

func (p *Publishing) Resubmit(ctx context.Context, submissionID string, payload []byte) (lifecycle.Submission, error) {
	sub, err := p.Service.Resubmit(ctx, submissionID, payload)
	if err == nil {
		p.emit(ctx, lifecycle.TransitionResubmit, sub.ID, sub.ID, nil)
	}
	return sub, err
}
