package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Service defines the document lifecycle operations.
type Service interface {
	Submit(ctx context.Context, in NewSubmission) (Submission, error)
	GetSubmission(ctx context.Context, id string) (Submission, error)
	ListSubmissions(ctx context.Context, ownerID string) ([]Submission, error)

	Approve(ctx context.Context, submissionID string, admin Actor) (Approval, error)
	Forward(ctx context.Context, submissionID string, head Actor) (Approval, error)
	Record(ctx context.Context, submissionID string, recorder Actor, status, comment string) (Record, error)
	Release(ctx context.Context, recordID, priority string, targets []Target) ([]Release, error)
	MarkDone(ctx context.Context, releaseID string) (Release, error)
	Respond(ctx context.Context, releaseID string, responder Actor, status, comment string, attachment []byte) (Response, error)
	SendForRevision(ctx context.Context, submissionID string, admin Actor, comment string) (Revision, error)
	Resubmit(ctx context.Context, submissionID string, payload []byte) (Submission, error)

	GetApproval(ctx context.Context, submissionID string) (Approval, error)
	GetRecord(ctx context.Context, approvalID string) (Record, error)
	GetRelease(ctx context.Context, releaseID string) (Release, error)
	ListReleases(ctx context.Context, recordID string) ([]Release, error)
	ListResponses(ctx context.Context, releaseID string) ([]Response, error)

	MarkOverride(ctx context.Context, userID, fullName string) error
}

// InMemory implements Service with in-process concurrency safety. It follows
// the same transition rules as the Postgres store and backs the HTTP tests.
type InMemory struct {
	mu  sync.Mutex
	now func() time.Time

	submissions map[string]*Submission
	approvals   map[string]*Approval // keyed by submission id
	records     map[string]*Record   // keyed by approval id
	releases    map[string]*Release
	relOrder    []string
	responses   map[string][]*Response // keyed by release id
	revisions   map[string]*Revision   // keyed by submission id
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty engine.
func NewInMemory() *InMemory {
	return &InMemory{
		now:         func() time.Time { return time.Now().UTC() },
		submissions: make(map[string]*Submission),
		approvals:   make(map[string]*Approval),
		records:     make(map[string]*Record),
		releases:    make(map[string]*Release),
		responses:   make(map[string][]*Response),
		revisions:   make(map[string]*Revision),
	}
}

func (s *InMemory) Submit(ctx context.Context, in NewSubmission) (Submission, error) {
	if err := ValidateNewSubmission(in); err != nil {
		return Submission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Submission{
		ID:          newID(),
		OwnerID:     strings.TrimSpace(in.OwnerID),
		Kind:        strings.TrimSpace(in.Kind),
		Priority:    strings.TrimSpace(in.Priority),
		Payload:     cloneBytes(in.Payload),
		Note:        in.Note,
		RawStatus:   StatusPending,
		SubmittedAt: s.now(),
	}
	s.submissions[sub.ID] = sub
	return s.projectLocked(sub), nil
}

func (s *InMemory) GetSubmission(ctx context.Context, id string) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return Submission{}, NotFound("submission", id)
	}
	return s.projectLocked(sub), nil
}

func (s *InMemory) ListSubmissions(ctx context.Context, ownerID string) ([]Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Submission
	for _, sub := range s.submissions {
		if ownerID != "" && sub.OwnerID != ownerID {
			continue
		}
		out = append(out, s.projectLocked(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *InMemory) Approve(ctx context.Context, submissionID string, admin Actor) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return Approval{}, NotFound("submission", submissionID)
	}
	if _, revised := s.revisions[submissionID]; revised {
		return Approval{}, InvalidTransition("submission %s is awaiting resubmission", submissionID)
	}
	ap, ok := s.approvals[submissionID]
	if ok {
		if ap.Status != ApprovalNotForwarded {
			return Approval{}, InvalidTransition("approval for %s is already %s", submissionID, ap.Status)
		}
		ap.AdminID, ap.Admin = admin.ID, admin.Name
	} else {
		ap = &Approval{
			ID:           newID(),
			SubmissionID: submissionID,
			OwnerID:      sub.OwnerID,
			AdminID:      admin.ID,
			Admin:        admin.Name,
			Status:       ApprovalNotForwarded,
		}
		s.approvals[submissionID] = ap
	}
	sub.RawStatus = StatusApproved
	return *ap, nil
}

func (s *InMemory) Forward(ctx context.Context, submissionID string, head Actor) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[submissionID]; !ok {
		return Approval{}, NotFound("submission", submissionID)
	}
	ap, ok := s.approvals[submissionID]
	if !ok {
		return Approval{}, InvalidTransition("submission %s has not been approved", submissionID)
	}
	switch ap.Status {
	case ApprovalForwarded:
		return *ap, nil
	case ApprovalNotForwarded:
	default:
		return Approval{}, InvalidTransition("approval for %s is already %s", submissionID, ap.Status)
	}
	now := s.now()
	ap.Status = ApprovalForwarded
	ap.ForwardedAt = &now
	return *ap, nil
}

func (s *InMemory) Record(ctx context.Context, submissionID string, recorder Actor, status, comment string) (Record, error) {
	if !ValidRecordStatus(status) {
		return Record{}, InvalidInput("unknown record status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[submissionID]; !ok {
		return Record{}, NotFound("submission", submissionID)
	}
	ap, ok := s.approvals[submissionID]
	if !ok {
		return Record{}, InvalidTransition("submission %s has not been approved", submissionID)
	}
	if ap.Status != ApprovalForwarded && ap.Status != ApprovalRecorded {
		return Record{}, InvalidTransition("approval for %s is %s, not forwarded", submissionID, ap.Status)
	}
	rec, ok := s.records[ap.ID]
	if ok && rec.Status == RecordReleased {
		return Record{}, InvalidTransition("record %s is already released", rec.ID)
	}
	if ok && rec.Status == RecordRecorded && status == RecordNotRecorded {
		return Record{}, InvalidTransition("record %s is already recorded", rec.ID)
	}
	if !ok {
		rec = &Record{ID: newID(), ApprovalID: ap.ID}
		s.records[ap.ID] = rec
	}
	if status == RecordRecorded && rec.Status != RecordRecorded && rec.RecordedAt == nil {
		now := s.now()
		rec.RecordedAt = &now
	}
	rec.RecorderID = recorder.ID
	rec.Status = status
	rec.Comment = comment
	if status == RecordRecorded {
		ap.Status = ApprovalRecorded
	}
	return *rec, nil
}

func (s *InMemory) Release(ctx context.Context, recordID, priority string, targets []Target) ([]Release, error) {
	if err := ValidateTargets(targets); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ap := s.recordByIDLocked(recordID)
	if rec == nil {
		return nil, NotFound("record", recordID)
	}
	switch rec.Status {
	case RecordReleased:
		return s.releasesForLocked(recordID), nil
	case RecordRecorded:
	default:
		return nil, InvalidTransition("record %s is %s, not recorded", recordID, rec.Status)
	}
	for _, t := range targets {
		rel := &Release{
			ID:           newID(),
			RecordID:     recordID,
			ApprovalID:   ap.ID,
			SubmissionID: ap.SubmissionID,
			Department:   strings.TrimSpace(t.Department),
			Division:     strings.TrimSpace(t.Division),
			Priority:     priority,
			Mark:         MarkNotDone,
		}
		s.releases[rel.ID] = rel
		s.relOrder = append(s.relOrder, rel.ID)
	}
	rec.Status = RecordReleased
	ap.Status = ApprovalReleased
	return s.releasesForLocked(recordID), nil
}

func (s *InMemory) MarkDone(ctx context.Context, releaseID string) (Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[releaseID]
	if !ok {
		return Release{}, NotFound("release", releaseID)
	}
	rel.Mark = MarkDone
	return *rel, nil
}

func (s *InMemory) Respond(ctx context.Context, releaseID string, responder Actor, status, comment string, attachment []byte) (Response, error) {
	normalized, ok := NormalizeResponseStatus(status)
	if !ok {
		return Response{}, InvalidInput("unknown response status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[releaseID]
	if !ok {
		return Response{}, NotFound("release", releaseID)
	}
	if rel.Mark != MarkDone {
		return Response{}, PreconditionFailed("release %s is not marked done", releaseID)
	}
	if len(s.responses[releaseID]) > 0 {
		return Response{}, InvalidTransition("release %s already has a response", releaseID)
	}
	resp := &Response{
		ID:          newID(),
		ReleaseID:   releaseID,
		UserID:      responder.ID,
		Status:      normalized,
		Comment:     comment,
		Attachment:  cloneBytes(attachment),
		RespondedAt: s.now(),
	}
	s.responses[releaseID] = append(s.responses[releaseID], resp)
	out := *resp
	out.Attachment = cloneBytes(resp.Attachment)
	return out, nil
}

func (s *InMemory) SendForRevision(ctx context.Context, submissionID string, admin Actor, comment string) (Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return Revision{}, NotFound("submission", submissionID)
	}
	if ap, ok := s.approvals[submissionID]; ok {
		return Revision{}, InvalidTransition("submission %s is already %s", submissionID, ap.Status)
	}
	rev, ok := s.revisions[submissionID]
	if !ok {
		rev = &Revision{ID: newID(), SubmissionID: submissionID, CreatedAt: s.now()}
		s.revisions[submissionID] = rev
	}
	rev.Comment = comment
	rev.AdminID, rev.Admin = admin.ID, admin.Name
	sub.RawStatus = StatusRevise
	return *rev, nil
}

func (s *InMemory) Resubmit(ctx context.Context, submissionID string, payload []byte) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return Submission{}, NotFound("submission", submissionID)
	}
	if _, ok := s.revisions[submissionID]; !ok {
		return Submission{}, InvalidTransition("submission %s has no pending revision", submissionID)
	}
	delete(s.revisions, submissionID)
	sub.RawStatus = StatusPending
	if payload != nil {
		sub.Payload = cloneBytes(payload)
	}
	return s.projectLocked(sub), nil
}

func (s *InMemory) GetApproval(ctx context.Context, submissionID string) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.approvals[submissionID]
	if !ok {
		return Approval{}, NotFound("approval for submission", submissionID)
	}
	return *ap, nil
}

func (s *InMemory) GetRecord(ctx context.Context, approvalID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[approvalID]
	if !ok {
		return Record{}, NotFound("record for approval", approvalID)
	}
	return *rec, nil
}

func (s *InMemory) GetRelease(ctx context.Context, releaseID string) (Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[releaseID]
	if !ok {
		return Release{}, NotFound("release", releaseID)
	}
	return *rel, nil
}

func (s *InMemory) ListReleases(ctx context.Context, recordID string) ([]Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, _ := s.recordByIDLocked(recordID); rec == nil {
		return nil, NotFound("record", recordID)
	}
	return s.releasesForLocked(recordID), nil
}

func (s *InMemory) ListResponses(ctx context.Context, releaseID string) ([]Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[releaseID]; !ok {
		return nil, NotFound("release", releaseID)
	}
	var out []Response
	for _, r := range s.responses[releaseID] {
		cp := *r
		cp.Attachment = cloneBytes(r.Attachment)
		out = append(out, cp)
	}
	return out, nil
}

// MarkOverride flags every derived row attributable to the user, matching by
// id, by admin full name, or through the approval chain.
func (s *InMemory) MarkOverride(ctx context.Context, userID, fullName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matchedApprovals := map[string]bool{}
	for _, ap := range s.approvals {
		if ap.OwnerID == userID || ap.AdminID == userID || (fullName != "" && ap.Admin == fullName) {
			ap.Override = true
			matchedApprovals[ap.ID] = true
		}
	}
	matchedRecords := map[string]bool{}
	for approvalID, rec := range s.records {
		if rec.RecorderID == userID || matchedApprovals[approvalID] {
			rec.Override = true
			matchedRecords[rec.ID] = true
		}
	}
	matchedReleases := map[string]bool{}
	for _, rel := range s.releases {
		if matchedRecords[rel.RecordID] {
			rel.Override = true
			matchedReleases[rel.ID] = true
		}
	}
	for releaseID, list := range s.responses {
		for _, resp := range list {
			if resp.UserID == userID || matchedReleases[releaseID] {
				resp.Override = true
			}
		}
	}
	for subID, rev := range s.revisions {
		owner := ""
		if sub, ok := s.submissions[subID]; ok {
			owner = sub.OwnerID
		}
		if rev.AdminID == userID || owner == userID || (fullName != "" && rev.Admin == fullName) {
			rev.Override = true
		}
	}
	return nil
}

func (s *InMemory) projectLocked(sub *Submission) Submission {
	out := *sub
	out.Payload = cloneBytes(sub.Payload)
	_, revised := s.revisions[sub.ID]
	out.Status = DisplayStatus(sub.RawStatus, revised)
	return out
}

func (s *InMemory) recordByIDLocked(recordID string) (*Record, *Approval) {
	for approvalID, rec := range s.records {
		if rec.ID != recordID {
			continue
		}
		for _, ap := range s.approvals {
			if ap.ID == approvalID {
				return rec, ap
			}
		}
		return rec, &Approval{ID: approvalID}
	}
	return nil, nil
}

func (s *InMemory) releasesForLocked(recordID string) []Release {
	var out []Release
	for _, id := range s.relOrder {
		if rel := s.releases[id]; rel.RecordID == recordID {
			out = append(out, *rel)
		}
	}
	return out
}

// ValidateNewSubmission checks the fields required to create a submission.
func ValidateNewSubmission(in NewSubmission) error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return InvalidInput("owner is required")
	}
	if strings.TrimSpace(in.Kind) == "" {
		return InvalidInput("kind is required")
	}
	return nil
}
