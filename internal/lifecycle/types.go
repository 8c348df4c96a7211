package lifecycle

import (
	"strings"
	"time"

	"docflow.org/internal/ids"
)

// Raw submission statuses as stored in submissions.status.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRevise   = "revise"
)

// DisplayRevision is the projected status of a submission with a live revision row.
const DisplayRevision = "Revision"

// Approval statuses.
const (
	ApprovalNotForwarded = "not_forwarded"
	ApprovalForwarded    = "forwarded"
	ApprovalRecorded     = "recorded"
	ApprovalReleased     = "released"
)

// Record statuses.
const (
	RecordRecorded    = "recorded"
	RecordNotRecorded = "not_recorded"
	RecordReleased    = "released"
)

// Release marks.
const (
	MarkDone    = "done"
	MarkNotDone = "not_done"
)

// Response statuses.
const (
	ResponseActioned    = "actioned"
	ResponseNotActioned = "not actioned"
)

// Transition names used for metrics, audit events and the event stream.
const (
	TransitionSubmit          = "submit"
	TransitionApprove         = "approve"
	TransitionForward         = "forward"
	TransitionRecord          = "record"
	TransitionRelease         = "release"
	TransitionMarkDone        = "mark_done"
	TransitionRespond         = "respond"
	TransitionSendForRevision = "send_for_revision"
	TransitionResubmit        = "resubmit"
)

// Actor identifies the user performing a transition. Name is the full name
// recorded as the admin identity on approvals and revisions.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Submission is the originally authored document. Status is the display status.
type Submission struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Kind        string    `json:"kind"`
	Priority    string    `json:"priority"`
	Payload     []byte    `json:"payload,omitempty"`
	Note        string    `json:"note,omitempty"`
	RawStatus   string    `json:"raw_status"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewSubmission carries the fields an employee provides when submitting.
type NewSubmission struct {
	OwnerID  string
	Kind     string
	Priority string
	Payload  []byte
	Note     string
}

// Approval is the admin decision and forwarding state of a submission.
type Approval struct {
	ID           string     `json:"id"`
	SubmissionID string     `json:"submission_id"`
	OwnerID      string     `json:"owner_id"`
	AdminID      string     `json:"admin_id"`
	Admin        string     `json:"admin"`
	Status       string     `json:"status"`
	ForwardedAt  *time.Time `json:"forwarded_at,omitempty"`
	Override     bool       `json:"override"`
}

// Record is the recorder's ledger entry for a forwarded approval.
type Record struct {
	ID         string     `json:"id"`
	ApprovalID string     `json:"approval_id"`
	RecorderID string     `json:"recorder_id"`
	Status     string     `json:"status"`
	Comment    string     `json:"comment,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
	Override   bool       `json:"override"`
}

// Target is one department/division a record is released to.
type Target struct {
	Department string `json:"department"`
	Division   string `json:"division"`
}

// Release is one outbound copy of a recorded document.
type Release struct {
	ID           string `json:"id"`
	RecordID     string `json:"record_id"`
	ApprovalID   string `json:"approval_id,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	Department   string `json:"department"`
	Division     string `json:"division"`
	Priority     string `json:"priority"`
	Mark         string `json:"mark"`
	Override     bool   `json:"override"`
}

// Response is a target department's reply to a release.
type Response struct {
	ID          string    `json:"id"`
	ReleaseID   string    `json:"release_id"`
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	Comment     string    `json:"comment,omitempty"`
	Attachment  []byte    `json:"attachment,omitempty"`
	Override    bool      `json:"override"`
	RespondedAt time.Time `json:"responded_at"`
}

// Revision is an admin's return-for-revision note.
type Revision struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	Comment      string    `json:"comment,omitempty"`
	AdminID      string    `json:"admin_id"`
	Admin        string    `json:"admin"`
	Override     bool      `json:"override"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayStatus projects the presentation status of a submission. A live
// revision wins over the raw column; a schema without the column reads as pending.
func DisplayStatus(raw string, hasRevision bool) string {
	if hasRevision {
		return DisplayRevision
	}
	if strings.TrimSpace(raw) == "" {
		return StatusPending
	}
	return raw
}

// ValidRecordStatus reports whether status may be requested by a recorder.
func ValidRecordStatus(status string) bool {
	return status == RecordRecorded || status == RecordNotRecorded
}

// NormalizeResponseStatus accepts the two response statuses, tolerating
// underscores and case differences.
func NormalizeResponseStatus(status string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(status, "_", " ")))
	switch s {
	case ResponseActioned, ResponseNotActioned:
		return s, true
	}
	return "", false
}

// ValidateTargets checks a release target list.
func ValidateTargets(targets []Target) error {
	if len(targets) == 0 {
		return InvalidInput("at least one release target is required")
	}
	for i, t := range targets {
		if strings.TrimSpace(t.Department) == "" || strings.TrimSpace(t.Division) == "" {
			return InvalidInput("target %d: department and division are required", i)
		}
	}
	return nil
}

func newID() string {
	return ids.New()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
