package httpapi

import (
	"net/http"
	"strings"

	"docflow.org/internal/auth"
	"docflow.org/internal/lifecycle"
)

type submitRequest struct {
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	Payload  []byte `json:"payload"`
	Note     string `json:"note"`
}

type commentRequest struct {
	Comment string `json:"comment"`
}

type resubmitRequest struct {
	Payload []byte `json:"payload"`
}

type recordRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

type releaseRequest struct {
	Priority string             `json:"priority"`
	Targets  []lifecycle.Target `json:"targets"`
}

type respondRequest struct {
	Status     string `json:"status"`
	Comment    string `json:"comment"`
	Attachment []byte `json:"attachment"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items}
}

func (a *API) handleSubmissionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submit(w, r)
	case http.MethodGet:
		subs, err := a.docs.ListSubmissions(r.Context(), r.URL.Query().Get("owner"))
		if err != nil {
			handleLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list(subs))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.RoleEmployee) {
		return
	}
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := a.docs.Submit(r.Context(), lifecycle.NewSubmission{
		OwnerID:  actor(r).ID,
		Kind:     req.Kind,
		Priority: req.Priority,
		Payload:  req.Payload,
		Note:     req.Note,
	})
	if err != nil {
		handleLifecycleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/submissions/"+sub.ID)
	writeJSON(w, http.StatusCreated, sub)
}

func (a *API) handleSubmissionResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/submissions/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if action == "" || action == "approval" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		var (
			out any
			err error
		)
		if action == "" {
			out, err = a.docs.GetSubmission(r.Context(), id)
		} else {
			out, err = a.docs.GetApproval(r.Context(), id)
		}
		if err != nil {
			handleLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch action {
	case "approve":
		if !authorize(w, r, auth.RoleAdmin) {
			return
		}
		ap, err := a.docs.Approve(r.Context(), id, actor(r))
		a.respond(w, r, http.StatusOK, ap, err)
	case "revise":
		if !authorize(w, r, auth.RoleAdmin) {
			return
		}
		var req commentRequest
		if err := decodeOptionalJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rev, err := a.docs.SendForRevision(r.Context(), id, actor(r), req.Comment)
		a.respond(w, r, http.StatusOK, rev, err)
	case "resubmit":
		if !authorize(w, r, auth.RoleEmployee) {
			return
		}
		var req resubmitRequest
		if err := decodeOptionalJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if !a.ownsSubmission(w, r, id) {
			return
		}
		sub, err := a.docs.Resubmit(r.Context(), id, req.Payload)
		a.respond(w, r, http.StatusOK, sub, err)
	case "forward":
		if !authorize(w, r, auth.RoleHead) {
			return
		}
		ap, err := a.docs.Forward(r.Context(), id, actor(r))
		a.respond(w, r, http.StatusOK, ap, err)
	case "record":
		if !authorize(w, r, auth.RoleRecorder) {
			return
		}
		var req recordRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := a.docs.Record(r.Context(), id, actor(r), strings.TrimSpace(req.Status), req.Comment)
		a.respond(w, r, http.StatusOK, rec, err)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// ownsSubmission lets only the owner (or a superadmin) resubmit.
func (a *API) ownsSubmission(w http.ResponseWriter, r *http.Request, id string) bool {
	sub, err := a.docs.GetSubmission(r.Context(), id)
	if err != nil {
		handleLifecycleError(w, r, err)
		return false
	}
	caller, _ := auth.IdentityFromContext(r.Context())
	if sub.OwnerID != caller.UserID && !caller.HasRole(auth.RoleSuperadmin) {
		writeError(w, r, http.StatusForbidden, "only the owner may resubmit")
		return false
	}
	return true
}

func (a *API) handleApprovalResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/approvals/")
	if !ok || action != "record" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	rec, err := a.docs.GetRecord(r.Context(), id)
	a.respond(w, r, http.StatusOK, rec, err)
}

func (a *API) handleRecordResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/records/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch action {
	case "release":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !authorize(w, r, auth.RoleReleaser) {
			return
		}
		var req releaseRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rels, err := a.docs.Release(r.Context(), id, req.Priority, req.Targets)
		if err != nil {
			handleLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, list(rels))
	case "releases":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		rels, err := a.docs.ListReleases(r.Context(), id)
		if err != nil {
			handleLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list(rels))
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleReleaseResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/releases/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		rel, err := a.docs.GetRelease(r.Context(), id)
		a.respond(w, r, http.StatusOK, rel, err)
	case "responses":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		resps, err := a.docs.ListResponses(r.Context(), id)
		if err != nil {
			handleLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list(resps))
	case "done":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !authorize(w, r, auth.RoleDepartment) {
			return
		}
		rel, err := a.docs.MarkDone(r.Context(), id)
		a.respond(w, r, http.StatusOK, rel, err)
	case "respond":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !authorize(w, r, auth.RoleDepartment) {
			return
		}
		var req respondRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		resp, err := a.docs.Respond(r.Context(), id, actor(r), req.Status, req.Comment, req.Attachment)
		a.respond(w, r, http.StatusCreated, resp, err)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, code int, v any, err error) {
	if err != nil {
		handleLifecycleError(w, r, err)
		return
	}
	writeJSON(w, code, v)
}
