package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"docflow.org/internal/auth"
	"docflow.org/internal/lifecycle"
	"docflow.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	handler http.Handler
	dir     *auth.Directory
	docs    *lifecycle.InMemory
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("DOCFLOW_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	docs := lifecycle.NewInMemory()
	dir := auth.NewDirectory(auth.NewInMemoryUsers(), nil)
	st := stream.New()
	api := New(ReadyProbe{}, "test", stream.NewPublishing(docs, st), dir, st, WithRateLimit(1000, 1000))

	handler := api.Handler()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		handler: handler,
		dir:     dir,
		docs:    docs,
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// login creates the user directly in the directory and exchanges the
// password for a bearer header through the token endpoint.
func (c *apiClient) login(id, fullName, role string) map[string]string {
	c.t.Helper()
	password := "pw-" + id + "-secret"
	if _, err := c.dir.CreateUser(context.Background(), auth.NewUser{ID: id, FullName: fullName, Role: role, Password: password}); err != nil {
		c.t.Fatalf("create user %s: %v", id, err)
	}
	return c.obtainToken(id, password)
}

func (c *apiClient) obtainToken(userID, password string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user_id":  userID,
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body := decode[map[string]any](t, resp)
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func TestAPIDocumentPipeline(t *testing.T) {
	api := newTestAPI(t)
	employee := api.login("u-emp", "Erin Employee", auth.RoleEmployee)
	admin := api.login("u-adm", "Ada Admin", auth.RoleAdmin)
	head := api.login("u-head", "Hal Head", auth.RoleHead)
	recorder := api.login("u-rec", "Rita Recorder", auth.RoleRecorder)
	releaser := api.login("u-rel", "Rex Releaser", auth.RoleReleaser)
	department := api.login("u-dep", "Dee Department", auth.RoleDepartment)

	resp := api.post("/v1/submissions", map[string]any{
		"kind":     "memo",
		"priority": "high",
		"payload":  []byte(`{"title":"budget"}`),
	}, employee)
	expectStatus(t, resp, http.StatusCreated)
	sub := decode[lifecycle.Submission](t, resp)
	if sub.OwnerID != "u-emp" || sub.Status != lifecycle.StatusPending {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	resp = api.post("/v1/submissions/"+sub.ID+"/approve", nil, employee)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/submissions/"+sub.ID+"/approve", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	ap := decode[lifecycle.Approval](t, resp)
	if ap.Admin != "Ada Admin" || ap.Status != lifecycle.ApprovalNotForwarded {
		t.Fatalf("unexpected approval: %+v", ap)
	}

	resp = api.post("/v1/submissions/"+sub.ID+"/record", map[string]any{"status": "recorded"}, recorder)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.post("/v1/submissions/"+sub.ID+"/forward", nil, head)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/v1/submissions/"+sub.ID+"/record", map[string]any{"status": "recorded", "comment": "logged"}, recorder)
	expectStatus(t, resp, http.StatusOK)
	rec := decode[lifecycle.Record](t, resp)

	resp = api.post("/v1/submissions/"+sub.ID+"/record", map[string]any{"status": "recorded", "comment": "logged"}, recorder)
	expectStatus(t, resp, http.StatusOK)
	if again := decode[lifecycle.Record](t, resp); again.ID != rec.ID {
		t.Fatalf("recording twice must return the same record: %s vs %s", again.ID, rec.ID)
	}

	resp = api.get("/v1/approvals/"+ap.ID+"/record", nil, employee)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/v1/records/"+rec.ID+"/release", map[string]any{
		"priority": "urgent",
		"targets": []map[string]string{
			{"department": "Dept A", "division": "Div 1"},
			{"department": "Dept B", "division": "Div 2"},
		},
	}, releaser)
	expectStatus(t, resp, http.StatusCreated)
	rels := decode[listResponse[lifecycle.Release]](t, resp).Items
	if len(rels) != 2 {
		t.Fatalf("expected 2 releases, got %d", len(rels))
	}

	resp = api.post("/v1/releases/"+rels[0].ID+"/done", nil, department)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/v1/releases/"+rels[0].ID+"/respond", map[string]any{"status": "actioned", "comment": "filed"}, department)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.post("/v1/releases/"+rels[1].ID+"/respond", map[string]any{"status": "actioned"}, department)
	expectStatus(t, resp, http.StatusPreconditionFailed)
	resp.Body.Close()

	resp = api.post("/v1/releases/"+rels[0].ID+"/respond", map[string]any{"status": "not actioned"}, department)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.get("/v1/releases/"+rels[0].ID+"/responses", nil, employee)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[listResponse[lifecycle.Response]](t, resp).Items; len(got) != 1 {
		t.Fatalf("expected one response, got %d", len(got))
	}

	resp = api.get("/v1/records/"+rec.ID+"/releases", nil, employee)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[listResponse[lifecycle.Release]](t, resp).Items; len(got) != 2 {
		t.Fatalf("expected two releases, got %d", len(got))
	}
}

func TestAPIRevisionRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	employee := api.login("u-emp", "Erin Employee", auth.RoleEmployee)
	other := api.login("u-emp2", "Otto Other", auth.RoleEmployee)
	admin := api.login("u-adm", "Ada Admin", auth.RoleAdmin)

	resp := api.post("/v1/submissions", map[string]any{"kind": "memo"}, employee)
	expectStatus(t, resp, http.StatusCreated)
	sub := decode[lifecycle.Submission](t, resp)

	resp = api.post("/v1/submissions/"+sub.ID+"/revise", map[string]any{"comment": "fix totals"}, admin)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/submissions/"+sub.ID, nil, employee)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[lifecycle.Submission](t, resp); got.Status != lifecycle.DisplayRevision {
		t.Fatalf("expected display status Revision, got %q", got.Status)
	}

	resp = api.post("/v1/submissions/"+sub.ID+"/approve", nil, admin)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.post("/v1/submissions/"+sub.ID+"/resubmit", nil, other)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/submissions/"+sub.ID+"/resubmit", map[string]any{"payload": []byte("v2")}, employee)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[lifecycle.Submission](t, resp); got.Status != lifecycle.StatusPending || string(got.Payload) != "v2" {
		t.Fatalf("unexpected resubmitted submission: %+v", got)
	}

	resp = api.get("/v1/submissions", url.Values{"owner": []string{"u-emp"}}, admin)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[listResponse[lifecycle.Submission]](t, resp).Items; len(got) != 1 {
		t.Fatalf("expected one submission for owner, got %d", len(got))
	}
}

func TestAPIErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	employee := api.login("u-emp", "Erin Employee", auth.RoleEmployee)
	releaser := api.login("u-rel", "Rex Releaser", auth.RoleReleaser)

	resp := api.get("/v1/submissions/missing", nil, employee)
	expectStatus(t, resp, http.StatusNotFound)
	body := decode[map[string]any](t, resp)
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in error body: %v", body)
	}

	resp = api.post("/v1/submissions", map[string]any{"kind": ""}, employee)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/submissions", map[string]any{"kind": "memo", "unknown": true}, employee)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/records/missing/release", map[string]any{"targets": []map[string]string{}}, releaser)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.get("/v1/submissions/abc/approve", nil, employee)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", resp.Header.Get("Allow"))
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/submissions", map[string]any{"kind": "memo"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}

	resp2 := api.get("/v1/submissions", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	expectStatus(t, resp2, http.StatusUnauthorized)
	resp2.Body.Close()

	resp3 := api.get("/healthz", nil, nil)
	expectStatus(t, resp3, http.StatusOK)
	resp3.Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"user_id": ""}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	api.login("u-emp", "Erin Employee", auth.RoleEmployee)
	resp = api.post("/v1/auth/token", map[string]any{"user_id": "u-emp", "password": "wrong-password"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAPIUserManagement(t *testing.T) {
	api := newTestAPI(t)
	root := api.login("root", "Root Admin", auth.RoleSuperadmin)
	admin := api.login("u-adm", "Ada Admin", auth.RoleAdmin)

	resp := api.post("/v1/users", map[string]any{"id": "u-new", "full_name": "Nia New", "role": "recorder", "password": "initial-pass"}, admin)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/users", map[string]any{"id": "u-new", "full_name": "Nia New", "role": "recorder", "password": "initial-pass"}, root)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[map[string]any](t, resp)
	if _, leaked := created["PasswordHash"]; leaked {
		t.Fatalf("password hash must not be serialized")
	}

	resp = api.post("/v1/users", map[string]any{"id": "u-new", "full_name": "Nia New", "role": "recorder"}, root)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.post("/v1/users/u-new/role", map[string]any{"role": "wizard"}, root)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/users/u-new/role", map[string]any{"role": "releaser"}, root)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[auth.User](t, resp); got.Role != auth.RoleReleaser {
		t.Fatalf("role not updated: %+v", got)
	}

	newUser := api.obtainToken("u-new", "initial-pass")
	resp = api.post("/v1/users/u-new/password", map[string]any{"password": "rotated-pass"}, newUser)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	api.obtainToken("u-new", "rotated-pass")

	resp = api.get("/v1/users/u-adm", nil, newUser)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/users/u-new/impersonate", nil, root)
	expectStatus(t, resp, http.StatusOK)
	imp := decode[tokenResponse](t, resp)
	claims, err := auth.ParseAndValidate(imp.Token)
	if err != nil {
		t.Fatalf("parse impersonation token: %v", err)
	}
	if claims.Subject != "u-new" || claims.Act != "root" {
		t.Fatalf("unexpected impersonation claims: %+v", claims)
	}

	resp = api.post("/v1/users/u-new/status", map[string]any{"status": "disabled"}, root)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/v1/auth/token", map[string]any{"user_id": "u-new", "password": "rotated-pass"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestStreamDeliversTransitions(t *testing.T) {
	api := newTestAPI(t)
	employee := api.login("u-emp", "Erin Employee", auth.RoleEmployee)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", employee["Authorization"])
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// The handshake comment is flushed after the subscription is registered.
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	sub := api.post("/v1/submissions", map[string]any{"kind": "memo"}, employee)
	expectStatus(t, sub, http.StatusCreated)
	created := decode[lifecycle.Submission](t, sub)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.TransitionEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Transition != lifecycle.TransitionSubmit || evt.EntityID != created.ID {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
}

func TestAPIReviseAcceptsChunkedEmptyBody(t *testing.T) {
	api := newTestAPI(t)
	employee := api.login("u-emp", "Erin Employee", auth.RoleEmployee)
	admin := api.login("u-adm", "Ada Admin", auth.RoleAdmin)

	resp := api.post("/v1/submissions", map[string]any{"kind": "memo"}, employee)
	expectStatus(t, resp, http.StatusCreated)
	sub := decode[lifecycle.Submission](t, resp)

	// no Content-Length, as sent by clients streaming an empty chunked body
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions/"+sub.ID+"/revise", io.NopCloser(strings.NewReader("")))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	for k, v := range admin {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty chunked body, got %d: %s", rec.Code, rec.Body.String())
	}

	resp = api.get("/v1/submissions/"+sub.ID, nil, employee)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[lifecycle.Submission](t, resp); got.Status != lifecycle.DisplayRevision {
		t.Fatalf("expected display status Revision, got %q", got.Status)
	}
}

func TestAPIReviseRejectsMalformedChunkedBody(t *testing.T) {
	api := newTestAPI(t)
	employee := api.login("u-emp", "Erin Employee", auth.RoleEmployee)
	admin := api.login("u-adm", "Ada Admin", auth.RoleAdmin)

	resp := api.post("/v1/submissions", map[string]any{"kind": "memo"}, employee)
	expectStatus(t, resp, http.StatusCreated)
	sub := decode[lifecycle.Submission](t, resp)

	req := httptest.NewRequest(http.MethodPost, "/v1/submissions/"+sub.ID+"/revise", io.NopCloser(strings.NewReader(`{"comment":`)))
	req.ContentLength = -1
	for k, v := range admin {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for truncated body, got %d", rec.Code)
	}
}
