package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docflow.org/internal/auth"
)

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name      string
		ctx       func(context.Context) context.Context
		wantCode  int
		challenge bool
	}{
		{
			name:     "matching role",
			ctx:      func(ctx context.Context) context.Context { return auth.ContextWithUser(ctx, "u-1", []string{auth.RoleRecorder}) },
			wantCode: http.StatusOK,
		},
		{
			name:     "superadmin holds every role",
			ctx:      func(ctx context.Context) context.Context { return auth.ContextWithUser(ctx, "root", []string{auth.RoleSuperadmin}) },
			wantCode: http.StatusOK,
		},
		{
			name:      "other role",
			ctx:       func(ctx context.Context) context.Context { return auth.ContextWithUser(ctx, "u-1", []string{auth.RoleEmployee}) },
			wantCode:  http.StatusForbidden,
			challenge: true,
		},
		{
			name:      "anonymous",
			ctx:       func(ctx context.Context) context.Context { return ctx },
			wantCode:  http.StatusUnauthorized,
			challenge: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := RequireRole(auth.RoleRecorder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/v1/submissions/abc/record", nil)
			req = req.WithContext(tc.ctx(req.Context()))

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rr.Code)
			}
			if got := rr.Header().Get("WWW-Authenticate"); tc.challenge && got == "" {
				t.Fatalf("expected WWW-Authenticate header set")
			}
		})
	}
}

func TestWithAuthInstallsIdentity(t *testing.T) {
	t.Setenv("DOCFLOW_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	token, err := auth.GenerateToken(auth.Identity{UserID: "u-imp", Name: "Ivy", Roles: []string{auth.RoleHead}, ImpersonatedBy: "root"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	var got lifecycleActor
	api := &API{}
	handler := api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFromContext(r.Context())
		got = lifecycleActor{id: actor(r).ID, name: actor(r).Name, by: id.ImpersonatedBy}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/submissions", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got != (lifecycleActor{id: "u-imp", name: "Ivy", by: "root"}) {
		t.Fatalf("unexpected identity: %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/submissions", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for basic auth, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("public path must skip auth, got %d", rr.Code)
	}
}

type lifecycleActor struct {
	id, name, by string
}
