package auth

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func withSecret(t *testing.T) {
	t.Helper()
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t)

	token, err := GenerateToken(Identity{UserID: "user-42", Name: "Ada Admin", Roles: []string{"Admin", "viewer", "admin"}}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" || claims.Name != "Ada Admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != issuer {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "viewer") || len(claims.Roles) != 2 {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	withSecret(t)
	token, err := GenerateToken(Identity{UserID: "u1", Roles: []string{"employee"}}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	SetSecret("another-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv(secretEnvVariable, "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if _, err := GenerateToken(Identity{UserID: "u1"}, time.Minute); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected errMissingSecret, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "viewer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	ident, ok := IdentityFromContext(ctx)
	if !ok || len(ident.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", ident.Roles)
	}
	if !ident.HasRole("viewer") || !ident.HasRole("admin") {
		t.Fatalf("HasRole missing expected roles: %v", ident.Roles)
	}
	if ident.HasRole("recorder") {
		t.Fatalf("unexpected role found")
	}
	root := Identity{UserID: "root", Roles: []string{RoleSuperadmin}}
	if !root.HasRole(RoleRecorder) {
		t.Fatalf("superadmin must hold every role")
	}
}

type recordingTagger struct {
	mu   sync.Mutex
	tags [][2]string
}

func (r *recordingTagger) Tag(userID, fullName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, [2]string{userID, fullName})
}

func (r *recordingTagger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tags)
}

func TestDirectoryTriggersTagger(t *testing.T) {
	withSecret(t)
	tagger := &recordingTagger{}
	dir := NewDirectory(NewInMemoryUsers(), tagger)
	ctx := context.Background()

	u, err := dir.CreateUser(ctx, NewUser{ID: "u-adm", FullName: "Ada Admin", Role: "admin", Password: "correct horse"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if tagger.count() != 0 {
		t.Fatalf("creating a user must not tag")
	}
	if _, err := dir.SetRole(ctx, u.ID, "head"); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	if _, err := dir.SetStatus(ctx, u.ID, "disabled"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if tagger.count() != 2 || tagger.tags[0] != [2]string{"u-adm", "Ada Admin"} {
		t.Fatalf("unexpected tags: %v", tagger.tags)
	}
	if _, err := dir.SetRole(ctx, u.ID, "wizard"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := dir.SetStatus(ctx, "missing", "active"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectoryAuthenticate(t *testing.T) {
	withSecret(t)
	dir := NewDirectory(NewInMemoryUsers(), nil)
	ctx := context.Background()
	if _, err := dir.CreateUser(ctx, NewUser{ID: "u-rec", FullName: "Rita Recorder", Role: "recorder", Password: "s3cret-pass"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	tok, u, err := dir.Authenticate(ctx, "u-rec", "s3cret-pass")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	claims, err := ParseAndValidate(tok.Token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Name != u.FullName || !slices.Contains(claims.Roles, "recorder") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, _, err := dir.Authenticate(ctx, "u-rec", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := dir.Authenticate(ctx, "nobody", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestImpersonateRequiresSuperadmin(t *testing.T) {
	withSecret(t)
	tagger := &recordingTagger{}
	dir := NewDirectory(NewInMemoryUsers(), tagger)
	ctx := context.Background()
	if _, err := dir.CreateUser(ctx, NewUser{ID: "u-emp", FullName: "Erin Employee", Role: "employee"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, _, err := dir.Impersonate(ctx, Identity{UserID: "u-adm", Roles: []string{"admin"}}, "u-emp"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	tok, _, err := dir.Impersonate(ctx, Identity{UserID: "root", Roles: []string{RoleSuperadmin}}, "u-emp")
	if err != nil {
		t.Fatalf("Impersonate: %v", err)
	}
	claims, err := ParseAndValidate(tok.Token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "u-emp" || claims.Act != "root" {
		t.Fatalf("unexpected impersonation claims: %+v", claims)
	}
	if tagger.count() != 1 {
		t.Fatalf("expected one tag, got %d", tagger.count())
	}
}
