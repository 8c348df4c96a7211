package httpapi

import (
	"net/http"
	"strings"
	"time"

	"docflow.org/internal/audit"
	"docflow.org/internal/auth"
)

type tokenRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      auth.User `json:"user"`
}

type createUserRequest struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.users == nil {
		writeError(w, r, http.StatusServiceUnavailable, "user directory disabled")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and password are required")
		return
	}

	tok, u, err := a.users.Authenticate(r.Context(), req.UserID, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.token.rejected", map[string]any{"user_id": strings.TrimSpace(req.UserID)})
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user_id":    u.ID,
		"role":       u.Role,
		"expires_at": tok.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt, User: u})
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.usersEnabled(w, r) || !authorize(w, r, auth.RoleSuperadmin) {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.users.CreateUser(r.Context(), auth.NewUser{ID: req.ID, FullName: req.FullName, Role: req.Role, Password: req.Password})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.create", map[string]any{"target": u.ID, "role": u.Role})
	w.Header().Set("Location", "/v1/users/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/users/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if !a.usersEnabled(w, r) {
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.selfOrSuperadmin(w, r, id) {
			return
		}
		u, err := a.users.GetUser(r.Context(), id)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch action {
	case "status":
		if !authorize(w, r, auth.RoleSuperadmin) {
			return
		}
		var req statusRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		u, err := a.users.SetStatus(r.Context(), id, req.Status)
		a.userResult(w, r, "users.status", u, err)
	case "role":
		if !authorize(w, r, auth.RoleSuperadmin) {
			return
		}
		var req roleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		u, err := a.users.SetRole(r.Context(), id, req.Role)
		a.userResult(w, r, "users.role", u, err)
	case "password":
		if !a.selfOrSuperadmin(w, r, id) {
			return
		}
		var req passwordRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.users.SetPassword(r.Context(), id, req.Password); err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "users.password", map[string]any{"target": id})
		w.WriteHeader(http.StatusNoContent)
	case "impersonate":
		caller, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		tok, u, err := a.users.Impersonate(r.Context(), caller, id)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "users.impersonate", map[string]any{
			"target":     u.ID,
			"expires_at": tok.ExpiresAt.Format(time.RFC3339),
		})
		writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt, User: u})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) userResult(w http.ResponseWriter, r *http.Request, event string, u auth.User, err error) {
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{"target": u.ID, "role": u.Role, "status": u.Status})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) usersEnabled(w http.ResponseWriter, r *http.Request) bool {
	if a.users == nil {
		writeError(w, r, http.StatusServiceUnavailable, "user directory disabled")
		return false
	}
	return true
}

func (a *API) selfOrSuperadmin(w http.ResponseWriter, r *http.Request, userID string) bool {
	caller, ok := auth.IdentityFromContext(r.Context())
	if ok && caller.UserID == userID && caller.ImpersonatedBy == "" {
		return true
	}
	return authorize(w, r, auth.RoleSuperadmin)
}
