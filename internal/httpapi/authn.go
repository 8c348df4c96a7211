package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"docflow.org/internal/auth"
	"docflow.org/internal/lifecycle"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	challenge  = `Bearer realm="docflow"`
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", challenge)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", challenge+`, error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), claims.Identity())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers without role. Missing identity is 401.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorize(w, r, role) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authorize writes 401/403 and returns false unless the caller holds one of roles.
func authorize(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", challenge)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	for _, role := range roles {
		if id.HasRole(role) {
			return true
		}
	}
	w.Header().Set("WWW-Authenticate", challenge+`, error="insufficient_scope"`)
	writeError(w, r, http.StatusForbidden, "requires role "+strings.Join(roles, " or "))
	return false
}

// actor is the lifecycle identity of the caller.
func actor(r *http.Request) lifecycle.Actor {
	id, _ := auth.IdentityFromContext(r.Context())
	return lifecycle.Actor{ID: id.UserID, Name: id.Name}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
