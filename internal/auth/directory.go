package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docflow.org/internal/ids"
	"docflow.org/internal/obs"
)

// User is a directory entry.
type User struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewUser carries the fields accepted when creating a user.
type NewUser struct {
	ID       string
	FullName string
	Role     string
	Password string
}

// UserStore persists directory entries.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	SetUserStatus(ctx context.Context, id, status string) (User, error)
	SetUserRole(ctx context.Context, id, role string) (User, error)
	SetUserPassword(ctx context.Context, id, hash string) error
}

// Tagger marks lifecycle rows attributable to a user. Implementations must not block.
type Tagger interface {
	Tag(userID, fullName string)
}

// Token is an issued bearer token.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Directory manages users. Every status change, role change and
// impersonation triggers the tagger for the affected user.
type Directory struct {
	store            UserStore
	tagger           Tagger
	tokenTTL         time.Duration
	impersonationTTL time.Duration
}

// DirectoryOption configures Directory.
type DirectoryOption func(*Directory)

func WithTokenTTL(d time.Duration) DirectoryOption {
	return func(dir *Directory) {
		if d > 0 {
			dir.tokenTTL = d
		}
	}
}

func WithImpersonationTTL(d time.Duration) DirectoryOption {
	return func(dir *Directory) {
		if d > 0 {
			dir.impersonationTTL = d
		}
	}
}

func NewDirectory(store UserStore, tagger Tagger, opts ...DirectoryOption) *Directory {
	d := &Directory{
		store:            store,
		tagger:           tagger,
		tokenTTL:         time.Hour,
		impersonationTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) CreateUser(ctx context.Context, in NewUser) (User, error) {
	u := User{
		ID:       strings.TrimSpace(in.ID),
		FullName: strings.TrimSpace(in.FullName),
		Role:     strings.ToLower(strings.TrimSpace(in.Role)),
		Status:   UserStatusActive,
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.FullName == "" {
		return User{}, fmt.Errorf("%w: full_name is required", ErrInvalidInput)
	}
	if !ValidRole(u.Role) {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if in.Password != "" {
		hash, err := HashPassword(in.Password)
		if err != nil {
			return User{}, err
		}
		u.PasswordHash = hash
	}
	return d.store.CreateUser(ctx, u)
}

// EnsureUser returns the existing user or creates it.
func (d *Directory) EnsureUser(ctx context.Context, in NewUser) (User, error) {
	u, err := d.store.GetUser(ctx, strings.TrimSpace(in.ID))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	return d.CreateUser(ctx, in)
}

func (d *Directory) GetUser(ctx context.Context, id string) (User, error) {
	return d.store.GetUser(ctx, strings.TrimSpace(id))
}

func (d *Directory) SetStatus(ctx context.Context, userID, status string) (User, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !ValidStatus(status) {
		return User{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	u, err := d.store.SetUserStatus(ctx, userID, status)
	if err != nil {
		return User{}, err
	}
	d.tag(u, "status")
	return u, nil
}

func (d *Directory) SetRole(ctx context.Context, userID, role string) (User, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if !ValidRole(role) {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	u, err := d.store.SetUserRole(ctx, userID, role)
	if err != nil {
		return User{}, err
	}
	d.tag(u, "role")
	return u, nil
}

func (d *Directory) SetPassword(ctx context.Context, userID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return d.store.SetUserPassword(ctx, userID, hash)
}

// Authenticate verifies a password and issues a token for the user's role.
func (d *Directory) Authenticate(ctx context.Context, userID, password string) (Token, User, error) {
	u, err := d.store.GetUser(ctx, strings.TrimSpace(userID))
	if errors.Is(err, ErrNotFound) {
		return Token{}, User{}, ErrInvalidCredentials
	}
	if err != nil {
		return Token{}, User{}, err
	}
	if u.Status != UserStatusActive {
		return Token{}, User{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return Token{}, User{}, err
	}
	tok, err := issue(Identity{UserID: u.ID, Name: u.FullName, Roles: []string{u.Role}}, d.tokenTTL)
	return tok, u, err
}

// Impersonate issues a short-lived token acting as target on behalf of a superadmin.
func (d *Directory) Impersonate(ctx context.Context, actor Identity, targetID string) (Token, User, error) {
	if !actor.HasRole(RoleSuperadmin) {
		return Token{}, User{}, ErrForbidden
	}
	u, err := d.store.GetUser(ctx, strings.TrimSpace(targetID))
	if err != nil {
		return Token{}, User{}, err
	}
	if u.Status != UserStatusActive {
		return Token{}, User{}, fmt.Errorf("%w: user %s is %s", ErrForbidden, u.ID, u.Status)
	}
	d.tag(u, "impersonate")
	tok, err := issue(Identity{UserID: u.ID, Name: u.FullName, Roles: []string{u.Role}, ImpersonatedBy: actor.UserID}, d.impersonationTTL)
	return tok, u, err
}

func (d *Directory) tag(u User, reason string) {
	obs.Info("auth.override_requested", map[string]any{"user_id": u.ID, "reason": reason})
	if d.tagger != nil {
		d.tagger.Tag(u.ID, u.FullName)
	}
}

func issue(id Identity, ttl time.Duration) (Token, error) {
	signed, err := GenerateToken(id, ttl)
	if err != nil {
		return Token{}, err
	}
	return Token{Token: signed, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}
