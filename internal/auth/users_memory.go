package auth

import (
	"context"
	"sync"
	"time"
)

// InMemoryUsers is a UserStore for tests and database-less runs.
type InMemoryUsers struct {
	mu    sync.Mutex
	users map[string]User
}

var _ UserStore = (*InMemoryUsers)(nil)

func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{users: make(map[string]User)}
}

func (s *InMemoryUsers) CreateUser(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return User{}, ErrConflict
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = u
	return u, nil
}

func (s *InMemoryUsers) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryUsers) SetUserStatus(ctx context.Context, id, status string) (User, error) {
	return s.update(id, func(u *User) { u.Status = status })
}

func (s *InMemoryUsers) SetUserRole(ctx context.Context, id, role string) (User, error) {
	return s.update(id, func(u *User) { u.Role = role })
}

func (s *InMemoryUsers) SetUserPassword(ctx context.Context, id, hash string) error {
	_, err := s.update(id, func(u *User) { u.PasswordHash = hash })
	return err
}

func (s *InMemoryUsers) update(id string, fn func(*User)) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return u, nil
}
