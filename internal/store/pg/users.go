package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"docflow.org/internal/auth"
)

var _ auth.UserStore = (*Store)(nil)

const userColumns = `id, full_name, role, status, coalesce(password_hash, ''), created_at, updated_at`

func scanUser(row scanner) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.FullName, &u.Role, &u.Status, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, full_name, role, status, password_hash)
		values ($1, $2, $3, $4, $5)
		returning `+userColumns,
		u.ID, u.FullName, u.Role, u.Status, nullIfEmpty(u.PasswordHash))
	created, err := scanUser(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, auth.ErrConflict
		}
		return auth.User{}, err
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) SetUserStatus(ctx context.Context, id, status string) (auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		update users set status = $2, updated_at = now()
		where id = $1
		returning `+userColumns, id, status))
}

func (s *Store) SetUserRole(ctx context.Context, id, role string) (auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		update users set role = $2, updated_at = now()
		where id = $1
		returning `+userColumns, id, role))
}

func (s *Store) SetUserPassword(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, id, hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
