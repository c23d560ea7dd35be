package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts a new account. A duplicate login is ErrDuplicate.
func (r *Registry) CreateUser(ctx context.Context, login, email string) (*User, error) {
	u := &User{
		ID:        uuid.New(),
		Login:     login,
		Email:     email,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, login, email, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		u.ID.String(), u.Login, u.Email, timeStr(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q: %w", login, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser retrieves an account by ID.
func (r *Registry) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, login, email, is_active, created_at FROM users WHERE id = ?`, id.String()))
}

// SetUserActive enables or disables an account. Tokens of a disabled
// account are rejected on their next use.
func (r *Registry) SetUserActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_active = ? WHERE id = ?`, boolInt(active), id.String())
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserByLogin retrieves an account by login name.
func (r *Registry) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, login, email, is_active, created_at FROM users WHERE login = ?`, login))
}

func (r *Registry) scanUser(row *sql.Row) (*User, error) {
	var (
		u       User
		id      string
		active  int
		created string
	)
	err := row.Scan(&id, &u.Login, &u.Email, &active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	u.IsActive = active != 0
	u.CreatedAt = parseTime(created)
	return &u, nil
}
