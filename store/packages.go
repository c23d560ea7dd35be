package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnsurePackage returns the package named name, creating it with owner
// as the first owner when it does not exist yet. Name matching is
// case-insensitive; the stored name keeps the first publisher's casing.
func (r *Registry) EnsurePackage(ctx context.Context, name string, owner uuid.UUID) (*Package, error) {
	pkg, err := r.GetPackage(ctx, name)
	if err == nil {
		return pkg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO packages (name, created_at) VALUES (?, ?)`, name, timeStr(now))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to another publisher.
			return r.GetPackage(ctx, name)
		}
		return nil, fmt.Errorf("insert package: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("package id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO owners (package_id, user_id, added_at) VALUES (?, ?, ?)`,
		id, owner.String(), timeStr(now)); err != nil {
		return nil, fmt.Errorf("insert first owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit package: %w", err)
	}
	return &Package{ID: id, Name: name, CreatedAt: now}, nil
}

// GetPackage retrieves a package by name, case-insensitively.
func (r *Registry) GetPackage(ctx context.Context, name string) (*Package, error) {
	var (
		pkg     Package
		created string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM packages WHERE name = ?`, name).
		Scan(&pkg.ID, &pkg.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	pkg.CreatedAt = parseTime(created)
	return &pkg, nil
}

// IsOwner reports whether the user owns the package.
func (r *Registry) IsOwner(ctx context.Context, packageID int64, userID uuid.UUID) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM owners WHERE package_id = ? AND user_id = ?`,
		packageID, userID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	return n > 0, nil
}

// ListOwners returns the package's owners ordered by login.
func (r *Registry) ListOwners(ctx context.Context, packageID int64) ([]*User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.login, u.email, u.is_active, u.created_at
		FROM owners o JOIN users u ON u.id = o.user_id
		WHERE o.package_id = ? ORDER BY u.login`, packageID)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var (
			u       User
			id      string
			active  int
			created string
		)
		if err := rows.Scan(&id, &u.Login, &u.Email, &active, &created); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		if u.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse owner id: %w", err)
		}
		u.IsActive = active != 0
		u.CreatedAt = parseTime(created)
		users = append(users, &u)
	}
	return users, rows.Err()
}

// AddOwner grants ownership to a user. Adding an existing owner is a
// no-op.
func (r *Registry) AddOwner(ctx context.Context, packageID int64, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO owners (package_id, user_id, added_at) VALUES (?, ?, ?)`,
		packageID, userID.String(), timeStr(time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("add owner: %w", err)
	}
	return nil
}

// RemoveOwner revokes ownership. Removing the last owner fails with
// ErrConflict so no package becomes orphaned.
func (r *Registry) RemoveOwner(ctx context.Context, packageID int64, userID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM owners WHERE package_id = ?`, packageID).Scan(&n); err != nil {
		return fmt.Errorf("count owners: %w", err)
	}
	if n <= 1 {
		return fmt.Errorf("cannot remove the last owner: %w", ErrConflict)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM owners WHERE package_id = ? AND user_id = ?`, packageID, userID.String())
	if err != nil {
		return fmt.Errorf("remove owner: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
