package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crateport/crateport/index"
)

// ReserveVersion atomically claims a version slot for a publish in
// flight. The UNIQUE(package_id, version) constraint is the
// serialization point: a concurrent publish of the same version fails
// with ErrDuplicate. A slot left in status failed by an earlier crashed
// or rejected publish is reclaimed.
func (r *Registry) ReserveVersion(ctx context.Context, v *Version) error {
	depsJSON, featuresJSON, err := encodeVersionMeta(v)
	if err != nil {
		return err
	}
	v.Status = VersionReserved
	v.CreatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE versions SET status = 'reserved', checksum = ?, description = ?,
			deps_json = ?, features_json = ?, links = ?, published_by = ?, created_at = ?
		WHERE package_id = ? AND version = ? AND status = 'failed'`,
		v.Checksum, v.Description, depsJSON, featuresJSON, v.Links,
		v.PublishedBy.String(), timeStr(v.CreatedAt), v.PackageID, v.Version)
	if err != nil {
		return fmt.Errorf("re-reserve version: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return r.db.QueryRowContext(ctx,
			`SELECT id FROM versions WHERE package_id = ? AND version = ?`,
			v.PackageID, v.Version).Scan(&v.ID)
	}

	res, err = r.db.ExecContext(ctx, `
		INSERT INTO versions (package_id, version, checksum, description,
			deps_json, features_json, links, status, published_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'reserved', ?, ?)`,
		v.PackageID, v.Version, v.Checksum, v.Description,
		depsJSON, featuresJSON, v.Links, v.PublishedBy.String(), timeStr(v.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("version %s: %w", v.Version, ErrDuplicate)
		}
		return fmt.Errorf("reserve version: %w", err)
	}
	v.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("version id: %w", err)
	}
	return nil
}

// MarkPublished flips a reserved version to published. The version
// becomes visible to downloads, search and reconciliation.
func (r *Registry) MarkPublished(ctx context.Context, versionID int64) error {
	return r.setStatus(ctx, versionID, VersionReserved, VersionPublished)
}

// MarkFailed releases a reserved version slot after a failed publish.
// The slot can be re-reserved by a later attempt.
func (r *Registry) MarkFailed(ctx context.Context, versionID int64) error {
	return r.setStatus(ctx, versionID, VersionReserved, VersionFailed)
}

// ReleaseStaleReservations flips versions left in status reserved by a
// crashed process to failed so a retry can reclaim the slot. Called
// once at startup, before the API accepts publishes.
func (r *Registry) ReleaseStaleReservations(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE versions SET status = 'failed' WHERE status = 'reserved'`)
	if err != nil {
		return 0, fmt.Errorf("release stale reservations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *Registry) setStatus(ctx context.Context, versionID int64, from, to VersionStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE versions SET status = ? WHERE id = ? AND status = ?`,
		string(to), versionID, string(from))
	if err != nil {
		return fmt.Errorf("set version status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("version %d not in status %s: %w", versionID, from, ErrConflict)
	}
	return nil
}

// SetVersionYanked updates the yanked flag of a published version and
// returns the updated row. Setting the current value again is a no-op.
func (r *Registry) SetVersionYanked(ctx context.Context, name, version string, yanked bool) (*Version, error) {
	v, err := r.GetVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if v.Status != VersionPublished {
		return nil, fmt.Errorf("version %s@%s not published: %w", name, version, ErrNotFound)
	}
	if v.Yanked == yanked {
		return v, nil
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE versions SET yanked = ? WHERE id = ?`, boolInt(yanked), v.ID); err != nil {
		return nil, fmt.Errorf("set yanked: %w", err)
	}
	v.Yanked = yanked
	return v, nil
}

// GetVersion retrieves one version of a package. Reserved and failed
// slots are invisible; only published versions exist to callers.
func (r *Registry) GetVersion(ctx context.Context, name, version string) (*Version, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT v.id, v.package_id, p.name, v.version, v.checksum, v.description,
			v.deps_json, v.features_json, v.links, v.status, v.yanked, v.downloads,
			v.published_by, v.created_at
		FROM versions v JOIN packages p ON p.id = v.package_id
		WHERE p.name = ? AND v.version = ? AND v.status = 'published'`, name, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %s@%s: %w", name, version, ErrNotFound)
	}
	return v, err
}

// ListVersions returns the published versions of a package in creation
// order.
func (r *Registry) ListVersions(ctx context.Context, name string) ([]*Version, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT v.id, v.package_id, p.name, v.version, v.checksum, v.description,
			v.deps_json, v.features_json, v.links, v.status, v.yanked, v.downloads,
			v.published_by, v.created_at
		FROM versions v JOIN packages p ON p.id = v.package_id
		WHERE p.name = ? AND v.status = 'published' ORDER BY v.id`, name)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// IncrementDownloads bumps the download counter for a version.
func (r *Registry) IncrementDownloads(ctx context.Context, versionID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE versions SET downloads = downloads + 1 WHERE id = ?`, versionID)
	if err != nil {
		return fmt.Errorf("increment downloads: %w", err)
	}
	return nil
}

// PublishedRecords projects every published version into its index line
// form, ordered by publish sequence. This is the authoritative set the
// index is reconciled against.
func (r *Registry) PublishedRecords(ctx context.Context) ([]index.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.name, v.version, v.checksum, v.deps_json, v.features_json,
			v.links, v.yanked
		FROM versions v JOIN packages p ON p.id = v.package_id
		WHERE v.status = 'published' ORDER BY v.id`)
	if err != nil {
		return nil, fmt.Errorf("list published records: %w", err)
	}
	defer rows.Close()

	var records []index.Record
	for rows.Next() {
		var (
			rec                    index.Record
			depsJSON, featuresJSON string
			yanked                 int
		)
		if err := rows.Scan(&rec.Name, &rec.Vers, &rec.Cksum,
			&depsJSON, &featuresJSON, &rec.Links, &yanked); err != nil {
			return nil, fmt.Errorf("scan published record: %w", err)
		}
		if err := json.Unmarshal([]byte(depsJSON), &rec.Deps); err != nil {
			return nil, fmt.Errorf("decode deps for %s@%s: %w", rec.Name, rec.Vers, err)
		}
		if err := json.Unmarshal([]byte(featuresJSON), &rec.Features); err != nil {
			return nil, fmt.Errorf("decode features for %s@%s: %w", rec.Name, rec.Vers, err)
		}
		rec.Yanked = yanked != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

func encodeVersionMeta(v *Version) (depsJSON, featuresJSON string, err error) {
	if v.Deps == nil {
		v.Deps = []index.Dependency{}
	}
	if v.Features == nil {
		v.Features = map[string][]string{}
	}
	deps, err := json.Marshal(v.Deps)
	if err != nil {
		return "", "", fmt.Errorf("encode deps: %w", err)
	}
	features, err := json.Marshal(v.Features)
	if err != nil {
		return "", "", fmt.Errorf("encode features: %w", err)
	}
	return string(deps), string(features), nil
}

func scanVersion(row rowScanner) (*Version, error) {
	var (
		v                      Version
		depsJSON, featuresJSON string
		status                 string
		yanked                 int
		publishedBy            string
		created                string
	)
	err := row.Scan(&v.ID, &v.PackageID, &v.PackageName, &v.Version, &v.Checksum,
		&v.Description, &depsJSON, &featuresJSON, &v.Links, &status, &yanked,
		&v.Downloads, &publishedBy, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &v.Deps); err != nil {
		return nil, fmt.Errorf("decode deps: %w", err)
	}
	if err := json.Unmarshal([]byte(featuresJSON), &v.Features); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	v.Status = VersionStatus(status)
	v.Yanked = yanked != 0
	if publishedBy != "" {
		if v.PublishedBy, err = uuid.Parse(publishedBy); err != nil {
			return nil, fmt.Errorf("parse publisher id: %w", err)
		}
	}
	v.CreatedAt = parseTime(created)
	return &v, nil
}
