// Package store persists registry metadata in SQLite: users, tokens,
// packages, owners, versions and documentation build jobs. The store is
// the source of truth; the git index is a derived projection of it.
package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/crateport/crateport/index"
)

// User is a registry account. Accounts own packages and hold tokens.
type User struct {
	ID        uuid.UUID `json:"id"`
	Login     string    `json:"login"`
	Email     string    `json:"email,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is an authentication token. Only the SHA-256 hash of the raw
// token is stored; the raw value exists once, at creation time.
type Token struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Name        string     `json:"name"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"` // identifying prefix of the raw token
	CanWrite    bool       `json:"can_write"`    // gates publish, yank and owner changes
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// Package is a named crate. Versions and owners hang off it.
type Package struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// VersionStatus tracks a version through the publish pipeline.
type VersionStatus string

// Version statuses.
const (
	VersionReserved  VersionStatus = "reserved"
	VersionPublished VersionStatus = "published"
	VersionFailed    VersionStatus = "failed"
)

// Version is one published (or in-flight) version of a package.
type Version struct {
	ID          int64               `json:"id"`
	PackageID   int64               `json:"package_id"`
	PackageName string              `json:"package_name"`
	Version     string              `json:"version"`
	Checksum    string              `json:"checksum"`
	Description string              `json:"description,omitempty"`
	Deps        []index.Dependency  `json:"deps"`
	Features    map[string][]string `json:"features"`
	Links       string              `json:"links,omitempty"`
	Status      VersionStatus       `json:"status"`
	Yanked      bool                `json:"yanked"`
	Downloads   int64               `json:"downloads"`
	PublishedBy uuid.UUID           `json:"published_by"`
	CreatedAt   time.Time           `json:"created_at"`
}

// IndexRecord projects the version into its index line form.
func (v *Version) IndexRecord() index.Record {
	return index.Record{
		Name:     v.PackageName,
		Vers:     v.Version,
		Deps:     v.Deps,
		Cksum:    v.Checksum,
		Features: v.Features,
		Yanked:   v.Yanked,
		Links:    v.Links,
	}
}

// JobState tracks a documentation build job.
type JobState string

// Build job states.
const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// BuildJob is a pending or finished documentation build.
type BuildJob struct {
	ID        uuid.UUID `json:"id"`
	Package   string    `json:"package"`
	Version   string    `json:"version"`
	State     JobState  `json:"state"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason,omitempty"` // last failure message
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResult is one row of a crate search response.
type SearchResult struct {
	Name        string `json:"name"`
	MaxVersion  string `json:"max_version"`
	Description string `json:"description"`
}
