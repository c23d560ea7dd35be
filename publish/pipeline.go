package publish

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/crateport/crateport/index"
	"github.com/crateport/crateport/storage"
	"github.com/crateport/crateport/store"
)

// Index is the slice of the index manager the pipeline drives.
type Index interface {
	Append(ctx context.Context, rec index.Record) (string, error)
	SetYanked(ctx context.Context, name, version string, yanked bool) (string, error)
}

// Enqueuer schedules documentation builds for published versions.
type Enqueuer interface {
	Enqueue(ctx context.Context, pkg, version string) error
}

// Pipeline executes the publish saga against the metadata store, the
// blob store and the index.
type Pipeline struct {
	registry *store.Registry
	blobs    storage.Store
	index    Index
	docs     Enqueuer
	log      *slog.Logger

	pkgMu    sync.Mutex
	pkgLocks map[string]*sync.Mutex
}

// NewPipeline wires a publish pipeline. docs may be nil when no
// documentation builder runs.
func NewPipeline(registry *store.Registry, blobs storage.Store, idx Index, docs Enqueuer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		registry: registry,
		blobs:    blobs,
		index:    idx,
		docs:     docs,
		log:      log.With("component", "publish"),
		pkgLocks: make(map[string]*sync.Mutex),
	}
}

// packageLock returns the mutex serializing publishes of one package.
// Package names compare case-insensitively, so the key is lowercased.
func (p *Pipeline) packageLock(name string) *sync.Mutex {
	p.pkgMu.Lock()
	defer p.pkgMu.Unlock()
	key := strings.ToLower(name)
	lock, ok := p.pkgLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.pkgLocks[key] = lock
	}
	return lock
}

// Result is the client-visible outcome of a successful publish.
type Result struct {
	Warnings Warnings `json:"warnings"`
}

// Publish runs the saga for one parsed payload. The token must carry
// write scope and, for an existing package, the token's user must be an
// owner. After the archive and metadata are durable the publish
// succeeds even if the index append fails; reconciliation heals the
// index later.
func (p *Pipeline) Publish(ctx context.Context, token *store.Token, payload *Payload) (*Result, error) {
	if !token.CanWrite {
		return nil, fmt.Errorf("token %q has no write scope: %w", token.Name, store.ErrForbidden)
	}
	meta := &payload.Metadata
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if err := VerifyCrate(payload.Crate, meta.Name, meta.Vers); err != nil {
		return nil, err
	}

	pkg, err := p.registry.EnsurePackage(ctx, meta.Name, token.UserID)
	if err != nil {
		return nil, err
	}
	owner, err := p.registry.IsOwner(ctx, pkg.ID, token.UserID)
	if err != nil {
		return nil, err
	}
	if !owner {
		return nil, fmt.Errorf("user is not an owner of %q: %w", pkg.Name, store.ErrForbidden)
	}

	// Held from reservation through index append so concurrent
	// publishes of one package commit index lines in the order their
	// reservations were granted.
	lock := p.packageLock(pkg.Name)
	lock.Lock()
	defer lock.Unlock()

	version := &store.Version{
		PackageID:   pkg.ID,
		PackageName: pkg.Name,
		Version:     meta.Vers,
		Checksum:    payload.Checksum,
		Description: meta.Description,
		Deps:        meta.IndexDeps(),
		Features:    meta.Features,
		Links:       meta.Links,
		PublishedBy: token.UserID,
	}
	if err := p.registry.ReserveVersion(ctx, version); err != nil {
		return nil, err
	}

	key := storage.CrateKey(pkg.Name, meta.Vers)
	if err := p.blobs.Put(ctx, key, bytes.NewReader(payload.Crate)); err != nil {
		// Release the slot so a retry can claim it.
		if failErr := p.registry.MarkFailed(ctx, version.ID); failErr != nil {
			p.log.Error("release reservation after storage failure",
				"package", pkg.Name, "version", meta.Vers, "error", failErr)
		}
		return nil, fmt.Errorf("store crate %s: %w", key, err)
	}

	if err := p.registry.MarkPublished(ctx, version.ID); err != nil {
		if failErr := p.registry.MarkFailed(ctx, version.ID); failErr != nil {
			p.log.Error("release reservation after commit failure",
				"package", pkg.Name, "version", meta.Vers, "error", failErr)
		}
		return nil, err
	}

	// The archive and metadata are durable; from here the publish has
	// succeeded from the client's point of view.
	if _, err := p.index.Append(ctx, version.IndexRecord()); err != nil {
		p.log.Warn("index append deferred to reconciliation",
			"package", pkg.Name, "version", meta.Vers, "error", err)
	}
	if p.docs != nil {
		if err := p.docs.Enqueue(ctx, pkg.Name, meta.Vers); err != nil {
			p.log.Warn("enqueue docs build failed",
				"package", pkg.Name, "version", meta.Vers, "error", err)
		}
	}

	p.log.Info("published", "package", pkg.Name, "version", meta.Vers, "checksum", payload.Checksum)
	return &Result{Warnings: meta.CollectWarnings()}, nil
}

// SetYanked flips the yanked flag of a published version in the
// metadata store and rewrites its index line. Ownership and write scope
// are required. The archive and the index line are never removed.
func (p *Pipeline) SetYanked(ctx context.Context, token *store.Token, name, version string, yanked bool) error {
	if !token.CanWrite {
		return fmt.Errorf("token %q has no write scope: %w", token.Name, store.ErrForbidden)
	}
	pkg, err := p.registry.GetPackage(ctx, name)
	if err != nil {
		return err
	}
	owner, err := p.registry.IsOwner(ctx, pkg.ID, token.UserID)
	if err != nil {
		return err
	}
	if !owner {
		return fmt.Errorf("user is not an owner of %q: %w", pkg.Name, store.ErrForbidden)
	}

	v, err := p.registry.SetVersionYanked(ctx, pkg.Name, version, yanked)
	if err != nil {
		return err
	}
	if _, err := p.index.SetYanked(ctx, v.PackageName, v.Version, yanked); err != nil {
		p.log.Warn("index yank rewrite deferred to reconciliation",
			"package", v.PackageName, "version", v.Version, "error", err)
	}
	return nil
}
