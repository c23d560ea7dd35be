package docsgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/crateport/crateport/extregistry"
	"github.com/crateport/crateport/storage"
	"github.com/crateport/crateport/store"
)

// Builder produces and uploads documentation for one published version.
type Builder struct {
	registry  *store.Registry
	blobs     storage.Store
	resolver  *extregistry.Resolver
	toolchain Toolchain
	target    string
	log       *slog.Logger
}

// NewBuilder wires a documentation builder. target names the storage
// subtree the rendered docs land under.
func NewBuilder(registry *store.Registry, blobs storage.Store, resolver *extregistry.Resolver,
	toolchain Toolchain, target string, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		registry:  registry,
		blobs:     blobs,
		resolver:  resolver,
		toolchain: toolchain,
		target:    target,
		log:       log.With("component", "docsgen"),
	}
}

// Build fetches the crate, extracts it, renders docs and uploads the
// tree. Re-running for the same version overwrites the same keys, so
// at-least-once job delivery is safe.
func (b *Builder) Build(ctx context.Context, pkg, version string) error {
	v, err := b.registry.GetVersion(ctx, pkg, version)
	if err != nil {
		return fmt.Errorf("load version: %w", err)
	}

	crate, err := b.blobs.Get(ctx, storage.CrateKey(pkg, version))
	if err != nil {
		return fmt.Errorf("fetch crate: %w", err)
	}
	defer crate.Close()

	workDir, err := os.MkdirTemp("", "docsgen-*")
	if err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcDir, err := extractCrate(crate, workDir)
	if err != nil {
		return err
	}

	externs, err := b.dependencyLinks(v)
	if err != nil {
		return err
	}

	docDir, err := b.toolchain.Build(ctx, srcDir, externs)
	if err != nil {
		return err
	}
	uploaded, err := b.uploadTree(ctx, docDir, pkg, version)
	if err != nil {
		return err
	}
	b.log.Info("docs built", "package", pkg, "version", version, "files", uploaded)
	return nil
}

// dependencyLinks resolves each dependency's registry to a docs URL.
// An unknown registry name fails the build; it means the configuration
// is missing an entry the crate depends on.
func (b *Builder) dependencyLinks(v *store.Version) (map[string]string, error) {
	externs := make(map[string]string, len(v.Deps))
	for _, dep := range v.Deps {
		registry := ""
		if dep.Registry != nil {
			registry = *dep.Registry
		}
		crateName := dep.Name
		if dep.Package != nil {
			crateName = *dep.Package
		}
		url, err := b.resolver.DocsURL(registry, crateName, dep.Req)
		if err != nil {
			if errors.Is(err, extregistry.ErrNotFound) {
				return nil, fmt.Errorf("dependency %q: %w", dep.Name, err)
			}
			return nil, err
		}
		externs[dep.Name] = url
	}
	return externs, nil
}

// uploadTree walks the rendered docs and uploads every file under the
// version's docs prefix.
func (b *Builder) uploadTree(ctx context.Context, docDir, pkg, version string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(docDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(docDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		key := storage.DocsKey(pkg, version, b.target, filepath.ToSlash(rel))
		if err := b.blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}
	return uploaded, nil
}
