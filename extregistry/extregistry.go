// Package extregistry resolves registry names to index and docs URLs
// for documentation cross-links. It is a pure lookup table built from
// configuration; the local registry is the implicit default entry.
package extregistry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned for registry names absent from the table.
var ErrNotFound = errors.New("external registry not found")

// Registry describes one known registry.
type Registry struct {
	Name     string
	IndexURL string
	DocsRoot string
}

// Resolver maps registry names to their endpoints. The zero name (an
// empty string) resolves to the local registry.
type Resolver struct {
	local    Registry
	external map[string]Registry
}

// Entry is one configured external registry.
type Entry struct {
	Name     string
	IndexURL string
	DocsRoot string
}

// NewResolver builds a resolver from the local registry's public URL
// and the configured external entries.
func NewResolver(publicURI string, entries []Entry) *Resolver {
	r := &Resolver{
		local: Registry{
			Name:     "local",
			IndexURL: strings.TrimSuffix(publicURI, "/"),
			DocsRoot: strings.TrimSuffix(publicURI, "/") + "/docs",
		},
		external: make(map[string]Registry, len(entries)),
	}
	for _, e := range entries {
		r.external[e.Name] = Registry{
			Name:     e.Name,
			IndexURL: strings.TrimSuffix(e.IndexURL, "/"),
			DocsRoot: strings.TrimSuffix(e.DocsRoot, "/"),
		}
	}
	return r
}

// Resolve returns the registry for the given name. The empty name is
// the local registry.
func (r *Resolver) Resolve(name string) (Registry, error) {
	if name == "" {
		return r.local, nil
	}
	reg, ok := r.external[name]
	if !ok {
		return Registry{}, fmt.Errorf("registry %q: %w", name, ErrNotFound)
	}
	return reg, nil
}

// DocsURL computes the documentation link for a dependency hosted on
// the named registry.
func (r *Resolver) DocsURL(registry, pkg, version string) (string, error) {
	reg, err := r.Resolve(registry)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", reg.DocsRoot, pkg, version), nil
}
