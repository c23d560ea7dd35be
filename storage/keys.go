package storage

import (
	"fmt"
	"path"
	"strings"
)

// CrateKey returns the storage key for a crate archive:
// crates/{name}/{name}-{version}.crate. The key is deterministic so a
// re-published archive with the same checksum lands on the same object.
func CrateKey(name, version string) string {
	name = strings.ToLower(name)
	return path.Join("crates", name, fmt.Sprintf("%s-%s.crate", name, version))
}

// DocsKey returns the storage key for one file of the generated
// documentation tree: docs/{name}/{version}/{target}/{relpath}.
func DocsKey(name, version, target, relPath string) string {
	return path.Join(DocsPrefix(name, version, target), relPath)
}

// DocsPrefix returns the key prefix under which the documentation for a
// crate version and build target is stored.
func DocsPrefix(name, version, target string) string {
	return path.Join("docs", strings.ToLower(name), version, target)
}
