package docsgen

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Toolchain renders documentation from an extracted crate source tree
// and returns the directory holding the rendered output. externs maps
// dependency names to the documentation root they should link to.
type Toolchain interface {
	Build(ctx context.Context, srcDir string, externs map[string]string) (string, error)
}

// CargoToolchain shells out to cargo doc.
type CargoToolchain struct {
	// Bin is the cargo binary, "cargo" by default.
	Bin string
	// Target is an optional --target triple.
	Target string
}

var _ Toolchain = (*CargoToolchain)(nil)

// Build runs cargo doc in srcDir. Cross-registry dependency links are
// injected through rustdoc's --extern-html-root-url flag.
func (c *CargoToolchain) Build(ctx context.Context, srcDir string, externs map[string]string) (string, error) {
	bin := c.Bin
	if bin == "" {
		bin = "cargo"
	}
	args := []string{"doc", "--no-deps", "--quiet"}
	if c.Target != "" {
		args = append(args, "--target", c.Target)
	}

	var flags []string
	names := make([]string, 0, len(externs))
	for name := range externs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		flags = append(flags, fmt.Sprintf("-Z unstable-options --extern-html-root-url %s=%s",
			strings.ReplaceAll(name, "-", "_"), externs[name]))
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = srcDir
	cmd.Env = append(os.Environ(), "CARGO_TERM_COLOR=never")
	if len(flags) > 0 {
		cmd.Env = append(cmd.Env, "RUSTDOCFLAGS="+strings.Join(flags, " "))
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("cargo doc: %w: %s", err, strings.TrimSpace(string(out)))
	}

	docDir := filepath.Join(srcDir, "target")
	if c.Target != "" {
		docDir = filepath.Join(docDir, c.Target)
	}
	docDir = filepath.Join(docDir, "doc")
	if _, err := os.Stat(docDir); err != nil {
		return "", fmt.Errorf("cargo doc produced no output at %s: %w", docDir, err)
	}
	return docDir, nil
}
