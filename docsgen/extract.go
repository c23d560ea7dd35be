package docsgen

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Extraction bounds. A crate expanding past these is hostile or broken.
const (
	maxExtractFiles = 10000
	maxExtractBytes = 512 << 20 // 512 MiB uncompressed
)

// extractCrate unpacks a .crate (gzip tar) stream into dst and returns
// the path of the single top-level source directory.
func extractCrate(r io.Reader, dst string) (string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", fmt.Errorf("open crate gzip: %w", err)
	}
	defer gz.Close()

	var (
		root       string
		files      int
		totalBytes int64
	)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read crate tar: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(hdr.Name, "..") || filepath.IsAbs(name) {
			return "", fmt.Errorf("crate entry %q escapes extraction root", hdr.Name)
		}
		top := strings.SplitN(hdr.Name, "/", 2)[0]
		if root == "" {
			root = top
		} else if top != root {
			return "", fmt.Errorf("crate has multiple top-level entries: %q and %q", root, top)
		}

		target := filepath.Join(dst, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return "", fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeReg:
			files++
			if files > maxExtractFiles {
				return "", fmt.Errorf("crate exceeds %d files", maxExtractFiles)
			}
			totalBytes += hdr.Size
			if totalBytes > maxExtractBytes {
				return "", fmt.Errorf("crate exceeds %d uncompressed bytes", maxExtractBytes)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return "", fmt.Errorf("create directory: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
			if err != nil {
				return "", fmt.Errorf("create file: %w", err)
			}
			if _, err := io.CopyN(f, tr, hdr.Size); err != nil && err != io.EOF {
				f.Close()
				return "", fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("close %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and specials are dropped; crates have no use
			// for them and they open extraction attacks.
		}
	}
	if root == "" {
		return "", fmt.Errorf("crate archive is empty")
	}
	return filepath.Join(dst, root), nil
}
