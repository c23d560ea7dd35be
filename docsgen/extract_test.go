package docsgen

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractCrate(t *testing.T) {
	crate := tarGz(t, map[string]string{
		"demo-1.0.0/Cargo.toml": "[package]\nname = \"demo\"\n",
		"demo-1.0.0/src/lib.rs": "pub fn hi() {}\n",
	})

	dst := t.TempDir()
	src, err := extractCrate(bytes.NewReader(crate), dst)
	if err != nil {
		t.Fatalf("extractCrate: %v", err)
	}
	if src != filepath.Join(dst, "demo-1.0.0") {
		t.Errorf("source dir = %q", src)
	}
	if _, err := os.Stat(filepath.Join(src, "src", "lib.rs")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}
}

func TestExtractCrate_RejectsTraversal(t *testing.T) {
	crate := tarGz(t, map[string]string{
		"demo-1.0.0/../../evil.sh": "#!/bin/sh\n",
	})
	if _, err := extractCrate(bytes.NewReader(crate), t.TempDir()); err == nil {
		t.Fatal("traversal entry accepted")
	}
}

func TestExtractCrate_RejectsMultipleRoots(t *testing.T) {
	crate := tarGz(t, map[string]string{
		"demo-1.0.0/Cargo.toml": "x",
		"other/Cargo.toml":      "y",
	})
	if _, err := extractCrate(bytes.NewReader(crate), t.TempDir()); err == nil {
		t.Fatal("multiple top-level entries accepted")
	}
}

func TestExtractCrate_RejectsEmpty(t *testing.T) {
	crate := tarGz(t, map[string]string{})
	if _, err := extractCrate(bytes.NewReader(crate), t.TempDir()); err == nil {
		t.Fatal("empty archive accepted")
	}
}
