package storage

import "testing"

func TestCrateKey(t *testing.T) {
	if got, want := CrateKey("Demo", "1.0.0"), "crates/demo/demo-1.0.0.crate"; got != want {
		t.Errorf("CrateKey = %q, want %q", got, want)
	}
}

func TestDocsKey(t *testing.T) {
	got := DocsKey("demo", "1.0.0", "x86_64-unknown-linux-gnu", "demo/index.html")
	want := "docs/demo/1.0.0/x86_64-unknown-linux-gnu/demo/index.html"
	if got != want {
		t.Errorf("DocsKey = %q, want %q", got, want)
	}
}
