package api

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/crateport/crateport/index"
	"github.com/crateport/crateport/publish"
	"github.com/crateport/crateport/storage"
	"github.com/crateport/crateport/store"
)

// memIndex collects index operations without a git repository.
type memIndex struct {
	mu      sync.Mutex
	records []index.Record
}

func (m *memIndex) Append(_ context.Context, rec index.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return "deadbeef", nil
}

func (m *memIndex) SetYanked(_ context.Context, name, version string, yanked bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].Name == name && m.records[i].Vers == version {
			m.records[i].Yanked = yanked
		}
	}
	return "deadbeef", nil
}

type apiFixture struct {
	server   *httptest.Server
	registry *store.Registry
	blobs    storage.Store
	index    *memIndex
	token    string // alice, write scope
	readOnly string // alice, read scope
	alice    *store.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	registry, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { registry.Close() })

	ctx := context.Background()
	alice, err := registry.CreateUser(ctx, "alice", "alice@test.invalid")
	if err != nil {
		t.Fatal(err)
	}
	writeTok := &store.Token{UserID: alice.ID, Name: "write", CanWrite: true}
	rawWrite, err := registry.CreateToken(ctx, writeTok)
	if err != nil {
		t.Fatal(err)
	}
	readTok := &store.Token{UserID: alice.ID, Name: "read"}
	rawRead, err := registry.CreateToken(ctx, readTok)
	if err != nil {
		t.Fatal(err)
	}

	blobs := storage.NewLocalStore(t.TempDir())
	idx := &memIndex{}
	pipeline := publish.NewPipeline(registry, blobs, idx, nil, nil)
	server := NewServer(registry, pipeline, blobs, nil, 10<<20, nil)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &apiFixture{
		server:   ts,
		registry: registry,
		blobs:    blobs,
		index:    idx,
		token:    rawWrite,
		readOnly: rawRead,
		alice:    alice,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func makeCrate(t *testing.T, name, version string) []byte {
	t.Helper()
	manifest := fmt.Sprintf("[package]\nname = %q\nversion = %q\n", name, version)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	path := fmt.Sprintf("%s-%s/Cargo.toml", name, version)
	if err := tw.WriteHeader(&tar.Header{Name: path, Mode: 0o644, Size: int64(len(manifest))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(manifest)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func publishBody(t *testing.T, meta publish.Metadata, crate []byte) []byte {
	t.Helper()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(metaJSON)))
	buf.Write(lenBuf)
	buf.Write(metaJSON)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(crate)))
	buf.Write(lenBuf)
	buf.Write(crate)
	return buf.Bytes()
}

func (f *apiFixture) publish(t *testing.T, name, version string) []byte {
	t.Helper()
	crate := makeCrate(t, name, version)
	body := publishBody(t, publish.Metadata{Name: name, Vers: version}, crate)
	resp := f.do(t, http.MethodPut, "/api/v1/crates/new", f.token, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("publish %s@%s: status %d: %s", name, version, resp.StatusCode, raw)
	}
	return crate
}

func TestPublishAndDownload(t *testing.T) {
	f := newAPIFixture(t)
	crate := f.publish(t, "demo", "1.0.0")

	resp := f.do(t, http.MethodGet, "/api/v1/crates/demo/1.0.0/download", f.token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, crate) {
		t.Error("downloaded bytes differ from upload")
	}

	if len(f.index.records) != 1 || f.index.records[0].Name != "demo" {
		t.Errorf("index records: %+v", f.index.records)
	}
}

func TestPublish_Conflict(t *testing.T) {
	f := newAPIFixture(t)
	f.publish(t, "demo", "1.0.0")

	crate := makeCrate(t, "demo", "1.0.0")
	body := publishBody(t, publish.Metadata{Name: "demo", Vers: "1.0.0"}, crate)
	resp := f.do(t, http.MethodPut, "/api/v1/crates/new", f.token, body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("republish status %d, want 409", resp.StatusCode)
	}
	errs := decodeBody[struct {
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}](t, resp)
	if len(errs.Errors) != 1 || errs.Errors[0].Detail == "" {
		t.Errorf("error envelope: %+v", errs)
	}
}

func TestPublish_ValidationRejected(t *testing.T) {
	f := newAPIFixture(t)
	crate := makeCrate(t, "demo", "1.0.0")
	body := publishBody(t, publish.Metadata{Name: "demo", Vers: "not-semver"}, crate)
	resp := f.do(t, http.MethodPut, "/api/v1/crates/new", f.token, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	f := newAPIFixture(t)
	f.publish(t, "demo", "1.0.0")

	// Missing token.
	resp := f.do(t, http.MethodGet, "/api/v1/crates/demo/1.0.0/download", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", resp.StatusCode)
	}

	// Unknown token.
	resp = f.do(t, http.MethodGet, "/api/v1/crates/demo/1.0.0/download", "cio_0000", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("bad token: status %d, want 403", resp.StatusCode)
	}

	// Read-only token cannot publish.
	body := publishBody(t, publish.Metadata{Name: "demo", Vers: "2.0.0"}, makeCrate(t, "demo", "2.0.0"))
	resp = f.do(t, http.MethodPut, "/api/v1/crates/new", f.readOnly, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read-only publish: status %d, want 403", resp.StatusCode)
	}

	// Bearer prefix is accepted.
	resp = f.do(t, http.MethodGet, "/api/v1/crates/demo/1.0.0/download", "Bearer "+f.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer token: status %d, want 200", resp.StatusCode)
	}
}

func TestAuth_RevocationIsImmediate(t *testing.T) {
	f := newAPIFixture(t)
	f.publish(t, "demo", "1.0.0")

	tokens, err := f.registry.ListTokens(context.Background(), f.alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, tok := range tokens {
		if tok.Name == "write" {
			if err := f.registry.RevokeToken(context.Background(), tok.ID); err != nil {
				t.Fatal(err)
			}
		}
	}
	resp := f.do(t, http.MethodGet, "/api/v1/crates/demo/1.0.0/download", f.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("revoked token: status %d, want 403", resp.StatusCode)
	}
}

func TestYankUnyank(t *testing.T) {
	f := newAPIFixture(t)
	f.publish(t, "demo", "1.0.0")

	resp := f.do(t, http.MethodDelete, "/api/v1/crates/demo/1.0.0/yank", f.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("yank status %d", resp.StatusCode)
	}
	if !f.index.records[0].Yanked {
		t.Error("yank not propagated to index")
	}
	// Yanked versions stay downloadable.
	resp = f.do(t, http.MethodGet, "/api/v1/crates/demo/1.0.0/download", f.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("yanked download status %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPut, "/api/v1/crates/demo/1.0.0/unyank", f.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unyank status %d", resp.StatusCode)
	}
	if f.index.records[0].Yanked {
		t.Error("unyank not propagated to index")
	}
}

func TestSearch(t *testing.T) {
	f := newAPIFixture(t)
	f.publish(t, "demo", "1.0.0")
	f.publish(t, "demo", "1.2.0")
	f.publish(t, "other", "0.1.0")

	resp := f.do(t, http.MethodGet, "/api/v1/crates?q=demo", f.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status %d", resp.StatusCode)
	}
	result := decodeBody[searchResponse](t, resp)
	if result.Meta.Total != 1 || len(result.Crates) != 1 {
		t.Fatalf("search result: %+v", result)
	}
	if result.Crates[0].Name != "demo" || result.Crates[0].MaxVersion != "1.2.0" {
		t.Errorf("hit: %+v", result.Crates[0])
	}

	// No match still returns an empty array, not null.
	resp = f.do(t, http.MethodGet, "/api/v1/crates?q=zzz", f.token, nil)
	result = decodeBody[searchResponse](t, resp)
	if result.Crates == nil || result.Meta.Total != 0 {
		t.Errorf("empty search: %+v", result)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/crates?q=demo&per_page=0", f.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("per_page=0 status %d, want 400", resp.StatusCode)
	}
}

func TestOwners(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.publish(t, "demo", "1.0.0")

	if _, err := f.registry.CreateUser(ctx, "bob", ""); err != nil {
		t.Fatal(err)
	}

	// Add bob.
	body, _ := json.Marshal(map[string][]string{"users": {"bob"}})
	resp := f.do(t, http.MethodPut, "/api/v1/crates/demo/owners", f.token, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add owner status %d", resp.StatusCode)
	}
	ok := decodeBody[okMsgResponse](t, resp)
	if !ok.OK || !strings.Contains(ok.Msg, "bob") {
		t.Errorf("add response: %+v", ok)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/crates/demo/owners", f.token, nil)
	owners := decodeBody[map[string][]ownerUser](t, resp)
	if len(owners["users"]) != 2 {
		t.Fatalf("owners: %+v", owners)
	}

	// Unknown user fails.
	body, _ = json.Marshal(map[string][]string{"users": {"nobody"}})
	resp = f.do(t, http.MethodPut, "/api/v1/crates/demo/owners", f.token, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown user status %d, want 404", resp.StatusCode)
	}

	// Remove alice; bob remains.
	body, _ = json.Marshal(map[string][]string{"users": {"alice"}})
	resp = f.do(t, http.MethodDelete, "/api/v1/crates/demo/owners", f.token, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove owner status %d", resp.StatusCode)
	}

	// Alice is no longer an owner so she cannot remove bob.
	body, _ = json.Marshal(map[string][]string{"users": {"bob"}})
	resp = f.do(t, http.MethodDelete, "/api/v1/crates/demo/owners", f.token, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-owner removal status %d, want 403", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	f.publish(t, "demo", "1.0.0")
	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte("registry_publishes_total")) {
		t.Error("publish counter missing from metrics output")
	}
}
