package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Sentinel errors for index operations.
var (
	// ErrChecksumMismatch indicates an existing index line for the same
	// version with a different content hash. This is never healed
	// automatically; it means two different artifacts claim one version.
	ErrChecksumMismatch = errors.New("index record checksum mismatch")
	// ErrRecordNotFound indicates the requested version has no index line.
	ErrRecordNotFound = errors.New("index record not found")
)

// PublicConfig is the config.json served to clients from the index root.
type PublicConfig struct {
	DL           string `json:"dl"`
	API          string `json:"api"`
	AuthRequired bool   `json:"auth-required"`
}

// Config parameterizes the index repository manager.
type Config struct {
	// Location is the working tree of the index repository.
	Location string
	// RemoteOrigin is the optional git remote to mirror the index to.
	RemoteOrigin string
	// SSHKeyFile is the private key used to reach an SSH remote.
	SSHKeyFile string
	// PushChanges enables pushing each commit to the remote.
	PushChanges bool
	// UserName and UserEmail form the committer identity.
	UserName  string
	UserEmail string
	// Public is written to config.json at the index root.
	Public PublicConfig
}

// Manager owns the index working tree. Appends for the same package are
// serialized, appends for different packages proceed concurrently, and
// remote synchronization is exclusive with respect to all appends.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	git    *gitRunner
	branch string

	syncMu sync.RWMutex // held shared by appends, exclusive by sync
	gitMu  sync.Mutex   // serializes working-tree git commands

	pkgMu    sync.Mutex
	pkgLocks map[string]*sync.Mutex

	pushPending atomic.Bool
}

// Open initializes or opens the index repository at cfg.Location. A
// missing repository is cloned from the remote when one is configured,
// otherwise initialized empty. config.json is (re)written and committed
// when its content changed.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg: cfg,
		log: log.With("component", "index"),
		git: &gitRunner{
			dir:       cfg.Location,
			userName:  cfg.UserName,
			userEmail: cfg.UserEmail,
			sshKey:    cfg.SSHKeyFile,
		},
		pkgLocks: make(map[string]*sync.Mutex),
	}

	if _, err := os.Stat(filepath.Join(cfg.Location, ".git")); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(cfg.Location, 0o750); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		if cfg.RemoteOrigin != "" {
			m.log.Info("cloning index repository", "remote", cfg.RemoteOrigin)
			if _, err := m.git.run(ctx, "clone", cfg.RemoteOrigin, "."); err != nil {
				return nil, fmt.Errorf("clone index: %w", err)
			}
		} else {
			if _, err := m.git.run(ctx, "init"); err != nil {
				return nil, fmt.Errorf("init index: %w", err)
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat index repository: %w", err)
	}

	branch, err := m.git.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve index branch: %w", err)
	}
	m.branch = branch

	if cfg.RemoteOrigin != "" {
		if _, err := m.git.run(ctx, "remote", "get-url", "origin"); err != nil {
			if _, err := m.git.run(ctx, "remote", "add", "origin", cfg.RemoteOrigin); err != nil {
				return nil, fmt.Errorf("add index remote: %w", err)
			}
		}
	}

	if err := m.writeConfigJSON(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// writeConfigJSON writes and commits config.json when it changed.
func (m *Manager) writeConfigJSON(ctx context.Context) error {
	data, err := json.MarshalIndent(m.cfg.Public, "", "    ")
	if err != nil {
		return fmt.Errorf("encode index config.json: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(m.cfg.Location, "config.json")
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read index config.json: %w", err)
	}

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write index config.json: %w", err)
	}
	if _, err := m.commit(ctx, "config.json", "Configure registry index"); err != nil {
		return err
	}
	return nil
}

// packageLock returns the mutex serializing writes for one package.
func (m *Manager) packageLock(name string) *sync.Mutex {
	m.pkgMu.Lock()
	defer m.pkgMu.Unlock()
	lock, ok := m.pkgLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.pkgLocks[name] = lock
	}
	return lock
}

// Append writes the index line for a new package version and commits it,
// returning the commit hash. Appending an identical record again is a
// no-op returning the current head; an existing line with a different
// checksum fails with ErrChecksumMismatch.
func (m *Manager) Append(ctx context.Context, rec Record) (string, error) {
	lock := m.packageLock(rec.Name)
	lock.Lock()
	defer lock.Unlock()
	m.syncMu.RLock()
	defer m.syncMu.RUnlock()

	lines, err := m.readLines(rec.Name)
	if err != nil {
		return "", err
	}
	for _, line := range lines {
		existing, err := DecodeLine(line)
		if err != nil {
			continue
		}
		if existing.Vers == rec.Vers {
			if existing.Cksum == rec.Cksum {
				return m.head(ctx)
			}
			return "", fmt.Errorf("%s@%s: %w", rec.Name, rec.Vers, ErrChecksumMismatch)
		}
	}

	encoded, err := rec.EncodeLine()
	if err != nil {
		return "", err
	}
	if err := m.writeLines(rec.Name, append(lines, bytes.TrimSuffix(encoded, []byte("\n")))); err != nil {
		return "", err
	}

	commit, err := m.commit(ctx, RecordPath(rec.Name), fmt.Sprintf("Publish %s@%s", rec.Name, rec.Vers))
	if err != nil {
		return "", err
	}
	m.maybePush(ctx)
	return commit, nil
}

// SetYanked rewrites the yanked field of an existing index line in
// place. Ordering and every other field are preserved.
func (m *Manager) SetYanked(ctx context.Context, name, version string, yanked bool) (string, error) {
	lock := m.packageLock(name)
	lock.Lock()
	defer lock.Unlock()
	m.syncMu.RLock()
	defer m.syncMu.RUnlock()

	lines, err := m.readLines(name)
	if err != nil {
		return "", err
	}
	found := false
	for i, line := range lines {
		rec, err := DecodeLine(line)
		if err != nil || rec.Vers != version {
			continue
		}
		if rec.Yanked == yanked {
			return m.head(ctx)
		}
		rec.Yanked = yanked
		encoded, err := rec.EncodeLine()
		if err != nil {
			return "", err
		}
		lines[i] = bytes.TrimSuffix(encoded, []byte("\n"))
		found = true
		break
	}
	if !found {
		return "", fmt.Errorf("%s@%s: %w", name, version, ErrRecordNotFound)
	}

	if err := m.writeLines(name, lines); err != nil {
		return "", err
	}

	action := "Yank"
	if !yanked {
		action = "Unyank"
	}
	commit, err := m.commit(ctx, RecordPath(name), fmt.Sprintf("%s %s@%s", action, name, version))
	if err != nil {
		return "", err
	}
	m.maybePush(ctx)
	return commit, nil
}

// Records returns the parsed index lines for a package in file order.
// A missing file yields an empty slice.
func (m *Manager) Records(name string) ([]Record, error) {
	lines, err := m.readLines(name)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		rec, err := DecodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("index file for %q: %w", name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Head returns the current commit hash of the index.
func (m *Manager) Head(ctx context.Context) (string, error) {
	m.syncMu.RLock()
	defer m.syncMu.RUnlock()
	return m.head(ctx)
}

func (m *Manager) head(ctx context.Context) (string, error) {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()
	return m.git.revParse(ctx, "HEAD")
}

// SyncPull fetches the remote and incorporates its history. A
// fast-forward is applied directly; when local unpushed commits exist
// they are replayed on top of the remote head. A replay conflict means
// two registries published conflicting content and is surfaced loudly.
func (m *Manager) SyncPull(ctx context.Context) error {
	if m.cfg.RemoteOrigin == "" {
		return nil
	}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if _, err := m.git.run(ctx, "fetch", "origin", m.branch); err != nil {
		return fmt.Errorf("fetch index remote: %w", err)
	}
	remoteRef := "origin/" + m.branch
	remoteAhead, err := m.git.revCount(ctx, "HEAD.."+remoteRef)
	if err != nil {
		return err
	}
	if remoteAhead == 0 {
		return nil
	}
	localAhead, err := m.git.revCount(ctx, remoteRef+"..HEAD")
	if err != nil {
		return err
	}

	if localAhead == 0 {
		if _, err := m.git.run(ctx, "merge", "--ff-only", remoteRef); err != nil {
			return fmt.Errorf("fast-forward index: %w", err)
		}
		m.log.Info("index fast-forwarded to remote", "commits", remoteAhead)
		return nil
	}

	// The remote is authoritative for ordering: replay our unsynced
	// commits on top of its head.
	if _, err := m.git.run(ctx, "rebase", remoteRef); err != nil {
		_, _ = m.git.run(ctx, "rebase", "--abort")
		return fmt.Errorf("replay local index commits onto %s: %w", remoteRef, err)
	}
	m.pushPending.Store(true)
	m.log.Info("index replayed local commits onto remote", "local", localAhead, "remote", remoteAhead)
	return nil
}

// SyncPush pushes local commits to the remote. Failures leave the local
// index fully servable; the push is retried on the next cycle.
func (m *Manager) SyncPush(ctx context.Context) error {
	if m.cfg.RemoteOrigin == "" || !m.cfg.PushChanges {
		return nil
	}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if _, err := m.git.run(ctx, "push", "origin", m.branch); err != nil {
		m.pushPending.Store(true)
		return fmt.Errorf("push index remote: %w", err)
	}
	m.pushPending.Store(false)
	return nil
}

// PushPending reports whether a past push failed and needs retrying.
func (m *Manager) PushPending() bool {
	return m.pushPending.Load()
}

// maybePush pushes after a commit when configured. A failure is logged
// and remembered; it never fails the append.
func (m *Manager) maybePush(ctx context.Context) {
	if m.cfg.RemoteOrigin == "" || !m.cfg.PushChanges {
		return
	}
	m.gitMu.Lock()
	defer m.gitMu.Unlock()
	if _, err := m.git.run(ctx, "push", "origin", m.branch); err != nil {
		m.pushPending.Store(true)
		m.log.Warn("index push failed, will retry", "error", err)
		return
	}
	m.pushPending.Store(false)
}

// commit stages one path and commits it, returning the commit hash.
func (m *Manager) commit(ctx context.Context, relPath, message string) (string, error) {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	if _, err := m.git.run(ctx, "add", relPath); err != nil {
		return "", err
	}
	if _, err := m.git.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return m.git.revParse(ctx, "HEAD")
}

// readLines returns the raw index lines for a package. A missing file
// is an empty result, not an error.
func (m *Manager) readLines(name string) ([][]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.cfg.Location, filepath.FromSlash(RecordPath(name))))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index file for %q: %w", name, err)
	}
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// writeLines replaces a package's index file via temp file and rename.
func (m *Manager) writeLines(name string, lines [][]byte) error {
	path := filepath.Join(m.cfg.Location, filepath.FromSlash(RecordPath(name)))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create index shard directory: %w", err)
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("create index temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write index file for %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace index file for %q: %w", name, err)
	}
	return nil
}
