package index

import (
	"bytes"
	"context"
	"fmt"
)

// Source yields the authoritative set of published records, normally
// backed by the metadata store. The index is repaired to match it.
type Source interface {
	PublishedRecords(ctx context.Context) ([]Record, error)
}

// Reconcile makes the index agree with the source. Missing lines are
// appended, malformed lines and lines whose fields drifted are
// rewritten in place. Index lines with no matching source record are
// left alone; only the source ever creates versions.
func (m *Manager) Reconcile(ctx context.Context, src Source) error {
	want, err := src.PublishedRecords(ctx)
	if err != nil {
		return fmt.Errorf("load published records: %w", err)
	}

	byPackage := make(map[string][]Record)
	for _, rec := range want {
		byPackage[rec.Name] = append(byPackage[rec.Name], rec)
	}

	var repaired, appended int
	for name, recs := range byPackage {
		r, a, err := m.reconcilePackage(ctx, name, recs)
		if err != nil {
			return err
		}
		repaired += r
		appended += a
	}
	if repaired > 0 || appended > 0 {
		m.log.Info("index reconciled", "repaired", repaired, "appended", appended)
		m.maybePush(ctx)
	}
	return nil
}

func (m *Manager) reconcilePackage(ctx context.Context, name string, want []Record) (repaired, appended int, err error) {
	lock := m.packageLock(name)
	lock.Lock()
	defer lock.Unlock()
	m.syncMu.RLock()
	defer m.syncMu.RUnlock()

	lines, err := m.readLines(name)
	if err != nil {
		return 0, 0, err
	}

	// Map existing lines by version; a malformed line matches nothing
	// and is dropped during the rewrite below.
	type slot struct {
		idx int
		rec Record
	}
	existing := make(map[string]slot, len(lines))
	malformed := 0
	for i, line := range lines {
		rec, err := DecodeLine(line)
		if err != nil {
			m.log.Warn("dropping malformed index line", "package", name, "line", i+1)
			malformed++
			continue
		}
		existing[rec.Vers] = slot{idx: i, rec: rec}
	}

	dirty := malformed > 0
	for _, rec := range want {
		got, ok := existing[rec.Vers]
		if !ok {
			encoded, err := rec.EncodeLine()
			if err != nil {
				return 0, 0, err
			}
			lines = append(lines, bytes.TrimSuffix(encoded, []byte("\n")))
			appended++
			dirty = true
			continue
		}
		if recordsEqual(got.rec, rec) {
			continue
		}
		encoded, err := rec.EncodeLine()
		if err != nil {
			return 0, 0, err
		}
		lines[got.idx] = bytes.TrimSuffix(encoded, []byte("\n"))
		repaired++
		dirty = true
	}
	if !dirty {
		return 0, 0, nil
	}

	if malformed > 0 {
		kept := lines[:0]
		for _, line := range lines {
			if _, err := DecodeLine(line); err == nil {
				kept = append(kept, line)
			}
		}
		lines = kept
		repaired += malformed
	}

	if err := m.writeLines(name, lines); err != nil {
		return 0, 0, err
	}
	if _, err := m.commit(ctx, RecordPath(name), fmt.Sprintf("Reconcile %s", name)); err != nil {
		return 0, 0, err
	}
	m.log.Debug("reconciled index package", "package", name, "repaired", repaired, "appended", appended)
	return repaired, appended, nil
}

// recordsEqual compares the encoded forms so nested dependency and
// feature data participate.
func recordsEqual(a, b Record) bool {
	ab, errA := a.EncodeLine()
	bb, errB := b.EncodeLine()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
