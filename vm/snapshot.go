package vm

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/qube-ai/rule-vm/rule"
	"github.com/qube-ai/rule-vm/storage"
)

func init() {
	// Condition and action documents hold JSON-shaped values.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// snapshotEntry is the persisted form of one awaiting rule instance: the
// raw documents, not the compiled streams. Restores recompile, so deferred
// deadlines re-derive from live device data.
type snapshotEntry struct {
	ID          string
	InstanceID  string
	Name        string
	Description string
	Enabled     bool
	Periodic    bool
	Conditions  []map[string]any
	Actions     []map[string]any
}

type snapshotFile struct {
	SavedAt time.Time
	Entries []snapshotEntry
}

// snapshotLoop persists the awaiting-completion list whenever it has
// changed since the last write.
func (v *VM) snapshotLoop() {
	defer v.wg.Done()
	ticker := time.NewTicker(v.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			v.maybeSnapshot()
		}
	}
}

func (v *VM) maybeSnapshot() {
	v.mu.Lock()
	if !v.awaitingDirty {
		v.mu.Unlock()
		return
	}
	entries := make([]snapshotEntry, len(v.awaiting))
	for i, r := range v.awaiting {
		entries[i] = snapshotEntry{
			ID:          r.ID,
			InstanceID:  r.InstanceID,
			Name:        r.Name,
			Description: r.Description,
			Enabled:     r.Enabled,
			Periodic:    r.Periodic,
			Conditions:  r.Conditions,
			Actions:     r.Actions,
		}
	}
	v.awaitingDirty = false
	v.mu.Unlock()

	if err := writeSnapshot(v.opts.SnapshotPath, entries); err != nil {
		v.logger.Error("writing future task snapshot",
			"path", v.opts.SnapshotPath,
			"error", err)
		// Leave the list marked dirty so the next tick retries.
		v.mu.Lock()
		v.awaitingDirty = true
		v.mu.Unlock()
		return
	}
	if m := v.opts.Metrics; m != nil {
		m.SnapshotWrites.Inc()
	}
	v.logger.Debug("future task snapshot written",
		"path", v.opts.SnapshotPath,
		"rules", len(entries))
}

// writeSnapshot rewrites the snapshot file in full, through a temp file in
// the same directory so a crash mid-write cannot corrupt it.
func writeSnapshot(path string, entries []snapshotEntry) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(snapshotFile{SavedAt: time.Now().UTC(), Entries: entries}); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) ([]snapshotEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap snapshotFile
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap.Entries, nil
}

// restoreSnapshot loads the persisted deferred set into the ready queue.
// Restored rules re-evaluate immediately and re-park themselves with
// deadlines computed from live data. Best effort: an unreadable file or
// entry is logged and skipped, never fatal.
func (v *VM) restoreSnapshot() {
	entries, err := readSnapshot(v.opts.SnapshotPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			v.logger.Warn("ignoring unreadable future task snapshot",
				"path", v.opts.SnapshotPath,
				"error", err)
		}
		return
	}

	restored := 0
	for _, entry := range entries {
		doc := &storage.RuleDoc{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			Enabled:     entry.Enabled,
			Periodic:    entry.Periodic,
			Conditions:  entry.Conditions,
			Actions:     entry.Actions,
		}
		r, err := rule.Compile(doc, v.deps)
		if err != nil {
			v.logger.Warn("skipping unrestorable snapshot entry",
				"rule", entry.ID,
				"error", err)
			continue
		}
		v.ExecuteRule(r)
		restored++
	}
	if restored > 0 {
		v.logger.Info("restored future task snapshot",
			"path", v.opts.SnapshotPath,
			"rules", restored)
	}
}
