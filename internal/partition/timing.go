// Package partition splits a filtered test identifier list into balanced
// shards using historical per-test timing. Partitioning is deterministic for
// identical inputs, which callers rely on for reproducibility checks and for
// caching prior timing data.
package partition

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"forgeci/internal/failure"
)

// Snapshot is a read-only view of last-observed test durations, keyed by
// test identifier. It is treated as a versioned input: possibly stale,
// never mutated during a run.
type Snapshot map[string]time.Duration

// snapshotFile is the on-disk JSON shape. Durations are stored as integer
// milliseconds so the file stays diffable and editable by hand.
type snapshotFile struct {
	Version int              `json:"version"`
	Tests   map[string]int64 `json:"tests"`
}

const snapshotVersion = 1

// LoadSnapshot reads a timing snapshot from path. A missing file is not an
// error: first runs have no history and fall back to the default weight.
func LoadSnapshot(path string) (Snapshot, error) {
	if path == "" {
		return Snapshot{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, failure.Wrap(failure.ClassConfig, err, "load timing snapshot %s", path)
	}
	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, failure.Wrap(failure.ClassConfig, err, "parse timing snapshot %s", path)
	}
	snap := make(Snapshot, len(f.Tests))
	for id, ms := range f.Tests {
		snap[id] = time.Duration(ms) * time.Millisecond
	}
	return snap, nil
}

// SaveSnapshot writes observed durations to path so the next run shards
// with fresh history. Unknown-but-absent tests simply drop out.
func SaveSnapshot(path string, snap Snapshot) error {
	f := snapshotFile{Version: snapshotVersion, Tests: make(map[string]int64, len(snap))}
	for id, d := range snap {
		f.Tests[id] = d.Milliseconds()
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Merge returns a copy of snap updated with observed durations. The input
// snapshot is not modified.
func (s Snapshot) Merge(observed Snapshot) Snapshot {
	merged := make(Snapshot, len(s)+len(observed))
	for id, d := range s {
		merged[id] = d
	}
	for id, d := range observed {
		merged[id] = d
	}
	return merged
}

// IDs returns the snapshot's identifiers in sorted order, mostly for tests
// and debug output.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
