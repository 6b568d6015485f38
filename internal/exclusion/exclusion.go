// Package exclusion removes known-incompatible test identifiers from a
// candidate list before partitioning. The denylist is a YAML file of
// exact-match identifiers, typically maintained alongside the pipeline
// definition for targets the toolchain cannot run yet.
package exclusion

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"forgeci/internal/failure"
)

// Denylist is a set of test identifiers to drop before sharding.
type Denylist struct {
	entries map[string]struct{}
}

// denylistFile is the on-disk YAML shape:
//
//	exclude:
//	  - TestFloatRounding
//	  - TestSignalDelivery
type denylistFile struct {
	Exclude []string `yaml:"exclude"`
}

// Load reads a denylist from path. An empty path yields an empty denylist;
// any read or parse problem is a config failure, because silently running
// denylisted tests would defeat the point of the list.
func Load(path string) (*Denylist, error) {
	d := &Denylist{entries: make(map[string]struct{})}
	if path == "" {
		return d, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.ClassConfig, err, "load denylist %s", path)
	}
	var f denylistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, failure.Wrap(failure.ClassConfig, err, "parse denylist %s", path)
	}
	for _, id := range f.Exclude {
		d.entries[id] = struct{}{}
	}
	return d, nil
}

// FromSlice builds a denylist from in-memory identifiers.
func FromSlice(ids []string) *Denylist {
	d := &Denylist{entries: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		d.entries[id] = struct{}{}
	}
	return d
}

// Len reports the number of denylisted identifiers.
func (d *Denylist) Len() int { return len(d.entries) }

// Filter returns the identifiers not on the denylist, preserving input
// order, plus the count removed. No matches is not an error.
func (d *Denylist) Filter(ids []string) (kept []string, removed int) {
	kept = make([]string, 0, len(ids))
	for _, id := range ids {
		if _, excluded := d.entries[id]; excluded {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	return kept, removed
}

// String implements fmt.Stringer for log lines.
func (d *Denylist) String() string {
	return fmt.Sprintf("denylist(%d entries)", len(d.entries))
}
