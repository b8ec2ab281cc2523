package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// Split partitions the records into n disjoint views, contiguous by identity:
// identities are taken in order of first appearance and dealt out in n runs of
// near-equal length, and every line of an identity goes to the same view.
//
// Views share the dataset directory for path resolution but have no info file
// of their own; use SaveTo to persist one.
func (f *Folder) Split(n int) ([]*Folder, error) {
	if n <= 0 {
		return nil, fmt.Errorf("split count must be positive, got %d", n)
	}

	var order []types.PetID
	lines := make(map[types.PetID][]int)
	for i := range f.records {
		id := f.records[i].PetID
		if _, ok := lines[id]; !ok {
			order = append(order, id)
		}
		lines[id] = append(lines[id], i)
	}

	views := make([]*Folder, n)
	base, extra := len(order)/n, len(order)%n
	next := 0
	for v := 0; v < n; v++ {
		count := base
		if v < extra {
			count++
		}
		view := &Folder{dir: f.dir, trackSources: f.trackSources, logger: f.logger}
		for _, id := range order[next : next+count] {
			for _, i := range lines[id] {
				view.records = append(view.records, f.records[i])
			}
		}
		next += count
		views[v] = view
	}
	return views, nil
}

// SaveTo writes the records to path with absolute image paths, so the copy is
// usable from any directory. The receiver is not modified.
func (f *Folder) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	records := make([]types.IdentityRecord, len(f.records))
	for i, rec := range f.records {
		if rec.Anchor != "" {
			rec.Anchor = f.absolute(rec.Anchor)
		}
		paths := make([]string, len(rec.Paths))
		for j, p := range rec.Paths {
			paths[j] = f.absolute(p)
		}
		rec.Paths = paths
		records[i] = rec
	}
	return writeRecords(path, records, f.trackSources)
}

func (f *Folder) absolute(p string) string {
	r := f.Resolve(p)
	if abs, err := filepath.Abs(r); err == nil {
		return abs
	}
	return r
}
