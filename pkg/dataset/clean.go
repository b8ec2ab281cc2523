package dataset

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// Deduplicate drops every record whose non-empty source was already seen on an
// earlier line, deletes the image files of the dropped records and saves the
// store. It returns the number of records removed. Stores without provenance
// are left untouched.
func (f *Folder) Deduplicate() (int, error) {
	if !f.trackSources {
		return 0, nil
	}
	if f.infoFile == "" {
		return 0, ErrReadOnlyView
	}

	seen := make(map[string]struct{})
	kept := f.records[:0:0]
	var dropped []types.IdentityRecord
	for _, rec := range f.records {
		src := rec.SourceValue()
		if src != "" {
			if _, ok := seen[src]; ok {
				dropped = append(dropped, rec)
				continue
			}
			seen[src] = struct{}{}
		}
		kept = append(kept, rec)
	}
	if len(dropped) == 0 {
		return 0, nil
	}

	for _, rec := range dropped {
		for _, p := range rec.AllPaths() {
			if err := os.Remove(f.Resolve(p)); err != nil && !os.IsNotExist(err) {
				return 0, fmt.Errorf("failed to remove duplicate image: %w", err)
			}
		}
	}
	f.records = kept
	f.logger.Info("Removed duplicate records", "count", len(dropped))
	return len(dropped), f.Save()
}

// SplitHoldout picks int(identities × fraction) pet ids at random and returns
// two views: the remaining records and the held-out ones. Nothing is written;
// call WriteInfo on the views to persist them.
func (f *Folder) SplitHoldout(fraction float64, seed uint64) (train, test *Folder, err error) {
	if fraction < 0 || fraction > 1 {
		return nil, nil, fmt.Errorf("holdout fraction must be in [0,1], got %v", fraction)
	}

	var ids []types.PetID
	seen := make(map[types.PetID]struct{})
	for i := range f.records {
		id := f.records[i].PetID
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	rng := rand.New(rand.NewPCG(seed, uint64(len(ids))))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	held := make(map[types.PetID]struct{})
	for _, id := range ids[:int(float64(len(ids))*fraction)] {
		held[id] = struct{}{}
	}

	train = &Folder{dir: f.dir, trackSources: f.trackSources, logger: f.logger}
	test = &Folder{dir: f.dir, trackSources: f.trackSources, logger: f.logger}
	for _, rec := range f.records {
		if _, ok := held[rec.PetID]; ok {
			test.records = append(test.records, rec)
		} else {
			train.records = append(train.records, rec)
		}
	}
	return train, test, nil
}

// WriteInfo writes the records as stored to the info file name inside the
// dataset directory. It works on views as well as on opened stores.
func (f *Folder) WriteInfo(name string) error {
	if name == "" {
		return fmt.Errorf("info file name is empty")
	}
	return writeRecords(filepath.Join(f.dir, name), f.records, f.trackSources)
}
