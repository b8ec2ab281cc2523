package dataset

import (
	"fmt"
	"io"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// MaxSizeBucket is the largest group size reported separately by Describe;
// larger groups are counted in the last bucket.
const MaxSizeBucket = 5

// Description summarises how many images each identity has.
type Description struct {
	// AveragePerPet is the mean number of images per identity.
	AveragePerPet float64 `json:"average_images_per_pet"`
	// Sizes[i] is the number of identities with i+1 images.
	Sizes [MaxSizeBucket]int `json:"sizes"`
	// Identities is the number of identities that have at least one image.
	Identities int `json:"identities"`
}

// Print writes a short human readable report.
func (d Description) Print(w io.Writer) {
	fmt.Fprintf(w, "identities:             %d\n", d.Identities)
	fmt.Fprintf(w, "average images per pet: %.3f\n", d.AveragePerPet)
	for i, n := range d.Sizes {
		label := fmt.Sprintf("%d", i+1)
		if i == MaxSizeBucket-1 {
			label += "+"
		}
		fmt.Fprintf(w, "  size %-3s %d\n", label, n)
	}
}

// Describe computes per-identity statistics. When deduplicate is set, lines of
// the same identity that share a non-empty source are counted once, so one
// source image extracted twice does not inflate the group.
func (f *Folder) Describe(deduplicate bool) Description {
	type group struct {
		size    int
		sources map[string]struct{}
	}
	groups := make(map[types.PetID]*group)
	var order []types.PetID

	for i := range f.records {
		rec := &f.records[i]
		g, ok := groups[rec.PetID]
		if !ok {
			g = &group{sources: make(map[string]struct{})}
			groups[rec.PetID] = g
			order = append(order, rec.PetID)
		}
		if deduplicate {
			if src := rec.SourceValue(); src != "" {
				if _, seen := g.sources[src]; seen {
					continue
				}
				g.sources[src] = struct{}{}
			}
		}
		g.size += len(rec.AllPaths())
	}

	var d Description
	total := 0
	for _, id := range order {
		size := groups[id].size
		if size == 0 {
			continue
		}
		d.Identities++
		total += size
		bucket := min(size, MaxSizeBucket)
		d.Sizes[bucket-1]++
	}
	if d.Identities > 0 {
		d.AveragePerPet = float64(total) / float64(d.Identities)
	}
	return d
}
