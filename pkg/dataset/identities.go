package dataset

import (
	"github.com/soundprediction/lostpaw/pkg/types"
)

// Identity is every image of one pet, gathered from all lines that carry its
// id. Paths are resolved against the dataset directory.
type Identity struct {
	PetID types.PetID
	Paths []string
}

// Identities groups records by pet id, in order of first appearance.
// Paths keep their order within and across lines.
func (f *Folder) Identities() []Identity {
	index := make(map[types.PetID]int)
	var out []Identity
	for i := range f.records {
		rec := &f.records[i]
		pos, ok := index[rec.PetID]
		if !ok {
			pos = len(out)
			index[rec.PetID] = pos
			out = append(out, Identity{PetID: rec.PetID})
		}
		out[pos].Paths = append(out[pos].Paths, f.resolveAll(rec.AllPaths())...)
	}
	return out
}

// IdentityIDs returns the ids of identities with at least one image.
func IdentityIDs(ids []Identity) []types.PetID {
	out := make([]types.PetID, 0, len(ids))
	for _, id := range ids {
		if len(id.Paths) > 0 {
			out = append(out, id.PetID)
		}
	}
	return out
}

// Select returns the identities whose id is in keep, preserving order.
func Select(ids []Identity, keep []types.PetID) []Identity {
	set := make(map[types.PetID]struct{}, len(keep))
	for _, k := range keep {
		set[k] = struct{}{}
	}
	out := make([]Identity, 0, len(keep))
	for _, id := range ids {
		if _, ok := set[id.PetID]; ok {
			out = append(out, id)
		}
	}
	return out
}
