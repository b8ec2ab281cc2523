package sampler

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// NewFromPairs creates a sampler over precomputed anchor/positive pairs, as
// written to the pair-form train.data by dataset.Merge. Same-identity pairs
// are taken from the file; different-identity pairs combine one image from
// each of two pets. Relative paths are resolved against baseDir.
//
// When keep is non-nil only pets listed in it are used.
func NewFromPairs(records []types.PairRecord, baseDir string, keep []types.PetID, cfg Config, opts ...Option) (*Sampler, error) {
	return newSampler(newPairDrawer(records, baseDir, keep), cfg, opts...)
}

type pairPet struct {
	id     types.PetID
	pairs  [][2]string
	images []string
}

type pairDrawer struct {
	pets []pairPet
	// indices of pets with at least one pair
	withPairs []int
}

func newPairDrawer(records []types.PairRecord, baseDir string, keep []types.PetID) *pairDrawer {
	var allowed map[types.PetID]struct{}
	if keep != nil {
		allowed = make(map[types.PetID]struct{}, len(keep))
		for _, id := range keep {
			allowed[id] = struct{}{}
		}
	}

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || baseDir == "" {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	index := make(map[types.PetID]int)
	seen := make(map[types.PetID]map[string]struct{})
	d := &pairDrawer{}
	for _, rec := range records {
		if allowed != nil {
			if _, ok := allowed[rec.PetID]; !ok {
				continue
			}
		}
		pos, ok := index[rec.PetID]
		if !ok {
			pos = len(d.pets)
			index[rec.PetID] = pos
			d.pets = append(d.pets, pairPet{id: rec.PetID})
			seen[rec.PetID] = make(map[string]struct{})
		}
		pet := &d.pets[pos]
		for _, pair := range rec.Pairs {
			a, b := resolve(pair[0]), resolve(pair[1])
			pet.pairs = append(pet.pairs, [2]string{a, b})
			for _, p := range []string{a, b} {
				if _, dup := seen[rec.PetID][p]; !dup {
					seen[rec.PetID][p] = struct{}{}
					pet.images = append(pet.images, p)
				}
			}
		}
	}

	// drop pets whose lines carried no pairs
	kept := d.pets[:0]
	for _, pet := range d.pets {
		if len(pet.images) > 0 {
			kept = append(kept, pet)
		}
	}
	d.pets = kept
	for i, pet := range d.pets {
		if len(pet.pairs) > 0 {
			d.withPairs = append(d.withPairs, i)
		}
	}
	return d
}

func (d *pairDrawer) check(p float64) error {
	if p > 0 && len(d.withPairs) == 0 {
		return fmt.Errorf("%w: no precomputed pairs", types.ErrEmptyFold)
	}
	if p < 1 && len(d.pets) < 2 {
		return fmt.Errorf("%w: %d identities, need two for different pairs", types.ErrEmptyFold, len(d.pets))
	}
	return nil
}

func (d *pairDrawer) draw(rng *rand.Rand, same bool) types.Pair {
	if same {
		pet := d.pets[d.withPairs[rng.IntN(len(d.withPairs))]]
		pair := pet.pairs[rng.IntN(len(pet.pairs))]
		return types.Pair{PetA: pet.id, PetB: pet.id, PathA: pair[0], PathB: pair[1], Same: true}
	}
	i, j := distinct(rng, len(d.pets))
	a, b := d.pets[i], d.pets[j]
	return types.Pair{
		PetA:  a.id,
		PetB:  b.id,
		PathA: a.images[rng.IntN(len(a.images))],
		PathB: b.images[rng.IntN(len(b.images))],
	}
}
