// Package folds assigns pet identities to train and validation partitions for
// k-fold cross-validation.
package folds

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// ErrInvalidFraction is returned for a validation fraction outside [0,1).
var ErrInvalidFraction = errors.New("validation fraction must be in [0,1)")

// State is everything needed to reproduce the current fold.
type State struct {
	Seed     uint64  `json:"seed"`
	Fraction float64 `json:"fraction"`
	Index    int     `json:"index"`
}

// Splitter deterministically derives a new train/validation partition on
// every NextFold call. Fold k depends only on the seed, k and the set of ids,
// so a resumed run reproduces it from State alone.
type Splitter struct {
	ids      []types.PetID
	fraction float64
	seed     uint64
	index    int
	current  types.Fold
}

// New creates a splitter over ids. Duplicates are ignored and the input order
// does not matter. No fold is active until NextFold is called.
func New(ids []types.PetID, fraction float64, seed uint64) (*Splitter, error) {
	if fraction < 0 || fraction >= 1 || math.IsNaN(fraction) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFraction, fraction)
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return &Splitter{ids: sorted, fraction: fraction, seed: seed, index: -1}, nil
}

// Len returns the number of identities being partitioned.
func (s *Splitter) Len() int { return len(s.ids) }

// ValidationSize returns round(total × fraction).
func (s *Splitter) ValidationSize() int {
	return int(math.Round(float64(len(s.ids)) * s.fraction))
}

// NextFold advances to the next partition and returns it.
func (s *Splitter) NextFold() types.Fold {
	s.index++
	s.current = s.fold(s.index)
	return s.current
}

// Current returns the active fold. It is the zero Fold before the first
// NextFold call.
func (s *Splitter) Current() types.Fold {
	if s.index < 0 {
		return types.Fold{Index: -1}
	}
	return s.current
}

// State returns the splitter position for checkpointing.
func (s *Splitter) State() State {
	return State{Seed: s.seed, Fraction: s.fraction, Index: s.index}
}

// Restore moves the splitter to a saved position and returns the fold that
// was active there.
func (s *Splitter) Restore(st State) (types.Fold, error) {
	if st.Fraction != s.fraction {
		return types.Fold{}, fmt.Errorf("fold fraction mismatch: checkpoint has %v, splitter has %v", st.Fraction, s.fraction)
	}
	s.seed = st.Seed
	s.index = st.Index
	if s.index < 0 {
		s.current = types.Fold{}
		return s.Current(), nil
	}
	s.current = s.fold(s.index)
	return s.current, nil
}

func (s *Splitter) fold(k int) types.Fold {
	shuffled := slices.Clone(s.ids)
	rng := rand.New(rand.NewPCG(s.seed, uint64(k)))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	nVal := s.ValidationSize()
	validation := shuffled[:nVal]
	train := shuffled[nVal:]
	slices.Sort(validation)
	slices.Sort(train)
	return types.Fold{Index: k, Train: train, Validation: validation}
}
