package trainer

import (
	"slices"

	"github.com/soundprediction/lostpaw/pkg/dataset"
	"github.com/soundprediction/lostpaw/pkg/sampler"
	"github.com/soundprediction/lostpaw/pkg/types"
)

// Source provides the identities a run is split over and builds a sampler
// restricted to one side of a fold.
type Source interface {
	IDs() []types.PetID
	Sampler(keep []types.PetID, cfg sampler.Config, opts ...sampler.Option) (*sampler.Sampler, error)
}

type identitySource struct {
	ids []dataset.Identity
}

// FromIdentities samples live pairs from grouped dataset identities.
func FromIdentities(ids []dataset.Identity) Source {
	return &identitySource{ids: ids}
}

func (s *identitySource) IDs() []types.PetID {
	return dataset.IdentityIDs(s.ids)
}

func (s *identitySource) Sampler(keep []types.PetID, cfg sampler.Config, opts ...sampler.Option) (*sampler.Sampler, error) {
	return sampler.New(dataset.Select(s.ids, keep), cfg, opts...)
}

type pairSource struct {
	records []types.PairRecord
	baseDir string
}

// FromPairs samples from a pair-form training file.
func FromPairs(records []types.PairRecord, baseDir string) Source {
	return &pairSource{records: records, baseDir: baseDir}
}

func (s *pairSource) IDs() []types.PetID {
	ids := make([]types.PetID, 0, len(s.records))
	for _, r := range s.records {
		if len(r.Pairs) > 0 {
			ids = append(ids, r.PetID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func (s *pairSource) Sampler(keep []types.PetID, cfg sampler.Config, opts ...sampler.Option) (*sampler.Sampler, error) {
	// a nil keep would select every pet
	keep = append([]types.PetID{}, keep...)
	return sampler.NewFromPairs(s.records, s.baseDir, keep, cfg, opts...)
}
