// Package sampler draws batches of labelled image pairs for contrastive
// training.
//
// Every batch has its own random stream derived from the seed, the fold and
// the batch sequence number. A batch therefore comes out identical whether it
// is built inline, by one of many prefetch workers, or after a resume.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"

	"github.com/soundprediction/lostpaw/pkg/dataset"
	"github.com/soundprediction/lostpaw/pkg/types"
)

// DefaultSameProbability is the share of same-identity pairs when unset.
const DefaultSameProbability = 0.5

// DefaultMaxRedraws bounds consecutive bad images within one batch.
const DefaultMaxRedraws = 32

// Config controls pair sampling.
type Config struct {
	// SameProbability is the chance that a drawn pair shows one identity.
	// Zero means DefaultSameProbability; use a negative value for 0.
	SameProbability float64

	BatchSize int
	Seed      uint64

	// Stream separates the random streams of different folds.
	Stream uint64

	// MaxRedraws is the number of consecutive undecodable samples tolerated
	// before the batch fails.
	MaxRedraws int
}

func (c Config) withDefaults() Config {
	switch {
	case c.SameProbability == 0:
		c.SameProbability = DefaultSameProbability
	case c.SameProbability < 0:
		c.SameProbability = 0
	case c.SameProbability > 1:
		c.SameProbability = 1
	}
	if c.MaxRedraws <= 0 {
		c.MaxRedraws = DefaultMaxRedraws
	}
	return c
}

// Loader decodes an image. Implementations must be safe for concurrent use.
type Loader interface {
	Load(ctx context.Context, path string) (image.Image, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) (image.Image, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, path string) (image.Image, error) {
	return f(ctx, path)
}

// FileLoader decodes images from disk.
var FileLoader Loader = LoaderFunc(func(_ context.Context, path string) (image.Image, error) {
	return dataset.LoadImage(path)
})

// drawer picks pairs from a random stream.
type drawer interface {
	draw(rng *rand.Rand, same bool) types.Pair
	check(p float64) error
}

// Sampler produces PairBatches. Its methods are safe for concurrent use.
type Sampler struct {
	cfg    Config
	src    drawer
	loader Loader
	logger *slog.Logger

	redraws     atomic.Int64
	sameFileAny atomic.Int64
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithLoader replaces the image loader.
func WithLoader(l Loader) Option {
	return func(s *Sampler) {
		if l != nil {
			s.loader = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sampler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a live sampler over identities. Identities without images are
// ignored; those with one image only appear in different-identity pairs.
// Images are decoded lazily when a batch is built.
func New(identities []dataset.Identity, cfg Config, opts ...Option) (*Sampler, error) {
	return newSampler(newIdentityDrawer(identities), cfg, opts...)
}

func newSampler(src drawer, cfg Config, opts ...Option) (*Sampler, error) {
	if cfg.BatchSize <= 0 {
		return nil, types.ErrInvalidBatch
	}
	s := &Sampler{
		cfg:    cfg.withDefaults(),
		src:    src,
		loader: FileLoader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config { return s.cfg }

// Redraws returns how many samples were replaced because an image failed.
func (s *Sampler) Redraws() int64 { return s.redraws.Load() }

// SameFileDifferentPairs returns how many different-identity pairs used the
// same file on both sides.
func (s *Sampler) SameFileDifferentPairs() int64 { return s.sameFileAny.Load() }

// Check reports types.ErrEmptyFold when the configured mix of pairs cannot
// be drawn from the identities.
func (s *Sampler) Check() error {
	return s.src.check(s.cfg.SameProbability)
}

func (s *Sampler) rng(seq uint64) *rand.Rand {
	// splitmix64 keeps nearby seeds and streams far apart
	z := s.cfg.Seed + 0x9e3779b97f4a7c15*(s.cfg.Stream+1)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return rand.New(rand.NewPCG(z, seq))
}

// Pairs draws the undecoded pairs of batch seq. The result is fully
// determined by the configuration and seq.
func (s *Sampler) Pairs(seq uint64) ([]types.Pair, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	rng := s.rng(seq)
	out := make([]types.Pair, s.cfg.BatchSize)
	for i := range out {
		out[i] = s.drawOne(rng)
	}
	return out, nil
}

func (s *Sampler) drawOne(rng *rand.Rand) types.Pair {
	same := rng.Float64() < s.cfg.SameProbability
	p := s.src.draw(rng, same)
	if !same && p.PathA == p.PathB {
		s.sameFileAny.Add(1)
		s.logger.Debug("Different-identity pair uses one file twice",
			"pet_a", p.PetA, "pet_b", p.PetB, "path", p.PathA)
	}
	return p
}

// Batch builds batch seq: it draws pairs and decodes both images of each.
// A pair whose image cannot be decoded is replaced by a fresh draw from the
// same stream; after MaxRedraws consecutive failures the batch fails.
func (s *Sampler) Batch(ctx context.Context, seq uint64) (*types.PairBatch, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	rng := s.rng(seq)
	batch := &types.PairBatch{Seq: seq}
	failures := 0
	for batch.Len() < s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := s.drawOne(rng)
		a, b, err := s.loadPair(ctx, p)
		if err != nil {
			var invalid *types.InvalidImageError
			if !errors.As(err, &invalid) {
				return nil, err
			}
			failures++
			s.redraws.Add(1)
			s.logger.Warn("Redrawing sample after invalid image",
				"path", invalid.Path, "reason", invalid.Reason, "batch", seq)
			if failures > s.cfg.MaxRedraws {
				return nil, fmt.Errorf("batch %d: %d consecutive invalid images: %w", seq, failures, err)
			}
			continue
		}
		failures = 0
		batch.Append(p, a, b)
	}
	return batch, nil
}

func (s *Sampler) loadPair(ctx context.Context, p types.Pair) (image.Image, image.Image, error) {
	a, err := s.loader.Load(ctx, p.PathA)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.loader.Load(ctx, p.PathB)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// identityDrawer samples live from grouped identities.
type identityDrawer struct {
	ids   []dataset.Identity
	multi []int
}

func newIdentityDrawer(identities []dataset.Identity) *identityDrawer {
	d := &identityDrawer{}
	for _, id := range identities {
		if len(id.Paths) == 0 {
			continue
		}
		if len(id.Paths) >= 2 {
			d.multi = append(d.multi, len(d.ids))
		}
		d.ids = append(d.ids, id)
	}
	return d
}

func (d *identityDrawer) check(p float64) error {
	if p > 0 && len(d.multi) == 0 {
		return fmt.Errorf("%w: no identity has two images", types.ErrEmptyFold)
	}
	if p < 1 && len(d.ids) < 2 {
		return fmt.Errorf("%w: %d identities, need two for different pairs", types.ErrEmptyFold, len(d.ids))
	}
	return nil
}

func (d *identityDrawer) draw(rng *rand.Rand, same bool) types.Pair {
	if same {
		id := d.ids[d.multi[rng.IntN(len(d.multi))]]
		i, j := distinct(rng, len(id.Paths))
		return types.Pair{PetA: id.PetID, PetB: id.PetID, PathA: id.Paths[i], PathB: id.Paths[j], Same: true}
	}
	i, j := distinct(rng, len(d.ids))
	a, b := d.ids[i], d.ids[j]
	return types.Pair{
		PetA:  a.PetID,
		PetB:  b.PetID,
		PathA: a.Paths[rng.IntN(len(a.Paths))],
		PathB: b.Paths[rng.IntN(len(b.Paths))],
	}
}

// distinct returns two different indices below n, n >= 2.
func distinct(rng *rand.Rand, n int) (int, int) {
	i := rng.IntN(n)
	j := rng.IntN(n - 1)
	if j >= i {
		j++
	}
	return i, j
}
