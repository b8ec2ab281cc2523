package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// MergeStats summarises a Merge run.
type MergeStats struct {
	Sources      int
	Records      int
	Images       int
	PairRecords  int
	SkippedImage int
}

// MergeOption configures Merge.
type MergeOption func(*mergeConfig)

type mergeConfig struct {
	logger   *slog.Logger
	progress func(done, total int)
}

// WithMergeLogger sets the logger.
func WithMergeLogger(logger *slog.Logger) MergeOption {
	return func(c *mergeConfig) { c.logger = logger }
}

// WithMergeProgress registers a callback invoked after each record is copied.
func WithMergeProgress(fn func(done, total int)) MergeOption {
	return func(c *mergeConfig) { c.progress = fn }
}

// Merge combines extraction outputs (one dataset folder per worker) into
// target. It concatenates their ledgers, copies every image through Add into
// target's images.info.json store, and writes the pair-form train.data file
// where the first image seen for a pet is the anchor of all its pairs.
//
// Pairs are flushed after each source, so memory holds one source's groups
// plus a single anchor per pet. A pet seen in a later source gets another
// line paired against its remembered anchor. Pets that end up with a single
// image produce no line.
func Merge(ctx context.Context, sources []string, target string, opts ...MergeOption) (MergeStats, error) {
	cfg := mergeConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	var stats MergeStats

	if err := os.MkdirAll(target, 0755); err != nil {
		return stats, fmt.Errorf("failed to create target directory: %w", err)
	}
	ledger, err := OpenLedger(filepath.Join(target, LedgerFile))
	if err != nil {
		return stats, err
	}
	store, err := Open(target, MergedInfoFile, WithLogger(cfg.logger))
	if err != nil {
		return stats, err
	}
	pairs, err := CreatePairFile(filepath.Join(target, PairFile))
	if err != nil {
		return stats, err
	}
	defer pairs.Close()

	anchors := make(map[types.PetID]string)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := ledger.AppendFrom(filepath.Join(src, LedgerFile)); err != nil {
			return stats, err
		}

		in, err := Open(src, DefaultInfoFile, WithLogger(cfg.logger))
		if err != nil {
			return stats, fmt.Errorf("failed to open source %s: %w", src, err)
		}

		pending := make(map[types.PetID][]string)
		var order []types.PetID
		for i := 0; i < in.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			paths, petID, source, err := in.Record(i)
			if err != nil {
				return stats, err
			}
			_, err = store.Add(ctx, petID, FromPaths(paths), source)
			var invalid *types.InvalidImageError
			if err != nil && !errors.As(err, &invalid) {
				return stats, err
			}
			stats.SkippedImage += countInvalid(err)

			stored := store.records[store.Len()-1].Paths
			stats.Records++
			stats.Images += len(stored)
			if _, ok := pending[petID]; !ok {
				order = append(order, petID)
			}
			pending[petID] = append(pending[petID], stored...)

			if cfg.progress != nil {
				cfg.progress(i+1, in.Len())
			}
		}

		for _, petID := range order {
			paths := pending[petID]
			if len(paths) == 0 {
				continue
			}
			anchor, ok := anchors[petID]
			if !ok {
				anchor, paths = paths[0], paths[1:]
				anchors[petID] = anchor
			}
			if err := pairs.WriteAnchored(petID, anchor, paths); err != nil {
				return stats, err
			}
		}
		stats.Sources++
		cfg.logger.Info("Merged source", "source", src, "records", in.Len())
	}

	if err := store.Save(); err != nil {
		return stats, err
	}
	stats.PairRecords = pairs.Count()
	if err := pairs.Close(); err != nil {
		return stats, err
	}
	cfg.logger.Info("Merge complete",
		"sources", stats.Sources,
		"records", stats.Records,
		"images", stats.Images,
		"pair_records", stats.PairRecords)
	return stats, nil
}

func countInvalid(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
