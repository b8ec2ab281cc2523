package lostpaw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/soundprediction/lostpaw/pkg/alert"
	"github.com/soundprediction/lostpaw/pkg/checkpoint"
	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/types"
)

// LatestWeights as encoder.weights selects the newest checkpoint in
// checkpoint.dir.
const LatestWeights = "latest"

// NewTrainable builds an untrained linear encoder from the configuration,
// seeded with train.seed.
func NewTrainable(cfg *config.Config) (*encoder.Linear, error) {
	return encoder.NewLinear(encoder.LinearConfig{
		Side:       cfg.Encoder.Side,
		Dimensions: cfg.Encoder.Dimensions,
		Normalize:  cfg.Encoder.Normalize,
		Seed:       cfg.Train.Seed,
	})
}

// NewEncoder builds the inference encoder: a remote client wrapped with
// retries and a circuit breaker, or a linear model loaded from
// encoder.weights. A checkpoint missing on disk is fetched from mirror when
// one is given.
func NewEncoder(ctx context.Context, cfg *config.Config, alerter alert.Alerter, mirror checkpoint.Mirror, logger *slog.Logger) (encoder.Encoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Encoder.Type) {
	case "remote":
		return encoder.NewRemote(cfg.Encoder, cfg.CircuitBreaker, alerter)
	case "linear":
	default:
		return nil, fmt.Errorf("unknown encoder type %q", cfg.Encoder.Type)
	}

	model, err := NewTrainable(cfg)
	if err != nil {
		return nil, err
	}
	path, err := resolveWeights(ctx, cfg, mirror)
	if err != nil {
		return nil, err
	}
	if path == "" {
		logger.Warn("No encoder weights configured, using an untrained model", "seed", cfg.Train.Seed)
		return model, nil
	}
	if err := LoadWeights(model, path); err != nil {
		return nil, err
	}
	if model.Side() != cfg.Encoder.Side || model.Dimensions() != cfg.Encoder.Dimensions {
		logger.Warn("Checkpoint shape differs from configuration, using the checkpoint",
			"side", model.Side(), "dimensions", model.Dimensions())
	}
	return model, nil
}

func resolveWeights(ctx context.Context, cfg *config.Config, mirror checkpoint.Mirror) (string, error) {
	path := cfg.Encoder.Weights
	if path == "" {
		return "", nil
	}
	if path == LatestWeights {
		mgr, err := checkpoint.NewManager(cfg.Checkpoint.Dir)
		if err != nil {
			return "", err
		}
		return mgr.Latest(ctx)
	}
	if _, err := os.Stat(path); err == nil || mirror == nil {
		return path, nil
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	if err := mirror.Download(ctx, filepath.Base(path), path); err != nil {
		return "", fmt.Errorf("failed to fetch weights %s: %w", path, err)
	}
	return path, nil
}

// LoadWeights restores model parameters from a training checkpoint.
func LoadWeights(model encoder.Trainable, path string) error {
	ck, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if len(ck.Weights) == 0 {
		return &types.CheckpointIOError{Op: "restore", Path: path, Err: errors.New("checkpoint has no weights")}
	}
	if err := model.UnmarshalBinary(ck.Weights); err != nil {
		return &types.CheckpointIOError{Op: "restore", Path: path, Err: err}
	}
	return nil
}
