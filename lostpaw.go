package lostpaw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/soundprediction/lostpaw/pkg/alert"
	"github.com/soundprediction/lostpaw/pkg/checkpoint"
	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/dataset"
	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/evaluator"
	"github.com/soundprediction/lostpaw/pkg/sampler"
	"github.com/soundprediction/lostpaw/pkg/telemetry"
	"github.com/soundprediction/lostpaw/pkg/trainer"
)

// SnapshotName is the file written next to checkpoints with the resolved
// run configuration.
const SnapshotName = "config.yaml"

// testStream keeps test batches apart from every training and validation
// stream, which use 2*fold and 2*fold+1.
const testStream = 1 << 32

// Lostpaw is the entry point for training, testing and comparing pet face
// encoders.
type Lostpaw interface {
	// Train runs cross-validated training, resuming when configured to.
	Train(ctx context.Context, opts *TrainOptions) (*TrainResult, error)

	// Test evaluates the encoder on the held-out test identities and returns
	// the averaged rates.
	Test(ctx context.Context, progress func(done int)) (evaluator.Counts, error)

	// Compare embeds two image files and reports their cosine similarity.
	Compare(ctx context.Context, pathA, pathB string) (*Comparison, error)

	// Encoder builds the inference encoder described by the configuration.
	Encoder(ctx context.Context) (encoder.Encoder, error)

	// Close flushes telemetry.
	Close() error
}

// TrainOptions adjusts a single training run.
type TrainOptions struct {
	// RunID names the run; a random id is used when empty.
	RunID string
	// ResumeFrom is a checkpoint file to resume from. It takes precedence
	// over train.resume.
	ResumeFrom string
	// Loader replaces the image loader, mainly for tests.
	Loader sampler.Loader
}

// TrainResult summarises a finished training run.
type TrainResult struct {
	RunID       string
	Folds       []trainer.FoldResult
	ResumedFrom string
	Steps       int
}

// Comparison is the outcome of Compare.
type Comparison struct {
	Similarity float64
	Threshold  float64
	Same       bool
}

// Client is the main implementation of the Lostpaw interface.
type Client struct {
	config  *config.Config
	alerter alert.Alerter
	logger  *slog.Logger
	mirror  checkpoint.Mirror
	metrics *telemetry.MetricsWriter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAlerter replaces the alerter built from the alert configuration.
func WithAlerter(a alert.Alerter) ClientOption {
	return func(c *Client) { c.alerter = a }
}

// WithMirror replaces the checkpoint mirror built from the configuration.
func WithMirror(m checkpoint.Mirror) ClientOption {
	return func(c *Client) { c.mirror = m }
}

// NewClient validates cfg and prepares the collaborators it names. The
// checkpoint mirror is only contacted when enabled.
func NewClient(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{config: cfg, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	if c.alerter == nil {
		c.alerter = alert.New(cfg.Alert)
	}
	if c.mirror == nil && cfg.Checkpoint.Mirror.Enabled {
		m, err := checkpoint.NewMinioMirror(ctx, cfg.Checkpoint.Mirror)
		if err != nil {
			return nil, fmt.Errorf("failed to connect checkpoint mirror: %w", err)
		}
		c.mirror = m
	}
	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.Config { return c.config }

// Encoder builds the inference encoder described by the configuration.
func (c *Client) Encoder(ctx context.Context) (encoder.Encoder, error) {
	return NewEncoder(ctx, c.config, c.alerter, c.mirror, c.logger)
}

func (c *Client) source() (trainer.Source, error) {
	data := c.config.Data
	if data.PairFile != "" {
		path := data.PairFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(data.Dir, path)
		}
		records, err := dataset.ReadPairFile(path)
		if err != nil {
			return nil, err
		}
		c.logger.Info("Training from pair file", "path", path, "pets", len(records))
		return trainer.FromPairs(records, data.Dir), nil
	}
	folder, err := dataset.Open(data.Dir, data.InfoFile, dataset.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	c.logger.Info("Training from dataset", "dir", folder.Dir(), "records", folder.Len())
	return trainer.FromIdentities(folder.Identities()), nil
}

// Train runs cross-validated training. The resolved configuration is written
// to the checkpoint directory before the first step.
func (c *Client) Train(ctx context.Context, opts *TrainOptions) (*TrainResult, error) {
	if opts == nil {
		opts = &TrainOptions{}
	}
	if !strings.EqualFold(c.config.Encoder.Type, "linear") {
		return nil, fmt.Errorf("encoder type %q cannot be trained", c.config.Encoder.Type)
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	logger := c.logger.With("run_id", runID)

	src, err := c.source()
	if err != nil {
		return nil, err
	}
	model, err := NewTrainable(c.config)
	if err != nil {
		return nil, err
	}

	mgrOpts := []checkpoint.Option{checkpoint.WithKeep(c.config.Checkpoint.Keep), checkpoint.WithLogger(logger)}
	if c.mirror != nil {
		mgrOpts = append(mgrOpts, checkpoint.WithMirror(c.mirror))
	}
	ckpts, err := checkpoint.NewManager(c.config.Checkpoint.Dir, mgrOpts...)
	if err != nil {
		return nil, err
	}
	if err := c.config.WriteSnapshot(filepath.Join(ckpts.Dir(), SnapshotName)); err != nil {
		return nil, err
	}

	trOpts := []trainer.Option{
		trainer.WithCheckpoints(ckpts),
		trainer.WithAlerter(c.alerter),
		trainer.WithLogger(logger),
	}
	if opts.Loader != nil {
		trOpts = append(trOpts, trainer.WithLoader(opts.Loader))
	}
	if dir := c.config.Telemetry.MetricsPath; dir != "" {
		if c.metrics != nil {
			_ = c.metrics.Close()
		}
		c.metrics, err = telemetry.NewMetricsWriter(dir, runID, 0)
		if err != nil {
			return nil, err
		}
		trOpts = append(trOpts, trainer.WithReporter(c.metrics))
	}

	tr, err := trainer.New(trainer.ConfigFrom(c.config, runID), model, c.config.Train.Optimizer, src, trOpts...)
	if err != nil {
		return nil, err
	}

	result := &TrainResult{RunID: runID}
	switch {
	case opts.ResumeFrom != "":
		if err := tr.Resume(opts.ResumeFrom); err != nil {
			return nil, err
		}
		result.ResumedFrom = opts.ResumeFrom
	case c.config.Train.Resume:
		path, err := tr.ResumeLatest(ctx)
		switch {
		case errors.Is(err, checkpoint.ErrNoCheckpoint):
			logger.Info("No checkpoint to resume, starting fresh", "dir", ckpts.Dir())
		case err != nil:
			return nil, err
		default:
			result.ResumedFrom = path
		}
	}

	result.Folds, err = tr.Run(ctx)
	result.Steps = tr.Steps()
	if c.metrics != nil {
		if ferr := c.metrics.Flush(); ferr != nil {
			logger.Warn("Failed to flush metrics", "error", ferr)
		}
	}
	return result, err
}

// Test evaluates the configured encoder on the test info file, drawing
// eval.batch_count batches of eval.batch_size pairs.
func (c *Client) Test(ctx context.Context, progress func(done int)) (evaluator.Counts, error) {
	return c.test(ctx, nil, progress)
}

func (c *Client) test(ctx context.Context, loader sampler.Loader, progress func(done int)) (evaluator.Counts, error) {
	infoFile := c.config.Data.TestInfoFile
	if infoFile == "" {
		infoFile = c.config.Data.InfoFile
	}
	folder, err := dataset.Open(c.config.Data.Dir, infoFile, dataset.WithLogger(c.logger))
	if err != nil {
		return evaluator.Counts{}, err
	}
	enc, err := c.Encoder(ctx)
	if err != nil {
		return evaluator.Counts{}, err
	}

	p := c.config.Data.SameProbability
	if p == 0 {
		p = -1
	}
	smp, err := sampler.New(folder.Identities(), sampler.Config{
		SameProbability: p,
		BatchSize:       c.config.Eval.BatchSize,
		Seed:            c.config.Train.Seed,
		Stream:          testStream,
		MaxRedraws:      c.config.Data.MaxRedraws,
	}, sampler.WithLogger(c.logger), sampler.WithLoader(loader))
	if err != nil {
		return evaluator.Counts{}, err
	}
	if err := smp.Check(); err != nil {
		return evaluator.Counts{}, err
	}

	ev, err := evaluator.New(enc, c.config.Eval.Threshold, c.logger)
	if err != nil {
		return evaluator.Counts{}, err
	}
	stream := smp.Stream(ctx, 0, c.config.Data.Workers, c.config.Data.Prefetch)
	defer stream.Close()

	rates, err := ev.Evaluate(ctx, stream, c.config.Eval.BatchCount, c.config.Eval.BatchSize, progress)
	if err != nil {
		return evaluator.Counts{}, err
	}
	c.logger.Info("Test finished",
		"batches", c.config.Eval.BatchCount,
		"accuracy", rates.Accuracy(),
		"precision", rates.Precision(),
		"recall", rates.Recall())
	return rates, nil
}

// Compare embeds two image files and compares them against
// eval.similarity_threshold.
func (c *Client) Compare(ctx context.Context, pathA, pathB string) (*Comparison, error) {
	a, err := dataset.LoadImage(pathA)
	if err != nil {
		return nil, err
	}
	b, err := dataset.LoadImage(pathB)
	if err != nil {
		return nil, err
	}
	enc, err := c.Encoder(ctx)
	if err != nil {
		return nil, err
	}
	sim, err := evaluator.Similarity(ctx, enc, a, b)
	if err != nil {
		return nil, err
	}
	threshold := c.config.Eval.SimilarityThreshold
	return &Comparison{Similarity: sim, Threshold: threshold, Same: sim >= threshold}, nil
}

// Close flushes telemetry.
func (c *Client) Close() error {
	if c.metrics == nil {
		return nil
	}
	err := c.metrics.Close()
	c.metrics = nil
	return err
}

// ensureDir creates dir if needed.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
