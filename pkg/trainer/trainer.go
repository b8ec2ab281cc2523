// Package trainer runs resumable k-fold contrastive training.
//
// Each fold moves through Initialized, Training, Checkpointed or Evaluating
// and back to Training, and ends in FoldComplete. Every step draws a batch
// from the fold's training identities, embeds both sides, applies the
// contrastive loss and updates the encoder weights. A checkpoint stores
// everything needed to continue with identical batches, weights and
// statistics.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/soundprediction/lostpaw/pkg/alert"
	"github.com/soundprediction/lostpaw/pkg/checkpoint"
	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/evaluator"
	"github.com/soundprediction/lostpaw/pkg/folds"
	"github.com/soundprediction/lostpaw/pkg/sampler"
	"github.com/soundprediction/lostpaw/pkg/telemetry"
	"github.com/soundprediction/lostpaw/pkg/types"
	"github.com/soundprediction/lostpaw/pkg/utils"
)

// Config controls a training run.
type Config struct {
	RunID string
	Seed  uint64

	BatchSize           int
	StepsPerFold        int
	Folds               int
	ResetWeightsPerFold bool
	Margin              float64

	ValidationFraction float64

	// SameProbability follows sampler.Config: zero means the default and a
	// negative value means no same-identity pairs.
	SameProbability float64

	Workers    int
	Prefetch   int
	MaxRedraws int

	LogInterval        int
	CheckpointInterval int
	EvalInterval       int
	EvalBatches        int
	EvalThreshold      float64
}

// ConfigFrom maps the application configuration onto a trainer Config.
func ConfigFrom(cfg *config.Config, runID string) Config {
	p := cfg.Data.SameProbability
	if p == 0 {
		p = -1
	}
	return Config{
		RunID:               runID,
		Seed:                cfg.Train.Seed,
		BatchSize:           cfg.Train.BatchSize,
		StepsPerFold:        cfg.Train.StepsPerFold,
		Folds:               cfg.Train.CrossValidationFolds,
		ResetWeightsPerFold: cfg.Train.ResetWeightsPerFold,
		Margin:              cfg.Train.Margin,
		ValidationFraction:  cfg.Data.ValidationFraction,
		SameProbability:     p,
		Workers:             cfg.Data.Workers,
		Prefetch:            cfg.Data.Prefetch,
		MaxRedraws:          cfg.Data.MaxRedraws,
		LogInterval:         cfg.Train.LogInterval,
		CheckpointInterval:  cfg.Train.CheckpointInterval,
		EvalInterval:        cfg.Train.EvalInterval,
		EvalBatches:         cfg.Train.EvalBatches,
		EvalThreshold:       cfg.Eval.Threshold,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, types.ErrInvalidBatch)
	}
	if c.StepsPerFold <= 0 {
		errs = append(errs, fmt.Errorf("steps per fold must be positive, got %d", c.StepsPerFold))
	}
	if c.Folds <= 0 {
		errs = append(errs, fmt.Errorf("fold count must be positive, got %d", c.Folds))
	}
	if c.Margin <= 0 || math.IsNaN(c.Margin) {
		errs = append(errs, fmt.Errorf("margin must be positive, got %v", c.Margin))
	}
	if c.EvalInterval > 0 && (c.EvalBatches <= 0 || c.EvalThreshold <= 0) {
		errs = append(errs, errors.New("validation needs a positive batch count and threshold"))
	}
	return errors.Join(errs...)
}

// FoldResult summarises a finished fold.
type FoldResult struct {
	Fold       int
	Steps      int
	MeanLoss   float64
	LastLoss   float64
	Validation evaluator.Counts
	Evaluated  bool
}

// Reporter receives step metrics. telemetry.MetricsWriter implements it.
type Reporter interface {
	Record(m telemetry.StepMetric) error
}

// Trainer owns the encoder weights for the duration of a run. It is not safe
// for concurrent use.
type Trainer struct {
	cfg      Config
	model    encoder.Trainable
	opt      encoder.Optimizer
	optCfg   encoder.OptimizerConfig
	source   Source
	splitter *folds.Splitter

	loader   sampler.Loader
	ckpts    *checkpoint.Manager
	reporter Reporter
	alerter  alert.Alerter
	logger   *slog.Logger

	phase    checkpoint.Phase
	fold     types.Fold
	step     int
	foldStep int
	seq      uint64
	stats    checkpoint.Stats
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLoader sets the image loader used by the samplers.
func WithLoader(l sampler.Loader) Option {
	return func(t *Trainer) { t.loader = l }
}

// WithCheckpoints enables periodic checkpoints through m.
func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(t *Trainer) { t.ckpts = m }
}

// WithReporter sends step metrics to r.
func WithReporter(r Reporter) Option {
	return func(t *Trainer) { t.reporter = r }
}

// WithAlerter is notified when a run fails.
func WithAlerter(a alert.Alerter) Option {
	return func(t *Trainer) { t.alerter = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a trainer for model over the identities of source.
func New(cfg Config, model encoder.Trainable, optCfg encoder.OptimizerConfig, source Source, opts ...Option) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid trainer config: %w", err)
	}
	if model == nil || source == nil {
		return nil, errors.New("trainer needs a model and a data source")
	}
	opt, err := encoder.NewOptimizer(optCfg)
	if err != nil {
		return nil, err
	}
	ids := source.IDs()
	if len(ids) == 0 {
		return nil, types.ErrEmptyFold
	}
	splitter, err := folds.New(ids, cfg.ValidationFraction, cfg.Seed)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:      cfg,
		model:    model,
		opt:      opt,
		optCfg:   optCfg,
		source:   source,
		splitter: splitter,
		alerter:  &alert.NoOpAlerter{},
		logger:   slog.Default(),
		phase:    checkpoint.PhaseInitialized,
		fold:     types.Fold{Index: -1},
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With("run_id", cfg.RunID)
	return t, nil
}

// Phase returns the current state.
func (t *Trainer) Phase() checkpoint.Phase { return t.phase }

// Fold returns the active fold; its Index is -1 before training starts.
func (t *Trainer) Fold() types.Fold { return t.fold }

// Steps returns the number of optimiser updates applied in this run.
func (t *Trainer) Steps() int { return t.step }

// Stats returns the running statistics of the active fold.
func (t *Trainer) Stats() checkpoint.Stats { return t.stats }

// Model returns the encoder being trained.
func (t *Trainer) Model() encoder.Trainable { return t.model }

// Step applies one optimiser update from batch and returns the loss.
// Encoder and numerical failures are returned as *types.EncoderFailure.
func (t *Trainer) Step(ctx context.Context, batch *types.PairBatch) (float64, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	fail := func(op string, err error) error {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &types.EncoderFailure{Step: t.step, Op: op, Err: err}
	}

	actA, err := t.model.Forward(ctx, batch.ImagesA)
	if err != nil {
		return 0, fail("forward", err)
	}
	actB, err := t.model.Forward(ctx, batch.ImagesB)
	if err != nil {
		return 0, fail("forward", err)
	}

	loss, dA, dB, err := ContrastiveLoss(actA.Outputs, actB.Outputs, batch.Labels, t.cfg.Margin)
	if err != nil {
		return 0, fail("loss", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fail("loss", fmt.Errorf("non-finite loss %v", loss))
	}

	gradA, err := t.model.Backward(actA, dA)
	if err != nil {
		return 0, fail("backward", err)
	}
	gradB, err := t.model.Backward(actB, dB)
	if err != nil {
		return 0, fail("backward", err)
	}
	if len(gradA) != len(gradB) {
		return 0, fail("backward", encoder.ErrDimensionMismatch)
	}
	for i := range gradA {
		gradA[i] += gradB[i]
	}
	if !utils.IsFinite(gradA) {
		return 0, fail("backward", errors.New("non-finite gradient"))
	}

	if err := t.opt.Step(t.model.Params(), gradA); err != nil {
		return 0, fail("update", err)
	}
	t.step++
	return loss, nil
}

// Run trains the remaining folds and returns a result for every fold
// finished by this call. A resumed trainer continues inside the fold it was
// checkpointed in.
func (t *Trainer) Run(ctx context.Context) ([]FoldResult, error) {
	var results []FoldResult
	for {
		if !t.inFold() {
			if t.splitter.State().Index+1 >= t.cfg.Folds {
				break
			}
			t.beginFold()
		}
		res, err := t.trainFold(ctx)
		if err != nil {
			return results, t.fail(err)
		}
		results = append(results, res)
	}
	t.logger.Info("Training finished", "folds", t.cfg.Folds, "steps", t.step)
	return results, nil
}

func (t *Trainer) inFold() bool {
	return t.fold.Index >= 0 && t.phase != checkpoint.PhaseFoldComplete
}

func (t *Trainer) beginFold() {
	t.fold = t.splitter.NextFold()
	t.foldStep = 0
	t.seq = 0
	t.stats = checkpoint.Stats{}
	if t.cfg.ResetWeightsPerFold && t.fold.Index > 0 {
		t.model.Reset(t.cfg.Seed + uint64(t.fold.Index))
		// the config was accepted by New
		t.opt, _ = encoder.NewOptimizer(t.optCfg)
	}
	t.phase = checkpoint.PhaseInitialized
	t.logger.Info("Starting fold",
		"fold", t.fold.Index,
		"train_identities", len(t.fold.Train),
		"validation_identities", len(t.fold.Validation))
}

func (t *Trainer) samplers() (train, val *sampler.Sampler, err error) {
	base := sampler.Config{
		SameProbability: t.cfg.SameProbability,
		BatchSize:       t.cfg.BatchSize,
		Seed:            t.cfg.Seed,
		Stream:          uint64(t.fold.Index) * 2,
		MaxRedraws:      t.cfg.MaxRedraws,
	}
	opts := []sampler.Option{sampler.WithLoader(t.loader), sampler.WithLogger(t.logger)}

	train, err = t.source.Sampler(t.fold.Train, base, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := train.Check(); err != nil {
		return nil, nil, fmt.Errorf("fold %d training set: %w", t.fold.Index, err)
	}

	if t.cfg.EvalInterval <= 0 || len(t.fold.Validation) == 0 {
		return train, nil, nil
	}
	vc := base
	vc.Stream++
	val, err = t.source.Sampler(t.fold.Validation, vc, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := val.Check(); err != nil {
		t.logger.Warn("Validation disabled for fold", "fold", t.fold.Index, "error", err)
		return train, nil, nil
	}
	return train, val, nil
}

func (t *Trainer) trainFold(ctx context.Context) (FoldResult, error) {
	train, val, err := t.samplers()
	if err != nil {
		return FoldResult{}, err
	}

	stream := train.Stream(ctx, t.seq, t.cfg.Workers, t.cfg.Prefetch)
	defer stream.Close()

	t.phase = checkpoint.PhaseTraining
	for t.foldStep < t.cfg.StepsPerFold {
		if err := ctx.Err(); err != nil {
			return FoldResult{}, err
		}
		batch, err := stream.Next(ctx)
		if err != nil {
			return FoldResult{}, fmt.Errorf("failed to draw batch %d: %w", t.seq, err)
		}
		loss, err := t.Step(ctx, batch)
		if err != nil {
			return FoldResult{}, err
		}
		t.seq++
		t.foldStep++
		t.stats.LossSum += loss
		t.stats.LossCount++
		t.stats.LastLoss = loss
		t.phase = checkpoint.PhaseTraining

		if every(t.cfg.LogInterval, t.foldStep) {
			t.logStep(batch, train)
		}
		if val != nil && every(t.cfg.EvalInterval, t.foldStep) {
			if err := t.validate(ctx, val); err != nil {
				return FoldResult{}, err
			}
		}
		// the fold_complete checkpoint below covers the last step
		if every(t.cfg.CheckpointInterval, t.foldStep) && t.foldStep < t.cfg.StepsPerFold {
			t.checkpoint(ctx, checkpoint.PhaseCheckpointed)
		}
	}

	// the last step may not fall on the validation interval
	if val != nil && !every(t.cfg.EvalInterval, t.foldStep) {
		if err := t.validate(ctx, val); err != nil {
			return FoldResult{}, err
		}
	}
	t.phase = checkpoint.PhaseFoldComplete
	t.checkpoint(ctx, checkpoint.PhaseFoldComplete)

	res := FoldResult{
		Fold:      t.fold.Index,
		Steps:     t.foldStep,
		MeanLoss:  t.stats.MeanLoss(),
		LastLoss:  t.stats.LastLoss,
		Evaluated: t.stats.Evaluated,
	}
	if t.stats.Evaluated {
		v := t.stats.Validation
		res.Validation = evaluator.Counts{Diff: v[0], Err1: v[1], Err2: v[2], Same: v[3]}
	}
	t.logger.Info("Fold complete", "fold", res.Fold, "steps", res.Steps, "mean_loss", res.MeanLoss)
	return res, nil
}

func every(n, step int) bool {
	return n > 0 && step%n == 0
}

func (t *Trainer) logStep(batch *types.PairBatch, train *sampler.Sampler) {
	t.logger.Info("Training step",
		"fold", t.fold.Index,
		"step", t.step,
		"loss", t.stats.LastLoss,
		"mean_loss", t.stats.MeanLoss())
	t.report(telemetry.StepMetric{
		Kind:      telemetry.KindTrain,
		Fold:      t.fold.Index,
		Step:      t.step,
		FoldStep:  t.foldStep,
		Loss:      t.stats.LastLoss,
		MeanLoss:  t.stats.MeanLoss(),
		SameRatio: float64(batch.SameCount()) / float64(batch.Len()),
		Redraws:   train.Redraws(),
	})
}

func (t *Trainer) report(m telemetry.StepMetric) {
	if t.reporter == nil {
		return
	}
	m.RunID = t.cfg.RunID
	if err := t.reporter.Record(m); err != nil {
		t.logger.Warn("Failed to record metrics", "error", err)
	}
}

// validate runs the fixed validation batches of the fold. They depend only
// on the fold, so repeated and resumed evaluations see the same pairs.
func (t *Trainer) validate(ctx context.Context, val *sampler.Sampler) error {
	t.phase = checkpoint.PhaseEvaluating
	ev, err := evaluator.New(t.model, t.cfg.EvalThreshold, t.logger)
	if err != nil {
		return err
	}

	var total evaluator.Counts
	for i := 0; i < t.cfg.EvalBatches; i++ {
		b, err := val.Batch(ctx, uint64(i))
		if err != nil {
			return fmt.Errorf("failed to draw validation batch %d: %w", i, err)
		}
		c, err := ev.TestBatch(ctx, b.ImagesA, b.ImagesB, b.Labels, 0)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &types.EncoderFailure{Step: t.step, Op: "evaluate", Err: err}
		}
		total = total.Add(c)
	}
	rates := total.Div(float64(t.cfg.EvalBatches))
	t.stats.Validation = [4]float64{rates.Diff, rates.Err1, rates.Err2, rates.Same}
	t.stats.Evaluated = true

	t.logger.Info("Validation",
		"fold", t.fold.Index,
		"step", t.step,
		"accuracy", rates.Accuracy(),
		"diff", rates.Diff,
		"err1", rates.Err1,
		"err2", rates.Err2,
		"same", rates.Same)
	t.report(telemetry.StepMetric{
		Kind:     telemetry.KindValidation,
		Fold:     t.fold.Index,
		Step:     t.step,
		FoldStep: t.foldStep,
		MeanLoss: t.stats.MeanLoss(),
		Diff:     rates.Diff,
		Err1:     rates.Err1,
		Err2:     rates.Err2,
		Same:     rates.Same,
		Accuracy: rates.Accuracy(),
	})
	t.phase = checkpoint.PhaseTraining
	return nil
}

// checkpoint saves the current state. A failed write is logged and training
// continues.
func (t *Trainer) checkpoint(ctx context.Context, phase checkpoint.Phase) {
	if t.ckpts == nil {
		return
	}
	weights, err := t.model.MarshalBinary()
	if err != nil {
		t.logger.Error("Checkpoint failed", "error", &types.CheckpointIOError{Op: "encode", Err: err})
		return
	}
	ck := &checkpoint.TrainingCheckpoint{
		RunID:      t.cfg.RunID,
		Phase:      phase,
		Step:       t.step,
		FoldStep:   t.foldStep,
		Seed:       t.cfg.Seed,
		Folds:      t.splitter.State(),
		SamplerSeq: t.seq,
		Encoder:    fmt.Sprintf("%T", t.model),
		Optimizer:  t.opt.State(),
		Stats:      t.stats,
		Weights:    weights,
	}
	path, err := t.ckpts.Save(ctx, ck)
	if err != nil {
		t.logger.Error("Checkpoint failed, continuing", "step", t.step, "error", err)
		return
	}
	if phase == checkpoint.PhaseCheckpointed {
		t.phase = phase
	}
	t.logger.Info("Saved checkpoint", "path", path, "step", t.step, "phase", phase)
}

// Resume restores weights, optimiser state, fold position, sampler position
// and statistics from a checkpoint file. Any read or restore failure is
// returned and the trainer must not be used.
func (t *Trainer) Resume(path string) error {
	ck, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	restoreErr := func(err error) error {
		return &types.CheckpointIOError{Op: "restore", Path: path, Err: err}
	}

	if err := t.model.UnmarshalBinary(ck.Weights); err != nil {
		return restoreErr(err)
	}
	opt, err := encoder.NewOptimizer(t.optCfg)
	if err != nil {
		return err
	}
	if ck.Optimizer.Name != "" {
		if err := opt.Restore(ck.Optimizer); err != nil {
			return restoreErr(err)
		}
	}
	fold, err := t.splitter.Restore(ck.Folds)
	if err != nil {
		return restoreErr(err)
	}
	if ck.Seed != t.cfg.Seed {
		t.logger.Warn("Using the checkpoint seed", "checkpoint_seed", ck.Seed, "config_seed", t.cfg.Seed)
		t.cfg.Seed = ck.Seed
	}

	t.opt = opt
	t.fold = fold
	t.step = ck.Step
	t.foldStep = ck.FoldStep
	t.seq = ck.SamplerSeq
	t.stats = ck.Stats
	t.phase = ck.Phase
	t.logger.Info("Resumed from checkpoint", "path", path, "fold", fold.Index, "step", t.step, "phase", t.phase)
	return nil
}

// ResumeLatest resumes from the newest checkpoint of the configured manager
// and returns its path. It returns checkpoint.ErrNoCheckpoint when there is
// nothing to resume.
func (t *Trainer) ResumeLatest(ctx context.Context) (string, error) {
	if t.ckpts == nil {
		return "", checkpoint.ErrNoCheckpoint
	}
	path, err := t.ckpts.Latest(ctx)
	if err != nil {
		return "", err
	}
	return path, t.Resume(path)
}

func (t *Trainer) fail(err error) error {
	if errors.Is(err, context.Canceled) {
		t.logger.Info("Training cancelled", "step", t.step)
		return err
	}
	t.logger.Error("Training failed", "fold", t.fold.Index, "step", t.step, "error", err)
	if t.alerter != nil {
		msg := fmt.Sprintf("Run %s stopped in fold %d at step %d: %v", t.cfg.RunID, t.fold.Index, t.step, err)
		if aerr := t.alerter.Alert("Training run failed", msg); aerr != nil {
			t.logger.Warn("Failed to send alert", "error", aerr)
		}
	}
	return err
}
