package trainer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lostpaw/pkg/checkpoint"
	"github.com/soundprediction/lostpaw/pkg/dataset"
	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/sampler"
	"github.com/soundprediction/lostpaw/pkg/telemetry"
	"github.com/soundprediction/lostpaw/pkg/types"
)

// petLoader draws an 8×8 image whose pattern depends on the pet and, more
// weakly, on the image index encoded in the path "pet<P>/<I>.jpg".
var petLoader = sampler.LoaderFunc(func(_ context.Context, path string) (image.Image, error) {
	var pet, idx int
	if _, err := fmt.Sscanf(path, "pet%d/%d.jpg", &pet, &idx); err != nil {
		return nil, types.NewInvalidImageError(path, "unknown test image", err)
	}
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			v := (x*(pet+1)*13 + y*(pet+2)*7 + idx*3) % 256
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img, nil
})

func testIdentities(pets, perPet int) []dataset.Identity {
	ids := make([]dataset.Identity, pets)
	for p := range ids {
		ids[p].PetID = types.PetID(fmt.Sprint(p))
		for i := 0; i < perPet; i++ {
			ids[p].Paths = append(ids[p].Paths, fmt.Sprintf("pet%d/%d.jpg", p, i))
		}
	}
	return ids
}

func testConfig() Config {
	return Config{
		RunID:              "test-run",
		Seed:               11,
		BatchSize:          4,
		StepsPerFold:       6,
		Folds:              2,
		Margin:             1,
		ValidationFraction: 0.3,
		Workers:            2,
		Prefetch:           2,
		LogInterval:        1,
		CheckpointInterval: 2,
		EvalInterval:       4,
		EvalBatches:        2,
		EvalThreshold:      0.5,
	}
}

func newModel(t *testing.T, seed uint64) *encoder.Linear {
	t.Helper()
	m, err := encoder.NewLinear(encoder.LinearConfig{Side: 4, Dimensions: 3, Normalize: true, Seed: seed})
	require.NoError(t, err)
	return m
}

var adamw = encoder.OptimizerConfig{Name: "adamw", LearningRate: 0.01, WeightDecay: 0.01}

type memReporter struct{ rows []telemetry.StepMetric }

func (m *memReporter) Record(row telemetry.StepMetric) error {
	m.rows = append(m.rows, row)
	return nil
}

func TestContrastiveLoss(t *testing.T) {
	za := [][]float32{{0, 0}, {0, 0}, {0, 0}}
	zb := [][]float32{{3, 4}, {0.3, 0.4}, {30, 40}}
	labels := []bool{true, false, false}

	loss, dA, dB, err := ContrastiveLoss(za, zb, labels, 1)
	require.NoError(t, err)
	// same: d²=25; different at d=0.5: (1-0.5)²=0.25; different beyond margin: 0
	// 0.3 and 0.4 are not exact in float32
	assert.InDelta(t, (25+0.25)/3/2, loss, 1e-6)

	assert.InDeltaSlice(t, []float32{-1, -4.0 / 3}, dA[0], 1e-6)
	assert.InDeltaSlice(t, []float32{0.1, 0.4 / 3}, dA[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, dA[2])
	for i := range dA {
		for k := range dA[i] {
			assert.Equal(t, -dA[i][k], dB[i][k])
		}
	}

	_, _, _, err = ContrastiveLoss(za, zb[:2], labels, 1)
	assert.ErrorIs(t, err, types.ErrLengthMismatch)
	_, _, _, err = ContrastiveLoss(nil, nil, nil, 1)
	assert.ErrorIs(t, err, types.ErrInvalidBatch)
}

func TestContrastiveLossGradient(t *testing.T) {
	za := [][]float32{{0.2, -0.1, 0.4}, {0.1, 0.1, 0.1}}
	zb := [][]float32{{0.5, 0.3, -0.2}, {0.3, -0.2, 0.2}}
	labels := []bool{true, false}

	_, dA, _, err := ContrastiveLoss(za, zb, labels, 1)
	require.NoError(t, err)

	const h = 1e-3
	for i := range za {
		for k := range za[i] {
			orig := za[i][k]
			za[i][k] = orig + h
			up, _, _, _ := ContrastiveLoss(za, zb, labels, 1)
			za[i][k] = orig - h
			down, _, _, _ := ContrastiveLoss(za, zb, labels, 1)
			za[i][k] = orig
			assert.InDelta(t, (up-down)/(2*h), float64(dA[i][k]), 1e-3, "pair %d dim %d", i, k)
		}
	}
}

func TestRunSingleFold(t *testing.T) {
	cfg := testConfig()
	cfg.Folds = 1
	cfg.StepsPerFold = 60
	cfg.CheckpointInterval = 0
	cfg.EvalInterval = 0
	cfg.LogInterval = 10

	reporter := &memReporter{}
	tr, err := New(cfg, newModel(t, 1), encoder.OptimizerConfig{Name: "adam", LearningRate: 0.05}, FromIdentities(testIdentities(6, 4)),
		WithLoader(petLoader), WithReporter(reporter))
	require.NoError(t, err)

	results, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 60, results[0].Steps)
	assert.Equal(t, checkpoint.PhaseFoldComplete, tr.Phase())
	assert.Equal(t, 60, tr.Steps())
	assert.False(t, math.IsNaN(results[0].MeanLoss))

	require.Len(t, reporter.rows, 6)
	for _, r := range reporter.rows {
		assert.Equal(t, telemetry.KindTrain, r.Kind)
		assert.Equal(t, "test-run", r.RunID)
	}
	assert.Equal(t, 60, reporter.rows[5].Step)
	assert.InDelta(t, results[0].MeanLoss, reporter.rows[5].MeanLoss, 1e-12)
}

func TestResumeReproducesRun(t *testing.T) {
	ctx := context.Background()
	ids := testIdentities(8, 3)

	straightDir := t.TempDir()
	mgr, err := checkpoint.NewManager(straightDir)
	require.NoError(t, err)
	straight, err := New(testConfig(), newModel(t, 1), adamw, FromIdentities(ids),
		WithLoader(petLoader), WithCheckpoints(mgr))
	require.NoError(t, err)
	want, err := straight.Run(ctx)
	require.NoError(t, err)
	require.Len(t, want, 2)
	assert.True(t, want[0].Evaluated)

	entries, err := mgr.List(ctx)
	require.NoError(t, err)
	var mid string
	for _, e := range entries {
		if e.Step == 4 {
			mid = e.Path
		}
	}
	require.NotEmpty(t, mid, "checkpoint at step 4")

	resumedMgr, err := checkpoint.NewManager(t.TempDir())
	require.NoError(t, err)
	// a different initial seed proves the weights come from the checkpoint
	resumed, err := New(testConfig(), newModel(t, 99), adamw, FromIdentities(ids),
		WithLoader(petLoader), WithCheckpoints(resumedMgr))
	require.NoError(t, err)
	require.NoError(t, resumed.Resume(mid))
	assert.Equal(t, 0, resumed.Fold().Index)
	assert.Equal(t, 4, resumed.Steps())

	got, err := resumed.Run(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want, got)
	assert.Equal(t, straight.Model().Params(), resumed.Model().Params())
	assert.Equal(t, straight.Steps(), resumed.Steps())
}

func TestResumeAfterFoldComplete(t *testing.T) {
	ctx := context.Background()
	ids := testIdentities(6, 3)
	cfg := testConfig()
	cfg.Folds = 1

	mgr, err := checkpoint.NewManager(t.TempDir())
	require.NoError(t, err)
	first, err := New(cfg, newModel(t, 1), adamw, FromIdentities(ids), WithLoader(petLoader), WithCheckpoints(mgr))
	require.NoError(t, err)
	_, err = first.Run(ctx)
	require.NoError(t, err)

	cfg.Folds = 2
	second, err := New(cfg, newModel(t, 1), adamw, FromIdentities(ids), WithLoader(petLoader), WithCheckpoints(mgr))
	require.NoError(t, err)
	_, err = second.ResumeLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseFoldComplete, second.Phase())

	results, err := second.Run(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Fold)
	assert.Equal(t, 12, second.Steps())
}

func TestResumeFailures(t *testing.T) {
	tr, err := New(testConfig(), newModel(t, 1), adamw, FromIdentities(testIdentities(6, 3)), WithLoader(petLoader))
	require.NoError(t, err)

	var ioErr *types.CheckpointIOError
	assert.ErrorAs(t, tr.Resume(filepath.Join(t.TempDir(), "missing.ckpt")), &ioErr)

	_, err = tr.ResumeLatest(context.Background())
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}

func TestCheckpointWriteFailureContinues(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	mgr, err := checkpoint.NewManager(dir, checkpoint.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	// block the temp file of the step 2 checkpoint
	require.NoError(t, os.Mkdir(filepath.Join(dir, checkpoint.FileName(at, 2)+".tmp"), 0755))

	cfg := testConfig()
	cfg.Folds = 1
	tr, err := New(cfg, newModel(t, 1), adamw, FromIdentities(testIdentities(6, 3)), WithLoader(petLoader), WithCheckpoints(mgr))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	entries, err := mgr.List(context.Background())
	require.NoError(t, err)
	var steps []int
	for _, e := range entries {
		steps = append(steps, e.Step)
	}
	assert.Equal(t, []int{4, 6}, steps)
}

func TestCheckpointsAreNeverReplaced(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	mgr, err := checkpoint.NewManager(t.TempDir(), checkpoint.WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Folds = 1
	cfg.CheckpointInterval = 3

	run := func() {
		tr, err := New(cfg, newModel(t, 1), adamw, FromIdentities(testIdentities(6, 3)),
			WithLoader(petLoader), WithCheckpoints(mgr))
		require.NoError(t, err)
		_, err = tr.Run(ctx)
		require.NoError(t, err)
	}
	phases := func() []checkpoint.Phase {
		entries, err := mgr.List(ctx)
		require.NoError(t, err)
		var out []checkpoint.Phase
		for _, e := range entries {
			ck, err := checkpoint.Load(e.Path)
			require.NoError(t, err)
			out = append(out, ck.Phase)
		}
		return out
	}

	// the last step is only saved once, as fold_complete
	run()
	assert.Equal(t, []checkpoint.Phase{checkpoint.PhaseCheckpointed, checkpoint.PhaseFoldComplete}, phases())

	// a second run in the same second keeps the first run's files
	run()
	assert.Equal(t, []checkpoint.Phase{
		checkpoint.PhaseCheckpointed, checkpoint.PhaseCheckpointed,
		checkpoint.PhaseFoldComplete, checkpoint.PhaseFoldComplete,
	}, phases())
}

type recordingAlerter struct{ subjects []string }

func (r *recordingAlerter) Alert(subject, _ string) error {
	r.subjects = append(r.subjects, subject)
	return nil
}

// nanModel wraps a Linear encoder and poisons its outputs.
type nanModel struct{ *encoder.Linear }

func (m nanModel) Forward(ctx context.Context, imgs []image.Image) (*encoder.Activations, error) {
	act, err := m.Linear.Forward(ctx, imgs)
	if err != nil {
		return nil, err
	}
	for _, z := range act.Outputs {
		z[0] = float32(math.NaN())
	}
	return act, nil
}

func TestNonFiniteLossIsFatal(t *testing.T) {
	alerts := &recordingAlerter{}
	tr, err := New(testConfig(), nanModel{newModel(t, 1)}, adamw, FromIdentities(testIdentities(6, 3)),
		WithLoader(petLoader), WithAlerter(alerts))
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	var failure *types.EncoderFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "loss", failure.Op)
	assert.Equal(t, 0, failure.Step)
	assert.Equal(t, []string{"Training run failed"}, alerts.subjects)
}

func TestRunCancelled(t *testing.T) {
	alerts := &recordingAlerter{}
	tr, err := New(testConfig(), newModel(t, 1), adamw, FromIdentities(testIdentities(6, 3)),
		WithLoader(petLoader), WithAlerter(alerts))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, alerts.subjects)
	assert.Equal(t, 0, tr.Steps())
}

func TestNewValidation(t *testing.T) {
	ids := FromIdentities(testIdentities(4, 2))
	tests := []struct {
		name   string
		mutate func(*Config)
		source Source
	}{
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, ids},
		{"zero steps", func(c *Config) { c.StepsPerFold = 0 }, ids},
		{"zero folds", func(c *Config) { c.Folds = 0 }, ids},
		{"zero margin", func(c *Config) { c.Margin = 0 }, ids},
		{"bad fraction", func(c *Config) { c.ValidationFraction = 1 }, ids},
		{"eval without threshold", func(c *Config) { c.EvalThreshold = 0 }, ids},
		{"no identities", func(c *Config) {}, FromIdentities(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, newModel(t, 1), adamw, tt.source)
			assert.Error(t, err)
		})
	}
}

func TestPairSource(t *testing.T) {
	records := []types.PairRecord{
		{PetID: "b", Pairs: [][2]string{{"pet1/0.jpg", "pet1/1.jpg"}, {"pet1/0.jpg", "pet1/2.jpg"}}},
		{PetID: "a", Pairs: [][2]string{{"pet0/0.jpg", "pet0/1.jpg"}}},
		{PetID: "c", Pairs: [][2]string{{"pet2/0.jpg", "pet2/1.jpg"}}},
		{PetID: "d"},
	}
	src := FromPairs(records, "")
	assert.Equal(t, []types.PetID{"a", "b", "c"}, src.IDs())

	cfg := testConfig()
	cfg.Folds = 1
	cfg.ValidationFraction = 0
	cfg.EvalInterval = 0
	cfg.CheckpointInterval = 0
	tr, err := New(cfg, newModel(t, 1), adamw, src, WithLoader(petLoader))
	require.NoError(t, err)
	results, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Evaluated)

	s, err := src.Sampler(nil, sampler.Config{BatchSize: 2})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Check(), types.ErrEmptyFold)
}
