package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/folds"
	"github.com/soundprediction/lostpaw/pkg/types"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		now := t
		t = t.Add(time.Second)
		return now
	}
}

func sample(step int) *TrainingCheckpoint {
	return &TrainingCheckpoint{
		RunID:      "run-1",
		Phase:      PhaseCheckpointed,
		Step:       step,
		FoldStep:   step % 10,
		Seed:       7,
		Folds:      folds.State{Seed: 7, Fraction: 0.2, Index: 1},
		SamplerSeq: uint64(step),
		Encoder:    "linear",
		Optimizer: encoder.OptimizerState{
			Name:    "adamw",
			Step:    step,
			Buffers: map[string][]float32{"m": {0.1, 0.2}, "v": {0.01, 0.02}},
		},
		Stats:   Stats{LossSum: 3, LossCount: 4, LastLoss: 0.5},
		Weights: []byte("weights weights weights weights"),
	}
}

func TestFileName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	name := FileName(ts, 120)
	assert.Equal(t, "model_2024_03_09_140507_120.ckpt", name)

	got, step, ok := ParseFileName(name)
	require.True(t, ok)
	assert.True(t, ts.Equal(got))
	assert.Equal(t, 120, step)

	_, step, ok = ParseFileName("model_2024_03_09_140507_120_2.ckpt")
	require.True(t, ok)
	assert.Equal(t, 120, step)

	tests := []string{
		"model_2024_03_09_140507_120.ckpt.tmp",
		"model_2024_03_09_140507_120_.ckpt",
		"model_2024_03_09_120.ckpt",
		"config.yaml",
	}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, ok := ParseFileName(name)
			assert.False(t, ok)
		})
	}
}

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Save and load checkpoint", func(t *testing.T) {
		m, err := NewManager(t.TempDir(), WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local))))
		require.NoError(t, err)

		want := sample(42)
		path, err := m.Save(ctx, want)
		require.NoError(t, err)
		assert.Equal(t, "model_2024_01_01_000000_42.ckpt", filepath.Base(path))

		got, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, want.Weights, got.Weights)
		assert.Equal(t, want.Folds, got.Folds)
		assert.Equal(t, want.Optimizer, got.Optimizer)
		assert.Equal(t, want.Stats, got.Stats)
		assert.Equal(t, uint64(42), got.SamplerSeq)
		assert.Equal(t, PhaseCheckpointed, got.Phase)
		assert.Nil(t, got.CompressedWeights)
	})

	t.Run("Latest and list skip temp files", func(t *testing.T) {
		dir := t.TempDir()
		m, err := NewManager(dir, WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local))))
		require.NoError(t, err)

		_, err = m.Latest(ctx)
		assert.ErrorIs(t, err, ErrNoCheckpoint)

		for _, step := range []int{10, 20, 30} {
			_, err := m.Save(ctx, sample(step))
			require.NoError(t, err)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "model_2030_01_01_000000_99.ckpt.tmp"), []byte("partial"), 0644))

		entries, err := m.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, 10, entries[0].Step)

		latest, err := m.Latest(ctx)
		require.NoError(t, err)
		got, err := Load(latest)
		require.NoError(t, err)
		assert.Equal(t, 30, got.Step)
	})

	t.Run("Keep removes oldest", func(t *testing.T) {
		m, err := NewManager(t.TempDir(), WithKeep(2), WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local))))
		require.NoError(t, err)
		for _, step := range []int{1, 2, 3, 4} {
			_, err := m.Save(ctx, sample(step))
			require.NoError(t, err)
		}
		entries, err := m.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, 3, entries[0].Step)
		assert.Equal(t, 4, entries[1].Step)
	})

	t.Run("Mirror receives copies", func(t *testing.T) {
		mirrorDir := t.TempDir()
		m, err := NewManager(t.TempDir(), WithMirror(&DirMirror{Dir: mirrorDir}))
		require.NoError(t, err)

		path, err := m.Save(ctx, sample(5))
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(mirrorDir, filepath.Base(path)))
		require.NoError(t, err)

		restored := filepath.Join(t.TempDir(), filepath.Base(path))
		require.NoError(t, (&DirMirror{Dir: mirrorDir}).Download(ctx, filepath.Base(path), restored))
		got, err := Load(restored)
		require.NoError(t, err)
		assert.Equal(t, 5, got.Step)
	})

	t.Run("Same second and step never overwrites", func(t *testing.T) {
		dir := t.TempDir()
		at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
		m, err := NewManager(dir, WithClock(func() time.Time { return at }))
		require.NoError(t, err)

		first, err := m.Save(ctx, sample(7))
		require.NoError(t, err)
		done := sample(7)
		done.Phase = PhaseFoldComplete
		second, err := m.Save(ctx, done)
		require.NoError(t, err)

		assert.Equal(t, "model_2024_01_01_000000_7.ckpt", filepath.Base(first))
		assert.Equal(t, "model_2024_01_01_000000_7_1.ckpt", filepath.Base(second))

		got, err := Load(first)
		require.NoError(t, err)
		assert.Equal(t, PhaseCheckpointed, got.Phase)

		entries, err := m.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, []int{0, 1}, []int{entries[0].Seq, entries[1].Seq})

		latest, err := m.Latest(ctx)
		require.NoError(t, err)
		assert.Equal(t, second, latest)

		leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})

	t.Run("Write failure is a checkpoint IO error", func(t *testing.T) {
		dir := t.TempDir()
		m, err := NewManager(dir, WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local))))
		require.NoError(t, err)
		// a directory in the way of the temp file makes the write fail
		require.NoError(t, os.Mkdir(filepath.Join(dir, "model_2024_01_01_000000_1.ckpt.tmp"), 0755))

		_, err = m.Save(ctx, sample(1))
		var ioErr *types.CheckpointIOError
		require.ErrorAs(t, err, &ioErr)
		assert.Equal(t, "write", ioErr.Op)
	})
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "model_2024_01_01_000000_1.ckpt")
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), 0644))
	version := filepath.Join(dir, "model_2024_01_01_000000_2.ckpt")
	require.NoError(t, os.WriteFile(version, []byte(`{"version": 99}`), 0644))

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "absent.ckpt")},
		{"garbage", garbage},
		{"version", version},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			var ioErr *types.CheckpointIOError
			require.ErrorAs(t, err, &ioErr)
			assert.Equal(t, "read", ioErr.Op)
		})
	}
}

func TestNewManagerRequiresDir(t *testing.T) {
	_, err := NewManager("")
	var ioErr *types.CheckpointIOError
	assert.ErrorAs(t, err, &ioErr)
}
