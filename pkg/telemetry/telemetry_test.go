package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lostpaw/pkg/types"
)

func TestParquetHandler(t *testing.T) {
	dir := t.TempDir()
	var text bytes.Buffer
	h, err := NewParquetHandler(slog.NewTextHandler(&text, nil), dir)
	require.NoError(t, err)

	logger := slog.New(h).With("component", "trainer")
	ctx := context.WithValue(context.Background(), types.ContextKeyRunID, "run-9")

	logger.InfoContext(ctx, "step done", "step", 3)
	logger.ErrorContext(ctx, "checkpoint failed", "error", errors.New("disk full"))
	require.NoError(t, h.Flush())

	assert.Contains(t, text.String(), "step done")
	assert.Contains(t, text.String(), "checkpoint failed")

	files, err := filepath.Glob(filepath.Join(dir, "execution_errors_*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows, err := parquet.ReadFile[LogRecord](files[0])
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "checkpoint failed", rows[0].Message)
	assert.Equal(t, "run-9", rows[0].RunID)
	assert.Contains(t, rows[0].Attributes, "disk full")
	assert.NotEmpty(t, rows[0].ID)

	// nothing buffered: no new file
	require.NoError(t, h.Flush())
	files, err = filepath.Glob(filepath.Join(dir, "*.parquet"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestMetricsWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewMetricsWriter(dir, "run-1", 2)
	require.NoError(t, err)

	for step := 1; step <= 5; step++ {
		require.NoError(t, w.Record(StepMetric{Kind: KindTrain, Step: step, Loss: float64(step) / 10}))
	}
	require.NoError(t, w.Record(StepMetric{Kind: KindValidation, Step: 5, Accuracy: 0.75}))
	require.NoError(t, w.Close())

	rows, err := ReadMetrics(dir)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for i, r := range rows[:5] {
		assert.Equal(t, i+1, r.Step)
		assert.Equal(t, "run-1", r.RunID)
		assert.False(t, r.Timestamp.IsZero())
	}
	assert.Equal(t, KindValidation, rows[5].Kind)
	assert.Equal(t, 0.75, rows[5].Accuracy)

	files, err := filepath.Glob(filepath.Join(dir, "metrics_*.parquet"))
	require.NoError(t, err)
	assert.Len(t, files, 3)
}
