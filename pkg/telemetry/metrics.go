package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Metric kinds.
const (
	KindTrain      = "train"
	KindValidation = "validation"
	KindTest       = "test"
)

// StepMetric is one row of training telemetry.
type StepMetric struct {
	RunID     string    `parquet:"run_id"`
	Timestamp time.Time `parquet:"timestamp"`
	Kind      string    `parquet:"kind"`
	Fold      int       `parquet:"fold"`
	Step      int       `parquet:"step"`
	FoldStep  int       `parquet:"fold_step"`
	Loss      float64   `parquet:"loss"`
	MeanLoss  float64   `parquet:"mean_loss"`
	SameRatio float64   `parquet:"same_ratio"`
	Redraws   int64     `parquet:"redraws"`

	// Confusion rates, set for validation and test rows.
	Diff     float64 `parquet:"diff"`
	Err1     float64 `parquet:"err1"`
	Err2     float64 `parquet:"err2"`
	Same     float64 `parquet:"same"`
	Accuracy float64 `parquet:"accuracy"`
}

// MetricsWriter buffers step metrics and writes them as Parquet files, one
// file per flush.
type MetricsWriter struct {
	mu        sync.Mutex
	dir       string
	runID     string
	rows      []StepMetric
	batchSize int
	files     int
}

// NewMetricsWriter creates dir if needed. Rows are flushed every batchSize
// records; zero means 500.
func NewMetricsWriter(dir, runID string, batchSize int) (*MetricsWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &MetricsWriter{dir: dir, runID: runID, batchSize: batchSize}, nil
}

// Record buffers m, filling in the run id and timestamp when unset.
func (w *MetricsWriter) Record(m StepMetric) error {
	if m.RunID == "" {
		m.RunID = w.runID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, m)
	if len(w.rows) >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Flush writes buffered rows.
func (w *MetricsWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush()
}

// Close flushes remaining rows.
func (w *MetricsWriter) Close() error {
	return w.Flush()
}

func (w *MetricsWriter) flush() error {
	if len(w.rows) == 0 {
		return nil
	}
	name := fmt.Sprintf("metrics_%s_%05d.parquet", w.runID, w.files)
	if err := parquet.WriteFile(filepath.Join(w.dir, name), w.rows); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	w.files++
	w.rows = w.rows[:0]
	return nil
}

// ReadMetrics loads every metrics file in dir, ordered by file name.
func ReadMetrics(dir string) ([]StepMetric, error) {
	files, err := filepath.Glob(filepath.Join(dir, "metrics_*.parquet"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []StepMetric
	for _, f := range files {
		rows, err := parquet.ReadFile[StepMetric](f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}
