package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/folds"
	"github.com/soundprediction/lostpaw/pkg/types"
)

// ErrNoCheckpoint is returned by Latest when the directory holds no checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Extension is the suffix of every complete checkpoint file.
const Extension = ".ckpt"

// TimeLayout is the timestamp format used in checkpoint file names.
const TimeLayout = "2006_01_02_150405"

const formatVersion = 1

// maxCollisions bounds the suffixes tried when names clash within one second.
const maxCollisions = 1000

var namePattern = regexp.MustCompile(`^model_(\d{4}_\d{2}_\d{2}_\d{6})_(\d+)(?:_(\d+))?\.ckpt$`)

// Phase is the trainer state at the moment a checkpoint was taken.
type Phase string

const (
	PhaseInitialized  Phase = "initialized"
	PhaseTraining     Phase = "training"
	PhaseCheckpointed Phase = "checkpointed"
	PhaseEvaluating   Phase = "evaluating"
	PhaseFoldComplete Phase = "fold_complete"
)

// Stats are the running statistics of a fold.
type Stats struct {
	LossSum   float64 `json:"loss_sum"`
	LossCount int     `json:"loss_count"`
	LastLoss  float64 `json:"last_loss"`

	// Validation holds the most recent validation rates, in the order
	// diff, err1, err2, same.
	Validation [4]float64 `json:"validation"`
	Evaluated  bool       `json:"evaluated"`
}

// MeanLoss returns the average loss since the fold started.
func (s Stats) MeanLoss() float64 {
	if s.LossCount == 0 {
		return 0
	}
	return s.LossSum / float64(s.LossCount)
}

// TrainingCheckpoint is everything a resumed run needs to continue exactly
// where the saved run stopped.
type TrainingCheckpoint struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Phase     Phase     `json:"phase"`

	// Step counts optimiser updates over the whole run. FoldStep restarts
	// at zero with every fold.
	Step     int `json:"step"`
	FoldStep int `json:"fold_step"`

	Seed  uint64      `json:"seed"`
	Folds folds.State `json:"folds"`

	// SamplerSeq is the next batch sequence number of the training stream.
	SamplerSeq uint64 `json:"sampler_seq"`

	Encoder   string                 `json:"encoder"`
	Optimizer encoder.OptimizerState `json:"optimizer"`
	Stats     Stats                  `json:"stats"`

	// Weights is the encoder's MarshalBinary output. It is stored zstd
	// compressed.
	Weights []byte `json:"-"`

	CompressedWeights []byte `json:"weights"`
}

// Entry describes a checkpoint file on disk.
type Entry struct {
	Path string
	Time time.Time
	Step int
	// Seq orders checkpoints saved in the same second at the same step.
	Seq int
}

// FileName returns model_<YYYY_MM_DD_HHMMSS>_<step>.ckpt.
func FileName(t time.Time, step int) string {
	return seqFileName(t, step, 0)
}

// seqFileName appends _<seq> for every seq but the first.
func seqFileName(t time.Time, step, seq int) string {
	if seq == 0 {
		return fmt.Sprintf("model_%s_%d%s", t.Format(TimeLayout), step, Extension)
	}
	return fmt.Sprintf("model_%s_%d_%d%s", t.Format(TimeLayout), step, seq, Extension)
}

// ParseFileName extracts the timestamp and step from a checkpoint file name.
func ParseFileName(name string) (time.Time, int, bool) {
	t, step, _, ok := parseFileName(name)
	return t, step, ok
}

func parseFileName(name string) (time.Time, int, int, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, 0, 0, false
	}
	t, err := time.ParseInLocation(TimeLayout, m[1], time.Local)
	if err != nil {
		return time.Time{}, 0, 0, false
	}
	step, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, 0, 0, false
	}
	seq := 0
	if m[3] != "" {
		if seq, err = strconv.Atoi(m[3]); err != nil {
			return time.Time{}, 0, 0, false
		}
	}
	return t, step, seq, true
}

// Manager writes and finds training checkpoints in one directory.
type Manager struct {
	dir    string
	keep   int
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeep retains only the newest n checkpoints after each save. Zero keeps
// everything.
func WithKeep(n int) Option {
	return func(m *Manager) { m.keep = n }
}

// WithMirror uploads every saved checkpoint to mirror.
func WithMirror(mirror Mirror) Option {
	return func(m *Manager) { m.mirror = mirror }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces time.Now for file naming.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a checkpoint manager, creating dir if needed.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		return nil, &types.CheckpointIOError{Op: "open", Err: errors.New("checkpoint directory is required")}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &types.CheckpointIOError{Op: "open", Path: dir, Err: err}
	}
	m := &Manager{dir: dir, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// Save writes ckpt atomically and returns its path. The file only appears
// under its final name once fully written and synced, and an existing
// checkpoint is never replaced: a name already taken gets a _<n> suffix.
// Mirror and cleanup failures are logged and do not fail the save.
func (m *Manager) Save(ctx context.Context, ckpt *TrainingCheckpoint) (string, error) {
	ckpt.Version = formatVersion
	ckpt.CreatedAt = m.now()

	path := filepath.Join(m.dir, FileName(ckpt.CreatedAt, ckpt.Step))
	data, err := encode(ckpt)
	if err != nil {
		return "", &types.CheckpointIOError{Op: "write", Path: path, Err: err}
	}
	tmpPath, err := writeTemp(path, data)
	if err != nil {
		return "", &types.CheckpointIOError{Op: "write", Path: path, Err: err}
	}
	path, err = m.publish(tmpPath, ckpt.CreatedAt, ckpt.Step)
	if err != nil {
		return "", &types.CheckpointIOError{Op: "write", Path: path, Err: err}
	}

	if m.mirror != nil {
		if err := m.mirror.Upload(ctx, path); err != nil {
			m.logger.Warn("Failed to mirror checkpoint", "path", path, "error", err)
		}
	}
	if m.keep > 0 {
		if _, err := m.CleanOld(ctx, m.keep); err != nil {
			m.logger.Warn("Failed to remove old checkpoints", "error", err)
		}
	}
	return path, nil
}

func encode(ckpt *TrainingCheckpoint) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	ckpt.CompressedWeights = enc.EncodeAll(ckpt.Weights, nil)

	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// publish links the finished temp file under the first free checkpoint name.
// A hard link fails instead of replacing an existing file.
func (m *Manager) publish(tmpPath string, at time.Time, step int) (string, error) {
	defer os.Remove(tmpPath)
	for seq := 0; seq < maxCollisions; seq++ {
		path := filepath.Join(m.dir, seqFileName(at, step, seq))
		err := os.Link(tmpPath, path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return path, err
		}
	}
	return tmpPath, fmt.Errorf("no free checkpoint name for step %d after %d attempts", step, maxCollisions)
}

// writeTemp writes and syncs data to path.tmp and returns that path.
func writeTemp(path string, data []byte) (string, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Load reads a checkpoint file.
func Load(path string) (*TrainingCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.CheckpointIOError{Op: "read", Path: path, Err: err}
	}

	var ckpt TrainingCheckpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, &types.CheckpointIOError{Op: "read", Path: path, Err: fmt.Errorf("failed to unmarshal checkpoint: %w", err)}
	}
	if ckpt.Version != formatVersion {
		return nil, &types.CheckpointIOError{Op: "read", Path: path, Err: fmt.Errorf("unsupported checkpoint version %d", ckpt.Version)}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, &types.CheckpointIOError{Op: "read", Path: path, Err: err}
	}
	defer dec.Close()
	ckpt.Weights, err = dec.DecodeAll(ckpt.CompressedWeights, nil)
	if err != nil {
		return nil, &types.CheckpointIOError{Op: "read", Path: path, Err: fmt.Errorf("failed to decompress weights: %w", err)}
	}
	ckpt.CompressedWeights = nil
	return &ckpt, nil
}

// List returns the checkpoints in the directory, oldest first. Temporary
// files and unrelated names are skipped.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, &types.CheckpointIOError{Op: "list", Path: m.dir, Err: err}
	}

	var out []Entry
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		t, step, seq, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		out = append(out, Entry{Path: filepath.Join(m.dir, entry.Name()), Time: t, Step: step, Seq: seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// Latest returns the path of the newest checkpoint.
func (m *Manager) Latest(ctx context.Context) (string, error) {
	entries, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", ErrNoCheckpoint
	}
	return entries[len(entries)-1].Path, nil
}

// CleanOld removes all but the newest keep checkpoints and returns how many
// were removed.
func (m *Manager) CleanOld(ctx context.Context, keep int) (int, error) {
	entries, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 0 || len(entries) <= keep {
		return 0, nil
	}

	removed := 0
	for _, e := range entries[:len(entries)-keep] {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			// Log but don't fail the entire cleanup
			m.logger.Warn("Failed to remove checkpoint", "path", e.Path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
