package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/soundprediction/lostpaw/pkg/types"
)

const (
	// DefaultInfoFile is the name of the info file written by the extraction stage.
	DefaultInfoFile = "train.data"
	// MergedInfoFile is the name of the info file written by Merge.
	MergedInfoFile = "images.info.json"
)

// ErrReadOnlyView is returned when saving a view produced by Split.
var ErrReadOnlyView = errors.New("dataset view has no backing info file")

// ErrUnsafePetID is returned by Add for ids that cannot name a directory
// inside the store.
var ErrUnsafePetID = errors.New("pet_id cannot be used as a directory name")

// Folder is the record store: a directory of per-pet image folders plus a
// line-oriented info file describing them.
//
// Mutations only touch memory until Save is called.
type Folder struct {
	dir          string
	infoFile     string
	records      []types.IdentityRecord
	trackSources bool
	logger       *slog.Logger
}

// Option configures a Folder.
type Option func(*Folder)

// WithLogger sets the logger used for warnings about skipped images.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Folder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Open loads the info file infoName inside dir, creating the directory and an
// empty info file if they do not exist yet.
func Open(dir, infoName string, opts ...Option) (*Folder, error) {
	if infoName == "" {
		infoName = DefaultInfoFile
	}
	f := &Folder{
		dir:      dir,
		infoFile: filepath.Join(dir, infoName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}
	file, err := os.OpenFile(f.infoFile, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open info file: %w", err)
	}
	defer file.Close()

	records, tracked, err := decodeRecords(file, f.infoFile)
	if err != nil {
		return nil, err
	}
	f.records = records
	f.trackSources = tracked
	return f, nil
}

// rawRecord distinguishes a missing source column from a null one.
type rawRecord struct {
	PetID  *types.PetID    `json:"pet_id"`
	Anchor string          `json:"source_path"`
	Paths  *[]string       `json:"paths"`
	Source json.RawMessage `json:"source"`
}

func decodeRecords(file *os.File, path string) ([]types.IdentityRecord, bool, error) {
	var records []types.IdentityRecord
	withSource, lineNo := 0, 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw rawRecord
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, false, &types.CorruptStoreError{Path: path, Line: lineNo, Err: err}
		}
		if raw.PetID == nil {
			return nil, false, &types.CorruptStoreError{Path: path, Line: lineNo, Err: types.ErrEmptyPetID}
		}
		if raw.Paths == nil {
			return nil, false, &types.CorruptStoreError{Path: path, Line: lineNo, Err: types.ErrMissingPaths}
		}

		rec := types.IdentityRecord{PetID: *raw.PetID, Anchor: raw.Anchor, Paths: *raw.Paths}
		if len(raw.Source) > 0 {
			withSource++
			var src *string
			if err := json.Unmarshal(raw.Source, &src); err != nil {
				// pandas may write numeric sources; keep their text form
				s := string(raw.Source)
				src = &s
			}
			if src == nil {
				empty := ""
				src = &empty
			}
			rec.Source = src
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, &types.CorruptStoreError{Path: path, Line: lineNo, Err: err}
	}

	if withSource > 0 && withSource != len(records) {
		return nil, false, &types.CorruptStoreError{
			Path: path,
			Err: fmt.Errorf("%w: %d records but %d sources",
				types.ErrLengthMismatch, len(records), withSource),
		}
	}
	return records, withSource > 0, nil
}

// checkPetDir rejects ids that would resolve outside their own directory
// under the store, such as "..", "a/b" or absolute paths.
func checkPetDir(petID types.PetID) error {
	s := petID.String()
	if s == "." || strings.ContainsAny(s, `/\`) || !filepath.IsLocal(s) {
		return fmt.Errorf("%w: %q", ErrUnsafePetID, s)
	}
	return nil
}

// Dir returns the dataset directory.
func (f *Folder) Dir() string { return f.dir }

// InfoFile returns the path of the backing info file ("" for views).
func (f *Folder) InfoFile() string { return f.infoFile }

// Len returns the number of records.
func (f *Folder) Len() int { return len(f.records) }

// SourcesTracked reports whether the store carries a provenance column.
func (f *Folder) SourcesTracked() bool { return f.trackSources }

// Records returns a copy of the records as stored (paths unresolved).
func (f *Folder) Records() []types.IdentityRecord {
	out := make([]types.IdentityRecord, len(f.records))
	copy(out, f.records)
	return out
}

// Paths returns the stored path lists, one per record.
func (f *Folder) Paths() [][]string {
	out := make([][]string, len(f.records))
	for i := range f.records {
		out[i] = f.records[i].AllPaths()
	}
	return out
}

// PetIDs returns the pet id of every record.
func (f *Folder) PetIDs() []types.PetID {
	out := make([]types.PetID, len(f.records))
	for i := range f.records {
		out[i] = f.records[i].PetID
	}
	return out
}

// Sources returns the provenance of every record, or nil when not tracked.
func (f *Folder) Sources() []string {
	if !f.trackSources {
		return nil
	}
	out := make([]string, len(f.records))
	for i := range f.records {
		out[i] = f.records[i].SourceValue()
	}
	return out
}

// Record returns the resolved paths, pet id and source of record idx.
// The source is "" when provenance is not tracked.
func (f *Folder) Record(idx int) ([]string, types.PetID, string, error) {
	if idx < 0 || idx >= len(f.records) {
		return nil, "", "", fmt.Errorf("record index %d out of range [0,%d)", idx, len(f.records))
	}
	rec := f.records[idx]
	return f.resolveAll(rec.AllPaths()), rec.PetID, rec.SourceValue(), nil
}

// Resolve turns a stored path into a usable one: absolute paths are kept,
// relative ones are joined with the dataset directory.
func (f *Folder) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.dir, p)
}

func (f *Folder) resolveAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = f.Resolve(p)
	}
	return out
}

// Add persists images into the pet's folder and appends a record for them.
//
// Images that are missing or have an empty path are skipped with a warning;
// the returned error then joins their *types.InvalidImageError values while
// the record for the remaining images is still added. Other failures abort
// the call without adding a record.
func (f *Folder) Add(ctx context.Context, petID types.PetID, images []ImageSource, source string) ([]string, error) {
	if petID == "" {
		return nil, types.ErrEmptyPetID
	}
	if err := checkPetDir(petID); err != nil {
		return nil, err
	}
	petDir := filepath.Join(f.dir, petID.String())
	if err := os.MkdirAll(petDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pet directory: %w", err)
	}

	paths := make([]string, 0, len(images))
	var skipped []error
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target, err := NextImageName(petDir)
		if err != nil {
			return nil, err
		}
		if err := img.persist(target); err != nil {
			var invalid *types.InvalidImageError
			if errors.As(err, &invalid) {
				f.logger.Warn("Skipping invalid image", "pet_id", petID, "path", invalid.Path, "reason", invalid.Reason)
				skipped = append(skipped, err)
				continue
			}
			return nil, err
		}

		rel, err := filepath.Rel(f.dir, target)
		if err != nil {
			rel = target
		}
		paths = append(paths, filepath.ToSlash(rel))
	}

	rec := types.IdentityRecord{PetID: petID, Paths: paths}
	f.appendRecord(rec, source)
	return f.resolveAll(paths), errors.Join(skipped...)
}

// AddRecord appends a record whose images already live on disk.
func (f *Folder) AddRecord(rec types.IdentityRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	f.appendRecord(rec, rec.SourceValue())
	return nil
}

func (f *Folder) appendRecord(rec types.IdentityRecord, source string) {
	if !f.trackSources && source != "" {
		// start tracking; earlier records get an empty source so lengths stay equal
		f.trackSources = true
		for i := range f.records {
			if f.records[i].Source == nil {
				empty := ""
				f.records[i].Source = &empty
			}
		}
	}
	if f.trackSources {
		s := source
		rec.Source = &s
	} else {
		rec.Source = nil
	}
	f.records = append(f.records, rec)
}

// Save rewrites the info file with all records, one JSON object per line.
// The file is replaced atomically.
func (f *Folder) Save() error {
	if f.infoFile == "" {
		return ErrReadOnlyView
	}
	return writeRecords(f.infoFile, f.records, f.trackSources)
}

func writeRecords(path string, records []types.IdentityRecord, withSources bool) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range records {
		rec := records[i]
		if !withSources {
			rec.Source = nil
		} else if rec.Source == nil {
			empty := ""
			rec.Source = &empty
		}
		if rec.Paths == nil {
			rec.Paths = []string{}
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	return writeFileAtomic(path, buf.Bytes())
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// into place so readers never see a partially written file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}
