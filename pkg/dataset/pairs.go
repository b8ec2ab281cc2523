package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// PairFile is the name of the pair-form training file written by Merge.
const PairFile = "train.data"

// PairWriter streams pair-form records to a file, one JSON object per line.
type PairWriter struct {
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	count  int
	closed bool
}

// CreatePairFile truncates path and returns a writer for it.
func CreatePairFile(path string) (*PairWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pair file: %w", err)
	}
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &PairWriter{file: f, buf: buf, enc: enc}, nil
}

// WriteAnchored writes the pairs (anchor, p) for every p in others.
// Nothing is written when others is empty.
func (w *PairWriter) WriteAnchored(petID types.PetID, anchor string, others []string) error {
	if len(others) == 0 {
		return nil
	}
	rec := types.PairRecord{PetID: petID, Pairs: make([][2]string, len(others))}
	for i, p := range others {
		rec.Pairs[i] = [2]string{anchor, p}
	}
	return w.Write(rec)
}

// Write appends one record.
func (w *PairWriter) Write(rec types.PairRecord) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write pair record for %s: %w", rec.PetID, err)
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *PairWriter) Count() int { return w.count }

// Close flushes and closes the file. Calling it again is a no-op.
func (w *PairWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush pair file: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync pair file: %w", err)
	}
	return w.file.Close()
}

// ReadPairFile loads a pair-form training file.
func ReadPairFile(path string) ([]types.PairRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pair file: %w", err)
	}
	defer f.Close()

	var out []types.PairRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec types.PairRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, &types.CorruptStoreError{Path: path, Line: lineNo, Err: err}
		}
		if rec.PetID == "" {
			return nil, &types.CorruptStoreError{Path: path, Line: lineNo, Err: types.ErrEmptyPetID}
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, &types.CorruptStoreError{Path: path, Line: lineNo, Err: err}
	}
	return out, nil
}
