package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
)

// Validation errors
var (
	ErrEmptyPetID     = errors.New("pet_id cannot be empty")
	ErrMissingPaths   = errors.New("paths field is required")
	ErrInvalidBatch   = errors.New("batch size must be positive")
	ErrLengthMismatch = errors.New("parallel slices have different lengths")
)

// PetID identifies a single animal. On disk it may be a number or a string;
// numbers keep their literal text and are written back as JSON numbers.
type PetID string

// UnmarshalJSON accepts both JSON numbers and JSON strings.
func (p *PetID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ErrEmptyPetID
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PetID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("pet_id must be a number or a string: %w", err)
	}
	*p = PetID(n.String())
	return nil
}

// MarshalJSON writes ids that are JSON number literals as numbers and
// everything else as strings.
func (p PetID) MarshalJSON() ([]byte, error) {
	if p.isNumber() {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}

// isNumber reports whether p is exactly one JSON number literal. Leading
// zeros ("007") and surrounding blanks are not valid literals.
func (p PetID) isNumber() bool {
	s := string(p)
	if s == "" {
		return false
	}
	first, last := s[0], s[len(s)-1]
	if !(first == '-' || isDigit(first)) || !isDigit(last) {
		return false
	}
	var n json.Number
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil || dec.More() {
		return false
	}
	return n.String() == s
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// String returns the id as text.
func (p PetID) String() string { return string(p) }

// IdentityRecord is one line of the dataset info file.
//
// Source is the optional provenance tag of the record; it is nil when the
// store does not track provenance. Anchor is set by the extraction stage to
// the un-augmented crop that the other paths were derived from.
type IdentityRecord struct {
	PetID  PetID    `json:"pet_id"`
	Anchor string   `json:"source_path,omitempty"`
	Paths  []string `json:"paths"`
	Source *string  `json:"source,omitempty"`
}

// AllPaths returns the anchor (when present) followed by the other paths.
func (r *IdentityRecord) AllPaths() []string {
	if r.Anchor == "" {
		return r.Paths
	}
	out := make([]string, 0, len(r.Paths)+1)
	out = append(out, r.Anchor)
	return append(out, r.Paths...)
}

// Validate checks that the record carries the required fields.
func (r *IdentityRecord) Validate() error {
	if r.PetID == "" {
		return ErrEmptyPetID
	}
	if r.Paths == nil {
		return ErrMissingPaths
	}
	return nil
}

// SourceValue returns the provenance tag or the empty string.
func (r *IdentityRecord) SourceValue() string {
	if r.Source == nil {
		return ""
	}
	return *r.Source
}

// PairRecord is one line of the pair-form training file: anchor/other pairs
// precomputed for a single pet.
type PairRecord struct {
	PetID PetID       `json:"pet_id"`
	Pairs [][2]string `json:"paths"`
}

// Pair is a single sampled pair before its images are decoded.
type Pair struct {
	PetA  PetID
	PetB  PetID
	PathA string
	PathB string
	Same  bool
}

// PairBatch holds parallel slices of equal length, one entry per pair.
type PairBatch struct {
	// Seq is the position of the batch in its stream.
	Seq     uint64
	ImagesA []image.Image
	ImagesB []image.Image
	PathsA  []string
	PathsB  []string
	Labels  []bool
}

// Len returns the number of pairs in the batch.
func (b *PairBatch) Len() int {
	return len(b.Labels)
}

// Validate checks that all parallel slices agree in length.
func (b *PairBatch) Validate() error {
	n := len(b.Labels)
	if len(b.ImagesA) != n || len(b.ImagesB) != n || len(b.PathsA) != n || len(b.PathsB) != n {
		return ErrLengthMismatch
	}
	return nil
}

// Append adds one decoded pair to the batch.
func (b *PairBatch) Append(p Pair, a, bImg image.Image) {
	b.ImagesA = append(b.ImagesA, a)
	b.ImagesB = append(b.ImagesB, bImg)
	b.PathsA = append(b.PathsA, p.PathA)
	b.PathsB = append(b.PathsB, p.PathB)
	b.Labels = append(b.Labels, p.Same)
}

// SameCount returns how many pairs are labelled as the same identity.
func (b *PairBatch) SameCount() int {
	n := 0
	for _, l := range b.Labels {
		if l {
			n++
		}
	}
	return n
}

// Fold is one train/validation partition of identities.
type Fold struct {
	Index      int     `json:"index"`
	Train      []PetID `json:"train"`
	Validation []PetID `json:"validation"`
}

// ContextKey is the type of context keys set by the inference server.
type ContextKey string

const (
	ContextKeyRequestID     ContextKey = "request_id"
	ContextKeyRequestSource ContextKey = "request_source"
	ContextKeyRunID         ContextKey = "run_id"
)
