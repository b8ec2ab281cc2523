// Package gallery stores embeddings of registered pets and answers
// "which registered pet does this face belong to?" lookups.
package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/types"
	"github.com/soundprediction/lostpaw/pkg/utils"
)

const keyPrefix = "pet/"

var (
	// ErrNotFound is returned when an entry or pet is not registered.
	ErrNotFound = errors.New("gallery: not found")
	// ErrInvalidEmbedding is returned for empty or non-finite embeddings.
	ErrInvalidEmbedding = errors.New("gallery: invalid embedding")
)

// Entry is one registered embedding.
type Entry struct {
	ID        string      `json:"id"`
	PetID     types.PetID `json:"pet_id"`
	Embedding []float32   `json:"embedding"`
	Source    string      `json:"source,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Match is a registered entry close enough to a query.
type Match struct {
	EntryID  string      `json:"entry_id"`
	PetID    types.PetID `json:"pet_id"`
	Source   string      `json:"source,omitempty"`
	Distance float64     `json:"distance"`
}

// Gallery is a badger-backed embedding store.
type Gallery struct {
	db        *badger.DB
	threshold float64
	topK      int
	logger    *slog.Logger
}

// Open opens (or creates) the gallery described by cfg.
func Open(cfg config.GalleryConfig, logger *slog.Logger) (*Gallery, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("gallery threshold must be positive, got %v", cfg.Threshold)
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("gallery path is required")
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open gallery: %w", err)
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	return &Gallery{db: db, threshold: cfg.Threshold, topK: topK, logger: logger}, nil
}

// Close releases the underlying store.
func (g *Gallery) Close() error {
	return g.db.Close()
}

// Threshold is the largest distance reported as a match.
func (g *Gallery) Threshold() float64 { return g.threshold }

func entryKey(pet types.PetID, id string) []byte {
	return []byte(keyPrefix + string(pet) + "/" + id)
}

func petPrefix(pet types.PetID) []byte {
	return []byte(keyPrefix + string(pet) + "/")
}

func checkEmbedding(e []float32) error {
	if len(e) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidEmbedding)
	}
	if !utils.IsFinite(e) {
		return fmt.Errorf("%w: non-finite value", ErrInvalidEmbedding)
	}
	return nil
}

// Register stores an embedding for pet and returns the stored entry.
func (g *Gallery) Register(ctx context.Context, pet types.PetID, embedding []float32, source string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if pet == "" || strings.Contains(string(pet), "/") {
		return Entry{}, fmt.Errorf("invalid pet id %q", pet)
	}
	if err := checkEmbedding(embedding); err != nil {
		return Entry{}, err
	}

	entry := Entry{
		ID:        uuid.New().String(),
		PetID:     pet,
		Embedding: append([]float32(nil), embedding...),
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode entry: %w", err)
	}
	err = g.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(pet, entry.ID), value)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to store entry: %w", err)
	}

	g.logger.Debug("Registered embedding", "pet_id", pet, "entry_id", entry.ID)
	return entry, nil
}

// scan calls fn for every entry under prefix.
func (g *Gallery) scan(ctx context.Context, prefix []byte, fn func(Entry) error) error {
	return g.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return &types.CorruptStoreError{Path: string(it.Item().KeyCopy(nil)), Err: err}
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entries lists the embeddings registered for pet, or all entries when pet
// is empty.
func (g *Gallery) Entries(ctx context.Context, pet types.PetID) ([]Entry, error) {
	prefix := []byte(keyPrefix)
	if pet != "" {
		prefix = petPrefix(pet)
	}
	var out []Entry
	err := g.scan(ctx, prefix, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Match returns up to topK entries whose Euclidean distance to query is below
// the gallery threshold, nearest first. topK <= 0 uses the configured value.
func (g *Gallery) Match(ctx context.Context, query []float32, topK int) ([]Match, error) {
	if err := checkEmbedding(query); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = g.topK
	}

	var candidates []utils.ScoredItem[Match]
	err := g.scan(ctx, []byte(keyPrefix), func(e Entry) error {
		if len(e.Embedding) != len(query) {
			g.logger.Warn("Skipping entry with mismatched dimensions",
				"entry_id", e.ID, "expected", len(query), "got", len(e.Embedding))
			return nil
		}
		d := utils.EuclideanDistance(query, e.Embedding)
		if math.IsNaN(d) || d >= g.threshold {
			return nil
		}
		candidates = append(candidates, utils.ScoredItem[Match]{
			Item:  Match{EntryID: e.ID, PetID: e.PetID, Source: e.Source, Distance: d},
			Score: -d,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	top := utils.TopKByScore(candidates, topK)
	matches := make([]Match, len(top))
	for i, c := range top {
		matches[i] = c.Item
	}
	return matches, nil
}

// Remove deletes every entry of pet and returns how many were removed.
func (g *Gallery) Remove(ctx context.Context, pet types.PetID) (int, error) {
	if pet == "" {
		return 0, fmt.Errorf("invalid pet id %q", pet)
	}
	prefix := petPrefix(pet)
	var keys [][]byte
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: pet %s", ErrNotFound, pet)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	wb := g.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to delete entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	g.logger.Info("Removed pet from gallery", "pet_id", pet, "entries", len(keys))
	return len(keys), nil
}
