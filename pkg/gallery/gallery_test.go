package gallery

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/types"
)

func openTest(t *testing.T, threshold float64) *Gallery {
	t.Helper()
	g, err := Open(config.GalleryConfig{InMemory: true, Threshold: threshold, TopK: 3}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestOpen(t *testing.T) {
	t.Run("rejects non-positive threshold", func(t *testing.T) {
		_, err := Open(config.GalleryConfig{InMemory: true}, nil)
		assert.Error(t, err)
	})

	t.Run("requires a path on disk", func(t *testing.T) {
		_, err := Open(config.GalleryConfig{Threshold: 1}, nil)
		assert.Error(t, err)
	})

	t.Run("persists entries on disk", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.GalleryConfig{Path: dir, Threshold: 1}
		g, err := Open(cfg, nil)
		require.NoError(t, err)
		_, err = g.Register(context.Background(), "rex", []float32{1, 0}, "a.jpg")
		require.NoError(t, err)
		require.NoError(t, g.Close())

		g, err = Open(cfg, nil)
		require.NoError(t, err)
		defer g.Close()
		entries, err := g.Entries(context.Background(), "rex")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a.jpg", entries[0].Source)
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	g := openTest(t, 1)

	tests := []struct {
		name      string
		pet       types.PetID
		embedding []float32
		wantErr   error
	}{
		{"empty embedding", "rex", nil, ErrInvalidEmbedding},
		{"nan embedding", "rex", []float32{float32(math.NaN()), 0}, ErrInvalidEmbedding},
		{"empty pet", "", []float32{1}, nil},
		{"pet with slash", "a/b", []float32{1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Register(ctx, tt.pet, tt.embedding, "")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("stores a copy", func(t *testing.T) {
		emb := []float32{0.5, 0.5}
		e, err := g.Register(ctx, "bella", emb, "b.jpg")
		require.NoError(t, err)
		emb[0] = 9
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, []float32{0.5, 0.5}, e.Embedding)

		entries, err := g.Entries(ctx, "bella")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, e.ID, entries[0].ID)
		assert.Equal(t, []float32{0.5, 0.5}, entries[0].Embedding)
	})
}

func TestMatch(t *testing.T) {
	ctx := context.Background()
	g := openTest(t, 0.5)

	register := func(pet types.PetID, v ...float32) {
		_, err := g.Register(ctx, pet, v, "")
		require.NoError(t, err)
	}
	register("rex", 0, 0)
	register("rex", 0.1, 0)
	register("bella", 0, 0.3)
	register("max", 2, 2)
	register("odd", 1, 1, 1)

	t.Run("nearest first within threshold", func(t *testing.T) {
		matches, err := g.Match(ctx, []float32{0, 0}, 0)
		require.NoError(t, err)
		require.Len(t, matches, 3)
		assert.Equal(t, types.PetID("rex"), matches[0].PetID)
		assert.InDelta(t, 0, matches[0].Distance, 1e-9)
		assert.Equal(t, types.PetID("rex"), matches[1].PetID)
		assert.InDelta(t, 0.1, matches[1].Distance, 1e-6)
		assert.Equal(t, types.PetID("bella"), matches[2].PetID)
	})

	t.Run("topK limits results", func(t *testing.T) {
		matches, err := g.Match(ctx, []float32{0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, types.PetID("rex"), matches[0].PetID)
	})

	t.Run("no match beyond threshold", func(t *testing.T) {
		matches, err := g.Match(ctx, []float32{-5, -5}, 0)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("invalid query", func(t *testing.T) {
		_, err := g.Match(ctx, nil, 0)
		assert.ErrorIs(t, err, ErrInvalidEmbedding)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := g.Match(cctx, []float32{0, 0}, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	g := openTest(t, 1)

	for i := 0; i < 3; i++ {
		_, err := g.Register(ctx, "rex", []float32{float32(i), 0}, "")
		require.NoError(t, err)
	}
	_, err := g.Register(ctx, "rexy", []float32{0, 0}, "")
	require.NoError(t, err)

	n, err := g.Remove(ctx, "rex")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := g.Entries(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.PetID("rexy"), all[0].PetID)

	_, err = g.Remove(ctx, "rex")
	assert.ErrorIs(t, err, ErrNotFound)
}
