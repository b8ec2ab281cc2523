package folds

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lostpaw/pkg/types"
)

func makeIDs(n int) []types.PetID {
	ids := make([]types.PetID, n)
	for i := range ids {
		ids[i] = types.PetID(fmt.Sprintf("%d", i))
	}
	return ids
}

func TestNextFold(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		fraction float64
	}{
		{"ten percent of 100", 100, 0.1},
		{"rounding up", 7, 0.25},
		{"rounding down", 9, 0.2},
		{"no validation", 5, 0},
		{"single identity", 1, 0.5},
		{"empty", 0, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := makeIDs(tt.n)
			s, err := New(ids, tt.fraction, 7)
			require.NoError(t, err)

			for k := 0; k < 4; k++ {
				fold := s.NextFold()
				assert.Equal(t, k, fold.Index)
				assert.Len(t, fold.Validation, int(math.Round(float64(tt.n)*tt.fraction)))

				union := make(map[types.PetID]struct{})
				for _, id := range fold.Train {
					union[id] = struct{}{}
				}
				for _, id := range fold.Validation {
					_, dup := union[id]
					assert.False(t, dup, "identity %s in both partitions", id)
					union[id] = struct{}{}
				}
				assert.Len(t, union, tt.n)
			}
		})
	}
}

func TestFoldsAreDeterministic(t *testing.T) {
	ids := makeIDs(50)
	a, err := New(ids, 0.2, 99)
	require.NoError(t, err)

	// input order and duplicates do not change the partition
	shuffled := append([]types.PetID{ids[3]}, ids...)
	for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	b, err := New(shuffled, 0.2, 99)
	require.NoError(t, err)
	assert.Equal(t, 50, b.Len())

	first := a.NextFold()
	assert.Equal(t, first, b.NextFold())

	second := a.NextFold()
	assert.NotEqual(t, first.Validation, second.Validation)

	other, err := New(ids, 0.2, 100)
	require.NoError(t, err)
	assert.NotEqual(t, first.Validation, other.NextFold().Validation)
}

func TestRestore(t *testing.T) {
	ids := makeIDs(30)
	s, err := New(ids, 0.3, 5)
	require.NoError(t, err)

	assert.Equal(t, -1, s.Current().Index)
	s.NextFold()
	s.NextFold()
	want := s.NextFold()
	st := s.State()
	assert.Equal(t, 2, st.Index)

	fresh, err := New(ids, 0.3, 0)
	require.NoError(t, err)
	got, err := fresh.Restore(st)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, want, fresh.Current())
	assert.Equal(t, 3, fresh.NextFold().Index)

	mismatched, err := New(ids, 0.1, 5)
	require.NoError(t, err)
	_, err = mismatched.Restore(st)
	assert.Error(t, err)
}

func TestNewInvalidFraction(t *testing.T) {
	for _, f := range []float64{-0.1, 1, 2, math.NaN()} {
		_, err := New(makeIDs(3), f, 1)
		assert.ErrorIs(t, err, ErrInvalidFraction)
	}
}
