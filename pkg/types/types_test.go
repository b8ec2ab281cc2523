package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPetIDJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want PetID
		out  string
	}{
		{name: "integer", in: `12`, want: "12", out: `12`},
		{name: "negative integer", in: `-3`, want: "-3", out: `-3`},
		{name: "string", in: `"rex"`, want: "rex", out: `"rex"`},
		{name: "leading zero stays a string", in: `"007"`, want: "007", out: `"007"`},
		{name: "zero", in: `0`, want: "0", out: `0`},
		{name: "fraction", in: `1.5`, want: "1.5", out: `1.5`},
		{name: "exponent", in: `1e3`, want: "1e3", out: `1e3`},
		{name: "negative fraction", in: `-0.25`, want: "-0.25", out: `-0.25`},
		{name: "padded number stays a string", in: `" 12"`, want: " 12", out: `" 12"`},
		{name: "two numbers stay a string", in: `"1 2"`, want: "1 2", out: `"1 2"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id PetID
			require.NoError(t, json.Unmarshal([]byte(tt.in), &id))
			assert.Equal(t, tt.want, id)

			data, err := json.Marshal(id)
			require.NoError(t, err)
			assert.Equal(t, tt.out, string(data))
		})
	}

	t.Run("null is rejected", func(t *testing.T) {
		var id PetID
		err := json.Unmarshal([]byte(`null`), &id)
		assert.ErrorIs(t, err, ErrEmptyPetID)
	})
}

func TestIdentityRecordRoundTrip(t *testing.T) {
	src := "https://example.com/a.jpg"
	rec := IdentityRecord{PetID: "4", Paths: []string{"4/0.jpg", "4/1.jpg"}, Source: &src}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pet_id":4,"paths":["4/0.jpg","4/1.jpg"],"source":"https://example.com/a.jpg"}`, string(data))

	var back IdentityRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.PetID, back.PetID)
	assert.Equal(t, rec.Paths, back.Paths)
	assert.Equal(t, src, back.SourceValue())

	bare := IdentityRecord{PetID: "5", Paths: []string{}}
	data, err = json.Marshal(bare)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "source")
}

func TestIdentityRecordValidate(t *testing.T) {
	assert.ErrorIs(t, (&IdentityRecord{Paths: []string{}}).Validate(), ErrEmptyPetID)
	assert.ErrorIs(t, (&IdentityRecord{PetID: "1"}).Validate(), ErrMissingPaths)
	assert.NoError(t, (&IdentityRecord{PetID: "1", Paths: []string{}}).Validate())
}

func TestPairBatch(t *testing.T) {
	var b PairBatch
	b.Append(Pair{PathA: "a", PathB: "b", Same: true}, nil, nil)
	b.Append(Pair{PathA: "c", PathB: "d", Same: false}, nil, nil)

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 1, b.SameCount())
	assert.NoError(t, b.Validate())

	b.PathsA = b.PathsA[:1]
	assert.ErrorIs(t, b.Validate(), ErrLengthMismatch)
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
	}{
		{"corrupt store", &CorruptStoreError{Path: "train.data", Line: 3, Err: cause}},
		{"invalid image", NewInvalidImageError("x.jpg", "decode", cause)},
		{"encoder failure", &EncoderFailure{Step: 7, Op: "forward", Err: cause}},
		{"checkpoint io", &CheckpointIOError{Op: "write", Path: "m.ckpt", Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, cause)
			assert.NotEmpty(t, tt.err.Error())
		})
	}

	var corrupt *CorruptStoreError
	require.ErrorAs(t, fmt.Errorf("x: %w", &CorruptStoreError{Path: "p", Line: 2, Err: cause}), &corrupt)
	assert.Equal(t, 2, corrupt.Line)
	assert.Contains(t, corrupt.Error(), "line 2")
}

func TestIdentityRecordAllPaths(t *testing.T) {
	rec := IdentityRecord{PetID: "1", Paths: []string{"b", "c"}}
	assert.Equal(t, []string{"b", "c"}, rec.AllPaths())

	rec.Anchor = "a"
	assert.Equal(t, []string{"a", "b", "c"}, rec.AllPaths())
}
