// Package encoder holds the image-to-vector model used by training, testing
// and serving.
//
// Encoder is the inference contract. Trainable adds the forward/backward pass
// the trainer needs. Linear is a small built-in Trainable model; HTTPEncoder
// forwards inference to a remote service.
package encoder

import (
	"context"
	"encoding"
	"errors"
	"image"
)

// ErrDimensionMismatch is returned when gradients or weights do not fit the
// model shape.
var ErrDimensionMismatch = errors.New("encoder dimension mismatch")

// Encoder maps images to fixed-length embedding vectors.
type Encoder interface {
	Embed(ctx context.Context, imgs []image.Image) ([][]float32, error)
	Dimensions() int
}

// Activations keeps what a forward pass computed so Backward can reuse it.
type Activations struct {
	Inputs  [][]float32
	Raw     [][]float32
	Outputs [][]float32
}

// Trainable is an Encoder whose parameters can be optimised.
type Trainable interface {
	Encoder
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler

	// Forward embeds imgs and keeps the activations for Backward.
	Forward(ctx context.Context, imgs []image.Image) (*Activations, error)
	// Backward returns the gradient of the loss with respect to Params, given
	// the gradient with respect to the outputs of act.
	Backward(act *Activations, dOut [][]float32) ([]float32, error)
	// Params returns the flat parameter vector. Optimisers update it in place.
	Params() []float32
	// Reset re-initialises the parameters from seed.
	Reset(seed uint64)
}
