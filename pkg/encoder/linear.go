package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"golang.org/x/image/draw"
)

const linearMagic = "LPWL"

const linearVersion uint16 = 1

// LinearConfig describes a Linear encoder.
type LinearConfig struct {
	// Side is the width and height images are resized to before projection.
	Side int

	// Dimensions is the embedding length.
	Dimensions int

	// Normalize projects embeddings onto the unit sphere.
	Normalize bool

	Seed uint64
}

// Linear embeds a grayscale, resized, mean-centred copy of the image with a
// single affine layer: z = Wx + b, optionally L2-normalised.
//
// Parameters are stored as W (row-major, Dimensions × Side²) followed by b.
type Linear struct {
	side      int
	dims      int
	normalize bool
	params    []float32
}

// NewLinear creates a Linear encoder with weights drawn from seed.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if cfg.Side <= 0 || cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: side=%d dimensions=%d", ErrDimensionMismatch, cfg.Side, cfg.Dimensions)
	}
	l := &Linear{side: cfg.Side, dims: cfg.Dimensions, normalize: cfg.Normalize}
	l.params = make([]float32, l.dims*l.inputs()+l.dims)
	l.Reset(cfg.Seed)
	return l, nil
}

func (l *Linear) inputs() int { return l.side * l.side }

// Dimensions implements Encoder.
func (l *Linear) Dimensions() int { return l.dims }

// Side returns the input resolution.
func (l *Linear) Side() int { return l.side }

// Params implements Trainable.
func (l *Linear) Params() []float32 { return l.params }

// Reset implements Trainable.
func (l *Linear) Reset(seed uint64) {
	rng := rand.New(rand.NewPCG(seed, 0x6c696e656172))
	scale := 1 / math.Sqrt(float64(l.inputs()))
	n := l.dims * l.inputs()
	for i := 0; i < n; i++ {
		l.params[i] = float32(rng.NormFloat64() * scale)
	}
	for i := n; i < len(l.params); i++ {
		l.params[i] = 0
	}
}

// Embed implements Encoder.
func (l *Linear) Embed(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	act, err := l.Forward(ctx, imgs)
	if err != nil {
		return nil, err
	}
	return act.Outputs, nil
}

// Forward implements Trainable.
func (l *Linear) Forward(ctx context.Context, imgs []image.Image) (*Activations, error) {
	act := &Activations{
		Inputs:  make([][]float32, len(imgs)),
		Raw:     make([][]float32, len(imgs)),
		Outputs: make([][]float32, len(imgs)),
	}
	n := l.inputs()
	for s, img := range imgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if img == nil {
			return nil, fmt.Errorf("image %d is nil", s)
		}
		x := Features(img, l.side)
		y := make([]float32, l.dims)
		for k := 0; k < l.dims; k++ {
			row := l.params[k*n : (k+1)*n]
			var sum float64
			for i, v := range x {
				sum += float64(row[i]) * float64(v)
			}
			y[k] = float32(sum) + l.params[l.dims*n+k]
		}
		act.Inputs[s] = x
		act.Raw[s] = y
		act.Outputs[s] = y
		if l.normalize {
			act.Outputs[s] = unit(y)
		}
	}
	return act, nil
}

// Backward implements Trainable.
func (l *Linear) Backward(act *Activations, dOut [][]float32) ([]float32, error) {
	if act == nil {
		return nil, fmt.Errorf("%w: no activations", ErrDimensionMismatch)
	}
	if len(dOut) != len(act.Outputs) {
		return nil, fmt.Errorf("%w: %d output gradients for %d samples", ErrDimensionMismatch, len(dOut), len(act.Outputs))
	}
	n := l.inputs()
	grad := make([]float32, len(l.params))
	for s := range dOut {
		if len(dOut[s]) != l.dims {
			return nil, fmt.Errorf("%w: gradient %d has length %d, want %d", ErrDimensionMismatch, s, len(dOut[s]), l.dims)
		}
		dy := dOut[s]
		if l.normalize {
			dy = unitBackward(act.Raw[s], act.Outputs[s], dOut[s])
		}
		x := act.Inputs[s]
		for k := 0; k < l.dims; k++ {
			g := dy[k]
			if g == 0 {
				continue
			}
			row := grad[k*n : (k+1)*n]
			for i, v := range x {
				row[i] += g * v
			}
			grad[l.dims*n+k] += g
		}
	}
	return grad, nil
}

// Features converts img to a side×side grayscale vector scaled to [0,1] and
// shifted to zero mean.
func Features(img image.Image, side int) []float32 {
	gray := image.NewGray(image.Rect(0, 0, side, side))
	draw.BiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	x := make([]float32, side*side)
	var mean float64
	for i, p := range gray.Pix[:len(x)] {
		x[i] = float32(p) / 255
		mean += float64(x[i])
	}
	mean /= float64(len(x))
	for i := range x {
		x[i] -= float32(mean)
	}
	return x
}

func unit(y []float32) []float32 {
	var norm float64
	for _, v := range y {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(y))
	if norm == 0 {
		return out
	}
	for i, v := range y {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// unitBackward propagates through z = y/|y|: dy = (dz - z(z·dz)) / |y|.
func unitBackward(y, z, dz []float32) []float32 {
	var norm, dot float64
	for i := range y {
		norm += float64(y[i]) * float64(y[i])
		dot += float64(z[i]) * float64(dz[i])
	}
	norm = math.Sqrt(norm)
	dy := make([]float32, len(y))
	if norm == 0 {
		return dy
	}
	for i := range dy {
		dy[i] = float32((float64(dz[i]) - float64(z[i])*dot) / norm)
	}
	return dy
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (l *Linear) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(linearMagic)
	var norm uint8
	if l.normalize {
		norm = 1
	}
	header := []any{linearVersion, uint32(l.side), uint32(l.dims), norm}
	for _, v := range header {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, l.params); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The shape stored in
// data replaces the current one.
func (l *Linear) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	magic := make([]byte, len(linearMagic))
	if _, err := r.Read(magic); err != nil || string(magic) != linearMagic {
		return fmt.Errorf("not a linear encoder weight file")
	}
	var (
		version    uint16
		side, dims uint32
		norm       uint8
	)
	for _, v := range []any{&version, &side, &dims, &norm} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to read weight header: %w", err)
		}
	}
	if version != linearVersion {
		return fmt.Errorf("unsupported weight file version %d", version)
	}
	if side == 0 || dims == 0 {
		return fmt.Errorf("%w: side=%d dimensions=%d", ErrDimensionMismatch, side, dims)
	}
	n := int(dims)*int(side)*int(side) + int(dims)
	if r.Len() != n*4 {
		return fmt.Errorf("%w: weight file has %d bytes of parameters, want %d", ErrDimensionMismatch, r.Len(), n*4)
	}
	params := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, params); err != nil {
		return fmt.Errorf("failed to read weights: %w", err)
	}
	l.side, l.dims, l.normalize, l.params = int(side), int(dims), norm == 1, params
	return nil
}
