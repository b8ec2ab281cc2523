// Package evaluator scores an encoder on labelled image pairs.
//
// A pair is predicted "same" when the Euclidean distance between its two
// embeddings is below the threshold. TestBatch returns the four confusion
// counts for one set of pairs; callers sum them across batches and divide
// by the batch count to get rates.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/types"
	"github.com/soundprediction/lostpaw/pkg/utils"
)

// Counts holds the confusion counts, or rates after Div.
type Counts struct {
	// Diff: different-label pairs predicted different.
	Diff float64 `json:"diff"`

	// Err1: same-label pairs predicted different.
	Err1 float64 `json:"err1"`

	// Err2: different-label pairs predicted same.
	Err2 float64 `json:"err2"`

	// Same: same-label pairs predicted same.
	Same float64 `json:"same"`
}

// Add returns the element-wise sum.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Diff: c.Diff + o.Diff,
		Err1: c.Err1 + o.Err1,
		Err2: c.Err2 + o.Err2,
		Same: c.Same + o.Same,
	}
}

// Div divides every count by n. Dividing by zero returns c unchanged.
func (c Counts) Div(n float64) Counts {
	if n == 0 {
		return c
	}
	return Counts{Diff: c.Diff / n, Err1: c.Err1 / n, Err2: c.Err2 / n, Same: c.Same / n}
}

// Total returns the number of pairs counted.
func (c Counts) Total() float64 {
	return c.Diff + c.Err1 + c.Err2 + c.Same
}

// Accuracy is the share of correctly classified pairs.
func (c Counts) Accuracy() float64 {
	t := c.Total()
	if t == 0 {
		return 0
	}
	return (c.Diff + c.Same) / t
}

// Precision is the share of predicted-same pairs that are truly the same.
func (c Counts) Precision() float64 {
	if c.Same+c.Err2 == 0 {
		return 0
	}
	return c.Same / (c.Same + c.Err2)
}

// Recall is the share of same pairs predicted same.
func (c Counts) Recall() float64 {
	if c.Same+c.Err1 == 0 {
		return 0
	}
	return c.Same / (c.Same + c.Err1)
}

// Evaluator runs an encoder in inference mode. It keeps no state between calls.
type Evaluator struct {
	enc       encoder.Encoder
	threshold float64
	logger    *slog.Logger
}

// New creates an evaluator. threshold must be positive.
func New(enc encoder.Encoder, threshold float64, logger *slog.Logger) (*Evaluator, error) {
	if enc == nil {
		return nil, errors.New("evaluator needs an encoder")
	}
	if threshold <= 0 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("decision threshold must be positive, got %v", threshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{enc: enc, threshold: threshold, logger: logger}, nil
}

// Threshold returns the decision threshold.
func (e *Evaluator) Threshold() float64 { return e.threshold }

// PredictSame reports whether distance d classifies a pair as the same pet.
func (e *Evaluator) PredictSame(d float64) bool {
	return d < e.threshold
}

// TestBatch embeds every pair in chunks of batchSize and counts the
// outcomes. A batchSize of zero or less embeds everything at once.
func (e *Evaluator) TestBatch(ctx context.Context, imagesA, imagesB []image.Image, labels []bool, batchSize int) (Counts, error) {
	n := len(labels)
	if len(imagesA) != n || len(imagesB) != n {
		return Counts{}, fmt.Errorf("%w: %d/%d images for %d labels", types.ErrLengthMismatch, len(imagesA), len(imagesB), n)
	}
	if batchSize <= 0 {
		batchSize = n
	}

	var c Counts
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		za, err := e.enc.Embed(ctx, imagesA[start:end])
		if err != nil {
			return Counts{}, fmt.Errorf("failed to embed first images: %w", err)
		}
		zb, err := e.enc.Embed(ctx, imagesB[start:end])
		if err != nil {
			return Counts{}, fmt.Errorf("failed to embed second images: %w", err)
		}
		if len(za) != end-start || len(zb) != end-start {
			return Counts{}, fmt.Errorf("%w: encoder returned %d/%d embeddings for %d images", types.ErrLengthMismatch, len(za), len(zb), end-start)
		}
		for i := range za {
			d := utils.EuclideanDistance(za[i], zb[i])
			if math.IsNaN(d) || math.IsInf(d, 0) {
				return Counts{}, fmt.Errorf("non-finite distance for pair %d", start+i)
			}
			c = c.add(labels[start+i], e.PredictSame(d))
		}
	}
	return c, nil
}

func (c Counts) add(same, predictedSame bool) Counts {
	switch {
	case !same && !predictedSame:
		c.Diff++
	case same && !predictedSame:
		c.Err1++
	case !same && predictedSame:
		c.Err2++
	default:
		c.Same++
	}
	return c
}

// BatchSource yields pair batches, e.g. a sampler stream.
type BatchSource interface {
	Next(ctx context.Context) (*types.PairBatch, error)
}

// Evaluate draws batches from src, sums their counts and divides by the
// number of batches.
func (e *Evaluator) Evaluate(ctx context.Context, src BatchSource, batches, batchSize int, progress func(done int)) (Counts, error) {
	if batches <= 0 {
		return Counts{}, fmt.Errorf("batch count must be positive, got %d", batches)
	}
	var total Counts
	for i := 0; i < batches; i++ {
		b, err := src.Next(ctx)
		if err != nil {
			return Counts{}, fmt.Errorf("failed to draw evaluation batch %d: %w", i, err)
		}
		c, err := e.TestBatch(ctx, b.ImagesA, b.ImagesB, b.Labels, batchSize)
		if err != nil {
			return Counts{}, err
		}
		total = total.Add(c)
		if progress != nil {
			progress(i + 1)
		}
	}
	rates := total.Div(float64(batches))
	e.logger.Debug("Evaluation finished", "batches", batches, "accuracy", rates.Accuracy())
	return rates, nil
}

// Similarity returns the cosine similarity of the embeddings of a and b.
func Similarity(ctx context.Context, enc encoder.Encoder, a, b image.Image) (float64, error) {
	z, err := enc.Embed(ctx, []image.Image{a, b})
	if err != nil {
		return 0, err
	}
	if len(z) != 2 {
		return 0, fmt.Errorf("%w: encoder returned %d embeddings for 2 images", types.ErrLengthMismatch, len(z))
	}
	return utils.CosineSimilarity(z[0], z[1]), nil
}
