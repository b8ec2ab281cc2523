package trainer

import (
	"fmt"
	"math"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// ContrastiveLoss computes
//
//	L = mean(y·d² + (1−y)·max(0, m−d)²) / 2
//
// over the pairs (za[i], zb[i]), where d is the Euclidean distance and y is 1
// for same-identity pairs. It also returns dL/dza and dL/dzb.
//
// A different-identity pair at distance zero gets a zero gradient.
func ContrastiveLoss(za, zb [][]float32, labels []bool, margin float64) (float64, [][]float32, [][]float32, error) {
	n := len(labels)
	if len(za) != n || len(zb) != n {
		return 0, nil, nil, fmt.Errorf("%w: %d/%d embeddings for %d labels", types.ErrLengthMismatch, len(za), len(zb), n)
	}
	if n == 0 {
		return 0, nil, nil, types.ErrInvalidBatch
	}

	dA := make([][]float32, n)
	dB := make([][]float32, n)
	scale := 1 / float64(n)
	var total float64
	for i := range labels {
		a, b := za[i], zb[i]
		if len(a) != len(b) {
			return 0, nil, nil, fmt.Errorf("%w: pair %d has embeddings of length %d and %d", types.ErrLengthMismatch, i, len(a), len(b))
		}
		diff := make([]float64, len(a))
		var sq float64
		for k := range a {
			diff[k] = float64(a[k]) - float64(b[k])
			sq += diff[k] * diff[k]
		}
		d := math.Sqrt(sq)

		// coef multiplies (za - zb) in dL/dza
		var coef float64
		if labels[i] {
			total += sq
			coef = scale
		} else if gap := margin - d; gap > 0 {
			total += gap * gap
			if d > 0 {
				coef = -scale * gap / d
			}
		}

		ga := make([]float32, len(a))
		gb := make([]float32, len(a))
		if coef != 0 {
			for k, v := range diff {
				ga[k] = float32(coef * v)
				gb[k] = -ga[k]
			}
		}
		dA[i], dB[i] = ga, gb
	}
	return total * scale / 2, dA, dB, nil
}
