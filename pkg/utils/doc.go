// Package utils provides small helpers shared by the lostpaw packages.
//
// This package contains:
//   - Vector math on embeddings (vector.go): distances, cosine similarity,
//     normalisation and top-k selection
//   - Panic recovery for worker goroutines (recovery.go)
package utils
