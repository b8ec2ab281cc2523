// Package types defines the core data types shared by the lostpaw packages.
//
// This package contains the fundamental types used throughout lostpaw:
//   - PetID: the identity key of an animal, integer or string on disk
//   - IdentityRecord: one line of the dataset info file
//   - PairBatch: a batch of (image A, image B, same/different) triples
//   - Fold: one train/validation partition of identities
//
// # Errors
//
// The error taxonomy lives here as well so that every package reports the
// same kinds of failure:
//   - CorruptStoreError: the dataset info file is unreadable or inconsistent
//   - InvalidImageError: a single image is missing, empty or undecodable
//   - ErrEmptyFold: a fold has no identity eligible for sampling
//   - EncoderFailure: the forward or backward pass failed or diverged
//   - CheckpointIOError: a checkpoint could not be written or read
//
// Use errors.Is and errors.As to classify them:
//
//	var corrupt *types.CorruptStoreError
//	if errors.As(err, &corrupt) {
//	    log.Fatalf("dataset %s is corrupt at line %d", corrupt.Path, corrupt.Line)
//	}
package types
