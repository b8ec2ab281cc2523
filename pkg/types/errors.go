package types

import (
	"errors"
	"fmt"
)

// ErrEmptyFold is returned when a fold has no identity that can be sampled.
var ErrEmptyFold = errors.New("fold has no eligible identities")

// CorruptStoreError reports a dataset info file that cannot be trusted.
// Line is 1-based; zero means the problem is not tied to a single line.
type CorruptStoreError struct {
	Path string
	Line int
	Err  error
}

func (e *CorruptStoreError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("corrupt dataset %s at line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("corrupt dataset %s: %v", e.Path, e.Err)
}

func (e *CorruptStoreError) Unwrap() error { return e.Err }

// InvalidImageError reports a single unusable image.
type InvalidImageError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid image %q: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid image %q: %s", e.Path, e.Reason)
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

// NewInvalidImageError creates an InvalidImageError.
func NewInvalidImageError(path, reason string, err error) *InvalidImageError {
	return &InvalidImageError{Path: path, Reason: reason, Err: err}
}

// EncoderFailure reports a numerical or resource failure inside the encoder.
// It is fatal to a training run.
type EncoderFailure struct {
	Step int
	Op   string
	Err  error
}

func (e *EncoderFailure) Error() string {
	return fmt.Sprintf("encoder %s failed at step %d: %v", e.Op, e.Step, e.Err)
}

func (e *EncoderFailure) Unwrap() error { return e.Err }

// CheckpointIOError reports a failed checkpoint write or read.
type CheckpointIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("checkpoint %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("checkpoint %s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }
