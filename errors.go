package pix2s

import (
	"errors"
	"fmt"
)

// ErrDestroyed is returned (wrapped in an InferenceError) when a destroyed wrapper is used.
var ErrDestroyed = errors.New("pix2struct wrapper has been destroyed")

// LoadError reports a failure to construct the wrapper: an unresolvable checkpoint, a failed download,
// missing or invalid files, a runtime initialisation failure or a model/preprocessor mismatch.
type LoadError struct {
	Err       error
	ModelPath string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading pix2struct checkpoint %q: %v", e.ModelPath, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// InferenceError reports a failed Infer call. The wrapper remains usable afterwards.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("pix2struct inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
