package model

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned when inference is attempted before a successful load.
var ErrNotReady = errors.New("model not ready")

// ErrClosed is returned by Load once the Loader has been closed.
var ErrClosed = errors.New("model loader closed")

// LoadReason classifies why a load failed.
type LoadReason string

const (
	ReasonManifestFetch     LoadReason = "manifest_fetch"
	ReasonManifestMalformed LoadReason = "manifest_malformed"
	ReasonModelFetch        LoadReason = "model_fetch"
	ReasonModelInit         LoadReason = "model_init"
	ReasonForwardPass       LoadReason = "forward_pass"
	ReasonShapeMismatch     LoadReason = "shape_mismatch"
	ReasonDisposed          LoadReason = "disposed"
)

// LoadError reports a failed model load. Loads are never retried
// automatically; callers decide whether to call Load again.
type LoadError struct {
	Reason LoadReason
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("model load failed (%s): %v", e.Reason, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func loadErr(reason LoadReason, err error) *LoadError {
	return &LoadError{Reason: reason, Err: err}
}
