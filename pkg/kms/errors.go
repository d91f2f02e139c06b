package kms

import "errors"

// ControllerAccessError wraps a failure surfaced by the Surface during a
// test/commit/page-flip call. Transient errors (e.g. EINVAL on a single
// rejected plane) are recoverable by the Pipeline Driver demoting the
// offending element; non-transient errors mean the controller connection
// itself is suspect and must be surfaced to the host.
type ControllerAccessError struct {
	// Transient is true for EINVAL-class rejections the core can retry
	// around (demote one plane and re-test); false for anything that
	// suggests the device itself is gone or wedged.
	Transient bool
	Err       error
}

func (e *ControllerAccessError) Error() string {
	if e.Transient {
		return "controller rejected state: " + e.Err.Error()
	}
	return "controller access lost: " + e.Err.Error()
}

func (e *ControllerAccessError) Unwrap() error { return e.Err }

// ErrInvalidInput is the sentinel a Surface implementation should wrap when
// an atomic commit fails because of a single plane's properties (the
// EINVAL case), as opposed to the device itself being gone.
var ErrInvalidInput = errors.New("invalid input")

// IsInvalidInput reports whether err (or something it wraps) is the
// transient "one plane's properties were rejected" case.
func IsInvalidInput(err error) bool {
	var cae *ControllerAccessError
	if errors.As(err, &cae) {
		return cae.Transient
	}
	return errors.Is(err, ErrInvalidInput)
}
