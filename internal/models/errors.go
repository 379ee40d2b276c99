package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every package. Callers match them with
// errors.Is; the wrapping message carries the details.
var (
	// ErrShapeValidation reports a rank or dimensionality mismatch between
	// transforms and volumes. It is always raised before numeric work.
	ErrShapeValidation = errors.New("shape validation failed")

	// ErrIncompatibleGrid reports a PET/mask shape mismatch that no
	// registered mask can resolve.
	ErrIncompatibleGrid = errors.New("incompatible grid")

	// ErrEmptyRegion reports a reference mask that selects no voxels.
	ErrEmptyRegion = errors.New("no reference voxels")

	// ErrRegistration reports a failed internal or external registration
	// step. Callers treat it as recoverable.
	ErrRegistration = errors.New("registration failed")

	// ErrIO reports a file read or write failure.
	ErrIO = errors.New("i/o failure")

	// ErrConfig reports mutually exclusive or invalid options.
	ErrConfig = errors.New("invalid configuration")

	// ErrState reports an operation called out of order on a stateful engine.
	ErrState = errors.New("invalid state")
)

// PathError records a file operation that failed and the path it failed on.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap supports errors.Is / errors.As on the underlying cause
func (e *PathError) Unwrap() error {
	return e.Err
}

// Is makes every PathError match ErrIO
func (e *PathError) Is(target error) bool {
	return target == ErrIO
}

// NewPathError wraps err with the operation and path. It returns nil when
// err is nil so it can wrap return values directly.
func NewPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Op: op, Path: path, Err: err}
}
