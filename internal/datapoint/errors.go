package datapoint

import "errors"

// Errors returned by the datapoint store. Check with errors.Is.
var (
	// ErrObjectNotFound is returned when an object ID does not exist.
	ErrObjectNotFound = errors.New("datapoint: object not found")

	// ErrStateNotFound is returned when a state datapoint has never been written.
	ErrStateNotFound = errors.New("datapoint: state not found")

	// ErrInvalidObject is returned when an object fails validation.
	ErrInvalidObject = errors.New("datapoint: invalid object")

	// ErrInvalidKind is returned for an unknown object kind.
	ErrInvalidKind = errors.New("datapoint: invalid kind")
)
