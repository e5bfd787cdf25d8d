package fhir

import "errors"

// ErrNotFound is returned by read/update/delete when no live resource
// matches the given (type, id).
var ErrNotFound = errors.New("resource not found")

// PreconditionError signals a failed If-Match comparison or an
// If-None-Exist criteria matching more than one resource. Mapped to
// 412 at the edge.
type PreconditionError struct {
	Diagnostics string
}

func (e *PreconditionError) Error() string { return e.Diagnostics }

// ValidationError signals a resource that does not conform to the
// canonical R4 shape after normalization. Mapped to 400 at the edge.
type ValidationError struct {
	Diagnostics string
	Expression  []string
}

func (e *ValidationError) Error() string { return e.Diagnostics }
