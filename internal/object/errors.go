package object

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("already exists")
	ErrPermission      = errors.New("permission denied")
	ErrInvalidType     = errors.New("invalid type")
	ErrAmbiguous       = errors.New("ambiguous path")
	ErrAlreadyParented = errors.New("object already has a parent")
	ErrAbstract        = errors.New("type is abstract")
	ErrStaleLink       = errors.New("link target no longer exists")
)

// FatalError is the panic value raised for invariant violations: duplicate
// types, unresolvable parents, failing asserting casts, property collisions
// through the bare add variants and fixed-capacity overflows.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf aborts the current operation with a *FatalError.
func Fatalf(op string, format string, args ...any) {
	panic(&FatalError{Op: op, Err: fmt.Errorf(format, args...)})
}

// Must converts an error returned by a try-variant into a fatal error.
func Must(op string, err error) {
	if err != nil {
		panic(&FatalError{Op: op, Err: err})
	}
}
