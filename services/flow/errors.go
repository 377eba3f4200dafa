package flow

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("a flow run is already active")
	ErrMalformedFlow  = errors.New("malformed flow")
	ErrStoreFailure   = errors.New("record store failure")
	ErrPageNotFound   = errors.New("page not found")
	ErrFlowNotFound   = errors.New("flow not found")
	ErrCancelled      = errors.New("flow run cancelled")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFlow, fmt.Sprintf(format, args...))
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

// undefined marks a reference that could not be resolved. It compares unequal
// to every defined value and is falsy.
type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined is the value of an unresolved variable or path.
var Undefined any = undefined{}

// IsUndefined reports whether v is the unresolved marker.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// ExprError is stored into an output variable when a formula is rejected or
// fails to evaluate. It is distinguishable from any successfully computed string.
type ExprError struct {
	Reason string `json:"error"`
}

func (e ExprError) Error() string  { return "expression error: " + e.Reason }
func (e ExprError) String() string { return "ERROR" }
