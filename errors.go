package loadnet

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/loadnet/graph"
)

// ErrHandleInFlight is returned when Execute is called on a working-memory
// handle that already has an execution in progress. One handle supports one
// execution at a time; create more handles for overlapped executions.
var ErrHandleInFlight = errors.New("working memory handle already has an execution in flight")

// ErrNetworkUnusable is returned after a fatal backend failure or after
// Destroy. The network must be reloaded.
var ErrNetworkUnusable = errors.New("loaded network is no longer usable")

// BindingError reports a caller tensor that cannot be bound: an unknown
// binding id, a shape or type mismatch, or a missing/duplicate binding. The
// network remains usable for subsequent calls.
type BindingError struct {
	Binding graph.BindingID
	Reason  string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("binding %d: %s", e.Binding, e.Reason)
}

// ImportError reports a zero-copy import request that the backend rejected.
type ImportError struct {
	Binding graph.BindingID
	Err     error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("cannot import tensor for binding %d: %v", e.Binding, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a backend kernel failure. Fatal errors render the
// network unusable; recoverable ones allow the caller to retry with the same
// or corrected inputs.
type ExecutionError struct {
	Layer graph.LayerID
	Fatal bool
	Err   error
}

func (e *ExecutionError) Error() string {
	severity := "recoverable"
	if e.Fatal {
		severity = "fatal"
	}
	return fmt.Sprintf("%s execution failure at layer %d: %v", severity, e.Layer, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a fatal execution failure.
func IsFatal(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Fatal
}
