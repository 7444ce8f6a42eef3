package flow

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInitialized = errors.New("flow: engine already initialized")
	ErrNotInitialized     = errors.New("flow: engine not initialized")
	ErrUndeclaredFunction = errors.New("flow: function not declared on current node")
	ErrInvalidArguments   = errors.New("flow: invalid function arguments")
	ErrTerminated         = errors.New("flow: conversation has ended")
	ErrKeyImmutable       = errors.New("flow: state key already set to a different value")
	ErrUndeclaredKey      = errors.New("flow: state key not declared")
	ErrUnknownNode        = errors.New("flow: unknown node")
)

// HandlerError wraps a failure inside a transition handler or node action.
// It is fatal for the call.
type HandlerError struct {
	Node     string
	Function string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("flow: %s on node %s failed: %v", e.Function, e.Node, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Recoverable reports whether err is a rejected request the model can
// correct by trying again, as opposed to a failure that ends the call.
func Recoverable(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return false
	}
	return errors.Is(err, ErrUndeclaredFunction) ||
		errors.Is(err, ErrInvalidArguments) ||
		errors.Is(err, ErrKeyImmutable) ||
		errors.Is(err, ErrUndeclaredKey)
}
