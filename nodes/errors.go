package nodes

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a node failure. The classification shapes the error text
// and log keys but not the on-the-wire schema.
type Kind string

const (
	KindInput     Kind = "input"
	KindResource  Kind = "resource"
	KindCompute   Kind = "compute"
	KindCancelled Kind = "cancelled"
)

// Error is the typed failure returned across the executor boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Inputf builds an input-validation error.
func Inputf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

// Resourcef builds a resource error (storage, object store, lock).
func Resourcef(format string, args ...interface{}) *Error {
	return &Error{Kind: KindResource, Message: fmt.Sprintf(format, args...)}
}

// Computef builds a compute error (subprocess, engine, OOM).
func Computef(format string, args ...interface{}) *Error {
	return &Error{Kind: KindCompute, Message: fmt.Sprintf(format, args...)}
}

// WrapCompute attaches a cause to a compute error.
func WrapCompute(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindCompute, Message: fmt.Sprintf(format, args...), Err: err}
}

// ErrSkipped is returned by a node whose work is not applicable under the
// given configuration; the executor records the stage as SKIPPED.
var ErrSkipped = errors.New("stage skipped")

// ClassifyKind maps an arbitrary error to its failure kind.
func ClassifyKind(err error) Kind {
	var nodeErr *Error
	if errors.As(err, &nodeErr) {
		return nodeErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindCompute
}
