// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rasterslice

import (
	"bytes"
	goerrors "errors"
	"fmt"

	"github.com/grailbio/rasterslice/grid"
)

// ErrorKind classifies the failures of a rasterslice run.
type ErrorKind int

const (
	// ErrOther is an unclassified error.
	ErrOther ErrorKind = iota
	// ErrConfig indicates invalid or conflicting concurrency
	// parameters. It is reported before any work starts.
	ErrConfig
	// ErrDecode indicates that an input raster could not be read.
	ErrDecode
	// ErrCompute indicates that the user function failed or panicked.
	ErrCompute
	// ErrWrite indicates that an output raster could not be written.
	ErrWrite
	// ErrWorkerStart indicates that a compute worker never connected
	// to its coordinator, either because it did not start in time or
	// because it exited before connecting.
	ErrWorkerStart
	// ErrConnection indicates that the connection to a remote worker
	// failed. It is fatal only when no other worker remains.
	ErrConnection

	maxKind
)

var kinds = [...]string{
	ErrOther:       "error",
	ErrConfig:      "config error",
	ErrDecode:      "decode error",
	ErrCompute:     "compute error",
	ErrWrite:       "write error",
	ErrWorkerStart: "worker start error",
	ErrConnection:  "connection error",
}

func (k ErrorKind) String() string {
	if k < 0 || k >= maxKind {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return kinds[k]
}

// Error is the error type returned by rasterslice runs. It records
// the kind of failure, and where known, the worker and block
// involved.
type Error struct {
	Kind ErrorKind
	// Worker is the name of the worker that failed, if any.
	Worker string
	// Block is the block being processed, if any.
	Block *grid.Spec
	// Err is the underlying error.
	Err error
}

// Errorf returns a new error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError wraps err in an Error of the provided kind. Errors that
// already carry a kind are returned unchanged.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if goerrors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// WithBlock returns a copy of e annotated with the block spec s.
func (e *Error) WithBlock(s grid.Spec) *Error {
	c := *e
	c.Block = &s
	return &c
}

// WithWorker returns a copy of e annotated with the worker name.
func (e *Error) WithWorker(name string) *Error {
	c := *e
	c.Worker = name
	return &c
}

func (e *Error) Error() string {
	var b bytes.Buffer
	b.WriteString(e.Kind.String())
	if e.Worker != "" {
		fmt.Fprintf(&b, " (worker %s)", e.Worker)
	}
	if e.Block != nil {
		fmt.Fprintf(&b, " (%s)", e.Block)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first Error in err's chain, or
// ErrOther if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Kind
	}
	return ErrOther
}
