// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package clientbuffer

import "github.com/cockroachdb/errors"

// Sentinel errors identifying the InvalidArgument class from the error
// taxonomy: caller mistakes, not buffer bugs. Wrap with errors.Wrapf at
// the call site if more context is needed; test with errors.Is.
var (
	// ErrInvalidRefCount is returned by NewPageRef when initialRefs < 1.
	ErrInvalidRefCount = errors.New("clientbuffer: initial reference count must be at least 1")

	// ErrNegativeSequenceID is returned by GetPages when sequenceId < 0.
	ErrNegativeSequenceID = errors.New("clientbuffer: sequence id must be non-negative")

	// ErrAcknowledgeBeyondQueue is returned internally by acknowledge
	// when the requested sequence id would drop more pages than are
	// queued.
	ErrAcknowledgeBeyondQueue = errors.New("clientbuffer: acknowledge sequence id exceeds queued pages")
)

// illegalStatef reports an internal invariant violation (the Illegal
// class from the error taxonomy: a programming bug, not a caller
// mistake). In a debug build this would abort; here it is surfaced as
// an AssertionFailedf error so the caller (always internal to this
// package) can poison the buffer instead of crashing the process.
func illegalStatef(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}
