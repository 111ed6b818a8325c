// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package clientbuffer

import "sync"

// PendingRead is a one-shot request/future pair representing a single
// in-flight client read that could not be satisfied immediately.
// ClientBuffer guarantees at most one PendingRead is installed at a
// time; completion is therefore single-producer by construction, but
// the guard below makes double-completion a safe no-op rather than a
// panic on a closed channel, matching the Java source's
// SettableFuture.set (a second set() call is simply ignored).
type PendingRead struct {
	taskInstanceID string
	sequenceID     int64
	maxBytes       int64

	done   chan struct{}
	once   sync.Once
	result BufferResult
}

// newPendingRead constructs an unresolved PendingRead for the given
// request parameters.
func newPendingRead(taskInstanceID string, sequenceID, maxBytes int64) *PendingRead {
	return &PendingRead{
		taskInstanceID: taskInstanceID,
		sequenceID:     sequenceID,
		maxBytes:       maxBytes,
		done:           make(chan struct{}),
	}
}

// Done returns a channel that is closed once the read resolves.
// Callers should select on Done() (or simply <-Done()) and then call
// Result().
func (p *PendingRead) Done() <-chan struct{} {
	return p.done
}

// Result returns the resolved BufferResult. It must only be called
// after Done() has been closed.
func (p *PendingRead) Result() BufferResult {
	return p.result
}

// completeWithEmpty resolves the future with an empty result carrying
// this read's own sequenceId and finished=false. Idempotent: a second
// call is a no-op, matching the "abandoned read" completion path where
// a new getPages call races a producer that is also about to complete
// the same PendingRead.
func (p *PendingRead) completeWithEmpty() {
	p.once.Do(func() {
		p.result = emptyResults(p.taskInstanceID, p.sequenceID, false)
		close(p.done)
	})
}

// completeWith resolves the future with a computed result. A second
// call (after the future is already resolved) is a no-op.
func (p *PendingRead) completeWith(result BufferResult) {
	p.once.Do(func() {
		p.result = result
		close(p.done)
	})
}
