// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package clientbuffer

// BufferResult is the immutable value a getPages call resolves to. The
// encoding put on the wire is the transport layer's concern; this type
// is only the in-process contract between ClientBuffer and its caller.
type BufferResult struct {
	TaskInstanceID string
	StartToken     int64
	NextToken      int64
	Finished       bool
	Pages          []SerializedPage
}

// emptyResults builds the empty-result shape used by the stale-request,
// drained, and abandoned-read cases: no pages, startToken == nextToken
// == token.
func emptyResults(taskInstanceID string, token int64, finished bool) BufferResult {
	return BufferResult{
		TaskInstanceID: taskInstanceID,
		StartToken:     token,
		NextToken:      token,
		Finished:       finished,
		Pages:          nil,
	}
}

// BufferID identifies a ClientBuffer within a task. It is a small
// integer, not a UUID: tasks enumerate their output buffers densely
// (broadcast, hash-partitioned, or arbitrary fan-out all assign small
// sequential ids).
type BufferID int64

// PageBufferInfo is the observability-only byte-accounting snapshot
// embedded in BufferInfo.
type PageBufferInfo struct {
	BufferID      BufferID
	BufferedBytes int64
}

// BufferInfo is a lock-free snapshot of a ClientBuffer's externally
// visible state, returned by ClientBuffer.Info. Snapshots may be
// transiently inconsistent (e.g. Destroyed true while PageBufferInfo
// still reports stale bytes momentarily) — see the concurrency notes
// on ClientBuffer.Info.
type BufferInfo struct {
	BufferID       BufferID
	Destroyed      bool
	PageBufferInfo PageBufferInfo
}
