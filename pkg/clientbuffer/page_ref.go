// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package clientbuffer

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// SerializedPage is the opaque payload a ClientBuffer shuttles to a
// remote client. positionCount and retainedSizeInBytes are the only
// two facts the core ever reads off it; Payload is never inspected.
type SerializedPage struct {
	PositionCount       uint32
	RetainedSizeInBytes uint64
	Payload             []byte
}

// ReleaseFunc is invoked exactly once, outside any ClientBuffer lock,
// when the last reference to a PageRef is dropped.
type ReleaseFunc func()

// PageRef is a reference-counted handle around one SerializedPage. The
// same PageRef may be shared across several ClientBuffers (fan-out);
// the release callback fires once, after the last holder releases it.
type PageRef struct {
	page      SerializedPage
	refCount  int32
	onRelease ReleaseFunc
}

// NewPageRef constructs a PageRef with the given initial reference
// count, which must be at least 1. onRelease must be non-nil and is
// called exactly once, when the count transitions to zero.
func NewPageRef(page SerializedPage, initialRefs int32, onRelease ReleaseFunc) (*PageRef, error) {
	if initialRefs < 1 {
		return nil, errors.Wrapf(ErrInvalidRefCount, "got %d", initialRefs)
	}
	if onRelease == nil {
		return nil, errors.New("clientbuffer: onRelease must not be nil")
	}
	return &PageRef{
		page:      page,
		refCount:  initialRefs,
		onRelease: onRelease,
	}, nil
}

// AddReference atomically increments the reference count. It fails if
// the pre-increment count was already <= 0, which would mean the ref
// is being resurrected after its release callback already ran.
func (p *PageRef) AddReference() error {
	old := atomic.AddInt32(&p.refCount, 1) - 1
	if old <= 0 {
		// Put the counter back; this call never should have happened.
		atomic.AddInt32(&p.refCount, -1)
		return illegalStatef("page reference has already been dereferenced")
	}
	return nil
}

// Release atomically decrements the reference count. If the resulting
// count is exactly zero, onRelease is invoked exactly once. Callers
// must never call Release while holding a ClientBuffer lock: onRelease
// may re-enter memory-pool code that locks other buffers.
func (p *PageRef) Release() error {
	remaining := atomic.AddInt32(&p.refCount, -1)
	if remaining < 0 {
		return illegalStatef("page reference count went negative")
	}
	if remaining == 0 {
		p.onRelease()
	}
	return nil
}

// PositionCount returns the logical row count of the wrapped page.
func (p *PageRef) PositionCount() uint32 {
	return p.page.PositionCount
}

// RetainedSizeInBytes returns the approximate memory footprint of the
// wrapped page, used for buffer byte accounting.
func (p *PageRef) RetainedSizeInBytes() uint64 {
	return p.page.RetainedSizeInBytes
}

// Page returns the wrapped serialized page.
func (p *PageRef) Page() SerializedPage {
	return p.page
}
