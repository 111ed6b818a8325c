// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package clientbuffer implements the per-client output buffer used by
// a task to shuttle serialized result pages to a single remote polling
// client. ClientBuffer is the concurrency nexus between producer
// threads enqueueing pages, the consumer's read requests, and buffer
// termination; see the doc comment on ClientBuffer for the invariants
// it maintains.
package clientbuffer

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/mpp-clientbuffer/pkg/util/log"
	"github.com/cockroachdb/mpp-clientbuffer/pkg/util/metric"
	"github.com/cockroachdb/mpp-clientbuffer/pkg/util/syncutil"
)

// Key identifies a ClientBuffer within the process: one task can own
// many buffers (one per remote client, or per partition), so the pair
// is needed to disambiguate.
type Key struct {
	TaskInstanceID string
	BufferID       BufferID
}

// ClientBuffer is the state machine behind a single client's output
// stream: it holds the queue of page references, the current
// acknowledged sequence id,
// termination flags, and at most one pending read. All mutation of
// pages, currentSequenceID (for monotonic visibility), noMorePages,
// isForceDestroy, and pendingRead is serialized by mu. bufferedBytes
// and currentSequenceID are additionally mirrored into atomics so Info
// and IsDestroyed can be read lock-free; those atomics are only ever
// written while mu is held.
type ClientBuffer struct {
	taskInstanceID string
	bufferID       BufferID
	metrics        *metric.BufferMetrics

	// preferLocal is a scheduling hint consumed by the enclosing
	// manager to favor co-located clients; it has no effect on this
	// buffer's own read/write semantics.
	preferLocal atomic.Bool

	bufferedBytesAtomic   atomic.Int64
	currentSequenceAtomic atomic.Int64
	destroyedAtomic       atomic.Bool

	mu struct {
		syncutil.Mutex

		pages          []*PageRef
		noMorePages    bool
		isForceDestroy bool
		pendingRead    *PendingRead
		// poisoned is set when an Illegal invariant violation is
		// caught at this boundary instead of panicking; once set the
		// buffer behaves as if destroyed (see poison).
		poisoned bool
	}
}

// New constructs an empty, active ClientBuffer for the given key.
// metrics may be nil to disable recording.
func New(taskInstanceID string, bufferID BufferID, metrics *metric.BufferMetrics) *ClientBuffer {
	b := &ClientBuffer{
		taskInstanceID: taskInstanceID,
		bufferID:       bufferID,
		metrics:        metrics,
	}
	return b
}

// PreferLocal reports the scheduling hint set by SetPreferLocal.
func (b *ClientBuffer) PreferLocal() bool {
	return b.preferLocal.Load()
}

// SetPreferLocal records whether the enclosing manager should prefer
// routing this buffer's reads to a co-located client.
func (b *ClientBuffer) SetPreferLocal(v bool) {
	b.preferLocal.Store(v)
}

// Info returns a lock-free snapshot of the buffer's externally visible
// state. Callers must tolerate a snapshot where Destroyed is true but
// PageBufferInfo.BufferedBytes has not yet caught up to zero, or vice
// versa: the two atomics are written in sequence under the lock, not
// as a single atomic transaction.
func (b *ClientBuffer) Info() BufferInfo {
	return BufferInfo{
		BufferID:  b.bufferID,
		Destroyed: b.destroyedAtomic.Load(),
		PageBufferInfo: PageBufferInfo{
			BufferID:      b.bufferID,
			BufferedBytes: b.bufferedBytesAtomic.Load(),
		},
	}
}

// IsDestroyed is a lock-free read of the destroyed flag.
func (b *ClientBuffer) IsDestroyed() bool {
	return b.destroyedAtomic.Load()
}

// EnqueuePages appends pages to the queue. The buffer takes a reference
// of its own on each accepted ref via AddReference and releases exactly
// that reference when the page is acknowledged or the buffer is
// destroyed; the caller keeps its own handle and releases it itself.
// If noMorePages or isForceDestroy has already been set, the refs are silently
// dropped: neither referenced nor released, so a racing producer is
// never punished for losing a race with buffer termination.
func (b *ClientBuffer) EnqueuePages(ctx context.Context, refs []*PageRef) error {
	if len(refs) == 0 {
		return nil
	}

	var completed *PendingRead
	err := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.mu.poisoned || b.mu.noMorePages || b.mu.isForceDestroy {
			return nil
		}

		var bytesAdded int64
		for _, ref := range refs {
			if err := ref.AddReference(); err != nil {
				return b.poisonLocked(ctx, errors.Wrapf(err, "enqueuePages"))
			}
			bytesAdded += int64(ref.RetainedSizeInBytes())
		}
		b.mu.pages = append(b.mu.pages, refs...)
		newTotal := b.bufferedBytesAtomic.Add(bytesAdded)
		b.metrics.SetBufferedBytes(b.taskInstanceID, b.bufferIDLabel(), newTotal)

		completed = b.mu.pendingRead
		b.mu.pendingRead = nil
		b.metrics.SetPendingRead(b.taskInstanceID, b.bufferIDLabel(), false)
		return nil
	}()
	if err != nil {
		return err
	}

	// We just added pages, so process the pending read outside the
	// lock: completing a future must never re-enter the buffer lock.
	if completed != nil {
		b.resolveRead(ctx, completed)
	}
	return nil
}

// GetPages acknowledges everything below sequenceID, then either
// returns an already-resolved read or installs a new pendingRead whose
// Done() channel closes once data (or end-of-stream) arrives.
//
// Any previously installed pendingRead is implicitly cancelled: it is
// completed with an empty result using its own sequenceId, since the
// only way a second getPages call can be issued for a single-consumer
// buffer is that the client abandoned the first one (most likely after
// a transport-level timeout or retry).
func (b *ClientBuffer) GetPages(ctx context.Context, sequenceID, maxBytes int64) (*PendingRead, error) {
	if sequenceID < 0 {
		return nil, errors.Wrapf(ErrNegativeSequenceID, "got %d", sequenceID)
	}

	if err := b.acknowledge(ctx, sequenceID); err != nil {
		return nil, err
	}

	var abandoned *PendingRead
	var result *PendingRead
	err := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		abandoned = b.mu.pendingRead
		b.mu.pendingRead = nil

		if len(b.mu.pages) > 0 || b.mu.noMorePages || sequenceID != b.currentSequenceAtomic.Load() {
			r := newPendingRead(b.taskInstanceID, sequenceID, maxBytes)
			res, err := b.processLocked(ctx, sequenceID, maxBytes)
			if err != nil {
				return err
			}
			r.completeWith(res)
			result = r
			return nil
		}

		pr := newPendingRead(b.taskInstanceID, sequenceID, maxBytes)
		b.mu.pendingRead = pr
		b.metrics.SetPendingRead(b.taskInstanceID, b.bufferIDLabel(), true)
		result = pr
		return nil
	}()

	// abandoned was already unlinked from b.mu.pendingRead above, so it
	// must be completed here no matter how the locked section came out:
	// otherwise a client blocked on its Done() channel would hang
	// forever if this GetPages call hit the poisoning/Illegal path.
	if abandoned != nil {
		abandoned.completeWithEmpty()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetNoMorePages idempotently marks the buffer as having no further
// enqueues. If a pendingRead was installed, it is completed outside
// the lock (it will now observe the drained/finished branch of
// process, or the last available data).
func (b *ClientBuffer) SetNoMorePages(ctx context.Context) {
	var completed *PendingRead
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.mu.poisoned || b.mu.noMorePages {
			return
		}
		b.mu.noMorePages = true
		completed = b.mu.pendingRead
		b.mu.pendingRead = nil
		b.metrics.SetPendingRead(b.taskInstanceID, b.bufferIDLabel(), false)
	}()

	if completed != nil {
		b.resolveRead(ctx, completed)
	}
}

// Destroy is the client-observed end-of-life transition: the queue is
// dropped, noMorePages and destroyed are set, and any pendingRead is
// completed with an empty result. Idempotent.
func (b *ClientBuffer) Destroy(ctx context.Context) {
	var removed []*PageRef
	var completed *PendingRead
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.destroyedAtomic.Load() {
			return
		}

		removed = b.mu.pages
		b.mu.pages = nil
		b.bufferedBytesAtomic.Store(0)
		b.mu.noMorePages = true
		b.destroyedAtomic.Store(true)
		completed = b.mu.pendingRead
		b.mu.pendingRead = nil

		b.metrics.SetBufferedBytes(b.taskInstanceID, b.bufferIDLabel(), 0)
		b.metrics.SetPendingRead(b.taskInstanceID, b.bufferIDLabel(), false)
		log.VEventf(ctx, 1, "buffer %s/%d destroyed", b.taskInstanceID, b.bufferID)
	}()

	b.releaseAll(ctx, removed)
	if completed != nil {
		completed.completeWithEmpty()
	}
}

// ForceDestroy is the server-initiated teardown used for memory
// reclaim. Unlike Destroy, it does not complete a pending read: the
// caller chain that triggered the force-destroy owns that
// responsibility, since the client has not (yet) acknowledged the end
// of the stream.
func (b *ClientBuffer) ForceDestroy(ctx context.Context) {
	var removed []*PageRef
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.destroyedAtomic.Load() {
			return
		}

		removed = b.mu.pages
		b.mu.pages = nil
		b.bufferedBytesAtomic.Store(0)
		b.mu.noMorePages = true
		b.mu.isForceDestroy = true
		b.destroyedAtomic.Store(true)

		b.metrics.SetBufferedBytes(b.taskInstanceID, b.bufferIDLabel(), 0)
		log.VEventf(ctx, 1, "buffer %s/%d force-destroyed", b.taskInstanceID, b.bufferID)
	}()

	b.releaseAll(ctx, removed)
}

// resolveRead runs processLocked for a captured pendingRead and
// completes it, outside the caller's lock (resolveRead itself must
// never be called while b.mu is held).
func (b *ClientBuffer) resolveRead(ctx context.Context, pr *PendingRead) {
	select {
	case <-pr.Done():
		return
	default:
	}

	b.mu.Lock()
	res, err := b.processLocked(ctx, pr.sequenceID, pr.maxBytes)
	b.mu.Unlock()
	if err != nil {
		// An Illegal violation surfaced while resolving a previously
		// installed read; the buffer has already been poisoned by
		// poisonLocked, so hand the client an empty, unfinished
		// result rather than propagating the error into the future.
		pr.completeWithEmpty()
		return
	}
	pr.completeWith(res)
}

// processLocked implements the read-side selection algorithm. Must be
// called with b.mu held.
func (b *ClientBuffer) processLocked(ctx context.Context, sequenceID, maxBytes int64) (BufferResult, error) {
	current := b.currentSequenceAtomic.Load()

	// Stale request: the client already acknowledged past this point.
	if sequenceID < current {
		return emptyResults(b.taskInstanceID, sequenceID, false), nil
	}

	// Drained: no more data will ever arrive.
	if len(b.mu.pages) == 0 && b.mu.noMorePages {
		return emptyResults(b.taskInstanceID, current, true), nil
	}

	// Future request: the acknowledgement protocol guarantees this
	// never happens on a live buffer (destruction takes the drained
	// branch above first). This is an Illegal invariant violation.
	if sequenceID > current {
		err := b.poisonLocked(ctx, illegalStatef(
			"getPages sequence id %d is ahead of current sequence id %d", sequenceID, current))
		return BufferResult{}, err
	}

	var result []SerializedPage
	var bytes int64
	for _, ref := range b.mu.pages {
		size := int64(ref.RetainedSizeInBytes())
		if len(result) > 0 && bytes+size > maxBytes {
			break
		}
		bytes += size
		result = append(result, ref.Page())
	}

	b.metrics.AddPagesDelivered(b.taskInstanceID, b.bufferIDLabel(), len(result))
	return BufferResult{
		TaskInstanceID: b.taskInstanceID,
		StartToken:     sequenceID,
		NextToken:      sequenceID + int64(len(result)),
		Finished:       false,
		Pages:          result,
	}, nil
}

// acknowledge drops pages with id < sequenceID. Must not be called
// while b.mu is held by the same goroutine.
func (b *ClientBuffer) acknowledge(ctx context.Context, sequenceID int64) error {
	var removed []*PageRef
	err := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.destroyedAtomic.Load() {
			return nil
		}

		old := b.currentSequenceAtomic.Load()
		if sequenceID < old {
			return nil
		}

		k := sequenceID - old
		if k > int64(len(b.mu.pages)) {
			return errors.Wrapf(ErrAcknowledgeBeyondQueue,
				"sequenceId %d, currentSequenceId %d, queued %d", sequenceID, old, len(b.mu.pages))
		}

		removed = append(removed, b.mu.pages[:k]...)
		b.mu.pages = b.mu.pages[k:]

		var bytesRemoved int64
		for _, ref := range removed {
			bytesRemoved += int64(ref.RetainedSizeInBytes())
		}

		b.currentSequenceAtomic.Store(old + k)
		newTotal := b.bufferedBytesAtomic.Add(-bytesRemoved)
		if newTotal < 0 {
			return b.poisonLocked(ctx, illegalStatef("bufferedBytes went negative after acknowledge"))
		}
		b.metrics.SetBufferedBytes(b.taskInstanceID, b.bufferIDLabel(), newTotal)
		b.metrics.AddPagesAcknowledged(b.taskInstanceID, b.bufferIDLabel(), int(k))
		return nil
	}()
	if err != nil {
		return err
	}

	b.releaseAll(ctx, removed)
	return nil
}

// poisonLocked is the release-build response to an invariant
// violation: a pendingRead's future must never observe an error (see
// resolveRead and GetPages, which both convert a poisoning error into
// an empty result for any read in flight), so rather than propagate
// the error into one or panic the process, the buffer is marked
// destroyed and drained in place, and the violation is logged. Must
// be called with b.mu held; returns the wrapped error for the caller
// that is still on the synchronous path to propagate.
func (b *ClientBuffer) poisonLocked(ctx context.Context, cause error) error {
	log.Errorf(ctx, "clientbuffer %s/%d: invariant violated, poisoning buffer: %v",
		b.taskInstanceID, b.bufferID, cause)
	b.mu.poisoned = true
	b.mu.noMorePages = true
	b.mu.pages = nil
	b.bufferedBytesAtomic.Store(0)
	b.destroyedAtomic.Store(true)
	return cause
}

// releaseAll dereferences each page exactly once, outside any lock.
func (b *ClientBuffer) releaseAll(ctx context.Context, refs []*PageRef) {
	for _, ref := range refs {
		if err := ref.Release(); err != nil {
			log.Errorf(ctx, "clientbuffer %s/%d: releasing page: %v", b.taskInstanceID, b.bufferID, err)
		}
	}
}

func (b *ClientBuffer) bufferIDLabel() string {
	return strconv.FormatInt(int64(b.bufferID), 10)
}
