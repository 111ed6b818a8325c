// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package clientbuffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestRef(t *testing.T, sizeBytes uint64, positionCount uint32) (*PageRef, *int) {
	t.Helper()
	released := new(int)
	ref, err := NewPageRef(SerializedPage{
		RetainedSizeInBytes: sizeBytes,
		PositionCount:       positionCount,
	}, 1, func() { *released++ })
	require.NoError(t, err)
	return ref, released
}

func awaitResult(t *testing.T, pr *PendingRead, timeout time.Duration) BufferResult {
	t.Helper()
	select {
	case <-pr.Done():
		return pr.Result()
	case <-time.After(timeout):
		t.Fatal("pending read did not resolve in time")
		return BufferResult{}
	}
}

// Scenario 1: basic stream.
func TestClientBuffer_BasicStream(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)

	p0, r0 := newTestRef(t, 100, 10)
	p1, r1 := newTestRef(t, 200, 5)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p0, p1}))
	// EnqueuePages took the buffer's own reference; drop the producer's
	// handle so the buffer holds the last one.
	require.NoError(t, p0.Release())
	require.NoError(t, p1.Release())

	pr, err := buf.GetPages(ctx, 0, 1024)
	require.NoError(t, err)
	res := awaitResult(t, pr, time.Second)
	require.Equal(t, int64(0), res.StartToken)
	require.Equal(t, int64(2), res.NextToken)
	require.False(t, res.Finished)
	require.Len(t, res.Pages, 2)

	pending, err := buf.GetPages(ctx, 2, 1024)
	require.NoError(t, err)
	select {
	case <-pending.Done():
		t.Fatal("expected read to still be pending")
	default:
	}

	buf.SetNoMorePages(ctx)
	final := awaitResult(t, pending, time.Second)
	require.Equal(t, int64(2), final.StartToken)
	require.Equal(t, int64(2), final.NextToken)
	require.True(t, final.Finished)

	buf.Destroy(ctx)
	require.Equal(t, 1, *r0)
	require.Equal(t, 1, *r1)
	require.True(t, buf.IsDestroyed())
}

// Scenario 2: retry.
func TestClientBuffer_RetrySameReadReturnsSameData(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)

	p0, _ := newTestRef(t, 100, 1)
	p1, _ := newTestRef(t, 200, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p0, p1}))

	pr1, err := buf.GetPages(ctx, 0, 1024)
	require.NoError(t, err)
	res1 := awaitResult(t, pr1, time.Second)
	require.Equal(t, int64(2), res1.NextToken)

	// Client lost the response, retries the same read.
	pr2, err := buf.GetPages(ctx, 0, 1024)
	require.NoError(t, err)
	res2 := awaitResult(t, pr2, time.Second)
	require.Equal(t, res1.StartToken, res2.StartToken)
	require.Equal(t, res1.NextToken, res2.NextToken)
	require.Len(t, res2.Pages, 2)

	pending, err := buf.GetPages(ctx, 2, 1024)
	require.NoError(t, err)

	p2, _ := newTestRef(t, 50, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p2}))

	res3 := awaitResult(t, pending, time.Second)
	require.Equal(t, int64(2), res3.StartToken)
	require.Equal(t, int64(3), res3.NextToken)
	require.Len(t, res3.Pages, 1)
}

// Scenario 3: byte cap.
func TestClientBuffer_ByteCapTruncates(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)

	p0, _ := newTestRef(t, 600, 1)
	p1, _ := newTestRef(t, 600, 1)
	p2, _ := newTestRef(t, 600, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p0, p1, p2}))

	pr, err := buf.GetPages(ctx, 0, 1000)
	require.NoError(t, err)
	res := awaitResult(t, pr, time.Second)
	require.Equal(t, int64(1), res.NextToken)
	require.Len(t, res.Pages, 1)

	pr2, err := buf.GetPages(ctx, 1, 1000)
	require.NoError(t, err)
	res2 := awaitResult(t, pr2, time.Second)
	require.Equal(t, int64(1), res2.StartToken)
	require.Equal(t, int64(2), res2.NextToken)
	require.Len(t, res2.Pages, 1)
}

// Scenario 4: oversize single page always delivers at least one page.
func TestClientBuffer_OversizePageAlwaysIncludesOne(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)

	p0, _ := newTestRef(t, 10_000, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p0}))

	pr, err := buf.GetPages(ctx, 0, 1024)
	require.NoError(t, err)
	res := awaitResult(t, pr, time.Second)
	require.Len(t, res.Pages, 1)
	require.Equal(t, int64(1), res.NextToken)
}

// Scenario 5: force destroy mid-stream.
func TestClientBuffer_ForceDestroyMidStream(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)

	p0, r0 := newTestRef(t, 100, 1)
	p1, r1 := newTestRef(t, 100, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p0, p1}))
	// Drop the producer's handles; the buffer holds its own reference.
	require.NoError(t, p0.Release())
	require.NoError(t, p1.Release())

	pr, err := buf.GetPages(ctx, 0, 1024)
	require.NoError(t, err)
	awaitResult(t, pr, time.Second)

	// Client acknowledges through 1 (drops p0 only).
	pr2, err := buf.GetPages(ctx, 1, 1024)
	require.NoError(t, err)
	awaitResult(t, pr2, time.Second)
	require.Equal(t, 1, *r0)
	require.Equal(t, 0, *r1)

	buf.ForceDestroy(ctx)
	require.Equal(t, 1, *r1)

	p2, r2 := newTestRef(t, 50, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p2}))
	require.Equal(t, 0, *r2, "dropped refs must not be referenced or released")

	info := buf.Info()
	require.True(t, info.Destroyed)
	require.Equal(t, int64(0), info.PageBufferInfo.BufferedBytes)
}

// Scenario 6: stale acknowledge / stale read is a no-op.
func TestClientBuffer_StaleReadIsNoop(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)

	pages := make([]*PageRef, 5)
	for i := range pages {
		pages[i], _ = newTestRef(t, 10, 1)
	}
	require.NoError(t, buf.EnqueuePages(ctx, pages))

	pr, err := buf.GetPages(ctx, 0, 1024)
	require.NoError(t, err)
	res := awaitResult(t, pr, time.Second)
	require.Equal(t, int64(5), res.NextToken)

	// Acknowledge through 5.
	pr2, err := buf.GetPages(ctx, 5, 1024)
	require.NoError(t, err)

	buf.SetNoMorePages(ctx)
	res2 := awaitResult(t, pr2, time.Second)
	require.True(t, res2.Finished)

	stale, err := buf.GetPages(ctx, 3, 1024)
	require.NoError(t, err)
	res3 := awaitResult(t, stale, time.Second)
	require.Equal(t, int64(3), res3.NextToken)
	require.False(t, res3.Finished)
	require.Empty(t, res3.Pages)
}

func TestClientBuffer_GetPages_NegativeSequenceID(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)
	_, err := buf.GetPages(ctx, -1, 1024)
	require.Error(t, err)
}

func TestClientBuffer_EnqueueEmptyListIsNoop(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)
	require.NoError(t, buf.EnqueuePages(ctx, nil))
	require.Equal(t, int64(0), buf.Info().PageBufferInfo.BufferedBytes)
}

func TestClientBuffer_MaxBytesZeroReturnsExactlyOnePage(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)
	p0, _ := newTestRef(t, 1, 1)
	p1, _ := newTestRef(t, 1, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p0, p1}))

	pr, err := buf.GetPages(ctx, 0, 0)
	require.NoError(t, err)
	res := awaitResult(t, pr, time.Second)
	require.Len(t, res.Pages, 1)
}

func TestClientBuffer_GetPagesOnFreshlyDestroyedBufferIsFinished(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)
	buf.Destroy(ctx)

	pr, err := buf.GetPages(ctx, 0, 1024)
	require.NoError(t, err)
	res := awaitResult(t, pr, time.Second)
	require.True(t, res.Finished)
}

// An acknowledgement exactly equal to the queue length while
// noMorePages is set drains the queue; the next read observes
// finished=true.
func TestClientBuffer_DrainOnFinalAck(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)

	p0, _ := newTestRef(t, 10, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p0}))
	buf.SetNoMorePages(ctx)

	pr, err := buf.GetPages(ctx, 1, 1024)
	require.NoError(t, err)
	res := awaitResult(t, pr, time.Second)
	require.True(t, res.Finished)
	require.Equal(t, int64(1), res.NextToken)
}

func TestClientBuffer_DestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)
	p0, r0 := newTestRef(t, 10, 1)
	require.NoError(t, buf.EnqueuePages(ctx, []*PageRef{p0}))
	// Drop the producer's handle; the buffer holds its own reference.
	require.NoError(t, p0.Release())

	buf.Destroy(ctx)
	require.Equal(t, 1, *r0)
	buf.Destroy(ctx)
	require.Equal(t, 1, *r0, "second destroy must not double-release")
}

func TestClientBuffer_SetNoMorePagesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)
	buf.SetNoMorePages(ctx)
	buf.SetNoMorePages(ctx)

	pr, err := buf.GetPages(ctx, 0, 1024)
	require.NoError(t, err)
	res := awaitResult(t, pr, time.Second)
	require.True(t, res.Finished)
}

func TestClientBuffer_ConcurrentEnqueueAndRead(t *testing.T) {
	ctx := context.Background()
	buf := New("task-1", 0, nil)

	const numPages = 200
	var g errgroup.Group
	for i := 0; i < numPages; i++ {
		g.Go(func() error {
			ref, _ := newTestRef(t, 1, 1)
			return buf.EnqueuePages(ctx, []*PageRef{ref})
		})
	}
	require.NoError(t, g.Wait())
	buf.SetNoMorePages(ctx)

	var mu sync.Mutex
	total := 0
	token := int64(0)
	for {
		pr, err := buf.GetPages(ctx, token, 1024)
		require.NoError(t, err)
		res := awaitResult(t, pr, time.Second)
		mu.Lock()
		total += len(res.Pages)
		mu.Unlock()
		if res.Finished {
			break
		}
		token = res.NextToken
	}
	require.Equal(t, numPages, total)
}
