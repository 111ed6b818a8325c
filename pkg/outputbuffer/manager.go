// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package outputbuffer is the minimal enclosing manager for a task's
// set of per-client ClientBuffers: it constructs them, fans a single
// PageRef out to however many buffers need it, and enforces the
// upstream byte budget that individual ClientBuffers do not police
// themselves. The HTTP/RPC surface that would sit in front of this
// manager is out of scope (see transport.go for the interfaces a real
// transport would implement against).
package outputbuffer

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/mpp-clientbuffer/pkg/clientbuffer"
	"github.com/cockroachdb/mpp-clientbuffer/pkg/util/log"
	"github.com/cockroachdb/mpp-clientbuffer/pkg/util/metric"
	"github.com/cockroachdb/mpp-clientbuffer/pkg/util/syncutil"
)

// Config configures a Manager.
type Config struct {
	// MaxBufferedBytes caps the cumulative RetainedSizeInBytes of the
	// pages EnqueueToAll has admitted, each page counted once however
	// many buffers it fans out to. The total is not reduced when
	// buffers acknowledge or destroy pages; only ForceDestroyAll resets
	// it. Zero disables the cap. EnqueueToAll rejects new pages once
	// the budget is exhausted rather than admitting them and blocking
	// the producer (admission control lives here, not in
	// ClientBuffer — see spec Non-goals).
	MaxBufferedBytes int64

	// Metrics, if non-nil, is shared by every ClientBuffer this
	// Manager constructs.
	Metrics *metric.BufferMetrics
}

// ErrBudgetExceeded is returned by EnqueueToAll when admitting the
// page would push the Manager's admitted-byte total past
// Config.MaxBufferedBytes.
var ErrBudgetExceeded = errors.New("outputbuffer: buffered byte budget exceeded")

// Manager owns every ClientBuffer for a single task: it is the
// fan-out caller that gives PageRef sharing across buffers something
// to exercise, and the one place admission control against the
// shared byte budget happens.
type Manager struct {
	taskInstanceID string
	cfg            Config

	mu struct {
		syncutil.Mutex
		buffers    map[clientbuffer.BufferID]*clientbuffer.ClientBuffer
		totalBytes int64
	}

	closed atomic.Bool
}

// NewManager constructs an empty Manager for one task.
func NewManager(taskInstanceID string, cfg Config) *Manager {
	m := &Manager{taskInstanceID: taskInstanceID, cfg: cfg}
	m.mu.buffers = make(map[clientbuffer.BufferID]*clientbuffer.ClientBuffer)
	return m
}

// AddBuffer constructs and registers a new ClientBuffer for bufferID.
// preferLocal is forwarded verbatim (see ClientBuffer.SetPreferLocal);
// it has no effect on this Manager's own behavior.
func (m *Manager) AddBuffer(bufferID clientbuffer.BufferID, preferLocal bool) *clientbuffer.ClientBuffer {
	buf := clientbuffer.New(m.taskInstanceID, bufferID, m.cfg.Metrics)
	buf.SetPreferLocal(preferLocal)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.buffers[bufferID] = buf
	return buf
}

// Buffer returns the ClientBuffer for bufferID, or nil if it does not
// exist (already destroyed and dropped, or never added).
func (m *Manager) Buffer(bufferID clientbuffer.BufferID) *clientbuffer.ClientBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.buffers[bufferID]
}

// EnqueueToAll is the fan-out entry point: it takes one freshly
// produced page, wraps it in a PageRef holding the producer's single
// reference, hands it to each registered buffer (each takes a
// reference of its own), and then releases the producer's reference.
// This mirrors the teacher's RowReceiver fan-out in
// sql/distsql/outbox.go and the vectorized router in
// pkg/sql/colflow, both of which multiplex a single upstream batch to
// several downstream consumers.
//
// The byte budget is enforced here, once, across all buffers — not
// per buffer — since admission control is this Manager's job, not
// ClientBuffer's.
func (m *Manager) EnqueueToAll(ctx context.Context, page clientbuffer.SerializedPage, onRelease clientbuffer.ReleaseFunc) error {
	m.mu.Lock()
	buffers := make([]*clientbuffer.ClientBuffer, 0, len(m.mu.buffers))
	for _, buf := range m.mu.buffers {
		buffers = append(buffers, buf)
	}
	if len(buffers) == 0 {
		m.mu.Unlock()
		return nil
	}

	projected := m.mu.totalBytes + int64(page.RetainedSizeInBytes)
	if m.cfg.MaxBufferedBytes > 0 && projected > m.cfg.MaxBufferedBytes {
		m.mu.Unlock()
		return errors.Wrapf(ErrBudgetExceeded, "projected %d bytes exceeds budget %d", projected, m.cfg.MaxBufferedBytes)
	}
	m.mu.totalBytes = projected
	m.mu.Unlock()

	// The ref starts with a single reference: the producer's own
	// handle. Each ClientBuffer.EnqueuePages call below takes its own
	// reference via AddReference before accepting the page, so after
	// fan-out to N buffers the count is 1+N; the producer then
	// releases its own handle, leaving exactly one reference per
	// buffer.
	ref, err := clientbuffer.NewPageRef(page, 1, onRelease)
	if err != nil {
		return err
	}

	for _, buf := range buffers {
		if err := buf.EnqueuePages(ctx, []*clientbuffer.PageRef{ref}); err != nil {
			log.Errorf(ctx, "outputbuffer: enqueue to buffer %v failed: %v", buf.Info().BufferID, err)
			_ = ref.Release()
			return err
		}
	}
	return ref.Release()
}

// SetNoMorePages forwards to every registered buffer.
func (m *Manager) SetNoMorePages(ctx context.Context) {
	m.mu.Lock()
	buffers := make([]*clientbuffer.ClientBuffer, 0, len(m.mu.buffers))
	for _, buf := range m.mu.buffers {
		buffers = append(buffers, buf)
	}
	m.mu.Unlock()

	for _, buf := range buffers {
		buf.SetNoMorePages(ctx)
	}
}

// DestroyBuffer destroys and drops a single buffer (client DELETE).
func (m *Manager) DestroyBuffer(ctx context.Context, bufferID clientbuffer.BufferID) {
	buf := m.Buffer(bufferID)
	if buf == nil {
		return
	}
	buf.Destroy(ctx)
	m.mu.Lock()
	delete(m.mu.buffers, bufferID)
	m.mu.Unlock()
}

// ForceDestroyAll reclaims every buffer this manager owns, e.g. on
// task failure or memory pressure.
func (m *Manager) ForceDestroyAll(ctx context.Context) {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	buffers := make([]*clientbuffer.ClientBuffer, 0, len(m.mu.buffers))
	for _, buf := range m.mu.buffers {
		buffers = append(buffers, buf)
	}
	m.mu.buffers = make(map[clientbuffer.BufferID]*clientbuffer.ClientBuffer)
	m.mu.totalBytes = 0
	m.mu.Unlock()

	for _, buf := range buffers {
		buf.ForceDestroy(ctx)
	}
}
