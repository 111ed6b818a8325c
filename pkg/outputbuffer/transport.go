// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package outputbuffer

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/cockroachdb/mpp-clientbuffer/pkg/clientbuffer"
)

func errBufferNotFound(bufferID clientbuffer.BufferID) error {
	return errors.Newf("outputbuffer: buffer %d not found", bufferID)
}

// PageSource is implemented by whatever transport exposes a Manager's
// buffers to a remote client. Method signatures take context.Context
// as the first argument in the style this corpus uses for its grpc
// service methods, even though no listener is wired up here: the
// actual HTTP/RPC server that dispatches into these methods is not
// part of this package.
type PageSource interface {
	// GetPages services a client GET: it returns once data is
	// available (possibly synchronously), end-of-stream is reached,
	// or the request is recognized as stale/out-of-order.
	GetPages(ctx context.Context, bufferID clientbuffer.BufferID, token, maxBytes int64) (clientbuffer.BufferResult, error)

	// Destroy services a client DELETE.
	Destroy(ctx context.Context, bufferID clientbuffer.BufferID) error
}

// managerPageSource adapts a Manager to PageSource by waiting on
// whatever PendingRead GetPages returns.
type managerPageSource struct {
	mgr *Manager
}

// NewPageSource wraps mgr as a PageSource.
func NewPageSource(mgr *Manager) PageSource {
	return &managerPageSource{mgr: mgr}
}

func (s *managerPageSource) GetPages(ctx context.Context, bufferID clientbuffer.BufferID, token, maxBytes int64) (clientbuffer.BufferResult, error) {
	buf := s.mgr.Buffer(bufferID)
	if buf == nil {
		return clientbuffer.BufferResult{}, errBufferNotFound(bufferID)
	}
	pending, err := buf.GetPages(ctx, token, maxBytes)
	if err != nil {
		return clientbuffer.BufferResult{}, err
	}
	select {
	case <-pending.Done():
		return pending.Result(), nil
	case <-ctx.Done():
		return clientbuffer.BufferResult{}, ctx.Err()
	}
}

func (s *managerPageSource) Destroy(ctx context.Context, bufferID clientbuffer.BufferID) error {
	s.mgr.DestroyBuffer(ctx, bufferID)
	return nil
}
