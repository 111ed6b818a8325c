// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package log is a small structured-logging shim used by the packages
// in this module. It mirrors the calling convention of a much larger
// logging package (context-first, printf-style formatting, verbosity
// levels on VEventf calls) without the file-sink and severity-rotation machinery that
// belongs in a server binary rather than a library.
package log

import (
	"context"

	"go.uber.org/zap"
)

var base = mustBuildLogger()

func mustBuildLogger() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// SetLogger replaces the process-wide logger, primarily for tests that
// want to assert on emitted log lines or silence output entirely.
func SetLogger(l *zap.SugaredLogger) {
	base = l
}

// Infof logs at info level. ctx is accepted for call-site symmetry with
// the rest of this module's context-threaded operations; it is not yet
// mined for trace or tenant tags.
func Infof(_ context.Context, format string, args ...interface{}) {
	base.Infof(format, args...)
}

// Warningf logs at warn level.
func Warningf(_ context.Context, format string, args ...interface{}) {
	base.Warnf(format, args...)
}

// Errorf logs at error level.
func Errorf(_ context.Context, format string, args ...interface{}) {
	base.Errorf(format, args...)
}

// VEventf logs at info level. level is accepted for call-site symmetry
// and is not consulted: there is no runtime vmodule table in this shim,
// so every VEventf call is logged.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	_ = level
	Infof(ctx, format, args...)
}
