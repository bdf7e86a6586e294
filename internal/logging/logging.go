// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging is the structured-logging wrapper every package in this
// module takes an optional Logger through, backed by zerolog.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow interface the rest of this module depends on, so
// call sites never import zerolog directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Helper adapts a zerolog.Logger to the Logger interface above.
type Helper struct {
	z zerolog.Logger
}

// NewHelper wraps an existing zerolog.Logger.
func NewHelper(z zerolog.Logger) *Helper { return &Helper{z: z} }

// NewStdHelper creates a Helper writing to w (os.Stderr if w is nil). It sets
// no level of its own, so Debug messages are written unless zerolog's global
// level filters them.
func NewStdHelper(w io.Writer) *Helper {
	if w == nil {
		w = os.Stderr
	}
	return &Helper{z: zerolog.New(w).With().Timestamp().Logger()}
}

func (h *Helper) Debugf(format string, args ...interface{}) { h.z.Debug().Msgf(format, args...) }
func (h *Helper) Warnf(format string, args ...interface{})  { h.z.Warn().Msgf(format, args...) }
func (h *Helper) Errorf(format string, args ...interface{}) { h.z.Error().Msgf(format, args...) }

// nopLogger discards everything; used whenever a caller passes a nil Logger.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// OrNop returns l, or a no-op Logger if l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
