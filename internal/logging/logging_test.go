// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHelperWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	z := zerolog.New(&buf)
	h := NewHelper(z)

	h.Debugf("loaded %d symbols", 42)
	h.Warnf("candidate path %q rejected", "/tmp/x")
	h.Errorf("parse failed: %v", "truncated")

	out := buf.String()
	require.Contains(t, out, "loaded 42 symbols")
	require.Contains(t, out, `candidate path \"/tmp/x\" rejected`) // quotes are JSON-escaped in the message field
	require.Contains(t, out, "parse failed: truncated")
}

func TestNewStdHelperDefaultsToStderr(t *testing.T) {
	h := NewStdHelper(nil)
	require.NotNil(t, h)
}

func TestOrNopReturnsGivenLoggerWhenNonNil(t *testing.T) {
	var buf bytes.Buffer
	h := NewHelper(zerolog.New(&buf))
	require.Same(t, h, OrNop(h).(*Helper))
}

func TestOrNopReturnsNopLoggerWhenNil(t *testing.T) {
	l := OrNop(nil)
	require.NotNil(t, l)
	// Must not panic despite discarding everything.
	l.Debugf("x")
	l.Warnf("y")
	l.Errorf("z")
}
