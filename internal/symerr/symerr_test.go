// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natsym/natsym/internal/debugid"
)

func TestKindNamesAreStableAndDistinct(t *testing.T) {
	kinds := []Kind{
		&HelperError{During: "open-file", Err: errors.New("boom")},
		&ObjectParseError{FileKind: "elf", Err: errors.New("bad")},
		&InvalidInputError{Reason: "not a known format"},
		&UnmatchedDebugID{Found: debugid.ID{}, Requested: debugid.ID{}},
		&UnmatchedDebugIDOptional{Found: debugid.ID{}},
		&NoCandidatePathForBinary{BinaryName: "libc.so", DebugID: "abc"},
		&NoMatchingArchInFat{Requested: debugid.ID{}},
		&NoDisambiguatorForFatArchive{},
		&NotEnoughInformationToIdentifyBinary{},
		&NoCandidatePath{},
	}

	seen := make(map[string]bool)
	for _, k := range kinds {
		name := k.Name()
		require.NotEmpty(t, name)
		require.False(t, seen[name], "duplicate Name(): %s", name)
		seen[name] = true
		require.NotEmpty(t, k.Error())
	}
}

func TestHelperErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := &HelperError{During: "get-candidate-paths-for-binary", Err: inner}
	require.Equal(t, "helper-error-during-get-candidate-paths-for-binary", e.Name())
	require.ErrorIs(t, e, inner)
}

func TestObjectParseErrorUnwrap(t *testing.T) {
	inner := errors.New("truncated section table")
	e := &ObjectParseError{FileKind: "pe", Err: inner}
	require.Equal(t, "object-parse-error", e.Name())
	require.ErrorIs(t, e, inner)
	require.Contains(t, e.Error(), "pe")
}
