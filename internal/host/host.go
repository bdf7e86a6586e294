// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package host defines the boundary the symbolication core calls out through
// for all file-system and network access: a pluggable helper that resolves
// candidate paths for a binary or debug file, and opens them. File system and
// network access themselves are always the caller's responsibility; this
// package never touches a disk or socket.
package host

import (
	"context"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/filedata"
)

// FileLocation names where a file can be found: either a local filesystem
// path, or a host-opaque token (e.g. a symbol-server download URL) that only
// the host's OpenFile knows how to resolve.
type FileLocation struct {
	// Exactly one of Path or Custom is set.
	Path   string
	Custom string
}

// IsPath reports whether this location names a local path.
func (l FileLocation) IsPath() bool { return l.Path != "" }

// String returns a human-readable form, used in log messages and errors.
func (l FileLocation) String() string {
	if l.IsPath() {
		return l.Path
	}
	return l.Custom
}

// BasePath is the directory relative source paths inside debug info are
// resolved against. A Custom FileLocation has no local base path, since the
// file it names isn't necessarily anywhere near the local filesystem.
type BasePath struct {
	Dir             string
	CanReferToLocal bool
}

// ToBasePath derives the BasePath a FileLocation implies.
func (l FileLocation) ToBasePath() BasePath {
	if !l.IsPath() {
		return BasePath{CanReferToLocal: false}
	}
	dir := l.Path
	if i := lastSlash(dir); i >= 0 {
		dir = dir[:i]
	}
	return BasePath{Dir: dir, CanReferToLocal: true}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' || s[i] == '\\' {
			return i
		}
	}
	return -1
}

// CandidatePath is one place the manager should try in order to find a
// symbol-bearing artifact: either a single file, or a member of a dyld
// shared cache.
type CandidatePath struct {
	SingleFile *FileLocation

	InDyldCache      bool
	DyldCachePath    FileLocation
	DylibInsideCache string
}

// FileAndPathHelper is the host collaborator the symbol manager calls into.
// Implementations typically consult on-disk search roots, environment
// variables or a remote symbol server; see cmd/natsym for a concrete one.
type FileAndPathHelper interface {
	// GetCandidatePathsForDebugFile returns, in preference order, the places
	// a symbol-bearing artifact for (debugName, debugID) might be found.
	GetCandidatePathsForDebugFile(debugName string, debugID debugid.ID) ([]CandidatePath, error)

	// GetCandidatePathsForBinary is like GetCandidatePathsForDebugFile but
	// for binary-image-level queries; any of debugName+debugID or
	// name+codeID may be absent (but not both pairs).
	GetCandidatePathsForBinary(debugName string, debugID debugid.ID, name string, codeID string) ([]CandidatePath, error)

	// OpenFile opens the artifact at loc and returns a zero-copy view over
	// its bytes. It is the system's only I/O suspension point.
	OpenFile(ctx context.Context, loc FileLocation) (filedata.FileContents, error)
}
