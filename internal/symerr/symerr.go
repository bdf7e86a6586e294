// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symerr defines the stable, typed error kinds used across the
// symbolication pipeline. Every kind exposes a machine-readable Name()
// distinct from its human-readable Error() message, so the request/response
// engine can report module_errors entries like
// {"name": "no-candidate-path", "message": "..."} without re-deriving a
// string from the error text.
package symerr

import (
	"fmt"

	"github.com/natsym/natsym/internal/debugid"
)

// Kind is satisfied by every error type in this package.
type Kind interface {
	error
	Name() string
}

// HelperError wraps a failure surfaced by the host-provided collaborator
// (get_candidate_paths_for_debug_file / _binary / open_file).
type HelperError struct {
	During string // "get-candidate-paths-for-debug-file" | "get-candidate-paths-for-binary" | "open-file"
	Err    error
}

func (e *HelperError) Error() string { return fmt.Sprintf("helper error during %s: %v", e.During, e.Err) }
func (e *HelperError) Unwrap() error { return e.Err }
func (e *HelperError) Name() string  { return "helper-error-during-" + e.During }

// ObjectParseError wraps a malformed-binary failure from a format parser.
type ObjectParseError struct {
	FileKind string
	Err      error
}

func (e *ObjectParseError) Error() string { return fmt.Sprintf("%s parse error: %v", e.FileKind, e.Err) }
func (e *ObjectParseError) Unwrap() error { return e.Err }
func (e *ObjectParseError) Name() string  { return "object-parse-error" }

// InvalidInputError reports a file that isn't in any supported format.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Reason }
func (e *InvalidInputError) Name() string  { return "invalid-input-error" }

// UnmatchedDebugID reports a correctly-formatted candidate whose build
// doesn't match what was requested.
type UnmatchedDebugID struct {
	Found, Requested debugid.ID
}

func (e *UnmatchedDebugID) Error() string {
	return fmt.Sprintf("unmatched debug id: found %s, requested %s", e.Found, e.Requested)
}
func (e *UnmatchedDebugID) Name() string { return "unmatched-debug-id" }

// UnmatchedDebugIDOptional is like UnmatchedDebugID but Requested was not
// known at the call site (e.g. a binary load with only name/code_id given).
type UnmatchedDebugIDOptional struct {
	Found debugid.ID
}

func (e *UnmatchedDebugIDOptional) Error() string {
	return fmt.Sprintf("unmatched debug id: found %s, requested id unknown", e.Found)
}
func (e *UnmatchedDebugIDOptional) Name() string { return "unmatched-debug-id-optional" }

// NoCandidatePathForBinary reports that the host offered no candidate paths,
// or that every offered path was rejected.
type NoCandidatePathForBinary struct {
	BinaryName string
	DebugID    string
}

func (e *NoCandidatePathForBinary) Error() string {
	return fmt.Sprintf("no candidate path for binary (name=%q, debug_id=%q)", e.BinaryName, e.DebugID)
}
func (e *NoCandidatePathForBinary) Name() string { return "no-candidate-path-for-binary" }

// NoMatchingArchInFat reports that no slice of a fat Mach-O archive had the
// requested debug id.
type NoMatchingArchInFat struct {
	Requested debugid.ID
}

func (e *NoMatchingArchInFat) Error() string {
	return fmt.Sprintf("no matching arch in fat archive for debug id %s", e.Requested)
}
func (e *NoMatchingArchInFat) Name() string { return "no-matching-arch-in-fat" }

// NoDisambiguatorForFatArchive reports a fat archive opened without the
// debug id required to pick a slice.
type NoDisambiguatorForFatArchive struct{}

func (e *NoDisambiguatorForFatArchive) Error() string {
	return "fat archive requires a debug id disambiguator"
}
func (e *NoDisambiguatorForFatArchive) Name() string { return "no-disambiguator-for-fat-archive" }

// NotEnoughInformationToIdentifyBinary reports a LoadBinary call missing both
// identification schemes.
type NotEnoughInformationToIdentifyBinary struct{}

func (e *NotEnoughInformationToIdentifyBinary) Error() string {
	return "not enough information to identify binary: need (debug_name & debug_id) or (name & code_id)"
}
func (e *NotEnoughInformationToIdentifyBinary) Name() string {
	return "not-enough-information-to-identify-binary"
}

// NoCandidatePath reports that no candidate was offered at all (used by
// LoadSymbolMap distinct from NoCandidatePathForBinary).
type NoCandidatePath struct{}

func (e *NoCandidatePath) Error() string { return "no candidate path was offered" }
func (e *NoCandidatePath) Name() string  { return "no-candidate-path" }
