// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package debugid implements the 33-hex-digit "breakpad id" that identifies a
// specific build of a binary, and the conversions into it from each of the
// native per-platform identity schemes (PE CodeView GUID+Age, ELF build-id
// note/UUID, Mach-O UUID).
package debugid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a string is not a 33-hex-digit debug id.
var ErrMalformed = errors.New("debugid: not 33 hex digits")

// ID is a 33-hex-digit build identifier, unique to a build. On Windows it is
// the 32-hex PDB signature followed by a 1-digit PDB age. Elsewhere it is a
// 32-hex UUID/ELF-note id followed by a trailing "0".
type ID struct {
	raw string // always exactly 33 lower-case hex digits
}

// Parse validates and wraps a 33-hex-digit breakpad id string.
func Parse(s string) (ID, error) {
	if len(s) != 33 {
		return ID{}, fmt.Errorf("%w: got %d chars", ErrMalformed, len(s))
	}
	if _, err := hex.DecodeString(s[:32]); err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !isHexDigit(s[32]) {
		return ID{}, fmt.Errorf("%w: age digit %q is not hex", ErrMalformed, s[32])
	}
	return ID{raw: strings.ToLower(s)}, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// String returns the 33-hex-digit canonical form.
func (id ID) String() string { return id.raw }

// IsZero reports whether id is the zero value (not parsed from anything).
func (id ID) IsZero() bool { return id.raw == "" }

// FromPECodeView builds a debug id from a PE CodeView RSDS record: the 16-byte
// GUID (already in Microsoft mixed-endian wire order) plus the PDB age,
// yielding the 32-hex-GUID + one age hex digit form used on Windows. Only
// the age's low 4 bits are kept, so ages above 15 wrap.
//
// The CodeView GUID fields (Data1 little-endian uint32, Data2/Data3
// little-endian uint16, Data4 8 raw bytes) are re-serialized
// big-endian/as-is, which is the digit order debuggers and symbol servers
// print.
func FromPECodeView(data1 uint32, data2, data3 uint16, data4 [8]byte, age uint32) ID {
	var b [16]byte
	b[0], b[1], b[2], b[3] = byte(data1>>24), byte(data1>>16), byte(data1>>8), byte(data1)
	b[4], b[5] = byte(data2>>8), byte(data2)
	b[6], b[7] = byte(data3>>8), byte(data3)
	copy(b[8:], data4[:])
	guidHex := hex.EncodeToString(b[:])
	ageDigit := fmt.Sprintf("%x", age&0xf) // id.raw always carries exactly one age hex digit
	return normalizeTo33(strings.ToLower(guidHex + ageDigit))
}

// FromELFBuildID builds a debug id from the raw bytes of an ELF .note.gnu.build-id
// (or .notes section UUID), zero-padding/truncating to 16 bytes and appending
// the non-Windows trailing "0" digit in place of a PDB age.
func FromELFBuildID(raw []byte) ID {
	return fromUUIDLikeBytes(raw)
}

// FromMachOUUID builds a debug id from a Mach-O LC_UUID 16-byte UUID.
func FromMachOUUID(uuid [16]byte) ID {
	return fromUUIDLikeBytes(uuid[:])
}

func fromUUIDLikeBytes(raw []byte) ID {
	var b [16]byte
	copy(b[:], raw)
	h := strings.ToLower(hex.EncodeToString(b[:])) + "0"
	return normalizeTo33(h)
}

func normalizeTo33(s string) ID {
	s = strings.ToLower(s)
	if len(s) < 33 {
		s = s + strings.Repeat("0", 33-len(s))
	} else if len(s) > 33 {
		s = s[:33]
	}
	return ID{raw: s}
}
