// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugid

import "testing"

func TestParseRoundTrip(t *testing.T) {
	const s = "aabbccdd00112233445566778899aabb0"
	id, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	if id.String() != s {
		t.Fatalf("String() = %q, want %q", id.String(), s)
	}
	if id.IsZero() {
		t.Fatalf("a parsed id should not be zero")
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	if _, err := Parse("deadbeef"); err == nil {
		t.Fatalf("expected an error for a too-short id")
	}
}

func TestParseRejectsNonHex(t *testing.T) {
	if _, err := Parse("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"); err == nil {
		t.Fatalf("expected an error for non-hex characters")
	}
}

func TestZeroValueIsZero(t *testing.T) {
	var id ID
	if !id.IsZero() {
		t.Fatalf("zero-value ID should report IsZero")
	}
}

func TestFromMachOUUID(t *testing.T) {
	var uuid [16]byte
	for i := range uuid {
		uuid[i] = byte(i)
	}
	id := FromMachOUUID(uuid)
	if id.IsZero() {
		t.Fatalf("FromMachOUUID should produce a non-zero id")
	}
	if got, want := id.String(), "000102030405060708090a0b0c0d0e0f0"; got != want {
		t.Fatalf("FromMachOUUID id = %q, want %q", got, want)
	}
}

func TestFromELFBuildIDPadsShortIDs(t *testing.T) {
	id := FromELFBuildID([]byte{0xde, 0xad, 0xbe, 0xef})
	if len(id.String()) != 33 {
		t.Fatalf("expected a 33-char id, got %q (%d chars)", id.String(), len(id.String()))
	}
}

func TestFromPECodeView(t *testing.T) {
	id := FromPECodeView(0x12345678, 0x9abc, 0xdef0, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, 1)
	if len(id.String()) != 33 {
		t.Fatalf("expected a 33-char id, got %q", id.String())
	}
}
