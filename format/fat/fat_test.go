// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/symerr"
)

func buildFat32Header(entries [][2]uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], fatMagic32)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(entries)))
	for _, e := range entries {
		entry := make([]byte, 20)
		binary.BigEndian.PutUint32(entry[8:12], e[0])
		binary.BigEndian.PutUint32(entry[12:16], e[1])
		buf = append(buf, entry...)
	}
	return buf
}

func buildFat64Header(entries [][2]uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], fatMagic64)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(entries)))
	for _, e := range entries {
		entry := make([]byte, 32)
		binary.BigEndian.PutUint64(entry[8:16], e[0])
		binary.BigEndian.PutUint64(entry[16:24], e[1])
		buf = append(buf, entry...)
	}
	return buf
}

func TestArchsParsesFat32Header(t *testing.T) {
	data := buildFat32Header([][2]uint32{{0x1000, 0x200}, {0x2000, 0x300}})
	got, err := archs(&filedata.InMemory{Bytes: data})
	require.NoError(t, err)
	require.Equal(t, []arch{{offset: 0x1000, size: 0x200}, {offset: 0x2000, size: 0x300}}, got)
}

func TestArchsParsesFat64Header(t *testing.T) {
	data := buildFat64Header([][2]uint64{{0x100000000, 0x400}})
	got, err := archs(&filedata.InMemory{Bytes: data})
	require.NoError(t, err)
	require.Equal(t, []arch{{offset: 0x100000000, size: 0x400}}, got)
}

func TestArchsRejectsBadMagic(t *testing.T) {
	data := make([]byte, 8)
	_, err := archs(&filedata.InMemory{Bytes: data})
	require.Error(t, err)
	var invalid *symerr.InvalidInputError
	require.ErrorAs(t, err, &invalid)
}

func TestParseRejectsEmptyArchiveSliceList(t *testing.T) {
	data := buildFat32Header(nil)
	_, err := Parse(&filedata.InMemory{Bytes: data}, debugid.ID{})
	require.Error(t, err)
	var objErr *symerr.ObjectParseError
	require.ErrorAs(t, err, &objErr)
}

// TestParseReturnsNoMatchingArchWhenRequestedIDGiven covers the disambiguated
// lookup path: every slice fails to parse as a thin Mach-O (this fixture
// carries no real image data), but a non-zero requested debug id must still
// surface as NoMatchingArchInFat rather than a raw parse error, matching
// symmanager's fat-archive retry contract.
func TestParseReturnsNoMatchingArchWhenRequestedIDGiven(t *testing.T) {
	header := buildFat32Header([][2]uint32{{8, 16}})
	data := append(header, make([]byte, 16)...)

	requested, err := debugid.Parse("000102030405060708090a0b0c0d0e0f0")
	require.NoError(t, err)

	_, err = Parse(&filedata.InMemory{Bytes: data}, requested)
	require.Error(t, err)
	var notFound *symerr.NoMatchingArchInFat
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, requested, notFound.Requested)
}

func TestParseReturnsUnderlyingErrorWhenNoIDRequestedAndAllSlicesFail(t *testing.T) {
	header := buildFat32Header([][2]uint32{{8, 16}})
	data := append(header, make([]byte, 16)...)

	_, err := Parse(&filedata.InMemory{Bytes: data}, debugid.ID{})
	require.Error(t, err)
	var objErr *symerr.ObjectParseError
	require.ErrorAs(t, err, &objErr)
}
