// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdb

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/symmap"
)

const pdbPageSize = 512

// pageAllocator lays out a minimal MSF file one page at a time, mirroring
// how openMSF expects streams to be stored: fixed-size pages, a stream
// directory describing each stream's page list, and a root page-list array
// on the page the superblock's BlockMapAddr names.
type pageAllocator struct {
	pages [][]byte
}

func (a *pageAllocator) alloc() int {
	a.pages = append(a.pages, make([]byte, pdbPageSize))
	return len(a.pages) - 1
}

// writeStream pages out data, returning the page numbers it occupies (nil
// for an empty stream, matching numPages(0, _) == 0).
func (a *pageAllocator) writeStream(data []byte) []uint32 {
	var pages []uint32
	for off := 0; off < len(data); off += pdbPageSize {
		end := off + pdbPageSize
		if end > len(data) {
			end = len(data)
		}
		pn := a.alloc()
		copy(a.pages[pn], data[off:end])
		pages = append(pages, uint32(pn))
	}
	return pages
}

// buildMinimalPDB assembles an MSF/PDB file with six streams (unused,
// PDB-info, unused, DBI, one module's private symbol stream, and the
// section-headers copy the DBI optional debug header points at) containing
// one S_PUB32 and one S_GPROC32 record, enough to exercise Parse's whole
// page-indirected read path (superblock -> BlockMapAddr page -> directory
// pages -> stream pages) plus segment:offset rebasing without a real linked
// PDB.
func buildMinimalPDB(t *testing.T) []byte {
	t.Helper()
	a := &pageAllocator{}
	a.alloc() // page 0 reserved for the superblock

	pdbInfo := buildPDBInfoStream(7, 0xaabbccdd, 0x1122, 0x3344, [8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	modSyms := buildModuleSymStream(t)
	sectionHdrs := buildSectionHeadersStream(0x1000)
	dbiStream := buildDBIStream(t, uint16(4), uint16(5)) // stream indices assigned below

	streams := [][]byte{nil, pdbInfo, nil, dbiStream, modSyms, sectionHdrs}
	pagesPerStream := make([][]uint32, len(streams))
	for i, s := range streams {
		pagesPerStream[i] = a.writeStream(s)
	}

	var dir []byte
	dir = binary.LittleEndian.AppendUint32(dir, uint32(len(streams)))
	for _, s := range streams {
		dir = binary.LittleEndian.AppendUint32(dir, uint32(len(s)))
	}
	for _, pages := range pagesPerStream {
		for _, pn := range pages {
			dir = binary.LittleEndian.AppendUint32(dir, pn)
		}
	}
	dirPages := a.writeStream(dir)

	var root []byte
	for _, pn := range dirPages {
		root = binary.LittleEndian.AppendUint32(root, pn)
	}
	rootPages := a.writeStream(root)
	require.Len(t, rootPages, 1)

	sb := superblock{
		Magic:         msfMagic,
		PageSize:      pdbPageSize,
		PageCount:     uint32(len(a.pages)),
		DirectorySize: uint32(len(dir)),
		BlockMapAddr:  rootPages[0],
	}
	var sbBuf bytes.Buffer
	require.NoError(t, binary.Write(&sbBuf, binary.LittleEndian, sb))
	require.LessOrEqual(t, sbBuf.Len(), pdbPageSize)

	page0 := make([]byte, pdbPageSize)
	copy(page0, sbBuf.Bytes())
	a.pages[0] = page0

	var out []byte
	for _, p := range a.pages {
		out = append(out, p...)
	}
	return out
}

func buildPDBInfoStream(age, data1 uint32, data2, data3 uint16, data4 [8]byte) []byte {
	// Version(4) Signature(4) Age(4) GUID(16): data1 LE uint32, data2 LE
	// uint16, data3 LE uint16, data4 8 raw bytes.
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint32(buf[8:12], age)
	binary.LittleEndian.PutUint32(buf[12:16], data1)
	binary.LittleEndian.PutUint16(buf[16:18], data2)
	binary.LittleEndian.PutUint16(buf[18:20], data3)
	copy(buf[20:28], data4[:])
	return buf
}

func buildModuleSymStream(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // module-stream signature

	// S_PUB32: Flags(4) Offset(4) Segment(2) name\0
	pub := make([]byte, 0, 17)
	pub = append(pub, 0, 0, 0, 0) // Flags
	off := make([]byte, 4)
	binary.LittleEndian.PutUint32(off, 0x2000)
	pub = append(pub, off...)
	seg := make([]byte, 2)
	binary.LittleEndian.PutUint16(seg, 1)
	pub = append(pub, seg...)
	pub = append(pub, []byte("pubsym\x00")...)
	writeSymRecord(&buf, symPUB32, pub)

	// S_GPROC32: 28 bytes of Parent/End/Next/Len/DbgStart/DbgEnd/TypeIndex,
	// Offset(4)@28, Segment(2)@32, Flags(1)@34, name\0 starting at 35.
	proc := make([]byte, 35)
	binary.LittleEndian.PutUint32(proc[28:32], 0x1000)
	binary.LittleEndian.PutUint16(proc[32:34], 1)
	proc = append(proc, []byte("mainfn\x00")...)
	writeSymRecord(&buf, symGPROC32, proc)

	return buf.Bytes()
}

func writeSymRecord(buf *bytes.Buffer, recType uint16, data []byte) {
	length := uint16(2 + len(data)) // Type(2) + data
	binary.Write(buf, binary.LittleEndian, length)
	binary.Write(buf, binary.LittleEndian, recType)
	buf.Write(data)
}

// buildSectionHeadersStream emits one 40-byte IMAGE_SECTION_HEADER whose
// VirtualAddress (offset 12) is textRVA, standing in for the image's .text
// section as segment 1.
func buildSectionHeadersStream(textRVA uint32) []byte {
	sh := make([]byte, 40)
	copy(sh[:8], ".text")
	binary.LittleEndian.PutUint32(sh[12:16], textRVA)
	return sh
}

func buildDBIStream(t *testing.T, modSymStream, sectionHdrStream uint16) []byte {
	t.Helper()
	modName := "mod1.obj\x00"
	objName := "mod1.obj\x00"
	modRecPrefix := make([]byte, 64) // Unused1(4) + SECTION_CONTRIB(44) + Flags(2) + ModuleSymStream(2) + 3*4
	binary.LittleEndian.PutUint16(modRecPrefix[50:52], modSymStream)
	modRec := append(modRecPrefix, []byte(modName)...)
	modRec = append(modRec, []byte(objName)...)
	for len(modRec)%4 != 0 {
		modRec = append(modRec, 0)
	}

	// Optional debug header: 11 stream-index slots, all absent except slot
	// 5, the section-headers copy.
	dbgHdr := make([]byte, 22)
	for i := 0; i < 11; i++ {
		binary.LittleEndian.PutUint16(dbgHdr[i*2:i*2+2], 0xffff)
	}
	binary.LittleEndian.PutUint16(dbgHdr[5*2:5*2+2], sectionHdrStream)

	dbi := dbiHeader{
		SymRecordStream:       0xffff, // force module-level resolution, not the global fallback
		ModInfoSize:           uint32(len(modRec)),
		OptionalDbgHeaderSize: int32(len(dbgHdr)),
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, dbi))
	buf.Write(modRec)
	buf.Write(dbgHdr)
	return buf.Bytes()
}

func TestParseMinimalPDB(t *testing.T) {
	data := buildMinimalPDB(t)
	res, err := Parse(&filedata.InMemory{Bytes: data})
	require.NoError(t, err)
	require.False(t, res.DebugID.IsZero())
	require.Equal(t, 2, res.SymbolMap.SymbolCount())

	// Record offsets are segment-relative; the image-relative addresses are
	// .text's RVA (0x1000) plus each record's offset.
	pub, ok := res.SymbolMap.Lookup(0x3000)
	require.True(t, ok)
	require.Equal(t, "pubsym", res.SymbolMap.ResolveString(pub.Symbol.Name))
	require.Equal(t, symmap.FramesUnavailable, pub.Frames.Kind)

	proc, ok := res.SymbolMap.Lookup(0x2000)
	require.True(t, ok)
	require.Equal(t, "mainfn", res.SymbolMap.ResolveString(proc.Symbol.Name))
	require.Equal(t, uint32(0x2000), proc.Symbol.Address)
}

func TestParseRejectsBadMagic(t *testing.T) {
	_, err := Parse(&filedata.InMemory{Bytes: make([]byte, 128)})
	require.Error(t, err)
}
