// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pdb reads just enough of the Microsoft MSF/PDB container to
// symbolicate: the superblock and stream directory, the DBI stream's module
// list, and each module's symbol substream (S_PUB32, S_GPROC32), falling
// back to the global symbol stream's public symbols when a module-level
// walk finds nothing. Only the record shapes needed to produce
// address-and-name pairs are decoded; the TPI/IPI type streams are never
// touched.
package pdb

import (
	"bytes"
	"encoding/binary"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/demangle"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/interner"
	"github.com/natsym/natsym/internal/symerr"
	"github.com/natsym/natsym/internal/symmap"
)

var msfMagic = [32]byte{
	'M', 'i', 'c', 'r', 'o', 's', 'o', 'f', 't', ' ', 'C', '/', 'C', '+', '+', ' ',
	'M', 'S', 'F', ' ', '7', '.', '0', '0', '\r', '\n', 0x1a, 'D', 'S', 0, 0, 0,
}

const (
	streamPDBInfo = 1
	streamDBI     = 3

	symPUB32    = 0x110e
	symGPROC32  = 0x1110
	symLPROC32  = 0x1112
	symPROCREF  = 0x1125
	symLPROCREF = 0x1127
)

// ParseResult is what symmanager needs out of a standalone .pdb file.
type ParseResult struct {
	DebugID   debugid.ID
	SymbolMap *symmap.SymbolMap
}

// superblock is the fixed 56-byte MSF file header.
type superblock struct {
	Magic              [32]byte
	PageSize           uint32
	FreePageMapPageNum uint32
	PageCount          uint32
	DirectorySize      uint32
	Unknown            uint32
	BlockMapAddr       uint32 // page holding the directory's own page list
}

// msf is a page-indirected reader over one PDB's stream directory.
type msf struct {
	fc         filedata.FileContents
	pageSize   uint32
	streamSize []uint32
	streamPgs  [][]uint32
}

func readSuperblock(fc filedata.FileContents) (superblock, error) {
	var sb superblock
	raw, err := fc.ReadBytesAt(0, uint64(binary.Size(sb)))
	if err != nil {
		return sb, err
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sb); err != nil {
		return sb, err
	}
	if sb.Magic != msfMagic {
		return sb, &symerr.InvalidInputError{Reason: "missing MSF superblock signature"}
	}
	return sb, nil
}

func (m *msf) page(n uint32) ([]byte, error) {
	return m.fc.ReadBytesAt(uint64(n)*uint64(m.pageSize), uint64(m.pageSize))
}

func (m *msf) u32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }

// readPages concatenates a stream's pages, following the MSF's
// page-number-array-of-page-numbers indirection for directories larger than
// one page (the root directory is itself described by such an array).
func (m *msf) readPages(pageNums []uint32, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	for _, pn := range pageNums {
		p, err := m.page(pn)
		if err != nil {
			return nil, err
		}
		out = append(out, p...)
	}
	if uint32(len(out)) > size {
		out = out[:size]
	}
	return out, nil
}

func numPages(size, pageSize uint32) uint32 {
	if size == 0 {
		return 0
	}
	return (size + pageSize - 1) / pageSize
}

// openMSF parses the superblock and stream directory, producing the page
// list for every stream so (*msf).stream can read any of them.
func openMSF(fc filedata.FileContents) (*msf, error) {
	sb, err := readSuperblock(fc)
	if err != nil {
		return nil, err
	}
	m := &msf{fc: fc, pageSize: sb.PageSize}

	dirPages := numPages(sb.DirectorySize, sb.PageSize)
	// The stream directory's own page list lives in the page BlockMapAddr
	// names; it's a flat array of page numbers, one uint32 per page the
	// directory occupies.
	rootPageListBlock, err := fc.ReadBytesAt(uint64(sb.BlockMapAddr)*uint64(sb.PageSize), uint64(dirPages)*4)
	if err != nil {
		return nil, err
	}
	rootPages := make([]uint32, dirPages)
	for i := range rootPages {
		rootPages[i] = m.u32(rootPageListBlock, i*4)
	}

	dir, err := m.readPages(rootPages, sb.DirectorySize)
	if err != nil {
		return nil, err
	}

	numStreams := m.u32(dir, 0)
	pos := 4
	sizes := make([]uint32, numStreams)
	for i := range sizes {
		sizes[i] = m.u32(dir, pos)
		pos += 4
	}
	pgs := make([][]uint32, numStreams)
	for i, size := range sizes {
		n := numPages(size, sb.PageSize)
		pgs[i] = make([]uint32, n)
		for j := range pgs[i] {
			pgs[i][j] = m.u32(dir, pos)
			pos += 4
		}
	}
	m.streamSize = sizes
	m.streamPgs = pgs
	return m, nil
}

func (m *msf) stream(idx uint32) ([]byte, error) {
	if idx >= uint32(len(m.streamSize)) {
		return nil, &symerr.InvalidInputError{Reason: "stream index out of range"}
	}
	return m.readPages(m.streamPgs[idx], m.streamSize[idx])
}

// dbiHeader is the fixed-size portion of the DBI stream header; only the
// fields needed to locate the module-info substream are named.
type dbiHeader struct {
	VersionSignature      int32
	VersionHeader         uint32
	Age                   uint32
	GlobalStreamIndex     uint16
	BuildNumber           uint16
	PublicStreamIndex     uint16
	PDBDLLVersion         uint16
	SymRecordStream       uint16
	PDBDLLRBld            uint16
	ModInfoSize           uint32
	SectionContribSize    int32
	SectionMapSize        int32
	SourceInfoSize        int32
	TypeServerMapSize     int32
	MFCTypeServerIndex    uint32
	OptionalDbgHeaderSize int32
	ECSubstreamSize       int32
	Flags                 uint16
	Machine               uint16
	Padding               uint32
}

// moduleInfo is one DBI module-info record: enough to find each compiland's
// private symbol stream.
type moduleInfo struct {
	symStream uint16
	name      string
}

func parseModuleInfoSubstream(data []byte) []moduleInfo {
	var mods []moduleInfo
	pos := 0
	for pos+64 < len(data) {
		// moduleinfo record: Unused1(4) SC(variable section-contrib, fixed
		// 44 on modern toolsets-here conservatively re-derived from Flags
		// field position) Flags(2) ModuleSymStream(2) SymByteSize(4)...
		// names follow as two NUL-terminated strings (module, object file).
		if pos+4+2+2+4*3 > len(data) {
			break
		}
		flagsOff := pos + 4 + 44 // Unused1 + SECTION_CONTRIB fixed block
		if flagsOff+2+2 > len(data) {
			break
		}
		symStream := binary.LittleEndian.Uint16(data[flagsOff+2 : flagsOff+4])
		namesStart := flagsOff + 2 + 2 + 4*3
		if namesStart >= len(data) {
			break
		}
		modName, n1 := cString(data[namesStart:])
		objName, n2 := cString(data[namesStart+n1:])
		_ = objName
		recLen := namesStart + n1 + n2
		recLen = (recLen + 3) &^ 3 // each record is 4-byte aligned
		if recLen <= pos || recLen > len(data) {
			break
		}
		mods = append(mods, moduleInfo{symStream: symStream, name: modName})
		pos = recLen
	}
	return mods
}

func cString(b []byte) (string, int) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1
		}
	}
	return string(b), len(b)
}

// symbolRecordHeader precedes every CodeView symbol record in a symbol
// stream: a 2-byte length (of Type+Data, not counting Length itself) and a
// 2-byte record type.
type symbolRecordHeader struct {
	Length uint16
	Type   uint16
}

// walkSymbols calls fn(recType, recData) for every
// CodeView symbol record found after the 4-byte module-symbol-stream
// signature (absent in the combined global/public streams, which start
// directly with records).
func walkSymbols(data []byte, skipSignature bool, fn func(recType uint16, rec []byte)) {
	pos := 0
	if skipSignature && len(data) >= 4 {
		pos = 4
	}
	for pos+4 <= len(data) {
		length := binary.LittleEndian.Uint16(data[pos : pos+2])
		if length < 2 {
			break
		}
		end := pos + 2 + int(length)
		if end > len(data) {
			break
		}
		recType := binary.LittleEndian.Uint16(data[pos+2 : pos+4])
		fn(recType, data[pos+4:end])
		pos = end
	}
}

// pubSym32 / procSym32 are the CodeView record bodies for S_PUB32 and
// S_GPROC32/S_LPROC32: a fixed numeric prefix followed by a NUL-terminated
// name, the only two record shapes this package needs to extract a
// segment:offset-and-name symbol from.
func parsePub32(rec []byte) (offset uint32, section uint16, name string, ok bool) {
	if len(rec) < 10 {
		return 0, 0, "", false
	}
	// Flags(4) Offset(4) Segment(2), then name.
	off := binary.LittleEndian.Uint32(rec[4:8])
	seg := binary.LittleEndian.Uint16(rec[8:10])
	n, _ := cString(rec[10:])
	return off, seg, n, true
}

func parseProc32(rec []byte) (offset uint32, section uint16, name string, ok bool) {
	// Parent(4) End(4) Next(4) Len(4) DbgStart(4) DbgEnd(4) TypeIndex(4)
	// Offset(4) Segment(2) Flags(1), then name at byte 35.
	if len(rec) < 35 {
		return 0, 0, "", false
	}
	off := binary.LittleEndian.Uint32(rec[28:32])
	seg := binary.LittleEndian.Uint16(rec[32:34])
	n, _ := cString(rec[35:])
	return off, seg, n, true
}

// sectionRVAs reads the "section headers" stream the DBI optional
// debug-header substream points at, returning each section's VirtualAddress
// so segment:offset symbol records can be rebased to image-relative
// addresses. The substream is the last one in the DBI stream, after the
// module-info, section-contribution, section-map, source-info,
// type-server-map and EC substreams; it is an array of stream indices, of
// which slot 5 names the copy of the image's original section headers.
func sectionRVAs(m *msf, dbi *dbiHeader, dbiData []byte, hdrSize int) []uint32 {
	off := hdrSize
	for _, sz := range []int32{
		int32(dbi.ModInfoSize),
		dbi.SectionContribSize,
		dbi.SectionMapSize,
		dbi.SourceInfoSize,
		dbi.TypeServerMapSize,
		dbi.ECSubstreamSize,
	} {
		if sz < 0 {
			return nil
		}
		off += int(sz)
	}
	const sectionHdrSlot = 5
	if dbi.OptionalDbgHeaderSize < (sectionHdrSlot+1)*2 || off+int(dbi.OptionalDbgHeaderSize) > len(dbiData) {
		return nil
	}
	dbg := dbiData[off : off+int(dbi.OptionalDbgHeaderSize)]
	idx := binary.LittleEndian.Uint16(dbg[sectionHdrSlot*2 : sectionHdrSlot*2+2])
	if idx == 0xffff {
		return nil
	}
	data, err := m.stream(uint32(idx))
	if err != nil {
		return nil
	}
	const shSize = 40 // IMAGE_SECTION_HEADER
	rvas := make([]uint32, 0, len(data)/shSize)
	for pos := 0; pos+shSize <= len(data); pos += shSize {
		rvas = append(rvas, binary.LittleEndian.Uint32(data[pos+12:pos+16])) // VirtualAddress
	}
	return rvas
}

// Parse reads a standalone .pdb file: its own PDB Info Stream GUID+Age (so a
// standalone PDB candidate can be matched against a requested debug id the
// same way a PE's companion CodeView entry is) plus its module and public
// symbol streams. Symbol records carry segment:offset pairs; both are kept
// and rebased onto the section's VirtualAddress so lookups see the same
// image-relative address space the PE loader and addrspace produce.
func Parse(fc filedata.FileContents) (*ParseResult, error) {
	m, err := openMSF(fc)
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "pdb", Err: err}
	}

	dbiData, err := m.stream(streamDBI)
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "pdb-dbi", Err: err}
	}
	var dbi dbiHeader
	hdrSize := binary.Size(dbi)
	if len(dbiData) < hdrSize {
		return nil, &symerr.ObjectParseError{FileKind: "pdb-dbi", Err: &symerr.InvalidInputError{Reason: "DBI stream too small"}}
	}
	if err := binary.Read(bytes.NewReader(dbiData[:hdrSize]), binary.LittleEndian, &dbi); err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "pdb-dbi", Err: err}
	}

	id := readPDBInfoDebugID(m)
	rvas := sectionRVAs(m, &dbi, dbiData, hdrSize)

	// rebase converts a record's segment:offset to an image-relative
	// address. Segment 0 marks absolute/unallocated symbols, which don't
	// name an address in the image; an out-of-range segment is corrupt. A
	// PDB without the section-headers stream offers nothing to rebase
	// against, so offsets pass through as-is there.
	rebase := func(seg uint16, offset uint32) (uint32, bool) {
		if seg == 0 {
			return 0, false
		}
		if len(rvas) == 0 {
			return offset, true
		}
		if int(seg) > len(rvas) {
			return 0, false
		}
		return rvas[seg-1] + offset, true
	}

	in := interner.New(interner.NextGeneration())
	var symbols []symmap.Symbol
	record := func(offset uint32, seg uint16, name string) {
		if addr, ok := rebase(seg, offset); ok {
			symbols = append(symbols, symmap.Symbol{Address: addr, Name: in.InternOwned(demangle.Name(name))})
		}
	}

	if int(dbi.ModInfoSize) > 0 && hdrSize+int(dbi.ModInfoSize) <= len(dbiData) {
		modInfo := dbiData[hdrSize : hdrSize+int(dbi.ModInfoSize)]
		for _, mod := range parseModuleInfoSubstream(modInfo) {
			if mod.symStream == 0xffff {
				continue
			}
			modSyms, err := m.stream(uint32(mod.symStream))
			if err != nil {
				continue
			}
			walkSymbols(modSyms, true, func(recType uint16, rec []byte) {
				switch recType {
				case symPUB32:
					if offset, seg, name, ok := parsePub32(rec); ok && name != "" {
						record(offset, seg, name)
					}
				case symGPROC32, symLPROC32:
					if offset, seg, name, ok := parseProc32(rec); ok && name != "" {
						record(offset, seg, name)
					}
				}
			})
		}
	}

	if len(symbols) == 0 && dbi.SymRecordStream != 0xffff {
		if pubData, err := m.stream(uint32(dbi.SymRecordStream)); err == nil {
			walkSymbols(pubData, false, func(recType uint16, rec []byte) {
				if recType == symPUB32 {
					if offset, seg, name, ok := parsePub32(rec); ok && name != "" {
						record(offset, seg, name)
					}
				}
			})
		}
	}

	table := symmap.NewTable(symbols)
	inner := &pdbInner{debugID: id, table: table}
	return &ParseResult{DebugID: id, SymbolMap: symmap.New(inner, in)}, nil
}

// readPDBInfoDebugID reads stream 1 (the "PDB Info Stream"): Version(4)
// Signature(4) Age(4) GUID(16), the same GUID+Age pair a companion PE's
// CodeView RSDS record carries, letting a standalone .pdb be matched against
// a requested debug id through the same debugid.FromPECodeView that
// format/pe uses.
func readPDBInfoDebugID(m *msf) debugid.ID {
	data, err := m.stream(streamPDBInfo)
	if err != nil || len(data) < 28 {
		return debugid.ID{}
	}
	// Version(4) Signature(4) Age(4) GUID(16).
	age := binary.LittleEndian.Uint32(data[8:12])
	guid := data[12:28]
	data1 := binary.LittleEndian.Uint32(guid[0:4])
	data2 := binary.LittleEndian.Uint16(guid[4:6])
	data3 := binary.LittleEndian.Uint16(guid[6:8])
	var data4 [8]byte
	copy(data4[:], guid[8:16])
	return debugid.FromPECodeView(data1, data2, data3, data4, age)
}

// pdbInner is the symmap.Inner a PDB's public/proc symbols provide. The
// line-number substreams are not decoded, so Lookup reports
// FramesUnavailable rather than file/line info.
type pdbInner struct {
	debugID debugid.ID
	table   *symmap.Table
}

func (p *pdbInner) DebugID() debugid.ID                { return p.debugID }
func (p *pdbInner) SymbolCount() int                   { return p.table.Len() }
func (p *pdbInner) IterSymbols(fn func(symmap.Symbol)) { p.table.Iter(fn) }

func (p *pdbInner) Lookup(relativeAddress uint32) (symmap.AddressInfo, bool) {
	sym, ok := p.table.LookupSymbol(relativeAddress)
	if !ok {
		return symmap.AddressInfo{}, false
	}
	return symmap.AddressInfo{Symbol: sym, Frames: symmap.FramesLookupResult{Kind: symmap.FramesUnavailable}}, true
}
