// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfdwarf symbolicates ELF binaries carrying (or pointing at, via
// a separate .debug file) DWARF debug information, built on stdlib
// debug/elf and debug/dwarf. PC-to-function/inline-chain resolution is
// shared with format/machodwarf via internal/dwarfutil.
package elfdwarf

import (
	"debug/elf"
	"fmt"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/demangle"
	"github.com/natsym/natsym/internal/dwarfutil"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/interner"
	"github.com/natsym/natsym/internal/symerr"
	"github.com/natsym/natsym/internal/symmap"
)

// ParseResult is what symmanager needs out of an ELF image.
type ParseResult struct {
	DebugID   debugid.ID
	SymbolMap *symmap.SymbolMap
}

// readerAt adapts filedata.FileContents to io.ReaderAt for debug/elf.NewFile.
type readerAt struct{ fc filedata.FileContents }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= r.fc.Len() {
		return 0, fmt.Errorf("elfdwarf: offset %d out of range", off)
	}
	avail := r.fc.Len() - uint64(off)
	n := uint64(len(p))
	if n > avail {
		n = avail
	}
	b, err := r.fc.ReadBytesAt(uint64(off), n)
	if err != nil {
		return 0, err
	}
	copy(p, b)
	if n < uint64(len(p)) {
		return int(n), fmt.Errorf("elfdwarf: short read")
	}
	return int(n), nil
}

// Parse reads an ELF image's symbol table and (if present) DWARF debug
// info. baseDir, when non-empty, is the local directory the file was found
// in, used to resolve relative source paths recorded by the compiler; pass
// "" for files with no meaningful local directory (downloads, tests).
func Parse(fc filedata.FileContents, baseDir string) (*ParseResult, error) {
	ef, err := elf.NewFile(readerAt{fc})
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "elf", Err: err}
	}
	defer ef.Close()

	id := buildID(ef)
	base := baseAddress(ef)

	in := interner.New(interner.NextGeneration())
	var symbols []symmap.Symbol
	for _, src := range [][]elf.Symbol{mustSymbols(ef), mustDynSymbols(ef)} {
		for _, s := range src {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Name == "" {
				continue
			}
			var size *uint32
			if s.Size > 0 && s.Size <= 1<<32-1 {
				sz := uint32(s.Size)
				size = &sz
			}
			symbols = append(symbols, symmap.Symbol{
				Address: relAddr(s.Value, base),
				Size:    size,
				Name:    in.InternOwned(demangle.Name(s.Name)),
			})
		}
	}
	table := symmap.NewTable(symbols)

	var dw *dwarfutil.Index
	if dwData, err := ef.DWARF(); err == nil {
		if built, err := dwarfutil.Build(dwData, in, baseDir); err == nil {
			dw = built
		}
	}

	inner := &elfInner{debugID: id, table: table, dwarf: dw, base: base}
	return &ParseResult{DebugID: id, SymbolMap: symmap.New(inner, in)}, nil
}

// baseAddress is zero for ordinary ELF images. When the image looks like
// kernel text (a .text section mapped at or above the canonical negative
// half of the address space), the base is that section's address instead.
// The >= 0xFFFFFFFF80000000 floor is empirical; nothing cleaner is
// available from the ELF header alone.
func baseAddress(ef *elf.File) uint64 {
	const kernelTextFloor = 0xFFFFFFFF80000000
	sec := ef.Section(".text")
	if sec == nil || sec.Addr < kernelTextFloor {
		return 0
	}
	return sec.Addr
}

// relAddr rebases an absolute symbol/PC value by base. A value that precedes
// base is returned unchanged (truncated to 32 bits) rather than wrapping.
func relAddr(value, base uint64) uint32 {
	if value < base {
		return uint32(value)
	}
	return uint32(value - base)
}

func mustSymbols(ef *elf.File) []elf.Symbol {
	s, _ := ef.Symbols()
	return s
}

func mustDynSymbols(ef *elf.File) []elf.Symbol {
	s, _ := ef.DynamicSymbols()
	return s
}

// buildID extracts a debug id from the .note.gnu.build-id section, the
// closest ELF equivalent to a PE CodeView GUID or Mach-O LC_UUID.
func buildID(ef *elf.File) debugid.ID {
	sec := ef.Section(".note.gnu.build-id")
	if sec == nil {
		return debugid.ID{}
	}
	data, err := sec.Data()
	if err != nil || len(data) < 12 {
		return debugid.ID{}
	}
	nameSz := le32(data[0:4])
	descSz := le32(data[4:8])
	noteType := le32(data[8:12])
	const noteGNUBuildID = 3
	if noteType != noteGNUBuildID {
		return debugid.ID{}
	}
	off := 12 + align4(nameSz)
	if uint64(off)+uint64(descSz) > uint64(len(data)) {
		return debugid.ID{}
	}
	return debugid.FromELFBuildID(data[off : off+descSz])
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

// elfInner is the symmap.Inner ELF images provide.
type elfInner struct {
	debugID debugid.ID
	table   *symmap.Table
	dwarf   *dwarfutil.Index
	base    uint64
}

func (e *elfInner) DebugID() debugid.ID                { return e.debugID }
func (e *elfInner) SymbolCount() int                   { return e.table.Len() }
func (e *elfInner) IterSymbols(fn func(symmap.Symbol)) { e.table.Iter(fn) }

func (e *elfInner) Lookup(relativeAddress uint32) (symmap.AddressInfo, bool) {
	sym, ok := e.table.LookupSymbol(relativeAddress)
	if !ok {
		return symmap.AddressInfo{}, false
	}
	frames := symmap.FramesLookupResult{Kind: symmap.FramesUnavailable}
	if e.dwarf != nil {
		// DWARF PC values are absolute (un-rebased); un-subtract base before
		// querying so kernel images (base != 0) resolve correctly.
		if fr, ok := e.dwarf.Lookup(uint64(relativeAddress) + e.base); ok {
			frames = symmap.FramesLookupResult{Kind: symmap.FramesAvailable, Frames: fr}
		}
	}
	return symmap.AddressInfo{Symbol: sym, Frames: frames}, true
}
