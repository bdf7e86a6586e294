// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package machodwarf symbolicates (thin, single-architecture) Mach-O
// images via github.com/blacktop/go-macho, layered on stdlib debug/dwarf
// the same way format/elfdwarf is, sharing the PC-range/inline-chain walk
// via internal/dwarfutil. Fat archives are peeled by format/fat before a
// slice ever reaches this package.
//
// When a function's nlist symbol is a stab (N_FUN/N_OSO) rather than a
// DWARF-backed definition -- true of binaries whose debug info was left in
// unlinked .o files instead of being copied into the final image by
// dsymutil -- Lookup reports FramesExternal so the caller can re-resolve
// against the named object file.
package machodwarf

import (
	"debug/dwarf"
	"encoding/hex"
	"fmt"

	macho "github.com/blacktop/go-macho"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/demangle"
	"github.com/natsym/natsym/internal/dwarfutil"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/interner"
	"github.com/natsym/natsym/internal/symerr"
	"github.com/natsym/natsym/internal/symmap"
)

const (
	nStab = 0xe0 // N_STAB mask: any of these bits set means a debugger symbol
	nFun  = 0x24 // N_FUN: function name (stab)
	nOso  = 0x66 // N_OSO: object file path (stab)
)

// ParseResult is what symmanager needs out of a Mach-O image.
type ParseResult struct {
	DebugID   debugid.ID
	SymbolMap *symmap.SymbolMap
}

type readerAt struct{ fc filedata.FileContents }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= r.fc.Len() {
		return 0, fmt.Errorf("machodwarf: offset %d out of range", off)
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
		return int(n), fmt.Errorf("machodwarf: short read")
	}
	return int(n), nil
}

// Parse reads a single-architecture Mach-O image.
func Parse(fc filedata.FileContents) (*ParseResult, error) {
	mf, err := macho.NewFile(readerAt{fc})
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "macho", Err: err}
	}
	defer mf.Close()

	id := debugid.ID{}
	if u := mf.UUID(); u != nil {
		if raw, err := hex.DecodeString(normalizeUUIDString(u.UUID.String())); err == nil && len(raw) == 16 {
			var b [16]byte
			copy(b[:], raw)
			id = debugid.FromMachOUUID(b)
		}
	}

	var base uint64
	if text := mf.Segment("__TEXT"); text != nil {
		base = text.Addr
	}

	in := interner.New(interner.NextGeneration())

	var symbols []symmap.Symbol
	var externals []externalSymbol
	if mf.Symtab != nil {
		// nlist entries are emitted address-ascending within a stab's
		// N_OSO..N_FUN run; lastOSO tracks which object file the current
		// run of N_FUN stabs belongs to.
		var lastOSO string
		var lastOSOMember string
		for _, s := range mf.Symtab.Syms {
			t := uint8(s.Type)
			switch {
			case t == nOso:
				lastOSO, lastOSOMember = splitArchiveMember(s.Name)
			case t == nFun && s.Value != 0:
				if lastOSO != "" {
					externals = append(externals, externalSymbol{
						address:       relAddr(s.Value, base),
						fileName:      lastOSO,
						archiveMember: lastOSOMember,
						symbolName:    s.Name,
					})
				}
			case t&nStab == 0 && s.Value != 0 && s.Name != "":
				symbols = append(symbols, symmap.Symbol{
					Address: relAddr(s.Value, base),
					Name:    in.InternOwned(demangle.Name(s.Name)),
				})
			}
		}
	}
	table := symmap.NewTable(symbols)

	var dw *dwarfutil.Index
	if dwData, err := loadDWARF(mf); err == nil && dwData != nil {
		if built, err := dwarfutil.Build(dwData, in, ""); err == nil {
			dw = built
		}
	}

	inner := &machoInner{
		debugID:   id,
		table:     table,
		dwarf:     dw,
		base:      base,
		in:        in,
		externals: indexExternals(externals),
	}
	return &ParseResult{DebugID: id, SymbolMap: symmap.New(inner, in)}, nil
}

// loadDWARF pulls the __DWARF segment's debug sections out of mf and hands
// them to stdlib debug/dwarf, so PC/inline resolution shares the exact
// dwarfutil walker format/elfdwarf uses. Returns (nil, nil) when the image
// carries no __debug_info at all.
func loadDWARF(mf *macho.File) (*dwarf.Data, error) {
	section := func(name string) []byte {
		for _, s := range mf.Sections {
			if s.Seg == "__DWARF" && s.Name == name {
				if b, err := s.Data(); err == nil {
					return b
				}
			}
		}
		return nil
	}
	info := section("__debug_info")
	if info == nil {
		return nil, nil
	}
	return dwarf.New(
		section("__debug_abbrev"),
		section("__debug_aranges"),
		section("__debug_frame"),
		info,
		section("__debug_line"),
		section("__debug_pubnames"),
		section("__debug_ranges"),
		section("__debug_str"),
	)
}

func relAddr(vmaddr, base uint64) uint32 {
	if vmaddr < base {
		return uint32(vmaddr)
	}
	return uint32(vmaddr - base)
}

// normalizeUUIDString strips the dashes go-macho's LC_UUID String() formats
// with and lower-cases the rest, leaving 32 bare lower-case hex digits.
func normalizeUUIDString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'F' {
			c += 'a' - 'A'
		}
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			out = append(out, c)
		}
	}
	return string(out)
}

// splitArchiveMember separates "archive.a(object.o)" style OSO names (static
// library members) from plain "object.o" paths.
func splitArchiveMember(oso string) (file, member string) {
	open := -1
	for i := len(oso) - 1; i >= 0; i-- {
		if oso[i] == '(' {
			open = i
			break
		}
	}
	if open < 0 || oso[len(oso)-1] != ')' {
		return oso, ""
	}
	return oso[:open], oso[open+1 : len(oso)-1]
}

type externalSymbol struct {
	address       uint32
	fileName      string
	archiveMember string
	symbolName    string
}

// externalIndex is a simple table over externalSymbol, kept in nlist order
// (not sorted) and searched linearly for the closest predecessor, the same
// predecessor-lookup shape as symmap.Table but keyed for the OSO/stab case
// instead of a resolved Symbol.
type externalIndex struct {
	entries []externalSymbol
}

func indexExternals(entries []externalSymbol) *externalIndex {
	if len(entries) == 0 {
		return nil
	}
	return &externalIndex{entries: entries}
}

func (x *externalIndex) lookup(addr uint32) (externalSymbol, bool) {
	var best externalSymbol
	found := false
	for _, e := range x.entries {
		if e.address <= addr && (!found || e.address > best.address) {
			best, found = e, true
		}
	}
	return best, found
}

// machoInner is the symmap.Inner Mach-O images provide.
type machoInner struct {
	debugID   debugid.ID
	table     *symmap.Table
	dwarf     *dwarfutil.Index
	base      uint64
	in        *interner.Interner
	externals *externalIndex
}

func (m *machoInner) DebugID() debugid.ID                { return m.debugID }
func (m *machoInner) SymbolCount() int                   { return m.table.Len() }
func (m *machoInner) IterSymbols(fn func(symmap.Symbol)) { m.table.Iter(fn) }

func (m *machoInner) Lookup(relativeAddress uint32) (symmap.AddressInfo, bool) {
	sym, ok := m.table.LookupSymbol(relativeAddress)
	if ok {
		if m.dwarf != nil {
			// DWARF PC values are absolute vmaddrs; add the __TEXT base back
			// before querying.
			if fr, ok := m.dwarf.Lookup(uint64(relativeAddress) + m.base); ok {
				return symmap.AddressInfo{Symbol: sym, Frames: symmap.FramesLookupResult{Kind: symmap.FramesAvailable, Frames: fr}}, true
			}
		}
		return symmap.AddressInfo{Symbol: sym, Frames: symmap.FramesLookupResult{Kind: symmap.FramesUnavailable}}, true
	}
	if m.externals != nil {
		if ext, ok := m.externals.lookup(relativeAddress); ok {
			addr := symmap.ExternalFileAddress{
				FileName:         ext.fileName,
				ArchiveMember:    ext.archiveMember,
				SymbolNameBytes:  []byte(ext.symbolName),
				OffsetFromSymbol: relativeAddress - ext.address,
			}
			return symmap.AddressInfo{
				Symbol: symmap.Symbol{Address: ext.address, Name: m.in.InternOwned(demangle.Name(ext.symbolName))},
				Frames: symmap.FramesLookupResult{Kind: symmap.FramesExternal, External: &addr},
			}, true
		}
	}
	return symmap.AddressInfo{}, false
}
