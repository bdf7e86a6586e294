// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pe symbolicates Windows PE/COFF images: DOS and NT headers,
// section table, the RSDS/NB10 CodeView record out of the debug directory
// (yielding the debug id and any companion PDB file name), and a fallback
// symbol map built from the COFF symbol table plus the export directory for
// when no PDB is discoverable.
package pe

import (
	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/demangle"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/interner"
	"github.com/natsym/natsym/internal/symerr"
	"github.com/natsym/natsym/internal/symmap"
)

// Magic/signature constants from the PE/COFF file format.
const (
	imageDOSSignature = 0x5a4d     // MZ
	imageNTSignature  = 0x00004550 // PE\0\0

	imageDirectoryEntryExport = 0
	imageDirectoryEntryDebug  = 6

	imageDebugTypeCodeView = 2

	cvSignatureRSDS = 0x53445352 // "RSDS"
	cvSignatureNB10 = 0x3031424e // "NB10"

	optMagicPE32     = 0x10b
	optMagicPE32Plus = 0x20b
)

// ParseResult is what symmanager needs out of a PE image: a debug id usable
// to match against a companion PDB, the PDB file name the linker recorded
// (empty if none), and a fallback symbol map built from the image itself
// (COFF symbols plus export table) for when no PDB is discoverable.
type ParseResult struct {
	DebugID     debugid.ID
	PDBFileName string
	SymbolMap   *symmap.SymbolMap
}

// Parse reads a PE/COFF image and builds a ParseResult. It never returns an
// error for a structurally valid-but-stripped PE; a missing debug
// directory, COFF symbol table or export directory just means an empty (or
// emptier) symbol map.
func Parse(fc filedata.FileContents) (*ParseResult, error) {
	r := &reader{fc: fc}

	dos, err := r.dosHeader()
	if err != nil {
		return nil, err
	}
	nt, err := r.ntHeader(dos.AddressOfNewEXEHeader)
	if err != nil {
		return nil, err
	}
	sections, err := r.sectionHeaders(dos.AddressOfNewEXEHeader, nt)
	if err != nil {
		return nil, err
	}
	r.sections = sections

	in := interner.New(interner.NextGeneration())

	var id debugid.ID
	var pdbName string
	if dd, ok := nt.dataDirectory(imageDirectoryEntryDebug); ok && dd.size > 0 {
		id, pdbName, err = r.parseDebugDirectory(dd.rva, dd.size)
		if err != nil {
			return nil, &symerr.ObjectParseError{FileKind: "pe-debug-directory", Err: err}
		}
	}

	var symbols []symmap.Symbol
	if coffSyms, ok := r.parseCOFFSymbolTable(nt); ok {
		for _, s := range coffSyms {
			symbols = append(symbols, s.toSymmap(in))
		}
	}
	if dd, ok := nt.dataDirectory(imageDirectoryEntryExport); ok && dd.size > 0 {
		exported, err := r.parseExportDirectory(dd.rva, dd.size)
		if err == nil {
			for _, s := range exported {
				symbols = append(symbols, s.toSymmap(in))
			}
		}
	}

	table := symmap.NewTable(symbols)
	inner := &peInner{debugID: id, table: table}
	return &ParseResult{
		DebugID:     id,
		PDBFileName: pdbName,
		SymbolMap:   symmap.New(inner, in),
	}, nil
}

// peInner is the symmap.Inner a PE image's own COFF/export symbols provide,
// used whenever no companion PDB is discoverable.
type peInner struct {
	debugID debugid.ID
	table   *symmap.Table
}

func (p *peInner) DebugID() debugid.ID   { return p.debugID }
func (p *peInner) SymbolCount() int      { return p.table.Len() }
func (p *peInner) IterSymbols(fn func(symmap.Symbol)) { p.table.Iter(fn) }

func (p *peInner) Lookup(relativeAddress uint32) (symmap.AddressInfo, bool) {
	sym, ok := p.table.LookupSymbol(relativeAddress)
	if !ok {
		return symmap.AddressInfo{}, false
	}
	// A bare PE image (no PDB) never has DWARF-equivalent line/inline info.
	return symmap.AddressInfo{Symbol: sym, Frames: symmap.FramesLookupResult{Kind: symmap.FramesUnavailable}}, true
}

// rawSymbol is the pre-interning form both the COFF and export parsers build.
type rawSymbol struct {
	address uint32
	size    *uint32
	name    string
}

func (s rawSymbol) toSymmap(in *interner.Interner) symmap.Symbol {
	return symmap.Symbol{Address: s.address, Size: s.size, Name: in.InternOwned(demangle.Name(s.name))}
}

