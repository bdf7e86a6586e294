// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symmap is the immutable, format-agnostic symbol map that every
// format/* parser produces: {DebugID, SymbolCount, IterSymbols, Lookup}
// backed by a generation-tagged string interner.
package symmap

import (
	"fmt"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/interner"
)

// Symbol is one entry in a symbol map's address-ordered symbol table.
type Symbol struct {
	Address uint32 // relative address
	Size    *uint32
	Name    interner.Handle
}

// FrameDebugInfo is one logical frame at a relative address: the innermost
// element of a chain describes an inlined call site, the outermost (last)
// element describes the physical function. FunctionName/FilePath may each be
// absent.
type FrameDebugInfo struct {
	FunctionName *interner.Handle
	FilePath     *interner.Handle
	LineNumber   *uint32
}

// ExternalFileAddress names a symbol inside an unlinked object file that a
// Mach-O OSO stab points at, used when DWARF wasn't kept in the linked
// binary.
type ExternalFileAddress struct {
	FileName         string
	ArchiveMember    string // optional, empty if the OSO isn't inside an archive
	SymbolNameBytes  []byte
	OffsetFromSymbol uint32
}

// FramesKind distinguishes the three FramesLookupResult cases.
type FramesKind int

const (
	FramesUnavailable FramesKind = iota
	FramesAvailable
	FramesExternal
)

// FramesLookupResult is the debug-info half of a Lookup result.
type FramesLookupResult struct {
	Kind     FramesKind
	Frames   []FrameDebugInfo     // valid when Kind == FramesAvailable; innermost-first, outermost (physical) last
	External *ExternalFileAddress // valid when Kind == FramesExternal
}

// AddressInfo is what Lookup returns for a covered address.
type AddressInfo struct {
	Symbol Symbol
	Frames FramesLookupResult
}

// Inner is what each format/* package implements; SymbolMap wraps an Inner
// plus the interner it borrows strings into.
type Inner interface {
	DebugID() debugid.ID
	SymbolCount() int
	// IterSymbols calls fn for every symbol, in ascending address order.
	IterSymbols(fn func(Symbol))
	// Lookup returns the AddressInfo covering relativeAddress, or ok=false
	// if no symbol covers it.
	Lookup(relativeAddress uint32) (AddressInfo, bool)
}

// SymbolMap is the public, immutable handle callers (symmanager, engine)
// hold. Any number of concurrent Lookup calls is safe.
type SymbolMap struct {
	inner      Inner
	in         *interner.Interner
	generation uint64
}

// New wraps inner with the interner that produced its handles, tagging the
// map with that interner's generation. Every format/* parser calls this once
// at the end of parsing; parsers that build frames lazily (Breakpad, DWARF,
// Mach-O externals) keep interning into the same interner during Lookup.
func New(inner Inner, in *interner.Interner) *SymbolMap {
	return &SymbolMap{inner: inner, in: in, generation: in.Generation()}
}

func (m *SymbolMap) DebugID() debugid.ID    { return m.inner.DebugID() }
func (m *SymbolMap) SymbolCount() int       { return m.inner.SymbolCount() }
func (m *SymbolMap) Generation() uint64     { return m.generation }
func (m *SymbolMap) IterSymbols(fn func(Symbol)) { m.inner.IterSymbols(fn) }

// Lookup answers an address query.
func (m *SymbolMap) Lookup(relativeAddress uint32) (AddressInfo, bool) {
	return m.inner.Lookup(relativeAddress)
}

// ResolveString resolves a function-name, symbol-name or source-path handle
// against this map's interner. Resolving a handle from a different
// SymbolMap panics; handles never outlive the map that produced them.
func (m *SymbolMap) ResolveString(h interner.Handle) string {
	if h.Generation != m.generation {
		panic(fmt.Sprintf("symmap: handle from generation %d resolved against map of generation %d", h.Generation, m.generation))
	}
	s, ok := m.in.Resolve(h)
	if !ok {
		return ""
	}
	return s
}
