// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symmap

import (
	"testing"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/interner"
)

type fakeInner struct {
	table *Table
	id    debugid.ID
}

func (f *fakeInner) DebugID() debugid.ID               { return f.id }
func (f *fakeInner) SymbolCount() int                  { return f.table.Len() }
func (f *fakeInner) IterSymbols(fn func(Symbol))       { f.table.Iter(fn) }
func (f *fakeInner) Lookup(addr uint32) (AddressInfo, bool) {
	sym, ok := f.table.LookupSymbol(addr)
	if !ok {
		return AddressInfo{}, false
	}
	return AddressInfo{Symbol: sym, Frames: FramesLookupResult{Kind: FramesUnavailable}}, true
}

func TestSymbolMapLookupAndResolveString(t *testing.T) {
	in := interner.New(interner.NextGeneration())
	name := in.Intern("my_function")
	table := NewTable([]Symbol{{Address: 0x100, Name: name}})
	id, _ := debugid.Parse("000102030405060708090a0b0c0d0e0f0")
	sm := New(&fakeInner{table: table, id: id}, in)

	if sm.DebugID() != id {
		t.Fatalf("DebugID mismatch")
	}
	if sm.SymbolCount() != 1 {
		t.Fatalf("SymbolCount() = %d, want 1", sm.SymbolCount())
	}

	info, ok := sm.Lookup(0x100)
	if !ok {
		t.Fatalf("expected a match at the symbol's own address")
	}
	if got := sm.ResolveString(info.Symbol.Name); got != "my_function" {
		t.Fatalf("ResolveString = %q, want my_function", got)
	}
}

func TestResolveStringPanicsOnForeignHandle(t *testing.T) {
	inA := interner.New(interner.NextGeneration())
	inB := interner.New(interner.NextGeneration())
	smA := New(&fakeInner{table: NewTable(nil)}, inA)
	foreign := inB.Intern("x")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected ResolveString to panic on a foreign-generation handle")
		}
	}()
	smA.ResolveString(foreign)
}
