// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symmap

import (
	"testing"

	"github.com/natsym/natsym/internal/interner"
)

func TestNewTableFillsMissingSize(t *testing.T) {
	in := interner.New(interner.NextGeneration())
	table := NewTable([]Symbol{
		{Address: 0x200, Name: in.Intern("second")},
		{Address: 0x100, Name: in.Intern("first")},
	})
	if table.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", table.Len())
	}
	sym, ok := table.LookupSymbol(0x150)
	if !ok {
		t.Fatalf("expected 0x150 to fall inside the first symbol's inferred size")
	}
	if sym.Address != 0x100 {
		t.Fatalf("Predecessor lookup returned address %#x, want 0x100", sym.Address)
	}
	if sym.Size == nil || *sym.Size != 0x100 {
		t.Fatalf("expected inferred size 0x100, got %v", sym.Size)
	}
}

func TestLookupSymbolRespectsExplicitSize(t *testing.T) {
	in := interner.New(interner.NextGeneration())
	size := uint32(0x10)
	table := NewTable([]Symbol{
		{Address: 0x100, Size: &size, Name: in.Intern("f")},
	})
	if _, ok := table.LookupSymbol(0x105); !ok {
		t.Fatalf("expected 0x105 to be covered by [0x100, 0x110)")
	}
	if _, ok := table.LookupSymbol(0x110); ok {
		t.Fatalf("0x110 is past the declared size and should not be covered")
	}
}

func TestLookupSymbolBeforeFirst(t *testing.T) {
	table := NewTable([]Symbol{{Address: 0x100}})
	if _, ok := table.LookupSymbol(0x10); ok {
		t.Fatalf("expected no match before the first symbol")
	}
}
