// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symmap

import "sort"

// Table is the shared address-ordered symbol index every format parser
// builds: binary-search by address, with size approximated from the next
// symbol's address when a format doesn't record an explicit size.
type Table struct {
	symbols []Symbol // sorted ascending by Address, non-overlapping by construction
}

// NewTable sorts symbols by address and fills in any missing Size by
// subtracting from the next symbol's address; the last symbol's Size stays
// nil if it wasn't already known.
func NewTable(symbols []Symbol) *Table {
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Address < symbols[j].Address })
	for i := range symbols {
		if symbols[i].Size != nil {
			continue
		}
		if i+1 < len(symbols) {
			sz := symbols[i+1].Address - symbols[i].Address
			symbols[i].Size = &sz
		}
	}
	return &Table{symbols: symbols}
}

func (t *Table) Len() int { return len(t.symbols) }

func (t *Table) Iter(fn func(Symbol)) {
	for _, s := range t.symbols {
		fn(s)
	}
}

// Predecessor returns the index of the symbol with the largest address <=
// query, or -1 if query is before every symbol.
func (t *Table) Predecessor(query uint32) int {
	i := sort.Search(len(t.symbols), func(i int) bool { return t.symbols[i].Address > query })
	return i - 1
}

// LookupSymbol finds the symbol containing query: the predecessor symbol
// covers it unless that symbol has a declared size and query falls past the
// end.
func (t *Table) LookupSymbol(query uint32) (Symbol, bool) {
	i := t.Predecessor(query)
	if i < 0 {
		return Symbol{}, false
	}
	sym := t.symbols[i]
	if sym.Size != nil && query >= sym.Address+*sym.Size {
		return Symbol{}, false
	}
	return sym, true
}
