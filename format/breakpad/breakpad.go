// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package breakpad parses the Breakpad ".sym" text symbol format: MODULE,
// FUNC, PUBLIC, FILE, INLINE_ORIGIN and INLINE records, building an
// address-ordered function index plus each function's inline tree.
package breakpad

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/demangle"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/interner"
	"github.com/natsym/natsym/internal/symerr"
	"github.com/natsym/natsym/internal/symmap"
)

// ParseResult is what symmanager needs out of a Breakpad .sym file.
type ParseResult struct {
	DebugID   debugid.ID
	SymbolMap *symmap.SymbolMap
}

// funcRecord is one FUNC block: address, size, name, plus any INLINE
// records nested under it (by depth).
type funcRecord struct {
	address uint32
	size    uint32
	name    string
	inlines []inlineRecord
}

// inlineRecord is one INLINE line: depth, call-site file/line, PC range,
// and the origin index into the INLINE_ORIGIN table.
type inlineRecord struct {
	depth      int
	callFile   uint32
	callLine   uint32
	address    uint32
	size       uint32
	originIdx  uint32
}

// Parse reads a Breakpad .sym file in its entirety, building an
// address-ordered function index plus each function's inline tree.
func Parse(fc filedata.FileContents) (*ParseResult, error) {
	raw, err := fc.ReadBytesAt(0, fc.Len())
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "breakpad", Err: err}
	}

	in := interner.New(interner.NextGeneration())

	var id debugid.ID
	files := make(map[uint32]string)
	origins := make(map[uint32]string)
	var funcs []funcRecord
	var cur *funcRecord

	flush := func() {
		if cur != nil {
			funcs = append(funcs, *cur)
			cur = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "MODULE":
			// MODULE os arch debug_id debug_name
			flush()
			if len(fields) >= 4 {
				if parsed, err := debugid.Parse(fields[3]); err == nil {
					id = parsed
				}
			}
		case "FILE":
			// FILE number name
			if len(fields) >= 3 {
				if n, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
					files[uint32(n)] = strings.Join(fields[2:], " ")
				}
			}
		case "INLINE_ORIGIN":
			// INLINE_ORIGIN number name
			if len(fields) >= 3 {
				if n, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
					origins[uint32(n)] = strings.Join(fields[2:], " ")
				}
			}
		case "FUNC":
			// FUNC [m] address size param_size name
			flush()
			i := 1
			if i < len(fields) && fields[i] == "m" {
				i++
			}
			if i+3 > len(fields) {
				continue
			}
			addr, _ := strconv.ParseUint(fields[i], 16, 32)
			size, _ := strconv.ParseUint(fields[i+1], 16, 32)
			name := strings.Join(fields[i+3:], " ")
			cur = &funcRecord{address: uint32(addr), size: uint32(size), name: name}
		case "PUBLIC":
			// PUBLIC [m] address param_size name
			flush()
			i := 1
			if i < len(fields) && fields[i] == "m" {
				i++
			}
			if i+2 > len(fields) {
				continue
			}
			addr, _ := strconv.ParseUint(fields[i], 16, 32)
			name := strings.Join(fields[i+2:], " ")
			funcs = append(funcs, funcRecord{address: uint32(addr), name: name})
		case "INLINE":
			// INLINE depth call_file call_line origin_idx address size [address size]...
			if cur == nil || len(fields) < 6 {
				continue
			}
			depth, _ := strconv.Atoi(fields[1])
			callFile, _ := strconv.ParseUint(fields[2], 10, 32)
			callLine, _ := strconv.ParseUint(fields[3], 10, 32)
			originIdx, _ := strconv.ParseUint(fields[4], 10, 32)
			// One INLINE line can list multiple (address, size) ranges for
			// the same inlined call site; split into one inlineRecord each.
			for j := 5; j+1 < len(fields); j += 2 {
				addr, _ := strconv.ParseUint(fields[j], 16, 32)
				size, _ := strconv.ParseUint(fields[j+1], 16, 32)
				cur.inlines = append(cur.inlines, inlineRecord{
					depth: depth, callFile: uint32(callFile), callLine: uint32(callLine),
					address: uint32(addr), size: uint32(size), originIdx: uint32(originIdx),
				})
			}
		case "STACK", "CFI":
			// Call-frame/stack-unwind info; out of scope for symbolication.
		}
	}
	flush()

	symbols := make([]symmap.Symbol, 0, len(funcs))
	byAddress := make(map[uint32]*funcRecord, len(funcs))
	for i := range funcs {
		f := &funcs[i]
		var size *uint32
		if f.size != 0 {
			sz := f.size
			size = &sz
		}
		symbols = append(symbols, symmap.Symbol{
			Address: f.address,
			Size:    size,
			Name:    in.InternOwned(demangle.Name(f.name)),
		})
		byAddress[f.address] = f
	}
	table := symmap.NewTable(symbols)

	inner := &breakpadInner{
		debugID: id,
		table:   table,
		funcs:   byAddress,
		files:   files,
		origins: origins,
		in:      in,
	}
	return &ParseResult{DebugID: id, SymbolMap: symmap.New(inner, in)}, nil
}

type breakpadInner struct {
	debugID debugid.ID
	table   *symmap.Table
	funcs   map[uint32]*funcRecord
	files   map[uint32]string
	origins map[uint32]string
	in      *interner.Interner
}

func (b *breakpadInner) DebugID() debugid.ID                { return b.debugID }
func (b *breakpadInner) SymbolCount() int                   { return b.table.Len() }
func (b *breakpadInner) IterSymbols(fn func(symmap.Symbol)) { b.table.Iter(fn) }

func (b *breakpadInner) Lookup(relativeAddress uint32) (symmap.AddressInfo, bool) {
	sym, ok := b.table.LookupSymbol(relativeAddress)
	if !ok {
		return symmap.AddressInfo{}, false
	}
	f, ok := b.funcs[sym.Address]
	if !ok || len(f.inlines) == 0 {
		return symmap.AddressInfo{Symbol: sym, Frames: symmap.FramesLookupResult{Kind: symmap.FramesUnavailable}}, true
	}

	// Find the deepest INLINE range covering relativeAddress, then walk the
	// shallower ranges covering it to build the innermost-first chain.
	var chain []inlineRecord
	for _, ir := range f.inlines {
		if relativeAddress >= ir.address && relativeAddress < ir.address+ir.size {
			chain = append(chain, ir)
		}
	}
	if len(chain) == 0 {
		return symmap.AddressInfo{Symbol: sym, Frames: symmap.FramesLookupResult{Kind: symmap.FramesUnavailable}}, true
	}
	// Sort deepest-first by depth (INLINE records already nest in file
	// order, but depth is the authoritative ordering key).
	for i := 1; i < len(chain); i++ {
		for j := i; j > 0 && chain[j].depth > chain[j-1].depth; j-- {
			chain[j], chain[j-1] = chain[j-1], chain[j]
		}
	}

	// chain[i].callFile/callLine is where chain[i] itself was called from
	// inside its enclosing frame; forwarding it to position i+1 attaches it
	// to that enclosing frame's displayed location. The innermost frame has
	// no enclosing call site to borrow, so it falls back to its own.
	frames := make([]symmap.FrameDebugInfo, 0, len(chain)+1)
	callFile, callLine := uint32(0), uint32(0)
	for i, ir := range chain {
		name := b.origins[ir.originIdx]
		var fi symmap.FrameDebugInfo
		if name != "" {
			h := b.in.InternOwned(demangle.Name(name))
			fi.FunctionName = &h
		}
		if i > 0 {
			if path, ok := b.files[callFile]; ok {
				h := b.in.Intern(path)
				fi.FilePath = &h
			}
			line := callLine
			fi.LineNumber = &line
		} else if path, ok := b.files[ir.callFile]; ok {
			h := b.in.Intern(path)
			fi.FilePath = &h
			line := ir.callLine
			fi.LineNumber = &line
		}
		frames = append(frames, fi)
		callFile, callLine = ir.callFile, ir.callLine
	}
	// Outer (physical) frame: the function symbol's own name, with the
	// file/line of the outermost inline's call site.
	outer := symmap.FrameDebugInfo{}
	h := b.in.InternOwned(demangle.Name(f.name))
	outer.FunctionName = &h
	if path, ok := b.files[callFile]; ok {
		p := b.in.Intern(path)
		outer.FilePath = &p
		line := callLine
		outer.LineNumber = &line
	}
	frames = append(frames, outer)

	return symmap.AddressInfo{Symbol: sym, Frames: symmap.FramesLookupResult{Kind: symmap.FramesAvailable, Frames: frames}}, true
}
