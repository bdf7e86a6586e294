// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dwarfutil is the PC-range/inline-chain walker shared by every
// format/* parser that carries DWARF debug info (ELF and Mach-O both use
// the same stdlib debug/dwarf.Data representation once their respective
// container formats have been peeled off): walk the DIE tree, match PC
// against DW_AT_low_pc/DW_AT_high_pc or DW_AT_ranges, and build the nested
// DW_TAG_inlined_subroutine chain for inline frames.
package dwarfutil

import (
	"debug/dwarf"

	"github.com/natsym/natsym/internal/demangle"
	"github.com/natsym/natsym/internal/interner"
	"github.com/natsym/natsym/internal/symmap"
)

// Index is a built, queryable view over one module's DWARF data. baseDir,
// when non-empty, is the directory relative source paths are resolved
// against (the directory the debug file itself was found in).
type Index struct {
	d       *dwarf.Data
	in      *interner.Interner
	baseDir string
	cus     []*cuIndex
}

type cuIndex struct {
	entry  *dwarf.Entry
	ranges [][2]uint64
	funcs  []*dieNode
}

// dieNode is a flattened entry from a compile unit's DIE tree, kept together
// with its children so nested DW_TAG_inlined_subroutine entries can be
// walked without re-reading the CU.
type dieNode struct {
	entry    *dwarf.Entry
	ranges   [][2]uint64
	children []*dieNode
}

// Build indexes every compile unit in d: its PC ranges (for the
// which-CU-covers-this-address step) and its subprogram DIE subtrees (for
// the function/inline-chain step). baseDir may be empty when the debug file
// has no local directory to resolve relative source paths against.
func Build(d *dwarf.Data, in *interner.Interner, baseDir string) (*Index, error) {
	idx := &Index{d: d, in: in, baseDir: baseDir}
	r := d.Reader()
	for {
		cuEntry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if cuEntry == nil {
			break
		}
		if cuEntry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		children, err := readSiblings(d, r)
		if err != nil {
			return nil, err
		}
		ranges, _ := d.Ranges(cuEntry)
		ci := &cuIndex{entry: cuEntry, ranges: ranges}
		collectFuncs(children, ci)
		idx.cus = append(idx.cus, ci)
	}
	return idx, nil
}

// readSiblings reads r's current list of sibling DIEs (and their subtrees)
// until the null entry that terminates a DW_CHILDREN_yes block.
func readSiblings(d *dwarf.Data, r *dwarf.Reader) ([]*dieNode, error) {
	var out []*dieNode
	for {
		e, err := r.Next()
		if err != nil {
			return out, err
		}
		if e == nil || e.Tag == 0 {
			return out, nil
		}
		n := &dieNode{entry: e}
		if rg, err := d.Ranges(e); err == nil {
			n.ranges = rg
		}
		if e.Children {
			kids, err := readSiblings(d, r)
			if err != nil {
				return out, err
			}
			n.children = kids
		}
		out = append(out, n)
	}
}

func collectFuncs(nodes []*dieNode, ci *cuIndex) {
	for _, n := range nodes {
		if n.entry.Tag == dwarf.TagSubprogram && len(n.ranges) > 0 {
			ci.funcs = append(ci.funcs, n)
		}
		collectFuncs(n.children, ci)
	}
}

func rangesContain(ranges [][2]uint64, pc uint64) bool {
	for _, rg := range ranges {
		if pc >= rg[0] && pc < rg[1] {
			return true
		}
	}
	return false
}

// Lookup returns the innermost-first frame chain for pc, ending with the
// physical (non-inlined) function, or ok=false if no DWARF function covers
// pc at all.
func (idx *Index) Lookup(pc uint64) ([]symmap.FrameDebugInfo, bool) {
	var cu *cuIndex
	for _, c := range idx.cus {
		if rangesContain(c.ranges, pc) {
			cu = c
			break
		}
	}
	if cu == nil {
		return nil, false
	}

	var fn *dieNode
	for _, f := range cu.funcs {
		if rangesContain(f.ranges, pc) {
			fn = f
			break
		}
	}
	if fn == nil {
		return nil, false
	}

	var file string
	var line uint32
	if lr, err := idx.d.LineReader(cu.entry); err == nil && lr != nil {
		var le dwarf.LineEntry
		if err := lr.SeekPC(pc, &le); err == nil && le.File != nil {
			file = le.File.Name
			line = uint32(le.Line)
		}
	}

	var inlineChain []*dieNode
	collectInlineChain(fn.children, pc, &inlineChain)

	// inlineChain is outermost-first (collectInlineChain recurses into
	// deeper inlines as it walks down); walking it back-to-front yields
	// innermost-first, with the physical, non-inlined function last.
	frames := make([]symmap.FrameDebugInfo, 0, len(inlineChain)+1)
	for i := len(inlineChain) - 1; i >= 0; i-- {
		frames = append(frames, idx.frameFor(inlineChain[i].entry, file, line))
		if cl, ok := callLine(inlineChain[i].entry); ok {
			line = cl
			file = callFile(idx.d, cu.entry, inlineChain[i].entry, file)
		}
	}
	frames = append(frames, idx.frameFor(fn.entry, file, line))
	return frames, true
}

// collectInlineChain walks nested DW_TAG_inlined_subroutine entries
// containing pc, outermost first.
func collectInlineChain(nodes []*dieNode, pc uint64, chain *[]*dieNode) {
	for _, n := range nodes {
		if n.entry.Tag == dwarf.TagInlinedSubroutine && rangesContain(n.ranges, pc) {
			*chain = append(*chain, n)
			collectInlineChain(n.children, pc, chain)
			return
		}
		if n.entry.Tag == dwarf.TagLexDwarfBlock {
			collectInlineChain(n.children, pc, chain)
		}
	}
}

func callLine(e *dwarf.Entry) (uint32, bool) {
	v, ok := e.Val(dwarf.AttrCallLine).(int64)
	if !ok {
		return 0, false
	}
	return uint32(v), true
}

// callFile resolves DW_AT_call_file (an index into the CU's line-table file
// list) to a path, falling back to fallback if the attribute or file table
// lookup fails.
func callFile(d *dwarf.Data, cuEntry, e *dwarf.Entry, fallback string) string {
	idx, ok := e.Val(dwarf.AttrCallFile).(int64)
	if !ok {
		return fallback
	}
	lr, err := d.LineReader(cuEntry)
	if err != nil || lr == nil {
		return fallback
	}
	files := lr.Files()
	if idx < 0 || int(idx) >= len(files) || files[idx] == nil {
		return fallback
	}
	return files[idx].Name
}

func (idx *Index) frameFor(e *dwarf.Entry, fallbackFile string, fallbackLine uint32) symmap.FrameDebugInfo {
	name, _ := e.Val(dwarf.AttrName).(string)
	if name == "" {
		if off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
			r := idx.d.Reader()
			r.Seek(off)
			if oe, err := r.Next(); err == nil && oe != nil {
				if n2, ok := oe.Val(dwarf.AttrName).(string); ok {
					name = n2
				}
			}
		}
	}
	var fi symmap.FrameDebugInfo
	if name != "" {
		h := idx.in.InternOwned(demangle.Name(name))
		fi.FunctionName = &h
	}
	if fallbackFile != "" {
		h := idx.in.Intern(idx.resolvePath(fallbackFile))
		fi.FilePath = &h
	}
	if fallbackLine != 0 {
		l := fallbackLine
		fi.LineNumber = &l
	}
	return fi
}

// resolvePath joins a relative compiler-recorded source path onto the debug
// file's own directory. Absolute paths (and Windows drive paths) pass
// through untouched.
func (idx *Index) resolvePath(p string) string {
	if idx.baseDir == "" || p == "" || p[0] == '/' || p[0] == '\\' {
		return p
	}
	if len(p) >= 2 && p[1] == ':' {
		return p
	}
	return idx.baseDir + "/" + p
}
