// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfdwarf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/symmap"
)

// The DWARF abbrev/tag/attr/form codes below are the standard DWARF4
// constants; debug/dwarf keeps its own unexported copies, so there is
// nothing to import them from.
const (
	dwTagCompileUnit       = 0x11
	dwTagSubprogram        = 0x2e
	dwTagInlinedSubroutine = 0x1d

	dwAtName   = 0x03
	dwAtLowpc  = 0x11
	dwAtHighpc = 0x12

	dwFormAddr   = 0x01
	dwFormString = 0x08
)

func cstr(s string) []byte { return append([]byte(s), 0) }

func addr8(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// buildDebugAbbrev mirrors internal/dwarfutil's test fixture, minus the
// call_file/call_line fields (not needed here; format/elfdwarf only needs to
// prove the DWARF section is found and wired through to dwarfutil -- the
// inline-chain ordering itself is covered directly in dwarfutil's own test).
func buildDebugAbbrev() []byte {
	var b []byte
	put := func(vs ...byte) { b = append(b, vs...) }

	put(1, dwTagCompileUnit, 1)
	put(dwAtLowpc, dwFormAddr)
	put(dwAtHighpc, dwFormAddr)
	put(0, 0)

	put(2, dwTagSubprogram, 1)
	put(dwAtName, dwFormString)
	put(dwAtLowpc, dwFormAddr)
	put(dwAtHighpc, dwFormAddr)
	put(0, 0)

	put(3, dwTagInlinedSubroutine, 1)
	put(dwAtName, dwFormString)
	put(dwAtLowpc, dwFormAddr)
	put(dwAtHighpc, dwFormAddr)
	put(0, 0)

	put(0)
	return b
}

// buildDebugInfo assembles one compile unit: subprogram "F" [0x1000,0x2000)
// which inlines "G" [0x1000,0x1800) which inlines "H" [0x1000,0x1400) -- a
// two-level inline chain at pc 0x1000.
func buildDebugInfo() []byte {
	var body []byte
	app := func(bs ...[]byte) {
		for _, x := range bs {
			body = append(body, x...)
		}
	}

	app([]byte{1}, addr8(0x1000), addr8(0x2000))
	app([]byte{2}, cstr("F"), addr8(0x1000), addr8(0x2000))
	app([]byte{3}, cstr("G"), addr8(0x1000), addr8(0x1800))
	app([]byte{3}, cstr("H"), addr8(0x1000), addr8(0x1400))
	body = append(body, 0, 0, 0, 0) // terminate H, G, F and CU child lists

	header := make([]byte, 0, 7)
	header = binary.LittleEndian.AppendUint16(header, 4)
	header = binary.LittleEndian.AppendUint32(header, 0)
	header = append(header, 8)

	unit := append(header, body...)
	out := make([]byte, 4, 4+len(unit))
	binary.LittleEndian.PutUint32(out, uint32(len(unit)))
	return append(out, unit...)
}

// buildMinimalELF assembles a 64-bit little-endian ET_EXEC ELF carrying one
// function symbol, a GNU build-id note and DWARF debug_info/debug_abbrev
// sections -- enough to exercise Parse's symbol table, build-id and DWARF
// wiring without a real toolchain-produced binary.
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()

	type namedSection struct {
		name    string
		typ     elf.SectionType
		flags   elf.SectionFlag
		addr    uint64
		data    []byte
		link    uint32
		entsize uint64
	}

	debugInfo := buildDebugInfo()
	debugAbbrev := buildDebugAbbrev()

	buildIDDesc := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	var note bytes.Buffer
	binary.Write(&note, binary.LittleEndian, uint32(4))  // namesz: "GNU\0"
	binary.Write(&note, binary.LittleEndian, uint32(len(buildIDDesc)))
	binary.Write(&note, binary.LittleEndian, uint32(3)) // NT_GNU_BUILD_ID
	note.WriteString("GNU\x00")
	note.Write(buildIDDesc)

	var symtab bytes.Buffer
	binary.Write(&symtab, binary.LittleEndian, elf.Sym64{}) // mandatory null symbol
	binary.Write(&symtab, binary.LittleEndian, elf.Sym64{
		Name:  1, // offset into .strtab, past its leading NUL
		Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC),
		Shndx: 1, // .text
		Value: 0x1000,
		Size:  0x1000,
	})

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strtab.WriteString("F\x00")

	sections := []namedSection{
		{name: ""}, // SHN_UNDEF
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: 0x1000, data: make([]byte, 0x2000)},
		{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab.Bytes(), link: 3, entsize: elf.Sym64Size},
		{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab.Bytes()},
		{name: ".debug_info", typ: elf.SHT_PROGBITS, data: debugInfo},
		{name: ".debug_abbrev", typ: elf.SHT_PROGBITS, data: debugAbbrev},
		{name: ".note.gnu.build-id", typ: elf.SHT_NOTE, data: note.Bytes()},
		{name: ".shstrtab", typ: elf.SHT_STRTAB},
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		if s.name == "" {
			continue
		}
		nameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	sections[len(sections)-1].data = shstrtab.Bytes()

	const headerSize = 64
	const shdrSize = 64
	var buf bytes.Buffer
	buf.Write(make([]byte, headerSize))

	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		if len(s.data) == 0 {
			offsets[i] = 0
			continue
		}
		offsets[i] = uint64(buf.Len())
		buf.Write(s.data)
	}

	shoff := uint64(buf.Len())
	for i, s := range sections {
		sh := elf.Section64{
			Name:      nameOff[i],
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Addr:      s.addr,
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Link:      s.link,
			Entsize:   s.entsize,
			Addralign: 1,
		}
		binary.Write(&buf, binary.LittleEndian, sh)
	}

	out := buf.Bytes()

	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    headerSize,
		Shentsize: shdrSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	}
	var hdrBuf bytes.Buffer
	binary.Write(&hdrBuf, binary.LittleEndian, hdr)
	copy(out[0:headerSize], hdrBuf.Bytes())

	return out
}

func TestParseMinimalELF(t *testing.T) {
	data := buildMinimalELF(t)
	res, err := Parse(&filedata.InMemory{Bytes: data}, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.SymbolMap.SymbolCount())
	require.False(t, res.DebugID.IsZero())

	info, ok := res.SymbolMap.Lookup(0x1000)
	require.True(t, ok)
	require.Equal(t, "F", res.SymbolMap.ResolveString(info.Symbol.Name))
	require.Equal(t, symmap.FramesAvailable, info.Frames.Kind)
	require.Len(t, info.Frames.Frames, 3)

	names := make([]string, len(info.Frames.Frames))
	for i, fr := range info.Frames.Frames {
		names[i] = res.SymbolMap.ResolveString(*fr.FunctionName)
	}
	require.Equal(t, []string{"H", "G", "F"}, names)
}

func TestParseRejectsNonELF(t *testing.T) {
	_, err := Parse(&filedata.InMemory{Bytes: []byte("not an elf file at all")}, "")
	require.Error(t, err)
}
