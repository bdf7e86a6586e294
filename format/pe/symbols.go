// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Caps on symbol count and per-name length; a count past this is taken as a
// corrupt header rather than a real table.
const maxCOFFSymbolsCount = 0x10000
const maxCOFFSymStrLength = 0x50

// coffSymbol is the on-disk COFF symbol record (18 bytes, no padding): an
// 8-byte name union, a value, a section number, a type, a storage class and
// an aux-symbol count.
type coffSymbol struct {
	Name               [8]byte
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
}

// name resolves the short-name-vs-string-table-offset union: if the first 4
// bytes are nonzero, the full 8 bytes are a NUL-padded inline name;
// otherwise the last 4 bytes are an offset into the string table that
// follows the symbol array.
func (s coffSymbol) name(strings map[uint32]string, stringTableOffset uint32) string {
	short := binary.LittleEndian.Uint32(s.Name[:4])
	if short != 0 {
		return string(bytes.TrimRight(s.Name[:], "\x00"))
	}
	long := binary.LittleEndian.Uint32(s.Name[4:])
	return strings[stringTableOffset+long]
}

// isExternalFunction reports whether a symbol's storage class/type/
// section combination looks like executable code worth symbolicating: an
// external symbol (class 2) defined in a real section (not the special
// undefined/absolute/debug pseudo-sections <= 0) with function type 0x20.
func (s coffSymbol) isExternalFunction() bool {
	const classExternal = 2
	const typeFunction = 0x20
	return s.StorageClass == classExternal && s.SectionNumber > 0 && (s.Type&typeFunction) != 0
}

// parseCOFFSymbolTable reads the fixed-size symbol array, then the
// length-prefixed string table immediately following it, and resolves every
// symbol's display name.
func (r *reader) parseCOFFSymbolTable(nt *ntHeaders) ([]rawSymbol, bool) {
	ptr := nt.fileHeader.PointerToSymbolTable
	count := nt.fileHeader.NumberOfSymbols
	if ptr == 0 || count == 0 || count > maxCOFFSymbolsCount {
		return nil, false
	}

	var sym coffSymbol
	symSize := uint64(binary.Size(sym))
	offset := uint64(ptr)

	syms := make([]coffSymbol, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, err := r.fc.ReadBytesAt(offset, symSize)
		if err != nil {
			break
		}
		sym = coffSymbol{}
		if err := readStruct(raw, &sym); err != nil {
			break
		}
		syms = append(syms, sym)
		offset += symSize + uint64(sym.NumberOfAuxSymbols)*symSize
	}

	strTableOffset := uint32(uint64(ptr) + symSize*uint64(count))
	strs := r.coffStringTable(strTableOffset)

	out := make([]rawSymbol, 0, len(syms))
	for _, s := range syms {
		if !s.isExternalFunction() {
			continue
		}
		name := s.name(strs, strTableOffset)
		if name == "" {
			continue
		}
		out = append(out, rawSymbol{address: uint32(s.Value), name: name})
	}
	return out, len(out) > 0
}

// coffStringTable reads the COFF string table: a 4-byte total-size prefix
// followed by NUL-terminated strings, indexed by their file offset.
func (r *reader) coffStringTable(offset uint32) map[uint32]string {
	m := make(map[uint32]string)
	size, err := r.u32(uint64(offset))
	if err != nil || size <= 4 {
		return m
	}
	pos := uint64(offset) + 4
	end := uint64(offset) + uint64(size)
	for pos < end {
		b, err := r.fc.ReadBytesAtUntil(pos, end, 0)
		if err != nil || len(b) == 0 {
			break
		}
		if len(b) > maxCOFFSymStrLength {
			b = b[:maxCOFFSymStrLength]
		}
		m[uint32(pos)] = string(b)
		pos += uint64(len(b)) + 1
	}
	return m
}

// imageExportDirectory mirrors IMAGE_EXPORT_DIRECTORY.
type imageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// parseExportDirectory adapts the export table into name-addressed symbols.
// Forwarded exports (whose RVA points back inside the export directory
// itself, meaning "see <other DLL>.<other export>" rather than code) are
// skipped since they don't name an address in this image.
func (r *reader) parseExportDirectory(rva, size uint32) ([]rawSymbol, error) {
	var ed imageExportDirectory
	edSize := uint64(binary.Size(ed))
	offset := r.rvaToOffset(rva)
	raw, err := r.fc.ReadBytesAt(offset, edSize)
	if err != nil {
		return nil, err
	}
	if err := readStruct(raw, &ed); err != nil {
		return nil, err
	}

	functions := make([]uint32, ed.NumberOfFunctions)
	for i := range functions {
		v, err := r.u32(r.rvaToOffset(ed.AddressOfFunctions) + uint64(i)*4)
		if err != nil {
			return nil, err
		}
		functions[i] = v
	}

	names := make(map[uint16]string, ed.NumberOfNames)
	for i := uint32(0); i < ed.NumberOfNames; i++ {
		nameRVA, err := r.u32(r.rvaToOffset(ed.AddressOfNames) + uint64(i)*4)
		if err != nil {
			continue
		}
		ordinal, err := r.u16(r.rvaToOffset(ed.AddressOfNameOrdinals) + uint64(i)*2)
		if err != nil {
			continue
		}
		names[ordinal] = r.readCString(r.rvaToOffset(nameRVA))
	}

	out := make([]rawSymbol, 0, len(functions))
	for i, fnRVA := range functions {
		if fnRVA == 0 {
			continue
		}
		if fnRVA >= rva && fnRVA < rva+size {
			continue // forwarder string, not code in this image
		}
		name, ok := names[uint16(i)]
		if !ok || name == "" {
			name = fmt.Sprintf("ordinal_%d", ed.Base+uint32(i))
		}
		out = append(out, rawSymbol{address: fnRVA, name: name})
	}
	return out, nil
}
