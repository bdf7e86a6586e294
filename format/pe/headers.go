// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"

	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/symerr"
)

// reader unpacks fixed-layout header structs straight out of a
// filedata.FileContents, little-endian throughout.
type reader struct {
	fc       filedata.FileContents
	sections []sectionHeader
}

func (r *reader) u16(offset uint64) (uint16, error) {
	b, err := r.fc.ReadBytesAt(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32(offset uint64) (uint32, error) {
	b, err := r.fc.ReadBytesAt(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// imageDOSHeader is the full IMAGE_DOS_HEADER layout; only Magic and
// AddressOfNewEXEHeader (e_lfanew) are actually consumed, the rest exist so
// the struct's binary.Size matches the on-disk layout.
type imageDOSHeader struct {
	Magic                    uint16
	BytesOnLastPageOfFile    uint16
	PagesInFile              uint16
	Relocations              uint16
	SizeOfHeader             uint16
	MinExtraParagraphsNeeded uint16
	MaxExtraParagraphsNeeded uint16
	InitialSS                uint16
	InitialSP                uint16
	Checksum                 uint16
	InitialIP                uint16
	InitialCS                uint16
	AddressOfRelocationTable uint16
	OverlayNumber            uint16
	ReservedWords1           [4]uint16
	OEMIdentifier            uint16
	OEMInformation           uint16
	ReservedWords2           [10]uint16
	AddressOfNewEXEHeader    uint32
}

func (r *reader) dosHeader() (imageDOSHeader, error) {
	var h imageDOSHeader
	size := uint64(binary.Size(h))
	raw, err := r.fc.ReadBytesAt(0, size)
	if err != nil {
		return h, err
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return h, err
	}
	if h.Magic != imageDOSSignature {
		return h, &symerr.InvalidInputError{Reason: "missing MZ signature"}
	}
	if h.AddressOfNewEXEHeader < 4 {
		return h, &symerr.InvalidInputError{Reason: "e_lfanew too small"}
	}
	return h, nil
}

type imageFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type dataDirectoryEntry struct {
	rva, size uint32
}

// ntHeaders is the subset of the NT headers this package needs: the COFF
// file header plus the data directory array, whichever optional header
// width produced it.
type ntHeaders struct {
	lfanew          uint32
	fileHeader      imageFileHeader
	is64            bool
	dataDirectories []dataDirectoryEntry
}

func (nt *ntHeaders) dataDirectory(index int) (dataDirectoryEntry, bool) {
	if index < 0 || index >= len(nt.dataDirectories) {
		return dataDirectoryEntry{}, false
	}
	d := nt.dataDirectories[index]
	return d, d.rva != 0 || d.size != 0
}

func (r *reader) ntHeader(lfanew uint32) (*ntHeaders, error) {
	sig, err := r.u32(uint64(lfanew))
	if err != nil {
		return nil, err
	}
	if sig != imageNTSignature {
		return nil, &symerr.InvalidInputError{Reason: "missing PE signature"}
	}

	fileHeaderOffset := uint64(lfanew) + 4
	var fh imageFileHeader
	fhSize := uint64(binary.Size(fh))
	raw, err := r.fc.ReadBytesAt(fileHeaderOffset, fhSize)
	if err != nil {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &fh); err != nil {
		return nil, err
	}

	optHeaderOffset := fileHeaderOffset + fhSize
	magic, err := r.u16(optHeaderOffset)
	if err != nil {
		return nil, err
	}

	// IMAGE_OPTIONAL_HEADER32 is 96 bytes before its DataDirectory array;
	// IMAGE_OPTIONAL_HEADER64 (PE32+, no BaseOfData, 8-byte ImageBase and
	// 8-byte stack/heap reserve/commit fields) is 112.
	const optHeader32Size = 96
	const optHeader64Size = 112

	var is64 bool
	var ddOffset uint64
	switch magic {
	case optMagicPE32Plus:
		is64 = true
		ddOffset = optHeaderOffset + optHeader64Size
	default:
		// PE32 (0x10b); an unrecognized magic is treated as 32-bit.
		is64 = false
		ddOffset = optHeaderOffset + optHeader32Size
	}

	numRvaAndSizesOffset := ddOffset - 4
	numDirs, err := r.u32(numRvaAndSizesOffset)
	if err != nil || numDirs > 16 {
		numDirs = 16
	}

	dirs := make([]dataDirectoryEntry, 0, numDirs)
	for i := uint32(0); i < numDirs; i++ {
		entryOffset := ddOffset + uint64(i)*8
		rva, err := r.u32(entryOffset)
		if err != nil {
			break
		}
		size, err := r.u32(entryOffset + 4)
		if err != nil {
			break
		}
		dirs = append(dirs, dataDirectoryEntry{rva: rva, size: size})
	}

	return &ntHeaders{lfanew: lfanew, fileHeader: fh, is64: is64, dataDirectories: dirs}, nil
}

// sectionHeader is the IMAGE_SECTION_HEADER layout (40 bytes, no padding).
type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

func (r *reader) sectionHeaders(lfanew uint32, nt *ntHeaders) ([]sectionHeader, error) {
	fhSize := uint64(binary.Size(imageFileHeader{}))
	offset := uint64(lfanew) + 4 + fhSize + uint64(nt.fileHeader.SizeOfOptionalHeader)
	var sh sectionHeader
	shSize := uint64(binary.Size(sh))

	out := make([]sectionHeader, 0, nt.fileHeader.NumberOfSections)
	for i := uint16(0); i < nt.fileHeader.NumberOfSections; i++ {
		raw, err := r.fc.ReadBytesAt(offset, shSize)
		if err != nil {
			return nil, err
		}
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sh); err != nil {
			return nil, err
		}
		out = append(out, sh)
		offset += shSize
	}
	return out, nil
}

// rvaToOffset converts a relative virtual address to a file offset by
// walking the section table, falling back to treating the RVA as already
// being a file offset when it falls before the first section (true of the
// headers themselves).
func (r *reader) rvaToOffset(rva uint32) uint64 {
	for _, s := range r.sections {
		size := s.VirtualSize
		if size == 0 || size < s.SizeOfRawData {
			size = s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return uint64(s.PointerToRawData + (rva - s.VirtualAddress))
		}
	}
	return uint64(rva)
}
