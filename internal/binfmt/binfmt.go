// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package binfmt classifies a file by magic bytes so the symbol manager can
// route it to the right format/* parser. Classification reads only the
// leading bytes; it never fully parses the container.
package binfmt

import (
	"encoding/binary"

	"github.com/natsym/natsym/internal/filedata"
)

// Format identifies a recognized container format.
type Format int

const (
	Unknown Format = iota
	ELF32
	ELF64
	MachO32
	MachO64
	MachOFat32
	MachOFat64
	PE32
	PE32Plus
	PDB
	BreakpadText
	Archive // ar/COFF archive, recognized but unsupported
	Wasm    // recognized but unsupported
)

func (f Format) String() string {
	switch f {
	case ELF32:
		return "elf32"
	case ELF64:
		return "elf64"
	case MachO32:
		return "macho32"
	case MachO64:
		return "macho64"
	case MachOFat32:
		return "macho-fat32"
	case MachOFat64:
		return "macho-fat64"
	case PE32:
		return "pe32"
	case PE32Plus:
		return "pe32+"
	case PDB:
		return "pdb"
	case BreakpadText:
		return "breakpad"
	case Archive:
		return "archive"
	case Wasm:
		return "wasm"
	default:
		return "unknown"
	}
}

const (
	elfMagic       = "\x7fELF"
	machO32Magic   = 0xfeedface
	machO64Magic   = 0xfeedfacf
	machOCigam32   = 0xcefaedfe
	machOCigam64   = 0xcffaedfe
	fatMagic       = 0xcafebabe // also the Java class-file magic; Identify does not tell the two apart
	fatCigam       = 0xbebafeca
	fatMagic64     = 0xcafebabf
	fatCigam64     = 0xbfbafeca
	peDOSMagic     = 0x5a4d // "MZ"
	peNTSignature  = 0x00004550
	pdbSignaturePrefix = "Microsoft C/C++ MSF 7.00"
	arMagic        = "!<arch>\n"
	wasmMagic      = "\x00asm"
)

// Identify inspects the leading bytes of fc and classifies its format.
func Identify(fc filedata.FileContents) (Format, error) {
	if fc.Len() < 4 {
		return Unknown, nil
	}
	head, err := fc.ReadBytesAt(0, min(fc.Len(), 64))
	if err != nil {
		return Unknown, err
	}

	if len(head) >= 4 && string(head[:4]) == elfMagic {
		class, err := fc.ReadBytesAt(4, 1)
		if err != nil {
			return Unknown, err
		}
		if class[0] == 2 {
			return ELF64, nil
		}
		return ELF32, nil
	}

	if len(head) >= 8 && string(head[:8]) == arMagic {
		return Archive, nil
	}
	if len(head) >= 4 && string(head[:4]) == wasmMagic {
		return Wasm, nil
	}
	if len(head) >= len(pdbSignaturePrefix) && string(head[:len(pdbSignaturePrefix)]) == pdbSignaturePrefix {
		return PDB, nil
	}

	magic32 := binary.BigEndian.Uint32(head[:4])
	switch magic32 {
	case machO32Magic, machOCigam32:
		return MachO32, nil
	case machO64Magic, machOCigam64:
		return MachO64, nil
	case fatMagic, fatCigam:
		return MachOFat32, nil
	case fatMagic64, fatCigam64:
		return MachOFat64, nil
	}

	if len(head) >= 2 && binary.LittleEndian.Uint16(head[:2]) == peDOSMagic {
		if isPE(fc) {
			return peSubFormat(fc)
		}
	}

	if looksLikeBreakpadText(head) {
		return BreakpadText, nil
	}

	return Unknown, nil
}

// isPE follows the DOS stub's e_lfanew pointer and checks for "PE\0\0".
func isPE(fc filedata.FileContents) bool {
	lfanewBytes, err := fc.ReadBytesAt(0x3c, 4)
	if err != nil {
		return false
	}
	lfanew := binary.LittleEndian.Uint32(lfanewBytes)
	sigBytes, err := fc.ReadBytesAt(uint64(lfanew), 4)
	if err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(sigBytes) == peNTSignature
}

func peSubFormat(fc filedata.FileContents) (Format, error) {
	lfanewBytes, _ := fc.ReadBytesAt(0x3c, 4)
	lfanew := uint64(binary.LittleEndian.Uint32(lfanewBytes))
	// NT signature (4) + IMAGE_FILE_HEADER (20) precede the optional header magic.
	magicBytes, err := fc.ReadBytesAt(lfanew+4+20, 2)
	if err != nil {
		return PE32, nil // header too short to tell; default to 32-bit.
	}
	magic := binary.LittleEndian.Uint16(magicBytes)
	if magic == 0x20b {
		return PE32Plus, nil
	}
	return PE32, nil
}

// looksLikeBreakpadText applies the same "starts with MODULE " sniff the
// Breakpad tooling itself uses; .sym files have no magic number.
func looksLikeBreakpadText(head []byte) bool {
	const prefix = "MODULE "
	return len(head) >= len(prefix) && string(head[:len(prefix)]) == prefix
}

