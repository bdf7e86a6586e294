// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dyldcache locates a single dylib image inside a dyld shared
// cache file and hands its byte range to format/machodwarf, the same
// slice-then-delegate structure format/fat uses for fat archives. It reads
// the dyld_cache_header, mapping table and image-info table directly. Split
// subcache files (the newer multi-file cache layout) are not supported;
// only the classic single-file cache is.
package dyldcache

import (
	"encoding/binary"
	"strings"

	"github.com/natsym/natsym/format/machodwarf"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/symerr"
)

type mapping struct {
	address    uint64
	size       uint64
	fileOffset uint64
}

type image struct {
	address        uint64
	pathFileOffset uint32
}

func readMappings(fc filedata.FileContents, off uint64, count uint32) ([]mapping, error) {
	const entrySize = 32 // address, size, fileOffset (uint64 each) + maxProt, initProt (uint32 each)
	out := make([]mapping, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := fc.ReadBytesAt(off+uint64(i)*entrySize, entrySize)
		if err != nil {
			return nil, err
		}
		out = append(out, mapping{
			address:    binary.LittleEndian.Uint64(e[0:8]),
			size:       binary.LittleEndian.Uint64(e[8:16]),
			fileOffset: binary.LittleEndian.Uint64(e[16:24]),
		})
	}
	return out, nil
}

func readImages(fc filedata.FileContents, off uint64, count uint32) ([]image, error) {
	const entrySize = 32 // address(8), modTime(8), inode(8), pathFileOffset(4), pad(4)
	out := make([]image, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := fc.ReadBytesAt(off+uint64(i)*entrySize, entrySize)
		if err != nil {
			return nil, err
		}
		out = append(out, image{
			address:        binary.LittleEndian.Uint64(e[0:8]),
			pathFileOffset: binary.LittleEndian.Uint32(e[24:28]),
		})
	}
	return out, nil
}

func readCString(fc filedata.FileContents, off uint64) (string, error) {
	const maxLen = 1024
	b, err := fc.ReadBytesAtUntil(off, off+maxLen, 0)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toFileOffset(mappings []mapping, addr uint64) (uint64, bool) {
	for _, m := range mappings {
		if addr >= m.address && addr < m.address+m.size {
			return m.fileOffset + (addr - m.address), true
		}
	}
	return 0, false
}

// Parse locates dylibPath (matched against the full install path recorded
// in the cache, e.g. "/usr/lib/libSystem.B.dylib") inside the cache and
// parses it.
func Parse(fc filedata.FileContents, dylibPath string) (*machodwarf.ParseResult, error) {
	head, err := fc.ReadBytesAt(0, 32)
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "dyld-cache", Err: err}
	}
	if !strings.HasPrefix(string(head[:16]), "dyld_v1") {
		return nil, &symerr.ObjectParseError{FileKind: "dyld-cache", Err: &symerr.InvalidInputError{Reason: "missing dyld_v1 cache signature"}}
	}

	hdr, err := fc.ReadBytesAt(0, 0x78)
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "dyld-cache", Err: err}
	}
	mappingOffset := uint64(binary.LittleEndian.Uint32(hdr[0x10:0x14]))
	mappingCount := binary.LittleEndian.Uint32(hdr[0x14:0x18])
	imagesOffset := uint64(binary.LittleEndian.Uint32(hdr[0x18:0x1c]))
	imagesCount := binary.LittleEndian.Uint32(hdr[0x1c:0x20])

	mappings, err := readMappings(fc, mappingOffset, mappingCount)
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "dyld-cache", Err: err}
	}
	images, err := readImages(fc, imagesOffset, imagesCount)
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "dyld-cache", Err: err}
	}

	for _, img := range images {
		path, err := readCString(fc, uint64(img.pathFileOffset))
		if err != nil || path != dylibPath {
			continue
		}
		fileOff, ok := toFileOffset(mappings, img.address)
		if !ok {
			continue
		}
		// The image's Mach-O header doesn't carry its own length inside the
		// cache; expose the remainder of its containing mapping and let
		// format/machodwarf's load-command walk stop at the real end.
		for _, m := range mappings {
			if img.address >= m.address && img.address < m.address+m.size {
				size := m.size - (img.address - m.address)
				view, err := filedata.SubRangeView(fc, fileOff, size)
				if err != nil {
					return nil, &symerr.ObjectParseError{FileKind: "dyld-cache", Err: err}
				}
				return machodwarf.Parse(view)
			}
		}
	}
	return nil, &symerr.NoCandidatePathForBinary{BinaryName: dylibPath, DebugID: ""}
}
