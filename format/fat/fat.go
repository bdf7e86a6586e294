// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fat picks the architecture slice matching a requested debug id
// out of a fat (universal) Mach-O archive and delegates into
// format/machodwarf on a filedata.SubRangeView of just that slice. The
// fat_header/fat_arch(_64) layouts are read directly; everything past the
// slice boundary is ordinary thin Mach-O.
package fat

import (
	"encoding/binary"

	"github.com/natsym/natsym/format/machodwarf"
	"github.com/natsym/natsym/internal/debugid"
	"github.com/natsym/natsym/internal/filedata"
	"github.com/natsym/natsym/internal/symerr"
)

const (
	fatMagic32 = 0xcafebabe
	fatMagic64 = 0xcafebabf
)

// arch is one fat_arch (or fat_arch_64) entry: where its thin Mach-O slice
// lives in the file. The CPU type fields are not kept.
type arch struct {
	offset uint64
	size   uint64
}

// archs reads every fat_arch entry following the fat_header, handling
// fat_arch_64's wider offset/size fields when the archive uses the 64-bit
// magic.
func archs(fc filedata.FileContents) ([]arch, error) {
	head, err := fc.ReadBytesAt(0, 8)
	if err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint32(head[0:4])
	count := binary.BigEndian.Uint32(head[4:8])

	var out []arch
	switch magic {
	case fatMagic32:
		const entrySize = 20 // cputype, cpusubtype, offset, size, align (all uint32)
		for i := uint32(0); i < count; i++ {
			e, err := fc.ReadBytesAt(8+uint64(i)*entrySize, entrySize)
			if err != nil {
				return nil, err
			}
			out = append(out, arch{
				offset: uint64(binary.BigEndian.Uint32(e[8:12])),
				size:   uint64(binary.BigEndian.Uint32(e[12:16])),
			})
		}
	case fatMagic64:
		const entrySize = 32 // cputype, cpusubtype (uint32 each), offset, size (uint64 each), align, reserved (uint32 each)
		for i := uint32(0); i < count; i++ {
			e, err := fc.ReadBytesAt(8+uint64(i)*entrySize, entrySize)
			if err != nil {
				return nil, err
			}
			out = append(out, arch{
				offset: binary.BigEndian.Uint64(e[8:16]),
				size:   binary.BigEndian.Uint64(e[16:24]),
			})
		}
	default:
		return nil, &symerr.InvalidInputError{Reason: "not a fat Mach-O magic"}
	}
	return out, nil
}

// Parse finds the slice matching requested (by peeking each slice's LC_UUID
// via format/machodwarf.Parse) and returns its ParseResult. If requested is
// the zero value, the first successfully parsed slice is used.
func Parse(fc filedata.FileContents, requested debugid.ID) (*machodwarf.ParseResult, error) {
	slices, err := archs(fc)
	if err != nil {
		return nil, &symerr.ObjectParseError{FileKind: "macho-fat", Err: err}
	}
	if len(slices) == 0 {
		return nil, &symerr.ObjectParseError{FileKind: "macho-fat", Err: &symerr.InvalidInputError{Reason: "no architecture slices"}}
	}

	var lastErr error
	var fallback *machodwarf.ParseResult
	for _, a := range slices {
		view, err := filedata.SubRangeView(fc, a.offset, a.size)
		if err != nil {
			lastErr = err
			continue
		}
		res, err := machodwarf.Parse(view)
		if err != nil {
			lastErr = err
			continue
		}
		if requested.IsZero() {
			return res, nil
		}
		if res.DebugID == requested {
			return res, nil
		}
		if fallback == nil {
			fallback = res
		}
	}
	if !requested.IsZero() {
		return nil, &symerr.NoMatchingArchInFat{Requested: requested}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, &symerr.ObjectParseError{FileKind: "macho-fat", Err: lastErr}
}
