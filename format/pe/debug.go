// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"

	"github.com/natsym/natsym/internal/debugid"
)

// imageDebugDirectory mirrors IMAGE_DEBUG_DIRECTORY.
type imageDebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// parseDebugDirectory walks the debug directory array, looking only for the
// CodeView (RSDS/NB10) entry: everything this package needs (a debug id, a
// PDB file name to hand to the host for candidate-path construction) comes
// from it.
func (r *reader) parseDebugDirectory(rva, size uint32) (debugid.ID, string, error) {
	var dd imageDebugDirectory
	ddSize := uint32(binary.Size(dd))
	if ddSize == 0 {
		return debugid.ID{}, "", nil
	}
	count := size / ddSize

	for i := uint32(0); i < count; i++ {
		offset := r.rvaToOffset(rva + ddSize*i)
		raw, err := r.fc.ReadBytesAt(offset, uint64(ddSize))
		if err != nil {
			return debugid.ID{}, "", err
		}
		dd = imageDebugDirectory{}
		if err := readStruct(raw, &dd); err != nil {
			return debugid.ID{}, "", err
		}
		if dd.Type != imageDebugTypeCodeView {
			continue
		}

		sigOffset := uint64(dd.PointerToRawData)
		sig, err := r.u32(sigOffset)
		if err != nil {
			continue
		}

		switch sig {
		case cvSignatureRSDS:
			// RSDS(4) + GUID{Data1(4) Data2(2) Data3(2) Data4(8)}(16) + Age(4) + name.
			guidRaw, err := r.fc.ReadBytesAt(sigOffset+4, 16)
			if err != nil {
				continue
			}
			var data1 uint32
			var data2, data3 uint16
			var data4 [8]byte
			data1 = binary.LittleEndian.Uint32(guidRaw[0:4])
			data2 = binary.LittleEndian.Uint16(guidRaw[4:6])
			data3 = binary.LittleEndian.Uint16(guidRaw[6:8])
			copy(data4[:], guidRaw[8:16])
			age, err := r.u32(sigOffset + 20)
			if err != nil {
				continue
			}
			name := r.readCString(sigOffset + 24)
			return debugid.FromPECodeView(data1, data2, data3, data4, age), name, nil

		case cvSignatureNB10:
			// NB10(4) + Offset(4, always 0) + Signature(4) + Age(4) + name.
			age, err := r.u32(sigOffset + 12)
			if err != nil {
				continue
			}
			name := r.readCString(sigOffset + 16)
			// NB10 carries no GUID; FromPECodeView still gives a stable,
			// reproducible 33-hex id from the timestamp-derived signature.
			sigVal, _ := r.u32(sigOffset + 8)
			return debugid.FromPECodeView(sigVal, 0, 0, [8]byte{}, age), name, nil
		}
	}
	return debugid.ID{}, "", nil
}

// readCString reads a NUL-terminated string starting at offset.
func (r *reader) readCString(offset uint64) string {
	const maxLen = 260 // MAX_PATH; PDB file names are paths
	b, err := r.fc.ReadBytesAtUntil(offset, offset+maxLen, 0)
	if err != nil {
		return ""
	}
	return string(b)
}

func readStruct(raw []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, v)
}
