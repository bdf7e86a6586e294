// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package filedata is the random-access, zero-copy view over a file's
// contents that every format parser builds its borrowed views on top of.
// The local implementation mmaps the file (github.com/edsrzf/mmap-go)
// instead of using os.File.ReadAt, so that slices returned by ReadBytesAt
// remain valid without copying for as long as the FileContents is alive.
package filedata

import (
	"fmt"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
)

// FileContents is the zero-copy random-access abstraction every format
// parser is built against. Slices returned by ReadBytesAt/AppendBytes remain
// valid for the lifetime of the FileContents.
type FileContents interface {
	// Len returns the total size of the file in bytes.
	Len() uint64

	// ReadBytesAt returns a slice over [offset, offset+size). The slice
	// aliases the underlying storage; callers must not mutate it.
	ReadBytesAt(offset, size uint64) ([]byte, error)

	// ReadBytesAtUntil scans forward from offset (up to limit) for delim and
	// returns the bytes up to but not including it. Fails with ErrDelimiterNotFound
	// if delim doesn't occur before limit.
	ReadBytesAtUntil(offset, limit uint64, delim byte) ([]byte, error)

	// AppendBytes appends size bytes starting at offset onto dst, growing it
	// as needed, and returns the new slice.
	AppendBytes(dst []byte, offset, size uint64) ([]byte, error)

	// Close releases any resources (e.g. unmaps the file).
	Close() error
}

// ErrOutOfRange is returned when a requested range exceeds the file length.
type ErrOutOfRange struct {
	Offset, Size, FileLen uint64
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("filedata: read [%d, %d) out of range for file of length %d", e.Offset, e.Offset+e.Size, e.FileLen)
}

// ErrDelimiterNotFound is returned by ReadBytesAtUntil when delim doesn't
// occur within the searched range.
type ErrDelimiterNotFound struct {
	Offset, Limit uint64
	Delim         byte
}

func (e *ErrDelimiterNotFound) Error() string {
	return fmt.Sprintf("filedata: delimiter %q not found in [%d, %d)", e.Delim, e.Offset, e.Limit)
}

// mmapFile is the local-disk FileContents implementation.
type mmapFile struct {
	f    *os.File
	data mmap.MMap
}

// OpenLocal mmaps the file at path read-only.
func OpenLocal(path string) (FileContents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		// mmap.Map refuses to map a zero-length file; fall back to an
		// always-empty view rather than failing the whole open.
		return &mmapFile{f: f, data: mmap.MMap{}}, nil
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mmapFile{f: f, data: data}, nil
}

func (m *mmapFile) Len() uint64 { return uint64(len(m.data)) }

func (m *mmapFile) bounds(offset, size uint64) error {
	if offset > uint64(len(m.data)) || size > uint64(len(m.data))-offset {
		return &ErrOutOfRange{Offset: offset, Size: size, FileLen: uint64(len(m.data))}
	}
	return nil
}

func (m *mmapFile) ReadBytesAt(offset, size uint64) ([]byte, error) {
	if err := m.bounds(offset, size); err != nil {
		return nil, err
	}
	return m.data[offset : offset+size], nil
}

func (m *mmapFile) ReadBytesAtUntil(offset, limit uint64, delim byte) ([]byte, error) {
	if limit > uint64(len(m.data)) {
		limit = uint64(len(m.data))
	}
	if offset > limit {
		return nil, &ErrOutOfRange{Offset: offset, Size: 0, FileLen: uint64(len(m.data))}
	}
	for i := offset; i < limit; i++ {
		if m.data[i] == delim {
			return m.data[offset:i], nil
		}
	}
	return nil, &ErrDelimiterNotFound{Offset: offset, Limit: limit, Delim: delim}
}

func (m *mmapFile) AppendBytes(dst []byte, offset, size uint64) ([]byte, error) {
	if err := m.bounds(offset, size); err != nil {
		return dst, err
	}
	return append(dst, m.data[offset:offset+size]...), nil
}

func (m *mmapFile) Close() error {
	var err error
	if len(m.data) > 0 {
		err = m.data.Unmap()
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// InMemory is a FileContents backed by an already-loaded byte slice — used
// for the bytes a host hands back from a Custom (e.g. downloaded) location,
// and in tests.
type InMemory struct {
	Bytes []byte
}

func (b *InMemory) Len() uint64 { return uint64(len(b.Bytes)) }

func (b *InMemory) ReadBytesAt(offset, size uint64) ([]byte, error) {
	if offset > uint64(len(b.Bytes)) || size > uint64(len(b.Bytes))-offset {
		return nil, &ErrOutOfRange{Offset: offset, Size: size, FileLen: uint64(len(b.Bytes))}
	}
	return b.Bytes[offset : offset+size], nil
}

func (b *InMemory) ReadBytesAtUntil(offset, limit uint64, delim byte) ([]byte, error) {
	if limit > uint64(len(b.Bytes)) {
		limit = uint64(len(b.Bytes))
	}
	for i := offset; i < limit; i++ {
		if b.Bytes[i] == delim {
			return b.Bytes[offset:i], nil
		}
	}
	return nil, &ErrDelimiterNotFound{Offset: offset, Limit: limit, Delim: delim}
}

func (b *InMemory) AppendBytes(dst []byte, offset, size uint64) ([]byte, error) {
	s, err := b.ReadBytesAt(offset, size)
	if err != nil {
		return dst, err
	}
	return append(dst, s...), nil
}

func (b *InMemory) Close() error { return nil }

// chunkSize is the granularity read-stats are bucketed at.
const chunkSize = 32 * 1024

// StatsFileContents wraps a FileContents and records, per 32 KiB chunk, how
// many times each chunk has been touched by a read. Intended for diagnostics
// (cmd/natsym --stats) over multi-GB artifacts where only a small fraction
// of the file is ever actually paged in.
type StatsFileContents struct {
	inner FileContents
	mu    sync.Mutex
	hits  map[uint64]uint64
}

// NewStatsFileContents wraps inner with read-stats tracking.
func NewStatsFileContents(inner FileContents) *StatsFileContents {
	return &StatsFileContents{inner: inner, hits: make(map[uint64]uint64)}
}

func (s *StatsFileContents) record(offset, size uint64) {
	if size == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := offset / chunkSize; c <= (offset+size-1)/chunkSize; c++ {
		s.hits[c]++
	}
}

func (s *StatsFileContents) Len() uint64 { return s.inner.Len() }

func (s *StatsFileContents) ReadBytesAt(offset, size uint64) ([]byte, error) {
	b, err := s.inner.ReadBytesAt(offset, size)
	if err == nil {
		s.record(offset, size)
	}
	return b, err
}

func (s *StatsFileContents) ReadBytesAtUntil(offset, limit uint64, delim byte) ([]byte, error) {
	b, err := s.inner.ReadBytesAtUntil(offset, limit, delim)
	if err == nil {
		s.record(offset, uint64(len(b)))
	}
	return b, err
}

func (s *StatsFileContents) AppendBytes(dst []byte, offset, size uint64) ([]byte, error) {
	out, err := s.inner.AppendBytes(dst, offset, size)
	if err == nil {
		s.record(offset, size)
	}
	return out, err
}

func (s *StatsFileContents) Close() error { return s.inner.Close() }

// ChunkHitCounts returns a copy of the per-chunk access-frequency table,
// keyed by chunk index (chunk i covers byte range [i*32Ki, (i+1)*32Ki)).
func (s *StatsFileContents) ChunkHitCounts() map[uint64]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]uint64, len(s.hits))
	for k, v := range s.hits {
		out[k] = v
	}
	return out
}

// View restricts an underlying FileContents to [start, start+size) and is
// itself a FileContents, so fat-archive slices and dyld-cache members can
// be parsed without copying.
type View struct {
	inner       FileContents
	start, size uint64
}

// FullRangeView wraps the entirety of fc as a View (identity wrapper, useful
// so call sites can always work with filedata.View).
func FullRangeView(fc FileContents) *View { return &View{inner: fc, start: 0, size: fc.Len()} }

// SubRangeView restricts fc to [start, start+size).
func SubRangeView(fc FileContents, start, size uint64) (*View, error) {
	if start > fc.Len() || size > fc.Len()-start {
		return nil, &ErrOutOfRange{Offset: start, Size: size, FileLen: fc.Len()}
	}
	return &View{inner: fc, start: start, size: size}, nil
}

func (v *View) Len() uint64 { return v.size }

func (v *View) ReadBytesAt(offset, size uint64) ([]byte, error) {
	if offset > v.size || size > v.size-offset {
		return nil, &ErrOutOfRange{Offset: offset, Size: size, FileLen: v.size}
	}
	return v.inner.ReadBytesAt(v.start+offset, size)
}

func (v *View) ReadBytesAtUntil(offset, limit uint64, delim byte) ([]byte, error) {
	if limit > v.size {
		limit = v.size
	}
	b, err := v.inner.ReadBytesAtUntil(v.start+offset, v.start+limit, delim)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (v *View) AppendBytes(dst []byte, offset, size uint64) ([]byte, error) {
	if offset > v.size || size > v.size-offset {
		return dst, &ErrOutOfRange{Offset: offset, Size: size, FileLen: v.size}
	}
	return v.inner.AppendBytes(dst, v.start+offset, size)
}

func (v *View) Close() error { return nil } // a View doesn't own inner
