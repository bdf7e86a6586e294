// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addrspace implements the per-process address-to-library resolver:
// a sorted, non-overlapping interval map from AVMA (actual virtual memory
// address) ranges to library-relative addresses plus an arbitrary value.
package addrspace

import "sort"

// entry is one mapping: [startAVMA, endAVMA) maps to relAtStart + (avma - startAVMA),
// and carries the caller's associated value.
type entry[V any] struct {
	startAVMA uint64
	endAVMA   uint64
	relAtStart uint32
	value      V
}

// Mappings is a sorted vector of non-overlapping address ranges for a single
// process. The zero value is ready to use. Mappings is not safe for
// concurrent use without external synchronization; callers (e.g. a sampler
// thread feeding mmap/munmap events) are expected to serialize access.
type Mappings[V any] struct {
	ranges []entry[V]
}

// New returns an empty Mappings table.
func New[V any]() *Mappings[V] {
	return &Mappings[V]{}
}

// search returns the index of the first entry with startAVMA >= target.
func (m *Mappings[V]) search(target uint64) int {
	return sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].startAVMA >= target
	})
}

// Add records a mapping of [startAVMA, endAVMA) to relativeAddressAtStart and
// value. relativeAddressAtStart is normally startAVMA - baseAVMA of the
// library being mapped.
//
// If an entry already starts at exactly startAVMA, it is removed first: last
// write wins. Non-overlap against other entries is not enforced; callers are
// responsible for only adding mappings that don't overlap in practice.
func (m *Mappings[V]) Add(startAVMA, endAVMA uint64, relativeAddressAtStart uint32, value V) {
	i := m.search(startAVMA)
	if i < len(m.ranges) && m.ranges[i].startAVMA == startAVMA {
		m.ranges = append(m.ranges[:i], m.ranges[i+1:]...)
	}
	e := entry[V]{startAVMA: startAVMA, endAVMA: endAVMA, relAtStart: relativeAddressAtStart, value: value}
	m.ranges = append(m.ranges, entry[V]{})
	copy(m.ranges[i+1:], m.ranges[i:])
	m.ranges[i] = e
}

// Remove drops every entry whose startAVMA equals start.
func (m *Mappings[V]) Remove(start uint64) {
	out := m.ranges[:0]
	for _, e := range m.ranges {
		if e.startAVMA != start {
			out = append(out, e)
		}
	}
	m.ranges = out
}

// Convert translates an absolute address into a (relative address, value)
// pair, or reports false if avma isn't covered by any mapping.
func (m *Mappings[V]) Convert(avma uint64) (relativeAddress uint32, value V, ok bool) {
	i := m.search(avma)
	var idx int
	switch {
	case i < len(m.ranges) && m.ranges[i].startAVMA == avma:
		idx = i
	default:
		if i == 0 {
			var zero V
			return 0, zero, false
		}
		idx = i - 1
		if avma >= m.ranges[idx].endAVMA {
			var zero V
			return 0, zero, false
		}
	}
	e := m.ranges[idx]
	offset := uint32(avma - e.startAVMA)
	return e.relAtStart + offset, e.value, true
}

// Len reports the number of mappings currently recorded.
func (m *Mappings[V]) Len() int { return len(m.ranges) }
