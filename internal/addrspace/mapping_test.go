// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addrspace

import "testing"

func TestConvertWithinAndOutsideMappings(t *testing.T) {
	m := New[string]()
	m.Add(0x1000, 0x2000, 0, "libA")
	m.Add(0x5000, 0x5800, 0x100, "libB")

	rel, v, ok := m.Convert(0x1010)
	if !ok || rel != 0x10 || v != "libA" {
		t.Fatalf("got (%v, %q, %v), want (0x10, libA, true)", rel, v, ok)
	}

	rel, v, ok = m.Convert(0x5100)
	if !ok || rel != 0x200 || v != "libB" {
		t.Fatalf("got (%v, %q, %v), want (0x200, libB, true)", rel, v, ok)
	}

	if _, _, ok := m.Convert(0x2500); ok {
		t.Fatalf("expected no match in the gap between mappings")
	}
	if _, _, ok := m.Convert(0x500); ok {
		t.Fatalf("expected no match before the first mapping")
	}
	if _, _, ok := m.Convert(0x2000); ok {
		t.Fatalf("end address should be exclusive")
	}
}

func TestAddOverwritesSameStart(t *testing.T) {
	m := New[int]()
	m.Add(0x1000, 0x2000, 0, 1)
	m.Add(0x1000, 0x3000, 0, 2)
	if m.Len() != 1 {
		t.Fatalf("expected last-write-wins to keep a single entry, got %d", m.Len())
	}
	_, v, ok := m.Convert(0x2500)
	if !ok || v != 2 {
		t.Fatalf("expected the second Add to have replaced the first, got (%v, %v)", v, ok)
	}
}

func TestRemove(t *testing.T) {
	m := New[int]()
	m.Add(0x1000, 0x2000, 0, 1)
	m.Add(0x3000, 0x4000, 0, 2)
	m.Remove(0x1000)
	if m.Len() != 1 {
		t.Fatalf("expected 1 mapping after Remove, got %d", m.Len())
	}
	if _, _, ok := m.Convert(0x1500); ok {
		t.Fatalf("removed mapping should no longer convert")
	}
}
