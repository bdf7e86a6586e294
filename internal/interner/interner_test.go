// Copyright 2024 The Natsym Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interner

import "testing"

func TestInternAndResolve(t *testing.T) {
	in := New(NextGeneration())
	h1 := in.Intern("foo")
	h2 := in.InternOwned("bar")

	s1, ok := in.Resolve(h1)
	if !ok || s1 != "foo" {
		t.Fatalf("Resolve(h1) = (%q, %v), want (foo, true)", s1, ok)
	}
	s2, ok := in.Resolve(h2)
	if !ok || s2 != "bar" {
		t.Fatalf("Resolve(h2) = (%q, %v), want (bar, true)", s2, ok)
	}
	if h1.Index&1 != 0 {
		t.Fatalf("Intern should produce an even-tagged index, got %d", h1.Index)
	}
	if h2.Index&1 != 1 {
		t.Fatalf("InternOwned should produce an odd-tagged index, got %d", h2.Index)
	}
}

func TestResolveCrossGenerationPanics(t *testing.T) {
	a := New(NextGeneration())
	b := New(NextGeneration())
	h := a.Intern("x")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Resolve to panic on a handle from a different generation")
		}
	}()
	b.Resolve(h)
}

func TestResolveOutOfRange(t *testing.T) {
	in := New(NextGeneration())
	in.Intern("only")
	_, ok := in.Resolve(Handle{Generation: in.Generation(), Index: 99})
	if ok {
		t.Fatalf("expected Resolve of an out-of-range index to report false")
	}
}
