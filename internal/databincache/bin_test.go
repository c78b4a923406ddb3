// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import "testing"

func TestMergeHolesOutOfOrderFill(t *testing.T) {
	// Write [5,10) first, then [0,5).
	l, holes, augmented, intersects := mergeHoles(0, nil, 5, 10)
	if l != 0 || len(holes) != 1 || holes[0] != (holeRange{5, 10}) {
		t.Fatalf("after first write: l=%d holes=%v", l, holes)
	}
	if !augmented || intersects {
		t.Fatalf("after first write: augmented=%v intersects=%v", augmented, intersects)
	}

	l, holes, augmented, intersects = mergeHoles(l, holes, 0, 5)
	if l != 10 || len(holes) != 0 {
		t.Fatalf("after second write: l=%d holes=%v", l, holes)
	}
	if !augmented || !intersects {
		t.Fatalf("after second write: augmented=%v intersects=%v", augmented, intersects)
	}
}

func TestMergeHolesHoleMerge(t *testing.T) {
	// AAAA@[0,4) CCCC@[8,12) BBBB@[4,8) -> length 12, no holes.
	l, holes, augmented, intersects := mergeHoles(0, nil, 0, 4)
	if l != 4 || len(holes) != 0 || !augmented || intersects {
		t.Fatalf("after AAAA: l=%d holes=%v augmented=%v intersects=%v", l, holes, augmented, intersects)
	}

	l, holes, augmented, intersects = mergeHoles(l, holes, 8, 12)
	if l != 4 || len(holes) != 1 || holes[0] != (holeRange{8, 12}) {
		t.Fatalf("after CCCC: l=%d holes=%v", l, holes)
	}
	if !augmented || intersects {
		t.Fatalf("after CCCC: augmented=%v intersects=%v", augmented, intersects)
	}

	l, holes, augmented, intersects = mergeHoles(l, holes, 4, 8)
	if l != 12 || len(holes) != 0 {
		t.Fatalf("after BBBB: l=%d holes=%v", l, holes)
	}
	if !augmented || !intersects {
		t.Fatalf("after BBBB: augmented=%v intersects=%v", augmented, intersects)
	}
}

func TestMergeHolesRepeatedRangeIsIdempotent(t *testing.T) {
	l, holes, augmented, _ := mergeHoles(0, nil, 0, 10)
	if l != 10 || !augmented {
		t.Fatalf("first write: l=%d augmented=%v", l, augmented)
	}

	l2, holes2, augmented2, intersects2 := mergeHoles(l, holes, 0, 10)
	if l2 != l || len(holes2) != len(holes) {
		t.Fatalf("repeat write changed state: l=%d holes=%v", l2, holes2)
	}
	if augmented2 {
		t.Fatalf("repeat write should not be augmented")
	}
	if !intersects2 {
		t.Fatalf("repeat write should intersect existing content")
	}
}

func TestMergeHolesAbuttingRanges(t *testing.T) {
	l, holes, _, _ := mergeHoles(0, nil, 0, 4)
	l, holes, augmented, _ := mergeHoles(l, holes, 4, 8)
	if l != 8 || len(holes) != 0 {
		t.Fatalf("abutting write did not extend L: l=%d holes=%v", l, holes)
	}
	if !augmented {
		t.Fatalf("abutting write: augmented=%v", augmented)
	}
}

func TestBinWriteBytesAndReadBytes(t *testing.T) {
	pool := newCellPool()
	b := newBin()

	if !b.writeBytes(pool, 0, []byte("hello")) {
		t.Fatal("writeBytes failed")
	}
	l, holes, augmented, intersects := mergeHoles(0, b.holes, 0, 5)
	b.holes = holes
	b.publish(l, markNone, true, len(holes) > 0)
	if !augmented || intersects {
		t.Fatalf("unexpected augmented=%v intersects=%v", augmented, intersects)
	}

	out := make([]byte, 5)
	n := b.readBytes(0, out)
	if n != 5 || string(out) != "hello" {
		t.Fatalf("readBytes = %q (n=%d)", out, n)
	}

	if got := b.length(); got != 5 {
		t.Fatalf("length() = %d, want 5", got)
	}
	if !b.isComplete() {
		t.Fatal("expected isComplete true")
	}
}

func TestBinWriteBytesSpansMultipleCells(t *testing.T) {
	pool := newCellPool()
	b := newBin()

	data := make([]byte, cellPayloadLen*3+7)
	for i := range data {
		data[i] = byte(i)
	}
	if !b.writeBytes(pool, 0, data) {
		t.Fatal("writeBytes failed")
	}

	out := make([]byte, len(data))
	n := b.readBytes(0, out)
	if n != len(data) {
		t.Fatalf("readBytes returned %d, want %d", n, len(data))
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, out[i], data[i])
		}
	}
}

func TestCellPoolCapSimulatesAllocationFailure(t *testing.T) {
	pool := newCellPool()
	pool.cap = 2

	c1 := pool.get()
	c2 := pool.get()
	if c1 == nil || c2 == nil {
		t.Fatal("expected first two gets to succeed")
	}
	if pool.get() != nil {
		t.Fatal("expected get to fail once cap is reached")
	}

	pool.release(c1)
	if pool.get() == nil {
		t.Fatal("expected get to succeed again after release")
	}
}
