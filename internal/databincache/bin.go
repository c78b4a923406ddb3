// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import (
	"sort"
	"sync/atomic"
)

// holeRange is one (start, lim) span in a bin's hole list: a non-initial
// island of present content beyond the contiguous prefix.
type holeRange struct {
	start, lim int64
}

// bin is the per-data-bin header. The classic formulation overlays the
// header on the first cell of the bin's own payload chain; here it is its
// own struct holding a pointer to the chain, which keeps the raw-memory
// overlay out of the picture without changing any observable behavior.
//
// status packs L (28 bits), M (2 bits), F (1 bit) and H (1 bit) into a
// single atomic word. Publication order is: payload chain head and hole
// list are written first, then status is stored with release ordering;
// readers load status with acquire ordering before touching payload or
// holes, which is what makes those fields safe to read without a bin-level
// lock as long as the reader holds an access lock on the enclosing leaf.
type bin struct {
	status atomic.Uint32

	payload     *cell
	payloadTail *cell
	payloadLen  int64 // byte capacity of the chain so far

	holes []holeRange

	// transferredBytes accumulates every genuinely new byte merged into
	// this bin, feeding Cache.GetTransferredBytes.
	transferredBytes int64
}

func newBin() *bin {
	return &bin{}
}

func packStatus(length int64, m markState, final, holes bool) uint32 {
	s := uint32(length) & statusLMask
	s |= uint32(m) << statusMShift
	if final {
		s |= statusFBit
	}
	if holes {
		s |= statusHBit
	}
	return s
}

func (b *bin) load() (length int64, m markState, final, hasHoles bool) {
	s := b.status.Load()
	length = int64(s & statusLMask)
	m = markState((s & statusMMask) >> statusMShift)
	final = s&statusFBit != 0
	hasHoles = s&statusHBit != 0
	return
}

func (b *bin) length() int64 {
	l, _, _, _ := b.load()
	return l
}

func (b *bin) isComplete() bool {
	l, _, f, h := b.load()
	return f && !h && l >= 0
}

// publish stores a new status word with release ordering. Callers must have
// already finished mutating payload/holes before calling this.
func (b *bin) publish(length int64, m markState, final, hasHoles bool) {
	b.status.Store(packStatus(length, m, final, hasHoles))
}

// writeBytes appends/overwrites bytes of src at byte offset `at` in the
// payload chain, growing the chain with pool.get() as needed. Returns false
// on allocation failure, in which case the chain is left however far it
// got; the caller restores the pre-call chain and L, drops the hole list
// and marks the bin DELETED.
func (b *bin) writeBytes(pool *cellPool, at int64, src []byte) bool {
	if len(src) == 0 {
		return true
	}

	// Walk/extend the chain until we reach the cell containing offset `at`.
	if b.payload == nil {
		c := pool.get()
		if c == nil {
			return false
		}
		b.payload = c
		b.payloadTail = c
		b.payloadLen = int64(cellPayloadLen)
	}

	end := at + int64(len(src))
	for b.payloadLen < end {
		// Extend chain with fresh cells until long enough.
		c := pool.get()
		if c == nil {
			return false
		}
		b.payloadTail.next = c
		b.payloadTail = c
		b.payloadLen += int64(cellPayloadLen)
	}

	// Now copy src into the right cells.
	pos := at
	remaining := src
	c := b.payload
	skip := pos
	for skip >= int64(cellPayloadLen) {
		c = c.next
		skip -= int64(cellPayloadLen)
	}

	for len(remaining) > 0 {
		room := cellPayloadLen - int(skip)
		n := room
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(c.data[skip:skip+int64(n)], remaining[:n])
		remaining = remaining[n:]
		skip = 0
		if len(remaining) > 0 {
			c = c.next
		}
	}

	return true
}

// readBytes copies up to len(dst) bytes starting at offset `from` out of
// the payload chain. It returns the number of bytes copied.
func (b *bin) readBytes(from int64, dst []byte) int {
	if b.payload == nil || len(dst) == 0 {
		return 0
	}

	c := b.payload
	skip := from
	for c != nil && skip >= int64(cellPayloadLen) {
		c = c.next
		skip -= int64(cellPayloadLen)
	}

	n := 0
	for c != nil {
		room := cellPayloadLen - int(skip)
		k := room
		if k > len(dst)-n {
			k = len(dst) - n
		}
		copy(dst[n:n+k], c.data[skip:skip+int64(k)])
		n += k
		if n == len(dst) {
			// Do not load the last cell's link: a writer may be appending
			// to the chain concurrently.
			break
		}
		skip = 0
		c = c.next
	}
	return n
}

// releasePayload frees just the payload cell chain, leaving status (L, M, F,
// H) and the hole list untouched. Used by reclaim_data_bufs, which wants the
// buffer memory back immediately while the bin header stays authoritative
// until the leaf's unlock duties finally collapse the erasure-tagged slot.
func (b *bin) releasePayload(pool *cellPool) {
	if b.payload != nil {
		pool.release(b.payload)
	}
	b.payload = nil
	b.payloadTail = nil
	b.payloadLen = 0
}

// release returns the whole payload chain to pool and clears the bin back
// to its empty state.
func (b *bin) release(pool *cellPool) {
	if b.payload != nil {
		pool.release(b.payload)
	}
	b.payload = nil
	b.payloadTail = nil
	b.payloadLen = 0
	b.holes = nil
	b.status.Store(0)
	b.transferredBytes = 0
}

// mergeHoles folds the newly-written range [start, lim) into the existing
// (L, holes) state.
// Present content is, conceptually, the implicit island [0, l) plus every
// island already recorded in holes; holes themselves are the gaps between
// those islands. Returns the updated L, holes, and the augmented/intersects
// flags used by the bin-marking rule in Cache.AddToBin.
func mergeHoles(l int64, holes []holeRange, start, lim int64) (newL int64, newHoles []holeRange, augmented, intersects bool) {
	if start >= lim {
		// Empty range: nothing to merge.
		return l, holes, false, false
	}
	if lim <= l {
		// Entirely inside the known prefix: nothing new.
		return l, holes, false, true
	}

	intersects = start < l
	if !intersects {
		for _, h := range holes {
			if start <= h.lim && h.start <= lim {
				intersects = true
				break
			}
		}
	}

	augmented = rangeAddsNewCoverage(l, holes, start, lim)

	islands := make([]holeRange, 0, len(holes)+2)
	islands = append(islands, holeRange{0, l})
	islands = append(islands, holes...)
	islands = append(islands, holeRange{start, lim})
	sort.Slice(islands, func(i, j int) bool { return islands[i].start < islands[j].start })

	merged := islands[:1:1]
	for _, r := range islands[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.lim {
			if r.lim > last.lim {
				last.lim = r.lim
			}
			continue
		}
		merged = append(merged, r)
	}

	newL = merged[0].lim
	if len(merged) > 1 {
		newHoles = append([]holeRange(nil), merged[1:]...)
	}
	return newL, newHoles, augmented, intersects
}

// rangeAddsNewCoverage reports whether [start, lim) contains any byte not
// already covered by the prefix [0, l) or an existing hole-list island.
func rangeAddsNewCoverage(l int64, holes []holeRange, start, lim int64) bool {
	covered := make([]holeRange, 0, len(holes)+1)
	covered = append(covered, holeRange{0, l})
	covered = append(covered, holes...)

	cur := start
	for cur < lim {
		advanced := false
		for _, c := range covered {
			if c.start <= cur && cur < c.lim {
				cur = c.lim
				advanced = true
				break
			}
		}
		if !advanced {
			return true
		}
	}
	return false
}
