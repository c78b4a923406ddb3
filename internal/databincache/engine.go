// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package databincache implements a concurrent in-memory cache of
// JPIP-style data-bins: named byte sequences identified by a
// (codestream-id, class-id, in-class-bin-id) triple, incrementally filled,
// queried, marked, preserved and evicted against a soft memory budget.
package databincache

import (
	"sync"
	"sync/atomic"

	"github.com/dbincache/databincache/internal/dlog"
)

// Cache is the top-level engine: add/delete/mark/preserve/scan/read over
// data-bins, owning the mutex, the segment tree, and the two MRU reclaim
// lists. Create a primary with NewCache, attach readers with AttachTo, and
// tear down with Close.
type Cache struct {
	mu sync.Mutex

	cellPool *cellPool
	segPool  *segmentPool

	// root is replaced under the mutex when the tree grows upward, but
	// lock-free readers start their descent from it, so the pointer itself
	// is published atomically. A reader that starts from a just-replaced
	// root simply fails its descent and reports the path as absent.
	root atomic.Pointer[segment]

	reclaimableData, reclaimableDataTail               *segment
	reclaimableSegs, reclaimableSegsTail               *segment
	allReclaimableDataLocked, allReclaimableSegsLocked bool

	autoTrimThreshold int64 // in cells; 0 disables auto-trim

	maxCodestreamID int64
	reclaimedCells  int64
	transferred     [NumDatabinClasses]int64

	// preserveRules implements preserve_class_stream: bins of a matching
	// (class, stream) are created preserved. A negative stream matches every
	// stream of that class.
	preserveRules []preserveRule

	secondaries []*Cache
	primary     *Cache
}

type preserveRule struct {
	class  int
	stream int64
}

func (c *Cache) classStreamPreserved(class int, stream int64) bool {
	for _, r := range c.preserveRules {
		if r.class == class && (r.stream < 0 || r.stream == stream) {
			return true
		}
	}
	return false
}

// NewCache creates a primary cache instance with an empty tree.
func NewCache() *Cache {
	c := &Cache{
		cellPool: newCellPool(),
		segPool:  newSegmentPool(),
	}
	root := c.segPool.get()
	root.streamID = -1
	root.classID = streamNavClassID
	root.baseID = 0
	root.shift = 0
	c.root.Store(root)
	dlog.Debug("databincache: new cache")
	return c
}

// AttachTo creates a secondary cache sharing primary's tree, pools, mutex
// and MRU lists. All mutating operations called on the secondary
// re-dispatch to the primary.
func AttachTo(primary *Cache) *Cache {
	primary.mu.Lock()
	defer primary.mu.Unlock()

	s := &Cache{primary: primary}
	primary.secondaries = append(primary.secondaries, s)
	return s
}

// dispatch returns the cache instance that actually owns the mutex/tree:
// itself if primary, otherwise its primary.
func (c *Cache) dispatch() *Cache {
	if c.primary != nil {
		return c.primary
	}
	return c
}

// Close tears down the cache. Closing a secondary detaches it from its
// primary; closing a primary first closes every attached secondary, then
// recycles the whole tree.
func (c *Cache) Close() {
	if c.primary != nil {
		p := c.primary
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.secondaries {
			if s == c {
				p.secondaries = append(p.secondaries[:i], p.secondaries[i+1:]...)
				break
			}
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.secondaries {
		s.primary = nil
	}
	c.secondaries = nil
	c.recycleAll(c.root.Load())
	c.root.Store(nil)
	dlog.Debug("databincache: cache closed")
}

// recycleAll releases every segment/bin reachable from s back to their
// pools, without regard for access locks (only valid at teardown, when no
// reader can be active).
func (c *Cache) recycleAll(s *segment) {
	if s == nil {
		return
	}
	if s.isStreamRoot() {
		for i := range s.info.classes {
			e := s.info.classes[i].load()
			if e.seg != nil {
				c.recycleAll(e.seg)
			}
		}
	} else if s.isLeaf() {
		for i := range s.children {
			e := s.children[i].load()
			if e.bin != nil {
				e.bin.release(c.cellPool)
			}
		}
	} else {
		for i := range s.children {
			e := s.children[i].load()
			if e.seg != nil {
				c.recycleAll(e.seg)
			}
		}
	}
	c.segPool.release(s)
}

// normalizeClass folds the tile-header class into the main-header class,
// shifting bin ids up by one so bin 0 stays reserved for the main header.
func normalizeClass(class int, binID int64) (int, int64) {
	if class == TileHeaderClass {
		return MainHeaderClass, binID + 1
	}
	return class, binID
}

// denormalizeClass reverses normalizeClass for scan output.
func denormalizeClass(class int, binID int64) (int, int64) {
	if class == MainHeaderClass && binID > 0 {
		return TileHeaderClass, binID - 1
	}
	return class, binID
}

// AddToBin merges [offset, offset+n) of data into the addressed bin,
// extending the contiguous prefix and closing holes as ranges meet. It
// reports whether the bin is complete after the merge. A length that would
// exceed the representable maximum is truncated and completeness dropped.
func (c0 *Cache) AddToBin(class int, stream, binID int64, data []byte, offset int64, n int64, isComplete bool, markIfAugmented bool) bool {
	c := c0.dispatch()
	class, binID = normalizeClass(class, binID)
	if class < 0 || class >= NumDatabinClasses || stream < 0 || binID < 0 {
		return false
	}
	if offset < 0 || n < 0 || offset > LMax {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	lim := offset + n
	if lim > LMax {
		lim = LMax
		n = lim - offset
		isComplete = false
	}

	leaf := c.makePath(class, stream, binID, false)
	if leaf == nil {
		return false
	}

	idx := leaf.slotIndex(binID)
	sl := &leaf.children[idx]
	b := c.entryBin(leaf, idx, sl)

	oldL, oldM, oldF, _ := b.load()
	oldPayload, oldTail, oldPayloadLen := b.payload, b.payloadTail, b.payloadLen
	oldHoleList := b.holes

	// Bytes below the published prefix length are already readable by
	// concurrent readers and must not be rewritten in place; everything the
	// new range adds lies at or beyond oldL.
	writeOff, src := offset, data[:n]
	if writeOff < oldL {
		skip := oldL - writeOff
		if skip >= int64(len(src)) {
			src = nil
		} else {
			src = src[skip:]
		}
		writeOff = oldL
	}

	ok := b.writeBytes(c.cellPool, writeOff, src)
	if !ok {
		// Release whatever new cells writeBytes managed to append before
		// failing, then restore the pre-call chain.
		if oldTail != nil {
			if oldTail.next != nil {
				c.cellPool.release(oldTail.next)
				oldTail.next = nil
			}
		} else if b.payload != nil {
			c.cellPool.release(b.payload)
		}
		b.payload, b.payloadTail, b.payloadLen = oldPayload, oldTail, oldPayloadLen
		b.holes = nil
		b.publish(oldL, markDeletedMarked, oldF, false)
		if oldM == markNone {
			c.adjustMarkCount(leaf, 1)
		}
		return false
	}

	newL, newHoles, augmented, _ := mergeHoles(oldL, b.holes, offset, lim)
	b.holes = newHoles
	newF := oldF || isComplete
	b.publish(newL, oldM, newF, len(newHoles) > 0)

	if augmented {
		// Coverage is the prefix plus the disjoint hole-list islands, so the
		// growth in coverage is exactly the number of genuinely new bytes.
		added := newL - oldL
		for _, h := range newHoles {
			added += h.lim - h.start
		}
		for _, h := range oldHoleList {
			added -= h.lim - h.start
		}
		c.transferred[class] += added
		b.transferredBytes += added
		if markIfAugmented && oldM != markDeletedMarked && oldM != markAugmentedMarked {
			// The contiguous prefix alone decides the new mark: a bin whose
			// new content all lies beyond L is still empty as far as a
			// cache-model observer can tell, so it gets the plain MARKED
			// state; once L is non-zero the augmenting write upgrades it
			// (including a previously MARKED bin) to AUGMENTED.
			m := markMarked
			if newL > 0 {
				m = markAugmentedMarked
			}
			b.publish(newL, m, newF, len(newHoles) > 0)
			if oldM == markNone {
				c.adjustMarkCount(leaf, 1)
			}
		}
	}

	return newF && len(newHoles) == 0
}

// entryBin returns (creating if necessary) the *bin for a leaf child slot,
// normalizing sentinels into a fresh bin. A deleted-bin sentinel transfers
// its pending deletion record onto the new bin's M field, so the record is
// still reported by a later MarkBin and the stream-root's mark count stays
// balanced.
func (c *Cache) entryBin(leaf *segment, idx int, sl *childSlot) *bin {
	e := sl.load()
	if e.kind == entryValid {
		return e.bin
	}

	b := newBin()
	switch e.kind {
	case entryCEmpty:
		b.publish(0, markNone, true, false)
	case entryDeleted:
		b.publish(0, markDeletedMarked, false, false)
	default: // entryNull
		leaf.numNonNull++
		if c.classStreamPreserved(leaf.classID, leaf.streamID) {
			leaf.preserve.set(idx)
		}
	}
	sl.store(&entry{kind: entryValid, bin: b})
	leaf.numDescendants++
	if !leaf.preserve.get(idx) {
		leaf.numReclaimableBins++
	}
	return b
}

// DeleteBin erases the addressed bin's content. With markIfNonEmpty, a bin
// that had content (or was already marked) keeps a DELETED record for
// cache-model observers; a still-empty MARKED bin is simply unmarked.
func (c0 *Cache) DeleteBin(class int, stream, binID int64, markIfNonEmpty bool) {
	c := c0.dispatch()
	class, binID = normalizeClass(class, binID)

	w := c.tracePath(class, stream, binID)
	if w == nil {
		return
	}
	defer w.unwindAll()

	c.mu.Lock()
	defer c.mu.Unlock()

	leaf := w.leaf
	idx := leaf.slotIndex(binID)
	sl := &leaf.children[idx]
	e := sl.load()
	if e.kind == entryCEmpty {
		// A complete-empty bin was never non-empty and carries no mark;
		// its deletion needs no record.
		sl.store(entrySlotNull)
		leaf.numNonNull--
		return
	}
	if e.kind != entryValid {
		return
	}
	b := e.bin
	l, m, final, holes := b.load()

	// Only the contiguous prefix L decides emptiness here; content in hole
	// islands is invisible to a cache-model observer until the prefix
	// reaches it. Without markIfNonEmpty, any existing mark is dropped
	// along with the bin.
	newM := markNone
	if markIfNonEmpty {
		switch {
		case m == markMarked && l == 0:
			newM = markNone
		case m != markNone || l > 0:
			newM = markDeletedMarked
		}
	}
	if newM != m {
		b.publish(l, newM, final, holes)
		if m == markNone {
			c.adjustMarkCount(leaf, 1)
		} else if newM == markNone {
			c.adjustMarkCount(leaf, -1)
		}
	}

	sl.store(&entry{kind: entryErasable, bin: b})
	leaf.numErasable++
	leaf.numDescendants--
	if !leaf.preserve.get(idx) && leaf.numReclaimableBins > 0 {
		leaf.numReclaimableBins--
	}
}

// DeleteStreamClass applies DeleteBin semantics to every bin currently
// present under one (stream, class).
func (c0 *Cache) DeleteStreamClass(class int, stream int64, markIfNonEmpty bool) {
	c := c0.dispatch()
	class, _ = normalizeClass(class, 0)
	if class < 0 || class >= NumDatabinClasses {
		return
	}

	c.mu.Lock()
	sroot := c.findStreamRoot(stream)
	var croot *segment
	if sroot != nil {
		if e := sroot.info.classes[class].load(); e.kind == entryValid {
			croot = e.seg
		}
	}
	c.mu.Unlock()
	if croot == nil {
		return
	}

	for _, binID := range c.leafBinIDs(croot) {
		c.DeleteBin(class, stream, binID, markIfNonEmpty)
	}
}

func (c *Cache) findStreamRoot(stream int64) *segment {
	cur := c.root.Load()
	if cur == nil || !cur.childRangeContains(stream) {
		return nil
	}
	for cur.shift > 0 {
		e := cur.children[cur.slotIndex(stream)].load()
		if !e.isPointer() {
			return nil
		}
		cur = e.seg
	}
	e := cur.children[cur.slotIndex(stream)].load()
	if !e.isPointer() || e.seg.streamID != stream {
		return nil
	}
	return e.seg
}

// leafBinIDs collects every currently-present bin id under a class
// subtree, walking under the mutex. Bulk operations want "every bin once"
// rather than an interleavable cursor, so a single-pass walk suffices.
func (c *Cache) leafBinIDs(s *segment) []int64 {
	var out []int64
	var walk func(*segment)
	walk = func(n *segment) {
		if n.isLeaf() {
			for i := range n.children {
				if n.children[i].load().kind == entryValid {
					out = append(out, n.baseID+int64(i))
				}
			}
			return
		}
		for i := range n.children {
			if e := n.children[i].load(); e.kind == entryValid {
				walk(e.seg)
			}
		}
	}
	c.mu.Lock()
	walk(s)
	c.mu.Unlock()
	return out
}

// MarkBin reports the addressed bin's current mark as a flag word together
// with its length and completeness. A pending deletion record is reported
// once and then consumed. With markState set, a non-empty bin that is not
// already DELETED-marked transitions to MARKED.
func (c0 *Cache) MarkBin(class int, stream, binID int64, markState bool) (flags MarkFlags, length int64, isComplete bool) {
	c := c0.dispatch()
	class, binID = normalizeClass(class, binID)

	w := c.tracePath(class, stream, binID)
	if w == nil {
		return 0, 0, false
	}
	defer w.unwindAll()

	c.mu.Lock()
	defer c.mu.Unlock()

	leaf := w.leaf
	idx := leaf.slotIndex(binID)
	sl := &leaf.children[idx]
	e := sl.load()

	switch e.kind {
	case entryDeleted:
		// Report the pending deletion record once, then consume it.
		sl.store(entrySlotNull)
		leaf.numNonNull--
		c.adjustMarkCount(leaf, -1)
		return FlagBinDeleted | FlagBinMarked, 0, false
	case entryValid:
		b := e.bin
		l, m, final, holes := b.load()
		var out MarkFlags
		switch m {
		case markDeletedMarked:
			// A live bin carrying a DELETED record (failed merge, reclaimed
			// payload) reports it once; the record is consumed like the
			// sentinel form above.
			out = FlagBinDeleted | FlagBinMarked
			b.publish(l, markNone, final, holes)
			c.adjustMarkCount(leaf, -1)
		case markAugmentedMarked:
			out = FlagBinAugmented | FlagBinMarked
		case markMarked:
			out = FlagBinMarked
		}
		if markState && l > 0 && m != markDeletedMarked {
			b.publish(l, markMarked, final, holes)
			if m == markNone {
				c.adjustMarkCount(leaf, 1)
			}
			out = FlagBinMarked
		}
		return out, l, final && !holes
	default:
		return 0, 0, false
	}
}

// StreamClassMarked reports whether any bin (or deletion record) of the
// given class is marked under the stream. A negative class is the
// wildcard, excluding the metadata class.
func (c0 *Cache) StreamClassMarked(class int, stream int64) bool {
	c := c0.dispatch()
	if class >= 0 {
		class, _ = normalizeClass(class, 0)
		if class >= NumDatabinClasses {
			return false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sroot := c.findStreamRoot(stream)
	if sroot == nil {
		return false
	}
	if class >= 0 {
		return sroot.info.markCounts[class] != 0
	}
	for cl, n := range sroot.info.markCounts {
		if cl == MetaClass {
			continue
		}
		if n != 0 {
			return true
		}
	}
	return false
}

// PreserveBin forces a path to the addressed bin to exist and sets the
// preserve bit on every slot of its ancestor chain, shielding it from
// auto-trim (but not from explicit deletion).
func (c0 *Cache) PreserveBin(class int, stream, binID int64) {
	c := c0.dispatch()
	class, binID = normalizeClass(class, binID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.makePath(class, stream, binID, true)
}

// PreserveClassStream installs a per-class preservation default; a
// negative stream is the wildcard across every stream for that class. Bins
// already present for a matching (class, stream) are preserved immediately;
// bins created later pick the rule up on creation (see entryBin).
func (c0 *Cache) PreserveClassStream(class int, stream int64) {
	c := c0.dispatch()
	class, _ = normalizeClass(class, 0)
	if class < 0 || class >= NumDatabinClasses {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.preserveRules = append(c.preserveRules, preserveRule{class: class, stream: stream})

	c.forEachStreamRoot(c.root.Load(), func(sroot *segment) {
		if stream >= 0 && sroot.streamID != stream {
			return
		}
		if e := sroot.info.classes[class].load(); e.kind == entryValid {
			sroot.preserve.set(class)
			c.preserveSubtree(e.seg)
		}
	})
}

func (c *Cache) forEachStreamRoot(s *segment, fn func(*segment)) {
	if s == nil {
		return
	}
	if s.isStreamRoot() {
		fn(s)
		return
	}
	for i := range s.children {
		if e := s.children[i].load(); e.isPointer() {
			c.forEachStreamRoot(e.seg, fn)
		}
	}
}

// preserveSubtree sets the preserve bit on every occupied slot under s,
// adjusting leaf reclaimable-bin counts for newly preserved bins.
func (c *Cache) preserveSubtree(s *segment) {
	for i := range s.children {
		e := s.children[i].load()
		if e.kind == entryNull {
			continue
		}
		if s.isLeaf() {
			if e.kind == entryValid && !s.preserve.get(i) && s.numReclaimableBins > 0 {
				s.numReclaimableBins--
			}
			s.preserve.set(i)
			continue
		}
		s.preserve.set(i)
		if e.isPointer() {
			c.preserveSubtree(e.seg)
		}
	}
}

// TouchBin traces the addressed bin without reading it; the unwind moves
// affected nodes to the head of their MRU reclaim lists.
func (c0 *Cache) TouchBin(class int, stream, binID int64) {
	c := c0.dispatch()
	class, binID = normalizeClass(class, binID)
	w := c.tracePath(class, stream, binID)
	if w == nil {
		return
	}
	w.unwindAll()
}

// SetAllMarks is a recursive walk under the mutex that normalizes every bin
// and segment state, clearing DELETED/AUGMENTED encodings and deleted
// sentinels, leaving every non-empty bin MARKED when mark is true and
// unmarked otherwise. Stream-root mark counts are recomputed from what the
// walk leaves behind.
func (c0 *Cache) SetAllMarks(mark bool) {
	c := c0.dispatch()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.walkSetMarks(c.root.Load(), mark)
}

// ClearAllMarks removes every mark and deletion record in the cache.
func (c0 *Cache) ClearAllMarks() {
	c0.SetAllMarks(false)
}

// walkSetMarks returns the number of marked entries remaining in the
// subtree, which becomes the stream-root's mark count for the class.
func (c *Cache) walkSetMarks(s *segment, mark bool) int32 {
	if s == nil {
		return 0
	}
	if s.isStreamRoot() {
		for i := range s.info.classes {
			sl := &s.info.classes[i]
			e := sl.load()
			switch e.kind {
			case entryDeleted:
				sl.store(entrySlotNull)
				s.numNonNull--
				s.info.markCounts[i] = 0
			case entryValid, entryErasable:
				s.info.markCounts[i] = c.walkSetMarks(e.seg, mark)
			default:
				s.info.markCounts[i] = 0
			}
		}
		return 0
	}
	var marked int32
	if s.isLeaf() {
		for i := range s.children {
			sl := &s.children[i]
			e := sl.load()
			switch e.kind {
			case entryDeleted:
				sl.store(entrySlotNull)
				s.numNonNull--
			case entryValid, entryErasable:
				l, _, final, holes := e.bin.load()
				if mark && l > 0 && e.kind == entryValid {
					e.bin.publish(l, markMarked, final, holes)
					marked++
				} else {
					e.bin.publish(l, markNone, final, holes)
				}
			}
		}
		return marked
	}
	for i := range s.children {
		sl := &s.children[i]
		e := sl.load()
		switch e.kind {
		case entryDeleted:
			sl.store(entrySlotNull)
			s.numNonNull--
		case entryValid, entryErasable:
			marked += c.walkSetMarks(e.seg, mark)
		}
	}
	return marked
}

// SetPreferredMemoryLimit sets the soft byte budget driving auto-trim;
// zero disables it.
func (c0 *Cache) SetPreferredMemoryLimit(bytes int64) {
	c := c0.dispatch()
	c.mu.Lock()
	defer c.mu.Unlock()
	if bytes <= 0 {
		c.autoTrimThreshold = 0
		return
	}
	c.autoTrimThreshold = (bytes + CellBytes - 1) / CellBytes
}

// TrimToPreferredMemoryLimit reclaims buffer memory down to the preferred
// limit, if the cache is currently above it.
func (c0 *Cache) TrimToPreferredMemoryLimit() {
	c := c0.dispatch()
	c.mu.Lock()
	threshold := c.autoTrimThreshold
	cur := c.cellPool.allocated
	c.mu.Unlock()

	if threshold == 0 || cur <= threshold {
		return
	}
	c.reclaimDataBufs(cur - threshold)
}

// GetBinLength returns the addressed bin's contiguous prefix length and
// whether the bin is complete.
func (c0 *Cache) GetBinLength(class int, stream, binID int64) (int64, bool) {
	c := c0.dispatch()
	class, binID = normalizeClass(class, binID)
	w := c.tracePath(class, stream, binID)
	if w == nil {
		return 0, false
	}
	defer w.unwindAll()
	e := w.leaf.children[w.leaf.slotIndex(binID)].load()
	if e.kind != entryValid {
		return 0, false
	}
	l, _, final, holes := e.bin.load()
	return l, final && !holes
}

// GetPeakCacheMemory returns the high-water mark of buffer memory, in bytes.
func (c0 *Cache) GetPeakCacheMemory() int64 {
	c := c0.dispatch()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cellPool.peakAllocated * CellBytes
}

// GetReclaimedMemory returns the total buffer memory reclaimed so far, in
// bytes.
func (c0 *Cache) GetReclaimedMemory() int64 {
	c := c0.dispatch()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reclaimedCells * CellBytes
}

// GetTransferredBytes returns how many genuinely new payload bytes have
// been merged into bins of the class.
func (c0 *Cache) GetTransferredBytes(class int) int64 {
	c := c0.dispatch()
	class, _ = normalizeClass(class, 0)
	if class < 0 || class >= NumDatabinClasses {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferred[class]
}

// GetMaxCodestreamID returns the largest codestream id ever addressed by a
// writer.
func (c0 *Cache) GetMaxCodestreamID() int64 {
	c := c0.dispatch()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxCodestreamID
}
