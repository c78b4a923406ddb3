// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

// reclaimDataBufs walks the reclaimable-data list from its LRU tail,
// converting non-preserved bins of each detached leaf into erasure-tagged
// pointers until the pool's allocated-cell count drops to target, or the
// list is exhausted.
func (c *Cache) reclaimDataBufs(excess int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.allReclaimableDataLocked {
		return
	}

	target := c.cellPool.allocated - excess
	var lockedAside *segment

	for c.cellPool.allocated > target {
		leaf := c.reclaimableDataTail
		if leaf == nil {
			break
		}
		c.unlistReclaimableData(leaf)

		if leaf.accessCtl.Load() != 0 {
			leaf.reclaimNext = lockedAside
			lockedAside = leaf
			continue
		}

		before := c.cellPool.allocated
		for i := range leaf.children {
			sl := &leaf.children[i]
			e := sl.load()
			if e.kind != entryValid || leaf.preserve.get(i) {
				continue
			}
			b := e.bin
			if b.payload == nil {
				continue
			}

			// The bin's content is lost, so a cache-model observer must be
			// told about it: mark it DELETED before tagging the slot, the
			// same record an explicit DeleteBin would leave behind.
			l, m, final, holes := b.load()
			b.releasePayload(c.cellPool)
			b.publish(l, markDeletedMarked, final, holes)
			if m == markNone {
				c.adjustMarkCount(leaf, 1)
			}
			leaf.numReclaimableBins--

			sl.store(&entry{kind: entryErasable, bin: b})
			leaf.numErasable++
			leaf.numDescendants--
		}
		c.reclaimedCells += before - c.cellPool.allocated

		leaf.accessCtl.Add(1)
		if leaf.accessCtl.Add(-1) == 0 {
			c.unlockDuties(leaf)
		}

		// The unlock duties may have re-enlisted the leaf at the MRU head
		// (it can still hold preserved or empty bins); set it aside like a
		// locked one so this sweep visits every list element at most once.
		if leaf.flags.has(flagReclaimableData) {
			c.unlistReclaimableData(leaf)
			leaf.reclaimNext = lockedAside
			lockedAside = leaf
		}
	}

	if c.reclaimableDataTail == nil {
		c.allReclaimableDataLocked = true
	}

	// Re-prepend anything we set aside because a reader was active.
	for lockedAside != nil {
		next := lockedAside.reclaimNext
		c.enlistReclaimableData(lockedAside)
		lockedAside = next
	}
}
