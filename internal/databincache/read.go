// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

// ReadCursor is a per-caller reader over one bin's content. Multiple
// cursors may read concurrently with each other and with writers; each
// Read call takes its own lock-free trace_path down to the leaf.
type ReadCursor struct {
	c *Cache

	scopeSet bool
	class    int
	stream   int64
	binID    int64
	pos      int64
}

// NewReadCursor creates a cursor bound to cache (primary or secondary).
func (c0 *Cache) NewReadCursor() *ReadCursor {
	return &ReadCursor{c: c0.dispatch()}
}

// SetReadScope binds the cursor to a bin and rewinds it, returning the
// bin's current length.
func (rc *ReadCursor) SetReadScope(class int, stream, binID int64) int64 {
	class, binID = normalizeClass(class, binID)
	length, _ := rc.c.GetBinLength(class, stream, binID)
	rc.class, rc.stream, rc.binID = class, stream, binID
	rc.pos = 0
	rc.scopeSet = true
	return length
}

// Seek moves the cursor to an absolute byte offset.
func (rc *ReadCursor) Seek(offset int64) {
	rc.pos = offset
}

// GetPos returns the cursor's current byte offset.
func (rc *ReadCursor) GetPos() int64 {
	return rc.pos
}

// GetBinLength re-reads the current scope's length and completeness.
func (rc *ReadCursor) GetBinLength() (int64, bool) {
	if !rc.scopeSet {
		return 0, false
	}
	return rc.c.GetBinLength(rc.class, rc.stream, rc.binID)
}

// Read copies up to len(buf) bytes from the current position, advancing it,
// and returns the count copied. Reads never cross the end of the contiguous
// prefix L, so bytes inside a hole are unreachable. SetReadScope must have
// been called first; with no scope set the call is a no-op returning 0.
func (rc *ReadCursor) Read(buf []byte) int {
	if !rc.scopeSet || rc.pos < 0 {
		return 0
	}

	w := rc.c.tracePath(rc.class, rc.stream, rc.binID)
	if w == nil {
		return 0
	}
	defer w.unwindAll()

	e := w.leaf.children[w.leaf.slotIndex(rc.binID)].load()
	if e.kind != entryValid {
		return 0
	}

	// The acquire-load of status synchronizes with the writer's release
	// publication; only the L bytes it covers may be copied out.
	l, _, _, _ := e.bin.load()
	if rc.pos >= l {
		return 0
	}
	if max := l - rc.pos; int64(len(buf)) > max {
		buf = buf[:max]
	}

	n := e.bin.readBytes(rc.pos, buf)
	rc.pos += int64(n)
	return n
}
