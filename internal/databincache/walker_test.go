// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracePathReleasesLocksWhenPathMissing(t *testing.T) {
	c := NewCache()
	defer c.Close()

	c.AddToBin(0, 3, 0, []byte("x"), 0, 1, true, false)

	// Bin 99 shares stream 3's path but does not exist; the failed trace
	// must leave no access lock behind anywhere on the path it walked.
	w := c.tracePath(0, 3, 99)
	assert.Nil(t, w)
	assert.Zero(t, c.root.Load().accessCtl.Load(), "root lock leaked by failed trace")

	// Same for a stream that does not exist at all.
	w = c.tracePath(0, 77, 0)
	assert.Nil(t, w)
	assert.Zero(t, c.root.Load().accessCtl.Load())
}

func TestRepeatedReadsKeepTreeIntact(t *testing.T) {
	c := NewCache()
	defer c.Close()

	const class, stream, binID = 2, int64(1), int64(5)
	data := []byte("still here")
	c.AddToBin(class, stream, binID, data, 0, int64(len(data)), true, false)

	// Every unwind runs the unlock duties; none of them may erase a node
	// that still has live descendants.
	for i := 0; i < 5; i++ {
		length, final := c.GetBinLength(class, stream, binID)
		require.Equal(t, int64(len(data)), length, "read %d lost the bin", i)
		require.True(t, final)
	}

	rc := c.NewReadCursor()
	rc.SetReadScope(class, stream, binID)
	buf := make([]byte, len(data))
	require.Equal(t, len(data), rc.Read(buf))
	assert.Equal(t, data, buf)
}

func TestReadStopsAtHole(t *testing.T) {
	c := NewCache()
	defer c.Close()

	const class, stream, binID = 0, int64(6), int64(0)

	// Only [5,10) present: nothing is contiguous from offset 0 yet, so a
	// read must return no bytes rather than uninitialized cell content.
	c.AddToBin(class, stream, binID, []byte("world"), 5, 5, false, false)
	rc := c.NewReadCursor()
	rc.SetReadScope(class, stream, binID)
	buf := make([]byte, 10)
	assert.Zero(t, rc.Read(buf))

	c.AddToBin(class, stream, binID, []byte("hello"), 0, 5, true, false)
	rc.SetReadScope(class, stream, binID)
	n := rc.Read(buf)
	require.Equal(t, 10, n)
	assert.Equal(t, "helloworld", string(buf))
}

func TestSegmentAllocFailureGrowingRootReportsDeleted(t *testing.T) {
	c := NewCache()
	defer c.Close()

	c.AddToBin(0, 0, 0, []byte("a"), 0, 1, true, false)

	// Exhaust the segment allocator, then address a stream beyond the
	// root's range: the add fails and the root takes the container-deleted
	// commitment for everything out of range.
	c.segPool.cap = c.segPool.allocated
	farStream := int64(1000)
	ok := c.AddToBin(0, farStream, 0, []byte("b"), 0, 1, true, false)
	require.False(t, ok)
	require.True(t, c.root.Load().flags.has(flagContainerDeleted))

	results := c.ScanBins(ScanFlags{FixedStream: true, Stream: farStream})
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.True(t, r.Deleted)
		assert.Equal(t, farStream, r.Stream)
	}

	// Once allocation succeeds again the tree grows, the commitment
	// migrates upward, and the lost range is still reported deleted.
	c.segPool.cap = 0
	ok = c.AddToBin(0, farStream, 0, []byte("b"), 0, 1, true, false)
	require.True(t, ok)

	deleted := 0
	for _, r := range c.ScanBins(ScanFlags{FixedStream: true, Stream: 500, FixedClass: true, Class: 0}) {
		if r.Deleted {
			deleted++
		}
	}
	assert.Equal(t, 1, deleted, "a never-created stream in the lost range reports deleted exactly once per class")
}

func TestSetAllMarksThenClearAllMarks(t *testing.T) {
	c := NewCache()
	defer c.Close()

	c.AddToBin(0, 1, 0, []byte("aa"), 0, 2, true, false)
	c.AddToBin(2, 1, 3, []byte("bb"), 0, 2, true, false)
	c.AddToBin(0, 4, 0, []byte("cc"), 0, 2, true, false)

	assert.False(t, c.StreamClassMarked(-1, 1))

	c.SetAllMarks(true)
	assert.True(t, c.StreamClassMarked(0, 1))
	assert.True(t, c.StreamClassMarked(2, 1))
	assert.True(t, c.StreamClassMarked(0, 4))

	c.ClearAllMarks()
	assert.False(t, c.StreamClassMarked(-1, 1))
	assert.False(t, c.StreamClassMarked(-1, 4))

	flags, _, _ := c.MarkBin(0, 1, 0, false)
	assert.Zero(t, flags, "clear_all_marks must leave no pending records")
}

func TestPreserveClassStreamAppliesToExistingAndFutureBins(t *testing.T) {
	c := NewCache()
	defer c.Close()

	const class, stream = 2, int64(9)
	data := make([]byte, cellPayloadLen+1)

	c.AddToBin(class, stream, 0, data, 0, int64(len(data)), true, false)
	c.PreserveClassStream(class, stream)
	c.AddToBin(class, stream, 1, data, 0, int64(len(data)), true, false)

	c.TouchBin(class, stream, 0)
	c.SetPreferredMemoryLimit(1)
	c.TrimToPreferredMemoryLimit()

	for bin := int64(0); bin < 2; bin++ {
		length, final := c.GetBinLength(class, stream, bin)
		assert.Equal(t, int64(len(data)), length, "bin %d lost to trim despite class preserve", bin)
		assert.True(t, final)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	c := NewCache()
	defer c.Close()

	const class = 0
	const streams = 8
	const binsPerStream = 40
	payload := []byte("concurrent payload bytes")

	var wg sync.WaitGroup
	for s := 0; s < streams; s++ {
		wg.Add(1)
		go func(stream int64) {
			defer wg.Done()
			for b := int64(0); b < binsPerStream; b++ {
				c.AddToBin(class, stream, b, payload, 0, int64(len(payload)), true, false)
			}
		}(int64(s))
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(payload))
			for s := int64(0); s < streams; s++ {
				for b := int64(0); b < binsPerStream; b++ {
					rc := c.NewReadCursor()
					if rc.SetReadScope(class, s, b) == int64(len(payload)) {
						rc.Read(buf)
					}
				}
			}
		}()
	}
	wg.Wait()

	for s := int64(0); s < streams; s++ {
		for b := int64(0); b < binsPerStream; b++ {
			length, final := c.GetBinLength(class, s, b)
			require.Equal(t, int64(len(payload)), length, "stream %d bin %d", s, b)
			require.True(t, final)
		}
	}
}
