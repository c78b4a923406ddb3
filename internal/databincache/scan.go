// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

// ScanFlags selects which bins ScanBins reports.
type ScanFlags struct {
	FixedStream    bool
	Stream         int64
	FixedClass     bool
	Class          int
	Bin0Only       bool
	PreservedOnly  bool
	SkipUnmarked   bool
	SkipMeta       bool
}

// ScanResult is one reported bin from ScanBins.
type ScanResult struct {
	Class    int
	Stream   int64
	BinID    int64
	Length   int64
	Complete bool
	Deleted  bool
}

// ScanBins walks the tree under the mutex and returns every matching bin
// in one pass. Deletion sentinels are reported
// at whatever granularity they exist: a deleted bin slot as that bin, a
// deleted subtree or class or stream as a single Deleted result per
// affected (stream, class).
func (c0 *Cache) ScanBins(flags ScanFlags) []ScanResult {
	c := c0.dispatch()
	if flags.FixedClass {
		flags.Class, _ = normalizeClass(flags.Class, 0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.root.Load()
	if root == nil {
		return nil
	}
	var out []ScanResult
	if flags.FixedStream && !root.childRangeContains(flags.Stream) {
		// Streams beyond the root's range exist only as the root's
		// container-deleted commitment: report them deleted.
		if root.flags.has(flagContainerDeleted) {
			c.reportStreamDeleted(flags.Stream, flags, &out)
		}
		return out
	}
	c.scanStreamNav(root, flags, &out)
	return out
}

// reportStreamDeleted emits one Deleted result per class for a stream whose
// whole subtree was deleted before any stream-root could record it.
func (c *Cache) reportStreamDeleted(stream int64, flags ScanFlags, out *[]ScanResult) {
	for cl := 0; cl < NumDatabinClasses; cl++ {
		if flags.FixedClass && cl != flags.Class {
			continue
		}
		if flags.SkipMeta && cl == MetaClass {
			continue
		}
		outClass, outBin := denormalizeClass(cl, 0)
		*out = append(*out, ScanResult{Class: outClass, Stream: stream, BinID: outBin, Deleted: true})
	}
}

func (c *Cache) scanStreamNav(s *segment, flags ScanFlags, out *[]ScanResult) {
	if s == nil {
		return
	}
	if s.isStreamRoot() {
		c.scanStreamRoot(s, flags, out)
		return
	}
	for i := range s.children {
		e := s.children[i].load()
		lo := s.baseID + int64(i)<<s.shift
		if flags.FixedStream {
			hi := lo + (int64(1) << s.shift)
			if flags.Stream < lo || flags.Stream >= hi {
				continue
			}
		}
		switch e.kind {
		case entryValid, entryErasable:
			c.scanStreamNav(e.seg, flags, out)
		case entryDeleted:
			stream := lo
			if flags.FixedStream {
				stream = flags.Stream
			}
			c.reportStreamDeleted(stream, flags, out)
		}
	}
}

func (c *Cache) scanStreamRoot(s *segment, flags ScanFlags, out *[]ScanResult) {
	if flags.FixedStream && s.streamID != flags.Stream {
		return
	}
	for cl := range s.info.classes {
		if flags.FixedClass && cl != flags.Class {
			continue
		}
		if flags.SkipMeta && cl == MetaClass {
			continue
		}
		e := s.info.classes[cl].load()
		if e.kind == entryDeleted {
			outClass, outBin := denormalizeClass(cl, 0)
			*out = append(*out, ScanResult{Class: outClass, Stream: s.streamID, BinID: outBin, Deleted: true})
			continue
		}
		if !e.isPointer() {
			continue
		}
		if flags.SkipUnmarked && s.info.markCounts[cl] == 0 {
			continue
		}
		c.scanClassNav(e.seg, s.streamID, cl, flags, out)
	}
}

func (c *Cache) scanClassNav(s *segment, stream int64, class int, flags ScanFlags, out *[]ScanResult) {
	if s == nil {
		return
	}
	if s.isLeaf() {
		for i := range s.children {
			binID := s.baseID + int64(i)
			if flags.Bin0Only && binID != 0 {
				continue
			}
			if flags.PreservedOnly && !s.preserve.get(i) {
				continue
			}
			e := s.children[i].load()
			switch e.kind {
			case entryValid:
				l, _, final, holes := e.bin.load()
				outClass, outBin := denormalizeClass(class, binID)
				*out = append(*out, ScanResult{
					Class: outClass, Stream: stream, BinID: outBin,
					Length: l, Complete: final && !holes,
				})
			case entryCEmpty:
				outClass, outBin := denormalizeClass(class, binID)
				*out = append(*out, ScanResult{
					Class: outClass, Stream: stream, BinID: outBin,
					Length: 0, Complete: true,
				})
			case entryDeleted:
				outClass, outBin := denormalizeClass(class, binID)
				*out = append(*out, ScanResult{
					Class: outClass, Stream: stream, BinID: outBin,
					Deleted: true,
				})
			}
		}
		return
	}
	for i := range s.children {
		e := s.children[i].load()
		switch e.kind {
		case entryValid, entryErasable:
			c.scanClassNav(e.seg, stream, class, flags, out)
		case entryDeleted:
			// A deleted subtree of bin ids, consolidated into one report.
			outClass, outBin := denormalizeClass(class, s.baseID+int64(i)<<s.shift)
			*out = append(*out, ScanResult{Class: outClass, Stream: stream, BinID: outBin, Deleted: true})
		}
	}
}
