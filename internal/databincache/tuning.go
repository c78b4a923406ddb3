// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import "unsafe"

// Tuning constants fixed at compile time.
const (
	// CellBytes is the size in bytes of a single buffer cell.
	CellBytes = 64

	// CellsPerGroup is the number of cells slab-allocated together.
	CellsPerGroup = 32

	// SegsPerGroup is the number of segment nodes slab-allocated together.
	SegsPerGroup = 32

	// NumDatabinClasses is the number of distinct data-bin classes this
	// cache instance understands. A small, implementation-defined constant.
	NumDatabinClasses = 8

	// Data-bin class identifiers. Tile-header bins are folded into the
	// main-header class at the public boundary, reserving bin 0 of that
	// class for the main header; the metadata class is excluded from
	// wildcard mark queries and from scans run with SkipMeta.
	PrecinctClass   = 0
	TileHeaderClass = 1
	TileClass       = 2
	MainHeaderClass = 3
	MetaClass       = 4

	// LMax is the largest representable bin length: 2^28 - 1 (28-bit L field).
	LMax = 1<<28 - 1

	// cellPayloadLen is the payload capacity of one cell: CellBytes minus
	// the size of the forward-link pointer every cell carries.
	cellPayloadLen = CellBytes - int(unsafe.Sizeof(uintptr(0)))

	// ChildrenPerSegment is the 128-ary fan-out of every segment node.
	ChildrenPerSegment = 128

	// streamNavClassID is the sentinel class id carried by stream-nav and
	// stream-root nodes.
	streamNavClassID = 255

	// shiftStep is the bits-per-level addressing step; the tree always
	// grows upward by exactly one stream-nav level of this shift.
	shiftStep = 7
)

// Status word bit layout:
//
//	bits 0..27  L  contiguous bytes available from offset 0
//	bits 28..29 M  marking state
//	bit  30     F  final byte known
//	bit  31     H  hole list non-empty
const (
	statusLBits   = 28
	statusLMask   = uint32(1)<<statusLBits - 1
	statusMShift  = 28
	statusMMask   = uint32(0b11) << statusMShift
	statusFBit    = uint32(1) << 30
	statusHBit    = uint32(1) << 31
)

// markState is the M sub-field of a bin's status word.
type markState uint8

const (
	markNone            markState = 0
	markDeletedMarked   markState = 1
	markAugmentedMarked markState = 2
	markMarked          markState = 3
)

// MarkFlags are the bits returned by MarkBin.
type MarkFlags uint8

const (
	FlagBinDeleted MarkFlags = 1 << iota
	FlagBinAugmented
	FlagBinMarked
)
