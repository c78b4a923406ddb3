// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOptionsParsesValidDocument(t *testing.T) {
	raw := []byte(`{
		"preferred_memory_bytes": 1048576,
		"max_cells": 1000,
		"max_segments": 200,
		"trim_interval_seconds": 30
	}`)

	o, err := LoadOptions(raw)
	require.NoError(t, err)
	require.Equal(t, int64(1048576), o.PreferredMemoryBytes)
	require.Equal(t, int64(1000), o.MaxCells)
	require.Equal(t, int64(200), o.MaxSegments)
	require.Equal(t, 30, o.TrimIntervalSeconds)
}

func TestLoadOptionsAppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	o, err := LoadOptions([]byte(`{}`))
	require.NoError(t, err)
	require.Zero(t, o.PreferredMemoryBytes)
	require.Zero(t, o.MaxCells)
	require.Zero(t, o.MaxSegments)
	require.Zero(t, o.TrimIntervalSeconds)
}

func TestNewCacheWithOptionsWiresPoolCaps(t *testing.T) {
	c := NewCacheWithOptions(Options{MaxCells: 2, MaxSegments: 50})
	defer c.Close()

	require.Equal(t, int64(2), c.cellPool.cap)
	require.Equal(t, int64(50), c.segPool.cap)

	ok := c.AddToBin(0, 1, 0, []byte("ab"), 0, 2, true, false)
	require.True(t, ok, "two bytes fit within two cells")

	ok = c.AddToBin(0, 1, 1, make([]byte, cellPayloadLen*3), 0, int64(cellPayloadLen*3), true, false)
	require.False(t, ok, "three cells worth of payload must exceed the two-cell cap")
}
