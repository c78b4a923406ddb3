// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStatsEmitsOneLinePerCall(t *testing.T) {
	c := NewCache()
	defer c.Close()

	data := []byte("stats")
	c.AddToBin(PrecinctClass, 0, 0, data, 0, int64(len(data)), true, false)

	line, err := c.EncodeStats("databincache", map[string]string{"host": "testhost"}, time.Unix(0, 1234))
	require.NoError(t, err)

	s := string(line)
	assert.True(t, strings.HasPrefix(s, "databincache,host=testhost "), "got %q", s)
	assert.Contains(t, s, "peak_cache_memory=")
	assert.Contains(t, s, "reclaimed_memory=0i")
	assert.Contains(t, s, "transferred_bytes_precinct=5i")
	assert.Contains(t, s, "max_codestream_id=0i")
	assert.True(t, strings.HasSuffix(s, " 1234\n"), "got %q", s)
}

func TestSweeperTrimsInBackground(t *testing.T) {
	c := NewCacheWithOptions(Options{PreferredMemoryBytes: CellBytes})
	defer c.Close()

	big := make([]byte, cellPayloadLen*3)
	c.AddToBin(0, 0, 0, big, 0, int64(len(big)), true, false)
	c.TouchBin(0, 0, 0)

	s, err := NewSweeper(c, 5*time.Millisecond)
	require.NoError(t, err)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return c.GetReclaimedMemory() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestSweeperDisabledIntervalIsNoOp(t *testing.T) {
	c := NewCache()
	defer c.Close()

	s, err := NewSweeper(c, 0)
	require.NoError(t, err)
	s.Stop()
}
