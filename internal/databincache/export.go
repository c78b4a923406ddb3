// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import (
	"strconv"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
)

// EncodeStats renders the cache's statistics as one line-protocol point.
// measurement and tags let a caller attribute the line to a particular
// cache instance (e.g. a hostname tag).
func (c0 *Cache) EncodeStats(measurement string, tags map[string]string, at time.Time) ([]byte, error) {
	c := c0.dispatch()

	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)
	enc.StartLine(measurement)
	for k, v := range tags {
		enc.AddTag(k, v)
	}

	enc.AddField("peak_cache_memory", lineprotocol.MustNewValue(c.GetPeakCacheMemory()))
	enc.AddField("reclaimed_memory", lineprotocol.MustNewValue(c.GetReclaimedMemory()))
	enc.AddField("max_codestream_id", lineprotocol.MustNewValue(c.GetMaxCodestreamID()))

	c.mu.Lock()
	for class := 0; class < NumDatabinClasses; class++ {
		enc.AddField(classFieldName(class), lineprotocol.MustNewValue(c.transferred[class]))
	}
	c.mu.Unlock()

	enc.EndLine(at)
	return enc.Bytes(), enc.Err()
}

func classFieldName(class int) string {
	switch class {
	case PrecinctClass:
		return "transferred_bytes_precinct"
	case TileClass:
		return "transferred_bytes_tile"
	case MainHeaderClass:
		return "transferred_bytes_main_header"
	case MetaClass:
		return "transferred_bytes_meta"
	default:
		return "transferred_bytes_class_" + strconv.Itoa(class)
	}
}
