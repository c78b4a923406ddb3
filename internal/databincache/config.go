// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import (
	"encoding/json"

	"github.com/dbincache/databincache/internal/dlog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is the jsonschema every Options document is validated
// against before it is unmarshalled.
const configSchema = `
{
	"type": "object",
	"properties": {
		"preferred_memory_bytes": { "type": "integer", "minimum": 0 },
		"max_cells": { "type": "integer", "minimum": 0 },
		"max_segments": { "type": "integer", "minimum": 0 },
		"trim_interval_seconds": { "type": "integer", "minimum": 1 }
	},
	"additionalProperties": false
}`

// Options configures a Cache at construction time.
type Options struct {
	// PreferredMemoryBytes seeds set_preferred_memory_limit; 0 disables
	// auto-trim.
	PreferredMemoryBytes int64 `json:"preferred_memory_bytes"`

	// MaxCells/MaxSegments are artificial allocation caps used to simulate
	// allocator exhaustion in tests; 0 means unlimited.
	MaxCells    int64 `json:"max_cells"`
	MaxSegments int64 `json:"max_segments"`

	// TrimIntervalSeconds configures the periodic sweeper (sweeper.go);
	// 0 disables the background scheduler entirely.
	TrimIntervalSeconds int `json:"trim_interval_seconds"`
}

// ValidateOptions validates a raw JSON document against configSchema,
// fatally logging on a malformed schema or document.
func ValidateOptions(instance json.RawMessage) {
	sch, err := jsonschema.CompileString("databincache-options.json", configSchema)
	if err != nil {
		dlog.Fatalf("%#v", err)
	}
	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		dlog.Fatal(err)
	}
	if err := sch.Validate(v); err != nil {
		dlog.Fatalf("%#v", err)
	}
}

// LoadOptions parses and validates a JSON options document.
func LoadOptions(raw []byte) (Options, error) {
	ValidateOptions(raw)
	var o Options
	if err := json.Unmarshal(raw, &o); err != nil {
		return Options{}, err
	}
	return o, nil
}

// NewCacheWithOptions creates a Cache and applies Options to it.
func NewCacheWithOptions(o Options) *Cache {
	c := NewCache()
	c.cellPool.cap = o.MaxCells
	c.segPool.cap = o.MaxSegments
	if o.PreferredMemoryBytes > 0 {
		c.SetPreferredMemoryLimit(o.PreferredMemoryBytes)
	}
	return c
}
