// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package databincache

import (
	"time"

	"github.com/dbincache/databincache/internal/dlog"
	"github.com/go-co-op/gocron/v2"
)

// Sweeper runs TrimToPreferredMemoryLimit on a fixed interval, so memory
// pressure is relieved even when no writer happens to trigger a trim.
type Sweeper struct {
	c  *Cache
	sc gocron.Scheduler
}

// NewSweeper starts a scheduler that trims c every interval. A non-positive
// interval disables the scheduler (the returned Sweeper's Stop is a no-op).
func NewSweeper(c *Cache, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		return &Sweeper{c: c}, nil
	}

	sc, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sc.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			c.TrimToPreferredMemoryLimit()
			dlog.Debug("databincache: sweeper trim pass complete")
		}),
	)
	if err != nil {
		return nil, err
	}

	sc.Start()
	return &Sweeper{c: c, sc: sc}, nil
}

// Stop shuts down the scheduler goroutine.
func (s *Sweeper) Stop() {
	if s.sc != nil {
		if err := s.sc.Shutdown(); err != nil {
			dlog.Warnf("databincache: sweeper shutdown: %s", err.Error())
		}
	}
}
