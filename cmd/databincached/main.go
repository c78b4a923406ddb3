// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of databincache.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command databincached runs a databincache.Cache as a small standalone
// daemon: it answers nothing over the network, but exercises the full
// engine end to end -- configuration loading, the periodic trim sweeper,
// and a stats line printed to stdout.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbincache/databincache/internal/databincache"
	"github.com/dbincache/databincache/internal/dlog"
	"github.com/dbincache/databincache/internal/runtimeEnv"
	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
)

func main() {
	var (
		flagGops       bool
		flagConfigFile string
		flagEnvFile    string
	)
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagConfigFile, "config", "", "Load cache Options from `config.json`")
	flag.StringVar(&flagEnvFile, "env", "./.env", "Load environment variables from `.env` before anything else")
	flag.Parse()

	if err := godotenv.Load(flagEnvFile); err != nil && !os.IsNotExist(err) {
		dlog.Warnf("could not load %s: %s", flagEnvFile, err.Error())
	}

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			dlog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	opts := databincache.Options{PreferredMemoryBytes: 64 * 1024 * 1024, TrimIntervalSeconds: 30}
	if flagConfigFile != "" {
		raw, err := os.ReadFile(flagConfigFile)
		if err != nil {
			dlog.Fatalf("reading %s: %s", flagConfigFile, err.Error())
		}
		opts, err = databincache.LoadOptions(raw)
		if err != nil {
			dlog.Fatalf("parsing %s: %s", flagConfigFile, err.Error())
		}
	}

	cache := databincache.NewCacheWithOptions(opts)
	defer cache.Close()

	var sweeper *databincache.Sweeper
	if opts.TrimIntervalSeconds > 0 {
		var err error
		sweeper, err = databincache.NewSweeper(cache, time.Duration(opts.TrimIntervalSeconds)*time.Second)
		if err != nil {
			dlog.Fatalf("starting sweeper: %s", err.Error())
		}
		defer sweeper.Stop()
	}

	runtimeEnv.SystemdNotifiy(true, "running")
	dlog.Info("databincached: ready")

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigs:
			runtimeEnv.SystemdNotifiy(false, "stopping")
			dlog.Info("databincached: shutting down")
			return
		case now := <-ticker.C:
			stats, err := cache.EncodeStats("databincache", map[string]string{"host": hostname()}, now)
			if err != nil {
				dlog.Errorf("encoding stats: %s", err.Error())
				continue
			}
			fmt.Fprint(os.Stdout, string(stats))
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
