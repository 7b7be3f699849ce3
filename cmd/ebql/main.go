// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// ebql runs one streaming query against the kernel and
// prints every batch it produces until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ebql/ebql/compile"
	"github.com/ebql/ebql/events"
	"github.com/ebql/ebql/exec"
)

var (
	queryText  = flag.String("query", "", "query to execute")
	clangPath  = flag.String("clang", "", "C-to-eBPF compiler (default: clang from PATH)")
	vmlinuxDir = flag.String("vmlinux", "bpf", "directory holding vmlinux.h and common.bpf.h")
	cacheDir   = flag.String("cache", "", "compiled-object cache directory (empty disables)")
	eventsFile = flag.String("events", "", "extra event descriptors (YAML)")
	stats      = flag.Bool("stats", false, "enable kernel-side program stats")
)

func main() {
	flag.Parse()
	if *queryText == "" {
		fmt.Fprintln(os.Stderr, "usage: ebql -query 'SELECT ...'")
		os.Exit(1)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *eventsFile != "" {
		if err := events.RegisterFile(*eventsFile); err != nil {
			logger.Fatal("loading event descriptors", zap.Error(err))
		}
	}

	cfg := compile.DefaultConfig()
	cfg.Clang = *clangPath
	cfg.VmlinuxDir = *vmlinuxDir
	cfg.CacheDir = *cacheDir

	x, err := exec.New(cfg, logger)
	if err != nil {
		logger.Fatal("initializing executor", zap.Error(err))
	}
	defer x.Close()

	if *stats {
		if err := x.EnableStats(); err != nil {
			logger.Warn("enabling stats", zap.Error(err))
		}
	}

	s, rx, err := x.Execute(*queryText)
	if err != nil {
		logger.Fatal("executing query", zap.Error(err))
	}
	logger.Info("streaming", zap.String("schema", s.String()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case batch, ok := <-rx:
			if !ok {
				return
			}
			fmt.Println(batch)
		case <-sig:
			if *stats {
				if qs, ok := x.Stats(s.Name); ok {
					logger.Info("final stats", zap.String("stats", qs.String()))
				}
			}
			return
		}
	}
}
