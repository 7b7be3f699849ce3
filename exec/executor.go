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

// Package exec is the query execution façade: it parses a
// statement, drives the planner and compiler, loads and
// attaches the resulting object, and hands the caller the
// emitted schema and the stream of decoded batches.
package exec

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ebql/ebql/bpf"
	"github.com/ebql/ebql/compile"
	"github.com/ebql/ebql/expr"
	"github.com/ebql/ebql/plan"
	"github.com/ebql/ebql/schema"
)

// Executor runs queries. One executor owns the toolchain
// config, the process-wide runtime setup (memlock limit),
// and every loaded object.
type Executor struct {
	cfg      *compile.Config
	compiler *compile.Compiler
	log      *zap.Logger

	mu      sync.Mutex
	queries map[string]*query
}

type query struct {
	object *bpf.Object
	schema *schema.Schema
}

// New constructs an executor, raising the locked-memory
// limit for map creation. A nil config gets defaults; a
// nil logger is silent.
func New(cfg *compile.Config, logger *zap.Logger) (*Executor, error) {
	if cfg == nil {
		cfg = compile.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := bpf.RaiseMemlock(); err != nil {
		return nil, err
	}
	return &Executor{
		cfg:      cfg,
		compiler: compile.New(cfg),
		log:      logger,
		queries:  make(map[string]*query),
	}, nil
}

// Execute parses, plans, compiles, loads, and attaches a
// query, returning the emitted schema and the batch
// stream. The stream closes when the query is dropped.
func (x *Executor) Execute(sql string) (*schema.Schema, <-chan *schema.RecordBatch, error) {
	sel, err := expr.Parse(sql)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse query: %w", err)
	}
	pp, err := plan.FromSelect(sel)
	if err != nil {
		return nil, nil, err
	}
	primary := pp.Plans[0]
	name := primary.Schema.Name

	x.mu.Lock()
	_, running := x.queries[name]
	x.mu.Unlock()
	if running {
		return nil, nil, fmt.Errorf("query %s is already running", name)
	}

	results, err := x.compiler.CompilePlan(pp)
	if err != nil {
		return nil, nil, err
	}
	obj, err := bpf.Load(name, results, &bpf.LoadOptions{
		Bpftool: x.cfg.Bpftool,
		Logger:  x.log,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := obj.AttachAll(); err != nil {
		obj.Close()
		return nil, nil, err
	}

	x.mu.Lock()
	x.queries[name] = &query{object: obj, schema: primary.Schema}
	x.mu.Unlock()
	x.log.Info("query attached",
		zap.String("query", name),
		zap.String("event", primary.Event.Name))
	return primary.Schema, obj.Rx(name), nil
}

// Drop detaches a query's programs and closes its stream.
func (x *Executor) Drop(name string) error {
	x.mu.Lock()
	q, ok := x.queries[name]
	delete(x.queries, name)
	x.mu.Unlock()
	if !ok {
		return fmt.Errorf("no query %s", name)
	}
	return q.object.Close()
}

// Close drops every running query.
func (x *Executor) Close() error {
	x.mu.Lock()
	queries := x.queries
	x.queries = make(map[string]*query)
	x.mu.Unlock()
	var first error
	for _, q := range queries {
		if err := q.object.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EnableStats turns on kernel-side runtime accounting for
// Stats.
func (x *Executor) EnableStats() error { return bpf.EnableStats() }

// Stats joins the kernel's runtime counters for a query's
// program with the userspace delivery counters.
func (x *Executor) Stats(name string) (*QueryStats, bool) {
	x.mu.Lock()
	q, ok := x.queries[name]
	x.mu.Unlock()
	if !ok {
		return nil, false
	}
	p, ok := q.object.Progs[name]
	if !ok {
		return nil, false
	}
	kernel, err := p.Stats()
	if err != nil {
		x.log.Warn("reading program stats", zap.String("query", name), zap.Error(err))
		return nil, false
	}
	batches, records := p.Delivered()
	return &QueryStats{
		Kernel: kernel,
		User:   UserspaceStats{Batches: batches, Records: records},
	}, true
}
