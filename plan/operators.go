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

package plan

import (
	"fmt"
	"time"
)

// AggKind enumerates the scalar aggregates the kernel
// plan can compute.
type AggKind int

const (
	AggMax AggKind = iota
	AggMin
	AggAvg
	AggSum
	AggCount
)

// Name returns the lower-case spelling used in generated
// helper and column names.
func (k AggKind) Name() string {
	switch k {
	case AggMax:
		return "max"
	case AggMin:
		return "min"
	case AggAvg:
		return "avg"
	case AggSum:
		return "sum"
	case AggCount:
		return "count"
	}
	return "?"
}

func (k AggKind) String() string { return k.Name() }

// AggOp is an aggregate operator in a plan: either a
// scalar Aggregate or a Histogram.
type AggOp interface {
	fmt.Stringer
	aggOp()
}

// Aggregate computes one scalar aggregate over the window,
// keyed by the plan's group-by columns. An empty Col with
// AggCount is COUNT(*).
type Aggregate struct {
	Kind AggKind
	Col  string
}

func (Aggregate) aggOp() {}

func (a Aggregate) String() string {
	col := a.Col
	if a.Kind == AggCount && col == "" {
		col = "*"
	}
	return fmt.Sprintf("%s(%s)", a.Kind.Name(), col)
}

// OutputCol returns the emitted column name for the
// aggregate: <agg>_<col>, or count_ for COUNT(*).
func (a Aggregate) OutputCol() string {
	return a.Kind.Name() + "_" + a.Col
}

// Bucket is one histogram bucket [Lo, Hi).
type Bucket struct {
	Lo uint64
	Hi uint64
}

// Histogram aggregates values into the given buckets.
// The SQL grammar cannot express it yet; plans constructed
// through the API may carry it.
type Histogram struct {
	Col     string
	Buckets []Bucket
}

func (Histogram) aggOp() {}

func (h Histogram) String() string {
	return fmt.Sprintf("histogram(%s, %d buckets)", h.Col, len(h.Buckets))
}

// MapExpr is a column transformation beyond aggregation.
// The planner never produces one today; the compiler
// rejects plans that carry any.
type MapExpr struct {
	Target string
	Expr   string
}

func (m MapExpr) String() string {
	return fmt.Sprintf("map(%s = %s)", m.Target, m.Expr)
}

// WindowKind discriminates the window forms the kernel
// plan supports.
type WindowKind int

const (
	TimeWindow WindowKind = iota
	CountWindow
)

// Window is the plan-level window: a tumbling interval
// over time or event count. Interval always equals Step
// here; non-tumbling windows are rejected during planning.
type Window struct {
	Kind      WindowKind
	Interval  time.Duration
	Step      time.Duration
	Count     uint64
	CountStep uint64
}

func (w *Window) String() string {
	if w.Kind == TimeWindow {
		return fmt.Sprintf("Time(%s)", w.Interval)
	}
	return fmt.Sprintf("Count(%d)", w.Count)
}
