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

package compile

import (
	"embed"
	"fmt"
	"runtime"
	"strings"
	"text/template"

	"github.com/ebql/ebql/plan"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Render expands the named template family with the given
// context. Rendering is pure: identical inputs produce
// identical text, so identical queries produce identical
// objects.
func Render(name string, ctx any) (string, error) {
	t := templates.Lookup(name + ".bpf.h.tmpl")
	if t == nil {
		return "", fmt.Errorf("compile: no template %q", name)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, ctx); err != nil {
		return "", fmt.Errorf("compile: rendering %s: %w", name, err)
	}
	return sb.String(), nil
}

// windowContext parameterizes the window templates. Count
// windows carry the count; time windows carry the interval
// in nanoseconds and a fixed buffer capacity.
type windowContext struct {
	QueryName  string
	IsCount    bool
	Count      uint64
	IntervalNs uint64
}

// timeWindowCap bounds the buffered record count of a
// time window, whose population is unknown in advance.
const timeWindowCap = 1 << 15

// windowTemplate picks the window template family and its
// context: queries with aggregates only need the counting
// window, plain projections buffer whole records.
func windowTemplate(p *plan.BpfPlan) (string, windowContext) {
	name := "stateful_window"
	if len(p.Aggs) > 0 {
		name = "tumbling_window"
	}
	ctx := windowContext{QueryName: p.Schema.Name}
	if p.Window.Kind == plan.CountWindow {
		ctx.IsCount = true
		ctx.Count = p.Window.Count
	} else {
		ctx.Count = timeWindowCap
		ctx.IntervalNs = uint64(p.Window.Interval.Nanoseconds())
	}
	return name, ctx
}

// aggContext parameterizes the aggregation template: the
// group-by key type, one entry per scalar aggregate, and
// the fixed-precision scale for averages.
type aggContext struct {
	QueryName    string
	GBMaxEntries uint64
	AvgScale     uint64
	GroupBys     []aggGroupBy
	Aggs         []aggEntry
}

type aggGroupBy struct {
	FieldName string
	FieldType string
}

type aggEntry struct {
	IsAvg     bool
	Agg       string
	FieldName string
	QueryName string
}

const (
	avgScale     = 1_000_000
	gbMaxEntries = 1 << 14
)

// newAggContext seeds the aggregation context from the
// plan's group-by columns. A single group-by on cpu is
// bounded by the machine's CPU count.
func newAggContext(p *plan.BpfPlan) aggContext {
	ctx := aggContext{
		QueryName:    p.Schema.Name,
		GBMaxEntries: gbMaxEntries,
		AvgScale:     avgScale,
	}
	if len(p.GroupBy) == 1 && p.GroupBy[0].Name == "cpu" {
		ctx.GBMaxEntries = uint64(runtime.NumCPU())
	}
	for i := range p.GroupBy {
		ctx.GroupBys = append(ctx.GroupBys, aggGroupBy{
			FieldName: p.GroupBy[i].Name,
			FieldType: p.GroupBy[i].Type.String(),
		})
	}
	return ctx
}

// add registers one scalar aggregate with the context.
// Grouped aggregates require group-by columns; COUNT(*)
// alone may aggregate the whole window.
func (ctx *aggContext) add(op plan.Aggregate) error {
	if len(ctx.GroupBys) == 0 && !(op.Kind == plan.AggCount && op.Col == "") {
		return fmt.Errorf("%w: aggregate %s without group-by columns", plan.ErrUnsupported, op)
	}
	ctx.Aggs = append(ctx.Aggs, aggEntry{
		IsAvg:     op.Kind == plan.AggAvg,
		Agg:       op.Kind.Name(),
		FieldName: op.Col,
		QueryName: ctx.QueryName,
	})
	return nil
}

// histContext parameterizes the histogram template.
type histContext struct {
	QueryName string
	Col       string
	NBuckets  int
	Buckets   string
	IsLog     bool
	FPScale   uint64
}

const fpScale = 1_000_000

// newHistContext converts the bucket list into its C
// initializer, appending an unbounded terminal bucket,
// and auto-detects log-spaced buckets.
func newHistContext(queryName string, h plan.Histogram) histContext {
	isLog := true
	for _, b := range h.Buckets {
		if b.Lo != 0 && b.Hi != 2*b.Lo {
			isLog = false
		}
	}
	var sb strings.Builder
	sb.WriteString("{")
	for i, b := range h.Buckets {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "{%d, %d, 0}", b.Lo, b.Hi)
	}
	if len(h.Buckets) > 0 {
		fmt.Fprintf(&sb, ", {%d, %d, 0}", h.Buckets[len(h.Buckets)-1].Hi, uint64(1<<64-1))
	}
	sb.WriteString("}")
	return histContext{
		QueryName: queryName,
		Col:       h.Col,
		NBuckets:  len(h.Buckets) + 1,
		Buckets:   sb.String(),
		IsLog:     isLog,
		FPScale:   fpScale,
	}
}
