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

// Package plan lowers a SELECT AST into the physical
// description of one kernel program per event: window,
// projections, filter, group-by, aggregates, and the
// optional distinct join.
package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dchest/siphash"

	"github.com/ebql/ebql/bpf"
	"github.com/ebql/ebql/events"
	"github.com/ebql/ebql/expr"
	"github.com/ebql/ebql/schema"
)

// ErrUnsupported marks grammar features and plan shapes
// outside the kernel-executable subset. The wrapped
// message names the feature.
var ErrUnsupported = errors.New("plan: unsupported")

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

// BpfPlan is the physical plan of one kernel program
// attached to one event.
type BpfPlan struct {
	// Schema of records the program emits.
	Schema *schema.Schema
	// Event the program attaches to.
	Event *events.Event

	Window   *Window
	Projects []bpf.Field
	Filter   expr.Cond
	Maps     []MapExpr
	GroupBy  []bpf.Field
	Aggs     []AggOp

	Distinct     bool
	DistinctJoin *JoinDesc
}

func (p *BpfPlan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "BpfPlan{%s on %s", p.Schema.Name, p.Event.Name)
	if p.Window != nil {
		fmt.Fprintf(&sb, ", window=%s", p.Window)
	}
	if p.Filter != nil {
		fmt.Fprintf(&sb, ", filter=%s", p.Filter)
	}
	for _, a := range p.Aggs {
		fmt.Fprintf(&sb, ", %s", a)
	}
	sb.WriteString("}")
	return sb.String()
}

// JoinDesc describes a distinct equi-join between the
// output schemas of two plans; both plans carry the same
// descriptor.
type JoinDesc struct {
	Left   *schema.Schema
	Right  *schema.Schema
	Fields schema.Fields
}

// PhysicalPlan holds one plan, or two when the query has
// a join. The primary plan is first.
type PhysicalPlan struct {
	Plans []*BpfPlan
}

// siphash keys for query naming; fixed so that identical
// queries hash identically across processes.
const (
	nameKey0 = 0x6562716c2d6b6579
	nameKey1 = 0x71756572792d6964
)

// QueryName derives the deterministic program name for a
// statement from its canonical rendering.
func QueryName(sel *expr.Select) string {
	h := siphash.Hash(nameKey0, nameKey1, []byte(sel.String()))
	return fmt.Sprintf("select_%08x", uint32(h))
}

// resolve finds the field for a column at an event: the
// event's argument table first, then the system-variable
// table.
func resolve(e *events.Event, name string) (bpf.Field, error) {
	f, err := e.Arg(name)
	if err == nil {
		return f, nil
	}
	if sf, ok := events.SystemField(name); ok {
		return sf, nil
	}
	return bpf.Field{}, err
}

// FromSelect lowers a parsed SELECT into a physical plan.
func FromSelect(sel *expr.Select) (*PhysicalPlan, error) {
	p, err := planSelect(sel)
	if err != nil {
		return nil, err
	}
	pp := &PhysicalPlan{Plans: []*BpfPlan{p}}

	if sel.Join != nil {
		if sel.Join.Inner.Join != nil {
			return nil, unsupportedf("only one join is allowed")
		}
		inner, err := planSelect(sel.Join.Inner)
		if err != nil {
			return nil, err
		}
		fields, err := joinFields(p.Event, sel.Join.Using)
		if err != nil {
			return nil, err
		}
		desc := &JoinDesc{Left: p.Schema, Right: inner.Schema, Fields: fields}
		p.DistinctJoin = desc
		inner.DistinctJoin = desc
		pp.Plans = append(pp.Plans, inner)
	}
	return pp, nil
}

// planSelect builds the plan for a single event, ignoring
// any join clause on sel.
func planSelect(sel *expr.Select) (*BpfPlan, error) {
	e, err := events.Lookup(sel.Table)
	if err != nil {
		return nil, fmt.Errorf("select table does not correspond to an event: %w", err)
	}
	p := &BpfPlan{Event: e, Distinct: sel.Distinct}
	name := QueryName(sel)

	var projects []bpf.Field
	var outputs []bpf.Field
	union := func(dst *[]bpf.Field, f bpf.Field) {
		if !bpf.ContainsField(*dst, &f) {
			*dst = append(*dst, f)
		}
	}

	// window first: time windows force-project the time
	// system variable
	if sel.Window != nil {
		if !sel.Window.Tumbling() {
			return nil, unsupportedf("non-tumbling step windows")
		}
		switch sel.Window.Kind {
		case expr.TimeWindow:
			p.Window = &Window{
				Kind:     TimeWindow,
				Interval: sel.Window.Interval,
				Step:     sel.Window.Step,
			}
			tf, _ := events.SystemField("time")
			union(&projects, tf)
		case expr.CountWindow:
			p.Window = &Window{
				Kind:      CountWindow,
				Count:     sel.Window.Count,
				CountStep: sel.Window.CountStep,
			}
		}
	}

	for _, col := range sel.GroupBy {
		f, err := resolve(e, col)
		if err != nil {
			return nil, err
		}
		union(&projects, f)
		union(&outputs, f)
		p.GroupBy = append(p.GroupBy, f)
	}

	for _, sf := range sel.Fields {
		switch v := sf.(type) {
		case expr.Star:
			for _, f := range e.AllArgs() {
				union(&projects, f)
			}
		case expr.Column:
			f, err := resolve(e, v.Name)
			if err != nil {
				return nil, err
			}
			union(&projects, f)
		case expr.Aggregate:
			op, proj, out, err := lowerAggregate(e, v)
			if err != nil {
				return nil, err
			}
			p.Distinct = p.Distinct || v.Distinct
			p.Aggs = append(p.Aggs, op)
			if proj != nil {
				union(&projects, *proj)
			}
			union(&outputs, out)
		}
	}

	if sel.Where != nil {
		for _, col := range expr.Columns(sel.Where) {
			f, err := resolve(e, col)
			if err != nil {
				return nil, err
			}
			union(&projects, f)
		}
		p.Filter = sel.Where
	}

	if len(p.Aggs) > 0 && p.Window == nil {
		return nil, unsupportedf("aggregates require a window")
	}

	p.Projects = projects
	emit := outputs
	if len(emit) == 0 {
		emit = projects
	}
	s, err := schemaFrom(name, emit)
	if err != nil {
		return nil, err
	}
	p.Schema = s
	return p, nil
}

// lowerAggregate converts one aggregate select field into
// its operator, the column it projects (nil for COUNT(*)),
// and the output column it emits.
func lowerAggregate(e *events.Event, agg expr.Aggregate) (AggOp, *bpf.Field, bpf.Field, error) {
	if agg.Star {
		return Aggregate{Kind: AggCount}, nil, bpf.NewField("count_", bpf.U64), nil
	}
	f, err := resolve(e, agg.Col)
	if err != nil {
		return nil, nil, bpf.Field{}, err
	}
	var kind AggKind
	switch agg.Op {
	case expr.AggAvg:
		kind = AggAvg
	case expr.AggSum:
		kind = AggSum
	case expr.AggMin:
		kind = AggMin
	case expr.AggMax:
		kind = AggMax
	case expr.AggCount:
		kind = AggCount
	}
	op := Aggregate{Kind: kind, Col: agg.Col}
	out := bpf.NewField(op.OutputCol(), bpf.U64)
	return op, &f, out, nil
}

// joinFields resolves the USING columns at the left event.
func joinFields(e *events.Event, cols []string) (schema.Fields, error) {
	fields := make(schema.Fields, 0, len(cols))
	for _, col := range cols {
		f, err := resolve(e, col)
		if err != nil {
			return nil, err
		}
		dt, err := f.Type.DataType()
		if err != nil {
			return nil, fmt.Errorf("join column %s: %w", col, err)
		}
		fields = append(fields, schema.Field{Name: f.Name, Type: dt})
	}
	return fields, nil
}

// schemaFrom converts the emitted field list into the
// logical schema.
func schemaFrom(name string, fields []bpf.Field) (*schema.Schema, error) {
	out := make(schema.Fields, 0, len(fields))
	for i := range fields {
		dt, err := fields[i].Type.DataType()
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", fields[i].Name, err)
		}
		out = append(out, schema.Field{Name: fields[i].Name, Type: dt})
	}
	return schema.New(name, out), nil
}

// StructFor maps a schema to its packed layout, resolving
// event-derived access paths through the event's argument
// table and the system-variable table. Padding
// optimization is always applied; the layout records the
// permutation back to schema order.
func StructFor(s *schema.Schema, e *events.Event) (*bpf.Struct, error) {
	fields := make([]bpf.Field, 0, len(s.Fields))
	for i := range s.Fields {
		sf := &s.Fields[i]
		if f, err := e.Arg(sf.Name); err == nil {
			fields = append(fields, f)
			continue
		}
		if f, ok := events.SystemField(sf.Name); ok {
			fields = append(fields, f)
			continue
		}
		t, err := bpf.TypeOf(sf.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", sf.Name, err)
		}
		fields = append(fields, bpf.NewField(sf.Name, t))
	}
	return bpf.NewStruct(s.Name+"_t", fields, s, true)
}
