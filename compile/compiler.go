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

// Package compile synthesizes kernel program source from a
// physical plan and drives the external C-to-eBPF
// compiler: template expansion for window, aggregation,
// and histogram primitives, ring buffer sizing, projection
// and filter emission, and the terminal window action.
package compile

import (
	"fmt"
	"strings"

	"github.com/ebql/ebql/bpf"
	"github.com/ebql/ebql/events"
	"github.com/ebql/ebql/plan"
)

// Compiler turns physical plans into loadable objects.
type Compiler struct {
	cfg *Config
}

// New returns a compiler over the given toolchain config.
func New(cfg *Config) *Compiler {
	return &Compiler{cfg: cfg}
}

// CompilePlan compiles every plan of pp, returning one
// build result per plan. The results are linked into one
// object at load time.
func (c *Compiler) CompilePlan(pp *plan.PhysicalPlan) ([]*bpf.BuildResult, error) {
	results := make([]*bpf.BuildResult, 0, len(pp.Plans))
	for _, p := range pp.Plans {
		br, err := c.Compile(p)
		if err != nil {
			return nil, err
		}
		results = append(results, br)
	}
	return results, nil
}

// Compile synthesizes, writes, and compiles the program
// for one plan.
//
// On tumble the program submits the closing window's
// results first and then inserts the current event into
// the aggregation state, so the tumbling event counts
// toward the new window.
func (c *Compiler) Compile(p *plan.BpfPlan) (*bpf.BuildResult, error) {
	section := p.Event.Kind.Section() + "/" + p.Event.Name
	cb := bpf.NewCodeBuilder(p.Schema.Name, section)

	if p.Window == nil {
		return nil, fmt.Errorf("compile: query %s has no window operator", p.Schema.Name)
	}
	name, wctx := windowTemplate(p)
	text, err := Render(name, wctx)
	if err != nil {
		return nil, err
	}
	cb.AddExternalInclude(name, text)

	// aggregates and histograms become headers; scalar
	// aggregates accumulate into one shared template
	actx := newAggContext(p)
	for _, op := range p.Aggs {
		switch v := op.(type) {
		case plan.Histogram:
			hctx := newHistContext(p.Schema.Name, v)
			text, err := Render("hist", hctx)
			if err != nil {
				return nil, err
			}
			cb.AddExternalInclude("hist", text)
		case plan.Aggregate:
			if err := actx.add(v); err != nil {
				return nil, err
			}
		}
	}
	text, err = Render("agg", actx)
	if err != nil {
		return nil, err
	}
	cb.AddExternalInclude("agg", text)

	if len(p.Maps) > 0 {
		return nil, fmt.Errorf("%w: map transformations", plan.ErrUnsupported)
	}
	if p.DistinctJoin != nil {
		return nil, fmt.Errorf("%w: in-kernel distinct join", plan.ErrUnsupported)
	}

	st, err := plan.StructFor(p.Schema, p.Event)
	if err != nil {
		return nil, err
	}
	rb := &bpf.RingBuf{
		Name:       "ring_buf_" + p.Schema.Name,
		Repr:       st,
		MaxEntries: maxEntries(p.Window, st.Size),
	}
	cb.WriteRingBuffer(rb)

	ctxArg := bpf.NewField("ctx", bpf.PointerTo(bpf.StructOf(p.Event.Context, nil)))
	cb.StartFunction([]bpf.Field{ctxArg})

	emitProjections(cb, p)
	cb.Call("DEBUG", `"Got event"`)

	if p.Filter != nil {
		cb.If(lowerFilter(p.Filter))
		cb.Call("INFO", `"Event did not match filter; dropping..."`)
		cb.Return("1")
		cb.CloseIf()
	}

	if len(p.Aggs) > 0 {
		if err := emitAggregates(cb, p, rb); err != nil {
			return nil, err
		}
	} else {
		emitProjection(cb, p, rb, st)
	}

	cb.Return("0")
	cb.CloseFunction()
	return cb.Build(c.cfg.buildConfig())
}

// maxEntries sizes the output ring buffer: the desired
// window population, clamped so the buffer never exceeds
// MaxMemBytes.
func maxEntries(w *plan.Window, structSize int) uint64 {
	limit := uint64(MaxMemBytes / structSize)
	if w.Kind == plan.CountWindow && w.Count < limit {
		return w.Count
	}
	return limit
}

// emitProjections declares and fills one local per
// projected field: system variables call their helper,
// event arguments read from the context.
func emitProjections(cb *bpf.CodeBuilder, p *plan.BpfPlan) {
	for i := range p.Projects {
		f := &p.Projects[i]
		cb.VarDecl(*f)
		if helper, ok := events.SystemHelper(f.Name); ok {
			cb.Call(helper, f.Name)
			continue
		}
		if f.Type.Kind == bpf.KindString {
			cb.StrAssign(f.AccessExpr(), f.Name, fmt.Sprintf("%d", f.Type.Len))
			continue
		}
		cb.VarAssign(f.Name, f.AccessExpr())
	}
}

// emitAggregates writes the aggregate terminal action:
// account the event in the window; on tumble, size and
// reserve the output buffer, materialize every aggregate,
// submit, clear the aggregation state, and reset the
// window; finally fold the current event into the
// aggregates.
func emitAggregates(cb *bpf.CodeBuilder, p *plan.BpfPlan, rb *bpf.RingBuf) error {
	var windowArgs []string
	if p.Window.Kind == plan.TimeWindow {
		windowArgs = []string{"time"}
	}
	q := p.Schema.Name
	structT := q + "_t"

	cb.VarInit(bpf.NewField("tumble", bpf.Bool),
		fmt.Sprintf("window_add(%s)", strings.Join(windowArgs, ", ")))
	cb.If("tumble")

	// one aggregate suffices to count the distinct groups
	first, err := aggSuffix(p.Aggs[0], q)
	if err != nil {
		return err
	}
	cb.VarInit(bpf.NewField("n_results", bpf.U64), fmt.Sprintf("count_%s()", first))

	cb.If(fmt.Sprintf("n_results >= %d", rb.MaxEntries))
	cb.Call("WARN", `"Got too many results; truncating to max rb entries..."`)
	cb.VarAssign("n_results", fmt.Sprintf("%d", rb.MaxEntries))
	cb.CloseIf()

	cb.If("n_results > 0")
	cb.VarInit(bpf.NewField("buf", bpf.PointerTo(bpf.StructOf(structT, nil))),
		fmt.Sprintf("bpf_ringbuf_reserve(&%s, n_results * sizeof(%s), 0)", rb.Name, structT))
	cb.If("!buf")
	cb.Call("ERROR", `"Failed to allocate from ring buffer"`)
	cb.Return("1")
	cb.CloseIf()

	for _, op := range p.Aggs {
		suffix, err := aggSuffix(op, q)
		if err != nil {
			return err
		}
		cb.Call("get_"+suffix, "buf", "n_results")
	}
	cb.Call("bpf_ringbuf_submit", "buf", "0")
	cb.CloseIf()

	for _, op := range p.Aggs {
		suffix, err := aggSuffix(op, q)
		if err != nil {
			return err
		}
		cb.Call("tumble_" + suffix)
	}
	cb.Call("window_tumble", windowArgs...)
	cb.CloseIf()

	// after a potential tumble, fold the event in
	key, err := groupKey(p)
	if err != nil {
		return err
	}
	for _, op := range p.Aggs {
		suffix, err := aggSuffix(op, q)
		if err != nil {
			return err
		}
		switch v := op.(type) {
		case plan.Aggregate:
			arg := v.Col
			if v.Kind == plan.AggCount {
				arg = "1"
			}
			cb.Call("insert_"+suffix, key, arg)
		case plan.Histogram:
			cb.Call("insert_"+suffix, v.Col)
		}
	}
	return nil
}

// emitProjection writes the plain-projection terminal
// action: add the record to the buffered window; on
// tumble, reserve, bulk-copy the window buffer, submit,
// and reset.
func emitProjection(cb *bpf.CodeBuilder, p *plan.BpfPlan, rb *bpf.RingBuf, st *bpf.Struct) {
	q := p.Schema.Name
	structT := q + "_t"

	// struct literal in layout field order
	names := make([]string, 0, len(st.Fields))
	for i := range st.Fields {
		names = append(names, st.Fields[i].Name)
	}
	windowArg := fmt.Sprintf("(%s){%s}", structT, strings.Join(names, ", "))

	cb.VarInit(bpf.NewField("tumble", bpf.Bool), fmt.Sprintf("window_add(%s)", windowArg))
	cb.If("tumble")
	cb.VarInit(bpf.NewField("n_results", bpf.U64), "get_size()")

	cb.If(fmt.Sprintf("n_results >= %d", rb.MaxEntries))
	cb.Call("WARN", `"Got too many results; truncating to max rb entries..."`)
	cb.VarAssign("n_results", fmt.Sprintf("%d", rb.MaxEntries))
	cb.CloseIf()

	nBytes := fmt.Sprintf("n_results * sizeof(%s)", structT)
	cb.VarInit(bpf.NewField("buf", bpf.PointerTo(bpf.StructOf(structT, nil))),
		fmt.Sprintf("bpf_ringbuf_reserve(&%s, %s, 0)", rb.Name, nBytes))
	cb.If("!buf")
	cb.Call("ERROR", `"Failed to allocate from ring buffer"`)
	cb.Return("1")
	cb.CloseIf()

	cb.Call("bpf_probe_read_kernel", "buf", nBytes, "w.buf")
	cb.Call("bpf_ringbuf_submit", "buf", "0")

	if p.Window.Kind == plan.TimeWindow {
		cb.Call("window_tumble", windowArg)
	} else {
		cb.Call("window_tumble")
	}
	cb.CloseIf()
}

// aggSuffix names the generated helpers of one aggregate:
// <agg>_<field>_<query>, with an empty field for COUNT(*).
func aggSuffix(op plan.AggOp, query string) (string, error) {
	switch v := op.(type) {
	case plan.Aggregate:
		return fmt.Sprintf("%s_%s_%s", v.Kind.Name(), v.Col, query), nil
	case plan.Histogram:
		return fmt.Sprintf("hist_%s_%s", v.Col, query), nil
	}
	return "", fmt.Errorf("compile: %s is not an aggregate", op)
}

// groupKey builds the group-by key literal the insert
// helpers take. Without group-by columns only COUNT(*)
// may aggregate, using the fixed zero key.
func groupKey(p *plan.BpfPlan) (string, error) {
	if len(p.GroupBy) == 0 {
		for _, op := range p.Aggs {
			if a, ok := op.(plan.Aggregate); !ok || a.Kind != plan.AggCount || a.Col != "" {
				return "", fmt.Errorf("%w: non-grouped aggregates", plan.ErrUnsupported)
			}
		}
		return fmt.Sprintf("(group_by_%s_t){0}", p.Schema.Name), nil
	}
	names := make([]string, 0, len(p.GroupBy))
	for i := range p.GroupBy {
		names = append(names, p.GroupBy[i].Name)
	}
	return fmt.Sprintf("(group_by_%s_t){%s}", p.Schema.Name, strings.Join(names, ", ")), nil
}
