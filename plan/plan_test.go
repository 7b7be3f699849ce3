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
	"errors"
	"testing"
	"time"

	"golang.org/x/exp/slices"

	"github.com/ebql/ebql/bpf"
	"github.com/ebql/ebql/events"
	"github.com/ebql/ebql/expr"
	"github.com/ebql/ebql/schema"
)

func mustPlan(t *testing.T, sql string) *BpfPlan {
	t.Helper()
	sel, err := expr.Parse(sql)
	if err != nil {
		t.Fatal(err)
	}
	pp, err := FromSelect(sel)
	if err != nil {
		t.Fatal(err)
	}
	return pp.Plans[0]
}

func projectNames(p *BpfPlan) []string {
	out := make([]string, 0, len(p.Projects))
	for i := range p.Projects {
		out = append(out, p.Projects[i].Name)
	}
	return out
}

func schemaNames(s *schema.Schema) []string {
	out := make([]string, 0, len(s.Fields))
	for i := range s.Fields {
		out = append(out, s.Fields[i].Name)
	}
	return out
}

func TestPlanProjection(t *testing.T) {
	p := mustPlan(t, "SELECT fd, count FROM syscalls/sys_enter_pread64")
	if !slices.Equal(projectNames(p), []string{"fd", "count"}) {
		t.Errorf("got projects %v", projectNames(p))
	}
	if !slices.Equal(schemaNames(p.Schema), []string{"fd", "count"}) {
		t.Errorf("got schema %v", schemaNames(p.Schema))
	}
	if p.Window != nil || len(p.Aggs) != 0 {
		t.Error("plain projection should have no window or aggregates")
	}
}

func TestPlanAggregateWindow(t *testing.T) {
	p := mustPlan(t,
		"SELECT cpu, AVG(count) FROM syscalls/sys_enter_pread64 GROUP BY cpu WINDOW TIME 1s")
	if p.Window == nil || p.Window.Kind != TimeWindow || p.Window.Interval != time.Second {
		t.Fatalf("got window %v", p.Window)
	}
	if p.Window.Interval.Nanoseconds() != 1e9 {
		t.Errorf("got interval %d ns", p.Window.Interval.Nanoseconds())
	}
	// time windows force-project time; cpu and count follow
	if !slices.Equal(projectNames(p), []string{"time", "cpu", "count"}) {
		t.Errorf("got projects %v", projectNames(p))
	}
	if !slices.Equal(schemaNames(p.Schema), []string{"cpu", "avg_count"}) {
		t.Errorf("got schema %v", schemaNames(p.Schema))
	}
	for i := range p.Schema.Fields {
		if !schema.TypesEqual(p.Schema.Fields[i].Type, schema.UInt64) {
			t.Errorf("field %s: got type %s", p.Schema.Fields[i].Name, p.Schema.Fields[i].Type)
		}
	}
	if len(p.Aggs) != 1 {
		t.Fatalf("got %d aggs", len(p.Aggs))
	}
	if a := p.Aggs[0].(Aggregate); a.Kind != AggAvg || a.Col != "count" {
		t.Errorf("got agg %v", a)
	}
}

func TestPlanCountStar(t *testing.T) {
	p := mustPlan(t,
		"SELECT COUNT(*) FROM filemap/mm_filemap_add_to_page_cache WINDOW COUNT 1024")
	if len(p.Aggs) != 1 {
		t.Fatalf("got %d aggs", len(p.Aggs))
	}
	a := p.Aggs[0].(Aggregate)
	if a.Kind != AggCount || a.Col != "" {
		t.Errorf("got agg %v", a)
	}
	if !slices.Equal(schemaNames(p.Schema), []string{"count_"}) {
		t.Errorf("got schema %v", schemaNames(p.Schema))
	}
	if p.Window.Kind != CountWindow || p.Window.Count != 1024 {
		t.Errorf("got window %v", p.Window)
	}
}

func TestPlanFilterProjectsColumns(t *testing.T) {
	p := mustPlan(t,
		"SELECT pfn FROM filemap/mm_filemap_add_to_page_cache WHERE pid = 10000 WINDOW COUNT 256")
	// pid is projected even though it is not selected
	if !slices.Equal(projectNames(p), []string{"pfn", "pid"}) {
		t.Errorf("got projects %v", projectNames(p))
	}
	if p.Filter == nil {
		t.Fatal("filter missing")
	}
	// without aggregates the schema is the projected columns,
	// so the filter column is emitted too
	if !slices.Equal(schemaNames(p.Schema), []string{"pfn", "pid"}) {
		t.Errorf("got schema %v", schemaNames(p.Schema))
	}
}

func TestPlanSelectStar(t *testing.T) {
	p := mustPlan(t, "SELECT * FROM syscalls/sys_enter_pread64 WINDOW COUNT 1")
	if !slices.Equal(schemaNames(p.Schema), []string{"fd", "buf", "count", "pos"}) {
		t.Errorf("got schema %v", schemaNames(p.Schema))
	}
}

func TestPlanJoin(t *testing.T) {
	sel, err := expr.Parse(
		"SELECT pfn FROM filemap/mm_filemap_add_to_page_cache " +
			"JOIN (SELECT pfn FROM filemap/mm_filemap_delete_from_page_cache WINDOW COUNT 64) USING (pfn) " +
			"WINDOW COUNT 64")
	if err != nil {
		t.Fatal(err)
	}
	pp, err := FromSelect(sel)
	if err != nil {
		t.Fatal(err)
	}
	if len(pp.Plans) != 2 {
		t.Fatalf("got %d plans", len(pp.Plans))
	}
	l, r := pp.Plans[0], pp.Plans[1]
	if l.DistinctJoin == nil || r.DistinctJoin == nil {
		t.Fatal("join descriptor missing")
	}
	if l.DistinctJoin != r.DistinctJoin {
		t.Error("plans should share one join descriptor")
	}
	if l.DistinctJoin.Left != l.Schema || l.DistinctJoin.Right != r.Schema {
		t.Error("join descriptor schemas wrong")
	}
	if len(l.DistinctJoin.Fields) != 1 || l.DistinctJoin.Fields[0].Name != "pfn" {
		t.Errorf("got join fields %v", l.DistinctJoin.Fields)
	}
}

func TestPlanInvariants(t *testing.T) {
	// projects ⊇ group-by ∪ filter columns ∪ aggregate args
	p := mustPlan(t,
		"SELECT cpu, SUM(count) FROM syscalls/sys_enter_pread64 "+
			"WHERE fd > 2 GROUP BY cpu WINDOW TIME 2s")
	proj := projectNames(p)
	for _, want := range []string{"cpu", "count", "fd", "time"} {
		if !slices.Contains(proj, want) {
			t.Errorf("projects %v missing %s", proj, want)
		}
	}
	for i := range p.GroupBy {
		if !bpf.ContainsField(p.Projects, &p.GroupBy[i]) {
			t.Errorf("group-by %s not projected", p.GroupBy[i].Name)
		}
	}
}

func TestPlanErrors(t *testing.T) {
	run := func(sql string, sentinel error) {
		t.Helper()
		sel, err := expr.Parse(sql)
		if err != nil {
			t.Fatalf("%s: %v", sql, err)
		}
		if _, err := FromSelect(sel); !errors.Is(err, sentinel) {
			t.Errorf("%s: got %v", sql, err)
		}
	}
	run("SELECT fd FROM syscalls/sys_enter_nope", events.ErrUnknownEvent)
	run("SELECT nope FROM syscalls/sys_enter_pread64", events.ErrUnknownArg)
	run("SELECT AVG(count) FROM syscalls/sys_enter_pread64", ErrUnsupported)
	run("SELECT fd FROM syscalls/sys_enter_pread64 WINDOW TIME 2s, 1s", ErrUnsupported)
	run("SELECT fd FROM syscalls/sys_enter_pread64 WINDOW COUNT 8, 4", ErrUnsupported)
}

func TestStructForLayout(t *testing.T) {
	p := mustPlan(t, "SELECT fd, count FROM syscalls/sys_enter_pread64")
	st, err := StructFor(p.Schema, p.Event)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 16 {
		t.Errorf("got size %d, want 16", st.Size)
	}
	if !slices.Equal(st.Offs, []int{0, 8}) {
		t.Errorf("got offsets %v, want [0 8]", st.Offs)
	}
	// the layout resolves event access paths
	if st.Fields[0].AccessExpr() != "ctx->args[0]" {
		t.Errorf("got access %q", st.Fields[0].AccessExpr())
	}
}

func TestQueryNameDeterministic(t *testing.T) {
	a := mustPlan(t, "SELECT fd FROM syscalls/sys_enter_pread64 WINDOW COUNT 8")
	b := mustPlan(t, "select fd from syscalls/sys_enter_pread64 window count 8")
	if a.Schema.Name != b.Schema.Name {
		t.Errorf("identical queries got different names: %s vs %s",
			a.Schema.Name, b.Schema.Name)
	}
	c := mustPlan(t, "SELECT count FROM syscalls/sys_enter_pread64 WINDOW COUNT 8")
	if a.Schema.Name == c.Schema.Name {
		t.Error("different queries share a name")
	}
}
