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

package expr

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/exp/slices"
)

func parseOK(t *testing.T, src string) *Select {
	t.Helper()
	sel, err := Parse(src)
	if err != nil {
		t.Fatalf("%s: %v", src, err)
	}
	return sel
}

func TestParseBasic(t *testing.T) {
	sel := parseOK(t, "SELECT fd, count FROM syscalls/sys_enter_pread64")
	if sel.Table != "syscalls/sys_enter_pread64" {
		t.Errorf("got table %q", sel.Table)
	}
	if len(sel.Fields) != 2 {
		t.Fatalf("got %d fields", len(sel.Fields))
	}
	if c, ok := sel.Fields[0].(Column); !ok || c.Name != "fd" {
		t.Errorf("field 0: got %v", sel.Fields[0])
	}
}

func TestParseStar(t *testing.T) {
	sel := parseOK(t, "SELECT * FROM syscalls/sys_enter_pread64 WINDOW COUNT 1")
	if _, ok := sel.Fields[0].(Star); !ok {
		t.Errorf("got %v", sel.Fields[0])
	}
	if sel.Window == nil || sel.Window.Kind != CountWindow || sel.Window.Count != 1 {
		t.Errorf("got window %v", sel.Window)
	}
}

func TestParseAggregates(t *testing.T) {
	sel := parseOK(t,
		"SELECT cpu, AVG(count) FROM syscalls/sys_enter_pread64 GROUP BY cpu WINDOW TIME 1s")
	agg, ok := sel.Fields[1].(Aggregate)
	if !ok || agg.Op != AggAvg || agg.Col != "count" {
		t.Fatalf("got %v", sel.Fields[1])
	}
	if !slices.Equal(sel.GroupBy, []string{"cpu"}) {
		t.Errorf("got group by %v", sel.GroupBy)
	}
	if sel.Window.Kind != TimeWindow || sel.Window.Interval != time.Second {
		t.Errorf("got window %v", sel.Window)
	}
	if !sel.Window.Tumbling() {
		t.Error("single-interval window should be tumbling")
	}

	sel = parseOK(t, "SELECT COUNT(*) FROM filemap/mm_filemap_add_to_page_cache WINDOW COUNT 1024")
	agg = sel.Fields[0].(Aggregate)
	if agg.Op != AggCount || !agg.Star {
		t.Errorf("got %v", agg)
	}

	sel = parseOK(t, "SELECT SUM(DISTINCT count) FROM syscalls/sys_enter_pread64 WINDOW COUNT 8")
	agg = sel.Fields[0].(Aggregate)
	if !agg.Distinct {
		t.Error("DISTINCT not recorded")
	}
}

func TestParseWhere(t *testing.T) {
	sel := parseOK(t,
		"SELECT pfn FROM filemap/mm_filemap_add_to_page_cache WHERE pid = 10000 AND pfn > 4096 WINDOW COUNT 256")
	lg, ok := sel.Where.(*Logical)
	if !ok || lg.Op != And {
		t.Fatalf("got %v", sel.Where)
	}
	cmp := lg.Left.(*Compare)
	if cmp.Op != Eq || cmp.Left.(Ident).Name != "pid" || cmp.Right.(Integer).Value != 10000 {
		t.Errorf("got %v", cmp)
	}
	if got := Columns(sel.Where); !slices.Equal(got, []string{"pid", "pfn"}) {
		t.Errorf("got columns %v", got)
	}
}

func TestParseJoin(t *testing.T) {
	sel := parseOK(t,
		"SELECT pfn FROM filemap/mm_filemap_add_to_page_cache "+
			"JOIN (SELECT pfn FROM filemap/mm_filemap_delete_from_page_cache WINDOW COUNT 64) USING (pfn) "+
			"WINDOW COUNT 64")
	if sel.Join == nil {
		t.Fatal("join not parsed")
	}
	if sel.Join.Inner.Table != "filemap/mm_filemap_delete_from_page_cache" {
		t.Errorf("got inner table %q", sel.Join.Inner.Table)
	}
	if !slices.Equal(sel.Join.Using, []string{"pfn"}) {
		t.Errorf("got using %v", sel.Join.Using)
	}
}

func TestParseErrors(t *testing.T) {
	run := func(src string) {
		t.Helper()
		if _, err := Parse(src); !errors.Is(err, ErrSyntax) {
			t.Errorf("%s: got %v, want ErrSyntax", src, err)
		}
	}
	run("INSERT INTO x VALUES (1)")
	run("SELECT FROM x")
	run("SELECT a FROM")
	run("SELECT MIN(DISTINCT a) FROM e")
	run("SELECT AVG(*) FROM e")
	run("SELECT a FROM e WHERE a = 'text'")
	run("SELECT a FROM e WHERE a")
	run("SELECT a FROM e WINDOW TIME 10")
	run("SELECT a FROM e WINDOW COUNT 1s")
	run("SELECT a FROM e trailing")
}

func TestCanonicalString(t *testing.T) {
	a := parseOK(t, "select   fd,COUNT( * ) from syscalls/sys_enter_pread64 window count 8")
	b := parseOK(t, "SELECT fd, COUNT(*) FROM syscalls/sys_enter_pread64 WINDOW COUNT 8")
	if a.String() != b.String() {
		t.Errorf("canonical forms differ:\n%s\n%s", a, b)
	}
}

func TestNegateInvolution(t *testing.T) {
	for _, op := range []CmpOp{Eq, Ne, Lt, Le, Gt, Ge} {
		if op.Negate().Negate() != op {
			t.Errorf("%s: double negation is not identity", op)
		}
		if op.Negate() == op {
			t.Errorf("%s: negation is a fixed point", op)
		}
	}
}
