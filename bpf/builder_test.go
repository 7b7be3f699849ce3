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

package bpf

import (
	"strings"
	"testing"
)

func TestBuilderStruct(t *testing.T) {
	cb := NewCodeBuilder("q", "tp/syscalls/sys_enter_pread64")
	cb.StartStruct()
	cb.StructField(NewField("fd", U64))
	cb.StructField(NewField("comm", StringOf(16)))
	cb.CloseStruct("q_t")
	hdr := string(cb.header())

	for _, want := range []string{
		"typedef struct {",
		"\tu64 fd;",
		"\tchar comm[16];",
		"} q_t;",
		"#pragma once",
		`#include "common.bpf.h"`,
	} {
		if !strings.Contains(hdr, want) {
			t.Errorf("header missing %q:\n%s", want, hdr)
		}
	}
}

func TestBuilderMap(t *testing.T) {
	cb := NewCodeBuilder("q", "tp/filemap/mm_filemap_add_to_page_cache")
	cb.WriteMap(MapDef{
		Name:       "pfns",
		Type:       MapHash,
		KeyType:    U64,
		ValueType:  "u64",
		MaxEntries: 1024,
		Flags:      FlagNoPrealloc,
	})
	src := string(cb.source())

	for _, want := range []string{
		"struct {",
		"\t__uint(type, BPF_MAP_TYPE_HASH);",
		"\t__type(key, u64);",
		"\t__uint(value, u64);",
		"\t__uint(max_entries, 1024);",
		"\t__uint(map_flags, 1);",
		`} pfns SEC(".maps");`,
	} {
		if !strings.Contains(src, want) {
			t.Errorf("source missing %q:\n%s", want, src)
		}
	}
}

func TestBuilderRingBuffer(t *testing.T) {
	fields := []Field{NewField("fd", U64), NewField("count", U64)}
	st := mkstruct(t, fields, true)
	cb := NewCodeBuilder("q", "tp/syscalls/sys_enter_pread64")
	cb.WriteRingBuffer(&RingBuf{Name: "ring_buf_q", Repr: st, MaxEntries: 4})
	src := string(cb.source())

	// declared size is entries times stride
	if !strings.Contains(src, "__uint(max_entries, 64);") {
		t.Errorf("ring buffer size not scaled by struct size:\n%s", src)
	}
	if !strings.Contains(src, `} ring_buf_q SEC(".maps");`) {
		t.Errorf("ring buffer declaration missing:\n%s", src)
	}
	// record struct lands in the header
	if !strings.Contains(string(cb.header()), "} test_t;") {
		t.Errorf("record struct missing from header")
	}
}

func TestBuilderFunction(t *testing.T) {
	cb := NewCodeBuilder("q", "tp/syscalls/sys_enter_pread64")
	ctx := NewField("ctx", PointerTo(StructOf("struct trace_event_raw_sys_enter", nil)))
	cb.StartFunction([]Field{ctx})
	cb.VarDecl(NewField("fd", U64))
	cb.VarAssign("fd", "ctx->args[0]")
	cb.If("fd > 2")
	cb.Call("INFO", `"large fd"`)
	cb.Return("1")
	cb.CloseIf()
	cb.Return("0")
	cb.CloseFunction()
	src := string(cb.source())

	for _, want := range []string{
		`SEC("tp/syscalls/sys_enter_pread64")`,
		"u32 q(struct trace_event_raw_sys_enter* ctx) {",
		"\tu64 fd;",
		"\tfd = ctx->args[0];",
		"\tif (fd > 2) {",
		"\t\tINFO(\"large fd\");",
		"\t\treturn 1;",
		"\t}",
		"\treturn 0;",
		"}",
		`char LICENSE[] SEC("license") = "Dual BSD/GPL";`,
	} {
		if !strings.Contains(src, want) {
			t.Errorf("source missing %q:\n%s", want, src)
		}
	}
}

func TestBuilderPhasePanics(t *testing.T) {
	run := func(name string, f func(cb *CodeBuilder)) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			f(NewCodeBuilder("q", "tp/x/y"))
		})
	}

	run("field-outside-struct", func(cb *CodeBuilder) {
		cb.StructField(NewField("a", U64))
	})
	run("attr-outside-map", func(cb *CodeBuilder) {
		cb.Attr(AttrUint, "type", "x")
	})
	run("return-outside-body", func(cb *CodeBuilder) {
		cb.Return("0")
	})
	run("include-inside-body", func(cb *CodeBuilder) {
		cb.StartFunction(nil)
		cb.Include("x.h", false, "")
	})
}

func TestBuilderExternalInclude(t *testing.T) {
	cb := NewCodeBuilder("q", "tp/x/y")
	cb.AddExternalInclude("tumbling_window", "#pragma once\n")
	src := string(cb.source())
	if !strings.Contains(src, `#include "tumbling_window_q.bpf.h"`) {
		t.Errorf("external include missing:\n%s", src)
	}
}
