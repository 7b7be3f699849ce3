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

package events

import "github.com/ebql/ebql/bpf"

// Builtin tracepoint descriptors. Syscall tracepoint
// arguments live in the context's args[] array; the
// filemap tracepoints expose direct members.
func init() {
	Register(Tracepoint, "filemap/mm_filemap_add_to_page_cache", 498,
		"struct trace_event_raw_mm_filemap_add_to_page_cache",
		[]bpf.Field{
			bpf.NewField("pfn", bpf.U64),
			bpf.NewField("i_ino", bpf.U64),
			bpf.NewField("index", bpf.U64),
			bpf.NewField("s_dev", bpf.U32),
		})
	Register(Tracepoint, "filemap/mm_filemap_delete_from_page_cache", 499,
		"struct trace_event_raw_mm_filemap_delete_from_page_cache",
		[]bpf.Field{
			bpf.NewField("pfn", bpf.U64),
			bpf.NewField("i_ino", bpf.U64),
			bpf.NewField("index", bpf.U64),
			bpf.NewField("s_dev", bpf.U32),
		})
	Register(Tracepoint, "syscalls/sys_enter_pread64", 697,
		"struct trace_event_raw_sys_enter",
		[]bpf.Field{
			bpf.NewFieldAt("fd", bpf.U64, "args", 0),
			bpf.NewFieldAt("buf", bpf.PointerTo(bpf.UChar), "args", 1),
			bpf.NewFieldAt("count", bpf.U64, "args", 2),
			bpf.NewFieldAt("pos", bpf.U64, "args", 3),
		})
	Register(Tracepoint, "syscalls/sys_exit_pread64", 696,
		"struct trace_event_raw_sys_exit",
		[]bpf.Field{
			bpf.NewFieldAt("ret", bpf.U64, "args", 0),
		})
}
