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

// TaskCommLen matches the kernel's TASK_COMM_LEN.
const TaskCommLen = 16

// System variables are pseudo-fields any event can project;
// they resolve to kernel helper calls rather than context
// member reads. The helper name is the macro invoked in
// generated source (defined in common.bpf.h).
var systemVars = map[string]struct {
	field  bpf.Field
	helper string
}{
	"time":   {bpf.NewField("time", bpf.U64), "TIME"},
	"pid":    {bpf.NewField("pid", bpf.U64), "PID"},
	"tgid":   {bpf.NewField("tgid", bpf.U64), "TGID"},
	"cpu":    {bpf.NewField("cpu", bpf.U64), "CPU"},
	"comm":   {bpf.NewField("comm", bpf.StringOf(TaskCommLen)), "COMM"},
	"cgroup": {bpf.NewField("cgroup", bpf.U64), "CGROUP"},
}

// SystemField returns the field descriptor for a system
// variable, if name is one.
func SystemField(name string) (bpf.Field, bool) {
	sv, ok := systemVars[name]
	return sv.field, ok
}

// SystemHelper returns the helper macro populating the
// named system variable.
func SystemHelper(name string) (string, bool) {
	sv, ok := systemVars[name]
	return sv.helper, ok
}

// IsSystemVar reports whether name is a system variable.
func IsSystemVar(name string) bool {
	_, ok := systemVars[name]
	return ok
}
