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

// Package events is the process-wide catalog of kernel
// event sources. The catalog answers which arguments an
// event exposes, their kernel types, and their access
// paths. It is populated at process init and read-only
// afterwards.
package events

import (
	"errors"
	"fmt"

	"github.com/ebql/ebql/bpf"
)

var (
	// ErrUnknownEvent is returned when no event with the
	// requested hierarchical name is registered.
	ErrUnknownEvent = errors.New("events: unknown event")
	// ErrUnknownArg is returned when an event has no
	// argument with the requested name.
	ErrUnknownArg = errors.New("events: unknown argument")
)

// ProgramKind is the attach mechanism of an event source.
type ProgramKind int

const (
	Tracepoint ProgramKind = iota
	RawTracepoint
	Usdt
	Kprobe
	Kretprobe
	Uprobe
	Uretprobe
	Iter
	Xdp
	Tc
	Lsm
)

// Section returns the libbpf ELF section prefix for the
// program kind. Section naming follows the kernel's
// libbpf program-type conventions.
func (k ProgramKind) Section() string {
	switch k {
	case Tracepoint:
		return "tp"
	case RawTracepoint:
		return "raw_tp"
	case Usdt:
		return "usdt"
	case Kprobe:
		return "kprobe"
	case Kretprobe:
		return "kretprobe"
	case Uprobe:
		return "uprobe"
	case Uretprobe:
		return "uretprobe"
	case Iter:
		return "iter"
	case Xdp:
		return "xdp"
	case Tc:
		return "tc"
	case Lsm:
		return "lsm"
	}
	return "?"
}

func (k ProgramKind) String() string { return k.Section() }

// Event is an immutable descriptor of one kernel
// instrumentation point.
type Event struct {
	Kind ProgramKind
	// Name is the hierarchical event name, e.g.
	// "syscalls/sys_enter_pread64".
	Name string
	// ID is the stable tracefs event id.
	ID uint64
	// Context is the C type of the program's ctx argument.
	Context string

	args  map[string]bpf.Field
	order []string
}

// Arg returns the field descriptor for the named argument.
func (e *Event) Arg(name string) (bpf.Field, error) {
	f, ok := e.args[name]
	if !ok {
		return bpf.Field{}, fmt.Errorf("%w: %s has no argument %q", ErrUnknownArg, e.Name, name)
	}
	return f, nil
}

// Args resolves several argument names at once.
func (e *Event) Args(names ...string) ([]bpf.Field, error) {
	out := make([]bpf.Field, 0, len(names))
	for _, name := range names {
		f, err := e.Arg(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// AllArgs returns every argument in catalog order;
// SELECT * projects this list.
func (e *Event) AllArgs() []bpf.Field {
	out := make([]bpf.Field, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.args[name])
	}
	return out
}

func (e *Event) String() string { return e.Name }

var catalog = make(map[string]*Event)

// Register adds an event to the catalog. args must be in
// catalog order. Register is intended for process init and
// is not safe to call concurrently with Get.
func Register(kind ProgramKind, name string, id uint64, context string, args []bpf.Field) *Event {
	e := &Event{
		Kind:    kind,
		Name:    name,
		ID:      id,
		Context: context,
		args:    make(map[string]bpf.Field, len(args)),
		order:   make([]string, 0, len(args)),
	}
	for i := range args {
		e.args[args[i].Name] = args[i]
		e.order = append(e.order, args[i].Name)
	}
	catalog[name] = e
	return e
}

// Get resolves an event by its exact hierarchical name.
func Get(name string) (*Event, bool) {
	e, ok := catalog[name]
	return e, ok
}

// Lookup resolves an event by name, returning
// ErrUnknownEvent on a miss.
func Lookup(name string) (*Event, error) {
	e, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return e, nil
}
