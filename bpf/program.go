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
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/ebql/ebql/schema"
)

// Program is the handle over one attached kernel program:
// its layout catalog, its ring buffer, and the stream of
// decoded batches it produces.
type Program struct {
	Name    string
	Section string
	// Structs, Globals, and RingBuffer mirror what the
	// code builder emitted for this program.
	Structs    map[string]*Struct
	Globals    map[string]Field
	RingBuffer *RingBuf

	prog   *ebpf.Program
	link   link.Link
	reader *ringbuf.Reader
	out    chan *schema.RecordBatch

	batches atomic.Uint64
	records atomic.Uint64
}

func newProgram(br *BuildResult, prog *ebpf.Program) *Program {
	return &Program{
		Name:       br.Name,
		Section:    br.Section,
		Structs:    br.Structs,
		Globals:    br.Globals,
		RingBuffer: br.RingBuffer,
		prog:       prog,
	}
}

// Rx returns the program's output channel, or nil before
// the program is attached. The channel closes when the
// program detaches or the drainer hits a fatal poll error.
func (p *Program) Rx() <-chan *schema.RecordBatch { return p.out }

// Delivered returns the userspace-side delivery counters:
// batches and records sent on the output channel.
func (p *Program) Delivered() (batches, records uint64) {
	return p.batches.Load(), p.records.Load()
}

// Stats reads the kernel's per-program runtime accounting.
// The counters are zero unless stats collection is enabled
// (see EnableStats).
func (p *Program) Stats() (*ProgramStats, error) {
	info, err := p.prog.Info()
	if err != nil {
		return nil, err
	}
	s := &ProgramStats{Name: p.Name, Type: p.prog.Type().String()}
	if id, ok := info.ID(); ok {
		s.ID = uint32(id)
	}
	if rt, ok := info.Runtime(); ok {
		s.RunTimeNs = uint64(rt.Nanoseconds())
	}
	if n, ok := info.RunCount(); ok {
		s.RunCount = n
	}
	return s, nil
}
