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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/ebql/ebql/schema"
)

// ErrAttachKind is returned when a program's section names
// an attach mechanism the runtime does not implement.
var ErrAttachKind = errors.New("bpf: attach kind not implemented")

// rxBuffer is the output channel capacity per program.
// Sends never block the drainer: when the consumer falls
// this far behind, batches are dropped and logged.
const rxBuffer = 1024

// Object owns one loaded eBPF object: its programs, maps,
// attach state, and drainers. Closing the object detaches
// every program and closes every output channel.
type Object struct {
	// Path of the loaded object file.
	Path string
	// Progs maps program name to its handle.
	Progs map[string]*Program
	// Maps holds the declared map definitions merged
	// across build results.
	Maps map[string]MapDef

	coll *ebpf.Collection
	log  *zap.Logger
}

// LoadOptions configures Load.
type LoadOptions struct {
	// Pins maps map names to pin paths. An existing pinned
	// map at the path is reused; otherwise the freshly
	// created map is pinned there.
	Pins map[string]string
	// Bpftool is the linker binary; resolved from PATH
	// when empty.
	Bpftool string
	Logger  *zap.Logger
}

// Load links the build results into one object file,
// submits it to the kernel verifier, and wraps the loaded
// collection. Maps named in opts.Pins are reused from
// their pin paths when present.
func Load(name string, results []*BuildResult, opts *LoadOptions) (*Object, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("bpf: load needs at least one build result")
	}
	if opts == nil {
		opts = &LoadOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	objPath := results[0].ObjectPath
	if len(results) > 1 {
		dir := filepath.Dir(objPath)
		objPath = filepath.Join(dir, name+".bpf.o")
		if err := linkObjects(opts.Bpftool, objPath, results); err != nil {
			return nil, err
		}
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("opening object %s: %w", objPath, err)
	}

	// reuse already-pinned maps; pin the rest after load
	replace := make(map[string]*ebpf.Map)
	pinLater := make(map[string]string)
	for mapName, pinPath := range opts.Pins {
		if _, ok := spec.Maps[mapName]; !ok {
			return nil, fmt.Errorf("bpf: attempted to pin non-existent map %s", mapName)
		}
		if m, err := ebpf.LoadPinnedMap(pinPath, nil); err == nil {
			replace[mapName] = m
		} else {
			pinLater[mapName] = pinPath
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		MapReplacements: replace,
	})
	if err != nil {
		return nil, fmt.Errorf("loading object %s: %w", objPath, err)
	}
	for mapName, pinPath := range pinLater {
		if err := coll.Maps[mapName].Pin(pinPath); err != nil {
			coll.Close()
			return nil, fmt.Errorf("pinning map %s at %s: %w", mapName, pinPath, err)
		}
	}

	o := &Object{
		Path:  objPath,
		Progs: make(map[string]*Program, len(results)),
		Maps:  make(map[string]MapDef),
		coll:  coll,
		log:   logger.Named("bpf"),
	}
	for _, br := range results {
		prog, ok := coll.Programs[br.Name]
		if !ok {
			coll.Close()
			return nil, fmt.Errorf("bpf: object %s has no program %s", objPath, br.Name)
		}
		o.Progs[br.Name] = newProgram(br, prog)
		for mapName, def := range br.Maps {
			o.Maps[mapName] = def
		}
	}
	return o, nil
}

// AttachAll attaches every program in the object.
func (o *Object) AttachAll() error {
	for name := range o.Progs {
		if err := o.Attach(name); err != nil {
			return err
		}
	}
	return nil
}

// Attach attaches the named program to its kernel event
// and starts the background drainer feeding the program's
// output channel.
func (o *Object) Attach(name string) error {
	p, ok := o.Progs[name]
	if !ok {
		return fmt.Errorf("bpf: no program %s", name)
	}
	lnk, err := attach(p.Section, o.coll.Programs[name])
	if err != nil {
		return err
	}
	p.link = lnk

	m, ok := o.coll.Maps[p.RingBuffer.Name]
	if !ok {
		p.link.Close()
		return fmt.Errorf("bpf: object has no ring buffer map %s", p.RingBuffer.Name)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		p.link.Close()
		return fmt.Errorf("opening ring buffer %s: %w", p.RingBuffer.Name, err)
	}
	p.reader = rd
	p.out = make(chan *schema.RecordBatch, rxBuffer)
	go o.drain(p)
	return nil
}

// attach derives the attach mechanism from the program's
// ELF section.
func attach(section string, prog *ebpf.Program) (link.Link, error) {
	kind, rest, _ := strings.Cut(section, "/")
	switch kind {
	case "tp", "tracepoint":
		group, name, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("bpf: malformed tracepoint section %q", section)
		}
		lnk, err := link.Tracepoint(group, name, prog, nil)
		if err != nil {
			return nil, fmt.Errorf("attaching tracepoint %s: %w", rest, err)
		}
		return lnk, nil
	case "raw_tp", "raw_tracepoint":
		name := rest
		if i := strings.LastIndexByte(rest, '/'); i >= 0 {
			name = rest[i+1:]
		}
		lnk, err := link.AttachRawTracepoint(link.RawTracepointOptions{
			Name:    name,
			Program: prog,
		})
		if err != nil {
			return nil, fmt.Errorf("attaching raw tracepoint %s: %w", name, err)
		}
		return lnk, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAttachKind, kind)
}

// drain pulls frames from the program's ring buffer until
// the reader is closed, decoding each frame into one batch
// and publishing it. Malformed frames and undecodable
// records are logged and dropped; the stream continues.
func (o *Object) drain(p *Program) {
	defer close(p.out)
	log := o.log.With(zap.String("program", p.Name))
	for {
		rec, err := p.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return
			}
			log.Error("ring buffer poll failed", zap.Error(err))
			return
		}
		records, ok := decodeFrame(p.RingBuffer.Repr, rec.RawSample, log)
		if !ok {
			continue
		}
		batch := schema.NewBatch(p.RingBuffer.Repr.Schema, records)
		select {
		case p.out <- batch:
			p.batches.Add(1)
			p.records.Add(uint64(len(records)))
		default:
			log.Warn("receiver is not draining; dropping batch",
				zap.Int("records", len(records)))
		}
	}
}

// decodeFrame splits one ring-buffer frame into records in
// kernel delivery order. A frame whose length is not a
// multiple of the record stride yields no records; records that
// fail to decode are dropped individually and the rest of
// the frame survives.
func decodeFrame(repr *Struct, buf []byte, log *zap.Logger) ([]schema.Record, bool) {
	size := repr.Size
	if size == 0 || len(buf)%size != 0 {
		log.Error("frame size is not a multiple of struct size",
			zap.Int("len", len(buf)), zap.Int("struct_size", size))
		return nil, false
	}
	records := make([]schema.Record, 0, len(buf)/size)
	for off := 0; off < len(buf); off += size {
		r, err := repr.Produce(buf[off : off+size])
		if err != nil {
			log.Warn("dropping undecodable record", zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, true
}

// Rx returns the output channel of the named program, or
// nil if the program does not exist or is not attached.
func (o *Object) Rx(name string) <-chan *schema.RecordBatch {
	p, ok := o.Progs[name]
	if !ok {
		return nil
	}
	return p.Rx()
}

// Close detaches every program, terminates the drainers,
// and releases the collection. Output channels close once
// their drainers observe the reader shutdown.
func (o *Object) Close() error {
	var first error
	for _, p := range o.Progs {
		if p.link != nil {
			if err := p.link.Close(); err != nil && first == nil {
				first = err
			}
			p.link = nil
		}
		if p.reader != nil {
			if err := p.reader.Close(); err != nil && first == nil {
				first = err
			}
			p.reader = nil
		}
	}
	o.coll.Close()
	return first
}

// linkObjects merges several compiled objects into one via
// the external linker.
func linkObjects(bpftool, dst string, results []*BuildResult) error {
	bin := bpftool
	if bin == "" {
		var err error
		bin, err = exec.LookPath("bpftool")
		if err != nil {
			return fmt.Errorf("bpf: failed to find bpftool: %w", err)
		}
	}
	args := []string{"gen", "object", dst}
	for _, br := range results {
		args = append(args, br.ObjectPath)
	}
	out, err := exec.Command(bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("linking objects failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
