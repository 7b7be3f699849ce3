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

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/ebql/ebql/bpf"
)

// fileEvent is the YAML descriptor of one catalog entry.
type fileEvent struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	ID      uint64    `json:"id"`
	Context string    `json:"context"`
	Args    []fileArg `json:"args"`
}

type fileArg struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Len       int    `json:"len,omitempty"`
	Container string `json:"container,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type eventFile struct {
	Events []fileEvent `json:"events"`
}

// RegisterFile extends the catalog from a YAML descriptor
// file. Like Register, it is intended for process init.
func RegisterFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("events: reading %s: %w", path, err)
	}
	var file eventFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return fmt.Errorf("events: parsing %s: %w", path, err)
	}
	for i := range file.Events {
		fe := &file.Events[i]
		kind, err := parseKind(fe.Kind)
		if err != nil {
			return fmt.Errorf("events: %s: event %s: %w", path, fe.Name, err)
		}
		args := make([]bpf.Field, 0, len(fe.Args))
		for j := range fe.Args {
			f, err := parseArg(&fe.Args[j])
			if err != nil {
				return fmt.Errorf("events: %s: event %s: %w", path, fe.Name, err)
			}
			args = append(args, f)
		}
		Register(kind, fe.Name, fe.ID, fe.Context, args)
	}
	return nil
}

func parseKind(s string) (ProgramKind, error) {
	switch s {
	case "tracepoint", "tp":
		return Tracepoint, nil
	case "raw_tracepoint", "raw_tp":
		return RawTracepoint, nil
	default:
		return 0, fmt.Errorf("unsupported program kind %q", s)
	}
}

func parseArg(a *fileArg) (bpf.Field, error) {
	var t bpf.Type
	switch a.Type {
	case "bool":
		t = bpf.Bool
	case "u8":
		t = bpf.U8
	case "u16":
		t = bpf.U16
	case "u32":
		t = bpf.U32
	case "u64":
		t = bpf.U64
	case "s8":
		t = bpf.S8
	case "s16":
		t = bpf.S16
	case "s32":
		t = bpf.S32
	case "s64":
		t = bpf.S64
	case "string":
		if a.Len <= 0 {
			return bpf.Field{}, fmt.Errorf("string argument %s needs a positive len", a.Name)
		}
		t = bpf.StringOf(a.Len)
	default:
		return bpf.Field{}, fmt.Errorf("unsupported argument type %q", a.Type)
	}
	if a.Container != "" {
		return bpf.NewFieldAt(a.Name, t, a.Container, a.Offset), nil
	}
	return bpf.NewField(a.Name, t), nil
}
