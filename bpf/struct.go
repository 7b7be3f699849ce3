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
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ebql/ebql/schema"
)

// ErrShortRecord is returned by Struct.Produce when the
// input buffer is smaller than the struct size.
var ErrShortRecord = errors.New("bpf: buffer shorter than struct size")

// Struct is the packed byte layout of an emitted record.
// Fields may be reordered relative to the owning schema
// to minimize padding; the mapping permutation restores
// schema order on decode.
type Struct struct {
	Name   string
	Fields []Field
	// Size is the record stride in bytes, including any
	// trailing padding. The size is authoritative on both
	// sides of the ring buffer.
	Size int
	// Offs[i] is the byte offset of Fields[i].
	Offs []int
	// Schema is the logical schema this layout serves.
	Schema *schema.Schema

	// mapping[i] is the schema position of layout field i.
	mapping []int
}

// NewStruct computes the layout of fields for the given
// schema. When optimize is set, fields are reordered
// widest-first (strings last) before offsets are assigned,
// and the permutation back to schema order is recorded.
func NewStruct(name string, fields []Field, s *schema.Schema, optimize bool) (*Struct, error) {
	st := &Struct{
		Name:    name,
		Fields:  append([]Field(nil), fields...),
		Offs:    make([]int, len(fields)),
		Schema:  s,
		mapping: make([]int, len(fields)),
	}
	if optimize {
		sort.SliceStable(st.Fields, func(i, j int) bool {
			return fieldLess(&st.Fields[i], &st.Fields[j])
		})
	}
	for i := range st.Fields {
		pos := s.Position(st.Fields[i].Name)
		if pos < 0 {
			return nil, fmt.Errorf("bpf: field %s not in schema %s", st.Fields[i].Name, s.Name)
		}
		st.mapping[i] = pos
	}
	st.Size = st.computeOffsets()
	return st, nil
}

// computeOffsets assigns field offsets, inserting padding
// so every non-string field is aligned to its own width,
// and pads the total size to a multiple of the widest
// component.
func (st *Struct) computeOffsets() int {
	if len(st.Fields) == 0 {
		return 0
	}
	// the widest component is the field that wins the
	// layout ordering; after sorting this is Fields[0]
	maxIdx := 0
	for i := 1; i < len(st.Fields); i++ {
		if fieldLess(&st.Fields[i], &st.Fields[maxIdx]) {
			maxIdx = i
		}
	}
	max := st.Fields[maxIdx].Size()

	off := 0
	for i := range st.Fields {
		fsz := st.Fields[i].Size()
		if st.Fields[i].Type.Kind != KindString {
			if gap := off % fsz; gap != 0 {
				off += fsz - gap
			}
		}
		st.Offs[i] = off
		off += fsz
	}
	if rem := off % max; rem != 0 {
		off += max - rem
	}
	return off
}

// FieldOffset pairs a layout field with its byte offset.
type FieldOffset struct {
	Field  Field
	Offset int
}

// FieldOffsets returns the layout fields together with
// their byte offsets, in layout order.
func (st *Struct) FieldOffsets() []FieldOffset {
	out := make([]FieldOffset, len(st.Fields))
	for i := range st.Fields {
		out[i] = FieldOffset{Field: st.Fields[i], Offset: st.Offs[i]}
	}
	return out
}

// Mapping returns the permutation sending layout position
// i to schema position.
func (st *Struct) Mapping() []int {
	return append([]int(nil), st.mapping...)
}

// Produce decodes one record from buf. buf must hold at
// least Size bytes; scalars are read little-endian, and
// strings are validated as UTF-8 after trimming trailing
// zero padding. The returned record is in schema order.
func (st *Struct) Produce(buf []byte) (schema.Record, error) {
	if len(buf) < st.Size {
		return nil, fmt.Errorf("%w: got %d, struct %s needs %d",
			ErrShortRecord, len(buf), st.Name, st.Size)
	}
	rec := make(schema.Record, len(st.Fields))
	for i := range st.Fields {
		f := &st.Fields[i]
		b := buf[st.Offs[i] : st.Offs[i]+f.Size()]
		var v schema.Value
		switch f.Type.Kind {
		case KindBool:
			v = schema.Bool(b[0] != 0)
		case KindU8, KindUChar:
			v = schema.U8(b[0])
		case KindU16:
			v = schema.U16(binary.LittleEndian.Uint16(b))
		case KindU32:
			v = schema.U32(binary.LittleEndian.Uint32(b))
		case KindU64:
			v = schema.U64(binary.LittleEndian.Uint64(b))
		case KindS8, KindSChar:
			v = schema.I8(int8(b[0]))
		case KindS16:
			v = schema.I16(int16(binary.LittleEndian.Uint16(b)))
		case KindS32:
			v = schema.I32(int32(binary.LittleEndian.Uint32(b)))
		case KindS64:
			v = schema.I64(int64(binary.LittleEndian.Uint64(b)))
		case KindPointer:
			// opaque address; never dereferenced
			v = schema.U64(binary.LittleEndian.Uint64(b))
		case KindString:
			s := string(b)
			if i := strings.IndexByte(s, 0); i >= 0 {
				s = s[:i]
			}
			if !utf8.ValidString(s) {
				return nil, fmt.Errorf("bpf: field %s is not valid UTF-8", f.Name)
			}
			v = schema.String{Data: s, Cap: f.Type.Len}
		default:
			return nil, fmt.Errorf("bpf: cannot decode field %s of type %s", f.Name, &f.Type)
		}
		rec[st.mapping[i]] = v
	}
	return rec, nil
}

// Pack encodes a record (in schema order) into the layout's
// byte representation. Strings longer than their column
// width are truncated. The result is exactly Size bytes.
func (st *Struct) Pack(rec schema.Record) ([]byte, error) {
	if len(rec) != len(st.Fields) {
		return nil, fmt.Errorf("bpf: record has %d values, struct %s has %d fields",
			len(rec), st.Name, len(st.Fields))
	}
	buf := make([]byte, st.Size)
	for i := range st.Fields {
		f := &st.Fields[i]
		b := buf[st.Offs[i] : st.Offs[i]+f.Size()]
		v := rec[st.mapping[i]]
		switch f.Type.Kind {
		case KindBool:
			if bool(v.(schema.Bool)) {
				b[0] = 1
			}
		case KindU8, KindUChar:
			b[0] = byte(v.(schema.U8))
		case KindU16:
			binary.LittleEndian.PutUint16(b, uint16(v.(schema.U16)))
		case KindU32:
			binary.LittleEndian.PutUint32(b, uint32(v.(schema.U32)))
		case KindU64:
			binary.LittleEndian.PutUint64(b, uint64(v.(schema.U64)))
		case KindS8, KindSChar:
			b[0] = byte(v.(schema.I8))
		case KindS16:
			binary.LittleEndian.PutUint16(b, uint16(v.(schema.I16)))
		case KindS32:
			binary.LittleEndian.PutUint32(b, uint32(v.(schema.I32)))
		case KindS64:
			binary.LittleEndian.PutUint64(b, uint64(v.(schema.I64)))
		case KindPointer:
			binary.LittleEndian.PutUint64(b, uint64(v.(schema.U64)))
		case KindString:
			copy(b, v.(schema.String).Data)
		default:
			return nil, fmt.Errorf("bpf: cannot encode field %s of type %s", f.Name, &f.Type)
		}
	}
	return buf, nil
}

func (st *Struct) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "struct %s (%d bytes) {", st.Name, st.Size)
	for i := range st.Fields {
		if i > 0 {
			sb.WriteString(";")
		}
		fmt.Fprintf(&sb, " %s@%d", st.Fields[i].Name, st.Offs[i])
	}
	sb.WriteString(" }")
	return sb.String()
}
