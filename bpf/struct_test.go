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
	"testing"

	"golang.org/x/exp/slices"

	"github.com/ebql/ebql/schema"
)

func mkschema(name string, fields []Field) *schema.Schema {
	out := make(schema.Fields, 0, len(fields))
	for i := range fields {
		dt, err := fields[i].Type.DataType()
		if err != nil {
			panic(err)
		}
		out = append(out, schema.Field{Name: fields[i].Name, Type: dt})
	}
	return schema.New(name, out)
}

func mkstruct(t *testing.T, fields []Field, optimize bool) *Struct {
	t.Helper()
	st, err := NewStruct("test_t", fields, mkschema("test", fields), optimize)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// checkLayout asserts the structural layout invariants:
// ascending non-overlapping offsets, per-field alignment
// for non-strings, and a total size that covers the end
// of the last field.
func checkLayout(t *testing.T, st *Struct) {
	t.Helper()
	for i := range st.Fields {
		if st.Fields[i].Type.Kind != KindString {
			if st.Offs[i]%st.Fields[i].Size() != 0 {
				t.Errorf("field %s at offset %d is not aligned to %d",
					st.Fields[i].Name, st.Offs[i], st.Fields[i].Size())
			}
		}
		if i > 0 {
			prev := st.Offs[i-1] + st.Fields[i-1].Size()
			if st.Offs[i] < prev {
				t.Errorf("field %s at offset %d overlaps previous ending at %d",
					st.Fields[i].Name, st.Offs[i], prev)
			}
		}
	}
	if len(st.Fields) > 0 {
		last := st.Offs[len(st.Fields)-1] + st.Fields[len(st.Fields)-1].Size()
		if st.Size < last {
			t.Errorf("size %d smaller than last field end %d", st.Size, last)
		}
	}
}

func TestLayoutOffsets(t *testing.T) {
	run := func(fields []Field, wantOffs []int, wantSize int) {
		t.Helper()
		st := mkstruct(t, fields, false)
		if !slices.Equal(st.Offs, wantOffs) {
			t.Errorf("got offsets %v, want %v", st.Offs, wantOffs)
		}
		if st.Size != wantSize {
			t.Errorf("got size %d, want %d", st.Size, wantSize)
		}
		checkLayout(t, st)
	}

	// two u64 fields land at 0 and 8, total 16
	run([]Field{NewField("fd", U64), NewField("count", U64)}, []int{0, 8}, 16)
	// u32 after u64 needs no gap but pads the tail
	run([]Field{NewField("a", U64), NewField("b", U32)}, []int{0, 8}, 16)
	// u8 before u64 forces a 7-byte gap
	run([]Field{NewField("a", U8), NewField("b", U64)}, []int{0, 8}, 16)
	// strings are byte-addressable and need no alignment
	run([]Field{NewField("a", U32), NewField("s", StringOf(5))}, []int{0, 4}, 12)
	// single byte
	run([]Field{NewField("a", U8)}, []int{0}, 1)
}

func TestLayoutOptimize(t *testing.T) {
	// optimization sorts widest-first with strings last
	fields := []Field{
		NewField("a", U8),
		NewField("s", StringOf(16)),
		NewField("b", U64),
		NewField("c", U32),
	}
	st := mkstruct(t, fields, true)
	got := make([]string, 0, len(st.Fields))
	for i := range st.Fields {
		got = append(got, st.Fields[i].Name)
	}
	if !slices.Equal(got, []string{"b", "c", "a", "s"}) {
		t.Errorf("got layout order %v", got)
	}
	checkLayout(t, st)

	// the permutation restores schema positions
	want := []int{2, 3, 0, 1}
	if !slices.Equal(st.Mapping(), want) {
		t.Errorf("got mapping %v, want %v", st.Mapping(), want)
	}
}

func TestLayoutSizeMonotone(t *testing.T) {
	fields := []Field{
		NewField("a", U64),
		NewField("b", U8),
		NewField("c", U32),
		NewField("d", StringOf(7)),
		NewField("e", U16),
	}
	prev := 0
	for i := 1; i <= len(fields); i++ {
		st := mkstruct(t, fields[:i], true)
		if st.Size < prev {
			t.Errorf("size decreased from %d to %d after appending %s",
				prev, st.Size, fields[i-1].Name)
		}
		prev = st.Size
	}
}

func TestRoundTrip(t *testing.T) {
	run := func(fields []Field, rec schema.Record, optimize bool) {
		t.Helper()
		st := mkstruct(t, fields, optimize)
		buf, err := st.Pack(rec)
		if err != nil {
			t.Fatal(err)
		}
		if len(buf) != st.Size {
			t.Fatalf("packed %d bytes, struct size %d", len(buf), st.Size)
		}
		got, err := st.Produce(buf)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(rec) {
			t.Fatalf("got %d values, want %d", len(got), len(rec))
		}
		for i := range rec {
			if got[i] != rec[i] {
				t.Errorf("value %d: got %v, want %v", i, got[i], rec[i])
			}
		}
	}

	fields := []Field{
		NewField("a", U8),
		NewField("s", StringOf(8)),
		NewField("b", U64),
		NewField("c", S32),
		NewField("ok", Bool),
	}
	rec := schema.Record{
		schema.U8(7),
		schema.String{Data: "pread", Cap: 8},
		schema.U64(1 << 40),
		schema.I32(-12),
		schema.Bool(true),
	}
	run(fields, rec, false)
	run(fields, rec, true)
}

func TestProduceShortBuffer(t *testing.T) {
	st := mkstruct(t, []Field{NewField("a", U64), NewField("b", U64)}, false)
	_, err := st.Produce(make([]byte, st.Size-1))
	if !errors.Is(err, ErrShortRecord) {
		t.Errorf("got %v, want ErrShortRecord", err)
	}
}

func TestProduceBadUTF8(t *testing.T) {
	st := mkstruct(t, []Field{NewField("s", StringOf(4))}, false)
	buf := []byte{0xff, 0xfe, 0x01, 0x00}
	if _, err := st.Produce(buf); err == nil {
		t.Error("expected UTF-8 decode error")
	}
}

func TestProduceTrimsPadding(t *testing.T) {
	st := mkstruct(t, []Field{NewField("comm", StringOf(8))}, false)
	buf := []byte("cat\x00\x00\x00\x00\x00")
	rec, err := st.Produce(buf)
	if err != nil {
		t.Fatal(err)
	}
	s := rec[0].(schema.String)
	if s.Data != "cat" {
		t.Errorf("got %q, want %q", s.Data, "cat")
	}
}

func TestProduceLittleEndian(t *testing.T) {
	st := mkstruct(t, []Field{NewField("x", U32)}, false)
	buf := make([]byte, st.Size)
	binary.LittleEndian.PutUint32(buf, 0xdeadbeef)
	rec, err := st.Produce(buf)
	if err != nil {
		t.Fatal(err)
	}
	if rec[0] != schema.U32(0xdeadbeef) {
		t.Errorf("got %v", rec[0])
	}
}

func TestFieldOrdering(t *testing.T) {
	u64f := NewField("a", U64)
	u8f := NewField("b", U8)
	strf := NewField("s", StringOf(32))
	if !fieldLess(&u64f, &u8f) {
		t.Error("u64 should order before u8")
	}
	if !fieldLess(&u64f, &strf) {
		t.Error("scalars should order before strings, regardless of width")
	}
	if fieldLess(&strf, &u8f) {
		t.Error("strings order after every scalar")
	}
}
