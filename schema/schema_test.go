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

package schema

import "testing"

func TestTypeSizes(t *testing.T) {
	run := func(dt DataType, want int) {
		t.Helper()
		if got := dt.Size(); got != want {
			t.Errorf("%s: got size %d, want %d", dt, got, want)
		}
	}
	run(Boolean, 1)
	run(UInt8, 1)
	run(UInt16, 2)
	run(UInt32, 4)
	run(UInt64, 8)
	run(Int8, 1)
	run(Int64, 8)
	run(Float32, 4)
	run(Float64, 8)
	run(StringType{Len: 16}, 16)
	run(TimestampType{Unit: Nanosecond}, 8)
	run(StructType{Name: "opaque"}, 0)
	run(StructType{Name: "pair", Fields: Fields{
		{Name: "a", Type: UInt64},
		{Name: "b", Type: UInt32},
	}}, 12)
}

func TestTypePredicates(t *testing.T) {
	if !IsInteger(UInt8) || !IsInteger(Int64) {
		t.Error("integer types not recognized")
	}
	if IsInteger(Float32) || IsInteger(StringType{Len: 4}) {
		t.Error("non-integer types recognized as integer")
	}
	if !IsFloating(Float64) || IsFloating(UInt64) {
		t.Error("floating predicate wrong")
	}
	if !IsSignedInteger(Int16) || IsSignedInteger(UInt16) {
		t.Error("signed predicate wrong")
	}
	if !IsUnsignedInteger(UInt32) || IsUnsignedInteger(Int32) {
		t.Error("unsigned predicate wrong")
	}
}

func TestTypesEqual(t *testing.T) {
	pair := StructType{Name: "pair", Fields: Fields{{Name: "a", Type: UInt64}}}
	same := StructType{Name: "pair", Fields: Fields{{Name: "x", Type: UInt64}}}
	other := StructType{Name: "pair", Fields: Fields{{Name: "a", Type: UInt32}}}
	if !TypesEqual(UInt64, UInt64) || TypesEqual(UInt64, Int64) {
		t.Error("primitive comparison wrong")
	}
	if !TypesEqual(StringType{Len: 4}, StringType{Len: 4}) ||
		TypesEqual(StringType{Len: 4}, StringType{Len: 8}) {
		t.Error("string comparison wrong")
	}
	// nested field names are ignored, types are not
	if !TypesEqual(pair, same) {
		t.Error("struct comparison should ignore field names")
	}
	if TypesEqual(pair, other) {
		t.Error("struct comparison should respect field types")
	}
}

func TestSchemaProject(t *testing.T) {
	s := New("q", Fields{
		{Name: "a", Type: UInt64},
		{Name: "b", Type: UInt32},
		{Name: "c", Type: StringType{Len: 8}},
	})
	p := s.Project([]int{2, 0})
	if len(p.Fields) != 2 || p.Fields[0].Name != "c" || p.Fields[1].Name != "a" {
		t.Errorf("got %s", p)
	}
	if s.Position("b") != 1 || s.Position("nope") != -1 {
		t.Error("Position wrong")
	}
}

func TestRecordSize(t *testing.T) {
	r := Record{U64(1), String{Data: "x", Cap: 16}, Bool(true)}
	if r.Size() != 25 {
		t.Errorf("got %d, want 25", r.Size())
	}
	b := NewBatch(New("q", nil), []Record{r, r})
	if b.Len() != 2 || b.Size() != 50 {
		t.Errorf("batch len=%d size=%d", b.Len(), b.Size())
	}
}
