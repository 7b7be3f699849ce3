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

import (
	"fmt"
	"strings"
)

// Value is one decoded datum in a record.
type Value interface {
	// Type returns the logical type of the value.
	Type() DataType
	String() string
}

type (
	// Bool is a decoded Boolean value.
	Bool bool
	// U8 is a decoded UInt8 value.
	U8 uint8
	// U16 is a decoded UInt16 value.
	U16 uint16
	// U32 is a decoded UInt32 value.
	U32 uint32
	// U64 is a decoded UInt64 value.
	U64 uint64
	// I8 is a decoded Int8 value.
	I8 int8
	// I16 is a decoded Int16 value.
	I16 int16
	// I32 is a decoded Int32 value.
	I32 int32
	// I64 is a decoded Int64 value.
	I64 int64
	// Timestamp is a decoded nanosecond timestamp.
	Timestamp uint64
)

// String is a decoded fixed-length string value.
// Cap is the storage width of the column; the
// contents may be shorter.
type String struct {
	Data string
	Cap  int
}

func (b Bool) Type() DataType      { return Boolean }
func (u U8) Type() DataType        { return UInt8 }
func (u U16) Type() DataType       { return UInt16 }
func (u U32) Type() DataType       { return UInt32 }
func (u U64) Type() DataType       { return UInt64 }
func (i I8) Type() DataType        { return Int8 }
func (i I16) Type() DataType       { return Int16 }
func (i I32) Type() DataType       { return Int32 }
func (i I64) Type() DataType       { return Int64 }
func (t Timestamp) Type() DataType { return TimestampType{Unit: Nanosecond} }
func (s String) Type() DataType    { return StringType{Len: s.Cap} }

func (b Bool) String() string      { return fmt.Sprintf("%v", bool(b)) }
func (u U8) String() string        { return fmt.Sprintf("%d", uint8(u)) }
func (u U16) String() string       { return fmt.Sprintf("%d", uint16(u)) }
func (u U32) String() string       { return fmt.Sprintf("%d", uint32(u)) }
func (u U64) String() string       { return fmt.Sprintf("%d", uint64(u)) }
func (i I8) String() string        { return fmt.Sprintf("%d", int8(i)) }
func (i I16) String() string       { return fmt.Sprintf("%d", int16(i)) }
func (i I32) String() string       { return fmt.Sprintf("%d", int32(i)) }
func (i I64) String() string       { return fmt.Sprintf("%d", int64(i)) }
func (t Timestamp) String() string { return fmt.Sprintf("%dns", uint64(t)) }
func (s String) String() string    { return fmt.Sprintf("%q", s.Data) }

// Record is one decoded row: an ordered sequence of
// values matching its schema's field order.
type Record []Value

// Size returns the total storage width of the
// record's values in bytes.
func (r Record) Size() int {
	n := 0
	for i := range r {
		n += r[i].Type().Size()
	}
	return n
}

func (r Record) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i := range r {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r[i].String())
	}
	sb.WriteString("]")
	return sb.String()
}
