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

// Package schema defines the logical row model shared
// by the planner, the struct layout engine, and the
// userspace decoder: data types, fields, schemas,
// decoded values, and record batches.
package schema

import (
	"fmt"
	"strings"
)

// Field is a single column in a schema.
type Field struct {
	Name string
	Type DataType
}

// Size returns the storage width of the field in bytes.
func (f *Field) Size() int { return f.Type.Size() }

func (f *Field) String() string {
	return fmt.Sprintf("%s (%s)", f.Name, f.Type)
}

// Equal compares fields by name and type.
func (f *Field) Equal(other *Field) bool {
	return f.Name == other.Name && TypesEqual(f.Type, other.Type)
}

// Fields is an ordered collection of fields.
type Fields []Field

// Size returns the total storage width of the
// fields in bytes, ignoring padding.
func (f Fields) Size() int {
	n := 0
	for i := range f {
		n += f[i].Size()
	}
	return n
}

func (f Fields) String() string {
	var sb strings.Builder
	sb.WriteString("Fields(")
	for i := range f {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f[i].String())
	}
	sb.WriteString(")")
	return sb.String()
}

// Schema is a named ordered field list describing
// the rows a query emits.
type Schema struct {
	// Name of the schema; for a compiled query this is
	// also the query (and kernel program) name.
	Name   string
	Fields Fields
}

// New constructs a schema from a name and field list.
func New(name string, fields Fields) *Schema {
	return &Schema{Name: name, Fields: fields}
}

// Project returns a new schema containing only the
// fields at the given indices, in the given order.
func (s *Schema) Project(indices []int) *Schema {
	fields := make(Fields, 0, len(indices))
	for _, i := range indices {
		fields = append(fields, s.Fields[i])
	}
	return &Schema{Name: s.Name, Fields: fields}
}

// Position returns the index of the field with the
// given name, or -1 if no such field exists.
func (s *Schema) Position(name string) int {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) String() string {
	return fmt.Sprintf("[Query: %s, Fields: %s]", s.Name, s.Fields)
}
