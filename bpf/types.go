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

// Package bpf holds the kernel-side half of the engine:
// the C type and field model, the packed struct layout
// engine, the phase-typed code builder that produces
// program source, and the object runtime that loads,
// attaches, and drains compiled programs.
package bpf

import (
	"fmt"

	"github.com/ebql/ebql/schema"
)

// Kind enumerates the C types a program can carry.
// U*/S* follow the vmlinux.h typedef spellings.
type Kind int

const (
	KindBool Kind = iota
	KindU8
	KindU16
	KindU32
	KindU64
	KindS8
	KindS16
	KindS32
	KindS64
	KindUChar
	KindSChar
	KindString
	KindPointer
	KindStruct
)

// Type is a C data type as spelled in program source.
type Type struct {
	Kind Kind
	// Len is the storage width for KindString.
	Len int
	// Elem is the pointed-to type for KindPointer.
	Elem *Type
	// Name and Inner describe KindStruct; a nil Inner
	// leaves the struct opaque with zero size.
	Name  string
	Inner []Type
}

var (
	Bool  = Type{Kind: KindBool}
	U8    = Type{Kind: KindU8}
	U16   = Type{Kind: KindU16}
	U32   = Type{Kind: KindU32}
	U64   = Type{Kind: KindU64}
	S8    = Type{Kind: KindS8}
	S16   = Type{Kind: KindS16}
	S32   = Type{Kind: KindS32}
	S64   = Type{Kind: KindS64}
	UChar = Type{Kind: KindUChar}
	SChar = Type{Kind: KindSChar}
)

// StringOf returns the fixed-length string type with n bytes of storage.
func StringOf(n int) Type { return Type{Kind: KindString, Len: n} }

// PointerTo returns a pointer to t. Pointers are 8 bytes and opaque.
func PointerTo(t Type) Type { return Type{Kind: KindPointer, Elem: &t} }

// StructOf returns a struct type. inner may be nil for
// structs whose layout the program never touches (e.g.
// tracepoint context types).
func StructOf(name string, inner []Type) Type {
	return Type{Kind: KindStruct, Name: name, Inner: inner}
}

// Size returns the storage width of t in bytes.
func (t *Type) Size() int {
	switch t.Kind {
	case KindBool, KindU8, KindS8, KindUChar, KindSChar:
		return 1
	case KindU16, KindS16:
		return 2
	case KindU32, KindS32:
		return 4
	case KindU64, KindS64:
		return 8
	case KindString:
		return t.Len
	case KindPointer:
		return 8
	case KindStruct:
		n := 0
		for i := range t.Inner {
			n += t.Inner[i].Size()
		}
		return n
	}
	return 0
}

// String returns the C spelling of the type.
func (t *Type) String() string {
	switch t.Kind {
	case KindBool:
		return "bool"
	case KindU8, KindUChar:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindS8, KindSChar:
		return "s8"
	case KindS16:
		return "s16"
	case KindS32:
		return "s32"
	case KindS64:
		return "s64"
	case KindString:
		return "char *"
	case KindPointer:
		return fmt.Sprintf("%s *", t.Elem)
	case KindStruct:
		return t.Name
	}
	return "?"
}

// Equal compares two types structurally.
func (t *Type) Equal(other *Type) bool {
	if t.Kind != other.Kind || t.Len != other.Len || t.Name != other.Name {
		return false
	}
	if (t.Elem == nil) != (other.Elem == nil) {
		return false
	}
	if t.Elem != nil && !t.Elem.Equal(other.Elem) {
		return false
	}
	if len(t.Inner) != len(other.Inner) {
		return false
	}
	for i := range t.Inner {
		if !t.Inner[i].Equal(&other.Inner[i]) {
			return false
		}
	}
	return true
}

// DataType returns the logical type corresponding to t.
// Pointers surface as the 64-bit address; the pointed-to
// data is never decoded. Struct types have no decodable
// logical form and return an error.
func (t *Type) DataType() (schema.DataType, error) {
	switch t.Kind {
	case KindBool:
		return schema.Boolean, nil
	case KindU8, KindUChar:
		return schema.UInt8, nil
	case KindU16:
		return schema.UInt16, nil
	case KindU32:
		return schema.UInt32, nil
	case KindU64:
		return schema.UInt64, nil
	case KindS8, KindSChar:
		return schema.Int8, nil
	case KindS16:
		return schema.Int16, nil
	case KindS32:
		return schema.Int32, nil
	case KindS64:
		return schema.Int64, nil
	case KindString:
		return schema.StringType{Len: t.Len}, nil
	case KindPointer:
		return schema.UInt64, nil
	case KindStruct:
		return nil, fmt.Errorf("struct types cannot be decoded")
	}
	return nil, fmt.Errorf("unknown type kind %d", t.Kind)
}

// TypeOf returns the C type used to carry the logical type dt.
// Floating-point columns have no kernel representation.
func TypeOf(dt schema.DataType) (Type, error) {
	switch v := dt.(type) {
	case schema.Primitive:
		switch v {
		case schema.Boolean:
			return Bool, nil
		case schema.UInt8:
			return U8, nil
		case schema.UInt16:
			return U16, nil
		case schema.UInt32:
			return U32, nil
		case schema.UInt64:
			return U64, nil
		case schema.Int8:
			return S8, nil
		case schema.Int16:
			return S16, nil
		case schema.Int32:
			return S32, nil
		case schema.Int64:
			return S64, nil
		case schema.Float32, schema.Float64:
			return Type{}, fmt.Errorf("floating-point columns are not supported in kernel plans")
		}
	case schema.StringType:
		return StringOf(v.Len), nil
	case schema.TimestampType:
		return U64, nil
	case schema.StructType:
		inner := make([]Type, 0, len(v.Fields))
		for i := range v.Fields {
			t, err := TypeOf(v.Fields[i].Type)
			if err != nil {
				return Type{}, err
			}
			inner = append(inner, t)
		}
		return StructOf(v.Name, inner), nil
	}
	return Type{}, fmt.Errorf("no kernel representation for %s", dt)
}

// Field is a struct field (or local variable) in program source.
type Field struct {
	Name string
	Type Type

	// Container and Offset describe fields whose access
	// path is an element of a struct-member array, e.g.
	// syscall tracepoint arguments living in ctx->args[].
	// An empty Container means direct member access.
	Container string
	Offset    int
}

// NewField returns a directly-accessed field.
func NewField(name string, t Type) Field {
	return Field{Name: name, Type: t}
}

// NewFieldAt returns a field accessed as an element of
// a struct-member array.
func NewFieldAt(name string, t Type, container string, off int) Field {
	return Field{Name: name, Type: t, Container: container, Offset: off}
}

// Size returns the storage width of the field in bytes.
func (f *Field) Size() int { return f.Type.Size() }

// Equal compares fields by name and type.
func (f *Field) Equal(other *Field) bool {
	return f.Name == other.Name && f.Type.Equal(&other.Type)
}

// Decl returns the C declaration of the field,
// e.g. "u64 fd" or "char comm[16]".
func (f *Field) Decl() string {
	switch f.Type.Kind {
	case KindString:
		return fmt.Sprintf("char %s[%d]", f.Name, f.Type.Len)
	case KindPointer:
		return fmt.Sprintf("%s* %s", f.Type.Elem, f.Name)
	default:
		return fmt.Sprintf("%s %s", &f.Type, f.Name)
	}
}

// AccessExpr returns the C expression reading the field
// from the program context argument.
func (f *Field) AccessExpr() string {
	if f.Container != "" {
		return fmt.Sprintf("ctx->%s[%d]", f.Container, f.Offset)
	}
	return fmt.Sprintf("ctx->%s", f.Name)
}

func (f *Field) String() string { return f.Decl() }

// fieldLess orders fields for padding optimization:
// wider fields first, strings after every non-string,
// and wider strings before narrower ones.
func fieldLess(a, b *Field) bool {
	as := a.Type.Kind == KindString
	bs := b.Type.Kind == KindString
	if as != bs {
		return bs
	}
	return a.Size() > b.Size()
}

// ContainsField reports whether fields holds a field
// equal to f. The planner uses this for union-insert
// of projections.
func ContainsField(fields []Field, f *Field) bool {
	for i := range fields {
		if fields[i].Equal(f) {
			return true
		}
	}
	return false
}
