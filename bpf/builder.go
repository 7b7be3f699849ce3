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
	"bytes"
	"fmt"
	"strings"
)

// Common declaration modifiers.
const (
	Const        = "const"
	Volatile     = "volatile"
	Static       = "static"
	AlwaysInline = "__always_inline"
)

// Map attribute spellings.
const (
	AttrUint = "__uint"
	AttrType = "__type"
)

const license = `char LICENSE[] SEC("license") = "Dual BSD/GPL";`

// phase is the builder's construction state. Operations
// are gated on the current phase; calling an operation in
// the wrong phase is a programmer error in plan lowering
// and panics.
type phase int

const (
	phaseBase phase = iota
	phaseStruct
	phaseMap
	phaseBody
)

func (p phase) String() string {
	switch p {
	case phaseBase:
		return "base"
	case phaseStruct:
		return "struct"
	case phaseMap:
		return "map"
	case phaseBody:
		return "body"
	}
	return "?"
}

// CodeBuilder accumulates the source of one kernel program.
// It produces two files on Build: a header (macros, struct
// definitions, globals) and a source file (includes, maps,
// program body, license).
type CodeBuilder struct {
	// name is the output file stem; Build appends the
	// .bpf.c / .bpf.h extensions.
	name string
	// section is the ELF section of the program function,
	// e.g. "tp/syscalls/sys_enter_pread64".
	section string

	macros  bytes.Buffer
	structs bytes.Buffer
	globals bytes.Buffer

	includes bytes.Buffer
	maps     bytes.Buffer
	code     bytes.Buffer

	// rendered external headers, name -> contents
	ext map[string]string

	structDefs map[string]*Struct
	mapDefs    map[string]MapDef
	globalDefs map[string]Field
	ringBuf    *RingBuf

	prefix []byte
	state  phase
}

// NewCodeBuilder returns a builder for a program with the
// given name in the given ELF section. The program's own
// header is included automatically.
func NewCodeBuilder(name, section string) *CodeBuilder {
	cb := &CodeBuilder{
		name:       name,
		section:    section,
		ext:        make(map[string]string),
		structDefs: make(map[string]*Struct),
		mapDefs:    make(map[string]MapDef),
		globalDefs: make(map[string]Field),
	}
	cb.Include(name+".bpf.h", false, name+"'s definitions")
	return cb
}

// Name returns the builder's output file stem.
func (cb *CodeBuilder) Name() string { return cb.name }

func (cb *CodeBuilder) need(p phase, op string) {
	if cb.state != p {
		panic(fmt.Sprintf("bpf: %s called in %s phase", op, cb.state))
	}
}

func (cb *CodeBuilder) line(buf *bytes.Buffer, s string) {
	buf.Write(cb.prefix)
	buf.WriteString(s)
	buf.WriteByte('\n')
}

func (cb *CodeBuilder) indent()  { cb.prefix = append(cb.prefix, '\t') }
func (cb *CodeBuilder) outdent() { cb.prefix = cb.prefix[:len(cb.prefix)-1] }

// Include adds an #include directive to the source file.
func (cb *CodeBuilder) Include(header string, system bool, comment string) *CodeBuilder {
	cb.need(phaseBase, "Include")
	open, close := `"`, `"`
	if system {
		open, close = "<", ">"
	}
	fmt.Fprintf(&cb.includes, "#include %s%s%s /* %s */\n", open, header, close, comment)
	return cb
}

// Macro adds a #define to the header. The value is wrapped
// in parentheses.
func (cb *CodeBuilder) Macro(name, val string) *CodeBuilder {
	cb.need(phaseBase, "Macro")
	fmt.Fprintf(&cb.macros, "#define %s (%s)\n", name, val)
	return cb
}

// Global writes a global declaration to the header,
// optionally initialized to value.
func (cb *CodeBuilder) Global(mods []string, f Field, value string) *CodeBuilder {
	cb.need(phaseBase, "Global")
	assign := ""
	if value != "" {
		assign = " = " + value
	}
	fmt.Fprintf(&cb.globals, "%s %s%s;\n", strings.Join(mods, " "), f.Decl(), assign)
	cb.globalDefs[f.Name] = f
	return cb
}

// AddExternalInclude registers a rendered header under
// <name>_<program>.bpf.h and includes it from the source.
func (cb *CodeBuilder) AddExternalInclude(name, text string) *CodeBuilder {
	cb.need(phaseBase, "AddExternalInclude")
	hdr := fmt.Sprintf("%s_%s.bpf.h", name, cb.name)
	cb.ext[hdr] = text
	cb.Include(hdr, false, "external includes ("+name+")")
	return cb
}

// StartStruct opens a typedef struct definition in the
// header. Close it with CloseStruct.
func (cb *CodeBuilder) StartStruct() *CodeBuilder {
	cb.need(phaseBase, "StartStruct")
	cb.structs.WriteString("typedef struct {\n")
	cb.indent()
	cb.state = phaseStruct
	return cb
}

// StructField writes one field declaration inside an open
// struct definition.
func (cb *CodeBuilder) StructField(f Field) *CodeBuilder {
	cb.need(phaseStruct, "StructField")
	cb.line(&cb.structs, f.Decl()+";")
	return cb
}

// CloseStruct closes an open struct definition, naming
// the typedef.
func (cb *CodeBuilder) CloseStruct(name string) *CodeBuilder {
	cb.need(phaseStruct, "CloseStruct")
	cb.outdent()
	fmt.Fprintf(&cb.structs, "} %s;\n", name)
	cb.state = phaseBase
	return cb
}

// WriteStruct writes a complete struct layout to the
// header and records it in the build result.
func (cb *CodeBuilder) WriteStruct(s *Struct) *CodeBuilder {
	cb.StartStruct()
	for i := range s.Fields {
		cb.StructField(s.Fields[i])
	}
	cb.CloseStruct(s.Name)
	cb.structDefs[s.Name] = s
	return cb
}

// StartMap opens a map definition in the source file.
// Close it with CloseMap.
func (cb *CodeBuilder) StartMap() *CodeBuilder {
	cb.need(phaseBase, "StartMap")
	cb.maps.WriteString("struct {\n")
	cb.indent()
	cb.state = phaseMap
	return cb
}

// Attr writes one map attribute, e.g. __uint(type, ...).
func (cb *CodeBuilder) Attr(attr, key, val string) *CodeBuilder {
	cb.need(phaseMap, "Attr")
	cb.line(&cb.maps, fmt.Sprintf("%s(%s, %s);", attr, key, val))
	return cb
}

// CloseMap closes an open map definition, placing it in
// the .maps section under the given name.
func (cb *CodeBuilder) CloseMap(name string) *CodeBuilder {
	cb.need(phaseMap, "CloseMap")
	cb.outdent()
	fmt.Fprintf(&cb.maps, "} %s SEC(\".maps\");\n", name)
	cb.state = phaseBase
	return cb
}

// WriteMap writes a complete map definition and records
// it in the build result.
func (cb *CodeBuilder) WriteMap(def MapDef) *CodeBuilder {
	cb.StartMap()
	cb.Attr(AttrUint, "type", def.Type.String())
	cb.Attr(AttrType, "key", def.KeyType.String())
	cb.Attr(AttrUint, "value", def.ValueType)
	cb.Attr(AttrUint, "max_entries", fmt.Sprintf("%d", def.MaxEntries))
	if def.Flags != 0 {
		cb.Attr(AttrUint, "map_flags", fmt.Sprintf("%d", def.Flags))
	}
	if def.Pin != "" {
		cb.Attr(AttrUint, "pinning", def.Pin)
	}
	cb.CloseMap(def.Name)
	cb.mapDefs[def.Name] = def
	return cb
}

// WriteRingBuffer declares the output ring buffer and its
// record struct. The declared buffer size is the entry
// count times the record stride.
func (cb *CodeBuilder) WriteRingBuffer(rb *RingBuf) *CodeBuilder {
	cb.StartMap()
	cb.Attr(AttrUint, "type", MapRingBuffer.String())
	cb.Attr(AttrUint, "max_entries", fmt.Sprintf("%d", rb.MaxEntries*uint64(rb.Repr.Size)))
	cb.CloseMap(rb.Name)
	cb.WriteStruct(rb.Repr)
	cb.ringBuf = rb
	return cb
}

// StartFunction opens the program function in the builder's
// ELF section. Close it with CloseFunction.
func (cb *CodeBuilder) StartFunction(args []Field) *CodeBuilder {
	cb.need(phaseBase, "StartFunction")
	fmt.Fprintf(&cb.code, "SEC(\"%s\")\n", cb.section)
	fmt.Fprintf(&cb.code, "u32 %s(", cb.name)
	for i := range args {
		if i > 0 {
			cb.code.WriteString(", ")
		}
		cb.code.WriteString(args[i].Decl())
	}
	cb.code.WriteString(") {\n")
	cb.indent()
	cb.state = phaseBody
	return cb
}

// VarDecl declares a local variable without initializing it.
func (cb *CodeBuilder) VarDecl(f Field) *CodeBuilder {
	cb.need(phaseBody, "VarDecl")
	cb.line(&cb.code, f.Decl()+";")
	return cb
}

// VarInit declares and initializes a local variable.
func (cb *CodeBuilder) VarInit(f Field, value string) *CodeBuilder {
	cb.need(phaseBody, "VarInit")
	cb.line(&cb.code, fmt.Sprintf("%s = %s;", f.Decl(), value))
	return cb
}

// VarAssign assigns to a variable.
func (cb *CodeBuilder) VarAssign(name, value string) *CodeBuilder {
	cb.need(phaseBody, "VarAssign")
	cb.line(&cb.code, fmt.Sprintf("%s = %s;", name, value))
	return cb
}

// Call writes a function call statement.
func (cb *CodeBuilder) Call(fn string, args ...string) *CodeBuilder {
	cb.need(phaseBody, "Call")
	cb.line(&cb.code, fmt.Sprintf("%s(%s);", fn, strings.Join(args, ", ")))
	return cb
}

// StrAssign copies a string into a fixed-length buffer via
// the kernel's bounded probe-read helper.
func (cb *CodeBuilder) StrAssign(src, dst, size string) *CodeBuilder {
	return cb.Call("bpf_probe_read_kernel", dst, size, src)
}

// If opens a conditional block.
func (cb *CodeBuilder) If(cond string) *CodeBuilder {
	cb.need(phaseBody, "If")
	cb.line(&cb.code, fmt.Sprintf("if (%s) {", cond))
	cb.indent()
	return cb
}

// ElseIf continues an open conditional with another branch.
func (cb *CodeBuilder) ElseIf(cond string) *CodeBuilder {
	cb.need(phaseBody, "ElseIf")
	cb.outdent()
	cb.line(&cb.code, fmt.Sprintf("} else if (%s) {", cond))
	cb.indent()
	return cb
}

// Else continues an open conditional with a final branch.
func (cb *CodeBuilder) Else() *CodeBuilder {
	cb.need(phaseBody, "Else")
	cb.outdent()
	cb.line(&cb.code, "} else {")
	cb.indent()
	return cb
}

// CloseIf closes an open conditional block.
func (cb *CodeBuilder) CloseIf() *CodeBuilder {
	cb.need(phaseBody, "CloseIf")
	cb.outdent()
	cb.line(&cb.code, "}")
	return cb
}

// Return writes a return statement.
func (cb *CodeBuilder) Return(val string) *CodeBuilder {
	cb.need(phaseBody, "Return")
	cb.line(&cb.code, fmt.Sprintf("return %s;", val))
	return cb
}

// CloseFunction closes the program function.
func (cb *CodeBuilder) CloseFunction() *CodeBuilder {
	cb.need(phaseBody, "CloseFunction")
	cb.outdent()
	cb.code.WriteString("}\n")
	cb.state = phaseBase
	return cb
}

// header assembles the program header file contents.
func (cb *CodeBuilder) header() []byte {
	var buf bytes.Buffer
	buf.WriteString("#pragma once\n")
	fmt.Fprintf(&buf, "// *** HEADER FOR QUERY %s *** //\n", cb.name)
	buf.WriteString("#include \"common.bpf.h\" /* common definitions */\n\n")
	buf.WriteString("// *** MACRO DEFINITIONS *** //\n")
	buf.Write(cb.macros.Bytes())
	buf.WriteString("\n// *** STRUCT DEFINITIONS *** //\n")
	buf.Write(cb.structs.Bytes())
	buf.WriteString("\n// *** GLOBAL DEFINITIONS *** //\n")
	buf.Write(cb.globals.Bytes())
	return buf.Bytes()
}

// source assembles the program source file contents.
func (cb *CodeBuilder) source() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// *** SOURCE FOR %s *** //\n\n", cb.name)
	buf.WriteString("// *** INCLUDES SECTION *** //\n")
	buf.Write(cb.includes.Bytes())
	buf.WriteString("\n// *** MAPS SECTION *** //\n")
	buf.Write(cb.maps.Bytes())
	buf.WriteString("\n// *** CODE SECTION *** //\n")
	buf.Write(cb.code.Bytes())
	buf.WriteString("\n// *** LICENSE *** //\n")
	buf.WriteString(license)
	buf.WriteString("\n")
	return buf.Bytes()
}
