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

// MapType identifies the kernel map kind in emitted source.
type MapType int

const (
	MapHash MapType = iota
	MapArray
	MapRingBuffer
)

// String returns the BPF_MAP_TYPE_* spelling used in
// map declarations.
func (t MapType) String() string {
	switch t {
	case MapHash:
		return "BPF_MAP_TYPE_HASH"
	case MapArray:
		return "BPF_MAP_TYPE_ARRAY"
	case MapRingBuffer:
		return "BPF_MAP_TYPE_RINGBUF"
	}
	return "BPF_MAP_TYPE_UNSPEC"
}

// MapFlags is the map_flags attribute of a map declaration.
type MapFlags uint64

const (
	// FlagNoPrealloc matches BPF_F_NO_PREALLOC in vmlinux.h.
	FlagNoPrealloc MapFlags = 1
	// FlagMmapable matches BPF_F_MMAPABLE in vmlinux.h.
	FlagMmapable MapFlags = 2048
)

// MapDef declares a map in emitted program source.
type MapDef struct {
	Name       string
	Type       MapType
	KeyType    Type
	ValueType  string
	MaxEntries uint64
	Flags      MapFlags
	// Pin is the filesystem pin path; empty means unpinned.
	Pin string
}

// RingBuf is the output ring buffer of one program.
// MaxEntries counts records, not bytes; the declared
// buffer size is MaxEntries times the struct stride.
type RingBuf struct {
	Name       string
	Repr       *Struct
	MaxEntries uint64
}
