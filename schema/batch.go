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

import "strings"

// RecordBatch is a group of records decoded from one
// ring-buffer delivery, tagged with their schema.
type RecordBatch struct {
	Schema  *Schema
	Records []Record
}

// NewBatch constructs a record batch from a schema and records.
func NewBatch(s *Schema, records []Record) *RecordBatch {
	return &RecordBatch{Schema: s, Records: records}
}

// Len returns the number of records in the batch.
func (b *RecordBatch) Len() int { return len(b.Records) }

// Size returns the total storage width of the
// batch's records in bytes.
func (b *RecordBatch) Size() int {
	n := 0
	for i := range b.Records {
		n += b.Records[i].Size()
	}
	return n
}

func (b *RecordBatch) String() string {
	var sb strings.Builder
	sb.WriteString("RecordBatch(\n\tSchema: ")
	sb.WriteString(b.Schema.String())
	sb.WriteString("\n\tRecords: ")
	for i := range b.Records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(b.Records[i].String())
	}
	sb.WriteString("\n)")
	return sb.String()
}
