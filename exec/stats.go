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

package exec

import (
	"fmt"

	"github.com/ebql/ebql/bpf"
)

// UserspaceStats counts what the drainer delivered to the
// consumer.
type UserspaceStats struct {
	Batches uint64
	Records uint64
}

// QueryStats joins kernel-side runtime accounting with the
// userspace delivery counters for one query.
type QueryStats struct {
	User   UserspaceStats
	Kernel *bpf.ProgramStats
}

func (s *QueryStats) String() string {
	return fmt.Sprintf("QueryStats(%s, batches=%d, records=%d)",
		s.Kernel, s.User.Batches, s.User.Records)
}
