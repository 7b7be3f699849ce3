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
	"fmt"
	"io"
	"os"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

const procfsStatsEnabled = "/proc/sys/kernel/bpf_stats_enabled"

// ProgramStats is the kernel's runtime accounting for one
// program.
type ProgramStats struct {
	ID        uint32
	Type      string
	Name      string
	RunTimeNs uint64
	RunCount  uint64
}

func (s *ProgramStats) String() string {
	return fmt.Sprintf("BpfProgram(%d, %s, %s, %d, %d)",
		s.ID, s.Type, s.Name, s.RunTimeNs, s.RunCount)
}

// statsFd keeps runtime accounting enabled for the process
// lifetime when the syscall path is used.
var statsFd io.Closer

// EnableStats turns on kernel-side runtime accounting for
// all programs: the BPF_ENABLE_STATS syscall where the
// kernel supports it (5.8+), otherwise the procfs toggle.
func EnableStats() error {
	fd, err := ebpf.EnableStats(uint32(unix.BPF_STATS_RUN_TIME))
	if err == nil {
		statsFd = fd
		return nil
	}
	if werr := os.WriteFile(procfsStatsEnabled, []byte("1"), 0o644); werr != nil {
		return fmt.Errorf("bpf: enabling stats via %s: %w (syscall path: %v)",
			procfsStatsEnabled, werr, err)
	}
	return nil
}
