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

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// memlockBytes is the fallback locked-memory limit on
// kernels without memcg-based accounting.
const memlockBytes = 128 << 20

// RaiseMemlock lifts the locked-memory limit so maps can
// be created. Call once before the first load.
func RaiseMemlock() error {
	if err := rlimit.RemoveMemlock(); err == nil {
		return nil
	}
	lim := unix.Rlimit{Cur: memlockBytes, Max: memlockBytes}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &lim); err != nil {
		return fmt.Errorf("bpf: raising RLIMIT_MEMLOCK: %w", err)
	}
	return nil
}
