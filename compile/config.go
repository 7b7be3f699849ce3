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

package compile

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ebql/ebql/bpf"
)

// MaxMemBytes bounds the memory one output ring buffer may
// occupy; ring buffer entry counts are clamped to
// MaxMemBytes / struct size.
const MaxMemBytes = 2 << 21

// Config locates the external toolchain and the scratch
// directory generated sources are compiled in.
type Config struct {
	// Clang is the C-to-eBPF compiler; "clang" when empty.
	Clang string
	// Bpftool links multiple build results into one object;
	// resolved from PATH when empty.
	Bpftool string
	// VmlinuxDir holds vmlinux.h and common.bpf.h.
	VmlinuxDir string
	// Arch is the __TARGET_ARCH define; "x86_64" when empty.
	Arch string
	// ScratchDir receives generated sources and objects.
	ScratchDir string
	// CacheDir enables the compiled-object cache when
	// non-empty.
	CacheDir string
}

// DefaultConfig returns a config with a fresh per-process
// scratch directory.
func DefaultConfig() *Config {
	return &Config{
		ScratchDir: filepath.Join(os.TempDir(), "ebql-"+uuid.NewString()[:8]),
		VmlinuxDir: "bpf",
	}
}

// buildConfig derives the code builder's build config.
func (c *Config) buildConfig() *bpf.BuildConfig {
	cfg := &bpf.BuildConfig{
		OutDir:     c.ScratchDir,
		Clang:      c.Clang,
		VmlinuxDir: c.VmlinuxDir,
		Arch:       c.Arch,
	}
	if c.CacheDir != "" {
		cfg.Cache = newObjectCache(c.CacheDir)
	}
	return cfg
}
