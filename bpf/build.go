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
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// BuildConfig parameterizes the external compiler invocation.
type BuildConfig struct {
	// OutDir receives the generated .bpf.h/.bpf.c files and
	// the compiled object.
	OutDir string
	// Clang is the C-to-eBPF compiler binary; "clang" when empty.
	Clang string
	// VmlinuxDir is added to the include path; it must hold
	// vmlinux.h and common.bpf.h.
	VmlinuxDir string
	// Arch is the target architecture define, e.g. "x86_64".
	Arch string
	// Cache, when non-nil, memoizes compiled objects keyed on
	// the full generated source. Compilation is deterministic,
	// so a hit skips the compiler entirely.
	Cache ObjectCache
}

// ObjectCache memoizes compiled objects. Load writes a cached
// object for src to dst and reports whether it was present;
// Store records the object at objPath for src.
type ObjectCache interface {
	Load(src []byte, dst string) bool
	Store(src []byte, objPath string) error
}

// BuildResult carries everything the runtime needs to load
// and decode one compiled program.
type BuildResult struct {
	ObjectPath string
	Name       string
	Section    string
	Structs    map[string]*Struct
	Maps       map[string]MapDef
	Globals    map[string]Field
	RingBuffer *RingBuf
}

// Build materializes the header and source files in
// cfg.OutDir, compiles the source to an eBPF object, and
// returns the build result. The builder must be back in its
// base state (all definitions closed).
func (cb *CodeBuilder) Build(cfg *BuildConfig) (*BuildResult, error) {
	cb.need(phaseBase, "Build")
	if cb.ringBuf == nil {
		return nil, fmt.Errorf("bpf: program %s has no output ring buffer", cb.name)
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating build dir: %w", err)
	}

	hdr := cb.header()
	src := cb.source()

	hdrPath := filepath.Join(cfg.OutDir, cb.name+".bpf.h")
	if err := os.WriteFile(hdrPath, hdr, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", hdrPath, err)
	}
	for name, text := range cb.ext {
		p := filepath.Join(cfg.OutDir, name)
		if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", p, err)
		}
	}
	srcPath := filepath.Join(cfg.OutDir, cb.name+".bpf.c")
	if err := os.WriteFile(srcPath, src, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", srcPath, err)
	}

	objPath := filepath.Join(cfg.OutDir, cb.name+".bpf.o")
	key := cb.cacheKey(hdr, src)
	if cfg.Cache == nil || !cfg.Cache.Load(key, objPath) {
		if err := runClang(cfg, srcPath, objPath); err != nil {
			return nil, err
		}
		if cfg.Cache != nil {
			if err := cfg.Cache.Store(key, objPath); err != nil {
				return nil, fmt.Errorf("caching object: %w", err)
			}
		}
	}

	return &BuildResult{
		ObjectPath: objPath,
		Name:       cb.name,
		Section:    cb.section,
		Structs:    cb.structDefs,
		Maps:       cb.mapDefs,
		Globals:    cb.globalDefs,
		RingBuffer: cb.ringBuf,
	}, nil
}

// cacheKey concatenates every generated text in a stable
// order; the cache hashes it.
func (cb *CodeBuilder) cacheKey(hdr, src []byte) []byte {
	var buf bytes.Buffer
	buf.Write(hdr)
	buf.Write(src)
	names := make([]string, 0, len(cb.ext))
	for name := range cb.ext {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteString(cb.ext[name])
	}
	return buf.Bytes()
}

// runClang invokes the external C-to-eBPF compiler with the
// fixed flag set. The flags follow libbpf's conventions; the
// stack protector must be disabled for the BPF target.
func runClang(cfg *BuildConfig, srcPath, objPath string) error {
	clang := cfg.Clang
	if clang == "" {
		clang = "clang"
	}
	arch := cfg.Arch
	if arch == "" {
		arch = "x86_64"
	}
	cmd := exec.Command(clang,
		"-I"+cfg.VmlinuxDir,
		"-D__TARGET_ARCH_"+arch,
		"-fno-stack-protector",
		"-g",
		"-O2",
		"-target", "bpf",
		"-c", srcPath,
		"-o", objPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("compile failed: %s: %w", stderr.String(), err)
	}
	return nil
}
