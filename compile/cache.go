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
	"fmt"
	"os"
	"path/filepath"

	"github.com/dchest/siphash"
	"github.com/klauspost/compress/zstd"
)

// siphash keys for cache entries; distinct from the query
// naming keys so the two hash spaces never collide.
const (
	cacheKey0 = 0x6562716c2d6f626a
	cacheKey1 = 0x63616368652d6b65
)

// objectCache memoizes compiled objects on disk, keyed by
// the full generated source text and stored
// zstd-compressed. Compilation is deterministic, so a hit
// is always safe to reuse.
type objectCache struct {
	dir string
}

func newObjectCache(dir string) *objectCache {
	return &objectCache{dir: dir}
}

func (c *objectCache) path(src []byte) string {
	h := siphash.Hash(cacheKey0, cacheKey1, src)
	return filepath.Join(c.dir, fmt.Sprintf("%016x.bpf.o.zst", h))
}

// Load writes the cached object for src to dst and reports
// whether the cache held it. Corrupt entries are treated
// as misses.
func (c *objectCache) Load(src []byte, dst string) bool {
	buf, err := os.ReadFile(c.path(src))
	if err != nil {
		return false
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return false
	}
	defer dec.Close()
	obj, err := dec.DecodeAll(buf, nil)
	if err != nil {
		return false
	}
	return os.WriteFile(dst, obj, 0o644) == nil
}

// Store records the compiled object at objPath for src.
func (c *objectCache) Store(src []byte, objPath string) error {
	obj, err := os.ReadFile(objPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	return os.WriteFile(c.path(src), enc.EncodeAll(obj, nil), 0o644)
}
