// Copyright 2021 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package blobstore

import (
	"os"
	"path/filepath"
	"strings"
)

// SidecarKind identifies one of a blob's metadata files.
type SidecarKind int

const (
	// KindBlocks is the blob's data file; its OS lock represents
	// ownership of the blob.
	KindBlocks SidecarKind = iota
	KindDm
	KindDeps
	KindLoopback
	KindSig
	KindRefs
)

// suffixes must stay in this order: Blocks must come first so the
// scanner's classify loop finds data files first.
var suffixes = [...]string{
	KindBlocks:   "blocks",
	KindDm:       "dm",
	KindDeps:     "deps",
	KindLoopback: "loopback",
	KindSig:      "sig",
	KindRefs:     "refs",
}

func (k SidecarKind) String() string {
	if int(k) < 0 || int(k) >= len(suffixes) {
		return "none"
	}
	return suffixes[k]
}

// sidecarPath returns the filesystem path for (id, kind) under the given
// store root and format.
func sidecarPath(root string, format Format, id string, kind SidecarKind) string {
	suffix := kind.String()
	switch format {
	case FormatDirectory:
		return filepath.Join(root, id, suffix)
	default: // FormatFiles
		return filepath.Join(root, id+"."+suffix)
	}
}

// ensureDirs creates any intermediate directories implied by a blob id
// that contains '/' under the Directory format, with mode 0700. Under
// Files format blob ids may still contain '/', which also needs the
// parent directories to exist.
func ensureDirs(root string, format Format, id string) (created bool, err error) {
	var dir string
	switch format {
	case FormatDirectory:
		dir = filepath.Join(root, id)
	default:
		dir = filepath.Dir(filepath.Join(root, id))
	}
	if dir == root || dir == "." {
		return false, nil
	}
	if _, statErr := os.Stat(dir); statErr == nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return false, err
	}
	return true, nil
}

// classify examines a path's suffix (after '.' for Files format, or the
// trailing path component for Directory format) against the known
// sidecar suffixes, and recovers the blob id it belongs to. Used by the
// scanner to find data files and derive blob ids.
func classify(root string, format Format, path string) (id string, kind SidecarKind, ok bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", 0, false
	}
	switch format {
	case FormatDirectory:
		dir, base := filepath.Split(rel)
		dir = strings.TrimSuffix(dir, string(filepath.Separator))
		for k, s := range suffixes {
			if base == s {
				return filepath.ToSlash(dir), SidecarKind(k), true
			}
		}
		return "", 0, false
	default:
		idx := strings.LastIndex(rel, ".")
		if idx < 0 {
			return "", 0, false
		}
		base, suffix := rel[:idx], rel[idx+1:]
		for k, s := range suffixes {
			if suffix == s {
				return filepath.ToSlash(base), SidecarKind(k), true
			}
		}
		return "", 0, false
	}
}
