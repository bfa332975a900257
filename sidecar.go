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
	"bufio"
	"bytes"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// readSidecarString reads the raw bytes of a string sidecar ("sig" and
// "loopback" use this form). A missing file reads back as empty rather
// than an error.
func readSidecarString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// writeSidecarString writes a string sidecar via temp-file-then-rename,
// so a crash mid-write never leaves a torn file in its place.
func writeSidecarString(path, value string) error {
	return atomicWrite(path, []byte(value))
}

// readSidecarList reads a list sidecar (dm, deps, refs): one entry per
// line, no trailing empty line required. A missing file reads back as an
// empty list.
func readSidecarList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// writeSidecarList truncates and emits all entries, one per line.
func writeSidecarList(path string, entries []string) error {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}
	return atomicWrite(path, buf.Bytes())
}

// updateSidecarEntry reads a list sidecar, linear-searches for an exact
// string match, and either appends (if adding and absent) or swap-removes
// with the last entry (if removing and present); otherwise it is a no-op.
// Write back only happens on change.
func updateSidecarEntry(path, entry string, remove bool) error {
	entries, err := readSidecarList(path)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if e == entry {
			idx = i
			break
		}
	}
	changed := false
	if remove {
		if idx >= 0 {
			last := len(entries) - 1
			entries[idx] = entries[last]
			entries = entries[:last]
			changed = true
		}
	} else {
		if idx < 0 {
			entries = append(entries, entry)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return writeSidecarList(path, entries)
}

// atomicWrite writes data to path via a temporary file in the same
// directory followed by rename, so a crash mid-write leaves either the
// old contents or the new ones, never a torn file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temp file for %s", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "closing temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "committing %s", path)
	}
	return nil
}

// removeSidecar removes a sidecar file if present; absence is not an
// error.
func removeSidecar(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
