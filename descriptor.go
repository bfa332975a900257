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
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Format selects the on-disk sidecar layout.
type Format int

const (
	FormatAny Format = iota
	FormatFiles
	FormatDirectory
)

func (f Format) String() string {
	switch f {
	case FormatFiles:
		return "files"
	case FormatDirectory:
		return "directory"
	default:
		return "any"
	}
}

// RevocationPolicy selects the capacity-reclamation strategy.
type RevocationPolicy int

const (
	RevocationAny RevocationPolicy = iota
	RevocationNone
	RevocationLRU
)

func (r RevocationPolicy) String() string {
	switch r {
	case RevocationNone:
		return "none"
	case RevocationLRU:
		return "lru"
	default:
		return "any"
	}
}

// SnapshotPolicy selects whether the composition engine may create
// device-mapper targets.
type SnapshotPolicy int

const (
	SnapshotAny SnapshotPolicy = iota
	SnapshotNone
	SnapshotDeviceMapper
)

func (s SnapshotPolicy) String() string {
	switch s {
	case SnapshotNone:
		return "none"
	case SnapshotDeviceMapper:
		return "devicemapper"
	default:
		return "any"
	}
}

// descriptor is the singleton per-store record persisted in ".blobstore":
// a small key/value text buffer, lines of "key: value\n".
type descriptor struct {
	ID          string
	LimitBlocks int64
	Format      Format
	Revocation  RevocationPolicy
	Snapshot    SnapshotPolicy
}

func parseFormat(s string) Format {
	switch s {
	case "files":
		return FormatFiles
	case "directory":
		return FormatDirectory
	default:
		return FormatAny
	}
}

func parseRevocation(s string) RevocationPolicy {
	switch s {
	case "none":
		return RevocationNone
	case "lru":
		return RevocationLRU
	default:
		return RevocationAny
	}
}

func parseSnapshot(s string) SnapshotPolicy {
	switch s {
	case "none":
		return SnapshotNone
	case "devicemapper":
		return SnapshotDeviceMapper
	default:
		return SnapshotAny
	}
}

// encodeDescriptor renders the key/value lines written to ".blobstore".
func encodeDescriptor(d *descriptor) []byte {
	var buf bytes.Buffer
	buf.WriteString("id: " + d.ID + "\n")
	buf.WriteString("limit: " + strconv.FormatInt(d.LimitBlocks, 10) + "\n")
	buf.WriteString("revocation: " + d.Revocation.String() + "\n")
	buf.WriteString("snapshot: " + d.Snapshot.String() + "\n")
	buf.WriteString("format: " + d.Format.String() + "\n")
	return buf.Bytes()
}

// decodeDescriptor parses the ".blobstore" contents into a descriptor.
func decodeDescriptor(data []byte) (*descriptor, error) {
	d := &descriptor{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "id":
			d.ID = val
		case "limit":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, "malformed limit in store descriptor")
			}
			d.LimitBlocks = n
		case "revocation":
			d.Revocation = parseRevocation(val)
		case "snapshot":
			d.Snapshot = parseSnapshot(val)
		case "format":
			d.Format = parseFormat(val)
		}
	}
	if d.ID == "" {
		return nil, errors.New("store descriptor missing id")
	}
	return d, nil
}
