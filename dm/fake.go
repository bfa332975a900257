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
package dm

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// segment is one line of a dm table: "<start> <len> <type> <args...>",
// all in 512-byte blocks, the same units as the rest of this module.
type segment struct {
	start, length int64
	typ           string
	args          []string
}

type fakeDevice struct {
	segments []segment
	// snapshotData holds the eagerly-copied origin contents for a
	// "snapshot" device: real dm defers the copy until the origin is
	// written through a snapshot-origin target, but a test fake has no
	// kernel to intercept origin writes, so it captures the origin at
	// Create time instead. Documented simplification, see DESIGN.md.
	snapshotData []byte
}

// Resolver reads length bytes at offset from a leaf device path that the
// FakeAdapter did not itself create (e.g. a loopback device path handed
// out by loopback.FakeAttacher). Wire it to resolve that path back to a
// real file and read from it.
type Resolver func(path string, offset, length int64) ([]byte, error)

// FakeAdapter is an in-memory Adapter that records target tables and can
// answer ReadAt queries against the composed device graph, simulating
// linear mapping, zero devices, and (eagerly) snapshots.
type FakeAdapter struct {
	mu        sync.Mutex
	devices   map[string]*fakeDevice
	Resolve   Resolver
	BlockSize int64
}

// NewFakeAdapter returns a ready-to-use FakeAdapter. blockSize is the
// accounting unit (512 in this module); resolve reads bytes from any
// device path the adapter did not itself create.
func NewFakeAdapter(blockSize int64, resolve Resolver) *FakeAdapter {
	return &FakeAdapter{
		devices:   make(map[string]*fakeDevice),
		Resolve:   resolve,
		BlockSize: blockSize,
	}
}

func parseTable(table string) ([]segment, error) {
	var segs []segment
	for _, line := range strings.Split(strings.TrimRight(table, "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, errors.Errorf("malformed dm table line %q", line)
		}
		start, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing start in %q", line)
		}
		length, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing length in %q", line)
		}
		segs = append(segs, segment{start: start, length: length, typ: fields[2], args: fields[3:]})
	}
	return segs, nil
}

func (f *FakeAdapter) Create(name, table string) error {
	segs, err := parseTable(table)
	if err != nil {
		return err
	}
	dev := &fakeDevice{segments: segs}
	for _, s := range segs {
		if s.typ == "snapshot" {
			if len(s.args) < 1 {
				return errors.Errorf("snapshot segment missing origin arg: %q", table)
			}
			origin := s.args[0]
			data, err := f.readDeviceLocked(origin, 0, s.length*f.BlockSize)
			if err != nil {
				return errors.Wrapf(err, "fake snapshot of %s", origin)
			}
			dev.snapshotData = data
		}
	}
	f.mu.Lock()
	f.devices[name] = dev
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[name]; !ok {
		return errors.Errorf("no such fake dm device %s", name)
	}
	delete(f.devices, name)
	return nil
}

func (f *FakeAdapter) SuspendResume(name string) error {
	f.mu.Lock()
	_, ok := f.devices[name]
	f.mu.Unlock()
	if !ok {
		return errors.Errorf("no such fake dm device %s", name)
	}
	return nil
}

// ReadAt reads length bytes at byte offset from the fake dm device name,
// resolving linear/zero/snapshot segments recursively. Intended for
// tests asserting composed block-map byte layout.
func (f *FakeAdapter) ReadAt(name string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readDeviceLocked(name, offset, length)
}

func (f *FakeAdapter) readDeviceLocked(path string, offset, length int64) ([]byte, error) {
	name := strings.TrimPrefix(path, "/dev/mapper/")
	dev, ok := f.devices[name]
	if !ok {
		if f.Resolve == nil {
			return nil, errors.Errorf("unresolvable device %s", path)
		}
		return f.Resolve(path, offset, length)
	}

	startBlock := offset / f.BlockSize
	out := make([]byte, 0, length)
	remainingOff := offset
	remainingLen := length
	for _, s := range dev.segments {
		segStartByte := s.start * f.BlockSize
		segEndByte := (s.start + s.length) * f.BlockSize
		if remainingLen <= 0 {
			break
		}
		readStart := remainingOff + int64(len(out))
		if readStart < segStartByte || readStart >= segEndByte {
			continue
		}
		withinSeg := readStart - segStartByte
		avail := segEndByte - readStart
		take := remainingLen - int64(len(out))
		if take > avail {
			take = avail
		}
		chunk, err := f.readSegment(dev, s, withinSeg, take)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	_ = startBlock
	if int64(len(out)) != length {
		return nil, errors.Errorf("dm device %s: short read at offset %d (got %d want %d)", name, offset, len(out), length)
	}
	return out, nil
}

func (f *FakeAdapter) readSegment(dev *fakeDevice, s segment, withinSegOffset, length int64) ([]byte, error) {
	switch s.typ {
	case "zero":
		return make([]byte, length), nil
	case "snapshot":
		if withinSegOffset+length > int64(len(dev.snapshotData)) {
			return nil, errors.Errorf("snapshot read out of range")
		}
		return dev.snapshotData[withinSegOffset : withinSegOffset+length], nil
	case "linear":
		if len(s.args) < 2 {
			return nil, errors.Errorf("linear segment missing args")
		}
		underlying := s.args[0]
		underlyingOffsetBlocks, err := strconv.ParseInt(s.args[1], 10, 64)
		if err != nil {
			return nil, err
		}
		underlyingOffset := underlyingOffsetBlocks*f.BlockSize + withinSegOffset
		return f.readDeviceLocked(underlying, underlyingOffset, length)
	default:
		return nil, fmt.Errorf("unsupported fake dm segment type %q", s.typ)
	}
}
