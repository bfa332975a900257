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
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/blobstore/diskutil"
	"github.com/mendersoftware/blobstore/system"
)

// isBlockDevice is a package variable so tests can swap in a fake instead
// of calling into the kernel.
var isBlockDevice = system.IsBlockDevice

// Relation selects how a BlockMapEntry's range is materialized: copied
// into dst's own backing file, mapped directly onto the source, or
// snapshotted copy-on-write over the source.
type Relation int

const (
	RelationCopy Relation = iota
	RelationMap
	RelationSnapshot
)

// SourceType selects the kind of source a BlockMapEntry reads from.
type SourceType int

const (
	SourceDevice SourceType = iota
	SourceBlob
	SourceZero
)

// BlockMapEntry is one entry of the block map passed to Clone: a range of
// dst's blocks and where their contents come from.
type BlockMapEntry struct {
	Relation   Relation
	SourceType SourceType

	// SourceDevice is used when SourceType == SourceDevice.
	SourceDevice string
	// SourceBlob is used when SourceType == SourceBlob.
	SourceBlob *Blob

	FirstBlockSrc int64
	FirstBlockDst int64
	LenBlocks     int64
}

func (m *BlockMapEntry) sourcePath() string {
	switch m.SourceType {
	case SourceDevice:
		return m.SourceDevice
	case SourceBlob:
		return m.SourceBlob.DevicePath
	default:
		return ""
	}
}

// ensureZeroDevice materializes the process-global "euca-zero" dm target
// on first demand. Creation races between processes are tolerated: if
// Create fails but the device now exists as a block device, the race is
// treated as success.
func ensureZeroDevice(dst *Blob) (string, error) {
	path := "/dev/mapper/" + ZeroDeviceName
	if isBlockDevice(path) {
		return path, nil
	}
	table := fmt.Sprintf("0 %d zero", ZeroDeviceSizeBlocks)
	if err := dst.Store.DM.Create(ZeroDeviceName, table); err != nil {
		if isBlockDevice(path) {
			return path, nil
		}
		return "", errors.Wrap(err, "creating euca-zero device")
	}
	return path, nil
}

// validateBlockMap checks relation-vs-snapshot-policy compatibility,
// source existence and sizing, the minimum snapshot length, and
// destination sizing for every entry before Clone commits anything.
func (dst *Blob) validateBlockMap(entries []BlockMapEntry) error {
	if len(entries) < 1 || len(entries) > MaxBlockMapEntries {
		return errors.New("block map size out of range")
	}
	for i := range entries {
		m := &entries[i]
		if m.Relation != RelationCopy && dst.Store.desc.Snapshot != SnapshotDeviceMapper {
			return errors.New("relation type is incompatible with store's snapshot policy")
		}
		switch m.SourceType {
		case SourceDevice:
			if m.SourceDevice == "" {
				return errors.New("device source path is empty")
			}
			if _, err := os.Stat(m.SourceDevice); err != nil {
				return errors.Wrapf(err, "device source %s", m.SourceDevice)
			}
			if !isBlockDevice(m.SourceDevice) {
				return errors.Errorf("device source %s is not a block device", m.SourceDevice)
			}
		case SourceBlob:
			sbb := m.SourceBlob
			if sbb == nil || sbb.handle == nil {
				return errors.New("source blob is not open")
			}
			fi, err := sbb.handle.File.Stat()
			if err != nil {
				return errors.Wrapf(err, "stat source blob %s", sbb.ID)
			}
			if fi.Size()/BlockSize < sbb.SizeBlocks {
				return errors.Errorf("source blob %s backing is smaller than recorded size", sbb.ID)
			}
			if !isBlockDevice(sbb.DevicePath) {
				return errors.Errorf("source blob %s is missing a loopback block device", sbb.ID)
			}
			if sbb.SizeBlocks < m.FirstBlockSrc+m.LenBlocks {
				return errors.Errorf("source blob %s is too small for the map entry", sbb.ID)
			}
			if m.Relation == RelationSnapshot && m.LenBlocks < MinBlocksSnapshot {
				return errors.New("snapshot size is too small")
			}
		case SourceZero:
			if m.Relation != RelationCopy {
				if _, err := ensureZeroDevice(dst); err != nil {
					return err
				}
			}
		default:
			return errors.New("invalid block map source type")
		}
		if dst.SizeBlocks < m.FirstBlockDst+m.LenBlocks {
			return errors.New("destination blob is too small for the map entry")
		}
	}
	return nil
}

type dmAuxTarget struct {
	name  string
	table string
}

// devRef renders dev as an argument for a dm table line: a bare name we
// created ourselves (no '/') needs the /dev/mapper/ prefix; a full
// device path (loopback, raw device, euca-zero) is used as-is.
func devRef(dev string) string {
	if strings.Contains(dev, "/") {
		return dev
	}
	return "/dev/mapper/" + dev
}

func granularity(lenBlocks int64) int64 {
	g := int64(16)
	for lenBlocks%g != 0 {
		g /= 2
	}
	return g
}

func dmBaseName(id string) string {
	return "euca-" + strings.ReplaceAll(id, "/", "-")
}

// Clone validates entries, performs any Copy segments, and builds a
// device-mapper graph for Map/Snapshot segments, updating dst's
// DevicePath and the deps/refs sidecars.
func (dst *Blob) Clone(entries []BlockMapEntry) error {
	const op = "blobstore.Blob.Clone"
	if err := dst.validateBlockMap(entries); err != nil {
		return newErr(op, KindInvalid, err)
	}

	base := dmBaseName(dst.ID)
	var aux []dmAuxTarget
	var mainTable strings.Builder
	mappedOrSnapshotted := 0

	for i := range entries {
		m := &entries[i]
		var dev string
		switch m.SourceType {
		case SourceZero:
			z, err := ensureZeroDevice(dst)
			if err != nil {
				return newErr(op, KindUnknown, err)
			}
			dev = z
		default:
			dev = m.sourcePath()
		}

		firstBlockSrc := m.FirstBlockSrc

		switch m.Relation {
		case RelationCopy:
			if _, err := diskutil.Copy(dev, dst.DevicePath, BlockSize, m.LenBlocks, m.FirstBlockDst, m.FirstBlockSrc); err != nil {
				return newErr(op, KindInvalid, errors.Wrap(err, "copying block map section"))
			}
			fmt.Fprintf(&mainTable, "%d %d linear %s %d\n", m.FirstBlockDst, m.LenBlocks, dst.DevicePath, m.FirstBlockDst)
			continue

		case RelationSnapshot:
			g := granularity(m.LenBlocks)

			backName := fmt.Sprintf("%s-p%d-back", base, i)
			aux = append(aux, dmAuxTarget{
				name:  backName,
				table: fmt.Sprintf("0 %d linear %s %d\n", m.LenBlocks, dst.DevicePath, m.FirstBlockDst),
			})

			snapshotted := dev
			if m.FirstBlockSrc > 0 && m.SourceType != SourceZero {
				realName := fmt.Sprintf("%s-p%d-real", base, i)
				aux = append(aux, dmAuxTarget{
					name:  realName,
					table: fmt.Sprintf("0 %d linear %s %d\n", m.LenBlocks, dev, m.FirstBlockSrc),
				})
				snapshotted = realName
			}

			snapName := fmt.Sprintf("%s-p%d-snap", base, i)
			aux = append(aux, dmAuxTarget{
				name:  snapName,
				table: fmt.Sprintf("0 %d snapshot %s %s p %d\n", m.LenBlocks, devRef(snapshotted), devRef(backName), g),
			})
			dev = snapName
			firstBlockSrc = 0
			fallthrough

		case RelationMap:
			fmt.Fprintf(&mainTable, "%d %d linear %s %d\n", m.FirstBlockDst, m.LenBlocks, devRef(dev), firstBlockSrc)
			mappedOrSnapshotted++

		default:
			return newErr(op, KindInvalid, errors.New("invalid relation type"))
		}
	}

	if mappedOrSnapshotted == 0 {
		return nil
	}

	aux = append(aux, dmAuxTarget{name: base, table: mainTable.String()})

	created := make([]string, 0, len(aux))
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			if err := dst.Store.DM.Remove(created[i]); err != nil {
				log.Warnf("blobstore: rollback: removing %s failed: %v", created[i], err)
			}
		}
	}
	for _, t := range aux {
		if err := dst.Store.DM.Create(t.name, t.table); err != nil {
			rollback()
			return newErr(op, KindUnknown, errors.Wrapf(err, "creating dm device %s", t.name))
		}
		created = append(created, t.name)
	}

	dst.DevicePath = "/dev/mapper/" + base
	names := make([]string, len(aux))
	for i, t := range aux {
		names[i] = t.name
	}

	lockHandle, err := dst.Store.Lock(StoreLockTimeout)
	if err != nil {
		rollback()
		return err
	}
	defer dst.Store.Unlock(lockHandle)

	if err := writeSidecarList(dst.Store.sidecar(dst.ID, KindDm), names); err != nil {
		rollback()
		return newErr(op, KindUnknown, err)
	}

	myRef := fmt.Sprintf("%s %s", dst.Store.Path, dst.ID)
	for i := range entries {
		m := &entries[i]
		if m.SourceType != SourceBlob || m.Relation == RelationCopy {
			continue
		}
		sbb := m.SourceBlob
		if err := updateSidecarEntry(sbb.Store.sidecar(sbb.ID, KindRefs), myRef, false); err != nil {
			return newErr(op, KindUnknown, err)
		}
		depRef := fmt.Sprintf("%s %s", sbb.Store.Path, sbb.ID)
		if err := updateSidecarEntry(dst.Store.sidecar(dst.ID, KindDeps), depRef, false); err != nil {
			return newErr(op, KindUnknown, err)
		}
	}

	log.Infof("blobstore: clone materialized %d dm device(s) for %s, device_path=%s", len(aux), dst.ID, dst.DevicePath)
	return nil
}
