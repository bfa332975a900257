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
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/blobstore/filelock"
	"github.com/mendersoftware/blobstore/system"
)

// InUse is a bitmask of the derived in-use status of a Blob.
type InUse int

const (
	// Opened is set when the blocks file cannot be write-locked, i.e.
	// some holder (possibly this one) has it open.
	Opened InUse = 1 << iota
	// Mapped is set when another blob's deps lists this one.
	Mapped
	// Backed is set when this blob's own deps sidecar is non-empty.
	Backed
)

// OpenFlag selects creation behavior for CreateOrOpen.
type OpenFlag int

const (
	FlagCreate    OpenFlag = 1 << iota // create the blob if absent
	FlagExclusive                      // combined with FlagCreate, fail if already present
)

// Blob is an open handle on a single blob within a Store.
type Blob struct {
	Store      *Store
	ID         string
	SizeBlocks int64
	DevicePath string

	blocksPath string
	handle     *filelock.Handle
}

func (s *Store) blocksPath(id string) string {
	return sidecarPath(s.Path, s.desc.Format, id, KindBlocks)
}

func (s *Store) sidecar(id string, kind SidecarKind) string {
	return sidecarPath(s.Path, s.desc.Format, id, kind)
}

// checkInUse computes the derived in-use bitmask for id. It probe-opens
// the blocks file for writing with the given timeout; if anyone holds it,
// including a handle in this process, Opened is set.
func (s *Store) checkInUse(id string, timeout time.Duration) (InUse, error) {
	var status InUse

	h, err := s.registry.Open(s.blocksPath(id), filelock.ReadWrite, timeout, 0)
	if err != nil {
		status |= Opened
	} else {
		h.Close()
	}

	refs, err := readSidecarList(s.sidecar(id, KindRefs))
	if err == nil && len(refs) > 0 {
		status |= Mapped
	}
	deps, err := readSidecarList(s.sidecar(id, KindDeps))
	if err == nil && len(deps) > 0 {
		status |= Backed
	}
	return status, nil
}

// devicePath recomputes the blob's exposed device from its dm/loopback
// sidecars: the last dm entry if dm is non-empty, else the loopback
// device.
func (s *Store) devicePath(id string) (string, error) {
	names, err := readSidecarList(s.sidecar(id, KindDm))
	if err != nil {
		return "", err
	}
	if len(names) > 0 {
		return "/dev/mapper/" + names[len(names)-1], nil
	}
	return readSidecarString(s.sidecar(id, KindLoopback))
}

// CreateOrOpen creates a new blob or opens an existing one, depending on
// flags.
func (s *Store) CreateOrOpen(id string, sizeBlocks int64, flags OpenFlag, sig string, timeout time.Duration) (blob *Blob, err error) {
	const op = "blobstore.Store.CreateOrOpen"
	create := flags&FlagCreate != 0

	if id == "" && !create {
		return nil, newErr(op, KindInvalid, errors.New("id may be empty only with FlagCreate"))
	}
	if sizeBlocks == 0 && create {
		return nil, newErr(op, KindInvalid, errors.New("size_blocks must be non-zero with FlagCreate"))
	}
	if sizeBlocks != 0 && create && sizeBlocks > s.desc.LimitBlocks {
		return nil, newErr(op, KindNoSpace, nil)
	}
	if id == "" {
		id = genID()
	}

	lockHandle, err := s.Lock(timeout)
	if err != nil {
		return nil, err
	}

	createdDir := false
	createdBlob := false
	cleanup := func() {
		if lockHandle != nil {
			s.Unlock(lockHandle)
		}
		if createdDir || createdBlob {
			n, derr := s.deleteBlobFiles(id)
			if derr != nil {
				log.Warnf("blobstore: cleanup after failed create of %s: %v", id, derr)
			}
			log.Debugf("blobstore: cleaned up %d files for aborted create of %s", n, id)
		}
	}

	dirCreated, err := ensureDirs(s.Path, s.desc.Format, id)
	if err != nil {
		cleanup()
		return nil, wrapErrno(op, err, KindUnknown)
	}
	createdDir = dirCreated

	blocksPath := s.blocksPath(id)
	var mode filelock.Mode = filelock.ReadWrite
	if create {
		mode = filelock.Create
		if flags&FlagExclusive != 0 {
			mode |= filelock.Exclusive
		}
	}
	h, err := s.registry.Open(blocksPath, mode, timeout, 0600)
	if err != nil {
		cleanup()
		return nil, wrapErrno(op, err, KindUnknown)
	}

	fi, err := h.File.Stat()
	if err != nil {
		h.Close()
		cleanup()
		return nil, wrapErrno(op, err, KindUnknown)
	}

	if fi.Size() == 0 {
		createdBlob = true
		if err := s.reserveSpace(sizeBlocks, lockHandle); err != nil {
			h.Close()
			cleanup()
			return nil, err
		}
		if _, err := h.File.Seek(sizeBlocks*BlockSize-1, io.SeekStart); err != nil {
			h.Close()
			cleanup()
			return nil, wrapErrno(op, err, KindUnknown)
		}
		if _, err := h.File.Write([]byte{0}); err != nil {
			h.Close()
			cleanup()
			return nil, wrapErrno(op, err, KindUnknown)
		}
		if sig != "" {
			if err := writeSidecarString(s.sidecar(id, KindSig), sig); err != nil {
				h.Close()
				cleanup()
				return nil, wrapErrno(op, err, KindUnknown)
			}
		}
		log.Infof("blobstore: created blob %s (%d blocks)", id, sizeBlocks)
	} else {
		existingBlocks := fi.Size() / BlockSize
		if sizeBlocks == 0 {
			sizeBlocks = existingBlocks
		} else if sizeBlocks != existingBlocks {
			h.Close()
			cleanup()
			return nil, newErr(op, KindInvalid, errors.New("size of existing blob does not match"))
		}
		if sig != "" {
			stored, err := readSidecarString(s.sidecar(id, KindSig))
			if err != nil {
				h.Close()
				cleanup()
				return nil, wrapErrno(op, err, KindUnknown)
			}
			if stored != sig {
				h.Close()
				cleanup()
				return nil, newErr(op, KindSignatureMismatch, nil)
			}
		}
	}

	if err := s.ensureLoopback(id, blocksPath); err != nil {
		h.Close()
		cleanup()
		return nil, err
	}

	devicePath, err := s.devicePath(id)
	if err != nil {
		h.Close()
		cleanup()
		return nil, wrapErrno(op, err, KindUnknown)
	}

	if err := s.Unlock(lockHandle); err != nil {
		h.Close()
		return nil, err
	}
	lockHandle = nil

	return &Blob{
		Store:      s,
		ID:         id,
		SizeBlocks: sizeBlocks,
		DevicePath: devicePath,
		blocksPath: blocksPath,
		handle:     h,
	}, nil
}

// reserveSpace runs the scanner and, if needed and permitted, LRU
// eviction, to ensure want blocks are available.
func (s *Store) reserveSpace(want int64, lockHandle *filelock.Handle) error {
	const op = "blobstore.Store.reserveSpace"
	summaries, err := s.scan()
	if err != nil {
		return wrapErrno(op, err, KindUnknown)
	}
	purgeable, pinned := partitionSummaries(summaries)

	var allocated, inUse int64
	for _, b := range purgeable {
		allocated += b.SizeBlocks
	}
	for _, b := range pinned {
		inUse += b.SizeBlocks
	}
	free := s.desc.LimitBlocks - (allocated + inUse)
	if free >= want {
		return nil
	}
	if s.desc.Revocation != RevocationLRU || (free+allocated) < want {
		return newErr(op, KindNoSpace, nil)
	}
	need := want - free
	freed := s.purgeLRU(purgeable, need)
	if freed < need {
		return newErr(op, KindNoSpace, errors.New("could not purge enough from cache"))
	}
	return nil
}

// ensureLoopback reuses a recorded loopback device if it is still a
// valid block device, else attaches a fresh one.
func (s *Store) ensureLoopback(id, blocksPath string) error {
	const op = "blobstore.Store.ensureLoopback"
	loDev, err := readSidecarString(s.sidecar(id, KindLoopback))
	if err != nil {
		return wrapErrno(op, err, KindUnknown)
	}
	if loDev != "" {
		if system.IsBlockDevice(loDev) {
			return nil
		}
		log.Warnf("blobstore: recorded loopback %s for %s is no longer a block device, reattaching", loDev, id)
	}
	dev, err := s.Loopback.Attach(blocksPath)
	if err != nil {
		return newErr(op, KindUnknown, errors.Wrap(err, "attaching loopback device"))
	}
	if err := writeSidecarString(s.sidecar(id, KindLoopback), dev); err != nil {
		return wrapErrno(op, err, KindUnknown)
	}
	log.Infof("blobstore: attached %s to %s", dev, blocksPath)
	return nil
}

// loopRemove detaches the loopback device recorded for id, if any, and
// removes the sidecar.
func (s *Store) loopRemove(id string) error {
	loDev, err := readSidecarString(s.sidecar(id, KindLoopback))
	if err != nil {
		return err
	}
	if loDev == "" {
		return nil
	}
	if err := s.Loopback.Detach(loDev); err != nil {
		return errors.Wrapf(err, "detaching loopback device %s", loDev)
	}
	return removeSidecar(s.sidecar(id, KindLoopback))
}

// Close releases the blob's holder-side resources: best-effort loopback
// detach when nothing else needs the device, then release of the blocks
// file lock.
func (b *Blob) Close() error {
	const op = "blobstore.Blob.Close"
	inUse, _ := b.Store.checkInUse(b.ID, 0)
	if inUse&(Mapped|Backed) == 0 {
		if err := b.Store.loopRemove(b.ID); err != nil {
			log.Warnf("blobstore: best-effort loopback detach for %s failed: %v", b.ID, err)
		}
	}
	if b.handle == nil {
		return nil
	}
	err := b.handle.Close()
	b.handle = nil
	if err != nil {
		return wrapErrno(op, err, KindBadFd)
	}
	return nil
}

// deleteBlobFiles unlinks every sidecar of id and any now-empty
// directories its nested path created, returning the count removed.
func (s *Store) deleteBlobFiles(id string) (int, error) {
	count := 0
	for k := KindBlocks; k <= KindRefs; k++ {
		path := s.sidecar(id, k)
		if err := os.Remove(path); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}

	if s.desc.Format != FormatDirectory {
		return count, nil
	}
	dir := filepath.Join(s.Path, id)
	for {
		if dir == s.Path || dir == "." || dir == string(filepath.Separator) {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		count++
		dir = filepath.Dir(dir)
	}
	return count, nil
}

// Delete tears down dm devices, notifies dependencies, detaches
// loopback, and unlinks sidecars.
func (b *Blob) Delete(timeout time.Duration) error {
	const op = "blobstore.Blob.Delete"
	s := b.Store

	lockHandle, err := s.Lock(timeout)
	if err != nil {
		return err
	}
	defer s.Unlock(lockHandle)

	inUse, _ := s.checkInUse(b.ID, 0)
	if inUse&^(Opened|Backed) != 0 {
		return newErr(op, KindAgain, nil)
	}

	dmNames, err := readSidecarList(s.sidecar(b.ID, KindDm))
	if err != nil {
		return wrapErrno(op, err, KindUnknown)
	}
	if err := removeDMDevicesReversed(s.DM, dmNames); err != nil {
		return newErr(op, KindUnknown, err)
	}

	deps, err := readSidecarList(s.sidecar(b.ID, KindDeps))
	if err != nil {
		return wrapErrno(op, err, KindUnknown)
	}
	myRef := fmt.Sprintf("%s %s", s.Path, b.ID)
	for _, dep := range deps {
		storePath, depID, ok := splitDepEntry(dep)
		if !ok {
			log.Warnf("blobstore: malformed deps entry %q for %s, skipping", dep, b.ID)
			continue
		}
		depStore := s
		if storePath != s.Path {
			opened, err := Open(storePath, 0, FormatAny, RevocationAny, SnapshotAny)
			if err != nil {
				log.Warnf("blobstore: could not open dependency store %s: %v", storePath, err)
				continue
			}
			depStore = opened
		}
		if err := updateSidecarEntry(depStore.sidecar(depID, KindRefs), myRef, true); err != nil {
			log.Warnf("blobstore: could not update refs of %s in %s: %v", depID, storePath, err)
		}
		if inUseDep, _ := depStore.checkInUse(depID, 0); inUseDep == 0 {
			if err := depStore.loopRemove(depID); err != nil {
				log.Warnf("blobstore: best-effort loopback detach for dependency %s failed: %v", depID, err)
			}
		}
		if depStore != s {
			depStore.Close()
		}
	}

	if err := s.loopRemove(b.ID); err != nil {
		log.Warnf("blobstore: loopback detach during delete of %s failed: %v", b.ID, err)
	}
	if b.handle != nil {
		if err := b.handle.Close(); err != nil {
			return wrapErrno(op, err, KindBadFd)
		}
		b.handle = nil
	}
	n, err := s.deleteBlobFiles(b.ID)
	if err != nil {
		return wrapErrno(op, err, KindUnknown)
	}
	if n == 0 {
		return newErr(op, KindUnknown, errors.New("delete removed nothing"))
	}
	return nil
}

func splitDepEntry(entry string) (storePath, blobID string, ok bool) {
	idx := strings.LastIndexByte(entry, ' ')
	if idx < 0 {
		return "", "", false
	}
	storePath, blobID = entry[:idx], entry[idx+1:]
	if storePath == "" || blobID == "" {
		return "", "", false
	}
	return storePath, blobID, true
}

// removeDMDevicesReversed removes dm devices in reverse of creation
// order, with duplicate names collapsed.
func removeDMDevicesReversed(adapter interface{ Remove(string) error }, names []string) error {
	seen := make(map[string]bool, len(names))
	var ordered []string
	for i := len(names) - 1; i >= 0; i-- {
		n := names[i]
		if seen[n] {
			continue
		}
		seen[n] = true
		ordered = append(ordered, n)
	}
	for _, n := range ordered {
		if err := adapter.Remove(n); err != nil {
			return errors.Wrapf(err, "removing dm device %s", n)
		}
	}
	return nil
}
