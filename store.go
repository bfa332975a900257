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
	"crypto/rand"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/blobstore/dm"
	"github.com/mendersoftware/blobstore/filelock"
	"github.com/mendersoftware/blobstore/loopback"
)

const metadataFileName = ".blobstore"

// Store is an open handle on a store directory. It is safe for
// concurrent use by multiple goroutines, and by multiple processes
// sharing the same root directory: mutation that must be linearized
// across the whole store (scan, LRU, allocation) goes through Lock/Unlock,
// which hold an exclusive lock on ".blobstore".
type Store struct {
	Path string
	desc descriptor

	// DM and Loopback are the external collaborators; they default to
	// the real dmsetup/losetup-backed implementations but may be
	// swapped for fakes in tests.
	DM       dm.Adapter
	Loopback loopback.Attacher

	registry *filelock.Registry
}

// ID returns the store's generated identifier.
func (s *Store) ID() string { return s.desc.ID }

// LimitBlocks returns the store's size cap, in 512-byte blocks.
func (s *Store) LimitBlocks() int64 { return s.desc.LimitBlocks }

// Format returns the store's sidecar layout.
func (s *Store) Format() Format { return s.desc.Format }

// Revocation returns the store's capacity-reclamation policy.
func (s *Store) Revocation() RevocationPolicy { return s.desc.Revocation }

// Snapshot returns the store's composition policy.
func (s *Store) Snapshot() SnapshotPolicy { return s.desc.Snapshot }

func genID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back
		// to a timestamp-derived id rather than panicking.
		return fmt.Sprintf("%024x", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

// Open opens, creating if necessary, the store rooted at path.
// limitBlocks/format/revocation/snapshot are "Any" zero values to accept
// whatever the store was created with; a non-Any value that disagrees
// with the on-disk descriptor fails with ErrInvalid.
func Open(path string, limitBlocks int64, format Format, revocation RevocationPolicy, snapshot SnapshotPolicy) (*Store, error) {
	const op = "blobstore.Open"
	metaPath := filepath.Join(path, metadataFileName)

	reg := filelock.DefaultRegistry

	// Step 1: race to create the descriptor exclusively. Losing the race
	// (Exists/Again) is expected and not fatal.
	h, err := reg.Open(metaPath, filelock.Create|filelock.Exclusive, filelock.NoWait, 0600)
	if err == nil {
		d := &descriptor{
			ID:          genID(),
			LimitBlocks: limitBlocks,
			Format:      format,
			Revocation:  revocation,
			Snapshot:    snapshot,
		}
		if d.Format == FormatAny {
			d.Format = FormatFiles
		}
		if d.Revocation == RevocationAny {
			d.Revocation = RevocationNone
		}
		if d.Snapshot == SnapshotAny {
			d.Snapshot = SnapshotDeviceMapper
		}
		if _, werr := h.File.Write(encodeDescriptor(d)); werr != nil {
			h.Close()
			return nil, wrapErrno(op, werr, KindUnknown)
		}
		if cerr := h.Close(); cerr != nil {
			return nil, wrapErrno(op, cerr, KindUnknown)
		}
		log.Infof("blobstore: created store %s (id=%s)", path, d.ID)
	} else if mapErrno(err) != KindExists && mapErrno(err) != KindAgain {
		return nil, wrapErrno(op, err, KindUnknown)
	}

	// Step 2: (re)open with a shared lock and read the descriptor back.
	h, err = reg.Open(metaPath, filelock.ReadOnly, StoreLockTimeout, 0)
	if err != nil {
		return nil, wrapErrno(op, err, KindUnknown)
	}
	defer h.Close()

	data := make([]byte, 65536)
	n, err := h.File.Read(data)
	if err != nil && n == 0 {
		return nil, newErr(op, KindUnknown, errors.Wrap(err, "reading store descriptor"))
	}
	d, err := decodeDescriptor(data[:n])
	if err != nil {
		return nil, newErr(op, KindInvalid, err)
	}

	if limitBlocks != 0 && limitBlocks != d.LimitBlocks {
		return nil, newErr(op, KindInvalid, errors.New("limit_blocks does not match existing store"))
	}
	if snapshot != SnapshotAny && snapshot != d.Snapshot {
		return nil, newErr(op, KindInvalid, errors.New("snapshot_policy does not match existing store"))
	}
	if format != FormatAny && format != d.Format {
		return nil, newErr(op, KindInvalid, errors.New("format does not match existing store"))
	}
	if revocation != RevocationAny && revocation != d.Revocation {
		return nil, newErr(op, KindInvalid, errors.New("revocation_policy does not match existing store"))
	}

	return &Store{
		Path:     path,
		desc:     *d,
		DM:       dm.NewDmsetupAdapter(),
		Loopback: loopback.NewLosetupAttacher(),
		registry: reg,
	}, nil
}

// Lock acquires an exclusive lock on the store's descriptor file,
// serializing scan, LRU reclamation, and allocation against every other
// process sharing the store. Returns a Handle that must be passed to
// Unlock.
func (s *Store) Lock(timeout time.Duration) (*filelock.Handle, error) {
	metaPath := filepath.Join(s.Path, metadataFileName)
	h, err := s.registry.Open(metaPath, filelock.ReadWrite, timeout, 0)
	if err != nil {
		return nil, wrapErrno("blobstore.Store.Lock", err, KindUnknown)
	}
	return h, nil
}

// Unlock releases a Handle obtained from Lock.
func (s *Store) Unlock(h *filelock.Handle) error {
	if err := h.Close(); err != nil {
		return wrapErrno("blobstore.Store.Unlock", err, KindBadFd)
	}
	return nil
}

// Close releases in-memory state. It never touches the store directory.
func (s *Store) Close() error {
	return nil
}

// Delete is unimplemented: it always fails, since removing a whole store
// directory while other processes may hold locks or open blobs inside it
// has no safe definition yet.
func (s *Store) Delete() error {
	return newErr("blobstore.Store.Delete", KindUnknown, errors.New("not implemented"))
}
