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
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/blobstore/dm"
	"github.com/mendersoftware/blobstore/loopback"
)

// withFakeBlockDevices makes every path look like a block device to
// Clone's validation, the way production validation would see real
// loopback/dm devices that do not exist on the machine running these
// tests.
func withFakeBlockDevices(t *testing.T) {
	t.Helper()
	prev := isBlockDevice
	isBlockDevice = func(string) bool { return true }
	t.Cleanup(func() { isBlockDevice = prev })
}

func newCloneTestStore(t *testing.T) (*Store, *dm.FakeAdapter, *loopback.FakeAttacher) {
	t.Helper()
	attacher := loopback.NewFakeAttacher()
	var adapter *dm.FakeAdapter
	resolve := func(path string, offset, length int64) ([]byte, error) {
		backing, ok := attacher.BackingFile(path)
		if !ok {
			return nil, os.ErrNotExist
		}
		f, err := os.Open(backing)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, offset); err != nil {
			return nil, err
		}
		return buf, nil
	}
	adapter = dm.NewFakeAdapter(BlockSize, resolve)

	s, err := Open(t.TempDir(), 4096, FormatFiles, RevocationNone, SnapshotDeviceMapper)
	require.NoError(t, err)
	s.DM = adapter
	s.Loopback = attacher
	return s, adapter, attacher
}

func writeBlocksAt(t *testing.T, path string, blockOffset int64, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt(data, blockOffset*BlockSize)
	require.NoError(t, err)
}

func TestCloneCopyMaterializesBytesInPlace(t *testing.T) {
	withFakeBlockDevices(t)
	s, _, _ := newCloneTestStore(t)

	src, err := s.CreateOrOpen("src", 8, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0xAB}, int(BlockSize))
	writeBlocksAt(t, s.blocksPath(src.ID), 0, payload)

	dst, err := s.CreateOrOpen("dst", 8, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)

	// Copy reads and writes the device paths directly; the fake attacher's
	// /dev/loopN paths are not real files, so point both blobs at their
	// backing files, the way a real loopback device exposes them.
	src.DevicePath = s.blocksPath(src.ID)
	dst.DevicePath = s.blocksPath(dst.ID)

	err = dst.Clone([]BlockMapEntry{{
		Relation:      RelationCopy,
		SourceType:    SourceBlob,
		SourceBlob:    src,
		FirstBlockSrc: 0,
		FirstBlockDst: 0,
		LenBlocks:     1,
	}})
	require.NoError(t, err)

	got, err := os.ReadFile(s.blocksPath(dst.ID))
	require.NoError(t, err)
	assert.Equal(t, payload, got[:len(payload)])
}

func TestCloneMapBuildsLinearTarget(t *testing.T) {
	withFakeBlockDevices(t)
	s, adapter, _ := newCloneTestStore(t)

	src, err := s.CreateOrOpen("src", 8, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x5A}, int(BlockSize))
	writeBlocksAt(t, s.blocksPath(src.ID), 0, payload)

	dst, err := s.CreateOrOpen("dst", 8, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)

	err = dst.Clone([]BlockMapEntry{{
		Relation:      RelationMap,
		SourceType:    SourceBlob,
		SourceBlob:    src,
		FirstBlockSrc: 0,
		FirstBlockDst: 0,
		LenBlocks:     1,
	}})
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/euca-dst", dst.DevicePath)

	got, err := adapter.ReadAt(dst.DevicePath, 0, BlockSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	deps, err := readSidecarList(s.sidecar(dst.ID, KindDeps))
	require.NoError(t, err)
	assert.Contains(t, deps, s.Path+" src")
	refs, err := readSidecarList(s.sidecar(src.ID, KindRefs))
	require.NoError(t, err)
	assert.Contains(t, refs, s.Path+" dst")
}

func TestCloneSnapshotIsolatesSubsequentOriginWrites(t *testing.T) {
	withFakeBlockDevices(t)
	s, adapter, _ := newCloneTestStore(t)

	origin, err := s.CreateOrOpen("origin", 64, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)
	before := bytes.Repeat([]byte{0x11}, 32*int(BlockSize))
	writeBlocksAt(t, s.blocksPath(origin.ID), 0, before)

	dst, err := s.CreateOrOpen("snap-dst", 32, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)

	err = dst.Clone([]BlockMapEntry{{
		Relation:      RelationSnapshot,
		SourceType:    SourceBlob,
		SourceBlob:    origin,
		FirstBlockSrc: 0,
		FirstBlockDst: 0,
		LenBlocks:     32,
	}})
	require.NoError(t, err)

	got, err := adapter.ReadAt(dst.DevicePath, 0, 32*BlockSize)
	require.NoError(t, err)
	assert.Equal(t, before, got)

	after := bytes.Repeat([]byte{0x22}, 32*int(BlockSize))
	writeBlocksAt(t, s.blocksPath(origin.ID), 0, after)

	stillOld, err := adapter.ReadAt(dst.DevicePath, 0, 32*BlockSize)
	require.NoError(t, err)
	assert.Equal(t, before, stillOld, "snapshot must not reflect writes to origin made after Clone")
}

func TestCloneRejectsSnapshotBelowMinimumSize(t *testing.T) {
	withFakeBlockDevices(t)
	s, _, _ := newCloneTestStore(t)

	origin, err := s.CreateOrOpen("origin", 64, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)
	dst, err := s.CreateOrOpen("small-dst", 64, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)

	err = dst.Clone([]BlockMapEntry{{
		Relation:      RelationSnapshot,
		SourceType:    SourceBlob,
		SourceBlob:    origin,
		FirstBlockSrc: 0,
		FirstBlockDst: 0,
		LenBlocks:     MinBlocksSnapshot - 1,
	}})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, KindInvalid, berr.Kind)
}

func TestCloneRejectsEmptyBlockMap(t *testing.T) {
	withFakeBlockDevices(t)
	s, _, _ := newCloneTestStore(t)
	dst, err := s.CreateOrOpen("dst", 8, FlagCreate, "", StoreLockTimeout)
	require.NoError(t, err)

	err = dst.Clone(nil)
	require.Error(t, err)
}

func TestGranularityPicksLargestPowerOfTwoDividingLength(t *testing.T) {
	assert.Equal(t, int64(16), granularity(64))
	assert.Equal(t, int64(8), granularity(24))
	assert.Equal(t, int64(1), granularity(33))
	assert.Equal(t, int64(2), granularity(2))
}

func TestDmBaseNameReplacesSlashes(t *testing.T) {
	assert.Equal(t, "euca-a-b-c", dmBaseName("a/b/c"))
}
