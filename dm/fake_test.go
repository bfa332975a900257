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
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blockSize = 512

func TestFakeAdapterLinearReadsUnderlyingResolvedDevice(t *testing.T) {
	backing := bytes.Repeat([]byte{0x42}, 4*blockSize)
	resolve := func(path string, offset, length int64) ([]byte, error) {
		if path != "/dev/loop7" {
			return nil, fmt.Errorf("unexpected path %s", path)
		}
		return backing[offset : offset+length], nil
	}
	a := NewFakeAdapter(blockSize, resolve)

	require.NoError(t, a.Create("euca-x", "0 4 linear /dev/loop7 0\n"))

	got, err := a.ReadAt("euca-x", 0, 4*blockSize)
	require.NoError(t, err)
	assert.Equal(t, backing, got)
}

func TestFakeAdapterZeroReadsZeroes(t *testing.T) {
	a := NewFakeAdapter(blockSize, nil)
	require.NoError(t, a.Create("euca-zero", "0 8 zero\n"))

	got, err := a.ReadAt("euca-zero", 0, 8*blockSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8*blockSize), got)
}

func TestFakeAdapterSnapshotCapturesOriginAtCreateTime(t *testing.T) {
	backing := bytes.Repeat([]byte{0x01}, 4*blockSize)
	resolve := func(path string, offset, length int64) ([]byte, error) {
		out := make([]byte, length)
		copy(out, backing[offset:offset+length])
		return out, nil
	}
	a := NewFakeAdapter(blockSize, resolve)

	require.NoError(t, a.Create("euca-x-back", "0 4 linear /dev/loop0 0\n"))
	require.NoError(t, a.Create("euca-x-snap", "0 4 snapshot /dev/loop7 /dev/mapper/euca-x-back p 4\n"))

	// mutate what resolve would now return; the snapshot must not see it
	for i := range backing {
		backing[i] = 0xFF
	}

	got, err := a.ReadAt("euca-x-snap", 0, 4*blockSize)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 4*blockSize), got)
}

func TestFakeAdapterRemoveThenReadFails(t *testing.T) {
	a := NewFakeAdapter(blockSize, nil)
	require.NoError(t, a.Create("euca-x", "0 1 zero\n"))
	require.NoError(t, a.Remove("euca-x"))

	_, err := a.ReadAt("euca-x", 0, blockSize)
	assert.Error(t, err)
}
