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
package filelock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenReadWriteExcludesSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile")
	reg := NewRegistry()

	h1, err := reg.Open(path, Create, NoWait, 0600)
	require.NoError(t, err)

	_, err = reg.Open(path, ReadWrite, NoWait, 0600)
	assert.Error(t, err, "a second exclusive lock on the same path must not be granted immediately")

	require.NoError(t, h1.Close())

	h2, err := reg.Open(path, ReadWrite, NoWait, 0600)
	require.NoError(t, err)
	require.NoError(t, h2.Close())
}

func TestOpenReadOnlyAllowsMultipleReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile")
	reg := NewRegistry()

	h1, err := reg.Open(path, Create, NoWait, 0600)
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	r1, err := reg.Open(path, ReadOnly, NoWait, 0)
	require.NoError(t, err)
	r2, err := reg.Open(path, ReadOnly, NoWait, 0)
	require.NoError(t, err)

	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())
}

func TestCreateExclusiveFailsIfAlreadyPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile")
	reg := NewRegistry()

	h1, err := reg.Open(path, Create|Exclusive, NoWait, 0600)
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	_, err = reg.Open(path, Create|Exclusive, NoWait, 0600)
	assert.Error(t, err)
}

func TestMaxConcurrentLocksOnOnePathThenOneReleaseUnblocksOneMore(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	prevMax := MaxConcurrent
	MaxConcurrent = 4
	t.Cleanup(func() { MaxConcurrent = prevMax })

	created, err := reg.Open(filepath.Join(dir, "f"), Create, NoWait, 0600)
	require.NoError(t, err)
	require.NoError(t, created.Close())

	var handles []*Handle
	for i := 0; i < MaxConcurrent; i++ {
		h, err := reg.Open(filepath.Join(dir, "f"), ReadOnly, NoWait, 0)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	_, err = reg.Open(filepath.Join(dir, "f"), ReadOnly, NoWait, 0)
	assert.Error(t, err, "the slot table is full, one more concurrent open must fail")

	require.NoError(t, handles[0].Close())
	handles = handles[1:]

	h, err := reg.Open(filepath.Join(dir, "f"), ReadOnly, NoWait, 0)
	assert.NoError(t, err, "releasing one holder must free a slot for a new one")
	if h != nil {
		handles = append(handles, h)
	}

	for _, h := range handles {
		require.NoError(t, h.Close())
	}
}

func TestDoubleCloseReportsBadFd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile")
	reg := NewRegistry()
	h, err := reg.Open(path, Create, NoWait, 0600)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Error(t, h.Close())
}
