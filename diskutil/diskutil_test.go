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
package diskutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeFile(t *testing.T, name string, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestCopyMovesExactByteRange(t *testing.T) {
	const blockSize = 512
	src := makeFile(t, "src", 8*blockSize)
	dst := makeFile(t, "dst", 8*blockSize)

	payload := bytes.Repeat([]byte{0x7E}, int(3*blockSize))
	f, err := os.OpenFile(src, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(payload, 2*blockSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := Copy(src, dst, blockSize, 3, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got[blockSize:4*blockSize])
}

func TestCopyRejectsMissingSource(t *testing.T) {
	dst := makeFile(t, "dst", 512)
	_, err := Copy(filepath.Join(t.TempDir(), "missing"), dst, 512, 1, 0, 0)
	assert.Error(t, err)
}

func TestZeroFillsRange(t *testing.T) {
	const blockSize = 512
	path := makeFile(t, "z", 4*blockSize)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0x9F}, 4*blockSize), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, Zero(path, blockSize, 2, 1))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte(0x9F), got[0])
	assert.Equal(t, byte(0), got[blockSize])
	assert.Equal(t, byte(0), got[3*blockSize-1])
	assert.Equal(t, byte(0x9F), got[3*blockSize])
}
