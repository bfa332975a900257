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
package loopback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAttacherAssignsDistinctDevices(t *testing.T) {
	f := NewFakeAttacher()

	d1, err := f.Attach("/store/a.blocks")
	require.NoError(t, err)
	d2, err := f.Attach("/store/b.blocks")
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)

	backing, ok := f.BackingFile(d1)
	require.True(t, ok)
	assert.Equal(t, "/store/a.blocks", backing)
}

func TestFakeAttacherDetachForgetsDevice(t *testing.T) {
	f := NewFakeAttacher()
	d1, err := f.Attach("/store/a.blocks")
	require.NoError(t, err)

	require.NoError(t, f.Detach(d1))
	_, ok := f.BackingFile(d1)
	assert.False(t, ok)
}
