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

//go:build linux

package system

import (
	"os"

	"golang.org/x/sys/unix"
)

// GetBlockDeviceSize returns the size, in bytes, of the block device
// backing file, via the BLKGETSIZE64 ioctl.
func GetBlockDeviceSize(file *os.File) (uint64, error) {
	return unix.IoctlGetUint64(int(file.Fd()), unix.BLKGETSIZE64)
}

// GetBlockDeviceSectorSize returns the logical sector size of the block
// device backing file (BLKSSZGET).
func GetBlockDeviceSectorSize(file *os.File) (int, error) {
	return unix.IoctlGetInt(int(file.Fd()), unix.BLKSSZGET)
}

// IsBlockDevice reports whether path names a block device.
func IsBlockDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK
}
