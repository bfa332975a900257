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

import "time"

// Tunables, collected here as package-level vars rather than a config
// file: there is no separate configuration format for this module, the
// store descriptor already plays that role.
var (
	// MaxConcurrentLocks has the same value as filelock.MaxConcurrent,
	// the descriptor-table bound of a single filelock.Registry entry.
	// The registry reads filelock.MaxConcurrent, not this variable, so
	// changing it does not change the bound.
	MaxConcurrentLocks = 99

	// LockPollInterval has the same value as filelock.PollInterval, the
	// sleep between non-blocking lock retries. The registry reads
	// filelock.PollInterval, not this variable, so changing it does not
	// change the interval.
	LockPollInterval = 99 * time.Millisecond

	// StoreLockTimeout is the default timeout used for the shared open of
	// an existing store descriptor.
	StoreLockTimeout = time.Second

	// MinBlocksSnapshot is the minimum length, in 512-byte blocks, of a
	// Snapshot block-map entry.
	MinBlocksSnapshot int64 = 32

	// MaxBlockMapEntries bounds a single Clone call's block map.
	MaxBlockMapEntries = 512

	// BlockSize is the accounting unit for all sizes in this module.
	BlockSize int64 = 512

	// ZeroDeviceName is the well-known name of the process-global
	// "zero" dm target created on first demand.
	ZeroDeviceName = "euca-zero"

	// ZeroDeviceSizeBlocks is the size, in blocks, of the zero device: 2 TiB.
	ZeroDeviceSizeBlocks int64 = 2 * 1024 * 1024 * 1024 * 1024 / 512
)
