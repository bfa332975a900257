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

// Package system wraps the OS-level primitives the blobstore's external
// collaborators (loopback, device-mapper) are built on: block-device size
// queries and a mockable Commander for shelling out to losetup/dmsetup.
package system

import (
	"os"
	"os/exec"
)

// Commander abstracts process creation so tests can substitute a fake
// that records invocations instead of actually forking losetup/dmsetup.
type Commander interface {
	Command(name string, arg ...string) *Cmd
}

// Cmd is a thin wrapper around exec.Cmd, whose sole purpose is to give
// tests something to intercept.
type Cmd struct {
	*exec.Cmd
}

// OsCalls is the real Commander, forking actual OS processes.
type OsCalls struct{}

func (OsCalls) Command(name string, arg ...string) *Cmd {
	cmd := &Cmd{Cmd: exec.Command(name, arg...)}
	cmd.Stderr = os.Stderr
	return cmd
}
