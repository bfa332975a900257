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

// Package dm is the narrow device-mapper adapter the composition engine
// needs: create/remove/suspend/resume of dm targets, defined as an
// interface so tests can substitute an in-memory fake that records target
// tables. The real Adapter shells out to dmsetup(8) via system.Commander.
package dm

import (
	"bytes"
	"time"

	"github.com/pkg/errors"

	"github.com/mendersoftware/blobstore/system"
)

// Adapter is the device-mapper control surface a composition engine
// needs: create, remove (with one automatic retry), and suspend+resume
// to materialize mapping changes.
type Adapter interface {
	Create(name, table string) error
	Remove(name string) error
	SuspendResume(name string) error
}

// removeRetryBackoff is the pause between the single automatic retry
// Remove performs.
var removeRetryBackoff = 100 * time.Microsecond

// DmsetupAdapter is the real Adapter, invoking /sbin/dmsetup with the
// target table piped to its standard input.
type DmsetupAdapter struct {
	Commander system.Commander
	Binary    string
}

// NewDmsetupAdapter returns an Adapter backed by the real dmsetup binary.
func NewDmsetupAdapter() *DmsetupAdapter {
	return &DmsetupAdapter{Commander: system.OsCalls{}, Binary: "/sbin/dmsetup"}
}

func (d *DmsetupAdapter) bin() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "/sbin/dmsetup"
}

func (d *DmsetupAdapter) Create(name, table string) error {
	cmd := d.Commander.Command(d.bin(), "create", name)
	cmd.Stdin = bytes.NewBufferString(table)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "dmsetup create %s", name)
	}
	return nil
}

func (d *DmsetupAdapter) Remove(name string) error {
	cmd := d.Commander.Command(d.bin(), "remove", name)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	time.Sleep(removeRetryBackoff)
	cmd = d.Commander.Command(d.bin(), "remove", name)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "dmsetup remove %s", name)
	}
	return nil
}

func (d *DmsetupAdapter) SuspendResume(name string) error {
	if err := d.Commander.Command(d.bin(), "suspend", name).Run(); err != nil {
		return errors.Wrapf(err, "dmsetup suspend %s", name)
	}
	if err := d.Commander.Command(d.bin(), "resume", name).Run(); err != nil {
		return errors.Wrapf(err, "dmsetup resume %s", name)
	}
	return nil
}
