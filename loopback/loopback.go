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

// Package loopback attaches/detaches a regular file as a /dev/loopN block
// device. It is a narrow, swappable adapter around losetup, isolated
// behind system.Commander instead of inlining exec.Command calls.
package loopback

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/mendersoftware/blobstore/system"
)

// Attacher attaches/detaches loopback devices. The real implementation
// shells out to losetup; tests use a FakeAttacher instead.
type Attacher interface {
	Attach(filePath string) (devicePath string, err error)
	Detach(devicePath string) error
}

// LosetupAttacher is the real Attacher, shelling out to losetup(8).
type LosetupAttacher struct {
	Commander system.Commander
}

// NewLosetupAttacher returns an Attacher backed by the real losetup(8)
// binary.
func NewLosetupAttacher() *LosetupAttacher {
	return &LosetupAttacher{Commander: system.OsCalls{}}
}

func (l *LosetupAttacher) Attach(filePath string) (string, error) {
	cmd := l.Commander.Command("losetup", "--find", "--show", filePath)
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "losetup --find --show %s", filePath)
	}
	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return "", errors.Errorf("losetup returned no device for %s", filePath)
	}
	return dev, nil
}

func (l *LosetupAttacher) Detach(devicePath string) error {
	cmd := l.Commander.Command("losetup", "--detach", devicePath)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "losetup --detach %s", devicePath)
	}
	return nil
}
