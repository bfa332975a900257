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
	"fmt"
	"sync"
)

// FakeAttacher is an in-memory Attacher for unit tests: no kernel access,
// just a counter handing out made-up /dev/loopN paths and a set tracking
// which ones are currently attached, analogous to store.MockStore.
type FakeAttacher struct {
	mu       sync.Mutex
	next     int
	attached map[string]string // device path -> backing file
}

// NewFakeAttacher returns a ready-to-use FakeAttacher.
func NewFakeAttacher() *FakeAttacher {
	return &FakeAttacher{attached: make(map[string]string)}
}

func (f *FakeAttacher) Attach(filePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := fmt.Sprintf("/dev/loop%d", f.next)
	f.next++
	f.attached[dev] = filePath
	return dev, nil
}

func (f *FakeAttacher) Detach(devicePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, devicePath)
	return nil
}

// BackingFile reports which file a fake device was attached to, for
// assertions in tests.
func (f *FakeAttacher) BackingFile(devicePath string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, ok := f.attached[devicePath]
	return path, ok
}
