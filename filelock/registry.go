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

// Package filelock provides a process-global registry of combined
// intra-process/inter-process locks on file paths. OS advisory locks
// (flock(2), via golang.org/x/sys/unix) are per-process, not
// per-thread/goroutine; stacking an intra-process sync.RWMutex on top of
// them gives goroutine-safe nesting while still serializing against other
// processes sharing the same store directory.
package filelock

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	log "github.com/sirupsen/logrus"
)

// Mode selects the kind of lock requested by Open.
type Mode int

const (
	// ReadOnly opens O_RDONLY and takes a shared lock.
	ReadOnly Mode = iota
	// ReadWrite opens O_RDWR and takes an exclusive lock.
	ReadWrite
	// Create opens O_RDWR|O_CREAT and takes an exclusive lock. Combine
	// with Exclusive to additionally require O_EXCL.
	Create
)

// Exclusive is an additional bit, ORed into the flags passed to Open,
// that forbids pre-existence when combined with Create.
const Exclusive = 1 << 8

// Special timeout values.
const (
	NoTimeout = time.Duration(-1) // wait forever
	NoWait    = time.Duration(0)  // do not wait at all
)

// Sentinel errno-shaped errors returned by Open/Close. Callers compare
// with errors.Is; the parent blobstore package's error-Kind mapping
// recognizes these the same way it recognizes any other unix.Errno.
var (
	errTooManyOpen = unix.EMFILE
	errAgain       = unix.EAGAIN
	errBadFd       = unix.EBADF
)

// MaxConcurrent bounds the descriptor table of a single registry entry.
var MaxConcurrent = 99

// PollInterval is how long Open sleeps between non-blocking lock retries.
var PollInterval = 99 * time.Millisecond

// kind of intra-process lock an entry was created with; a single entry
// must not mix shared and exclusive holders.
type lockKind int

const (
	shared lockKind = iota
	exclusive
)

// entry is the per-path lock state: the agreed lock kind, the
// intra-process reader/writer lock, and a descriptor table of open file
// descriptors all currently holding the OS lock on this path.
type entry struct {
	kind  lockKind
	rw    sync.RWMutex
	mu    sync.Mutex // guards fds/refs below
	fds   []int
	slots []bool // slots[i] true while fds[i] is open
	refs  int
}

// Registry is a process-wide mapping from canonical path to *entry. A
// single Registry instance is meant to be shared by every Store/Blob
// opened in one process; DefaultRegistry below is what this module's
// Store/Blob code actually uses.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty, ready-to-use registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// DefaultRegistry is the process-global registry used by the blobstore
// package: a single shared table of lock state, process-wide mutable
// state by design so every Store/Blob in the process agrees on who
// holds what.
var DefaultRegistry = NewRegistry()

// Handle is a held lock: an open file descriptor plus bookkeeping needed
// to release it correctly.
type Handle struct {
	File *os.File
	path string
	idx  int
	reg  *Registry
}

func modeKind(mode Mode) (lockKind, error) {
	switch mode {
	case ReadOnly:
		return shared, nil
	case ReadWrite, Create:
		return exclusive, nil
	default:
		return 0, unix.EINVAL
	}
}

// Open acquires a combined intra-process + OS advisory lock on path,
// opening (and for Create, creating) the file as needed, and returns a
// Handle on success. deadline is computed from timeout at call time;
// pass NoTimeout to wait forever, NoWait to fail immediately if the lock
// is held.
func (r *Registry) Open(path string, mode Mode, timeout time.Duration, perm os.FileMode) (*Handle, error) {
	kind, err := modeKind(mode &^ Exclusive)
	if err != nil {
		return nil, unix.EINVAL
	}

	oflags := os.O_RDONLY
	switch mode &^ Exclusive {
	case ReadWrite:
		oflags = os.O_RDWR
	case Create:
		oflags = os.O_RDWR | os.O_CREATE
		if mode&Exclusive != 0 {
			oflags |= os.O_EXCL
		}
	}

	r.mu.Lock()
	e, ok := r.entries[path]
	if !ok {
		e = &entry{kind: kind}
		r.entries[path] = e
	} else if e.kind != kind {
		r.mu.Unlock()
		return nil, unix.EINVAL
	}
	if len(e.slots) >= MaxConcurrent && freeSlot(e) < 0 {
		r.mu.Unlock()
		return nil, errTooManyOpen
	}
	e.refs++
	r.mu.Unlock()

	deadline := time.Time{}
	hasDeadline := timeout != NoTimeout
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	f, err := os.OpenFile(path, oflags, perm)
	if err != nil {
		r.releaseRef(path, e)
		return nil, err
	}

	rwAcquired := false
	for {
		var ok bool
		if kind == exclusive {
			ok = e.rw.TryLock()
		} else {
			ok = e.rw.TryRLock()
		}
		if ok {
			rwAcquired = true
			how := unix.LOCK_SH | unix.LOCK_NB
			if kind == exclusive {
				how = unix.LOCK_EX | unix.LOCK_NB
			}
			ferr := unix.Flock(int(f.Fd()), how)
			if ferr == nil {
				break
			}
			if ferr != unix.EAGAIN && ferr != unix.EWOULDBLOCK {
				f.Close()
				if kind == exclusive {
					e.rw.Unlock()
				} else {
					e.rw.RUnlock()
				}
				r.releaseRef(path, e)
				return nil, ferr
			}
			if kind == exclusive {
				e.rw.Unlock()
			} else {
				e.rw.RUnlock()
			}
			rwAcquired = false
		}
		if hasDeadline && !time.Now().Before(deadline) {
			f.Close()
			r.releaseRef(path, e)
			return nil, errAgain
		}
		log.Debugf("filelock: %s still held, retrying", path)
		time.Sleep(PollInterval)
	}
	_ = rwAcquired

	e.mu.Lock()
	idx := freeSlot(e)
	if idx < 0 {
		e.fds = append(e.fds, int(f.Fd()))
		e.slots = append(e.slots, true)
		idx = len(e.fds) - 1
	} else {
		e.fds[idx] = int(f.Fd())
		e.slots[idx] = true
	}
	e.mu.Unlock()

	return &Handle{File: f, path: path, idx: idx, reg: r}, nil
}

func freeSlot(e *entry) int {
	for i, used := range e.slots {
		if !used {
			return i
		}
	}
	return -1
}

func (r *Registry) releaseRef(path string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, path)
	}
}

// Close releases a Handle acquired from Open. Closing any one descriptor
// on a path releases the OS lock for the whole process, so when the last
// reference to the entry goes away, every descriptor is closed in one
// pass. Double-close reports unix.EBADF.
func (h *Handle) Close() error {
	if h == nil || h.File == nil {
		return errBadFd
	}
	r := h.reg
	r.mu.Lock()
	e, ok := r.entries[h.path]
	if !ok {
		r.mu.Unlock()
		return errBadFd
	}
	r.mu.Unlock()

	e.mu.Lock()
	if h.idx >= len(e.slots) || !e.slots[h.idx] {
		e.mu.Unlock()
		return errBadFd
	}
	e.slots[h.idx] = false
	e.refs--
	last := e.refs == 0
	var fds []int
	if last {
		fds = append(fds, e.fds...)
	}
	e.mu.Unlock()

	if last {
		r.mu.Lock()
		delete(r.entries, h.path)
		r.mu.Unlock()
		if e.kind == exclusive {
			e.rw.Unlock()
		} else {
			e.rw.RUnlock()
		}
		for _, fd := range fds {
			if fd == int(h.File.Fd()) {
				h.File.Close()
			} else {
				unix.Close(fd)
			}
		}
	}
	h.File = nil
	return nil
}
