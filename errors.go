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

// Package blobstore implements a local, directory-rooted repository of
// fixed-size, block-aligned binary objects ("blobs"), their metadata,
// inter-blob dependency graph, and the loopback/device-mapper devices
// that expose them.
package blobstore

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind classifies a blobstore error into a fixed taxonomy so callers can
// branch on failure class without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoEntry
	KindNoMemory
	KindAccessDenied
	KindExists
	KindInvalid
	KindNoSpace
	KindAgain
	KindTooManyOpen
	KindBadFd
	KindSignatureMismatch
)

func (k Kind) String() string {
	switch k {
	case KindNoEntry:
		return "no such entry"
	case KindNoMemory:
		return "out of memory"
	case KindAccessDenied:
		return "access denied"
	case KindExists:
		return "already exists"
	case KindInvalid:
		return "invalid argument"
	case KindNoSpace:
		return "no space left in store"
	case KindAgain:
		return "would block"
	case KindTooManyOpen:
		return "too many open locks"
	case KindBadFd:
		return "bad file descriptor"
	case KindSignatureMismatch:
		return "signature mismatch"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by every exported operation in this
// module. It carries the failing operation's name and a Kind so that
// callers can recover the failure class with errors.As, while Error()
// still yields a normal wrapped message via pkg/errors.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, ErrNoSpace) style comparisons against the
// sentinel Kind values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Sentinels for errors.Is comparisons against a specific failure class,
// e.g. errors.Is(err, blobstore.ErrNoSpace).
var (
	ErrNoEntry           = &Error{Kind: KindNoEntry}
	ErrNoMemory          = &Error{Kind: KindNoMemory}
	ErrAccessDenied      = &Error{Kind: KindAccessDenied}
	ErrExists            = &Error{Kind: KindExists}
	ErrInvalid           = &Error{Kind: KindInvalid}
	ErrNoSpace           = &Error{Kind: KindNoSpace}
	ErrAgain             = &Error{Kind: KindAgain}
	ErrTooManyOpen       = &Error{Kind: KindTooManyOpen}
	ErrBadFd             = &Error{Kind: KindBadFd}
	ErrSignatureMismatch = &Error{Kind: KindSignatureMismatch}
)

// mapErrno maps an errno returned by a syscall to a Kind. Unmapped errnos
// become KindUnknown.
func mapErrno(err error) Kind {
	switch {
	case errors.Is(err, unix.ENOENT):
		return KindNoEntry
	case errors.Is(err, unix.ENOMEM):
		return KindNoMemory
	case errors.Is(err, unix.EACCES):
		return KindAccessDenied
	case errors.Is(err, unix.EEXIST):
		return KindExists
	case errors.Is(err, unix.EINVAL):
		return KindInvalid
	case errors.Is(err, unix.ENOSPC):
		return KindNoSpace
	case errors.Is(err, unix.EAGAIN):
		return KindAgain
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
		return KindTooManyOpen
	case errors.Is(err, unix.EBADF):
		return KindBadFd
	default:
		return KindUnknown
	}
}

// wrapErrno wraps a raw syscall/OS error into an *Error, classifying it
// via the errno table, defaulting to defaultKind when the errno is
// unmapped.
func wrapErrno(op string, err error, defaultKind Kind) *Error {
	kind := mapErrno(err)
	if kind == KindUnknown {
		kind = defaultKind
	}
	return newErr(op, kind, err)
}
