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

// Package diskutil copies fixed-size block ranges between two paths
// (files, loopback devices, or dm devices) for the composition engine's
// copy-relation block-map entries. It writes in sector-aligned frames and
// syncs on a schedule rather than on every write.
package diskutil

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

// frameBlocks is the number of accounting blocks buffered per underlying
// write, picked to land around 1 MiB without depending on queried sector
// size.
const frameBlocks = 2048 // 2048 * 512 bytes == 1 MiB

// flushEveryBytes forces a Sync() after this many bytes have been
// written, instead of syncing on every write.
const flushEveryBytes = 16 * 1024 * 1024

// Init is a no-op hook kept for symmetry with package lifecycles that
// pair an Init with a Close; this package needs no process-wide state.
func Init() error { return nil }

// Copy copies count blocks of blockSize bytes each from srcPath (starting
// at block skip) to dstPath (starting at block seek). Both paths must
// already exist and be at least large enough for the requested range;
// Copy never creates or truncates a file.
func Copy(srcPath, dstPath string, blockSize, count, seek, skip int64) (copied int64, err error) {
	if blockSize <= 0 || count < 0 || seek < 0 || skip < 0 {
		return 0, errors.Errorf("diskutil: invalid copy range (blockSize=%d count=%d seek=%d skip=%d)",
			blockSize, count, seek, skip)
	}
	src, err := os.OpenFile(srcPath, os.O_RDONLY, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "diskutil: opening source %s", srcPath)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_RDWR, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "diskutil: opening destination %s", dstPath)
	}
	defer dst.Close()

	if _, err := src.Seek(skip*blockSize, io.SeekStart); err != nil {
		return 0, errors.Wrapf(err, "diskutil: seeking source %s", srcPath)
	}
	if _, err := dst.Seek(seek*blockSize, io.SeekStart); err != nil {
		return 0, errors.Wrapf(err, "diskutil: seeking destination %s", dstPath)
	}

	fw := &flushingWriter{w: dst, flushEvery: flushEveryBytes}
	frame := &frameWriter{frameSize: int(frameBlocks * blockSize), buf: bytes.NewBuffer(nil), w: fw}

	total := count * blockSize
	n, err := io.CopyN(frame, src, total)
	if err != nil && err != io.EOF {
		return n, errors.Wrapf(err, "diskutil: copying %s -> %s", srcPath, dstPath)
	}
	if cerr := frame.Close(); cerr != nil {
		return n, errors.Wrapf(cerr, "diskutil: flushing %s", dstPath)
	}
	if n != total {
		return n, errors.Errorf("diskutil: short copy %s -> %s (%d of %d bytes)", srcPath, dstPath, n, total)
	}
	return n / blockSize, nil
}

// Zero writes count zeroed blocks to dstPath starting at block seek,
// used to materialize a zero-source block-map entry on a real backing
// file when a dm zero target is not available or not desired.
func Zero(dstPath string, blockSize, count, seek int64) error {
	dst, err := os.OpenFile(dstPath, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "diskutil: opening destination %s", dstPath)
	}
	defer dst.Close()

	if _, err := dst.Seek(seek*blockSize, io.SeekStart); err != nil {
		return errors.Wrapf(err, "diskutil: seeking destination %s", dstPath)
	}
	zero := make([]byte, frameBlocks*blockSize)
	remaining := count * blockSize
	for remaining > 0 {
		n := int64(len(zero))
		if n > remaining {
			n = remaining
		}
		if _, err := dst.Write(zero[:n]); err != nil {
			return errors.Wrapf(err, "diskutil: zeroing %s", dstPath)
		}
		remaining -= n
	}
	return dst.Sync()
}

// frameWriter buffers writes into frameSize chunks before handing them to
// the underlying writer, the same buffering BlockFrameWriter does.
type frameWriter struct {
	buf       *bytes.Buffer
	frameSize int
	w         io.WriteCloser
}

func (fw *frameWriter) Write(b []byte) (int, error) {
	n, err := fw.buf.Write(b)
	if err != nil {
		return n, err
	}
	for fw.buf.Len() >= fw.frameSize {
		if _, err := fw.w.Write(fw.buf.Next(fw.frameSize)); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (fw *frameWriter) Close() error {
	if fw.buf.Len() > 0 {
		if _, err := fw.w.Write(fw.buf.Bytes()); err != nil {
			return err
		}
	}
	return fw.w.Close()
}

// flushingWriter forces an fsync every flushEvery bytes written, the way
// FlushingWriter periodically calls Sync() on the destination device.
type flushingWriter struct {
	w          *os.File
	flushEvery int64
	unflushed  int64
}

func (f *flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.unflushed += int64(n)
	if err != nil {
		return n, err
	}
	if f.unflushed >= f.flushEvery {
		err = f.Sync()
	}
	return n, err
}

func (f *flushingWriter) Sync() error {
	err := f.w.Sync()
	f.unflushed = 0
	return err
}

func (f *flushingWriter) Close() error {
	return f.Sync()
}
