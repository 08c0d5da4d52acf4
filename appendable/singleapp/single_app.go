/*
Copyright 2025 Codenotary Inc. All rights reserved.

SPDX-License-Identifier: BUSL-1.1
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://mariadb.com/bsl11/

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package singleapp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/codenotary/cabtree/appendable"
)

var ErrIllegalArguments = errors.New("singleapp: illegal arguments")
var ErrInvalidOptions = fmt.Errorf("%w: invalid options", ErrIllegalArguments)
var ErrAlreadyClosed = errors.New("singleapp: already closed")
var ErrReadOnly = errors.New("singleapp: read-only mode")
var ErrCorruptedMetadata = errors.New("singleapp: corrupted metadata")
var ErrNegativeOffset = errors.New("singleapp: negative offset")

var _ appendable.Appendable = (*AppendableFile)(nil)

// AppendableFile is a single-file appendable with a metadata header and an
// in-memory write buffer. Logical offset zero is the first byte after the
// header.
type AppendableFile struct {
	f              *os.File
	fileBaseOffset int64
	fileOffset     int64
	seekRequired   bool

	writeBuffer []byte
	wbufOffset  int

	readOnly bool

	metadata []byte

	closed bool

	mutex sync.Mutex
}

func Open(fileName string, opts *Options) (*AppendableFile, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	var flag int

	if opts.readOnly {
		flag = os.O_RDONLY
	} else {
		flag = os.O_CREATE | os.O_RDWR
	}

	_, err = os.Stat(fileName)
	notExist := os.IsNotExist(err)

	if err != nil && !notExist {
		return nil, err
	}

	if notExist && (opts.readOnly || !opts.createIfNotExists) {
		return nil, err
	}

	f, err := os.OpenFile(fileName, flag, opts.fileMode)
	if err != nil {
		return nil, err
	}

	var metadata []byte
	var fileBaseOffset int64

	if notExist {
		w := bufio.NewWriter(f)

		mLenBs := make([]byte, 4)
		binary.BigEndian.PutUint32(mLenBs, uint32(len(opts.metadata)))

		_, err := w.Write(mLenBs)
		if err != nil {
			f.Close()
			return nil, err
		}

		_, err = w.Write(opts.metadata)
		if err != nil {
			f.Close()
			return nil, err
		}

		err = w.Flush()
		if err != nil {
			f.Close()
			return nil, err
		}

		err = f.Sync()
		if err != nil {
			f.Close()
			return nil, err
		}

		metadata = opts.metadata
		fileBaseOffset = int64(4 + len(metadata))
	} else {
		r := bufio.NewReader(f)

		mLenBs := make([]byte, 4)
		_, err := io.ReadFull(r, mLenBs)
		if err != nil {
			f.Close()
			return nil, ErrCorruptedMetadata
		}

		metadata = make([]byte, binary.BigEndian.Uint32(mLenBs))
		_, err = io.ReadFull(r, metadata)
		if err != nil {
			f.Close()
			return nil, ErrCorruptedMetadata
		}

		fileBaseOffset = int64(4 + len(metadata))
	}

	fileOffset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}

	var writeBuffer []byte
	if !opts.readOnly {
		writeBuffer = make([]byte, opts.writeBufferSize)
	}

	return &AppendableFile{
		f:              f,
		fileBaseOffset: fileBaseOffset,
		fileOffset:     fileOffset - fileBaseOffset,
		writeBuffer:    writeBuffer,
		metadata:       metadata,
		readOnly:       opts.readOnly,
		closed:         false,
	}, nil
}

func (aof *AppendableFile) Metadata() []byte {
	return aof.metadata
}

func (aof *AppendableFile) Size() (int64, error) {
	aof.mutex.Lock()
	defer aof.mutex.Unlock()

	if aof.closed {
		return 0, ErrAlreadyClosed
	}

	return aof.offset(), nil
}

func (aof *AppendableFile) Offset() int64 {
	aof.mutex.Lock()
	defer aof.mutex.Unlock()

	return aof.offset()
}

func (aof *AppendableFile) offset() int64 {
	return aof.fileOffset + int64(aof.wbufOffset)
}

func (aof *AppendableFile) SetOffset(newOffset int64) error {
	aof.mutex.Lock()
	defer aof.mutex.Unlock()

	if aof.closed {
		return ErrAlreadyClosed
	}

	if aof.readOnly {
		return ErrReadOnly
	}

	if newOffset < 0 {
		return ErrNegativeOffset
	}

	currOffset := aof.offset()

	if newOffset > currOffset {
		return fmt.Errorf("%w: provided offset %d is bigger than current one %d", ErrIllegalArguments, newOffset, currOffset)
	}

	if newOffset == currOffset {
		return nil
	}

	if newOffset >= aof.fileOffset {
		// in-mem change
		aof.wbufOffset = int(newOffset - aof.fileOffset)
		return nil
	}

	aof.fileOffset = newOffset
	aof.seekRequired = true

	// discard in-memory data
	aof.wbufOffset = 0

	return aof.f.Truncate(aof.fileBaseOffset + newOffset)
}

func (aof *AppendableFile) Append(bs []byte) (off int64, n int, err error) {
	aof.mutex.Lock()
	defer aof.mutex.Unlock()

	if aof.closed {
		return 0, 0, ErrAlreadyClosed
	}

	if aof.readOnly {
		return 0, 0, ErrReadOnly
	}

	if len(bs) == 0 {
		return 0, 0, ErrIllegalArguments
	}

	off = aof.offset()

	n, err = aof.write(bs)
	return off, n, err
}

func (aof *AppendableFile) write(bs []byte) (n int, err error) {
	for n < len(bs) {
		available := len(aof.writeBuffer) - aof.wbufOffset

		if available == 0 {
			err = aof.flush()
			if err != nil {
				return
			}

			available = len(aof.writeBuffer)
		}

		writeChunkSize := minInt(len(bs)-n, available)

		copy(aof.writeBuffer[aof.wbufOffset:], bs[n:n+writeChunkSize])
		aof.wbufOffset += writeChunkSize

		n += writeChunkSize
	}

	return
}

func (aof *AppendableFile) ReadAt(bs []byte, off int64) (n int, err error) {
	aof.mutex.Lock()
	defer aof.mutex.Unlock()

	if aof.closed {
		return 0, ErrAlreadyClosed
	}

	if bs == nil {
		return 0, ErrIllegalArguments
	}

	if off < 0 {
		return 0, ErrNegativeOffset
	}

	if off > aof.offset() {
		return 0, io.EOF
	}

	// boff is the offset to employ when reading from the buffer
	var boff int

	if off < aof.fileOffset {
		n, err = aof.f.ReadAt(bs, aof.fileBaseOffset+off)
	} else {
		boff = int(off - aof.fileOffset)
	}

	pending := len(bs) - n

	if pending > 0 {
		available := aof.wbufOffset - boff
		readChunkSize := minInt(pending, available)

		if readChunkSize > 0 {
			copy(bs[n:], aof.writeBuffer[boff:boff+readChunkSize])
			n += readChunkSize
		}

		if readChunkSize == pending {
			err = nil
		} else {
			err = io.EOF
		}
	}

	return
}

func (aof *AppendableFile) Flush() error {
	aof.mutex.Lock()
	defer aof.mutex.Unlock()

	if aof.closed {
		return ErrAlreadyClosed
	}

	if aof.readOnly {
		return ErrReadOnly
	}

	return aof.flush()
}

func (aof *AppendableFile) seekIfRequired() error {
	if !aof.seekRequired {
		return nil
	}

	_, err := aof.f.Seek(aof.fileBaseOffset+aof.fileOffset, io.SeekStart)
	if err != nil {
		return err
	}

	aof.seekRequired = false

	return nil
}

func (aof *AppendableFile) flush() error {
	if aof.wbufOffset == 0 {
		// nothing to write
		return nil
	}

	err := aof.seekIfRequired()
	if err != nil {
		return err
	}

	n, err := aof.f.Write(aof.writeBuffer[:aof.wbufOffset])

	aof.fileOffset += int64(n)

	if err != nil {
		// preserve the unwritten tail so a later flush can retry
		copy(aof.writeBuffer, aof.writeBuffer[n:aof.wbufOffset])
		aof.wbufOffset -= n
		return err
	}

	aof.wbufOffset = 0

	return nil
}

func (aof *AppendableFile) Sync() error {
	aof.mutex.Lock()
	defer aof.mutex.Unlock()

	if aof.closed {
		return ErrAlreadyClosed
	}

	if aof.readOnly {
		return ErrReadOnly
	}

	err := aof.flush()
	if err != nil {
		return err
	}

	return aof.f.Sync()
}

func (aof *AppendableFile) Close() error {
	aof.mutex.Lock()
	defer aof.mutex.Unlock()

	if aof.closed {
		return ErrAlreadyClosed
	}

	if !aof.readOnly {
		err := aof.flush()
		if err != nil {
			return err
		}
	}

	aof.closed = true

	return aof.f.Close()
}

func minInt(a, b int) int {
	if a <= b {
		return a
	}
	return b
}
