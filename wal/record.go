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

package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/codenotary/cabtree/appendable"
	"github.com/codenotary/cabtree/pagestore"
)

// RecordType discriminates WAL records.
type RecordType uint8

const (
	RecordInsert     RecordType = 1
	RecordDelete     RecordType = 2
	RecordUpdate     RecordType = 3
	RecordCheckpoint RecordType = 4
	RecordCommit     RecordType = 5
	RecordAbort      RecordType = 6
	RecordBegin      RecordType = 7
)

// fixed record header: type, record size, txn id, lsn, checksum, timestamp
const recordHeaderSize = 1 + 4 + 8 + 8 + 4 + 8

const checksumOffset = 1 + 4 + 8 + 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is a decoded WAL record. Data records carry the target page, the
// key and length-prefixed undo/redo images; control records carry only the
// header fields.
type Record struct {
	Type  RecordType
	TxnID uint64
	LSN   uint64
	Ts    int64

	PageID   pagestore.PageID
	Key      []byte
	OldBytes []byte
	NewBytes []byte
}

func (r *Record) isData() bool {
	switch r.Type {
	case RecordInsert, RecordDelete, RecordUpdate:
		return true
	}
	return false
}

func (r *Record) payloadSize() int {
	if !r.isData() {
		return 0
	}
	return 2 + 2 + len(r.Key) + 4 + len(r.OldBytes) + 4 + len(r.NewBytes)
}

// serialize encodes the record, stamping its checksum. The checksum is a
// CRC32-Castagnoli over header and payload with the checksum field zeroed.
func (r *Record) serialize() []byte {
	size := recordHeaderSize + r.payloadSize()

	bs := make([]byte, size)

	bs[0] = byte(r.Type)
	binary.BigEndian.PutUint32(bs[1:], uint32(size))
	binary.BigEndian.PutUint64(bs[5:], r.TxnID)
	binary.BigEndian.PutUint64(bs[13:], r.LSN)
	// checksum stamped last
	binary.BigEndian.PutUint64(bs[25:], uint64(r.Ts))

	if r.isData() {
		off := recordHeaderSize

		binary.BigEndian.PutUint16(bs[off:], uint16(r.PageID))
		off += 2

		binary.BigEndian.PutUint16(bs[off:], uint16(len(r.Key)))
		off += 2
		copy(bs[off:], r.Key)
		off += len(r.Key)

		binary.BigEndian.PutUint32(bs[off:], uint32(len(r.OldBytes)))
		off += 4
		copy(bs[off:], r.OldBytes)
		off += len(r.OldBytes)

		binary.BigEndian.PutUint32(bs[off:], uint32(len(r.NewBytes)))
		off += 4
		copy(bs[off:], r.NewBytes)
	}

	binary.BigEndian.PutUint32(bs[checksumOffset:], crc32.Checksum(bs, crcTable))

	return bs
}

// readRecord decodes the next record from the reader. A malformed or
// checksum-mismatching record yields ErrCorruptedRecord; io.EOF signals a
// clean end of log.
func readRecord(r *appendable.Reader) (*Record, error) {
	hdr := make([]byte, recordHeaderSize)

	_, err := r.Read(hdr[:1])
	if err != nil {
		return nil, err
	}

	_, err = r.Read(hdr[1:])
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: truncated record header", ErrCorruptedRecord)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[1:])
	if size < recordHeaderSize || size > maxRecordSize {
		return nil, fmt.Errorf("%w: invalid record size %d", ErrCorruptedRecord, size)
	}

	rec := &Record{
		Type:  RecordType(hdr[0]),
		TxnID: binary.BigEndian.Uint64(hdr[5:]),
		LSN:   binary.BigEndian.Uint64(hdr[13:]),
		Ts:    int64(binary.BigEndian.Uint64(hdr[25:])),
	}

	checksum := binary.BigEndian.Uint32(hdr[checksumOffset:])

	payload := make([]byte, size-recordHeaderSize)
	if len(payload) > 0 {
		_, err = r.Read(payload)
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: truncated record payload", ErrCorruptedRecord)
			}
			return nil, err
		}
	}

	// recompute over the zeroed checksum field
	binary.BigEndian.PutUint32(hdr[checksumOffset:], 0)

	crc := crc32.Checksum(hdr, crcTable)
	crc = crc32.Update(crc, crcTable, payload)

	if crc != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch at lsn %d", ErrCorruptedRecord, rec.LSN)
	}

	if rec.isData() {
		if len(payload) < 2+2+4+4 {
			return nil, fmt.Errorf("%w: data record too short", ErrCorruptedRecord)
		}

		off := 0

		rec.PageID = pagestore.PageID(binary.BigEndian.Uint16(payload[off:]))
		off += 2

		keyLen := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		if off+keyLen+8 > len(payload) {
			return nil, fmt.Errorf("%w: data record key overflow", ErrCorruptedRecord)
		}
		rec.Key = payload[off : off+keyLen]
		off += keyLen

		oldLen := int(binary.BigEndian.Uint32(payload[off:]))
		off += 4
		if off+oldLen+4 > len(payload) {
			return nil, fmt.Errorf("%w: data record old bytes overflow", ErrCorruptedRecord)
		}
		rec.OldBytes = payload[off : off+oldLen]
		off += oldLen

		newLen := int(binary.BigEndian.Uint32(payload[off:]))
		off += 4
		if off+newLen > len(payload) {
			return nil, fmt.Errorf("%w: data record new bytes overflow", ErrCorruptedRecord)
		}
		rec.NewBytes = payload[off : off+newLen]
	}

	return rec, nil
}
