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
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/codenotary/cabtree/appendable"
	"github.com/codenotary/cabtree/logger"
	"github.com/codenotary/cabtree/metrics"
	"github.com/codenotary/cabtree/pagestore"
)

var (
	ErrIllegalArguments = errors.New("wal: illegal arguments")
	ErrAlreadyClosed    = errors.New("wal: already closed")
	ErrCorruptedRecord  = errors.New("wal: corrupted record")
)

const maxRecordSize = 16 * 1024 * 1024

const readBufferSize = 4096

// RedoHandlers receive committed data records during replay, in log order,
// to rebuild page state. The undo handlers, when set, receive the records
// of transactions without a COMMIT in reverse log order, so that effects
// a checkpoint may have anchored can be rolled back.
type RedoHandlers struct {
	OnInsert func(pid pagestore.PageID, key, newBytes []byte) error
	OnUpdate func(pid pagestore.PageID, key, newBytes []byte) error
	OnDelete func(pid pagestore.PageID, key, oldBytes []byte) error

	OnUndoInsert func(pid pagestore.PageID, key []byte) error
	OnUndoUpdate func(pid pagestore.PageID, key, oldBytes []byte) error
	OnUndoDelete func(pid pagestore.PageID, key, oldBytes []byte) error
}

// WAL is the append-only write-ahead log. Appends go through the
// appendable's in-memory buffer; the buffer is flushed when full, on
// commit, on sync and on checkpoint. Commit records are fsynced before the
// call returns.
type WAL struct {
	mutex sync.Mutex

	app appendable.Appendable

	nextLSN           uint64
	nextTxnID         uint64
	lastCheckpointLSN uint64

	log logger.Logger
	mtr metrics.WALMetrics

	closed bool
}

// Open scans the existing log to restore the LSN and transaction counters
// and the position of the most recent valid checkpoint. The scan ends at
// the first corrupted record: whatever follows is unreachable and will be
// dropped by the next truncation.
func Open(app appendable.Appendable, log logger.Logger, mtr metrics.WALMetrics) (*WAL, error) {
	if app == nil || log == nil || mtr == nil {
		return nil, ErrIllegalArguments
	}

	w := &WAL{
		app:       app,
		nextLSN:   1,
		nextTxnID: 1,
		log:       log,
		mtr:       mtr,
	}

	err := w.restoreCounters()
	if err != nil {
		return nil, err
	}

	return w, nil
}

func (w *WAL) restoreCounters() error {
	r := appendable.NewReaderFrom(w.app, 0, readBufferSize)

	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrCorruptedRecord) {
			w.log.Warningf("wal: %v, scan stopped", err)
			break
		}
		if err != nil {
			return err
		}

		if rec.LSN >= w.nextLSN {
			w.nextLSN = rec.LSN + 1
		}
		if rec.TxnID >= w.nextTxnID {
			w.nextTxnID = rec.TxnID + 1
		}
		if rec.Type == RecordCheckpoint {
			w.lastCheckpointLSN = rec.LSN
		}
	}

	w.log.Infof("wal: opened, next lsn %d, next txn %d, last checkpoint lsn %d",
		w.nextLSN, w.nextTxnID, w.lastCheckpointLSN)

	return nil
}

// BeginTxn reserves a transaction id and appends its BEGIN record.
func (w *WAL) BeginTxn() (uint64, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return 0, ErrAlreadyClosed
	}

	txnID := w.nextTxnID
	w.nextTxnID++

	_, err := w.append(&Record{Type: RecordBegin, TxnID: txnID})
	if err != nil {
		return 0, err
	}

	return txnID, nil
}

// CommitTxn appends the COMMIT record and fsyncs. The commit is durable
// once this returns without error.
func (w *WAL) CommitTxn(txnID uint64) (uint64, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return 0, ErrAlreadyClosed
	}

	lsn, err := w.append(&Record{Type: RecordCommit, TxnID: txnID})
	if err != nil {
		return 0, err
	}

	err = w.app.Sync()
	if err != nil {
		return 0, err
	}

	return lsn, nil
}

// AbortTxn appends the ABORT record. No fsync is required: an unflushed
// abort is equivalent to an in-flight transaction at recovery.
func (w *WAL) AbortTxn(txnID uint64) (uint64, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return 0, ErrAlreadyClosed
	}

	return w.append(&Record{Type: RecordAbort, TxnID: txnID})
}

func (w *WAL) LogInsert(txnID uint64, pid pagestore.PageID, key, newBytes []byte) (uint64, error) {
	return w.logData(&Record{
		Type:     RecordInsert,
		TxnID:    txnID,
		PageID:   pid,
		Key:      key,
		NewBytes: newBytes,
	})
}

func (w *WAL) LogDelete(txnID uint64, pid pagestore.PageID, key, oldBytes []byte) (uint64, error) {
	return w.logData(&Record{
		Type:     RecordDelete,
		TxnID:    txnID,
		PageID:   pid,
		Key:      key,
		OldBytes: oldBytes,
	})
}

func (w *WAL) LogUpdate(txnID uint64, pid pagestore.PageID, key, oldBytes, newBytes []byte) (uint64, error) {
	return w.logData(&Record{
		Type:     RecordUpdate,
		TxnID:    txnID,
		PageID:   pid,
		Key:      key,
		OldBytes: oldBytes,
		NewBytes: newBytes,
	})
}

func (w *WAL) logData(rec *Record) (uint64, error) {
	if len(rec.Key) == 0 {
		return 0, ErrIllegalArguments
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return 0, ErrAlreadyClosed
	}

	return w.append(rec)
}

// append assigns the next LSN and buffers the record. Callers hold the
// mutex.
func (w *WAL) append(rec *Record) (uint64, error) {
	rec.LSN = w.nextLSN
	rec.Ts = time.Now().UnixNano()

	_, _, err := w.app.Append(rec.serialize())
	if err != nil {
		return 0, err
	}

	w.nextLSN++

	w.mtr.IncAppendedRecords()
	w.mtr.SetWALSize(w.app.Offset())

	return rec.LSN, nil
}

// WriteCheckpoint flushes pending appends, emits a CHECKPOINT record and
// fsyncs. The returned LSN becomes the replay lower bound.
func (w *WAL) WriteCheckpoint() (uint64, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return 0, ErrAlreadyClosed
	}

	err := w.app.Flush()
	if err != nil {
		return 0, err
	}

	lsn, err := w.append(&Record{Type: RecordCheckpoint, TxnID: w.nextTxnID})
	if err != nil {
		return 0, err
	}

	err = w.app.Sync()
	if err != nil {
		return 0, err
	}

	w.lastCheckpointLSN = lsn
	w.mtr.IncCheckpoints()

	w.log.Debugf("wal: checkpoint at lsn %d", lsn)

	return lsn, nil
}

func (w *WAL) Sync() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}

	return w.app.Sync()
}

func (w *WAL) Size() (int64, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return 0, ErrAlreadyClosed
	}

	return w.app.Size()
}

func (w *WAL) CurrentLSN() uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.nextLSN - 1
}

func (w *WAL) NextTxnID() uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.nextTxnID
}

func (w *WAL) LastCheckpointLSN() uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.lastCheckpointLSN
}

// Truncate removes records with lsn < upToLSN by rewriting the log with
// the retained suffix. The coordinator only calls this with a bound not
// greater than the last checkpoint, after that checkpoint durably flushed
// every page those records touched.
func (w *WAL) Truncate(upToLSN uint64) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}

	if upToLSN > w.lastCheckpointLSN {
		return fmt.Errorf("%w: truncation bound %d beyond last checkpoint %d",
			ErrIllegalArguments, upToLSN, w.lastCheckpointLSN)
	}

	err := w.app.Flush()
	if err != nil {
		return err
	}

	// collect the serialized suffix to retain
	var retained [][]byte

	r := appendable.NewReaderFrom(w.app, 0, readBufferSize)

	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrCorruptedRecord) {
			w.log.Warningf("wal: %v, truncating corrupted tail", err)
			break
		}
		if err != nil {
			return err
		}

		if rec.LSN >= upToLSN {
			retained = append(retained, rec.serialize())
		}
	}

	err = w.app.SetOffset(0)
	if err != nil {
		return err
	}

	for _, bs := range retained {
		_, _, err = w.app.Append(bs)
		if err != nil {
			return err
		}
	}

	err = w.app.Sync()
	if err != nil {
		return err
	}

	w.mtr.IncTruncations()
	w.mtr.SetWALSize(w.app.Offset())

	w.log.Infof("wal: truncated up to lsn %d, %d records retained", upToLSN, len(retained))

	return nil
}

// Replay scans the log and re-applies, in log order, every data record of a
// committed transaction with lsn > fromLSN. Data records of transactions
// with no COMMIT before EOF are not redone: they go to the undo handlers,
// when set, in reverse log order, except where a later committed record
// wrote the same key. The scan terminates at the first corrupted record.
func (w *WAL) Replay(fromLSN uint64, handlers RedoHandlers) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}

	err := w.app.Flush()
	if err != nil {
		return err
	}

	// first pass: transaction outcomes
	committed := make(map[uint64]bool)

	r := appendable.NewReaderFrom(w.app, 0, readBufferSize)

	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrCorruptedRecord) {
			w.log.Warningf("wal: %v, replay stops there", err)
			break
		}
		if err != nil {
			return err
		}

		switch rec.Type {
		case RecordCommit:
			committed[rec.TxnID] = true
		case RecordAbort:
			delete(committed, rec.TxnID)
		}
	}

	// second pass: redo committed work past fromLSN, remembering the
	// newest committed writer of each key and collecting loser records
	r = appendable.NewReaderFrom(w.app, 0, readBufferSize)

	committedKeyLSN := make(map[string]uint64)
	var losers []*Record

	redone := 0

	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrCorruptedRecord) {
			break
		}
		if err != nil {
			return err
		}

		if !rec.isData() {
			continue
		}

		if !committed[rec.TxnID] {
			losers = append(losers, rec)
			continue
		}

		committedKeyLSN[string(rec.Key)] = rec.LSN

		if rec.LSN <= fromLSN {
			continue
		}

		switch rec.Type {
		case RecordInsert:
			err = handlers.OnInsert(rec.PageID, rec.Key, rec.NewBytes)
		case RecordUpdate:
			err = handlers.OnUpdate(rec.PageID, rec.Key, rec.NewBytes)
		case RecordDelete:
			err = handlers.OnDelete(rec.PageID, rec.Key, rec.OldBytes)
		}
		if err != nil {
			return err
		}

		redone++
	}

	// third pass: undo in-flight and aborted work in reverse order. A key
	// also written by a later committed transaction keeps the redone state.
	undone := 0

	for i := len(losers) - 1; i >= 0; i-- {
		rec := losers[i]

		if committedKeyLSN[string(rec.Key)] > rec.LSN {
			continue
		}

		var err error

		switch rec.Type {
		case RecordInsert:
			if handlers.OnUndoInsert != nil {
				err = handlers.OnUndoInsert(rec.PageID, rec.Key)
			}
		case RecordUpdate:
			if handlers.OnUndoUpdate != nil {
				err = handlers.OnUndoUpdate(rec.PageID, rec.Key, rec.OldBytes)
			}
		case RecordDelete:
			if handlers.OnUndoDelete != nil {
				err = handlers.OnUndoDelete(rec.PageID, rec.Key, rec.OldBytes)
			}
		}
		if err != nil {
			return err
		}

		undone++
	}

	w.log.Infof("wal: replayed %d committed records from lsn %d, undid %d", redone, fromLSN, undone)

	return nil
}

func (w *WAL) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}

	err := w.app.Flush()
	if err != nil {
		return err
	}

	err = w.app.Sync()
	if err != nil {
		return err
	}

	w.closed = true

	return w.app.Close()
}
