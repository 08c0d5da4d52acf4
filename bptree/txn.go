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

package bptree

import (
	"errors"
)

// BeginTxn opens a transaction. Its reads observe the database state as of
// this point.
func (t *BPlusTree) BeginTxn() (TxnID, error) {
	if t.isClosed() {
		return 0, ErrAlreadyClosed
	}

	txnID, err := t.wal.BeginTxn()
	if err != nil {
		return 0, err
	}

	// the BEGIN record's LSN is the snapshot point
	_, err = t.versions.Begin(txnID, t.wal.CurrentLSN())
	if err != nil {
		return 0, err
	}

	return txnID, nil
}

// CommitTxn makes the transaction's writes durable and visible. Under a
// write-write conflict the transaction is aborted and ErrTxnConflict
// returned. The commit is fsynced before this returns.
func (t *BPlusTree) CommitTxn(txnID TxnID) error {
	if t.isClosed() {
		return ErrAlreadyClosed
	}

	if !t.versions.IsActive(txnID) {
		return ErrTxnNotActive
	}

	t.commitMutex.Lock()
	defer t.commitMutex.Unlock()

	err := t.versions.PrepareCommit(txnID)
	if errors.Is(err, ErrTxnConflict) {
		// first committer won; this transaction must give way
		t.discardTxn(txnID)
		return ErrTxnConflict
	}
	if err != nil {
		return err
	}

	commitLSN, err := t.wal.CommitTxn(txnID)
	if err != nil {
		t.log.Errorf("wal commit failed, aborting txn %d: %v", txnID, err)
		t.discardTxn(txnID)
		return err
	}

	return t.versions.Commit(txnID, commitLSN)
}

// AbortTxn discards the transaction's writes.
func (t *BPlusTree) AbortTxn(txnID TxnID) error {
	if t.isClosed() {
		return ErrAlreadyClosed
	}

	if !t.versions.IsActive(txnID) {
		return ErrTxnNotActive
	}

	t.discardTxn(txnID)

	return nil
}

// discardTxn appends the ABORT record, retires the transaction and
// restores the physical state of the keys it wrote, so that a later
// checkpoint anchors committed data only.
func (t *BPlusTree) discardTxn(txnID TxnID) {
	_, err := t.wal.AbortTxn(txnID)
	if err != nil {
		t.log.Warningf("abort record for txn %d not appended: %v", txnID, err)
	}

	writtenKeys, err := t.versions.Abort(txnID)
	if err != nil {
		t.log.Warningf("abort of txn %d failed: %v", txnID, err)
		return
	}

	if len(writtenKeys) == 0 {
		return
	}

	t.rwmutex.Lock()
	defer t.rwmutex.Unlock()

	for _, key := range writtenKeys {
		err = t.restoreCommittedState(key)
		if err != nil {
			t.log.Errorf("restore of key after txn %d abort failed: %v", txnID, err)
		}
	}
}

// restoreCommittedState rewrites key's page state to its newest committed
// value, or removes it when no committed value exists. Callers hold the
// tree write lock.
func (t *BPlusTree) restoreCommittedState(key []byte) error {
	data, exists := t.versions.CommittedValue(key)
	if exists {
		return t.upsert(key, data)
	}

	err := t.removeKey(key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	return err
}

// autoTxn runs op inside a fresh transaction, committing on success and
// aborting on error.
func (t *BPlusTree) autoTxn(op func(txnID TxnID) error) error {
	txnID, err := t.BeginTxn()
	if err != nil {
		return err
	}

	err = op(txnID)
	if err != nil {
		if t.versions.IsActive(txnID) {
			abortErr := t.AbortTxn(txnID)
			if abortErr != nil {
				t.log.Warningf("auto txn %d abort failed: %v", txnID, abortErr)
			}
		}
		return err
	}

	return t.CommitTxn(txnID)
}
