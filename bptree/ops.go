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

	"github.com/codenotary/cabtree/mvcc"
)

// Insert writes a new key. Inserting a key visible to the transaction
// fails with ErrKeyAlreadyExists; a key whose versions are all deleted or
// invisible can be written again. With txnID zero the operation runs in
// its own auto-committed transaction.
func (t *BPlusTree) Insert(txnID TxnID, key, value []byte) error {
	if len(key) == 0 {
		return ErrIllegalArguments
	}

	if t.isClosed() {
		return ErrAlreadyClosed
	}

	if txnID == 0 {
		return t.autoTxn(func(id TxnID) error {
			return t.Insert(id, key, value)
		})
	}

	if !t.versions.IsActive(txnID) {
		return ErrTxnNotActive
	}

	t.rwmutex.Lock()
	defer t.rwmutex.Unlock()

	_, err := t.versions.Read(txnID, key)
	if err == nil {
		return ErrKeyAlreadyExists
	}
	if !errors.Is(err, mvcc.ErrKeyNotFound) {
		return err
	}

	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}

	// the write-ahead record precedes any state change
	lsn, err := t.wal.LogInsert(txnID, leaf.ID, key, value)
	if err != nil {
		return t.abortOnWALFailure(txnID, err)
	}

	err = t.versions.Insert(txnID, key, value, lsn)
	if err != nil {
		return err
	}

	return t.upsert(key, value)
}

// Update writes a new version over a key visible to the transaction.
func (t *BPlusTree) Update(txnID TxnID, key, value []byte) error {
	if len(key) == 0 {
		return ErrIllegalArguments
	}

	if t.isClosed() {
		return ErrAlreadyClosed
	}

	if txnID == 0 {
		return t.autoTxn(func(id TxnID) error {
			return t.Update(id, key, value)
		})
	}

	if !t.versions.IsActive(txnID) {
		return ErrTxnNotActive
	}

	t.rwmutex.Lock()
	defer t.rwmutex.Unlock()

	oldValue, err := t.versions.Read(txnID, key)
	if errors.Is(err, mvcc.ErrKeyNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return err
	}

	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}

	lsn, err := t.wal.LogUpdate(txnID, leaf.ID, key, oldValue, value)
	if err != nil {
		return t.abortOnWALFailure(txnID, err)
	}

	err = t.versions.Update(txnID, key, value, lsn)
	if err != nil {
		return err
	}

	return t.upsert(key, value)
}

// Delete tombstones the version of key visible to the transaction.
// Physical removal from the index happens once GC collects the chain.
func (t *BPlusTree) Delete(txnID TxnID, key []byte) error {
	if len(key) == 0 {
		return ErrIllegalArguments
	}

	if t.isClosed() {
		return ErrAlreadyClosed
	}

	if txnID == 0 {
		return t.autoTxn(func(id TxnID) error {
			return t.Delete(id, key)
		})
	}

	if !t.versions.IsActive(txnID) {
		return ErrTxnNotActive
	}

	t.rwmutex.Lock()
	defer t.rwmutex.Unlock()

	oldValue, err := t.versions.Read(txnID, key)
	if errors.Is(err, mvcc.ErrKeyNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return err
	}

	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}

	// old bytes ride along for undo
	lsn, err := t.wal.LogDelete(txnID, leaf.ID, key, oldValue)
	if err != nil {
		return t.abortOnWALFailure(txnID, err)
	}

	return t.versions.Remove(txnID, key, lsn)
}

// Search returns the value of key visible to the transaction's snapshot,
// or ErrKeyNotFound.
func (t *BPlusTree) Search(txnID TxnID, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrIllegalArguments
	}

	if t.isClosed() {
		return nil, ErrAlreadyClosed
	}

	if txnID == 0 {
		var value []byte
		err := t.autoTxn(func(id TxnID) error {
			var serr error
			value, serr = t.Search(id, key)
			return serr
		})
		return value, err
	}

	if !t.versions.IsActive(txnID) {
		return nil, ErrTxnNotActive
	}

	t.rwmutex.RLock()
	defer t.rwmutex.RUnlock()

	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}

	if _, found := leaf.Search(key); !found {
		return nil, ErrKeyNotFound
	}

	// the page holds the newest written bytes; visibility is decided by
	// the version store
	value, err := t.versions.Read(txnID, key)
	if errors.Is(err, mvcc.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	return value, nil
}

// abortOnWALFailure discards the transaction after a failed append,
// restoring the page state of anything it wrote earlier. Callers hold the
// tree write lock.
func (t *BPlusTree) abortOnWALFailure(txnID TxnID, cause error) error {
	t.log.Errorf("wal append failed, aborting txn %d: %v", txnID, cause)

	_, abortRecErr := t.wal.AbortTxn(txnID)
	if abortRecErr != nil {
		t.log.Warningf("abort record for txn %d not appended: %v", txnID, abortRecErr)
	}

	writtenKeys, abortErr := t.versions.Abort(txnID)
	if abortErr != nil {
		t.log.Warningf("abort of txn %d failed: %v", txnID, abortErr)
		return cause
	}

	for _, key := range writtenKeys {
		restoreErr := t.restoreCommittedState(key)
		if restoreErr != nil {
			t.log.Errorf("restore of key after txn %d abort failed: %v", txnID, restoreErr)
		}
	}

	return cause
}
