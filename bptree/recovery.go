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
	"github.com/codenotary/cabtree/pagestore"
	"github.com/codenotary/cabtree/wal"
)

// baselineTxnID marks versions recovered from replay or pre-checkpoint
// page state. Their commit point is baselineCommitLSN, visible to every
// transaction.
const baselineTxnID = 0
const baselineCommitLSN = 1

// recover redoes committed work found past the last checkpoint and seeds
// version chains for the pre-checkpoint page state, so that every key in
// the index is readable through the version store afterwards. Records of
// transactions without a COMMIT are not redone; the undo handlers roll back
// whatever page effects of theirs a checkpoint anchored.
func (t *BPlusTree) recover() error {
	fromLSN := t.wal.LastCheckpointLSN()

	handlers := wal.RedoHandlers{
		OnInsert: t.redoUpsert,
		OnUpdate: t.redoUpsert,
		OnDelete: t.redoDelete,

		OnUndoInsert: t.undoInsert,
		OnUndoUpdate: t.undoUpdate,
		OnUndoDelete: t.undoDelete,
	}

	err := t.wal.Replay(fromLSN, handlers)
	if err != nil {
		return err
	}

	return t.seedBaselineVersions()
}

// redoUpsert re-applies a committed insert or update. The logged page id
// is a hint only: copy-on-write moves content between ids, so the key is
// re-located by descent.
func (t *BPlusTree) redoUpsert(pid pagestore.PageID, key, newBytes []byte) error {
	err := t.upsert(key, newBytes)
	if err != nil {
		return err
	}

	return t.versions.ApplyCommitted(key, newBytes, baselineTxnID, 0, baselineCommitLSN)
}

// redoDelete re-applies a committed delete by physically removing the key.
// Replaying an already-absent key is a no-op, keeping replay idempotent.
func (t *BPlusTree) redoDelete(pid pagestore.PageID, key, oldBytes []byte) error {
	err := t.removeKey(key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	err = t.versions.ApplyCommittedDelete(key, baselineTxnID, 0, baselineCommitLSN)
	if err != nil && !errors.Is(err, mvcc.ErrKeyNotFound) {
		return err
	}

	return nil
}

// undoInsert rolls back an in-flight insert a checkpoint may have
// anchored. An absent key means the effect never reached the pages.
func (t *BPlusTree) undoInsert(pid pagestore.PageID, key []byte) error {
	err := t.removeKey(key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	return nil
}

// undoUpdate restores the pre-image of an in-flight update.
func (t *BPlusTree) undoUpdate(pid pagestore.PageID, key, oldBytes []byte) error {
	return t.upsert(key, oldBytes)
}

// undoDelete is a no-op: deletes are MVCC tombstones and never reach the
// pages before their transaction commits.
func (t *BPlusTree) undoDelete(pid pagestore.PageID, key, oldBytes []byte) error {
	return nil
}

// seedBaselineVersions gives every index key without a chain a committed
// baseline version holding the page payload. Pre-checkpoint state has no
// WAL records left to rebuild chains from; the pages themselves are its
// source of truth.
func (t *BPlusTree) seedBaselineVersions() error {
	seeded := 0

	err := t.forEachLeaf(func(pg *pagestore.Page) error {
		for i := 0; i < pg.NumKeys(); i++ {
			key := pg.Keys[i]

			if t.versions.HasChain(key) {
				continue
			}

			err := t.versions.ApplyCommitted(key, pg.RecordAt(i), baselineTxnID, 0, baselineCommitLSN)
			if err != nil {
				return err
			}

			seeded++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if seeded > 0 {
		t.log.Infof("recovery: seeded %d baseline versions", seeded)
	}

	return nil
}
