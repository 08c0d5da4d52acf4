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

package mvcc

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/codenotary/cabtree/logger"
	"github.com/codenotary/cabtree/metrics"
)

var (
	ErrIllegalArguments = errors.New("mvcc: illegal arguments")
	ErrKeyNotFound      = errors.New("mvcc: key not found")
	ErrTxnNotActive     = errors.New("mvcc: transaction not active")
	ErrTxnConflict      = errors.New("mvcc: write-write conflict")

	// ErrNoVisibleVersion means the chain holds no version visible to the
	// snapshot, as opposed to a visible tombstone.
	ErrNoVisibleVersion = fmt.Errorf("%w: no visible version", ErrKeyNotFound)
)

// VersionedRecord is one entry of a per-key version chain. Commit LSNs are
// stamped into the record when its writer commits, so visibility checks do
// not depend on retained transaction objects.
type VersionedRecord struct {
	Key  []byte
	Data []byte

	CreatedBy uint64
	CreatedAt uint64 // lsn of the creating operation

	DeletedBy uint64 // 0 while not tombstoned
	DeletedAt uint64

	createCommitLSN uint64 // 0 while the creator has not committed
	deleteCommitLSN uint64

	createdTime time.Time
}

// Tombstoned reports whether the version carries a deletion marker.
func (v *VersionedRecord) Tombstoned() bool {
	return v.DeletedBy != 0
}

// VersionStore implements snapshot isolation over per-key version chains,
// newest version first. Write-write conflicts resolve first-committer-wins
// at PrepareCommit time.
type VersionStore struct {
	chainsMutex sync.RWMutex
	chains      map[string][]*VersionedRecord

	txnMutex sync.RWMutex
	active   map[uint64]*Txn
	aborted  map[uint64]struct{}

	retentionPeriod   time.Duration
	maxVersionsPerKey int

	totalVersions   int
	cleanedVersions int

	log logger.Logger
	mtr metrics.MVCCMetrics
}

// VersionStats snapshots the version store counters.
type VersionStats struct {
	TotalVersions      int
	ActiveTransactions int
	CleanedVersions    int
}

func NewVersionStore(retention time.Duration, maxVersionsPerKey int, log logger.Logger, mtr metrics.MVCCMetrics) (*VersionStore, error) {
	if maxVersionsPerKey < 1 || log == nil || mtr == nil {
		return nil, ErrIllegalArguments
	}

	return &VersionStore{
		chains:            make(map[string][]*VersionedRecord),
		active:            make(map[uint64]*Txn),
		aborted:           make(map[uint64]struct{}),
		retentionPeriod:   retention,
		maxVersionsPerKey: maxVersionsPerKey,
		log:               log,
		mtr:               mtr,
	}, nil
}

// Begin registers a transaction whose snapshot is the state as of startLSN.
// Transaction ids are assigned by the WAL.
func (vs *VersionStore) Begin(txnID, startLSN uint64) (*Txn, error) {
	vs.txnMutex.Lock()
	defer vs.txnMutex.Unlock()

	if _, ok := vs.active[txnID]; ok {
		return nil, ErrIllegalArguments
	}

	tx := newTxn(txnID, startLSN)
	vs.active[txnID] = tx

	vs.mtr.SetActiveTransactions(len(vs.active))

	return tx, nil
}

func (vs *VersionStore) activeTxn(txnID uint64) (*Txn, error) {
	vs.txnMutex.RLock()
	defer vs.txnMutex.RUnlock()

	tx, ok := vs.active[txnID]
	if !ok {
		return nil, ErrTxnNotActive
	}

	return tx, nil
}

// IsActive reports whether txnID identifies a registered, non-terminated
// transaction.
func (vs *VersionStore) IsActive(txnID uint64) bool {
	vs.txnMutex.RLock()
	defer vs.txnMutex.RUnlock()

	_, ok := vs.active[txnID]
	return ok
}

// Insert prepends a new version for key. The caller establishes key
// uniqueness at the index level beforehand.
func (vs *VersionStore) Insert(txnID uint64, key, data []byte, lsn uint64) error {
	return vs.write(txnID, key, data, lsn)
}

// Update prepends a new version for an already visible key.
func (vs *VersionStore) Update(txnID uint64, key, data []byte, lsn uint64) error {
	return vs.write(txnID, key, data, lsn)
}

func (vs *VersionStore) write(txnID uint64, key, data []byte, lsn uint64) error {
	if len(key) == 0 {
		return ErrIllegalArguments
	}

	tx, err := vs.activeTxn(txnID)
	if err != nil {
		return err
	}

	version := &VersionedRecord{
		Key:         append([]byte{}, key...),
		Data:        append([]byte{}, data...),
		CreatedBy:   txnID,
		CreatedAt:   lsn,
		createdTime: time.Now(),
	}

	vs.chainsMutex.Lock()
	chain := vs.chains[string(key)]
	vs.chains[string(key)] = append([]*VersionedRecord{version}, chain...)
	vs.totalVersions++
	vs.mtr.SetTotalVersions(vs.totalVersions)
	vs.chainsMutex.Unlock()

	vs.txnMutex.Lock()
	tx.writeSet[string(key)] = struct{}{}
	vs.txnMutex.Unlock()

	return nil
}

// Remove tombstones the version of key visible to the transaction.
func (vs *VersionStore) Remove(txnID uint64, key []byte, lsn uint64) error {
	if len(key) == 0 {
		return ErrIllegalArguments
	}

	tx, err := vs.activeTxn(txnID)
	if err != nil {
		return err
	}

	vs.chainsMutex.Lock()
	defer vs.chainsMutex.Unlock()

	version, tombstoned := vs.findVisible(tx, key)
	if tombstoned {
		return ErrKeyNotFound
	}
	if version == nil {
		return ErrNoVisibleVersion
	}

	version.DeletedBy = txnID
	version.DeletedAt = lsn

	vs.txnMutex.Lock()
	tx.writeSet[string(key)] = struct{}{}
	vs.txnMutex.Unlock()

	return nil
}

// Read returns the data of the newest version of key visible to the
// transaction's snapshot. A visible tombstone reads as not found.
func (vs *VersionStore) Read(txnID uint64, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrIllegalArguments
	}

	tx, err := vs.activeTxn(txnID)
	if err != nil {
		return nil, err
	}

	vs.txnMutex.Lock()
	tx.readSet[string(key)] = struct{}{}
	vs.txnMutex.Unlock()

	vs.chainsMutex.RLock()
	defer vs.chainsMutex.RUnlock()

	version, tombstoned := vs.findVisible(tx, key)
	if tombstoned {
		return nil, ErrKeyNotFound
	}
	if version == nil {
		return nil, ErrNoVisibleVersion
	}

	return version.Data, nil
}

// findVisible walks the chain newest first and returns the first version
// whose creation is visible to tx. A version whose deletion is also
// visible reads as a tombstone. Callers hold chainsMutex.
func (vs *VersionStore) findVisible(tx *Txn, key []byte) (v *VersionedRecord, tombstoned bool) {
	for _, v := range vs.chains[string(key)] {
		if !vs.creationVisible(v, tx) {
			continue
		}

		if vs.deletionVisible(v, tx) {
			return nil, true
		}

		return v, false
	}

	return nil, false
}

func (vs *VersionStore) creationVisible(v *VersionedRecord, tx *Txn) bool {
	if v.CreatedBy == tx.ID {
		return true
	}
	return v.createCommitLSN != 0 && v.createCommitLSN <= tx.StartLSN
}

func (vs *VersionStore) deletionVisible(v *VersionedRecord, tx *Txn) bool {
	if v.DeletedBy == 0 {
		return false
	}
	if v.DeletedBy == tx.ID {
		return true
	}
	return v.deleteCommitLSN != 0 && v.deleteCommitLSN <= tx.StartLSN
}

// PrepareCommit applies the first-committer-wins rule: the commit must fail
// when any written key also received a committed write after the
// transaction's snapshot point.
func (vs *VersionStore) PrepareCommit(txnID uint64) error {
	tx, err := vs.activeTxn(txnID)
	if err != nil {
		return err
	}

	vs.chainsMutex.RLock()
	defer vs.chainsMutex.RUnlock()

	for key := range tx.writeSet {
		for _, v := range vs.chains[key] {
			if v.CreatedBy != tx.ID && v.createCommitLSN > tx.StartLSN {
				return ErrTxnConflict
			}
			if v.DeletedBy != 0 && v.DeletedBy != tx.ID && v.deleteCommitLSN > tx.StartLSN {
				return ErrTxnConflict
			}
		}
	}

	return nil
}

// Commit stamps the commit LSN into every version the transaction wrote
// and retires the transaction. Its writes become visible to transactions
// whose snapshot is at or past commitLSN.
func (vs *VersionStore) Commit(txnID, commitLSN uint64) error {
	vs.txnMutex.Lock()
	tx, ok := vs.active[txnID]
	if !ok {
		vs.txnMutex.Unlock()
		return ErrTxnNotActive
	}

	tx.State = TxnCommitted
	tx.CommitLSN = commitLSN
	delete(vs.active, txnID)
	vs.mtr.SetActiveTransactions(len(vs.active))
	vs.txnMutex.Unlock()

	vs.chainsMutex.Lock()
	defer vs.chainsMutex.Unlock()

	for key := range tx.writeSet {
		for _, v := range vs.chains[key] {
			if v.CreatedBy == txnID && v.createCommitLSN == 0 {
				v.createCommitLSN = commitLSN
			}
			if v.DeletedBy == txnID && v.deleteCommitLSN == 0 {
				v.deleteCommitLSN = commitLSN
			}
		}
	}

	return nil
}

// Abort retires the transaction and returns the keys it wrote, so the
// caller can restore their physical state. The aborted versions stay
// invisible and are reclaimed by CleanupAborted.
func (vs *VersionStore) Abort(txnID uint64) ([][]byte, error) {
	vs.txnMutex.Lock()
	defer vs.txnMutex.Unlock()

	tx, ok := vs.active[txnID]
	if !ok {
		return nil, ErrTxnNotActive
	}

	tx.State = TxnAborted
	delete(vs.active, txnID)
	vs.aborted[txnID] = struct{}{}

	writtenKeys := make([][]byte, 0, len(tx.writeSet))
	for key := range tx.writeSet {
		writtenKeys = append(writtenKeys, []byte(key))
	}

	vs.mtr.SetActiveTransactions(len(vs.active))

	return writtenKeys, nil
}

// CommittedValue returns the newest committed value of key, disregarding
// any snapshot: the state an aborting writer must restore.
func (vs *VersionStore) CommittedValue(key []byte) ([]byte, bool) {
	vs.chainsMutex.RLock()
	defer vs.chainsMutex.RUnlock()

	for _, v := range vs.chains[string(key)] {
		if v.createCommitLSN == 0 {
			continue
		}

		if v.DeletedBy != 0 && v.deleteCommitLSN != 0 {
			return nil, false
		}

		return v.Data, true
	}

	return nil, false
}

// OldestActiveStartLSN returns the snapshot point of the oldest running
// transaction, if any.
func (vs *VersionStore) OldestActiveStartLSN() (uint64, bool) {
	return vs.oldestActiveStartLSN()
}

// oldestActiveStartLSN is the snapshot point of the oldest running
// transaction; versions committed at or before it are visible to every
// running transaction.
func (vs *VersionStore) oldestActiveStartLSN() (uint64, bool) {
	vs.txnMutex.RLock()
	defer vs.txnMutex.RUnlock()

	if len(vs.active) == 0 {
		return 0, false
	}

	oldest := uint64(math.MaxUint64)
	for _, tx := range vs.active {
		if tx.StartLSN < oldest {
			oldest = tx.StartLSN
		}
	}

	return oldest, true
}

// CleanupOld prunes version chains: each chain keeps its newest live
// version and at most maxVersionsPerKey entries; superseded versions older
// than the retention period are removed once their successor is visible to
// every running transaction. Fully dead chains (a committed tombstone
// visible to everyone, past retention) are removed whole and their keys
// reported for physical index removal. No version visible to an active
// transaction is ever removed.
func (vs *VersionStore) CleanupOld() (removed int, deadKeys [][]byte) {
	// with no running transaction, every committed version is visible
	oldestStart := uint64(math.MaxUint64)
	if oldest, ok := vs.oldestActiveStartLSN(); ok {
		oldestStart = oldest
	}

	now := time.Now()

	vs.chainsMutex.Lock()
	defer vs.chainsMutex.Unlock()

	for key, chain := range vs.chains {
		if len(chain) == 0 {
			delete(vs.chains, key)
			continue
		}

		newest := chain[0]

		if vs.chainDead(chain, newest, oldestStart, now) {
			removed += len(chain)
			delete(vs.chains, key)
			deadKeys = append(deadKeys, newest.Key)
			continue
		}

		kept := chain[:1]

		for i := 1; i < len(chain); i++ {
			v := chain[i]
			succ := chain[i-1]

			expendable := len(kept)+len(chain)-i > vs.maxVersionsPerKey ||
				now.Sub(v.createdTime) >= vs.retentionPeriod

			succVisibleToAll := succ.createCommitLSN != 0 && succ.createCommitLSN <= oldestStart

			if v.createCommitLSN != 0 && succVisibleToAll && expendable {
				removed++
				continue
			}

			kept = append(kept, v)
		}

		vs.chains[key] = kept
	}

	vs.totalVersions -= removed
	vs.cleanedVersions += removed
	vs.mtr.SetTotalVersions(vs.totalVersions)
	vs.mtr.IncCleanedVersions(removed)

	if removed > 0 {
		vs.log.Debugf("mvcc: gc removed %d versions, %d dead keys", removed, len(deadKeys))
	}

	return removed, deadKeys
}

// chainDead reports whether the whole chain is superseded by a tombstone
// visible to every running transaction. Removing only the tombstone would
// resurrect older versions, so dead chains go all at once.
func (vs *VersionStore) chainDead(chain []*VersionedRecord, newest *VersionedRecord, oldestStart uint64, now time.Time) bool {
	if newest.DeletedBy == 0 ||
		newest.deleteCommitLSN == 0 ||
		newest.deleteCommitLSN > oldestStart ||
		now.Sub(newest.createdTime) < vs.retentionPeriod {
		return false
	}

	for _, v := range chain {
		if v.createCommitLSN == 0 {
			return false
		}
		if v.createCommitLSN > oldestStart {
			return false
		}
	}

	return true
}

// CleanupAborted removes the versions written by aborted transactions and
// clears their tombstones. Keys whose chains held nothing else are reported
// for physical index removal.
func (vs *VersionStore) CleanupAborted() (removed int, deadKeys [][]byte) {
	vs.txnMutex.Lock()
	abortedIDs := vs.aborted
	vs.aborted = make(map[uint64]struct{})
	vs.txnMutex.Unlock()

	if len(abortedIDs) == 0 {
		return 0, nil
	}

	vs.chainsMutex.Lock()
	defer vs.chainsMutex.Unlock()

	for key, chain := range vs.chains {
		kept := chain[:0]

		for _, v := range chain {
			if _, ok := abortedIDs[v.CreatedBy]; ok {
				removed++
				continue
			}

			if v.DeletedBy != 0 {
				if _, ok := abortedIDs[v.DeletedBy]; ok {
					v.DeletedBy = 0
					v.DeletedAt = 0
					v.deleteCommitLSN = 0
				}
			}

			kept = append(kept, v)
		}

		if len(kept) == 0 {
			delete(vs.chains, key)
			deadKeys = append(deadKeys, []byte(key))
			continue
		}

		vs.chains[key] = kept
	}

	vs.totalVersions -= removed
	vs.cleanedVersions += removed
	vs.mtr.SetTotalVersions(vs.totalVersions)
	vs.mtr.IncCleanedVersions(removed)

	return removed, deadKeys
}

// ApplyCommitted prepends an already-committed version, used by recovery to
// rebuild chains from replayed WAL records. A chain whose newest version
// carries identical committed data absorbs the replay, keeping WAL replay
// idempotent.
func (vs *VersionStore) ApplyCommitted(key, data []byte, createdBy, createdAt, commitLSN uint64) error {
	if len(key) == 0 {
		return ErrIllegalArguments
	}

	vs.chainsMutex.Lock()
	defer vs.chainsMutex.Unlock()

	chain := vs.chains[string(key)]

	if len(chain) > 0 {
		newest := chain[0]
		if newest.CreatedBy == createdBy && newest.createCommitLSN == commitLSN && !newest.Tombstoned() {
			newest.Data = append([]byte{}, data...)
			return nil
		}
	}

	version := &VersionedRecord{
		Key:             append([]byte{}, key...),
		Data:            append([]byte{}, data...),
		CreatedBy:       createdBy,
		CreatedAt:       createdAt,
		createCommitLSN: commitLSN,
		createdTime:     time.Now(),
	}

	vs.chains[string(key)] = append([]*VersionedRecord{version}, chain...)
	vs.totalVersions++
	vs.mtr.SetTotalVersions(vs.totalVersions)

	return nil
}

// ApplyCommittedDelete tombstones the newest version of key with an
// already-committed deletion, used by recovery.
func (vs *VersionStore) ApplyCommittedDelete(key []byte, deletedBy, deletedAt, commitLSN uint64) error {
	if len(key) == 0 {
		return ErrIllegalArguments
	}

	vs.chainsMutex.Lock()
	defer vs.chainsMutex.Unlock()

	chain := vs.chains[string(key)]
	if len(chain) == 0 {
		return ErrKeyNotFound
	}

	newest := chain[0]
	newest.DeletedBy = deletedBy
	newest.DeletedAt = deletedAt
	newest.deleteCommitLSN = commitLSN

	return nil
}

// HasChain reports whether key currently holds any version.
func (vs *VersionStore) HasChain(key []byte) bool {
	vs.chainsMutex.RLock()
	defer vs.chainsMutex.RUnlock()

	return len(vs.chains[string(key)]) > 0
}

// ChainLen returns the number of resident versions of key.
func (vs *VersionStore) ChainLen(key []byte) int {
	vs.chainsMutex.RLock()
	defer vs.chainsMutex.RUnlock()

	return len(vs.chains[string(key)])
}

func (vs *VersionStore) ActiveTransactions() int {
	vs.txnMutex.RLock()
	defer vs.txnMutex.RUnlock()

	return len(vs.active)
}

func (vs *VersionStore) Stats() VersionStats {
	vs.txnMutex.RLock()
	activeTxns := len(vs.active)
	vs.txnMutex.RUnlock()

	vs.chainsMutex.RLock()
	defer vs.chainsMutex.RUnlock()

	return VersionStats{
		TotalVersions:      vs.totalVersions,
		ActiveTransactions: activeTxns,
		CleanedVersions:    vs.cleanedVersions,
	}
}
