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
	"os"
	"path/filepath"
	"testing"

	"github.com/codenotary/cabtree/appendable/singleapp"
	"github.com/codenotary/cabtree/logger"
	"github.com/codenotary/cabtree/metrics"
	"github.com/codenotary/cabtree/pagestore"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, path string) *WAL {
	app, err := singleapp.Open(path, singleapp.DefaultOptions().WithWriteBufferSize(8192))
	require.NoError(t, err)

	w, err := Open(app, logger.NewMemoryLogger(), metrics.NewNopWALMetrics())
	require.NoError(t, err)

	return w
}

type replayOp struct {
	op  string
	pid pagestore.PageID
	key string
	val string
}

func collectingHandlers(ops *[]replayOp) RedoHandlers {
	return RedoHandlers{
		OnInsert: func(pid pagestore.PageID, key, newBytes []byte) error {
			*ops = append(*ops, replayOp{"insert", pid, string(key), string(newBytes)})
			return nil
		},
		OnUpdate: func(pid pagestore.PageID, key, newBytes []byte) error {
			*ops = append(*ops, replayOp{"update", pid, string(key), string(newBytes)})
			return nil
		},
		OnDelete: func(pid pagestore.PageID, key, oldBytes []byte) error {
			*ops = append(*ops, replayOp{"delete", pid, string(key), string(oldBytes)})
			return nil
		},
	}
}

func TestWALBasicLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)
	defer w.Close()

	txn, err := w.BeginTxn()
	require.NoError(t, err)
	require.Equal(t, uint64(1), txn)

	lsn, err := w.LogInsert(txn, 1, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), lsn)

	lsn, err = w.LogUpdate(txn, 1, []byte("k1"), []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), lsn)

	lsn, err = w.LogDelete(txn, 1, []byte("k1"), []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, uint64(4), lsn)

	_, err = w.LogInsert(txn, 1, nil, []byte("v"))
	require.ErrorIs(t, err, ErrIllegalArguments)

	commitLSN, err := w.CommitTxn(txn)
	require.NoError(t, err)
	require.Equal(t, uint64(5), commitLSN)
	require.Equal(t, commitLSN, w.CurrentLSN())
}

func TestWALCountersRestoredOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	w := openTestWAL(t, path)

	txn, err := w.BeginTxn()
	require.NoError(t, err)

	_, err = w.LogInsert(txn, 1, []byte("k"), []byte("v"))
	require.NoError(t, err)

	_, err = w.CommitTxn(txn)
	require.NoError(t, err)

	ckptLSN, err := w.WriteCheckpoint()
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Close(), ErrAlreadyClosed)

	w = openTestWAL(t, path)
	defer w.Close()

	require.Equal(t, ckptLSN, w.LastCheckpointLSN())
	require.Equal(t, ckptLSN, w.CurrentLSN())
	require.Equal(t, txn+2, w.NextTxnID()) // checkpoint consumed a txn id
}

func TestWALReplayCommittedOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)
	defer w.Close()

	committedTxn, err := w.BeginTxn()
	require.NoError(t, err)

	_, err = w.LogInsert(committedTxn, 1, []byte("k1"), []byte("v1"))
	require.NoError(t, err)

	_, err = w.CommitTxn(committedTxn)
	require.NoError(t, err)

	abortedTxn, err := w.BeginTxn()
	require.NoError(t, err)

	_, err = w.LogInsert(abortedTxn, 1, []byte("k2"), []byte("v2"))
	require.NoError(t, err)

	_, err = w.AbortTxn(abortedTxn)
	require.NoError(t, err)

	inflightTxn, err := w.BeginTxn()
	require.NoError(t, err)

	_, err = w.LogInsert(inflightTxn, 1, []byte("k3"), []byte("v3"))
	require.NoError(t, err)

	var ops []replayOp
	require.NoError(t, w.Replay(0, collectingHandlers(&ops)))

	require.Len(t, ops, 1)
	require.Equal(t, replayOp{"insert", 1, "k1", "v1"}, ops[0])

	// replay is idempotent at the log level
	var ops2 []replayOp
	require.NoError(t, w.Replay(0, collectingHandlers(&ops2)))
	require.Equal(t, ops, ops2)
}

func TestWALReplayFromCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)
	defer w.Close()

	txn, err := w.BeginTxn()
	require.NoError(t, err)
	_, err = w.LogInsert(txn, 1, []byte("before"), []byte("v"))
	require.NoError(t, err)
	_, err = w.CommitTxn(txn)
	require.NoError(t, err)

	ckptLSN, err := w.WriteCheckpoint()
	require.NoError(t, err)

	txn, err = w.BeginTxn()
	require.NoError(t, err)
	_, err = w.LogInsert(txn, 2, []byte("after"), []byte("v"))
	require.NoError(t, err)
	_, err = w.CommitTxn(txn)
	require.NoError(t, err)

	var ops []replayOp
	require.NoError(t, w.Replay(ckptLSN, collectingHandlers(&ops)))

	require.Len(t, ops, 1)
	require.Equal(t, "after", ops[0].key)
}

func TestWALTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)

	for i := 0; i < 10; i++ {
		txn, err := w.BeginTxn()
		require.NoError(t, err)
		_, err = w.LogInsert(txn, 1, []byte{byte('a' + i)}, []byte("v"))
		require.NoError(t, err)
		_, err = w.CommitTxn(txn)
		require.NoError(t, err)
	}

	// truncating past the last checkpoint is rejected
	require.ErrorIs(t, w.Truncate(5), ErrIllegalArguments)

	sizeBeforeCheckpoint, err := w.Size()
	require.NoError(t, err)

	ckptLSN, err := w.WriteCheckpoint()
	require.NoError(t, err)

	require.NoError(t, w.Truncate(ckptLSN))

	sizeAfterTruncate, err := w.Size()
	require.NoError(t, err)
	require.Less(t, sizeAfterTruncate, sizeBeforeCheckpoint)

	// counters survive a reopen after truncation
	require.NoError(t, w.Close())

	w = openTestWAL(t, path)
	defer w.Close()

	require.Equal(t, ckptLSN, w.CurrentLSN())
	require.Equal(t, ckptLSN, w.LastCheckpointLSN())

	var ops []replayOp
	require.NoError(t, w.Replay(w.LastCheckpointLSN(), collectingHandlers(&ops)))
	require.Empty(t, ops)
}

func TestWALReplayUndoesLosers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)
	defer w.Close()

	// committed writer of k1
	committedTxn, err := w.BeginTxn()
	require.NoError(t, err)
	_, err = w.LogInsert(committedTxn, 1, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = w.CommitTxn(committedTxn)
	require.NoError(t, err)

	// in-flight txn updates k1 and inserts k2
	inflightTxn, err := w.BeginTxn()
	require.NoError(t, err)
	_, err = w.LogUpdate(inflightTxn, 1, []byte("k1"), []byte("v1"), []byte("dirty"))
	require.NoError(t, err)
	_, err = w.LogInsert(inflightTxn, 2, []byte("k2"), []byte("dirty"))
	require.NoError(t, err)

	// a later committed writer takes over k2: no undo for it
	winnerTxn, err := w.BeginTxn()
	require.NoError(t, err)
	_, err = w.LogInsert(winnerTxn, 2, []byte("k2"), []byte("v2"))
	require.NoError(t, err)
	_, err = w.CommitTxn(winnerTxn)
	require.NoError(t, err)

	var redone, undone []replayOp

	handlers := collectingHandlers(&redone)
	handlers.OnUndoInsert = func(pid pagestore.PageID, key []byte) error {
		undone = append(undone, replayOp{"undo-insert", pid, string(key), ""})
		return nil
	}
	handlers.OnUndoUpdate = func(pid pagestore.PageID, key, oldBytes []byte) error {
		undone = append(undone, replayOp{"undo-update", pid, string(key), string(oldBytes)})
		return nil
	}
	handlers.OnUndoDelete = func(pid pagestore.PageID, key, oldBytes []byte) error {
		undone = append(undone, replayOp{"undo-delete", pid, string(key), string(oldBytes)})
		return nil
	}

	require.NoError(t, w.Replay(0, handlers))

	require.Equal(t, []replayOp{
		{"insert", 1, "k1", "v1"},
		{"insert", 2, "k2", "v2"},
	}, redone)

	// k2's undo is suppressed by the later committed write; k1's update is
	// rolled back with its pre-image
	require.Equal(t, []replayOp{
		{"undo-update", 1, "k1", "v1"},
	}, undone)
}

func TestWALCorruptedRecordStopsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w := openTestWAL(t, path)

	txn, err := w.BeginTxn()
	require.NoError(t, err)
	_, err = w.LogInsert(txn, 1, []byte("good"), []byte("v"))
	require.NoError(t, err)
	_, err = w.CommitTxn(txn)
	require.NoError(t, err)

	require.NoError(t, w.Close())

	// flip a byte in the tail: the last record becomes unreadable
	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	bs[len(bs)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, bs, 0644))

	w = openTestWAL(t, path)
	defer w.Close()

	var ops []replayOp
	require.NoError(t, w.Replay(0, collectingHandlers(&ops)))

	// the commit record was corrupted, so nothing is redone
	require.Empty(t, ops)
}
