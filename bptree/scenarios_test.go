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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// Round trip on a tiny fanout: the root must have gone internal.
func TestScenarioRoundTrip(t *testing.T) {
	tree := newTestTree(t, testOptions(3))

	values := map[int]string{1: "a", 2: "b", 3: "c", 4: "d", 5: "e"}

	for i := 1; i <= 5; i++ {
		require.NoError(t, tree.Insert(0, intKey(i), []byte(values[i])))
	}

	for i := 1; i <= 5; i++ {
		v, err := tree.Search(0, intKey(i))
		require.NoError(t, err)
		require.Equal(t, []byte(values[i]), v)
	}

	_, err := tree.Search(0, intKey(6))
	require.ErrorIs(t, err, ErrKeyNotFound)

	root, err := tree.pageByID(tree.Root())
	require.NoError(t, err)
	require.False(t, root.IsLeaf)

	height, err := tree.Height()
	require.NoError(t, err)
	require.Equal(t, 2, height)
}

// Writing the same logical page content repeatedly must hit the dedup
// index instead of growing the store.
func TestScenarioDedup(t *testing.T) {
	tree := newTestTree(t, testOptions(4))

	for round := 0; round < 3; round++ {
		txn, err := tree.BeginTxn()
		require.NoError(t, err)

		require.NoError(t, tree.Insert(txn, intKey(7), []byte("v7")))
		require.NoError(t, tree.CommitTxn(txn))

		txn, err = tree.BeginTxn()
		require.NoError(t, err)

		require.NoError(t, tree.Delete(txn, intKey(7)))
		require.NoError(t, tree.CommitTxn(txn))
	}

	stats := tree.ContentStoreStats()
	require.Positive(t, stats.DedupHits)
	require.Less(t, stats.UniquePages, 6) // strictly fewer than the logical writes
}

// Crash safety: committed work survives a kill, in-flight work does not.
func TestScenarioCrashRecovery(t *testing.T) {
	tree := newTestTree(t, testOptions(4))

	committed, err := tree.BeginTxn()
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, tree.Insert(committed, intKey(i), intValue(i)))
	}

	require.NoError(t, tree.CommitTxn(committed))

	inflight, err := tree.BeginTxn()
	require.NoError(t, err)

	for i := 11; i <= 20; i++ {
		require.NoError(t, tree.Insert(inflight, intKey(i), intValue(i)))
	}

	// no commit for the in-flight txn; the process dies here
	reopened, err := Open(crashCopy(t, tree), testOptions(4))
	require.NoError(t, err)
	defer reopened.Close()

	for i := 1; i <= 10; i++ {
		v, err := reopened.Search(0, intKey(i))
		require.NoError(t, err)
		require.Equal(t, intValue(i), v)
	}

	for i := 11; i <= 20; i++ {
		_, err := reopened.Search(0, intKey(i))
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
}

// Snapshot isolation: a long-running reader keeps its snapshot across a
// concurrent committed update.
func TestScenarioSnapshot(t *testing.T) {
	tree := newTestTree(t, testOptions(4))

	require.NoError(t, tree.Insert(0, intKey(42), []byte("old")))

	t1, err := tree.BeginTxn()
	require.NoError(t, err)

	t2, err := tree.BeginTxn()
	require.NoError(t, err)
	require.NoError(t, tree.Update(t2, intKey(42), []byte("new")))
	require.NoError(t, tree.CommitTxn(t2))

	v, err := tree.Search(t1, intKey(42))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)

	t3, err := tree.BeginTxn()
	require.NoError(t, err)

	v, err = tree.Search(t3, intKey(42))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)

	// and the reader still observes its snapshot
	v, err = tree.Search(t1, intKey(42))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
}

// Split/merge stress: ascending inserts then descending deletes with GC
// driving physical removal.
func TestScenarioSplitMergeStress(t *testing.T) {
	tree := newTestTree(t, testOptions(4))

	for i := 1; i <= 1000; i++ {
		require.NoError(t, tree.Insert(0, intKey(i), intValue(i)))

		if i%100 == 0 {
			checkTreeInvariants(t, tree)
		}
	}

	checkTreeInvariants(t, tree)

	for i := 500; i >= 1; i-- {
		require.NoError(t, tree.Delete(0, intKey(i)))
	}

	// physical removal happens at GC time
	_, removedKeys, err := tree.GC()
	require.NoError(t, err)
	require.Equal(t, 500, removedKeys)

	checkTreeInvariants(t, tree)

	for i := 1; i <= 500; i++ {
		_, err := tree.Search(0, intKey(i))
		require.ErrorIs(t, err, ErrKeyNotFound)
	}

	for i := 501; i <= 1000; i++ {
		v, err := tree.Search(0, intKey(i))
		require.NoError(t, err)
		require.Equal(t, intValue(i), v)
	}
}

// Checkpoint + truncate: the WAL shrinks and a subsequent crash recovers
// to identical state.
func TestScenarioCheckpointTruncate(t *testing.T) {
	tree := newTestTree(t, testOptions(8))

	value := make([]byte, 128)
	for i := range value {
		value[i] = byte(i)
	}

	for i := 0; i < 500; i++ {
		require.NoError(t, tree.Insert(0, intKey(i), value))
	}

	sizeBeforeCheckpoint, err := tree.wal.Size()
	require.NoError(t, err)

	require.NoError(t, tree.Checkpoint())

	sizeAfterTruncate, err := tree.wal.Size()
	require.NoError(t, err)
	require.Less(t, sizeAfterTruncate, sizeBeforeCheckpoint)

	// more committed work past the checkpoint
	for i := 500; i < 550; i++ {
		require.NoError(t, tree.Insert(0, intKey(i), value))
	}

	reopened, err := Open(crashCopy(t, tree), testOptions(8))
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < 550; i++ {
		v, err := reopened.Search(0, intKey(i))
		require.NoError(t, err, fmt.Sprintf("key %d", i))
		require.Equal(t, value, v)
	}

	_, err = reopened.Search(0, intKey(999))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// A checkpoint may anchor pages carrying in-flight writes; recovery must
// undo them from the surviving WAL records.
func TestScenarioCheckpointAnchorsInflightWork(t *testing.T) {
	tree := newTestTree(t, testOptions(4))

	require.NoError(t, tree.Insert(0, []byte("base"), []byte("committed")))

	inflight, err := tree.BeginTxn()
	require.NoError(t, err)

	require.NoError(t, tree.Update(inflight, []byte("base"), []byte("dirty")))
	require.NoError(t, tree.Insert(inflight, []byte("fresh"), []byte("dirty")))

	// the checkpoint anchors the in-flight effects, but keeps their
	// records in the WAL
	require.NoError(t, tree.Checkpoint())

	reopened, err := Open(crashCopy(t, tree), testOptions(4))
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Search(0, []byte("base"))
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), v)

	_, err = reopened.Search(0, []byte("fresh"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// Aborting restores the committed page state, so later checkpoints anchor
// committed data only.
func TestScenarioAbortRestoresPages(t *testing.T) {
	tree := newTestTree(t, testOptions(4))

	require.NoError(t, tree.Insert(0, []byte("base"), []byte("committed")))

	txn, err := tree.BeginTxn()
	require.NoError(t, err)

	require.NoError(t, tree.Update(txn, []byte("base"), []byte("dirty")))
	require.NoError(t, tree.Insert(txn, []byte("fresh"), []byte("dirty")))
	require.NoError(t, tree.AbortTxn(txn))

	// checkpoint after the abort, then crash: the WAL prefix is gone and
	// the anchored pages are the only source of pre-checkpoint state
	require.NoError(t, tree.Checkpoint())

	reopened, err := Open(crashCopy(t, tree), testOptions(4))
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Search(0, []byte("base"))
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), v)

	_, err = reopened.Search(0, []byte("fresh"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// Replaying the same WAL twice yields the same state as replaying it once.
func TestScenarioReplayIdempotence(t *testing.T) {
	tree := newTestTree(t, testOptions(4))

	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(0, intKey(i), intValue(i)))
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Delete(0, intKey(i)))
	}

	crashDir := crashCopy(t, tree)

	once, err := Open(crashDir, testOptions(4))
	require.NoError(t, err)

	// replay the log a second time over the recovered state
	require.NoError(t, once.recover())

	for i := 0; i < 20; i++ {
		_, err := once.Search(0, intKey(i))
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	for i := 20; i < 100; i++ {
		v, err := once.Search(0, intKey(i))
		require.NoError(t, err)
		require.Equal(t, intValue(i), v)
	}

	checkTreeInvariants(t, once)

	require.NoError(t, once.Close())
}
