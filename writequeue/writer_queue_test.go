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

package writequeue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codenotary/cabtree/logger"
	"github.com/codenotary/cabtree/metrics"
	"github.com/codenotary/cabtree/pagestore"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mutex     sync.Mutex
	persisted []pagestore.PageID
	failures  map[pagestore.PageID]int
}

func (b *fakeBackend) Persist(id pagestore.PageID) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if n, ok := b.failures[id]; ok && n > 0 {
		b.failures[id] = n - 1
		return errors.New("transient failure")
	}

	b.persisted = append(b.persisted, id)
	return nil
}

func (b *fakeBackend) persistedCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.persisted)
}

type fakeTracker struct {
	mutex   sync.Mutex
	cleared []pagestore.PageID
}

func (tr *fakeTracker) ClearDirty(id pagestore.PageID) error {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	tr.cleared = append(tr.cleared, id)
	return nil
}

func (tr *fakeTracker) clearedCount() int {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()
	return len(tr.cleared)
}

func newTestQueue(t *testing.T, backend Backend, tracker DirtyTracker, opts *Options) *Queue {
	q, err := New(backend, tracker, opts, logger.NewMemoryLogger(), metrics.NewNopWriterQueueMetrics())
	require.NoError(t, err)
	return q
}

func testPage(t *testing.T) *pagestore.Page {
	pg := pagestore.NewPage(true)
	require.NoError(t, pg.InsertRecord([]byte("k"), []byte("v")))
	return pg
}

func TestQueuePersistsEnqueuedPages(t *testing.T) {
	backend := &fakeBackend{}
	tracker := &fakeTracker{}

	q := newTestQueue(t, backend, tracker, DefaultOptions())
	require.NoError(t, q.Start())
	require.ErrorIs(t, q.Start(), ErrAlreadyRunning)
	defer q.Stop()

	pg := testPage(t)

	for i := 1; i <= 10; i++ {
		require.NoError(t, q.Enqueue(pagestore.PageID(i), pg))
	}

	require.NoError(t, q.WaitForEmpty())

	require.Equal(t, 10, backend.persistedCount())
	require.Equal(t, 10, tracker.clearedCount())
	require.True(t, q.Healthy())

	stats := q.Stats()
	require.Equal(t, uint64(10), stats.Persisted)
	require.Zero(t, stats.Failures)
}

func TestQueueBackpressure(t *testing.T) {
	backend := &fakeBackend{}
	tracker := &fakeTracker{}

	// queue not started: nothing drains
	q := newTestQueue(t, backend, tracker,
		DefaultOptions().WithMaxQueueSize(2))

	pg := testPage(t)

	require.NoError(t, q.Enqueue(1, pg))
	require.NoError(t, q.Enqueue(2, pg))

	require.ErrorIs(t, q.Enqueue(3, pg), ErrQueueFull)

	// draining frees capacity
	require.NoError(t, q.Start())
	defer q.Stop()

	require.NoError(t, q.WaitForEmpty())

	require.NoError(t, q.Enqueue(3, pg))
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	backend := &fakeBackend{failures: map[pagestore.PageID]int{7: 2}}
	tracker := &fakeTracker{}

	q := newTestQueue(t, backend, tracker, DefaultOptions().WithMaxRetries(3))
	require.NoError(t, q.Start())
	defer q.Stop()

	require.NoError(t, q.Enqueue(7, testPage(t)))

	require.NoError(t, q.WaitForEmpty())

	require.Equal(t, 1, backend.persistedCount())
	require.True(t, q.Healthy())
	require.Equal(t, uint64(2), q.Stats().Retries)
}

func TestQueueSurfacesPersistentFailures(t *testing.T) {
	backend := &fakeBackend{failures: map[pagestore.PageID]int{7: 100}}
	tracker := &fakeTracker{}

	q := newTestQueue(t, backend, tracker, DefaultOptions().WithMaxRetries(2))
	require.NoError(t, q.Start())
	defer q.Stop()

	require.NoError(t, q.Enqueue(7, testPage(t)))

	require.NoError(t, q.WaitForEmpty())

	require.False(t, q.Healthy())
	require.Equal(t, uint64(1), q.Stats().Failures)
	require.Zero(t, tracker.clearedCount())
}

func TestQueueStopDrains(t *testing.T) {
	backend := &fakeBackend{}
	tracker := &fakeTracker{}

	q := newTestQueue(t, backend, tracker,
		DefaultOptions().WithWorkers(1).WithBatchTimeout(time.Millisecond))
	require.NoError(t, q.Start())

	pg := testPage(t)

	for i := 1; i <= 50; i++ {
		require.NoError(t, q.Enqueue(pagestore.PageID(i), pg))
	}

	require.NoError(t, q.Stop())
	require.NoError(t, q.Stop()) // idempotent

	require.Equal(t, 50, backend.persistedCount())

	require.ErrorIs(t, q.Enqueue(51, pg), ErrAlreadyStopped)
}
