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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/codenotary/cabtree/appendable"
	"github.com/codenotary/cabtree/appendable/singleapp"
	"github.com/codenotary/cabtree/logger"
	"github.com/codenotary/cabtree/metrics"
	"github.com/codenotary/cabtree/multierr"
	"github.com/codenotary/cabtree/mvcc"
	"github.com/codenotary/cabtree/pagestore"
	"github.com/codenotary/cabtree/sched"
	"github.com/codenotary/cabtree/wal"
	"github.com/codenotary/cabtree/writequeue"
	"github.com/google/uuid"
)

const walFilename = "wal.log"
const pagesFilename = "pages.dat"

const metaVersion = "VERSION"
const metaFanout = "FANOUT"
const metaInstanceID = "INSTANCE_ID"

const Version = 1

// TxnID identifies a transaction. Zero requests an auto-committed
// transaction scoped to the single operation.
type TxnID = uint64

// BPlusTree is the storage engine: a disk-resident B+Tree over a
// content-addressed page store, with write-ahead logging, snapshot
// isolation and background write-back, checkpointing and version GC.
//
// The tree exclusively owns its WAL, page cache, writer queue, content
// store and version store; instances never share them.
type BPlusTree struct {
	path   string
	fanout int

	instanceID string

	wal      *wal.WAL
	versions *mvcc.VersionStore
	store    *pagestore.ContentStore
	cache    *pagestore.PageCache
	queue    *writequeue.Queue

	scheduler    sched.Scheduler
	checkpointer *checkpointCoordinator

	// guards rootID and all structural mutations
	rwmutex sync.RWMutex
	rootID  pagestore.PageID

	// serializes the prepare/commit sequence so first-committer-wins
	// cannot be raced
	commitMutex sync.Mutex

	closedMutex sync.Mutex
	closed      bool

	log  logger.Logger
	opts *Options
}

// Open opens or creates a tree rooted at the given directory.
func Open(path string, opts *Options) (*BPlusTree, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	finfo, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}

		err = os.MkdirAll(path, opts.fileMode)
		if err != nil {
			return nil, err
		}
	} else if !finfo.IsDir() {
		return nil, fmt.Errorf("%w: path is not a directory", ErrIllegalArguments)
	}

	log := opts.log
	if log == nil {
		log = logger.NewSimpleLogger("cabtree", os.Stderr)
	}

	componentLogger := func(name string) logger.Logger {
		if sl, ok := log.(*logger.SimpleLogger); ok {
			return sl.WithComponent("cabtree/" + name)
		}
		return log
	}

	csMetrics := metrics.NewNopContentStoreMetrics()
	pcMetrics := metrics.NewNopPageCacheMetrics()
	walMetrics := metrics.NewNopWALMetrics()
	wqMetrics := metrics.NewNopWriterQueueMetrics()
	mvccMetrics := metrics.NewNopMVCCMetrics()

	if opts.prometheusMetrics {
		csMetrics = metrics.NewPrometheusContentStoreMetrics()
		pcMetrics = metrics.NewPrometheusPageCacheMetrics()
		walMetrics = metrics.NewPrometheusWALMetrics()
		wqMetrics = metrics.NewPrometheusWriterQueueMetrics()
		mvccMetrics = metrics.NewPrometheusMVCCMetrics()
	}

	metadata := appendable.NewMetadata(nil)
	metadata.PutInt(metaVersion, Version)
	metadata.PutInt(metaFanout, opts.fanout)
	metadata.PutString(metaInstanceID, uuid.New().String())

	pagesApp, err := singleapp.Open(filepath.Join(path, pagesFilename),
		singleapp.DefaultOptions().
			WithMetadata(metadata.Bytes()).
			WithFileMode(0644))
	if err != nil {
		return nil, fmt.Errorf("unable to open page segment: %w", err)
	}

	storedMeta := appendable.NewMetadata(pagesApp.Metadata())

	version, ok := storedMeta.GetInt(metaVersion)
	if !ok || version != Version {
		pagesApp.Close()
		return nil, fmt.Errorf("%w: unsupported page segment version", ErrCorruptedData)
	}

	fanout, ok := storedMeta.GetInt(metaFanout)
	if !ok {
		pagesApp.Close()
		return nil, fmt.Errorf("%w: page segment metadata misses fanout", ErrCorruptedData)
	}

	if fanout != opts.fanout {
		log.Warningf("fanout %d requested but tree was created with %d, keeping %d",
			opts.fanout, fanout, fanout)
	}

	instanceID, _ := storedMeta.GetString(metaInstanceID)

	store, err := pagestore.OpenContentStore(pagesApp, componentLogger("pagestore"), csMetrics)
	if err != nil {
		pagesApp.Close()
		return nil, err
	}

	cache, err := pagestore.NewPageCache(opts.cacheCapacity, store, pcMetrics)
	if err != nil {
		store.Close()
		return nil, err
	}

	walApp, err := singleapp.Open(filepath.Join(path, walFilename),
		singleapp.DefaultOptions().
			WithMetadata(metadata.Bytes()).
			WithWriteBufferSize(opts.walBufferBytes).
			WithFileMode(0644))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("unable to open wal: %w", err)
	}

	walog, err := wal.Open(walApp, componentLogger("wal"), walMetrics)
	if err != nil {
		store.Close()
		walApp.Close()
		return nil, err
	}

	versions, err := mvcc.NewVersionStore(opts.mvccRetention, opts.mvccMaxVersionsPerKey,
		componentLogger("mvcc"), mvccMetrics)
	if err != nil {
		store.Close()
		walog.Close()
		return nil, err
	}

	queue, err := writequeue.New(store, cache,
		writequeue.DefaultOptions().WithWorkers(opts.writerThreads),
		componentLogger("writequeue"), wqMetrics)
	if err != nil {
		store.Close()
		walog.Close()
		return nil, err
	}

	t := &BPlusTree{
		path:       path,
		fanout:     fanout,
		instanceID: instanceID,
		wal:        walog,
		versions:   versions,
		store:      store,
		cache:      cache,
		queue:      queue,
		scheduler:  sched.NewTimerScheduler(),
		log:        log,
		opts:       opts,
	}

	err = t.initRoot()
	if err != nil {
		t.closeComponents()
		return nil, err
	}

	err = t.recover()
	if err != nil {
		t.closeComponents()
		return nil, err
	}

	err = t.queue.Start()
	if err != nil {
		t.closeComponents()
		return nil, err
	}

	t.checkpointer = newCheckpointCoordinator(t)

	err = t.checkpointer.start()
	if err != nil {
		t.closeComponents()
		return nil, err
	}

	_, err = t.scheduler.Every("mvcc-gc", opts.gcInterval, func() {
		_, _, gcErr := t.GC()
		if gcErr != nil && !errors.Is(gcErr, ErrAlreadyClosed) {
			t.log.Warningf("mvcc gc failed: %v", gcErr)
		}
	})
	if err != nil {
		t.closeComponents()
		return nil, err
	}

	t.log.Infof("tree opened at %s, instance %s, fanout %d, root page %d",
		path, instanceID, fanout, t.rootID)

	return t, nil
}

// initRoot resolves the anchored root or creates an empty leaf root.
func (t *BPlusTree) initRoot() error {
	if anchor, ok := t.store.Anchor(); ok {
		_, err := t.store.Get(anchor)
		if err != nil {
			return fmt.Errorf("%w: anchored root page %d missing", ErrCorruptedTree, anchor)
		}

		t.rootID = anchor
		return nil
	}

	rootID, err := t.store.Store(pagestore.NewPage(true))
	if err != nil {
		return err
	}

	t.rootID = rootID
	return nil
}

// Fanout returns the maximum number of keys per node.
func (t *BPlusTree) Fanout() int {
	return t.fanout
}

// InstanceID returns the identifier stamped into the store at creation.
func (t *BPlusTree) InstanceID() string {
	return t.instanceID
}

// Root returns the current root page id.
func (t *BPlusTree) Root() pagestore.PageID {
	t.rwmutex.RLock()
	defer t.rwmutex.RUnlock()

	return t.rootID
}

// Height returns the current depth of the tree.
func (t *BPlusTree) Height() (int, error) {
	t.rwmutex.RLock()
	defer t.rwmutex.RUnlock()

	height := 1

	pg, err := t.pageByID(t.rootID)
	if err != nil {
		return 0, err
	}

	for !pg.IsLeaf {
		if len(pg.Children) == 0 {
			return 0, fmt.Errorf("%w: internal page %d has no children", ErrCorruptedTree, pg.ID)
		}

		pg, err = t.pageByID(pg.Children[0])
		if err != nil {
			return 0, err
		}

		height++
	}

	return height, nil
}

// ContentStoreStats exposes the underlying repository counters.
func (t *BPlusTree) ContentStoreStats() pagestore.ContentStoreStats {
	return t.store.Stats()
}

// VersionStats exposes the version store counters.
func (t *BPlusTree) VersionStats() mvcc.VersionStats {
	return t.versions.Stats()
}

// QueueStats exposes the writer queue counters.
func (t *BPlusTree) QueueStats() writequeue.Stats {
	return t.queue.Stats()
}

// CheckpointStats exposes the checkpoint coordinator counters.
func (t *BPlusTree) CheckpointStats() CheckpointStats {
	return t.checkpointer.stats()
}

// Healthy reports whether background write-back has seen no persistent
// failure.
func (t *BPlusTree) Healthy() bool {
	return t.queue.Healthy()
}

func (t *BPlusTree) isClosed() bool {
	t.closedMutex.Lock()
	defer t.closedMutex.Unlock()

	return t.closed
}

// Flush drains the writer queue and syncs both persistent files.
func (t *BPlusTree) Flush() error {
	if t.isClosed() {
		return ErrAlreadyClosed
	}

	t.rwmutex.Lock()
	err := t.enqueueDirtyPages()
	t.rwmutex.Unlock()
	if err != nil {
		return err
	}

	err = t.queue.WaitForEmpty()
	if err != nil {
		return err
	}

	err = t.store.Sync()
	if err != nil {
		return err
	}

	return t.wal.Sync()
}

// enqueueDirtyPages offers every dirty page to the writer queue, falling
// back to synchronous persistence under backpressure. When the fallback
// itself fails, the error keeps its queue-full (or stopped) cause so it
// surfaces as a typed result from the public call. Callers hold the tree
// lock.
func (t *BPlusTree) enqueueDirtyPages() error {
	for _, e := range t.cache.DirtyPages() {
		err := t.queue.Enqueue(e.ID, e.Page)
		if err != nil {
			// queue full or stopped: persist on the caller's thread
			perr := t.store.Persist(e.ID)
			if perr != nil {
				return fmt.Errorf("%w: synchronous write-back of page %d failed: %v", err, e.ID, perr)
			}

			err = t.cache.ClearDirty(e.ID)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// Checkpoint flushes dirty pages, durably anchors the root, emits a
// CHECKPOINT record and truncates the WAL prefix it covers. Writers are
// quiesced for the duration: a record logged concurrently could otherwise
// fall below the checkpoint with its pages still unflushed.
func (t *BPlusTree) Checkpoint() error {
	if t.isClosed() {
		return ErrAlreadyClosed
	}

	t.rwmutex.Lock()
	defer t.rwmutex.Unlock()

	err := t.enqueueDirtyPages()
	if err != nil {
		return err
	}

	err = t.queue.WaitForEmpty()
	if err != nil {
		return err
	}

	err = t.store.Sync()
	if err != nil {
		return err
	}

	err = t.store.StoreAnchor(t.rootID)
	if err != nil {
		return err
	}

	ckptLSN, err := t.wal.WriteCheckpoint()
	if err != nil {
		return err
	}

	// records of still-running transactions must survive truncation: their
	// anchored effects are undone from these records if the process dies
	bound := ckptLSN
	if oldest, ok := t.versions.OldestActiveStartLSN(); ok && oldest < bound {
		bound = oldest
	}

	return t.wal.Truncate(bound)
}

// GC reclaims obsolete record versions and physically removes keys whose
// chains died, rebalancing the tree as needed.
func (t *BPlusTree) GC() (removedVersions int, removedKeys int, err error) {
	if t.isClosed() {
		return 0, 0, ErrAlreadyClosed
	}

	t.rwmutex.Lock()
	defer t.rwmutex.Unlock()

	abortedRemoved, deadKeys := t.versions.CleanupAborted()
	oldRemoved, moreDead := t.versions.CleanupOld()

	removedVersions = abortedRemoved + oldRemoved
	deadKeys = append(deadKeys, moreDead...)

	for _, key := range deadKeys {
		if t.versions.HasChain(key) {
			// the key was rewritten since its chain died
			continue
		}

		err = t.removeKey(key)
		if errors.Is(err, ErrKeyNotFound) {
			err = nil
			continue
		}
		if err != nil {
			return removedVersions, removedKeys, err
		}

		removedKeys++
	}

	return removedVersions, removedKeys, nil
}

// stopBackground halts the timers and drains the writer queue. Must not
// be called with the tree lock held: in-flight jobs may be waiting for it.
func (t *BPlusTree) stopBackground() error {
	merr := multierr.NewMultiErr()

	if t.checkpointer != nil {
		t.checkpointer.stop()
	}

	merr.Append("scheduler", t.scheduler.Close())
	merr.Append("writer queue", t.queue.Stop())

	return merr.Reduce()
}

func (t *BPlusTree) flushAndCloseFiles() error {
	merr := multierr.NewMultiErr()

	merr.Append("page cache", t.cache.FlushAll())
	merr.Append("root anchor", t.store.StoreAnchor(t.rootID))

	merr.Append("content store", t.store.Close())
	merr.Append("wal", t.wal.Close())

	return merr.Reduce()
}

func (t *BPlusTree) closeComponents() error {
	merr := multierr.NewMultiErr()

	merr.Append("background", t.stopBackground())
	merr.Append("files", t.flushAndCloseFiles())

	return merr.Reduce()
}

// Close drains background work, flushes all state and closes the
// persistent files. Further calls return ErrAlreadyClosed.
func (t *BPlusTree) Close() error {
	t.closedMutex.Lock()
	if t.closed {
		t.closedMutex.Unlock()
		return ErrAlreadyClosed
	}
	t.closed = true
	t.closedMutex.Unlock()

	if active := t.versions.ActiveTransactions(); active > 0 {
		t.log.Warningf("closing with %d active transactions, discarding their work", active)
	}

	// background jobs may be waiting on the tree lock: stop them first
	err := t.stopBackground()
	if err != nil {
		return err
	}

	t.rwmutex.Lock()
	defer t.rwmutex.Unlock()

	err = t.flushAndCloseFiles()
	if err != nil {
		return err
	}

	t.log.Infof("tree at %s closed", t.path)

	return nil
}
