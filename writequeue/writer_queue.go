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
	"sync/atomic"
	"time"

	"github.com/codenotary/cabtree/logger"
	"github.com/codenotary/cabtree/metrics"
	"github.com/codenotary/cabtree/pagestore"
)

var (
	ErrIllegalArguments = errors.New("writequeue: illegal arguments")
	ErrAlreadyStopped   = errors.New("writequeue: already stopped")
	ErrAlreadyRunning   = errors.New("writequeue: already running")
	ErrQueueFull        = errors.New("writequeue: queue full")
)

// Backend persists page content durably. The content store satisfies it.
type Backend interface {
	Persist(id pagestore.PageID) error
}

// DirtyTracker clears the dirty flag of a page once persisted. The page
// cache satisfies it.
type DirtyTracker interface {
	ClearDirty(id pagestore.PageID) error
}

// Request is one queued write-back.
type Request struct {
	PageID     pagestore.PageID
	Page       *pagestore.Page
	EnqueuedAt time.Time
}

// Stats snapshots queue counters.
type Stats struct {
	Depth     int
	Persisted uint64
	Retries   uint64
	Failures  uint64
}

// Queue is the bounded multi-producer/multi-consumer write-back queue.
// Worker goroutines pop batches and persist them through the backend off
// the request path. A page's bytes are immutable once its id is assigned,
// so persisting the same id twice is harmless and per-id ordering is
// trivially preserved.
type Queue struct {
	reqs  chan Request
	stopc chan struct{}

	backend Backend
	tracker DirtyTracker

	workers      int
	batchSize    int
	batchTimeout time.Duration
	maxRetries   int

	enqueued  uint64
	persisted uint64
	retries   uint64
	failures  uint64

	marks *watermark

	wg sync.WaitGroup

	mutex   sync.Mutex
	running bool
	stopped bool

	log logger.Logger
	mtr metrics.WriterQueueMetrics
}

func New(backend Backend, tracker DirtyTracker, opts *Options, log logger.Logger, mtr metrics.WriterQueueMetrics) (*Queue, error) {
	if backend == nil || tracker == nil || log == nil || mtr == nil {
		return nil, ErrIllegalArguments
	}

	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	return &Queue{
		reqs:         make(chan Request, opts.maxQueueSize),
		stopc:        make(chan struct{}),
		backend:      backend,
		tracker:      tracker,
		workers:      opts.workers,
		batchSize:    opts.batchSize,
		batchTimeout: opts.batchTimeout,
		maxRetries:   opts.maxRetries,
		marks:        newWatermark(),
		log:          log,
		mtr:          mtr,
	}, nil
}

func (q *Queue) Start() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.stopped {
		return ErrAlreadyStopped
	}

	if q.running {
		return ErrAlreadyRunning
	}

	q.running = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return nil
}

// Enqueue offers a dirty page for write-back. ErrQueueFull reports
// backpressure: nothing was enqueued and the caller decides whether to
// block, retry or flush synchronously.
func (q *Queue) Enqueue(pid pagestore.PageID, pg *pagestore.Page) error {
	if pg == nil {
		return ErrIllegalArguments
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.stopped {
		return ErrAlreadyStopped
	}

	req := Request{PageID: pid, Page: pg, EnqueuedAt: time.Now()}

	select {
	case q.reqs <- req:
		q.enqueued++
		q.mtr.SetQueueDepth(len(q.reqs))
		return nil
	default:
		return ErrQueueFull
	}
}

// WaitForEmpty blocks until everything enqueued so far has been processed.
func (q *Queue) WaitForEmpty() error {
	q.mutex.Lock()
	target := q.enqueued
	q.mutex.Unlock()

	return q.marks.waitFor(target, q.stopc)
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case req := <-q.reqs:
			q.processBatch(q.gatherBatch(req))
		case <-q.stopc:
			// drain whatever is left before exiting
			for {
				select {
				case req := <-q.reqs:
					q.processBatch(q.gatherBatch(req))
				default:
					return
				}
			}
		}
	}
}

// gatherBatch collects up to batchSize requests, waiting at most
// batchTimeout for followers of the first one.
func (q *Queue) gatherBatch(first Request) []Request {
	batch := make([]Request, 1, q.batchSize)
	batch[0] = first

	if q.batchSize == 1 {
		return batch
	}

	timer := time.NewTimer(q.batchTimeout)
	defer timer.Stop()

	for len(batch) < q.batchSize {
		select {
		case req := <-q.reqs:
			batch = append(batch, req)
		case <-timer.C:
			return batch
		case <-q.stopc:
			return batch
		}
	}

	return batch
}

func (q *Queue) processBatch(batch []Request) {
	for _, req := range batch {
		q.process(req)
		q.marks.complete()
	}

	q.mtr.SetQueueDepth(len(q.reqs))
}

func (q *Queue) process(req Request) {
	var err error

	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddUint64(&q.retries, 1)
			q.mtr.IncRetries()
		}

		err = q.backend.Persist(req.PageID)
		if err == nil {
			break
		}
	}

	if err != nil {
		atomic.AddUint64(&q.failures, 1)
		q.mtr.IncFailures()
		q.log.Errorf("writequeue: page %d not persisted after %d attempts: %v", req.PageID, q.maxRetries+1, err)
		return
	}

	err = q.tracker.ClearDirty(req.PageID)
	if err != nil {
		q.log.Warningf("writequeue: page %d persisted but dirty flag not cleared: %v", req.PageID, err)
	}

	atomic.AddUint64(&q.persisted, 1)
	q.mtr.IncPersistedWrites()
}

// Stop drains the queue and terminates the workers. Idempotent.
func (q *Queue) Stop() error {
	q.mutex.Lock()

	if q.stopped {
		q.mutex.Unlock()
		return nil
	}

	q.stopped = true
	wasRunning := q.running
	q.running = false

	close(q.stopc)

	q.mutex.Unlock()

	if wasRunning {
		q.wg.Wait()
	}

	q.marks.close()

	return nil
}

// Healthy reports whether every processed write reached the backend.
func (q *Queue) Healthy() bool {
	return atomic.LoadUint64(&q.failures) == 0
}

func (q *Queue) Stats() Stats {
	return Stats{
		Depth:     len(q.reqs),
		Persisted: atomic.LoadUint64(&q.persisted),
		Retries:   atomic.LoadUint64(&q.retries),
		Failures:  atomic.LoadUint64(&q.failures),
	}
}
