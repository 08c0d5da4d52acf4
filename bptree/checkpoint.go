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
	"sync"
	"time"
)

// checkpointCoordinator drives periodic checkpoints. Its timer ticks at a
// fraction of the configured interval so that WAL-size and dirty-page
// thresholds can trigger a checkpoint between full intervals. A failed
// attempt only bumps a counter: the next tick retries.
type checkpointCoordinator struct {
	tree *BPlusTree

	interval           time.Duration
	walSizeThreshold   int64
	dirtyPageThreshold int

	mutex          sync.Mutex
	lastCheckpoint time.Time
	completed      uint64
	failed         uint64

	stopJob func()
}

// CheckpointStats snapshots the coordinator counters.
type CheckpointStats struct {
	Completed         uint64
	Failed            uint64
	LastCheckpointLSN uint64
	LastCheckpointAt  time.Time
	CurrentWALSize    int64
}

func newCheckpointCoordinator(t *BPlusTree) *checkpointCoordinator {
	return &checkpointCoordinator{
		tree:               t,
		interval:           t.opts.checkpointInterval,
		walSizeThreshold:   t.opts.walSizeThreshold,
		dirtyPageThreshold: t.opts.dirtyPageThreshold,
		lastCheckpoint:     time.Now(),
	}
}

func (c *checkpointCoordinator) start() error {
	tick := c.interval / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}

	stop, err := c.tree.scheduler.Every("checkpoint", tick, c.tick)
	if err != nil {
		return err
	}

	c.stopJob = stop

	return nil
}

func (c *checkpointCoordinator) stop() {
	if c.stopJob != nil {
		c.stopJob()
	}
}

func (c *checkpointCoordinator) tick() {
	if !c.shouldCheckpoint() {
		return
	}

	err := c.tree.Checkpoint()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err != nil {
		c.failed++
		c.tree.log.Warningf("checkpoint failed: %v", err)
		return
	}

	c.completed++
	c.lastCheckpoint = time.Now()
}

func (c *checkpointCoordinator) shouldCheckpoint() bool {
	c.mutex.Lock()
	elapsed := time.Since(c.lastCheckpoint)
	c.mutex.Unlock()

	if elapsed >= c.interval {
		return true
	}

	walSize, err := c.tree.wal.Size()
	if err == nil && walSize >= c.walSizeThreshold {
		return true
	}

	return len(c.tree.cache.DirtyPages()) >= c.dirtyPageThreshold
}

func (c *checkpointCoordinator) stats() CheckpointStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	walSize, _ := c.tree.wal.Size()

	return CheckpointStats{
		Completed:         c.completed,
		Failed:            c.failed,
		LastCheckpointLSN: c.tree.wal.LastCheckpointLSN(),
		LastCheckpointAt:  c.lastCheckpoint,
		CurrentWALSize:    walSize,
	}
}
