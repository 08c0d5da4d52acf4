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
	"os"
	"time"

	"github.com/codenotary/cabtree/logger"
)

const MinFanout = 3
const MaxFanout = 1024

const DefaultFanout = 64
const DefaultCacheCapacity = 4096
const DefaultWriterThreads = 2
const DefaultWALBufferBytes = 8 * 1024
const DefaultCheckpointInterval = 60 * time.Second
const DefaultWALSizeThreshold = 1024 * 1024
const DefaultDirtyPageThreshold = 100
const DefaultMVCCRetention = time.Hour
const DefaultMVCCMaxVersionsPerKey = 64
const DefaultGCInterval = 60 * time.Second
const DefaultFileMode = os.FileMode(0755)

type Options struct {
	fanout        int
	cacheCapacity int
	writerThreads int

	walBufferBytes int

	checkpointInterval time.Duration
	walSizeThreshold   int64
	dirtyPageThreshold int

	mvccRetention         time.Duration
	mvccMaxVersionsPerKey int
	gcInterval            time.Duration

	fileMode os.FileMode

	prometheusMetrics bool

	log logger.Logger
}

func DefaultOptions() *Options {
	return &Options{
		fanout:        DefaultFanout,
		cacheCapacity: DefaultCacheCapacity,
		writerThreads: DefaultWriterThreads,

		walBufferBytes: DefaultWALBufferBytes,

		checkpointInterval: DefaultCheckpointInterval,
		walSizeThreshold:   DefaultWALSizeThreshold,
		dirtyPageThreshold: DefaultDirtyPageThreshold,

		mvccRetention:         DefaultMVCCRetention,
		mvccMaxVersionsPerKey: DefaultMVCCMaxVersionsPerKey,
		gcInterval:            DefaultGCInterval,

		fileMode: DefaultFileMode,
	}
}

func (opts *Options) Validate() error {
	if opts == nil {
		return fmt.Errorf("%w: nil options", ErrIllegalArguments)
	}

	if opts.fanout < MinFanout || opts.fanout > MaxFanout {
		return fmt.Errorf("%w: fanout %d out of bounds [%d, %d]", ErrIllegalArguments, opts.fanout, MinFanout, MaxFanout)
	}

	if opts.cacheCapacity < 1 ||
		opts.writerThreads < 1 ||
		opts.walBufferBytes < 1 ||
		opts.checkpointInterval <= 0 ||
		opts.walSizeThreshold < 1 ||
		opts.dirtyPageThreshold < 1 ||
		opts.mvccRetention < 0 ||
		opts.mvccMaxVersionsPerKey < 1 ||
		opts.gcInterval <= 0 {
		return fmt.Errorf("%w: invalid options", ErrIllegalArguments)
	}

	return nil
}

func (opts *Options) WithFanout(fanout int) *Options {
	opts.fanout = fanout
	return opts
}

func (opts *Options) WithCacheCapacity(cacheCapacity int) *Options {
	opts.cacheCapacity = cacheCapacity
	return opts
}

func (opts *Options) WithWriterThreads(writerThreads int) *Options {
	opts.writerThreads = writerThreads
	return opts
}

func (opts *Options) WithWALBufferBytes(walBufferBytes int) *Options {
	opts.walBufferBytes = walBufferBytes
	return opts
}

func (opts *Options) WithCheckpointInterval(interval time.Duration) *Options {
	opts.checkpointInterval = interval
	return opts
}

func (opts *Options) WithWALSizeThreshold(walSizeThreshold int64) *Options {
	opts.walSizeThreshold = walSizeThreshold
	return opts
}

func (opts *Options) WithDirtyPageThreshold(dirtyPageThreshold int) *Options {
	opts.dirtyPageThreshold = dirtyPageThreshold
	return opts
}

func (opts *Options) WithMVCCRetention(retention time.Duration) *Options {
	opts.mvccRetention = retention
	return opts
}

func (opts *Options) WithMVCCMaxVersionsPerKey(maxVersions int) *Options {
	opts.mvccMaxVersionsPerKey = maxVersions
	return opts
}

func (opts *Options) WithGCInterval(gcInterval time.Duration) *Options {
	opts.gcInterval = gcInterval
	return opts
}

func (opts *Options) WithFileMode(fileMode os.FileMode) *Options {
	opts.fileMode = fileMode
	return opts
}

// WithPrometheusMetrics enables prometheus collectors instead of the
// default no-op ones.
func (opts *Options) WithPrometheusMetrics(enabled bool) *Options {
	opts.prometheusMetrics = enabled
	return opts
}

func (opts *Options) WithLogger(log logger.Logger) *Options {
	opts.log = log
	return opts
}
