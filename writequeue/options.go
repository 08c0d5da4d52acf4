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
	"fmt"
	"time"
)

const DefaultWorkers = 2
const DefaultMaxQueueSize = 1000
const DefaultBatchSize = 32
const DefaultBatchTimeout = 10 * time.Millisecond
const DefaultMaxRetries = 3

type Options struct {
	workers      int
	maxQueueSize int
	batchSize    int
	batchTimeout time.Duration
	maxRetries   int
}

func DefaultOptions() *Options {
	return &Options{
		workers:      DefaultWorkers,
		maxQueueSize: DefaultMaxQueueSize,
		batchSize:    DefaultBatchSize,
		batchTimeout: DefaultBatchTimeout,
		maxRetries:   DefaultMaxRetries,
	}
}

func (opts *Options) Validate() error {
	if opts == nil {
		return fmt.Errorf("%w: nil options", ErrIllegalArguments)
	}

	if opts.workers < 1 ||
		opts.maxQueueSize < 1 ||
		opts.batchSize < 1 ||
		opts.batchTimeout <= 0 ||
		opts.maxRetries < 0 {
		return fmt.Errorf("%w: invalid options", ErrIllegalArguments)
	}

	return nil
}

func (opts *Options) WithWorkers(workers int) *Options {
	opts.workers = workers
	return opts
}

func (opts *Options) WithMaxQueueSize(maxQueueSize int) *Options {
	opts.maxQueueSize = maxQueueSize
	return opts
}

func (opts *Options) WithBatchSize(batchSize int) *Options {
	opts.batchSize = batchSize
	return opts
}

func (opts *Options) WithBatchTimeout(batchTimeout time.Duration) *Options {
	opts.batchTimeout = batchTimeout
	return opts
}

func (opts *Options) WithMaxRetries(maxRetries int) *Options {
	opts.maxRetries = maxRetries
	return opts
}
