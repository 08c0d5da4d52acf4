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
	"github.com/codenotary/cabtree/writequeue"
)

var (
	ErrIllegalArguments = errors.New("bptree: illegal arguments")
	ErrAlreadyClosed    = errors.New("bptree: already closed")

	// recoverable, per-operation errors
	ErrKeyNotFound      = errors.New("bptree: key not found")
	ErrKeyAlreadyExists = errors.New("bptree: key already exists")
	ErrTxnNotActive     = mvcc.ErrTxnNotActive
	ErrTxnConflict      = mvcc.ErrTxnConflict

	// ErrQueueFull reports write-back backpressure. Mutations fall back to
	// synchronous persistence when the queue is full; the sentinel reaches
	// the public API when that fallback fails too.
	ErrQueueFull = writequeue.ErrQueueFull

	// fatal for the open database
	ErrCorruptedTree = errors.New("bptree: corrupted tree")
	ErrCorruptedData = errors.New("bptree: corrupted data")
)
