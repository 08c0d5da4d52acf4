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

// TxnState is the lifecycle state of a transaction.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnAborted
)

// Txn is the version store's view of a transaction. Reads observe the
// snapshot at StartLSN; writes become visible to others once CommitLSN is
// assigned.
type Txn struct {
	ID       uint64
	StartLSN uint64

	State     TxnState
	CommitLSN uint64

	readSet  map[string]struct{}
	writeSet map[string]struct{}
}

func newTxn(id, startLSN uint64) *Txn {
	return &Txn{
		ID:       id,
		StartLSN: startLSN,
		State:    TxnActive,
		readSet:  make(map[string]struct{}),
		writeSet: make(map[string]struct{}),
	}
}

func (tx *Txn) ReadSetSize() int {
	return len(tx.readSet)
}

func (tx *Txn) WriteSetSize() int {
	return len(tx.writeSet)
}
