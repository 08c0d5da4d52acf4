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

package appendable

import "errors"

var ErrIllegalArguments = errors.New("appendable: illegal arguments")
var ErrAlreadyClosed = errors.New("appendable: already closed")
var ErrReadOnly = errors.New("appendable: read-only mode")

// Appendable abstracts an append-only byte store. Offsets are logical,
// starting at zero right after the metadata header.
type Appendable interface {
	Metadata() []byte
	Size() (int64, error)
	Offset() int64
	SetOffset(off int64) error
	Append(bs []byte) (off int64, n int, err error)
	Flush() error
	Sync() error
	ReadAt(bs []byte, off int64) (int, error)
	Close() error
}
