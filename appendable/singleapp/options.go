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

package singleapp

import (
	"os"
)

const DefaultWriteBufferSize = 1 << 12 // 4Kb
const DefaultReadBufferSize = 1 << 12  // 4Kb
const DefaultFileMode = os.FileMode(0644)

type Options struct {
	readOnly          bool
	createIfNotExists bool
	fileMode          os.FileMode

	writeBufferSize int
	readBufferSize  int

	metadata []byte
}

func DefaultOptions() *Options {
	return &Options{
		readOnly:          false,
		createIfNotExists: true,
		fileMode:          DefaultFileMode,
		writeBufferSize:   DefaultWriteBufferSize,
		readBufferSize:    DefaultReadBufferSize,
	}
}

func (opts *Options) Validate() error {
	if opts == nil {
		return ErrInvalidOptions
	}

	if opts.writeBufferSize <= 0 && !opts.readOnly {
		return ErrInvalidOptions
	}

	if opts.readBufferSize <= 0 {
		return ErrInvalidOptions
	}

	return nil
}

func (opts *Options) WithReadOnly(readOnly bool) *Options {
	opts.readOnly = readOnly
	return opts
}

func (opts *Options) WithCreateIfNotExists(createIfNotExists bool) *Options {
	opts.createIfNotExists = createIfNotExists
	return opts
}

func (opts *Options) WithFileMode(fileMode os.FileMode) *Options {
	opts.fileMode = fileMode
	return opts
}

func (opts *Options) WithWriteBufferSize(size int) *Options {
	opts.writeBufferSize = size
	return opts
}

func (opts *Options) WithReadBufferSize(size int) *Options {
	opts.readBufferSize = size
	return opts
}

func (opts *Options) WithMetadata(metadata []byte) *Options {
	opts.metadata = metadata
	return opts
}
