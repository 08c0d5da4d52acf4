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

package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUCacheCreation(t *testing.T) {
	_, err := NewLRUCache(0)
	require.ErrorIs(t, err, ErrIllegalArguments)

	cacheSize := 10
	c, err := NewLRUCache(cacheSize)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, cacheSize, c.Capacity())

	_, err = c.Get(nil)
	require.ErrorIs(t, err, ErrIllegalArguments)

	_, err = c.Put(nil, nil, false)
	require.ErrorIs(t, err, ErrIllegalArguments)

	for i := 0; i < cacheSize; i++ {
		_, err = c.Put(i, 10*i, false)
		require.NoError(t, err)
	}
	require.Equal(t, cacheSize, c.EntriesCount())

	for i := cacheSize; i > 0; i-- {
		v, err := c.Get(i - 1)
		require.NoError(t, err)
		require.Equal(t, 10*(i-1), v)
	}
}

func TestLRUCacheEvictionOrder(t *testing.T) {
	c, err := NewLRUCache(3)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.Put(i, i, false)
		require.NoError(t, err)
	}

	// touch 0 so that 1 becomes the eviction candidate
	_, err = c.Get(0)
	require.NoError(t, err)

	evicted, err := c.Put(3, 3, false)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	_, err = c.Get(1)
	require.ErrorIs(t, err, ErrKeyNotFound)

	for _, k := range []int{0, 2, 3} {
		_, err = c.Get(k)
		require.NoError(t, err)
	}
}

func TestLRUCacheDirtyTracking(t *testing.T) {
	c, err := NewLRUCache(5)
	require.NoError(t, err)

	require.ErrorIs(t, c.MarkDirty(1), ErrKeyNotFound)

	_, err = c.Put(1, "a", true)
	require.NoError(t, err)

	_, err = c.Put(2, "b", false)
	require.NoError(t, err)

	dirty, err := c.IsDirty(1)
	require.NoError(t, err)
	require.True(t, dirty)

	dirty, err = c.IsDirty(2)
	require.NoError(t, err)
	require.False(t, dirty)

	// overwriting with dirty=false must not lose dirtiness
	_, err = c.Put(1, "a2", false)
	require.NoError(t, err)

	dirty, err = c.IsDirty(1)
	require.NoError(t, err)
	require.True(t, dirty)

	entries := c.DirtyEntries()
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Key)
	require.Equal(t, "a2", entries[0].Value)

	require.NoError(t, c.ClearDirty(1))
	require.Empty(t, c.DirtyEntries())
}

func TestLRUCacheDirtyWriteback(t *testing.T) {
	c, err := NewLRUCache(2)
	require.NoError(t, err)

	var writtenBack []interface{}

	c.SetWriteback(func(k, v interface{}) error {
		writtenBack = append(writtenBack, k)
		return nil
	})

	_, err = c.Put(1, "a", true)
	require.NoError(t, err)

	_, err = c.Put(2, "b", false)
	require.NoError(t, err)

	// evicts dirty key 1, which must be written back first
	evicted, err := c.Put(3, "c", false)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)
	require.Equal(t, []interface{}{1}, writtenBack)

	// evicts clean key 2, no write-back
	evicted, err = c.Put(4, "d", false)
	require.NoError(t, err)
	require.Equal(t, 2, evicted)
	require.Len(t, writtenBack, 1)
}

func TestLRUCacheWritebackFailureAbortsEviction(t *testing.T) {
	c, err := NewLRUCache(1)
	require.NoError(t, err)

	errDisk := errors.New("disk failure")

	c.SetWriteback(func(k, v interface{}) error {
		return errDisk
	})

	_, err = c.Put(1, "a", true)
	require.NoError(t, err)

	_, err = c.Put(2, "b", false)
	require.ErrorIs(t, err, errDisk)

	// the dirty entry is still resident
	v, err := c.Get(1)
	require.NoError(t, err)
	require.Equal(t, "a", v)
}

func TestLRUCachePop(t *testing.T) {
	c, err := NewLRUCache(2)
	require.NoError(t, err)

	_, err = c.Pop(1)
	require.ErrorIs(t, err, ErrKeyNotFound)

	_, err = c.Put(1, "a", false)
	require.NoError(t, err)

	v, err := c.Pop(1)
	require.NoError(t, err)
	require.Equal(t, "a", v)

	_, err = c.Get(1)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLRUCacheApply(t *testing.T) {
	c, err := NewLRUCache(4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = c.Put(i, i, false)
		require.NoError(t, err)
	}

	sum := 0
	err = c.Apply(func(k, v interface{}) error {
		sum += v.(int)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 6, sum)

	errStop := errors.New("stop")
	err = c.Apply(func(k, v interface{}) error {
		return errStop
	})
	require.ErrorIs(t, err, errStop)
}
