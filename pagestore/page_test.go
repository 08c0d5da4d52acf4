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

package pagestore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeafPageRecords(t *testing.T) {
	p := NewPage(true)

	err := p.InsertRecord([]byte("banana"), []byte("yellow"))
	require.NoError(t, err)

	err = p.InsertRecord([]byte("apple"), []byte("red"))
	require.NoError(t, err)

	err = p.InsertRecord([]byte("cherry"), []byte("dark red"))
	require.NoError(t, err)

	err = p.InsertRecord([]byte("apple"), []byte("green"))
	require.ErrorIs(t, err, ErrDuplicatedKey)

	require.Equal(t, 3, p.NumKeys())
	require.Equal(t, [][]byte{[]byte("apple"), []byte("banana"), []byte("cherry")}, p.Keys)

	v, err := p.Record([]byte("banana"))
	require.NoError(t, err)
	require.Equal(t, []byte("yellow"), v)

	_, err = p.Record([]byte("grape"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	err = p.UpdateRecord([]byte("apple"), []byte("green"))
	require.NoError(t, err)

	v, err = p.Record([]byte("apple"))
	require.NoError(t, err)
	require.Equal(t, []byte("green"), v)

	err = p.RemoveRecord([]byte("banana"))
	require.NoError(t, err)
	require.Equal(t, 2, p.NumKeys())

	err = p.RemoveRecord([]byte("banana"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLeafPageIllegalOps(t *testing.T) {
	p := NewPage(false)

	require.ErrorIs(t, p.InsertRecord([]byte("k"), []byte("v")), ErrIllegalArguments)
	require.ErrorIs(t, p.UpdateRecord([]byte("k"), []byte("v")), ErrIllegalArguments)
	require.ErrorIs(t, p.RemoveRecord([]byte("k")), ErrIllegalArguments)

	_, err := p.Record([]byte("k"))
	require.ErrorIs(t, err, ErrIllegalArguments)

	leaf := NewPage(true)
	require.ErrorIs(t, leaf.InsertRecord(nil, []byte("v")), ErrIllegalArguments)
	require.ErrorIs(t, leaf.InsertRecord(make([]byte, MaxKeyLen+1), nil), ErrIllegalArguments)
	require.ErrorIs(t, leaf.InsertRecord([]byte("k"), make([]byte, PageSize)), ErrEntryTooLarge)
}

func TestInternalPageChildren(t *testing.T) {
	p := NewPage(false)
	p.Children = []PageID{10}

	p.InsertChild(0, []byte("m"), 20)
	require.Equal(t, [][]byte{[]byte("m")}, p.Keys)
	require.Equal(t, []PageID{10, 20}, p.Children)

	p.InsertChild(1, []byte("t"), 30)
	require.Equal(t, []PageID{10, 20, 30}, p.Children)

	// keys <= separator descend left of it
	require.Equal(t, 0, p.ChildIndex([]byte("a")))
	require.Equal(t, 0, p.ChildIndex([]byte("m")))
	require.Equal(t, 1, p.ChildIndex([]byte("p")))
	require.Equal(t, 1, p.ChildIndex([]byte("t")))
	require.Equal(t, 2, p.ChildIndex([]byte("z")))
}

func TestPageContentHash(t *testing.T) {
	p1 := NewPage(true)
	require.NoError(t, p1.InsertRecord([]byte("k1"), []byte("v1")))
	require.NoError(t, p1.InsertRecord([]byte("k2"), []byte("v2")))

	// same logical content, different insertion order and identity
	p2 := NewPage(true)
	require.NoError(t, p2.InsertRecord([]byte("k2"), []byte("v2")))
	require.NoError(t, p2.InsertRecord([]byte("k1"), []byte("v1")))
	p2.ID = 42
	p2.NextLeaf = 7

	require.Equal(t, p1.ContentHash(), p2.ContentHash())

	// content change must be reflected
	require.NoError(t, p2.UpdateRecord([]byte("k1"), []byte("other")))
	require.NotEqual(t, p1.ContentHash(), p2.ContentHash())

	// clone preserves content identity even though the arena is compacted
	require.Equal(t, p1.ContentHash(), p1.Clone().ContentHash())
}

func TestPageSerialization(t *testing.T) {
	leaf := NewPage(true)
	leaf.ID = 3
	leaf.NextLeaf = 4
	for i := 0; i < 10; i++ {
		require.NoError(t, leaf.InsertRecord([]byte(fmt.Sprintf("key%02d", i)), []byte(fmt.Sprintf("value%d", i))))
	}

	bs := leaf.Serialize()

	decoded, err := DeserializePage(bs)
	require.NoError(t, err)
	require.True(t, decoded.IsLeaf)
	require.Equal(t, PageID(3), decoded.ID)
	require.Equal(t, PageID(4), decoded.NextLeaf)
	require.Equal(t, leaf.Keys, decoded.Keys)
	require.Equal(t, leaf.ContentHash(), decoded.ContentHash())

	v, err := decoded.Record([]byte("key05"))
	require.NoError(t, err)
	require.Equal(t, []byte("value5"), v)

	internal := NewPage(false)
	internal.ID = 9
	internal.Keys = [][]byte{[]byte("m")}
	internal.Children = []PageID{3, 4}

	decoded, err = DeserializePage(internal.Serialize())
	require.NoError(t, err)
	require.False(t, decoded.IsLeaf)
	require.Equal(t, internal.Children, decoded.Children)
	require.Equal(t, internal.ContentHash(), decoded.ContentHash())
}

func TestPageSerializationCorruption(t *testing.T) {
	_, err := DeserializePage([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorruptedPage)

	p := NewPage(true)
	require.NoError(t, p.InsertRecord([]byte("k"), []byte("v")))

	bs := p.Serialize()
	bs[len(bs)/2] ^= 0xff

	_, err = DeserializePage(bs)
	require.ErrorIs(t, err, ErrCorruptedPage)
}

func TestPageClone(t *testing.T) {
	p := NewPage(true)
	require.NoError(t, p.InsertRecord([]byte("a"), []byte("1")))
	require.NoError(t, p.InsertRecord([]byte("b"), []byte("2")))

	// updates leave stale bytes in the arena; the clone must compact them
	require.NoError(t, p.UpdateRecord([]byte("a"), []byte("1x")))

	cp := p.Clone()
	require.Equal(t, PageNone, cp.ID)
	require.Equal(t, p.Keys, cp.Keys)
	require.Len(t, cp.arena, 3)

	// mutating the clone must not touch the original
	require.NoError(t, cp.UpdateRecord([]byte("b"), []byte("20")))

	v, err := p.Record([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}
