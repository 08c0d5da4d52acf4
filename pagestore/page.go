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
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

const PageSize = 4096

const MaxKeyLen = 1024

// page header: id + flags + next leaf + slot count + free space offset/size
const pageHeaderSize = 2 + 1 + 2 + 2 + 2 + 2

const (
	flagLeaf uint8 = 1 << iota
	flagTombstone
)

var (
	ErrIllegalArguments = errors.New("pagestore: illegal arguments")
	ErrKeyNotFound      = errors.New("pagestore: key not found")
	ErrDuplicatedKey    = errors.New("pagestore: duplicated key")
	ErrCorruptedPage    = errors.New("pagestore: corrupted page data")
	ErrEntryTooLarge    = errors.New("pagestore: entry does not fit in a page")
)

// PageID identifies stored page content. Zero is reserved.
type PageID uint16

const PageNone PageID = 0

// Slot addresses one record payload within a leaf's byte arena.
type Slot struct {
	ID        uint16
	Off       uint16
	Len       uint16
	Tombstone bool
}

// Page is the logical on-disk node format. Internal pages carry sorted
// separator keys and child page ids; leaves carry sorted keys, a slot
// directory over a byte arena and a next-leaf link. A page loaded from the
// store is immutable: mutations go through Clone.
type Page struct {
	ID       PageID
	IsLeaf   bool
	Flags    uint8
	NextLeaf PageID

	Keys     [][]byte
	Children []PageID

	slots []Slot
	arena []byte

	nextSlotID uint16
}

func NewPage(isLeaf bool) *Page {
	return &Page{
		IsLeaf: isLeaf,
	}
}

func (p *Page) NumKeys() int {
	return len(p.Keys)
}

// Search locates key within the page. When not found, the returned index is
// the insertion point that keeps the key vector sorted.
func (p *Page) Search(key []byte) (int, bool) {
	i := sort.Search(len(p.Keys), func(i int) bool {
		return bytes.Compare(p.Keys[i], key) >= 0
	})

	if i < len(p.Keys) && bytes.Equal(p.Keys[i], key) {
		return i, true
	}
	return i, false
}

// ChildIndex selects the child to descend into: the smallest i such that
// key <= keys[i], or the last child when key is greater than every
// separator. Separator keys route equal keys to the left subtree.
func (p *Page) ChildIndex(key []byte) int {
	return sort.Search(len(p.Keys), func(i int) bool {
		return bytes.Compare(key, p.Keys[i]) <= 0
	})
}

// InsertRecord adds a record to a leaf, keeping keys sorted. The payload is
// appended to the arena and addressed through a fresh slot.
func (p *Page) InsertRecord(key, value []byte) error {
	if !p.IsLeaf {
		return ErrIllegalArguments
	}

	if len(key) == 0 || len(key) > MaxKeyLen {
		return ErrIllegalArguments
	}

	if pageHeaderSize+len(key)+len(value) > PageSize {
		return ErrEntryTooLarge
	}

	i, found := p.Search(key)
	if found {
		return ErrDuplicatedKey
	}

	slot := Slot{
		ID:  p.nextSlotID,
		Off: uint16(len(p.arena)),
		Len: uint16(len(value)),
	}
	p.nextSlotID++
	p.arena = append(p.arena, value...)

	p.Keys = append(p.Keys, nil)
	copy(p.Keys[i+1:], p.Keys[i:])
	p.Keys[i] = append([]byte{}, key...)

	p.slots = append(p.slots, Slot{})
	copy(p.slots[i+1:], p.slots[i:])
	p.slots[i] = slot

	return nil
}

// UpdateRecord replaces the payload of an existing record. The new payload
// is appended to the arena; the stale bytes are reclaimed on Clone.
func (p *Page) UpdateRecord(key, value []byte) error {
	if !p.IsLeaf {
		return ErrIllegalArguments
	}

	i, found := p.Search(key)
	if !found {
		return ErrKeyNotFound
	}

	p.slots[i].Off = uint16(len(p.arena))
	p.slots[i].Len = uint16(len(value))
	p.slots[i].Tombstone = false
	p.arena = append(p.arena, value...)

	return nil
}

// RemoveRecord drops a record from a leaf. Arena bytes are reclaimed on
// Clone.
func (p *Page) RemoveRecord(key []byte) error {
	if !p.IsLeaf {
		return ErrIllegalArguments
	}

	i, found := p.Search(key)
	if !found {
		return ErrKeyNotFound
	}

	p.Keys = append(p.Keys[:i], p.Keys[i+1:]...)
	p.slots = append(p.slots[:i], p.slots[i+1:]...)

	return nil
}

// Record returns the payload stored for key in a leaf.
func (p *Page) Record(key []byte) ([]byte, error) {
	if !p.IsLeaf {
		return nil, ErrIllegalArguments
	}

	i, found := p.Search(key)
	if !found {
		return nil, ErrKeyNotFound
	}

	return p.RecordAt(i), nil
}

// RecordAt returns the i-th payload in key order.
func (p *Page) RecordAt(i int) []byte {
	slot := p.slots[i]
	return p.arena[slot.Off : slot.Off+slot.Len]
}

func (p *Page) SlotAt(i int) Slot {
	return p.slots[i]
}

// InsertChild wires a separator key and the right-hand child produced by a
// split into an internal page at position i.
func (p *Page) InsertChild(i int, key []byte, rightChild PageID) {
	p.Keys = append(p.Keys, nil)
	copy(p.Keys[i+1:], p.Keys[i:])
	p.Keys[i] = append([]byte{}, key...)

	p.Children = append(p.Children, PageNone)
	copy(p.Children[i+2:], p.Children[i+1:])
	p.Children[i+1] = rightChild
}

// Clone produces a mutable deep copy with a compacted arena. The copy has
// no id assigned yet: it acquires one when stored.
func (p *Page) Clone() *Page {
	cp := &Page{
		IsLeaf:   p.IsLeaf,
		Flags:    p.Flags,
		NextLeaf: p.NextLeaf,
	}

	cp.Keys = make([][]byte, len(p.Keys))
	for i, k := range p.Keys {
		cp.Keys[i] = append([]byte{}, k...)
	}

	if p.IsLeaf {
		cp.slots = make([]Slot, len(p.slots))
		for i, slot := range p.slots {
			payload := p.arena[slot.Off : slot.Off+slot.Len]

			cp.slots[i] = Slot{
				ID:        uint16(i),
				Off:       uint16(len(cp.arena)),
				Len:       slot.Len,
				Tombstone: slot.Tombstone,
			}
			cp.arena = append(cp.arena, payload...)
		}
		cp.nextSlotID = uint16(len(cp.slots))
	} else {
		cp.Children = append([]PageID{}, p.Children...)
	}

	return cp
}

// FreeSpace reports the unused bytes of the page.
func (p *Page) FreeSpace() int {
	used := pageHeaderSize

	for _, k := range p.Keys {
		used += 2 + len(k)
	}

	if p.IsLeaf {
		used += len(p.slots)*7 + len(p.arena)
	} else {
		used += len(p.Children) * 2
	}

	if used > PageSize {
		return 0
	}
	return PageSize - used
}

// CanonicalContent is the byte sequence the content hash is computed over:
// keys, live payloads and, for internal pages, child ids. The header (page
// id, flags, next-leaf link) is excluded so that logically identical pages
// dedup regardless of identity or chain position.
func (p *Page) CanonicalContent() []byte {
	var buf bytes.Buffer

	var b8 [8]byte

	binary.BigEndian.PutUint16(b8[:2], uint16(len(p.Keys)))
	buf.Write(b8[:2])

	for _, k := range p.Keys {
		binary.BigEndian.PutUint16(b8[:2], uint16(len(k)))
		buf.Write(b8[:2])
		buf.Write(k)
	}

	if p.IsLeaf {
		for i, slot := range p.slots {
			if slot.Tombstone {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}

			payload := p.RecordAt(i)
			binary.BigEndian.PutUint32(b8[:4], uint32(len(payload)))
			buf.Write(b8[:4])
			buf.Write(payload)
		}
	} else {
		for _, c := range p.Children {
			binary.BigEndian.PutUint16(b8[:2], uint16(c))
			buf.Write(b8[:2])
		}
	}

	return buf.Bytes()
}

// ContentHash is the 64-bit digest of the canonical content, used as the
// dedup index key.
func (p *Page) ContentHash() uint64 {
	return xxhash.Sum64(p.CanonicalContent())
}

// Serialize encodes the full page, trailed by a SHA-256 checksum computed
// over every preceding byte.
func (p *Page) Serialize() []byte {
	var buf bytes.Buffer

	var b8 [8]byte

	binary.BigEndian.PutUint16(b8[:2], uint16(p.ID))
	buf.Write(b8[:2])

	flags := p.Flags
	if p.IsLeaf {
		flags |= flagLeaf
	}
	buf.WriteByte(flags)

	binary.BigEndian.PutUint16(b8[:2], uint16(p.NextLeaf))
	buf.Write(b8[:2])

	binary.BigEndian.PutUint16(b8[:2], uint16(len(p.Keys)))
	buf.Write(b8[:2])

	freeSpace := p.FreeSpace()
	binary.BigEndian.PutUint16(b8[:2], uint16(PageSize-freeSpace))
	buf.Write(b8[:2])
	binary.BigEndian.PutUint16(b8[:2], uint16(freeSpace))
	buf.Write(b8[:2])

	for _, k := range p.Keys {
		binary.BigEndian.PutUint16(b8[:2], uint16(len(k)))
		buf.Write(b8[:2])
		buf.Write(k)
	}

	if p.IsLeaf {
		for i := range p.slots {
			if p.slots[i].Tombstone {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}

			payload := p.RecordAt(i)
			binary.BigEndian.PutUint32(b8[:4], uint32(len(payload)))
			buf.Write(b8[:4])
			buf.Write(payload)
		}
	} else {
		for _, c := range p.Children {
			binary.BigEndian.PutUint16(b8[:2], uint16(c))
			buf.Write(b8[:2])
		}
	}

	checksum := sha256.Sum256(buf.Bytes())
	buf.Write(checksum[:])

	return buf.Bytes()
}

// DeserializePage decodes a page serialized with Serialize, validating its
// checksum.
func DeserializePage(bs []byte) (*Page, error) {
	if len(bs) < pageHeaderSize+sha256.Size {
		return nil, fmt.Errorf("%w: page too short", ErrCorruptedPage)
	}

	payload := bs[:len(bs)-sha256.Size]

	checksum := sha256.Sum256(payload)
	if !bytes.Equal(checksum[:], bs[len(bs)-sha256.Size:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedPage)
	}

	r := bytes.NewReader(payload)

	var b8 [8]byte

	if _, err := r.Read(b8[:2]); err != nil {
		return nil, ErrCorruptedPage
	}
	id := PageID(binary.BigEndian.Uint16(b8[:2]))

	flags, err := r.ReadByte()
	if err != nil {
		return nil, ErrCorruptedPage
	}

	if _, err := r.Read(b8[:2]); err != nil {
		return nil, ErrCorruptedPage
	}
	nextLeaf := PageID(binary.BigEndian.Uint16(b8[:2]))

	if _, err := r.Read(b8[:2]); err != nil {
		return nil, ErrCorruptedPage
	}
	numKeys := int(binary.BigEndian.Uint16(b8[:2]))

	// free space offset and size are derivable, skip
	if _, err := r.Read(b8[:4]); err != nil {
		return nil, ErrCorruptedPage
	}

	p := &Page{
		ID:       id,
		IsLeaf:   flags&flagLeaf != 0,
		Flags:    flags &^ flagLeaf,
		NextLeaf: nextLeaf,
	}

	p.Keys = make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		if _, err := r.Read(b8[:2]); err != nil {
			return nil, ErrCorruptedPage
		}
		keyLen := int(binary.BigEndian.Uint16(b8[:2]))

		key := make([]byte, keyLen)
		if _, err := r.Read(key); err != nil {
			return nil, ErrCorruptedPage
		}
		p.Keys[i] = key
	}

	if p.IsLeaf {
		p.slots = make([]Slot, numKeys)
		for i := 0; i < numKeys; i++ {
			tombstone, err := r.ReadByte()
			if err != nil {
				return nil, ErrCorruptedPage
			}

			if _, err := r.Read(b8[:4]); err != nil {
				return nil, ErrCorruptedPage
			}
			payloadLen := int(binary.BigEndian.Uint32(b8[:4]))

			payload := make([]byte, payloadLen)
			if _, err := r.Read(payload); err != nil {
				return nil, ErrCorruptedPage
			}

			p.slots[i] = Slot{
				ID:        uint16(i),
				Off:       uint16(len(p.arena)),
				Len:       uint16(payloadLen),
				Tombstone: tombstone == 1,
			}
			p.arena = append(p.arena, payload...)
		}
		p.nextSlotID = uint16(numKeys)
	} else {
		p.Children = make([]PageID, numKeys+1)
		for i := 0; i <= numKeys; i++ {
			if _, err := r.Read(b8[:2]); err != nil {
				return nil, ErrCorruptedPage
			}
			p.Children[i] = PageID(binary.BigEndian.Uint16(b8[:2]))
		}
	}

	return p, nil
}
