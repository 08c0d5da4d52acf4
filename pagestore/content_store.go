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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/codenotary/cabtree/appendable"
	"github.com/codenotary/cabtree/logger"
	"github.com/codenotary/cabtree/metrics"
)

var (
	ErrPageNotFound       = errors.New("pagestore: page not found")
	ErrAlreadyClosed      = errors.New("pagestore: already closed")
	ErrPageSpaceExhausted = errors.New("pagestore: page id space exhausted")
)

const maxPageID = 1<<16 - 1

// segment entry: page id + payload length, followed by the serialized page
const segmentEntryHeaderSize = 2 + 4

// ContentStore is the content-addressed page repository. Identical page
// contents are stored once and share a PageID; distinct contents never
// share one. Store assigns ids synchronously in memory; Persist appends
// the bytes to the durable segment (normally invoked by the writer queue,
// or directly on dirty eviction).
type ContentStore struct {
	mutex sync.RWMutex

	byHash map[uint64]PageID
	pages  map[PageID]*Page

	persisted map[PageID]bool

	nextPageID uint32

	anchor    PageID
	hasAnchor bool

	app appendable.Appendable

	log     logger.Logger
	metrics metrics.ContentStoreMetrics

	dedupHits uint64

	closed bool
}

// ContentStoreStats mirrors the storage counters of the repository.
type ContentStoreStats struct {
	UniquePages    int
	PersistedPages int
	DedupHits      uint64
	LastPageID     PageID
}

// OpenContentStore rebuilds the content index from the segment, when one is
// provided. A corrupted tail entry ends the scan: whatever was lost past
// the last checkpoint is rebuilt by WAL replay.
func OpenContentStore(app appendable.Appendable, log logger.Logger, m metrics.ContentStoreMetrics) (*ContentStore, error) {
	if log == nil || m == nil {
		return nil, ErrIllegalArguments
	}

	cs := &ContentStore{
		byHash:     make(map[uint64]PageID),
		pages:      make(map[PageID]*Page),
		persisted:  make(map[PageID]bool),
		nextPageID: 1,
		app:        app,
		log:        log,
		metrics:    m,
	}

	if app != nil {
		err := cs.load()
		if err != nil {
			return nil, err
		}
	}

	return cs, nil
}

func (cs *ContentStore) load() error {
	size, err := cs.app.Size()
	if err != nil {
		return err
	}

	r := appendable.NewReaderFrom(cs.app, 0, 4096)

	var off int64

	for off < size {
		id, err := r.ReadUint16()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		payloadLen, err := r.ReadUint32()
		if err != nil {
			return err
		}

		payload := make([]byte, payloadLen)
		_, err = r.Read(payload)
		if err != nil {
			cs.log.Warningf("content store: truncated entry at offset %d, dropping tail", off)
			break
		}

		// id zero entries anchor the current tree root
		if PageID(id) == PageNone {
			if len(payload) != 2 {
				cs.log.Warningf("content store: malformed anchor at offset %d, dropping tail", off)
				break
			}
			cs.anchor = PageID(binary.BigEndian.Uint16(payload))
			cs.hasAnchor = true

			off += segmentEntryHeaderSize + int64(payloadLen)
			continue
		}

		pg, err := DeserializePage(payload)
		if err != nil {
			cs.log.Warningf("content store: corrupted entry at offset %d, dropping tail: %v", off, err)
			break
		}

		pgID := PageID(id)
		if pgID != pg.ID {
			cs.log.Warningf("content store: entry id mismatch at offset %d, dropping tail", off)
			break
		}

		cs.pages[pgID] = pg
		cs.byHash[pg.ContentHash()] = pgID
		cs.persisted[pgID] = true

		if uint32(pgID) >= cs.nextPageID {
			cs.nextPageID = uint32(pgID) + 1
		}

		off += segmentEntryHeaderSize + int64(payloadLen)
	}

	cs.log.Infof("content store: loaded %d pages, next page id %d", len(cs.pages), cs.nextPageID)

	return nil
}

// Store indexes page content and returns its id. Content already resident
// resolves to the existing id (dedup). The call is purely in-memory and
// infallible short of id-space exhaustion; durability comes from Persist.
func (cs *ContentStore) Store(pg *Page) (PageID, error) {
	if pg == nil {
		return PageNone, ErrIllegalArguments
	}

	hash := pg.ContentHash()

	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cs.closed {
		return PageNone, ErrAlreadyClosed
	}

	if id, ok := cs.byHash[hash]; ok {
		cs.dedupHits++
		cs.metrics.IncDedupHits()
		return id, nil
	}

	if cs.nextPageID > maxPageID {
		return PageNone, ErrPageSpaceExhausted
	}

	id := PageID(cs.nextPageID)
	cs.nextPageID++

	stored := pg.Clone()
	stored.ID = id

	cs.pages[id] = stored
	cs.byHash[hash] = id

	cs.metrics.IncStoredPages()

	return id, nil
}

// Get returns the immutable page stored under id. Callers must Clone before
// mutating.
func (cs *ContentStore) Get(id PageID) (*Page, error) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	if cs.closed {
		return nil, ErrAlreadyClosed
	}

	pg, ok := cs.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}

	return pg, nil
}

// HasContent reports whether a page with identical logical content is
// already resident.
func (cs *ContentStore) HasContent(pg *Page) bool {
	if pg == nil {
		return false
	}

	hash := pg.ContentHash()

	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	_, ok := cs.byHash[hash]
	return ok
}

// PageIDForContent resolves the id assigned to content identical to pg.
func (cs *ContentStore) PageIDForContent(pg *Page) (PageID, bool) {
	if pg == nil {
		return PageNone, false
	}

	hash := pg.ContentHash()

	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	id, ok := cs.byHash[hash]
	return id, ok
}

// Persist appends the page bytes to the durable segment. Persisting an
// already persisted id is a no-op, which makes write-back retries and
// duplicate enqueues harmless.
func (cs *ContentStore) Persist(id PageID) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cs.closed {
		return ErrAlreadyClosed
	}

	pg, ok := cs.pages[id]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}

	if cs.app == nil || cs.persisted[id] {
		return nil
	}

	payload := pg.Serialize()

	hdr := make([]byte, segmentEntryHeaderSize)
	binary.BigEndian.PutUint16(hdr, uint16(id))
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(payload)))

	_, _, err := cs.app.Append(hdr)
	if err != nil {
		return err
	}

	_, _, err = cs.app.Append(payload)
	if err != nil {
		return err
	}

	cs.persisted[id] = true
	cs.metrics.IncPersistedPages()

	return nil
}

// StoreAnchor durably records id as the current tree root. The latest
// anchor in the segment wins on reload.
func (cs *ContentStore) StoreAnchor(id PageID) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cs.closed {
		return ErrAlreadyClosed
	}

	cs.anchor = id
	cs.hasAnchor = true

	if cs.app == nil {
		return nil
	}

	entry := make([]byte, segmentEntryHeaderSize+2)
	binary.BigEndian.PutUint16(entry, uint16(PageNone))
	binary.BigEndian.PutUint32(entry[2:], 2)
	binary.BigEndian.PutUint16(entry[segmentEntryHeaderSize:], uint16(id))

	_, _, err := cs.app.Append(entry)
	if err != nil {
		return err
	}

	return cs.app.Sync()
}

// Anchor returns the last stored tree root, if any.
func (cs *ContentStore) Anchor() (PageID, bool) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	return cs.anchor, cs.hasAnchor
}

func (cs *ContentStore) Flush() error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cs.closed {
		return ErrAlreadyClosed
	}

	if cs.app == nil {
		return nil
	}

	return cs.app.Flush()
}

func (cs *ContentStore) Sync() error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cs.closed {
		return ErrAlreadyClosed
	}

	if cs.app == nil {
		return nil
	}

	return cs.app.Sync()
}

func (cs *ContentStore) Stats() ContentStoreStats {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	return ContentStoreStats{
		UniquePages:    len(cs.pages),
		PersistedPages: len(cs.persisted),
		DedupHits:      cs.dedupHits,
		LastPageID:     PageID(cs.nextPageID - 1),
	}
}

func (cs *ContentStore) Close() error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cs.closed {
		return ErrAlreadyClosed
	}

	cs.closed = true

	if cs.app == nil {
		return nil
	}

	err := cs.app.Sync()
	if err != nil {
		cs.app.Close()
		return err
	}

	return cs.app.Close()
}
