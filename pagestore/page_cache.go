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
	"errors"

	"github.com/codenotary/cabtree/cache"
	"github.com/codenotary/cabtree/metrics"
)

// PageCache is the bounded LRU of loaded pages sitting between the B+Tree
// and the ContentStore. Misses are resolved through the store; dirty
// entries are written through to the store before eviction.
type PageCache struct {
	lru   *cache.LRUCache
	store *ContentStore

	metrics metrics.PageCacheMetrics
}

// PageEntry pairs a page with its id.
type PageEntry struct {
	ID   PageID
	Page *Page
}

func NewPageCache(capacity int, store *ContentStore, m metrics.PageCacheMetrics) (*PageCache, error) {
	if store == nil || m == nil {
		return nil, ErrIllegalArguments
	}

	lru, err := cache.NewLRUCache(capacity)
	if err != nil {
		return nil, err
	}

	pc := &PageCache{
		lru:     lru,
		store:   store,
		metrics: m,
	}

	lru.SetWriteback(func(k, v interface{}) error {
		m.IncDirtyWritebacks()
		return store.Persist(k.(PageID))
	})

	m.SetCacheCapacity(capacity)

	return pc, nil
}

// Get returns the page cached under id, loading it from the content store
// on a miss.
func (pc *PageCache) Get(id PageID) (*Page, error) {
	v, err := pc.lru.Get(id)
	if err == nil {
		pc.metrics.IncHits()
		return v.(*Page), nil
	}

	if !errors.Is(err, cache.ErrKeyNotFound) {
		return nil, err
	}

	pc.metrics.IncMisses()

	pg, err := pc.store.Get(id)
	if err != nil {
		return nil, err
	}

	evicted, err := pc.lru.Put(id, pg, false)
	if err != nil {
		return nil, err
	}
	if evicted != nil {
		pc.metrics.IncEvictions()
	}

	return pg, nil
}

// Put inserts or overwrites a cache entry and marks it dirty.
func (pc *PageCache) Put(id PageID, pg *Page) error {
	if pg == nil {
		return ErrIllegalArguments
	}

	evicted, err := pc.lru.Put(id, pg, true)
	if err != nil {
		return err
	}
	if evicted != nil {
		pc.metrics.IncEvictions()
	}

	return nil
}

func (pc *PageCache) MarkDirty(id PageID) error {
	return pc.lru.MarkDirty(id)
}

func (pc *PageCache) ClearDirty(id PageID) error {
	err := pc.lru.ClearDirty(id)
	if errors.Is(err, cache.ErrKeyNotFound) {
		// already evicted, write-back happened on eviction
		return nil
	}
	return err
}

// DirtyPages snapshots the dirty entries, most recently used first.
func (pc *PageCache) DirtyPages() []PageEntry {
	entries := pc.lru.DirtyEntries()

	pages := make([]PageEntry, len(entries))
	for i, e := range entries {
		pages[i] = PageEntry{ID: e.Key.(PageID), Page: e.Value.(*Page)}
	}

	return pages
}

// FlushAll writes every dirty page through to the content store and clears
// the dirty flags.
func (pc *PageCache) FlushAll() error {
	for _, e := range pc.DirtyPages() {
		err := pc.store.Persist(e.ID)
		if err != nil {
			return err
		}

		err = pc.ClearDirty(e.ID)
		if err != nil {
			return err
		}
	}

	return nil
}

func (pc *PageCache) EntriesCount() int {
	return pc.lru.EntriesCount()
}

func (pc *PageCache) Capacity() int {
	return pc.lru.Capacity()
}
