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
	"fmt"

	"github.com/codenotary/cabtree/pagestore"
)

// Structural mutation works copy-on-write: pages obtained from the cache
// are never mutated in place. A mutation clones the page, applies the
// change and stores the clone, acquiring a possibly-new id through
// content-addressed dedup; the parent pointers along the traversal path
// are rewritten bottom-up and the root id is swapped last. Callers hold
// the tree write lock.

// splitResult propagates a split to the parent level: sepKey routes keys
// between the rewritten left page and the new right sibling.
type splitResult struct {
	sepKey  []byte
	rightID pagestore.PageID
}

// pageByID loads a page through the cache. A missing page is a structural
// corruption: recovery should have caught it.
func (t *BPlusTree) pageByID(id pagestore.PageID) (*pagestore.Page, error) {
	pg, err := t.cache.Get(id)
	if errors.Is(err, pagestore.ErrPageNotFound) {
		return nil, fmt.Errorf("%w: missing page %d", ErrCorruptedTree, id)
	}
	return pg, err
}

// storePage indexes a mutated page, caches it dirty and offers it to the
// writer queue for durable write-back.
func (t *BPlusTree) storePage(pg *pagestore.Page) (pagestore.PageID, error) {
	id, err := t.store.Store(pg)
	if err != nil {
		return pagestore.PageNone, err
	}

	stored, err := t.store.Get(id)
	if err != nil {
		return pagestore.PageNone, err
	}

	err = t.cache.Put(id, stored)
	if err != nil {
		return pagestore.PageNone, err
	}

	err = t.queue.Enqueue(id, stored)
	if err != nil {
		// backpressure or queue already stopped: persist synchronously,
		// keeping the queue-full cause if even that fails
		perr := t.store.Persist(id)
		if perr != nil {
			return pagestore.PageNone, fmt.Errorf("%w: synchronous write-back of page %d failed: %v", err, id, perr)
		}

		err = t.cache.ClearDirty(id)
		if err != nil {
			return pagestore.PageNone, err
		}
	}

	return id, nil
}

// findLeaf descends to the leaf covering key.
func (t *BPlusTree) findLeaf(key []byte) (*pagestore.Page, error) {
	pg, err := t.pageByID(t.rootID)
	if err != nil {
		return nil, err
	}

	for !pg.IsLeaf {
		idx := pg.ChildIndex(key)
		if idx >= len(pg.Children) {
			return nil, fmt.Errorf("%w: page %d separator/child mismatch", ErrCorruptedTree, pg.ID)
		}

		pg, err = t.pageByID(pg.Children[idx])
		if err != nil {
			return nil, err
		}
	}

	return pg, nil
}

// upsert inserts or overwrites key in the tree, splitting overflowing
// pages bottom-up, and swaps the root id.
func (t *BPlusTree) upsert(key, value []byte) error {
	root, err := t.pageByID(t.rootID)
	if err != nil {
		return err
	}

	newRootID, split, err := t.upsertRec(root, key, value)
	if err != nil {
		return err
	}

	if split != nil {
		// grow the tree: fresh root with the promoted separator
		newRoot := pagestore.NewPage(false)
		newRoot.Children = []pagestore.PageID{newRootID}
		newRoot.InsertChild(0, split.sepKey, split.rightID)

		newRootID, err = t.storePage(newRoot)
		if err != nil {
			return err
		}
	}

	t.rootID = newRootID

	return nil
}

func (t *BPlusTree) upsertRec(pg *pagestore.Page, key, value []byte) (pagestore.PageID, *splitResult, error) {
	if pg.IsLeaf {
		cp := pg.Clone()

		if _, found := cp.Search(key); found {
			err := cp.UpdateRecord(key, value)
			if err != nil {
				return pagestore.PageNone, nil, err
			}
		} else {
			err := cp.InsertRecord(key, value)
			if err != nil {
				return pagestore.PageNone, nil, err
			}
		}

		if cp.NumKeys() <= t.fanout {
			id, err := t.storePage(cp)
			return id, nil, err
		}

		return t.splitLeaf(cp)
	}

	idx := pg.ChildIndex(key)
	if idx >= len(pg.Children) {
		return pagestore.PageNone, nil, fmt.Errorf("%w: page %d separator/child mismatch", ErrCorruptedTree, pg.ID)
	}

	child, err := t.pageByID(pg.Children[idx])
	if err != nil {
		return pagestore.PageNone, nil, err
	}

	newChildID, split, err := t.upsertRec(child, key, value)
	if err != nil {
		return pagestore.PageNone, nil, err
	}

	cp := pg.Clone()
	cp.Children[idx] = newChildID

	if split != nil {
		cp.InsertChild(idx, split.sepKey, split.rightID)
	}

	if cp.NumKeys() <= t.fanout {
		id, err := t.storePage(cp)
		return id, nil, err
	}

	return t.splitInternal(cp)
}

// splitLeaf halves an overflowing leaf. The separator is the left half's
// greatest key, which stays in the left leaf (B+ convention); the right
// sibling takes over the left's position in the leaf chain.
func (t *BPlusTree) splitLeaf(pg *pagestore.Page) (pagestore.PageID, *splitResult, error) {
	n := pg.NumKeys()
	leftCount := (n + 1) / 2

	left := pagestore.NewPage(true)
	right := pagestore.NewPage(true)

	for i := 0; i < n; i++ {
		dst := left
		if i >= leftCount {
			dst = right
		}

		err := dst.InsertRecord(pg.Keys[i], pg.RecordAt(i))
		if err != nil {
			return pagestore.PageNone, nil, err
		}
	}

	right.NextLeaf = pg.NextLeaf

	rightID, err := t.storePage(right)
	if err != nil {
		return pagestore.PageNone, nil, err
	}

	left.NextLeaf = rightID

	leftID, err := t.storePage(left)
	if err != nil {
		return pagestore.PageNone, nil, err
	}

	sep := append([]byte{}, left.Keys[left.NumKeys()-1]...)

	return leftID, &splitResult{sepKey: sep, rightID: rightID}, nil
}

// splitInternal halves an overflowing internal page, promoting the middle
// separator to the parent.
func (t *BPlusTree) splitInternal(pg *pagestore.Page) (pagestore.PageID, *splitResult, error) {
	n := pg.NumKeys()
	m := n / 2

	sep := append([]byte{}, pg.Keys[m]...)

	left := pagestore.NewPage(false)
	left.Keys = cloneKeys(pg.Keys[:m])
	left.Children = append([]pagestore.PageID{}, pg.Children[:m+1]...)

	right := pagestore.NewPage(false)
	right.Keys = cloneKeys(pg.Keys[m+1:])
	right.Children = append([]pagestore.PageID{}, pg.Children[m+1:]...)

	rightID, err := t.storePage(right)
	if err != nil {
		return pagestore.PageNone, nil, err
	}

	leftID, err := t.storePage(left)
	if err != nil {
		return pagestore.PageNone, nil, err
	}

	return leftID, &splitResult{sepKey: sep, rightID: rightID}, nil
}

func cloneKeys(keys [][]byte) [][]byte {
	cloned := make([][]byte, len(keys))
	for i, k := range keys {
		cloned[i] = append([]byte{}, k...)
	}
	return cloned
}

// minLeafKeys is the underflow bound of non-root leaves.
func (t *BPlusTree) minLeafKeys() int {
	return (t.fanout + 1) / 2
}

// removeKey physically removes key from the index, rebalancing underflowed
// pages by borrowing from or merging with adjacent siblings. Invoked once
// MVCC reports the key's chain dead.
func (t *BPlusTree) removeKey(key []byte) error {
	root, err := t.pageByID(t.rootID)
	if err != nil {
		return err
	}

	newRootID, err := t.removeRec(root, key)
	if err != nil {
		return err
	}

	newRoot, err := t.pageByID(newRootID)
	if err != nil {
		return err
	}

	// an internal root left with a sole child shrinks the tree
	for !newRoot.IsLeaf && newRoot.NumKeys() == 0 {
		if len(newRoot.Children) != 1 {
			return fmt.Errorf("%w: keyless internal page %d with %d children",
				ErrCorruptedTree, newRoot.ID, len(newRoot.Children))
		}

		newRootID = newRoot.Children[0]

		newRoot, err = t.pageByID(newRootID)
		if err != nil {
			return err
		}
	}

	t.rootID = newRootID

	return nil
}

func (t *BPlusTree) removeRec(pg *pagestore.Page, key []byte) (pagestore.PageID, error) {
	if pg.IsLeaf {
		if _, found := pg.Search(key); !found {
			return pagestore.PageNone, ErrKeyNotFound
		}

		cp := pg.Clone()

		err := cp.RemoveRecord(key)
		if err != nil {
			return pagestore.PageNone, err
		}

		return t.storePage(cp)
	}

	idx := pg.ChildIndex(key)
	if idx >= len(pg.Children) {
		return pagestore.PageNone, fmt.Errorf("%w: page %d separator/child mismatch", ErrCorruptedTree, pg.ID)
	}

	child, err := t.pageByID(pg.Children[idx])
	if err != nil {
		return pagestore.PageNone, err
	}

	newChildID, err := t.removeRec(child, key)
	if err != nil {
		return pagestore.PageNone, err
	}

	cp := pg.Clone()
	cp.Children[idx] = newChildID

	newChild, err := t.pageByID(newChildID)
	if err != nil {
		return pagestore.PageNone, err
	}

	if t.underflowed(newChild) {
		err = t.rebalance(cp, idx)
		if err != nil {
			return pagestore.PageNone, err
		}
	}

	return t.storePage(cp)
}

func (t *BPlusTree) underflowed(pg *pagestore.Page) bool {
	return pg.NumKeys() < t.minLeafKeys()
}

// rebalance restores the occupancy of cp.Children[idx], preferring to
// borrow a key from a sibling over merging. cp is a mutable clone being
// rewritten by the caller.
func (t *BPlusTree) rebalance(cp *pagestore.Page, idx int) error {
	child, err := t.pageByID(cp.Children[idx])
	if err != nil {
		return err
	}

	var left, right *pagestore.Page

	if idx > 0 {
		left, err = t.pageByID(cp.Children[idx-1])
		if err != nil {
			return err
		}
	}

	if idx < len(cp.Children)-1 {
		right, err = t.pageByID(cp.Children[idx+1])
		if err != nil {
			return err
		}
	}

	if left != nil && left.NumKeys() > t.minLeafKeys() {
		return t.borrowFromLeft(cp, idx, left, child)
	}

	if right != nil && right.NumKeys() > t.minLeafKeys() {
		return t.borrowFromRight(cp, idx, child, right)
	}

	// an internal merge pulls the separator down; with an odd fanout that
	// can overflow the merged page, so rotate a key instead
	if left != nil {
		if !child.IsLeaf && left.NumKeys()+child.NumKeys()+1 > t.fanout {
			return t.borrowFromLeft(cp, idx, left, child)
		}
		return t.mergeChildren(cp, idx-1, left, child)
	}

	if right != nil {
		if !child.IsLeaf && right.NumKeys()+child.NumKeys()+1 > t.fanout {
			return t.borrowFromRight(cp, idx, child, right)
		}
		return t.mergeChildren(cp, idx, child, right)
	}

	return fmt.Errorf("%w: page %d underflowed with no siblings", ErrCorruptedTree, child.ID)
}

// borrowFromLeft moves the left sibling's greatest key into child through
// the parent separator at idx-1.
func (t *BPlusTree) borrowFromLeft(cp *pagestore.Page, idx int, left, child *pagestore.Page) error {
	leftCp := left.Clone()
	childCp := child.Clone()

	if child.IsLeaf {
		moved := leftCp.Keys[leftCp.NumKeys()-1]
		payload := leftCp.RecordAt(leftCp.NumKeys() - 1)

		err := childCp.InsertRecord(moved, payload)
		if err != nil {
			return err
		}

		err = leftCp.RemoveRecord(moved)
		if err != nil {
			return err
		}

		// separator = left's new greatest key
		cp.Keys[idx-1] = append([]byte{}, leftCp.Keys[leftCp.NumKeys()-1]...)
	} else {
		// rotate through the parent: separator comes down, left's
		// greatest key goes up, left's last child changes owner
		sep := cp.Keys[idx-1]

		childCp.Keys = append([][]byte{append([]byte{}, sep...)}, childCp.Keys...)
		childCp.Children = append([]pagestore.PageID{leftCp.Children[len(leftCp.Children)-1]}, childCp.Children...)

		cp.Keys[idx-1] = append([]byte{}, leftCp.Keys[leftCp.NumKeys()-1]...)

		leftCp.Keys = leftCp.Keys[:leftCp.NumKeys()-1]
		leftCp.Children = leftCp.Children[:len(leftCp.Children)-1]
	}

	leftID, err := t.storePage(leftCp)
	if err != nil {
		return err
	}

	childID, err := t.storePage(childCp)
	if err != nil {
		return err
	}

	cp.Children[idx-1] = leftID
	cp.Children[idx] = childID

	return nil
}

// borrowFromRight moves the right sibling's least key into child through
// the parent separator at idx.
func (t *BPlusTree) borrowFromRight(cp *pagestore.Page, idx int, child, right *pagestore.Page) error {
	childCp := child.Clone()
	rightCp := right.Clone()

	if child.IsLeaf {
		moved := rightCp.Keys[0]
		payload := rightCp.RecordAt(0)

		err := childCp.InsertRecord(moved, payload)
		if err != nil {
			return err
		}

		err = rightCp.RemoveRecord(moved)
		if err != nil {
			return err
		}

		// separator = child's new greatest key
		cp.Keys[idx] = append([]byte{}, moved...)
	} else {
		sep := cp.Keys[idx]

		childCp.Keys = append(childCp.Keys, append([]byte{}, sep...))
		childCp.Children = append(childCp.Children, rightCp.Children[0])

		cp.Keys[idx] = append([]byte{}, rightCp.Keys[0]...)

		rightCp.Keys = rightCp.Keys[1:]
		rightCp.Children = rightCp.Children[1:]
	}

	childID, err := t.storePage(childCp)
	if err != nil {
		return err
	}

	rightID, err := t.storePage(rightCp)
	if err != nil {
		return err
	}

	cp.Children[idx] = childID
	cp.Children[idx+1] = rightID

	return nil
}

// mergeChildren merges cp.Children[sepIdx] and cp.Children[sepIdx+1],
// dropping the separator between them (for internal children, the
// separator is pulled down into the merged page).
func (t *BPlusTree) mergeChildren(cp *pagestore.Page, sepIdx int, left, right *pagestore.Page) error {
	var merged *pagestore.Page

	if left.IsLeaf {
		merged = pagestore.NewPage(true)

		for i := 0; i < left.NumKeys(); i++ {
			err := merged.InsertRecord(left.Keys[i], left.RecordAt(i))
			if err != nil {
				return err
			}
		}
		for i := 0; i < right.NumKeys(); i++ {
			err := merged.InsertRecord(right.Keys[i], right.RecordAt(i))
			if err != nil {
				return err
			}
		}

		merged.NextLeaf = right.NextLeaf
	} else {
		merged = pagestore.NewPage(false)

		merged.Keys = cloneKeys(left.Keys)
		merged.Keys = append(merged.Keys, append([]byte{}, cp.Keys[sepIdx]...))
		merged.Keys = append(merged.Keys, cloneKeys(right.Keys)...)

		merged.Children = append([]pagestore.PageID{}, left.Children...)
		merged.Children = append(merged.Children, right.Children...)
	}

	mergedID, err := t.storePage(merged)
	if err != nil {
		return err
	}

	// drop the separator and the right child slot
	cp.Keys = append(cp.Keys[:sepIdx], cp.Keys[sepIdx+1:]...)
	cp.Children = append(cp.Children[:sepIdx+1], cp.Children[sepIdx+2:]...)
	cp.Children[sepIdx] = mergedID

	return nil
}

// forEachLeaf visits every leaf page left to right.
func (t *BPlusTree) forEachLeaf(fn func(pg *pagestore.Page) error) error {
	return t.visitLeaves(t.rootID, fn)
}

func (t *BPlusTree) visitLeaves(id pagestore.PageID, fn func(pg *pagestore.Page) error) error {
	pg, err := t.pageByID(id)
	if err != nil {
		return err
	}

	if pg.IsLeaf {
		return fn(pg)
	}

	for _, child := range pg.Children {
		err = t.visitLeaves(child, fn)
		if err != nil {
			return err
		}
	}

	return nil
}
