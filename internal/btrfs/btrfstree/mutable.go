// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"fmt"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/containers"
)

// BlockAllocator is the part of the free-space allocator that the
// write-side tree engine needs: a place to get new tree-block
// addresses from and a place to return them to once COW has made them
// unreachable. The real implementation lives in internal/freespace;
// it's expressed as an interface here to avoid a dependency cycle.
type BlockAllocator interface {
	AllocTreeBlock(ctx context.Context, owner btrfsprim.ObjID, level uint8) (btrfsvol.LogicalAddr, error)
	FreeTreeBlock(ctx context.Context, addr btrfsvol.LogicalAddr, level uint8) error
}

// NodeWriter is how a MutableTree persists a node it has just built or
// copy-on-wrote. Implementations are expected to also mark the node
// dirty with the transaction manager (internal/transaction) so that
// commit_transaction can find it again without a second write.
type NodeWriter interface {
	WriteNode(ctx context.Context, node *Node) error
}

// minUsageNumerator/minUsageDenominator is the fraction-of-capacity threshold below which a
// non-root leaf is a candidate for the merge-or-borrow balance step
// ("leaf data usage >= 1/3 capacity or a balance step pulls items
// from a neighbour").
const minUsageNumerator, minUsageDenominator = 1, 3

// MutableTree is the write side of the B-tree engine: a
// single-writer cursor over one tree that performs copy-on-write on
// every node it touches, splitting on overflow and merging/borrowing
// on underflow, exactly mirroring the read-only Tree/NodeSource split
// used by the recovery tooling but without its multi-reader caching.
//
// A MutableTree is not safe for concurrent use; the filesystem as a
// whole is single-writer, many-reader, and callers
// are expected to serialize all MutableTrees sharing a transaction
// through internal/transaction.
type MutableTree struct {
	Read   NodeSource
	Write  NodeWriter
	Alloc  BlockAllocator
	TreeID btrfsprim.ObjID

	RootAddr       btrfsvol.LogicalAddr
	RootLevel      uint8
	RootGeneration btrfsprim.Generation

	// Transid is the generation being written. A node whose
	// .Head.Generation already equals Transid was COW'd earlier in
	// this same transaction and is reused rather than copied again.
	Transid btrfsprim.Generation
}

// frame is one level of a descent: the (already COW'd, if a write is
// in progress) node at that level, the address it now lives at, and
// the slot within its parent that points to it (-1 for the root).
type frame struct {
	addr       btrfsvol.LogicalAddr
	node       *Node
	parentSlot int
}

func keyCmp(a, b btrfsprim.Key) int { return a.Cmp(b) }

// searchNodeSlot returns the index of the largest item/key-pointer whose
// key is <= key, and whether that item's key is an exact match. If
// key is smaller than every entry, returns (-1, false); callers treat
// slot -1 as "insert before everything".
func searchNodeSlot(node *Node, key btrfsprim.Key) (slot int, exact bool) {
	var n int
	if node.Head.Level > 0 {
		n = len(node.BodyInterior)
	} else {
		n = len(node.BodyLeaf)
	}
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		var k btrfsprim.Key
		if node.Head.Level > 0 {
			k = node.BodyInterior[mid].Key
		} else {
			k = node.BodyLeaf[mid].Key
		}
		if keyCmp(k, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	slot = lo - 1
	if slot >= 0 {
		var k btrfsprim.Key
		if node.Head.Level > 0 {
			k = node.BodyInterior[slot].Key
		} else {
			k = node.BodyLeaf[slot].Key
		}
		exact = keyCmp(k, key) == 0
	}
	return slot, exact
}

// cow materializes frame.node at a fresh address if it wasn't already
// dirty-owned by the current transaction, per cow_block's rule:
// allocate a new block, copy, set its generation, and (the caller's
// job) rewrite the parent's key-pointer at child_slot.
func (t *MutableTree) cow(ctx context.Context, f *frame) error {
	if f.node.Head.Generation == t.Transid {
		return nil
	}
	oldAddr, oldLevel := f.addr, f.node.Head.Level
	newAddr, err := t.Alloc.AllocTreeBlock(ctx, t.TreeID, f.node.Head.Level)
	if err != nil {
		return btrfsio.Wrap(btrfsio.KindNoSpace, err)
	}
	f.node.Head.Addr = newAddr
	f.node.Head.Generation = t.Transid
	f.node.Head.Owner = t.TreeID
	f.addr = newAddr
	if oldAddr != 0 {
		if err := t.Alloc.FreeTreeBlock(ctx, oldAddr, oldLevel); err != nil {
			return err
		}
	}
	return nil
}

// descend walks from the root to the leaf that would contain key,
// COW'ing every node along the way and rewriting the parent
// key-pointer at each level to point at the new (COW'd) child
// address, exactly as search(..., cow=true) describes.
func (t *MutableTree) descend(ctx context.Context, key btrfsprim.Key) ([]*frame, error) {
	if t.RootAddr == 0 {
		return nil, btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("tree %v: empty root", t.TreeID))
	}
	root, err := t.Read.AcquireNode(ctx, t.RootAddr, NodeExpectations{
		Level: containers.OptionalValue(t.RootLevel),
	})
	if err != nil {
		return nil, err
	}
	path := []*frame{{addr: t.RootAddr, node: root, parentSlot: -1}}
	if err := t.cow(ctx, path[0]); err != nil {
		return nil, err
	}
	t.RootAddr = path[0].addr
	t.RootGeneration = t.Transid

	for path[len(path)-1].node.Head.Level > 0 {
		cur := path[len(path)-1]
		slot, _ := searchNodeSlot(cur.node, key)
		if slot < 0 {
			slot = 0
		}
		kp := cur.node.BodyInterior[slot]
		child, err := t.Read.AcquireNode(ctx, kp.BlockPtr, NodeExpectations{
			Level: containers.OptionalValue(cur.node.Head.Level - 1),
		})
		if err != nil {
			return nil, err
		}
		next := &frame{addr: kp.BlockPtr, node: child, parentSlot: slot}
		if err := t.cow(ctx, next); err != nil {
			return nil, err
		}
		cur.node.BodyInterior[slot].BlockPtr = next.addr
		cur.node.BodyInterior[slot].Generation = t.Transid
		path = append(path, next)
	}
	return path, nil
}

func itemBytes(it Item) (int, error) {
	bs, err := binstruct.Marshal(it.Body)
	if err != nil {
		return 0, err
	}
	return itemHeaderSize + len(bs), nil
}

// Insert adds item to the tree, COW'ing and, if necessary, splitting
// every node from the root down to the leaf it lands in. It returns
// btrfsio.KindExists (wrapped) if the key is already present.
func (t *MutableTree) Insert(ctx context.Context, item Item) error {
	path, err := t.descend(ctx, item.Key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	slot, exact := searchNodeSlot(leaf.node, item.Key)
	if exact {
		return btrfsio.Wrap(btrfsio.KindExists, fmt.Errorf("tree %v: key %v already present", t.TreeID, item.Key))
	}
	need, err := itemBytes(item)
	if err != nil {
		return err
	}
	if uint32(need) > leaf.node.LeafFreeSpace() {
		if err := t.splitLeaf(ctx, path); err != nil {
			return err
		}
		// re-find the frame and slot: splitLeaf may have changed
		// which half the key belongs in.
		path = path[:len(path)-1]
		leaf, slot, err = t.reacquireLeaf(ctx, path, item.Key)
		if err != nil {
			return err
		}
		path = append(path, leaf)
	}
	insertAt := slot + 1
	leaf.node.BodyLeaf = append(leaf.node.BodyLeaf, Item{})
	copy(leaf.node.BodyLeaf[insertAt+1:], leaf.node.BodyLeaf[insertAt:])
	leaf.node.BodyLeaf[insertAt] = item
	return t.writePath(ctx, path)
}

// reacquireLeaf re-does the final step of a descent after a sibling
// split has potentially moved the target key into a different node;
// it assumes everything above the leaf in path is already COW'd and
// up to date.
func (t *MutableTree) reacquireLeaf(ctx context.Context, path []*frame, key btrfsprim.Key) (*frame, int, error) {
	parent := path[len(path)-1]
	slot, _ := searchNodeSlot(parent.node, key)
	if slot < 0 {
		slot = 0
	}
	kp := parent.node.BodyInterior[slot]
	node, err := t.Read.AcquireNode(ctx, kp.BlockPtr, NodeExpectations{Level: containers.OptionalValue(0)})
	if err != nil {
		return nil, 0, err
	}
	f := &frame{addr: kp.BlockPtr, node: node, parentSlot: slot}
	if err := t.cow(ctx, f); err != nil {
		return nil, 0, err
	}
	parent.node.BodyInterior[slot].BlockPtr = f.addr
	parent.node.BodyInterior[slot].Generation = t.Transid
	leafSlot, _ := searchNodeSlot(f.node, key)
	return f, leafSlot, nil
}

// splitLeaf splits the overfull leaf at the midpoint by size (not
// count), inserting the new right half's address as a
// key-pointer into the parent -- recursing upward through
// splitInterior if the parent itself overflows, and growing the tree
// by one level if the root splits.
func (t *MutableTree) splitLeaf(ctx context.Context, path []*frame) error {
	leaf := path[len(path)-1]
	items := leaf.node.BodyLeaf
	cum := 0
	mid := len(items) / 2
	for i, it := range items {
		n, err := itemBytes(it)
		if err != nil {
			return err
		}
		cum += n
		if cum >= int(leaf.node.Size-uint32(nodeHeaderSize))/2 {
			mid = i + 1
			break
		}
	}
	if mid <= 0 {
		mid = 1
	}
	if mid >= len(items) {
		mid = len(items) - 1
	}

	rightAddr, err := t.Alloc.AllocTreeBlock(ctx, t.TreeID, 0)
	if err != nil {
		return btrfsio.Wrap(btrfsio.KindNoSpace, err)
	}
	right := &Node{
		Size:         leaf.node.Size,
		ChecksumType: leaf.node.ChecksumType,
		Head: NodeHeader{
			Addr:          rightAddr,
			MetadataUUID:  leaf.node.Head.MetadataUUID,
			ChunkTreeUUID: leaf.node.Head.ChunkTreeUUID,
			Generation:    t.Transid,
			Owner:         t.TreeID,
			Level:         0,
		},
		BodyLeaf: append([]Item(nil), items[mid:]...),
	}
	leaf.node.BodyLeaf = append([]Item(nil), items[:mid]...)

	newKP := KeyPointer{
		Key:        right.BodyLeaf[0].Key,
		BlockPtr:   rightAddr,
		Generation: t.Transid,
	}
	rightFrame := &frame{addr: rightAddr, node: right}
	return t.insertKeyPointer(ctx, path[:len(path)-1], leaf.parentSlot, newKP, rightFrame, leaf)
}

// insertKeyPointer inserts newKP (pointing at newChild, whose left
// sibling is oldChild) into the node at the top of path, splitting
// that interior node (splitInterior) if it overflows, or growing the
// tree by one level if path is empty (the split propagated past the
// old root).
func (t *MutableTree) insertKeyPointer(ctx context.Context, path []*frame, afterSlot int, newKP KeyPointer, newChild, oldChild *frame) error {
	if len(path) == 0 {
		// The root itself split; grow the tree by one level.
		newRootAddr, err := t.Alloc.AllocTreeBlock(ctx, t.TreeID, oldChild.node.Head.Level+1)
		if err != nil {
			return btrfsio.Wrap(btrfsio.KindNoSpace, err)
		}
		oldMinKey, _ := oldChild.node.MinItem()
		newRoot := &Node{
			Size:         oldChild.node.Size,
			ChecksumType: oldChild.node.ChecksumType,
			Head: NodeHeader{
				Addr:          newRootAddr,
				MetadataUUID:  oldChild.node.Head.MetadataUUID,
				ChunkTreeUUID: oldChild.node.Head.ChunkTreeUUID,
				Generation:    t.Transid,
				Owner:         t.TreeID,
				Level:         oldChild.node.Head.Level + 1,
			},
			BodyInterior: []KeyPointer{
				{Key: oldMinKey, BlockPtr: oldChild.addr, Generation: t.Transid},
				newKP,
			},
		}
		if err := t.Write.WriteNode(ctx, newChild.node); err != nil {
			return err
		}
		if err := t.Write.WriteNode(ctx, oldChild.node); err != nil {
			return err
		}
		if err := t.Write.WriteNode(ctx, newRoot); err != nil {
			return err
		}
		t.RootAddr = newRootAddr
		t.RootLevel = newRoot.Head.Level
		t.RootGeneration = t.Transid
		return nil
	}

	parent := path[len(path)-1]
	insertAt := afterSlot + 1
	parent.node.BodyInterior = append(parent.node.BodyInterior, KeyPointer{})
	copy(parent.node.BodyInterior[insertAt+1:], parent.node.BodyInterior[insertAt:])
	parent.node.BodyInterior[insertAt] = newKP

	if err := t.Write.WriteNode(ctx, newChild.node); err != nil {
		return err
	}
	if err := t.Write.WriteNode(ctx, oldChild.node); err != nil {
		return err
	}

	need := uint32(len(parent.node.BodyInterior)) * uint32(keyPointerSize)
	if need > parent.node.Size-uint32(nodeHeaderSize) {
		return t.splitInterior(ctx, path)
	}
	return t.writeAncestors(ctx, path)
}

// splitInterior mirrors splitLeaf for an overfull interior node:
// split its key-pointers at the midpoint by count (nodes are
// fixed-size entries, so by-count is by-size) and recurse upward.
func (t *MutableTree) splitInterior(ctx context.Context, path []*frame) error {
	node := path[len(path)-1]
	kps := node.node.BodyInterior
	mid := len(kps) / 2
	if mid == 0 {
		mid = 1
	}

	rightAddr, err := t.Alloc.AllocTreeBlock(ctx, t.TreeID, node.node.Head.Level)
	if err != nil {
		return btrfsio.Wrap(btrfsio.KindNoSpace, err)
	}
	right := &Node{
		Size:         node.node.Size,
		ChecksumType: node.node.ChecksumType,
		Head: NodeHeader{
			Addr:          rightAddr,
			MetadataUUID:  node.node.Head.MetadataUUID,
			ChunkTreeUUID: node.node.Head.ChunkTreeUUID,
			Generation:    t.Transid,
			Owner:         t.TreeID,
			Level:         node.node.Head.Level,
		},
		BodyInterior: append([]KeyPointer(nil), kps[mid:]...),
	}
	node.node.BodyInterior = append([]KeyPointer(nil), kps[:mid]...)

	newKP := KeyPointer{
		Key:        right.BodyInterior[0].Key,
		BlockPtr:   rightAddr,
		Generation: t.Transid,
	}
	rightFrame := &frame{addr: rightAddr, node: right}
	return t.insertKeyPointer(ctx, path[:len(path)-1], node.parentSlot, newKP, rightFrame, node)
}

// writeAncestors persists every frame in path (innermost already
// written by the caller) without any further structural change, used
// once no more splitting is needed on the way back up.
func (t *MutableTree) writeAncestors(ctx context.Context, path []*frame) error {
	for i := len(path) - 1; i >= 0; i-- {
		if err := t.Write.WriteNode(ctx, path[i].node); err != nil {
			return err
		}
	}
	if len(path) > 0 {
		t.RootAddr = path[0].addr
		t.RootLevel = path[0].node.Head.Level
		t.RootGeneration = t.Transid
	}
	return nil
}

// writePath persists every COW'd node from leaf to root, in leaf-first
// order, as a plain (non-structural) write.
func (t *MutableTree) writePath(ctx context.Context, path []*frame) error {
	for i := len(path) - 1; i >= 0; i-- {
		if err := t.Write.WriteNode(ctx, path[i].node); err != nil {
			return err
		}
	}
	t.RootAddr = path[0].addr
	t.RootLevel = path[0].node.Head.Level
	t.RootGeneration = t.Transid
	return nil
}

// Delete removes the item with the given key, returning a wrapped
// btrfsio.KindNotFound if it isn't present. It rebalances (merges or
// borrows from a sibling) any leaf that drops below the ⅓-capacity
// usage floor, and collapses the tree by one level if
// the root is left with a single child.
func (t *MutableTree) Delete(ctx context.Context, key btrfsprim.Key) error {
	path, err := t.descend(ctx, key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	slot, exact := searchNodeSlot(leaf.node, key)
	if !exact {
		return btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("tree %v: key %v not present", t.TreeID, key))
	}
	leaf.node.BodyLeaf[slot].Body.Free()
	leaf.node.BodyLeaf = append(leaf.node.BodyLeaf[:slot], leaf.node.BodyLeaf[slot+1:]...)

	if len(path) > 1 && len(leaf.node.BodyLeaf) > 0 {
		used, err := leafUsage(leaf.node)
		if err != nil {
			return err
		}
		capacity := int(leaf.node.Size - uint32(nodeHeaderSize))
		if used*minUsageDenominator < capacity*minUsageNumerator {
			if err := t.rebalanceLeaf(ctx, path); err != nil {
				return err
			}
			return nil // rebalanceLeaf writes the whole path itself
		}
	}
	if len(leaf.node.BodyLeaf) == 0 && len(path) > 1 {
		return t.dropEmptyNode(ctx, path)
	}
	if err := t.writePath(ctx, path); err != nil {
		return err
	}
	return t.maybeCollapseRoot(ctx)
}

func leafUsage(node *Node) (int, error) {
	sum := 0
	for _, it := range node.BodyLeaf {
		n, err := itemBytes(it)
		if err != nil {
			return 0, err
		}
		sum += n
	}
	return sum, nil
}

// rebalanceLeaf implements the "balance step pulls items from a
// neighbour" half of the balance rule: it COWs the right sibling (falling
// back to the left sibling) and either merges fully into it, or
// moves just enough items across to bring both above the usage
// floor.
func (t *MutableTree) rebalanceLeaf(ctx context.Context, path []*frame) error {
	leaf := path[len(path)-1]
	parent := path[len(path)-2]

	siblingSlot := leaf.parentSlot + 1
	fromRight := true
	if siblingSlot >= len(parent.node.BodyInterior) {
		siblingSlot = leaf.parentSlot - 1
		fromRight = false
	}
	if siblingSlot < 0 {
		// Only child of its parent: nothing to merge/borrow with.
		return t.writePath(ctx, path)
	}

	sibAddr := parent.node.BodyInterior[siblingSlot].BlockPtr
	sibNode, err := t.Read.AcquireNode(ctx, sibAddr, NodeExpectations{Level: containers.OptionalValue(0)})
	if err != nil {
		return err
	}
	sib := &frame{addr: sibAddr, node: sibNode, parentSlot: siblingSlot}
	if err := t.cow(ctx, sib); err != nil {
		return err
	}
	parent.node.BodyInterior[siblingSlot].BlockPtr = sib.addr
	parent.node.BodyInterior[siblingSlot].Generation = t.Transid

	leafUse, err := leafUsage(leaf.node)
	if err != nil {
		return err
	}
	sibUse, err := leafUsage(sib.node)
	if err != nil {
		return err
	}
	capacity := int(leaf.node.Size - uint32(nodeHeaderSize))

	if leafUse+sibUse <= capacity {
		var merged []Item
		if fromRight {
			merged = append(append([]Item(nil), leaf.node.BodyLeaf...), sib.node.BodyLeaf...)
		} else {
			merged = append(append([]Item(nil), sib.node.BodyLeaf...), leaf.node.BodyLeaf...)
		}
		leaf.node.BodyLeaf = merged
		return t.dropMergedSibling(ctx, path, sib, fromRight)
	}

	// Borrow: move items one at a time from the fuller node until
	// both sides are above the usage floor.
	for leafUse*minUsageDenominator < capacity*minUsageNumerator {
		var moved Item
		var n int
		if fromRight {
			if len(sib.node.BodyLeaf) == 0 {
				break
			}
			moved = sib.node.BodyLeaf[0]
			n, err = itemBytes(moved)
			if err != nil {
				return err
			}
			sib.node.BodyLeaf = sib.node.BodyLeaf[1:]
			leaf.node.BodyLeaf = append(leaf.node.BodyLeaf, moved)
		} else {
			if len(sib.node.BodyLeaf) == 0 {
				break
			}
			moved = sib.node.BodyLeaf[len(sib.node.BodyLeaf)-1]
			n, err = itemBytes(moved)
			if err != nil {
				return err
			}
			sib.node.BodyLeaf = sib.node.BodyLeaf[:len(sib.node.BodyLeaf)-1]
			leaf.node.BodyLeaf = append([]Item{moved}, leaf.node.BodyLeaf...)
		}
		leafUse += n
		sibUse -= n
	}

	if fromRight {
		parent.node.BodyInterior[siblingSlot].Key = sib.node.BodyLeaf[0].Key
	} else {
		parent.node.BodyInterior[leaf.parentSlot].Key = leaf.node.BodyLeaf[0].Key
	}

	if err := t.Write.WriteNode(ctx, sib.node); err != nil {
		return err
	}
	return t.writePath(ctx, path)
}

// dropMergedSibling removes the now-empty sibling's key-pointer from
// the parent after a successful leaf merge, freeing its block, and
// continues the (possible) underflow check up the tree.
func (t *MutableTree) dropMergedSibling(ctx context.Context, path []*frame, sib *frame, fromRight bool) error {
	parent := path[len(path)-2]
	removeSlot := sib.parentSlot
	parent.node.BodyInterior = append(parent.node.BodyInterior[:removeSlot], parent.node.BodyInterior[removeSlot+1:]...)
	if err := t.Alloc.FreeTreeBlock(ctx, sib.addr, 0); err != nil {
		return err
	}
	_ = fromRight
	if err := t.writePath(ctx, path); err != nil {
		return err
	}
	return t.maybeCollapseRoot(ctx)
}

// dropEmptyNode removes an emptied leaf's key-pointer from its parent
// entirely (used when a delete leaves the leaf with zero items and no
// sibling merge is attempted because there was nothing to borrow).
func (t *MutableTree) dropEmptyNode(ctx context.Context, path []*frame) error {
	leaf := path[len(path)-1]
	parent := path[len(path)-2]
	removeSlot := leaf.parentSlot
	parent.node.BodyInterior = append(parent.node.BodyInterior[:removeSlot], parent.node.BodyInterior[removeSlot+1:]...)
	if err := t.Alloc.FreeTreeBlock(ctx, leaf.addr, 0); err != nil {
		return err
	}
	if err := t.writePath(ctx, path[:len(path)-1]); err != nil {
		return err
	}
	return t.maybeCollapseRoot(ctx)
}

// maybeCollapseRoot shrinks the tree by one level when the (interior)
// root has been left with a single child, reusing that child as the
// new root.
func (t *MutableTree) maybeCollapseRoot(ctx context.Context) error {
	if t.RootLevel == 0 {
		return nil
	}
	root, err := t.Read.AcquireNode(ctx, t.RootAddr, NodeExpectations{Level: containers.OptionalValue(t.RootLevel)})
	if err != nil {
		return err
	}
	if len(root.BodyInterior) != 1 {
		return nil
	}
	childAddr := root.BodyInterior[0].BlockPtr
	child, err := t.Read.AcquireNode(ctx, childAddr, NodeExpectations{Level: containers.OptionalValue(t.RootLevel - 1)})
	if err != nil {
		return err
	}
	if err := t.Alloc.FreeTreeBlock(ctx, t.RootAddr, t.RootLevel); err != nil {
		return err
	}
	t.RootAddr = childAddr
	t.RootLevel = child.Head.Level
	t.RootGeneration = child.Head.Generation
	return nil
}
