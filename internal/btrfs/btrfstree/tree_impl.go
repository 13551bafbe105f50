// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"math"

	"github.com/datawire/dlib/derror"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/slices"
)

// RawForrest adapts a NodeSource into a Forrest, resolving tree roots
// via LookupTreeRoot and handing back *treeImpl values that read nodes
// through that same NodeSource.
type RawForrest struct {
	NodeSource
}

var _ Forrest = RawForrest{}

func (fs RawForrest) ForrestLookup(ctx context.Context, treeID btrfsprim.ObjID) (Tree, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return nil, err
	}
	root, err := LookupTreeRoot(ctx, fs, *sb, treeID)
	if err != nil {
		return nil, err
	}
	return &treeImpl{forrest: fs, root: *root}, nil
}

// NewTree builds a read-only Tree view directly from an already-known
// root, bypassing the ROOT_ITEM lookup LookupTreeRoot performs. This is
// for callers (internal/rootforest, internal/receive) that are actively
// mutating a tree through a MutableTree sharing the same NodeSource:
// the tree's ROOT_ITEM is only made durable at commit, but the caller
// already knows the live root from the MutableTree itself and needs to
// read back its own not-yet-committed writes.
func NewTree(src NodeSource, root TreeRoot) Tree {
	return &treeImpl{forrest: RawForrest{NodeSource: src}, root: root}
}

type treeImpl struct {
	forrest RawForrest
	root    TreeRoot
}

var _ Tree = (*treeImpl)(nil)

func (tree *treeImpl) rootElem() PathRoot {
	return PathRoot{
		Tree:         tree,
		TreeID:       tree.root.ID,
		ToAddr:       tree.root.RootNode,
		ToGeneration: tree.root.Generation,
		ToLevel:      tree.root.Level,
	}
}

// TreeCheckOwner implements Tree. It is grounded on the same
// owner-validation that NodeExpectations.Check performs when reading a
// node (types_node.go): a node belongs to this tree only if its
// .Head.Owner matches the tree's ID.
func (tree *treeImpl) TreeCheckOwner(_ context.Context, failOpen bool, owner btrfsprim.ObjID, _ btrfsprim.Generation) error {
	if owner != tree.root.ID {
		if failOpen {
			return nil
		}
		return fmt.Errorf("%w: node owner=%v does not match tree=%v", iofs.ErrInvalid, owner, tree.root.ID)
	}
	return nil
}

func (tree *treeImpl) acquireRoot(ctx context.Context) (*Node, Path, error) {
	path := Path{tree.rootElem()}
	if tree.root.RootNode == 0 {
		return nil, path, ErrNoItem
	}
	_, exp, ok := path.NodeExpectations(ctx, false)
	if !ok {
		return nil, path, ErrNoItem
	}
	node, err := tree.forrest.AcquireNode(ctx, tree.root.RootNode, exp)
	return node, path, err
}

// acquire reads the node at the end of `path`, which must point at an
// interior or leaf node (i.e. not a PathItem).
func (tree *treeImpl) acquire(ctx context.Context, path Path) (*Node, error) {
	addr, exp, ok := path.NodeExpectations(ctx, false)
	if !ok || addr == 0 {
		return nil, ErrNoItem
	}
	return tree.forrest.AcquireNode(ctx, addr, exp)
}

// TreeWalk implements Tree.
func (tree *treeImpl) TreeWalk(ctx context.Context, cbs TreeWalkHandler) {
	node, path, err := tree.acquireRoot(ctx)
	if err != nil {
		if cbs.BadNode != nil {
			cbs.BadNode(path, node, err)
		}
		return
	}
	tree.treeWalk(ctx, path, node, cbs)
}

func (tree *treeImpl) treeWalk(ctx context.Context, path Path, node *Node, cbs TreeWalkHandler) {
	if ctx.Err() != nil {
		if node != nil {
			tree.forrest.ReleaseNode(node)
		}
		return
	}

	if node != nil && cbs.Node != nil {
		if err := cbs.Node(path, node); err != nil && errors.Is(err, iofs.SkipDir) {
			tree.forrest.ReleaseNode(node)
			return
		}
	}
	if ctx.Err() != nil {
		tree.forrest.ReleaseNode(node)
		return
	}

	if node == nil {
		return
	}
	defer tree.forrest.ReleaseNode(node)

	if node.Head.Level > 0 {
		for i, kp := range node.BodyInterior {
			toMaxKey := btrfsprim.MaxKey
			if lastElem, ok := path[len(path)-1].(PathKP); ok {
				toMaxKey = lastElem.ToMaxKey
			}
			if i+1 < len(node.BodyInterior) {
				toMaxKey = node.BodyInterior[i+1].Key.Mm()
			}
			kpElem := PathKP{
				FromTree:     node.Head.Owner,
				FromSlot:     i,
				ToAddr:       kp.BlockPtr,
				ToGeneration: kp.Generation,
				ToMinKey:     kp.Key,
				ToMaxKey:     toMaxKey,
				ToLevel:      node.Head.Level - 1,
			}
			childPath := append(path.DeepCopy(), kpElem)
			if cbs.KeyPointer != nil && !cbs.KeyPointer(childPath, kp) {
				continue
			}
			child, err := tree.acquire(ctx, childPath)
			if err != nil {
				handled := false
				if cbs.BadNode != nil {
					handled = cbs.BadNode(childPath, child, err)
				}
				if !handled {
					if child != nil {
						tree.forrest.ReleaseNode(child)
					}
					continue
				}
			}
			tree.treeWalk(ctx, childPath, child, cbs)
			if ctx.Err() != nil {
				return
			}
		}
	} else {
		for i, item := range node.BodyLeaf {
			itemElem := PathItem{
				FromTree: node.Head.Owner,
				FromSlot: i,
				ToKey:    item.Key,
			}
			itemPath := append(path.DeepCopy(), itemElem)
			if errBody, isErr := item.Body.(*btrfsitem.Error); isErr {
				_ = errBody
				if cbs.BadItem != nil {
					cbs.BadItem(itemPath, item)
				}
			} else if cbs.Item != nil {
				cbs.Item(itemPath, item)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// treeSearch descends from the root to the leaf whose items satisfy
// `search`, returning the path to (and the node containing) the
// matching item. The caller owns the returned node and must
// ReleaseNode it.
func (tree *treeImpl) treeSearch(ctx context.Context, search TreeSearcher) (Path, *Node, error) {
	node, path, err := tree.acquireRoot(ctx)
	if err != nil {
		return nil, nil, err
	}
	for {
		if node.Head.Level > 0 {
			// Find the right-most key-pointer for which
			// search.Search(kp.Key, MaxUint32) >= 0, i.e. the
			// highest child that isn't too high.
			lastGood, ok := slices.SearchHighest(node.BodyInterior, func(kp KeyPointer) int {
				return slices.Min(search.Search(kp.Key, math.MaxUint32), 0)
			})
			if !ok {
				tree.forrest.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			toMaxKey := btrfsprim.MaxKey
			if lastElem, ok := path[len(path)-1].(PathKP); ok {
				toMaxKey = lastElem.ToMaxKey
			}
			if lastGood+1 < len(node.BodyInterior) {
				toMaxKey = node.BodyInterior[lastGood+1].Key.Mm()
			}
			kp := node.BodyInterior[lastGood]
			path = append(path, PathKP{
				FromTree:     node.Head.Owner,
				FromSlot:     lastGood,
				ToAddr:       kp.BlockPtr,
				ToGeneration: kp.Generation,
				ToMinKey:     kp.Key,
				ToMaxKey:     toMaxKey,
				ToLevel:      node.Head.Level - 1,
			})
			next, err := tree.acquire(ctx, path)
			tree.forrest.ReleaseNode(node)
			if err != nil {
				return nil, nil, err
			}
			node = next
		} else {
			// Find any leaf item for which
			// search.Search(item.Key, item.BodySize) == 0.
			slot, ok := slices.Search(node.BodyLeaf, func(item Item) int {
				return search.Search(item.Key, item.BodySize)
			})
			if !ok {
				tree.forrest.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			path = append(path, PathItem{
				FromTree: node.Head.Owner,
				FromSlot: slot,
				ToKey:    node.BodyLeaf[slot].Key,
			})
			return path, node, nil
		}
	}
}

func lastItemSlot(path Path) int {
	return path[len(path)-1].(PathItem).FromSlot
}

// TreeSearch implements Tree.
func (tree *treeImpl) TreeSearch(ctx context.Context, search TreeSearcher) (Item, error) {
	path, node, err := tree.treeSearch(ctx, search)
	if err != nil {
		return Item{}, err
	}
	item := node.BodyLeaf[lastItemSlot(path)]
	item.Body = item.Body.CloneItem()
	tree.forrest.ReleaseNode(node)
	return item, nil
}

// TreeLookup implements Tree.
func (tree *treeImpl) TreeLookup(ctx context.Context, key btrfsprim.Key) (Item, error) {
	item, err := tree.TreeSearch(ctx, SearchExactKey(key))
	if err != nil {
		err = fmt.Errorf("item with key=%v: %w", key, err)
	}
	return item, err
}

// TreeRange implements Tree.
func (tree *treeImpl) TreeRange(ctx context.Context, handleFn func(Item) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tree.TreeWalk(ctx, TreeWalkHandler{
		Item: func(_ Path, item Item) {
			if !handleFn(item) {
				cancel()
			}
		},
	})
	return nil
}

// prev moves (path, node) to the item immediately preceding it in key
// order; (nil, nil, nil) is returned if there is no such item. Ported
// from TreeOperatorImpl.prev, adapted from the TreePath/diskio.Ref
// model to Path/*Node with NodeSource acquire/release.
func (tree *treeImpl) prev(ctx context.Context, path Path, node *Node) (Path, *Node, error) {
	path = path.DeepCopy()
	itemElem := path[len(path)-1].(PathItem)
	if itemElem.FromSlot > 0 {
		itemElem.FromSlot--
		itemElem.ToKey = node.BodyLeaf[itemElem.FromSlot].Key
		path[len(path)-1] = itemElem
		return path, node, nil
	}
	tree.forrest.ReleaseNode(node)

	// go up until we find an ancestor with room to step left
	path = path.Parent()
	for len(path) > 1 {
		parent, err := tree.acquire(ctx, path.Parent())
		if err != nil {
			return nil, nil, err
		}
		kpElem := path[len(path)-1].(PathKP)
		if kpElem.FromSlot > 0 {
			kpElem.FromSlot--
			kp := parent.BodyInterior[kpElem.FromSlot]
			toMaxKey := btrfsprim.MaxKey
			if kpElem.FromSlot+1 < len(parent.BodyInterior) {
				toMaxKey = parent.BodyInterior[kpElem.FromSlot+1].Key.Mm()
			}
			path[len(path)-1] = PathKP{
				FromTree:     parent.Head.Owner,
				FromSlot:     kpElem.FromSlot,
				ToAddr:       kp.BlockPtr,
				ToGeneration: kp.Generation,
				ToMinKey:     kp.Key,
				ToMaxKey:     toMaxKey,
				ToLevel:      parent.Head.Level - 1,
			}
			tree.forrest.ReleaseNode(parent)
			break
		}
		tree.forrest.ReleaseNode(parent)
		path = path.Parent()
	}
	if len(path) <= 1 {
		return nil, nil, nil
	}

	// go down the right spine of the left sibling
	cur, err := tree.acquire(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	for cur.Head.Level > 0 {
		lastSlot := len(cur.BodyInterior) - 1
		kp := cur.BodyInterior[lastSlot]
		path = append(path, PathKP{
			FromTree:     cur.Head.Owner,
			FromSlot:     lastSlot,
			ToAddr:       kp.BlockPtr,
			ToGeneration: kp.Generation,
			ToMinKey:     kp.Key,
			ToMaxKey:     path[len(path)-1].(PathKP).ToMaxKey,
			ToLevel:      cur.Head.Level - 1,
		})
		next, err := tree.acquire(ctx, path)
		tree.forrest.ReleaseNode(cur)
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}
	lastSlot := len(cur.BodyLeaf) - 1
	path = append(path, PathItem{
		FromTree: cur.Head.Owner,
		FromSlot: lastSlot,
		ToKey:    cur.BodyLeaf[lastSlot].Key,
	})
	return path, cur, nil
}

// next moves (path, node) to the item immediately following it in key
// order; (nil, nil, nil) is returned if there is no such item.
func (tree *treeImpl) next(ctx context.Context, path Path, node *Node) (Path, *Node, error) {
	path = path.DeepCopy()
	itemElem := path[len(path)-1].(PathItem)
	if itemElem.FromSlot+1 < len(node.BodyLeaf) {
		itemElem.FromSlot++
		itemElem.ToKey = node.BodyLeaf[itemElem.FromSlot].Key
		path[len(path)-1] = itemElem
		return path, node, nil
	}
	tree.forrest.ReleaseNode(node)

	// go up until we find an ancestor with room to step right
	path = path.Parent()
	for len(path) > 1 {
		parent, err := tree.acquire(ctx, path.Parent())
		if err != nil {
			return nil, nil, err
		}
		kpElem := path[len(path)-1].(PathKP)
		if kpElem.FromSlot+1 < len(parent.BodyInterior) {
			kpElem.FromSlot++
			kp := parent.BodyInterior[kpElem.FromSlot]
			toMaxKey := btrfsprim.MaxKey
			if kpElem.FromSlot+1 < len(parent.BodyInterior) {
				toMaxKey = parent.BodyInterior[kpElem.FromSlot+1].Key.Mm()
			}
			path[len(path)-1] = PathKP{
				FromTree:     parent.Head.Owner,
				FromSlot:     kpElem.FromSlot,
				ToAddr:       kp.BlockPtr,
				ToGeneration: kp.Generation,
				ToMinKey:     kp.Key,
				ToMaxKey:     toMaxKey,
				ToLevel:      parent.Head.Level - 1,
			}
			tree.forrest.ReleaseNode(parent)
			break
		}
		tree.forrest.ReleaseNode(parent)
		path = path.Parent()
	}
	if len(path) <= 1 {
		return nil, nil, nil
	}

	// go down the left spine of the right sibling
	cur, err := tree.acquire(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	for cur.Head.Level > 0 {
		kp := cur.BodyInterior[0]
		toMaxKey := path[len(path)-1].(PathKP).ToMaxKey
		if len(cur.BodyInterior) > 1 {
			toMaxKey = cur.BodyInterior[1].Key.Mm()
		}
		path = append(path, PathKP{
			FromTree:     cur.Head.Owner,
			FromSlot:     0,
			ToAddr:       kp.BlockPtr,
			ToGeneration: kp.Generation,
			ToMinKey:     kp.Key,
			ToMaxKey:     toMaxKey,
			ToLevel:      cur.Head.Level - 1,
		})
		next, err := tree.acquire(ctx, path)
		tree.forrest.ReleaseNode(cur)
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}
	path = append(path, PathItem{
		FromTree: cur.Head.Owner,
		FromSlot: 0,
		ToKey:    cur.BodyLeaf[0].Key,
	})
	return path, cur, nil
}

// TreeSubrange implements Tree. It finds one matching item with
// treeSearch, then walks outward left and right (via prev/next)
// collecting every adjacent item for which search.Search returns 0,
// mirroring TreeOperatorImpl.TreeSearchAll.
func (tree *treeImpl) TreeSubrange(ctx context.Context, min int, search TreeSearcher, handleFn func(Item) bool) error {
	middlePath, middleNode, err := tree.treeSearch(ctx, search)
	if err != nil {
		if errors.Is(err, ErrNoItem) && min == 0 {
			return nil
		}
		return err
	}
	middleItem := middleNode.BodyLeaf[lastItemSlot(middlePath)]
	middleItem.Body = middleItem.Body.CloneItem()

	var errs derror.MultiError

	var leftItems []Item
	prevPath, prevNode := middlePath, middleNode
	for {
		prevPath, prevNode, err = tree.prev(ctx, prevPath, prevNode)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if prevPath == nil {
			break
		}
		item := prevNode.BodyLeaf[lastItemSlot(prevPath)]
		if search.Search(item.Key, item.BodySize) != 0 {
			break
		}
		clone := item
		clone.Body = clone.Body.CloneItem()
		leftItems = append(leftItems, clone)
	}
	if prevNode != nil {
		tree.forrest.ReleaseNode(prevNode)
	}
	slices.Reverse(leftItems)

	var rightItems []Item
	nextNode, err := tree.acquire(ctx, middlePath.Parent())
	if err != nil {
		return err
	}
	nextPath := middlePath
	for {
		nextPath, nextNode, err = tree.next(ctx, nextPath, nextNode)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if nextPath == nil {
			break
		}
		item := nextNode.BodyLeaf[lastItemSlot(nextPath)]
		if search.Search(item.Key, item.BodySize) != 0 {
			break
		}
		clone := item
		clone.Body = clone.Body.CloneItem()
		rightItems = append(rightItems, clone)
	}
	if nextNode != nil {
		tree.forrest.ReleaseNode(nextNode)
	}

	count := 0
	cont := true
	for _, item := range leftItems {
		count++
		if cont {
			cont = handleFn(item)
		}
	}
	count++
	if cont {
		cont = handleFn(middleItem)
	}
	for _, item := range rightItems {
		count++
		if cont {
			cont = handleFn(item)
		}
	}

	if errs != nil {
		return errs
	}
	if count < min {
		return ErrNoItem
	}
	return nil
}
