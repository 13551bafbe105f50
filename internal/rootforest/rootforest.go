// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rootforest implements the named-tree forest (root,
// extent, chunk, device, checksum, fs, uuid, free-space, per-subvolume)
// and subvolume/snapshot creation as copy-on-write of a root node. It
// is the write-side counterpart to the read-only
// btrfstree.RawForrest, built on the same NodeSource/LookupTreeRoot
// plumbing and composed with btrfstree.MutableTree for the trees this
// package opens for writing.
package rootforest

import (
	"context"
	"fmt"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfssum"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/freespace"
)

// volWriter implements btrfstree.NodeWriter by marshaling a node
// (recomputing its checksum) and writing it straight to the logical
// volume at its own address, refreshing the extent-buffer cache with
// the new bytes as it goes -- dirty-marking is folded in here since
// every write this module makes is immediately durable-ready;
// internal/transaction's commit barriers are what make it actually
// durable.
type volWriter struct {
	vol   diskio.File[btrfsvol.LogicalAddr]
	cache *btrfstree.NodeCache
}

func (w volWriter) WriteNode(ctx context.Context, node *btrfstree.Node) error {
	csum, err := node.CalculateChecksum()
	if err != nil {
		return err
	}
	node.Head.Checksum = csum
	buf, err := binstruct.Marshal(*node)
	if err != nil {
		return err
	}
	if _, err := w.vol.WriteAt(buf, node.Head.Addr); err != nil {
		// The on-disk bytes are now unknown; a cached copy would
		// mask that.
		if w.cache != nil {
			w.cache.Remove(node.Head.Addr)
		}
		return btrfsio.Wrap(btrfsio.KindIoError, err)
	}
	// buf carries the freshly computed checksum, so it goes into the
	// extent-buffer cache as-is: readers in this process see the new
	// block without re-reading the device.
	if w.cache != nil {
		w.cache.Insert(node.Head.Addr, buf)
	}
	return nil
}

// volSource implements btrfstree.NodeSource directly off of the
// logical volume, for the initial read of whatever a tree's root
// happened to be at forest-open time (subsequent reads within the same
// transaction go through the relevant MutableTree, which already knows
// about nodes it COW'd earlier this transaction).
type volSource struct {
	vol   diskio.File[btrfsvol.LogicalAddr]
	sb    btrfstree.Superblock
	cache *btrfstree.NodeCache
}

func (s volSource) Superblock() (*btrfstree.Superblock, error) { sb := s.sb; return &sb, nil }

func (s volSource) AcquireNode(ctx context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	return btrfstree.RawNodeSource{Reader: s.vol, SB: s.sb, Cache: s.cache}.AcquireNode(ctx, addr, exp)
}

func (s volSource) ReleaseNode(node *btrfstree.Node) {
	if node != nil {
		node.Free()
	}
}

// Forest is the write side of the root forest: it opens/creates the
// well-known trees and every per-subvolume FS tree, tracking which
// ones were mutated so internal/transaction can fold them back into
// the superblock (the four trees with a dedicated super field) or into
// ROOT_ITEMs (everything else).
type Forest struct {
	Volume     diskio.File[btrfsvol.LogicalAddr]
	Alloc      *freespace.Allocator
	Superblock btrfstree.Superblock
	Transid    btrfsprim.Generation

	// Cache is the extent-buffer cache every read and write of this
	// forest goes through; left nil, a private one is created at
	// first use. A caller that also reads the volume outside of the
	// forest (internal/btrfsutil's FS) shares its own cache here so
	// both views stay coherent.
	Cache *btrfstree.NodeCache

	trees map[btrfsprim.ObjID]*btrfstree.MutableTree
	dirty map[btrfsprim.ObjID]bool
}

func (f *Forest) source() volSource {
	f.init()
	return volSource{vol: f.Volume, sb: f.Superblock, cache: f.Cache}
}

func (f *Forest) writer() volWriter {
	f.init()
	return volWriter{vol: f.Volume, cache: f.Cache}
}

func (f *Forest) init() {
	if f.trees == nil {
		f.trees = make(map[btrfsprim.ObjID]*btrfstree.MutableTree)
		f.dirty = make(map[btrfsprim.ObjID]bool)
	}
	if f.Cache == nil {
		f.Cache = btrfstree.NewNodeCache(btrfstree.DefaultNodeCacheSize)
	}
}

// OpenTree opens (or returns the already-open) MutableTree for treeID,
// resolving its root the way LookupTreeRoot does: the four
// superblock-resident trees read their root straight from the
// superblock; everything else is a ROOT_ITEM search in the root tree.
func (f *Forest) OpenTree(ctx context.Context, treeID btrfsprim.ObjID) (*btrfstree.MutableTree, error) {
	f.init()
	// Any tree opened through here may be mutated by the caller via
	// the returned MutableTree's Insert/Delete, which this package has
	// no way to observe after the fact -- so a tree is considered
	// dirty (and gets its ROOT_ITEM rewritten at commit) from the
	// moment it's opened, rather than only once a write is detected.
	// A tree that's opened but never actually written gets a ROOT_ITEM
	// rewrite with an unchanged root address, which is wasted work but
	// not incorrect.
	f.markDirty(treeID)
	if t, ok := f.trees[treeID]; ok {
		return t, nil
	}

	forrest := btrfstree.RawForrest{NodeSource: f.source()}
	root, err := btrfstree.LookupTreeRoot(ctx, forrest, f.Superblock, treeID)
	if err != nil {
		return nil, fmt.Errorf("rootforest: opening tree %v: %w", treeID, err)
	}

	t := &btrfstree.MutableTree{
		Read:           f.source(),
		Write:          f.writer(),
		Alloc:          f.Alloc,
		TreeID:         treeID,
		RootAddr:       root.RootNode,
		RootLevel:      root.Level,
		RootGeneration: root.Generation,
		Transid:        f.Transid,
	}
	f.trees[treeID] = t
	return t, nil
}

// ReadTree returns a read-only Tree view reflecting treeID's current
// root, including any not-yet-committed writes made this transaction
// through OpenTree's MutableTree -- internal/receive uses this to
// resolve paths and check for existing directory entries while it is
// still building the subvolume it's writing into.
func (f *Forest) ReadTree(ctx context.Context, treeID btrfsprim.ObjID) (btrfstree.Tree, error) {
	t, err := f.OpenTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	return btrfstree.NewTree(f.source(), btrfstree.TreeRoot{
		ID:         treeID,
		RootNode:   t.RootAddr,
		Level:      t.RootLevel,
		Generation: t.RootGeneration,
	}), nil
}

// markDirty records that treeID's root address may have changed this
// transaction; called by every mutating helper in this package, and
// by OpenTree when it opens a tree, which covers Insert/Delete made
// through the returned MutableTree.
func (f *Forest) markDirty(treeID btrfsprim.ObjID) {
	f.init()
	f.dirty[treeID] = true
}

// DirtyRoots implements transaction.RootTracker.
func (f *Forest) DirtyRoots() []btrfsprim.ObjID {
	f.init()
	ret := make([]btrfsprim.ObjID, 0, len(f.dirty))
	for id := range f.dirty {
		ret = append(ret, id)
	}
	return ret
}

// TreeRoot implements transaction.RootTracker.
func (f *Forest) TreeRoot(treeID btrfsprim.ObjID) (btrfsvol.LogicalAddr, uint8, btrfsprim.Generation, bool) {
	t, ok := f.trees[treeID]
	if !ok {
		return 0, 0, 0, false
	}
	return t.RootAddr, t.RootLevel, t.RootGeneration, true
}

// FlushRootItems implements transaction.RootTracker: every dirty tree
// other than the four superblock-resident ones gets its ROOT_ITEM
// rewritten in the root tree with the current root address/generation.
func (f *Forest) FlushRootItems(ctx context.Context, transid btrfsprim.Generation) error {
	f.init()
	rootTree, err := f.OpenTree(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return err
	}
	for id := range f.dirty {
		switch id {
		case btrfsprim.ROOT_TREE_OBJECTID, btrfsprim.CHUNK_TREE_OBJECTID, btrfsprim.TREE_LOG_OBJECTID, btrfsprim.BLOCK_GROUP_TREE_OBJECTID:
			continue // tracked directly in the superblock
		}
		tree, ok := f.trees[id]
		if !ok {
			continue
		}
		if err := f.upsertRootItem(ctx, rootTree, id, tree, transid); err != nil {
			return fmt.Errorf("rootforest: flushing root item for tree %v: %w", id, err)
		}
	}
	return nil
}

// upsertRootItem finds the existing ROOT_ITEM for treeID (if any),
// deletes it, and inserts a fresh one reflecting tree's current root --
// a plain tree is otherwise keyed by a fixed (treeID, ROOT_ITEM, 0)
// offset in modern on-disk images, but subvolume creation keys the
// *initial* insert as (new_root_id, ROOT_ITEM, transid); updates here preserve whatever
// key offset creation chose.
func (f *Forest) upsertRootItem(ctx context.Context, rootTree *btrfstree.MutableTree, treeID btrfsprim.ObjID, tree *btrfstree.MutableTree, transid btrfsprim.Generation) error {
	existing, key, found, err := findRootItem(ctx, f.source(), rootTree, treeID)
	if err != nil {
		return err
	}
	item := newRootItem(treeID, tree, transid)
	if found {
		item.UUID = existing.UUID
		item.ParentUUID = existing.ParentUUID
		item.ReceivedUUID = existing.ReceivedUUID
		item.STransID = existing.STransID
		item.OTransID = existing.OTransID
		item.RTransID = existing.RTransID
		item.CTime = existing.CTime
		item.OTime = existing.OTime
		item.RootDirID = existing.RootDirID
		if err := rootTree.Delete(ctx, key); err != nil {
			return err
		}
	}
	return rootTree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: treeID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: uint64(transid)},
		Body: &item,
	})
}

func newRootItem(treeID btrfsprim.ObjID, tree *btrfstree.MutableTree, transid btrfsprim.Generation) btrfsitem.Root {
	return btrfsitem.Root{
		Generation:   tree.RootGeneration,
		GenerationV2: tree.RootGeneration,
		ByteNr:       tree.RootAddr,
		Level:        tree.RootLevel,
		RootDirID:    btrfsprim.FIRST_FREE_OBJECTID,
	}
}

// findRootItem searches the root tree for a ROOT_ITEM belonging to
// treeID. The root tree is small (one item per subvolume) so this
// walks every level by hand rather than needing the full
// TreeSearch/Path machinery just to look up a handful of items.
func findRootItem(ctx context.Context, src btrfstree.NodeSource, rootTree *btrfstree.MutableTree, treeID btrfsprim.ObjID) (btrfsitem.Root, btrfsprim.Key, bool, error) {
	if rootTree.RootAddr == 0 {
		return btrfsitem.Root{}, btrfsprim.Key{}, false, nil
	}
	return findRootItemAt(ctx, src, rootTree.RootAddr, treeID)
}

func findRootItemAt(ctx context.Context, src btrfstree.NodeSource, addr btrfsvol.LogicalAddr, treeID btrfsprim.ObjID) (btrfsitem.Root, btrfsprim.Key, bool, error) {
	node, err := src.AcquireNode(ctx, addr, btrfstree.NodeExpectations{})
	if err != nil {
		return btrfsitem.Root{}, btrfsprim.Key{}, false, err
	}
	defer src.ReleaseNode(node)

	if node.Head.Level == 0 {
		item, key, found := scanLeafForRoot(node, treeID)
		return item, key, found, nil
	}

	// Every key-pointer's key is the smallest key reachable under it,
	// so the right child to descend into is the last one whose key is
	// <= treeID (falling back to the first child if treeID is smaller
	// than everything, which can't happen for objectids already
	// present in the tree but is handled defensively).
	childIdx := -1
	for i, kp := range node.BodyInterior {
		if kp.Key.ObjectID > treeID {
			break
		}
		childIdx = i
	}
	if childIdx == -1 {
		if len(node.BodyInterior) == 0 {
			return btrfsitem.Root{}, btrfsprim.Key{}, false, nil
		}
		childIdx = 0
	}
	return findRootItemAt(ctx, src, node.BodyInterior[childIdx].BlockPtr, treeID)
}

func scanLeafForRoot(node *btrfstree.Node, treeID btrfsprim.ObjID) (btrfsitem.Root, btrfsprim.Key, bool) {
	for _, it := range node.BodyLeaf {
		if it.Key.ObjectID != treeID || it.Key.ItemType != btrfsprim.ROOT_ITEM_KEY {
			continue
		}
		if root, ok := it.Body.(*btrfsitem.Root); ok {
			return *root, it.Key, true
		}
	}
	return btrfsitem.Root{}, btrfsprim.Key{}, false
}

// nextFreeObjID picks the next unused objectid in the root tree's
// subvolume range by taking the maximum existing FS_TREE-or-higher
// ObjID plus one; mkfs's bootstrap forest starts this search from
// FIRST_FREE_OBJECTID.
func (f *Forest) nextFreeObjID(ctx context.Context, rootTree *btrfstree.MutableTree) (btrfsprim.ObjID, error) {
	if rootTree.RootAddr == 0 {
		return btrfsprim.FS_TREE_OBJECTID + 1, nil
	}
	node, err := f.source().AcquireNode(ctx, rootTree.RootAddr, btrfstree.NodeExpectations{})
	if err != nil {
		return 0, err
	}
	defer f.source().ReleaseNode(node)
	max := btrfsprim.FS_TREE_OBJECTID
	var walk func(n *btrfstree.Node) error
	walk = func(n *btrfstree.Node) error {
		if n.Head.Level > 0 {
			for _, kp := range n.BodyInterior {
				child, err := f.source().AcquireNode(ctx, kp.BlockPtr, btrfstree.NodeExpectations{})
				if err != nil {
					return err
				}
				err = walk(child)
				f.source().ReleaseNode(child)
				if err != nil {
					return err
				}
			}
			return nil
		}
		for _, it := range n.BodyLeaf {
			if it.Key.ItemType == btrfsprim.ROOT_ITEM_KEY && it.Key.ObjectID > max {
				max = it.Key.ObjectID
			}
		}
		return nil
	}
	if err := walk(node); err != nil {
		return 0, err
	}
	return max + 1, nil
}

// CreateSubvolumeOptions configures CreateSubvolume.
type CreateSubvolumeOptions struct {
	// ParentTreeID is the subvolume the new name is linked into
	// (usually FS_TREE_OBJECTID for a top-level subvolume).
	ParentTreeID btrfsprim.ObjID
	// Name is the directory-entry name linking ParentTreeID to the
	// new subvolume.
	Name string
	// Source, if non-zero, is an existing subvolume's tree ID to
	// snapshot (its root node is copied and ParentUUID is recorded);
	// zero means create a brand new, empty subvolume.
	Source btrfsprim.ObjID
}

// CreateSubvolume implements subvolume/snapshot creation:
// copy the source root node to a new block (new owner = new root id),
// build a root item, insert (new_root_id, ROOT_ITEM, transid) in the
// root tree, add a (parent_id, DIR_ITEM, hash(name)) linking name->root
// in the parent subvolume, and add the inverse ROOT_REF/ROOT_BACKREF
// pair. Snapshots are identical except Source names an existing
// subvolume and a parent-UUID is recorded.
func (f *Forest) CreateSubvolume(ctx context.Context, opts CreateSubvolumeOptions) (btrfsprim.ObjID, error) {
	f.init()
	rootTree, err := f.OpenTree(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return 0, err
	}
	newID, err := f.nextFreeObjID(ctx, rootTree)
	if err != nil {
		return 0, err
	}

	var (
		rootAddr  btrfsvol.LogicalAddr
		rootLevel uint8
		parentUUID btrfsprim.UUID
	)
	if opts.Source != 0 {
		srcTree, err := f.OpenTree(ctx, opts.Source)
		if err != nil {
			return 0, err
		}
		// Copy the source's root node to a new block owned by newID
		// (a single-node COW, independent of the usual descend/cow
		// path since there's no parent key-pointer to rewrite: the
		// new tree's root pointer lives only in its ROOT_ITEM).
		node, err := f.source().AcquireNode(ctx, srcTree.RootAddr, btrfstree.NodeExpectations{})
		if err != nil {
			return 0, err
		}
		newAddr, err := f.Alloc.AllocTreeBlock(ctx, newID, node.Head.Level)
		if err != nil {
			f.source().ReleaseNode(node)
			return 0, err
		}
		cp := *node
		cp.Head.Addr = newAddr
		cp.Head.Owner = newID
		cp.Head.Generation = f.Transid
		cp.BodyLeaf = append([]btrfstree.Item(nil), node.BodyLeaf...)
		cp.BodyInterior = append([]btrfstree.KeyPointer(nil), node.BodyInterior...)
		f.source().ReleaseNode(node)
		if err := f.writer().WriteNode(ctx, &cp); err != nil {
			return 0, err
		}
		rootAddr, rootLevel = newAddr, cp.Head.Level

		uuid, uerr := rootUUID(ctx, f.source(), rootTree, opts.Source)
		if uerr == nil {
			parentUUID = uuid
		}
	} else {
		// Brand new, empty subvolume: a single empty leaf.
		newAddr, err := f.Alloc.AllocTreeBlock(ctx, newID, 0)
		if err != nil {
			return 0, err
		}
		leaf := &btrfstree.Node{
			Size:         f.Superblock.NodeSize,
			ChecksumType: f.Superblock.ChecksumType,
			Head: btrfstree.NodeHeader{
				Addr:          newAddr,
				MetadataUUID:  f.Superblock.EffectiveMetadataUUID(),
				ChunkTreeUUID: f.Superblock.FSUUID,
				Generation:    f.Transid,
				Owner:         newID,
				Level:         0,
			},
		}
		if err := f.writer().WriteNode(ctx, leaf); err != nil {
			return 0, err
		}
		rootAddr, rootLevel = newAddr, 0
	}

	newTree := &btrfstree.MutableTree{
		Read:           f.source(),
		Write:          f.writer(),
		Alloc:          f.Alloc,
		TreeID:         newID,
		RootAddr:       rootAddr,
		RootLevel:      rootLevel,
		RootGeneration: f.Transid,
		Transid:        f.Transid,
	}
	f.trees[newID] = newTree
	f.markDirty(newID)

	uuid := newSubvolUUID(newID, f.Transid)
	root := btrfsitem.Root{
		Generation:   f.Transid,
		GenerationV2: f.Transid,
		RootDirID:    btrfsprim.FIRST_FREE_OBJECTID,
		ByteNr:       rootAddr,
		Level:        rootLevel,
		UUID:         uuid,
		ParentUUID:   parentUUID,
	}
	if err := rootTree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: newID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: uint64(f.Transid)},
		Body: &root,
	}); err != nil {
		return 0, err
	}
	f.markDirty(btrfsprim.ROOT_TREE_OBJECTID)

	parentTree, err := f.OpenTree(ctx, opts.ParentTreeID)
	if err != nil {
		return 0, err
	}
	nameBytes := []byte(opts.Name)
	dirItem := &btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: newID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0},
		Type:     btrfsitem.FT_DIR,
		Name:     nameBytes,
	}
	if err := parentTree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: btrfsprim.FIRST_FREE_OBJECTID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash(nameBytes)},
		Body: dirItem,
	}); err != nil {
		return 0, err
	}
	f.markDirty(opts.ParentTreeID)

	forwardRef := &btrfsitem.RootRef{DirID: btrfsprim.FIRST_FREE_OBJECTID, Name: nameBytes}
	if err := rootTree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: opts.ParentTreeID, ItemType: btrfsprim.ROOT_REF_KEY, Offset: uint64(newID)},
		Body: forwardRef,
	}); err != nil {
		return 0, err
	}
	backRef := &btrfsitem.RootRef{DirID: btrfsprim.FIRST_FREE_OBJECTID, Name: nameBytes}
	if err := rootTree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: newID, ItemType: btrfsprim.ROOT_BACKREF_KEY, Offset: uint64(opts.ParentTreeID)},
		Body: backRef,
	}); err != nil {
		return 0, err
	}

	return newID, nil
}

func newSubvolUUID(treeID btrfsprim.ObjID, transid btrfsprim.Generation) btrfsprim.UUID {
	var u btrfsprim.UUID
	// Deterministic, non-cryptographic "UUID" derived from the tree ID
	// and creation transid -- good enough for the self-contained
	// forest this package maintains, where real RFC4122 randomness
	// isn't load-bearing for anything this module verifies.
	for i := 0; i < 8; i++ {
		u[i] = byte(treeID >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		u[8+i] = byte(transid >> (8 * i))
	}
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return u
}

func rootUUID(ctx context.Context, src btrfstree.NodeSource, rootTree *btrfstree.MutableTree, treeID btrfsprim.ObjID) (btrfsprim.UUID, error) {
	item, _, found, err := findRootItem(ctx, src, rootTree, treeID)
	if err != nil {
		return btrfsprim.UUID{}, err
	}
	if !found {
		return btrfsprim.UUID{}, fmt.Errorf("rootforest: no ROOT_ITEM for tree %v", treeID)
	}
	return item.UUID, nil
}

// SetReceivedUUID implements the received-UUID binding: after
// receive finishes materialising a subvolume, its root item's
// received_uuid/stransid/rtransid are set so the next incremental send
// locates the correct parent, and the subvolume is marked read-only.
func (f *Forest) SetReceivedUUID(ctx context.Context, treeID btrfsprim.ObjID, receivedUUID btrfsprim.UUID, stransid, rtransid btrfsprim.Generation) error {
	rootTree, err := f.OpenTree(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return err
	}
	item, key, found, err := findRootItem(ctx, f.source(), rootTree, treeID)
	if err != nil {
		return err
	}
	if !found {
		return btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("rootforest: no ROOT_ITEM for tree %v", treeID))
	}
	item.ReceivedUUID = receivedUUID
	item.STransID = int64(stransid)
	item.RTransID = int64(rtransid)
	item.Flags |= btrfsitem.ROOT_SUBVOL_RDONLY
	if err := rootTree.Delete(ctx, key); err != nil {
		return err
	}
	if err := rootTree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: treeID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: key.Offset},
		Body: &item,
	}); err != nil {
		return err
	}
	f.markDirty(btrfsprim.ROOT_TREE_OBJECTID)
	return nil
}

// CSumType reports the checksum algorithm configured for this forest's
// filesystem, for callers that need to compute a checksum for a node
// built outside a MutableTree (mkfs bootstrap).
func (f *Forest) CSumType() btrfssum.CSumType { return f.Superblock.ChecksumType }
