// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package receive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/linux"
)

// dirLookup finds the directory-entry ("." and ".." are never
// represented as entries in this on-disk format, matching the real
// DIR_ITEM scheme) for name inside dirID, via the tree's current
// (possibly uncommitted) state.
func (rc *Receiver) dirLookup(ctx context.Context, tree btrfstree.Tree, dirID btrfsprim.ObjID, name string) (btrfsitem.DirEntry, bool, error) {
	item, err := tree.TreeLookup(ctx, btrfsprim.Key{
		ObjectID: dirID,
		ItemType: btrfsprim.DIR_ITEM_KEY,
		Offset:   btrfsitem.NameHash([]byte(name)),
	})
	if err != nil {
		if errors.Is(err, btrfstree.ErrNoItem) {
			return btrfsitem.DirEntry{}, false, nil
		}
		return btrfsitem.DirEntry{}, false, err
	}
	de, ok := item.Body.(*btrfsitem.DirEntry)
	if !ok {
		return btrfsitem.DirEntry{}, false, fmt.Errorf("malformed DIR_ITEM for %q", name)
	}
	return *de, true, nil
}

// resolveParent walks every component but the last, returning the
// directory inode the final component should be created/looked up in.
func (rc *Receiver) resolveParent(ctx context.Context, treeID btrfsprim.ObjID, p string) (btrfsprim.ObjID, string, error) {
	parts := strings.Split(p, "/")
	tree, err := rc.Forest.ReadTree(ctx, treeID)
	if err != nil {
		return 0, "", err
	}
	dir := btrfsprim.FIRST_FREE_OBJECTID
	for _, part := range parts[:len(parts)-1] {
		de, ok, err := rc.dirLookup(ctx, tree, dir, part)
		if err != nil {
			return 0, "", err
		}
		if !ok || de.Type != btrfsitem.FT_DIR {
			return 0, "", btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("no such directory %q", part))
		}
		dir = de.Location.ObjectID
	}
	return dir, parts[len(parts)-1], nil
}

// resolve fully resolves p to its inode and type.
func (rc *Receiver) resolve(ctx context.Context, treeID btrfsprim.ObjID, p string) (btrfsprim.ObjID, btrfsitem.FileType, error) {
	dir, name, err := rc.resolveParent(ctx, treeID, p)
	if err != nil {
		return 0, 0, err
	}
	tree, err := rc.Forest.ReadTree(ctx, treeID)
	if err != nil {
		return 0, 0, err
	}
	de, ok, err := rc.dirLookup(ctx, tree, dir, name)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("no such file or directory %q", p))
	}
	return de.Location.ObjectID, de.Type, nil
}

func (rc *Receiver) allocInode(ctx context.Context, tree *btrfstree.MutableTree) (btrfsprim.ObjID, error) {
	treeID := tree.TreeID
	if _, ok := rc.nextInode[treeID]; !ok {
		if err := rc.initInodeCounter(ctx, treeID); err != nil {
			return 0, err
		}
	}
	id := rc.nextInode[treeID]
	rc.nextInode[treeID] = id + 1
	return id, nil
}

// initInodeCounter scans treeID's current INODE_ITEMs for the highest
// objectid in use, so a SNAPSHOT (whose tree was copied from an
// existing, non-empty subvolume) continues allocating from where the
// source left off rather than colliding with copied inodes.
func (rc *Receiver) initInodeCounter(ctx context.Context, treeID btrfsprim.ObjID) error {
	tree, err := rc.Forest.ReadTree(ctx, treeID)
	if err != nil {
		return err
	}
	maxID := btrfsprim.FIRST_FREE_OBJECTID
	if err := tree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if item.Key.ItemType == btrfsprim.INODE_ITEM_KEY && item.Key.ObjectID > maxID {
			maxID = item.Key.ObjectID
		}
		return true
	}); err != nil {
		return err
	}
	rc.nextInode[treeID] = maxID + 1
	return nil
}

func (rc *Receiver) allocDirIndex(ctx context.Context, dirID btrfsprim.ObjID) uint64 {
	idx, ok := rc.nextIndex[dirID]
	if !ok {
		idx = 2 // indices 0 and 1 are reserved for "." and ".."
	}
	rc.nextIndex[dirID] = idx + 1
	return idx
}

// createInode allocates a new inode in treeID's tree, linking it into
// dirID under name, and returns the new inode's objectid.
func (rc *Receiver) createInode(ctx context.Context, treeID btrfsprim.ObjID, dirID btrfsprim.ObjID, name string, ft btrfsitem.FileType, mode linux.StatMode) (btrfsprim.ObjID, error) {
	tree, err := rc.Forest.OpenTree(ctx, treeID)
	if err != nil {
		return 0, err
	}
	newID, err := rc.allocInode(ctx, tree)
	if err != nil {
		return 0, err
	}

	inode := &btrfsitem.Inode{NLink: 1, Mode: mode}
	if err := tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: newID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
		Body: inode,
	}); err != nil {
		return 0, err
	}

	if err := rc.linkInode(ctx, treeID, newID, dirID, name, ft); err != nil {
		return 0, err
	}
	return newID, nil
}

// linkInode adds a directory entry (DIR_ITEM + DIR_INDEX) for an
// existing inode under dirID/name, and the corresponding INODE_REF
// back-pointer used by path-to-inode reverse lookups.
func (rc *Receiver) linkInode(ctx context.Context, treeID, inodeID, dirID btrfsprim.ObjID, name string, ft btrfsitem.FileType) error {
	tree, err := rc.Forest.OpenTree(ctx, treeID)
	if err != nil {
		return err
	}
	nameBytes := []byte(name)
	loc := btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0}

	if err := tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: dirID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash(nameBytes)},
		Body: &btrfsitem.DirEntry{Location: loc, Type: ft, Name: nameBytes},
	}); err != nil {
		return err
	}
	index := rc.allocDirIndex(ctx, dirID)
	if err := tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: dirID, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: index},
		Body: &btrfsitem.DirEntry{Location: loc, Type: ft, Name: nameBytes},
	}); err != nil {
		return err
	}
	return tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.INODE_REF_KEY, Offset: uint64(dirID)},
		Body: &btrfsitem.InodeRef{Index: int64(index), Name: nameBytes},
	})
}

// unlinkInode removes a directory entry. mustBeDir selects rmdir
// semantics (the target must be a directory) over unlink semantics
// (it must not be). When the target's link count drops to zero, its
// INODE_ITEM and EXTENT_DATA items are also removed.
func (rc *Receiver) unlinkInode(ctx context.Context, treeID, dirID btrfsprim.ObjID, name string, mustBeDir bool) error {
	readTree, err := rc.Forest.ReadTree(ctx, treeID)
	if err != nil {
		return err
	}
	de, ok, err := rc.dirLookup(ctx, readTree, dirID, name)
	if err != nil {
		return err
	}
	if !ok {
		return btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("no such file or directory %q", name))
	}
	if mustBeDir && de.Type != btrfsitem.FT_DIR {
		return fmt.Errorf("%q is not a directory", name)
	}
	if !mustBeDir && de.Type == btrfsitem.FT_DIR {
		return fmt.Errorf("%q is a directory", name)
	}

	tree, err := rc.Forest.OpenTree(ctx, treeID)
	if err != nil {
		return err
	}
	nameBytes := []byte(name)
	if err := tree.Delete(ctx, btrfsprim.Key{ObjectID: dirID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash(nameBytes)}); err != nil {
		return err
	}

	inodeID := de.Location.ObjectID
	item, err := readTree.TreeLookup(ctx, btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0})
	if err == nil {
		if inode, ok := item.Body.(*btrfsitem.Inode); ok {
			inode.NLink--
			if inode.NLink <= 0 {
				return rc.removeInode(ctx, treeID, inodeID)
			}
			if err := tree.Insert(ctx, btrfstree.Item{Key: item.Key, Body: inode}); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateInode reads treeID/inodeID's current INODE_ITEM, applies mutate,
// and writes it back.
func (rc *Receiver) updateInode(ctx context.Context, treeID, inodeID btrfsprim.ObjID, mutate func(*btrfsitem.Inode)) error {
	readTree, err := rc.Forest.ReadTree(ctx, treeID)
	if err != nil {
		return err
	}
	item, err := readTree.TreeLookup(ctx, btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0})
	if err != nil {
		return err
	}
	inode, ok := item.Body.(*btrfsitem.Inode)
	if !ok {
		return fmt.Errorf("malformed INODE_ITEM for inode %v", inodeID)
	}
	mutate(inode)
	tree, err := rc.Forest.OpenTree(ctx, treeID)
	if err != nil {
		return err
	}
	return tree.Insert(ctx, btrfstree.Item{Key: item.Key, Body: inode})
}

// setInodeSize unconditionally sets an inode's stat size.
func (rc *Receiver) setInodeSize(ctx context.Context, treeID, inodeID btrfsprim.ObjID, size int64) error {
	return rc.updateInode(ctx, treeID, inodeID, func(i *btrfsitem.Inode) {
		i.Size = size
	})
}

// growInodeSize extends an inode's stat size if end is past its
// current size (WRITE/CLONE never shrink a file).
func (rc *Receiver) growInodeSize(ctx context.Context, treeID, inodeID btrfsprim.ObjID, end int64) error {
	return rc.updateInode(ctx, treeID, inodeID, func(i *btrfsitem.Inode) {
		if end > i.Size {
			i.Size = end
		}
	})
}

// bumpNLink adjusts an inode's link count by delta (LINK increments it
// on top of the 1 createInode already sets for the first name).
func (rc *Receiver) bumpNLink(ctx context.Context, treeID, inodeID btrfsprim.ObjID, delta int32) error {
	return rc.updateInode(ctx, treeID, inodeID, func(i *btrfsitem.Inode) {
		i.NLink += delta
	})
}

// removeInode deletes an inode's INODE_ITEM and every EXTENT_DATA item
// belonging to it (there is no unreferenced-extent GC in this module's
// scope -- internal/freespace's allocator reclamation is the generic
// extent-tree path, not exercised by this best-effort inode teardown).
func (rc *Receiver) removeInode(ctx context.Context, treeID, inodeID btrfsprim.ObjID) error {
	tree, err := rc.Forest.OpenTree(ctx, treeID)
	if err != nil {
		return err
	}
	readTree, err := rc.Forest.ReadTree(ctx, treeID)
	if err != nil {
		return err
	}
	if err := tree.Delete(ctx, btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0}); err != nil {
		return err
	}
	var offsets []uint64
	if err := readTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if item.Key.ObjectID == inodeID && item.Key.ItemType == btrfsprim.EXTENT_DATA_KEY {
			offsets = append(offsets, item.Key.Offset)
		}
		return true
	}); err != nil {
		return err
	}
	for _, off := range offsets {
		if err := tree.Delete(ctx, btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: off}); err != nil {
			return err
		}
	}
	return nil
}
