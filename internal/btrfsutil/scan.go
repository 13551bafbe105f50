// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"context"
	"fmt"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
)

// SubvolInfo is the subset of a ROOT_ITEM internal/receive needs to
// resolve an incremental-send stream's parent subvolume.
type SubvolInfo struct {
	TreeID       btrfsprim.ObjID
	UUID         btrfsprim.UUID
	ParentUUID   btrfsprim.UUID
	ReceivedUUID btrfsprim.UUID
	CTransID     int64
	STransID     int64
}

// SubvolByUUID scans the UUID tree for the subvolume whose own UUID
// (UUID_KEY_SUBVOL, snapshot parent resolution) matches uuid.
func (fs *FS) SubvolByUUID(ctx context.Context, uuid btrfsprim.UUID) (SubvolInfo, error) {
	return fs.subvolByUUIDKey(ctx, uuid, btrfsprim.UUID_KEY_SUBVOL)
}

// SubvolByReceivedUUID scans the UUID tree for the subvolume whose
// received-UUID matches uuid -- the preferred lookup path for
// incremental receive; internal/receive falls back to SubvolByUUID only
// when explicitly configured to (that
// fallback is a correctness hazard).
func (fs *FS) SubvolByReceivedUUID(ctx context.Context, uuid btrfsprim.UUID) (SubvolInfo, error) {
	return fs.subvolByUUIDKey(ctx, uuid, btrfsprim.UUID_KEY_RECEIVED_SUBVOL)
}

// ResolveReceivedSubvolume implements send-utils.c's get_root_id, the
// UUID-tree lookup internal/receive uses to turn a stream-supplied
// CLONE/SNAPSHOT parent UUID into a local subvolume: it prefers the
// received-UUID mapping and, only when strict is false, falls back to
// the subvolume's own UUID. That
// fallback as a correctness hazard (a local subvolume can share a
// sender's plain UUID without being the stream's actual parent), so
// internal/receive passes strict=true unless its AllowUUIDFallback
// option is set (off by default);
// the permissive mode is opt-in only.
// Question decision.
func (fs *FS) ResolveReceivedSubvolume(ctx context.Context, uuid btrfsprim.UUID, strict bool) (SubvolInfo, error) {
	if info, err := fs.SubvolByReceivedUUID(ctx, uuid); err == nil {
		return info, nil
	}
	if !strict {
		if info, err := fs.SubvolByUUID(ctx, uuid); err == nil {
			return info, nil
		}
	}
	return SubvolInfo{}, fmt.Errorf("btrfsutil: no local subvolume for uuid %v (received-uuid lookup failed%s)", uuid, map[bool]string{true: ", fallback disabled", false: " and fallback also failed"}[strict])
}

func (fs *FS) subvolByUUIDKey(ctx context.Context, uuid btrfsprim.UUID, typ btrfsprim.ItemType) (SubvolInfo, error) {
	objID, offset := uuidToKeyParts(uuid)
	uuidTree, err := fs.ForrestLookup(ctx, btrfsprim.UUID_TREE_OBJECTID)
	if err != nil {
		return SubvolInfo{}, fmt.Errorf("btrfsutil: opening uuid tree: %w", err)
	}
	item, err := uuidTree.TreeLookup(ctx, btrfsprim.Key{ObjectID: objID, ItemType: typ, Offset: offset})
	if err != nil {
		return SubvolInfo{}, fmt.Errorf("btrfsutil: uuid %v not found in uuid tree: %w", uuid, err)
	}
	uuidMap, ok := item.Body.(*btrfsitem.UUIDMap)
	if !ok {
		return SubvolInfo{}, fmt.Errorf("btrfsutil: malformed UUID_TREE item for %v", uuid)
	}
	return fs.subvolInfo(ctx, uuidMap.ObjID)
}

// uuidToKeyParts splits a UUID into the (objectid, offset) pair a
// UUID_TREE key uses (the inverse of btrfsitem.KeyToUUID).
func uuidToKeyParts(uuid btrfsprim.UUID) (btrfsprim.ObjID, uint64) {
	var objID, offset uint64
	for i := 0; i < 8; i++ {
		objID |= uint64(uuid[i]) << (8 * i)
	}
	for i := 0; i < 8; i++ {
		offset |= uint64(uuid[8+i]) << (8 * i)
	}
	return btrfsprim.ObjID(objID), offset
}

// subvolInfo reads a subvolume's ROOT_ITEM by tree ID.
func (fs *FS) subvolInfo(ctx context.Context, treeID btrfsprim.ObjID) (SubvolInfo, error) {
	rootTree, err := fs.ForrestLookup(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return SubvolInfo{}, err
	}
	item, err := rootTree.TreeSearch(ctx, searchRootItem{treeID})
	if err != nil {
		return SubvolInfo{}, fmt.Errorf("btrfsutil: no ROOT_ITEM for tree %v: %w", treeID, err)
	}
	root, ok := item.Body.(*btrfsitem.Root)
	if !ok {
		return SubvolInfo{}, fmt.Errorf("btrfsutil: malformed ROOT_ITEM for tree %v", treeID)
	}
	return SubvolInfo{
		TreeID:       treeID,
		UUID:         root.UUID,
		ParentUUID:   root.ParentUUID,
		ReceivedUUID: root.ReceivedUUID,
		CTransID:     root.CTransID,
		STransID:     root.STransID,
	}, nil
}

type searchRootItem struct{ treeID btrfsprim.ObjID }

func (s searchRootItem) String() string { return fmt.Sprintf("root item for tree %v", s.treeID) }
func (s searchRootItem) Search(k btrfsprim.Key, _ uint32) int {
	switch {
	case k.ObjectID < s.treeID:
		return 1
	case k.ObjectID > s.treeID:
		return -1
	case k.ItemType < btrfsprim.ROOT_ITEM_KEY:
		return 1
	case k.ItemType > btrfsprim.ROOT_ITEM_KEY:
		return -1
	default:
		return 0
	}
}

// Walk walks every well-known and subvolume tree reachable from the
// root tree, invoking fn for every item; used by cmd/btrfs-check and
// cmd/btrfs-image dump. Read errors from a single bad node are reported
// via onBadNode rather than aborting the whole walk, so a single
// corrupt block doesn't stop the rest of the filesystem from being
// inspected.
func (fs *FS) Walk(ctx context.Context, onItem func(treeID btrfsprim.ObjID, item btrfstree.Item), onBadNode func(treeID btrfsprim.ObjID, path btrfstree.Path, err error)) error {
	seen := map[btrfsprim.ObjID]bool{}
	queue := []btrfsprim.ObjID{
		btrfsprim.ROOT_TREE_OBJECTID,
		btrfsprim.CHUNK_TREE_OBJECTID,
		btrfsprim.EXTENT_TREE_OBJECTID,
		btrfsprim.DEV_TREE_OBJECTID,
		btrfsprim.CSUM_TREE_OBJECTID,
		btrfsprim.UUID_TREE_OBJECTID,
		btrfsprim.FS_TREE_OBJECTID,
	}
	for i := 0; i < len(queue); i++ {
		treeID := queue[i]
		if seen[treeID] {
			continue
		}
		seen[treeID] = true

		tree, err := fs.ForrestLookup(ctx, treeID)
		if err != nil {
			if onBadNode != nil {
				onBadNode(treeID, nil, err)
			}
			continue
		}
		tree.TreeWalk(ctx, btrfstree.TreeWalkHandler{
			BadNode: func(path btrfstree.Path, _ *btrfstree.Node, err error) bool {
				if onBadNode != nil {
					onBadNode(treeID, path, err)
				}
				return false
			},
			Item: func(path btrfstree.Path, item btrfstree.Item) {
				if onItem != nil {
					onItem(treeID, item)
				}
				if root, ok := item.Body.(*btrfsitem.Root); ok && item.Key.ItemType == btrfsprim.ROOT_ITEM_KEY {
					if !seen[item.Key.ObjectID] {
						queue = append(queue, item.Key.ObjectID)
					}
					_ = root
				}
			},
		})
	}
	return nil
}
