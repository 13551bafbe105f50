// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package receive

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/linux"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/rootforest"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/sendstream"
)

// decodeTime parses a send-stream timespec attribute (seconds as a
// little-endian u64 followed by nanoseconds as a little-endian u32,
// mirroring struct btrfs_timespec) into the on-disk btrfsprim.Time
// representation. Malformed or short attributes decode as the zero
// time rather than erroring -- UTIMES is best-effort metadata.
func decodeTime(raw []byte) btrfsprim.Time {
	if len(raw) < 12 {
		return btrfsprim.Time{}
	}
	return btrfsprim.Time{
		Sec:  int64(binary.LittleEndian.Uint64(raw[0:8])),
		NSec: binary.LittleEndian.Uint32(raw[8:12]),
	}
}

// capXattrName is the extended-attribute name receive treats specially:
// CHOWN clears it on many kernels, so the receiver caches its value
// from the preceding SET_XATTR and reapplies it right after CHOWN.
const capXattrName = "security.capability"

func (rc *Receiver) cmdSubvol(ctx context.Context, cmd sendstream.Command) error {
	name, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	uuid, ok := attrUUID(cmd, sendstream.AttrUUID)
	if !ok {
		return errBadStream("%v: missing UUID", cmd.Cmd)
	}
	ctransid, _ := attrU64(cmd, sendstream.AttrCTransID)

	var source btrfsprim.ObjID
	if cmd.Cmd == sendstream.CmdSnapshot {
		if cloneUUID, ok := attrUUID(cmd, sendstream.AttrCloneUUID); ok {
			parent, err := rc.resolveSubvolByUUID(ctx, cloneUUID)
			if err != nil {
				return fmt.Errorf("resolving parent subvolume: %w", err)
			}
			source = parent
		}
	}

	newID, err := rc.Forest.CreateSubvolume(ctx, rootforest.CreateSubvolumeOptions{
		ParentTreeID: rc.Opts.ParentTreeID,
		Name:         name,
		Source:       source,
	})
	if err != nil {
		return err
	}

	if source == 0 {
		tree, err := rc.Forest.OpenTree(ctx, newID)
		if err != nil {
			return err
		}
		if err := tree.Insert(ctx, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.FIRST_FREE_OBJECTID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
			Body: &btrfsitem.Inode{NLink: 1, Mode: linux.ModeFmtDir | 0o755},
		}); err != nil {
			return err
		}
	}

	rc.curSubvol = newID
	rc.curUUID = uuid
	rc.curCTransID = int64(ctransid)
	return nil
}

// resolveSubvolByUUID resolves a stream UUID attribute (used both for
// SNAPSHOT's parent and CLONE's source) to a local tree ID, preferring
// the received-UUID mapping and falling back to the subvolume's own
// UUID only when explicitly allowed (a documented correctness hazard).
func (rc *Receiver) resolveSubvolByUUID(ctx context.Context, uuid btrfsprim.UUID) (btrfsprim.ObjID, error) {
	if uuid == rc.curUUID && rc.curSubvol != 0 {
		return rc.curSubvol, nil
	}
	if rc.Lookup == nil {
		return 0, btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("no uuid-tree lookup source configured"))
	}
	info, err := rc.Lookup.ResolveReceivedSubvolume(ctx, uuid, !rc.Opts.AllowUUIDFallback)
	if err != nil {
		return 0, btrfsio.Wrap(btrfsio.KindNotFound, err)
	}
	return info.TreeID, nil
}

func (rc *Receiver) cmdMknod(ctx context.Context, cmd sendstream.Command, ft btrfsitem.FileType, mode linux.StatMode) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	dir, name, err := rc.resolveParent(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	_, err = rc.createInode(ctx, rc.curSubvol, dir, name, ft, mode)
	return err
}

func (rc *Receiver) cmdMknodDevice(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	modeRaw, _ := attrU32(cmd, sendstream.AttrMode)
	rdev, _ := attrU64(cmd, sendstream.AttrRdev)
	dir, name, err := rc.resolveParent(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	mode := linux.StatMode(modeRaw)
	ft := btrfsitem.FT_CHRDEV
	if mode&linux.ModeFmt == linux.ModeFmtBlockDevice {
		ft = btrfsitem.FT_BLKDEV
	}
	newID, err := rc.createInode(ctx, rc.curSubvol, dir, name, ft, mode)
	if err != nil {
		return err
	}
	return rc.updateInode(ctx, rc.curSubvol, newID, func(i *btrfsitem.Inode) {
		i.RDev = int64(rdev)
	})
}

func (rc *Receiver) cmdSymlink(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	target, ok := cmd.Get(sendstream.AttrPathLink)
	if !ok {
		return errBadStream("SYMLINK: missing target")
	}
	dir, name, err := rc.resolveParent(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	newID, err := rc.createInode(ctx, rc.curSubvol, dir, name, btrfsitem.FT_SYMLINK, linux.ModeFmtSymlink|0o777)
	if err != nil {
		return err
	}
	tree, err := rc.Forest.OpenTree(ctx, rc.curSubvol)
	if err != nil {
		return err
	}
	if err := tree.Insert(ctx, btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: newID, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: 0},
		Body: &btrfsitem.FileExtent{
			Type:       btrfsitem.FILE_EXTENT_INLINE,
			RAMBytes:   int64(len(target)),
			BodyInline: append([]byte(nil), target...),
		},
	}); err != nil {
		return err
	}
	return rc.setInodeSize(ctx, rc.curSubvol, newID, int64(len(target)))
}

func (rc *Receiver) cmdRename(ctx context.Context, cmd sendstream.Command) error {
	from, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	to, err := requirePath(cmd, sendstream.AttrPathTo)
	if err != nil {
		return err
	}
	fromDir, fromName, err := rc.resolveParent(ctx, rc.curSubvol, from)
	if err != nil {
		return err
	}
	readTree, err := rc.Forest.ReadTree(ctx, rc.curSubvol)
	if err != nil {
		return err
	}
	de, ok, err := rc.dirLookup(ctx, readTree, fromDir, fromName)
	if err != nil {
		return err
	}
	if !ok {
		return btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("rename: no such file %q", from))
	}
	toDir, toName, err := rc.resolveParent(ctx, rc.curSubvol, to)
	if err != nil {
		return err
	}

	tree, err := rc.Forest.OpenTree(ctx, rc.curSubvol)
	if err != nil {
		return err
	}
	if err := tree.Delete(ctx, btrfsprim.Key{ObjectID: fromDir, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte(fromName))}); err != nil {
		return err
	}
	return rc.linkInode(ctx, rc.curSubvol, de.Location.ObjectID, toDir, toName, de.Type)
}

func (rc *Receiver) cmdLink(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	target, err := requirePath(cmd, sendstream.AttrPathLink)
	if err != nil {
		return err
	}
	targetID, ft, err := rc.resolve(ctx, rc.curSubvol, target)
	if err != nil {
		return err
	}
	dir, name, err := rc.resolveParent(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	if err := rc.linkInode(ctx, rc.curSubvol, targetID, dir, name, ft); err != nil {
		return err
	}
	return rc.bumpNLink(ctx, rc.curSubvol, targetID, 1)
}

func (rc *Receiver) cmdUnlink(ctx context.Context, cmd sendstream.Command, rmdir bool) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	dir, name, err := rc.resolveParent(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	return rc.unlinkInode(ctx, rc.curSubvol, dir, name, rmdir)
}

func (rc *Receiver) cmdWrite(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	off, ok := attrU64(cmd, sendstream.AttrFileOffset)
	if !ok {
		return errBadStream("WRITE: missing offset")
	}
	data, ok := cmd.Get(sendstream.AttrData)
	if !ok {
		return errBadStream("WRITE: missing data")
	}
	inodeID, _, err := rc.resolve(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	tree, err := rc.Forest.OpenTree(ctx, rc.curSubvol)
	if err != nil {
		return err
	}
	if err := tree.Insert(ctx, btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: off},
		Body: &btrfsitem.FileExtent{
			Type:       btrfsitem.FILE_EXTENT_INLINE,
			RAMBytes:   int64(len(data)),
			BodyInline: append([]byte(nil), data...),
		},
	}); err != nil {
		return err
	}
	return rc.growInodeSize(ctx, rc.curSubvol, inodeID, int64(off)+int64(len(data)))
}

// cmdClone implements the CLONE command: resolve the source subvolume,
// copy its file-extent items covering the requested range onto the
// destination path at the destination offset. Extent back-reference
// counts in the extent tree aren't adjusted -- this is a metadata-level
// approximation of a true reflink, sufficient for a receiver that
// (like the rest of this module) never re-derives free space from
// extent refcounts during normal operation.
func (rc *Receiver) cmdClone(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	off, _ := attrU64(cmd, sendstream.AttrFileOffset)
	cloneLen, _ := attrU64(cmd, sendstream.AttrCloneLen)
	cloneOff, _ := attrU64(cmd, sendstream.AttrCloneOffset)
	clonePath, err := requirePath(cmd, sendstream.AttrClonePath)
	if err != nil {
		return err
	}
	cloneUUID, ok := attrUUID(cmd, sendstream.AttrCloneUUID)
	if !ok {
		return errBadStream("CLONE: missing clone uuid")
	}

	srcSubvol, err := rc.resolveSubvolByUUID(ctx, cloneUUID)
	if err != nil {
		return err
	}
	srcInode, _, err := rc.resolve(ctx, srcSubvol, clonePath)
	if err != nil {
		return err
	}
	srcTree, err := rc.Forest.ReadTree(ctx, srcSubvol)
	if err != nil {
		return err
	}

	dstInode, _, err := rc.resolve(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	dstTree, err := rc.Forest.OpenTree(ctx, rc.curSubvol)
	if err != nil {
		return err
	}

	var lastEnd uint64
	err = srcTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if item.Key.ObjectID != srcInode || item.Key.ItemType != btrfsprim.EXTENT_DATA_KEY {
			return true
		}
		fe, ok := item.Body.(*btrfsitem.FileExtent)
		if !ok {
			return true
		}
		size, sizeErr := fe.Size()
		if sizeErr != nil {
			return true
		}
		extStart, extEnd := item.Key.Offset, item.Key.Offset+uint64(size)
		if extEnd <= cloneOff || extStart >= cloneOff+cloneLen {
			return true
		}
		dstOff := off + (extStart - cloneOff)
		cp := *fe
		if insertErr := dstTree.Insert(ctx, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: dstInode, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: dstOff},
			Body: &cp,
		}); insertErr != nil {
			err = insertErr
			return false
		}
		if end := dstOff + uint64(size); end > lastEnd {
			lastEnd = end
		}
		return true
	})
	if err != nil {
		return err
	}
	return rc.growInodeSize(ctx, rc.curSubvol, dstInode, int64(lastEnd))
}

func (rc *Receiver) cmdSetXattr(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	name, ok := cmd.Get(sendstream.AttrXattrName)
	if !ok {
		return errBadStream("SET_XATTR: missing name")
	}
	value, _ := cmd.Get(sendstream.AttrXattrData)

	inodeID, _, err := rc.resolve(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	if err := rc.setXattr(ctx, rc.curSubvol, inodeID, string(name), value); err != nil {
		return err
	}
	if string(name) == capXattrName {
		rc.capCache[inodeID] = append([]byte(nil), value...)
	}
	return nil
}

func (rc *Receiver) setXattr(ctx context.Context, treeID, inodeID btrfsprim.ObjID, name string, value []byte) error {
	tree, err := rc.Forest.OpenTree(ctx, treeID)
	if err != nil {
		return err
	}
	nameBytes := []byte(name)
	return tree.Insert(ctx, btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.XATTR_ITEM_KEY, Offset: btrfsitem.NameHash(nameBytes)},
		Body: &btrfsitem.DirEntry{
			Location: btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
			Type:     btrfsitem.FT_XATTR,
			Name:     nameBytes,
			Data:     append([]byte(nil), value...),
		},
	})
}

func (rc *Receiver) cmdRemoveXattr(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	name, ok := cmd.Get(sendstream.AttrXattrName)
	if !ok {
		return errBadStream("REMOVE_XATTR: missing name")
	}
	inodeID, _, err := rc.resolve(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	tree, err := rc.Forest.OpenTree(ctx, rc.curSubvol)
	if err != nil {
		return err
	}
	delete(rc.capCache, inodeID)
	return tree.Delete(ctx, btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.XATTR_ITEM_KEY, Offset: btrfsitem.NameHash(name)})
}

func (rc *Receiver) cmdTruncate(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	size, ok := attrU64(cmd, sendstream.AttrSize)
	if !ok {
		return errBadStream("TRUNCATE: missing size")
	}
	inodeID, _, err := rc.resolve(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}

	readTree, err := rc.Forest.ReadTree(ctx, rc.curSubvol)
	if err != nil {
		return err
	}
	tree, err := rc.Forest.OpenTree(ctx, rc.curSubvol)
	if err != nil {
		return err
	}
	var toDrop []uint64
	if err := readTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if item.Key.ObjectID == inodeID && item.Key.ItemType == btrfsprim.EXTENT_DATA_KEY && item.Key.Offset >= size {
			toDrop = append(toDrop, item.Key.Offset)
		}
		return true
	}); err != nil {
		return err
	}
	for _, off := range toDrop {
		if err := tree.Delete(ctx, btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: off}); err != nil {
			return err
		}
	}
	return rc.setInodeSize(ctx, rc.curSubvol, inodeID, int64(size))
}

func (rc *Receiver) cmdChmod(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	mode, ok := attrU64(cmd, sendstream.AttrMode)
	if !ok {
		return errBadStream("CHMOD: missing mode")
	}
	inodeID, _, err := rc.resolve(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	return rc.updateInode(ctx, rc.curSubvol, inodeID, func(i *btrfsitem.Inode) {
		i.Mode = (i.Mode &^ 0o7777) | linux.StatMode(mode&0o7777)
	})
}

func (rc *Receiver) cmdChown(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	uid, _ := attrU64(cmd, sendstream.AttrUID)
	gid, _ := attrU64(cmd, sendstream.AttrGID)
	inodeID, _, err := rc.resolve(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	if err := rc.updateInode(ctx, rc.curSubvol, inodeID, func(i *btrfsitem.Inode) {
		i.UID = int32(uid)
		i.GID = int32(gid)
	}); err != nil {
		return err
	}
	// CHOWN clears security.capability on many kernels, so
	// immediately reapply whatever SET_XATTR most recently cached.
	if cached, ok := rc.capCache[inodeID]; ok {
		return rc.setXattr(ctx, rc.curSubvol, inodeID, capXattrName, cached)
	}
	return nil
}

func (rc *Receiver) cmdUtimes(ctx context.Context, cmd sendstream.Command) error {
	p, err := requirePath(cmd, sendstream.AttrPath)
	if err != nil {
		return err
	}
	inodeID, _, err := rc.resolve(ctx, rc.curSubvol, p)
	if err != nil {
		return err
	}
	return rc.updateInode(ctx, rc.curSubvol, inodeID, func(i *btrfsitem.Inode) {
		if raw, ok := cmd.Get(sendstream.AttrATime); ok {
			i.ATime = decodeTime(raw)
		}
		if raw, ok := cmd.Get(sendstream.AttrMTime); ok {
			i.MTime = decodeTime(raw)
		}
		if raw, ok := cmd.Get(sendstream.AttrCTime); ok {
			i.CTime = decodeTime(raw)
		}
	})
}

func (rc *Receiver) cmdEnd(ctx context.Context, cmd sendstream.Command) error {
	if rc.curSubvol == 0 {
		return errBadStream("END: no subvolume in progress")
	}
	return rc.Forest.SetReceivedUUID(ctx, rc.curSubvol, rc.curUUID, btrfsprim.Generation(rc.curCTransID), rc.Forest.Transid)
}
