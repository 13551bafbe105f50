// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"context"
	"fmt"
	"time"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/linux"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/rootforest"
)

// insertDataChunks records the 1:1-mapped DATA chunks: for each
// covered physical range, a SINGLE chunk whose logical range equals its
// physical range, so a file extent at disk_bytenr == file_offset reads
// the foreign filesystem's original bytes. Each chunk gets the usual
// triple of items -- CHUNK_ITEM in the chunk tree, DEV_EXTENT in the
// device tree, BLOCK_GROUP_ITEM in the extent tree -- mirroring what
// bootstrap hand-assembled for the SYSTEM/METADATA chunks.
func (b *builder) insertDataChunks(ctx context.Context, forest *rootforest.Forest, chunks []DataChunk) error {
	chunkTree, err := forest.OpenTree(ctx, btrfsprim.CHUNK_TREE_OBJECTID)
	if err != nil {
		return err
	}
	devTree, err := forest.OpenTree(ctx, btrfsprim.DEV_TREE_OBJECTID)
	if err != nil {
		return err
	}
	extentTree, err := forest.OpenTree(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return err
	}

	for _, c := range chunks {
		logical := btrfsvol.LogicalAddr(c.Start)
		physical := btrfsvol.PhysicalAddr(c.Start)
		length := btrfsvol.AddrDelta(c.Length)
		flags := btrfsvol.BLOCK_GROUP_DATA

		if err := b.vol.AddMapping(btrfsvol.Mapping{
			LAddr:      logical,
			PAddr:      btrfsvol.QualifiedPhysicalAddr{Dev: b.opts.DeviceID, Addr: physical},
			Size:       length,
			SizeLocked: true,
			Flags:      &flags,
		}); err != nil {
			return fmt.Errorf("recording 1:1 mapping at %v: %w", logical, err)
		}

		if err := chunkTree.Insert(ctx, btrfstree.Item{
			Key: btrfsprim.Key{ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: uint64(logical)},
			Body: &btrfsitem.Chunk{
				Head: btrfsitem.ChunkHeader{
					Size:           length,
					Owner:          btrfsprim.EXTENT_TREE_OBJECTID,
					StripeLen:      uint64(b.opts.SectorSize),
					Type:           flags,
					IOOptimalAlign: b.opts.SectorSize,
					IOOptimalWidth: b.opts.SectorSize,
					IOMinSize:      b.opts.SectorSize,
					SubStripes:     1,
				},
				Stripes: []btrfsitem.ChunkStripe{{DeviceID: b.opts.DeviceID, Offset: physical, DeviceUUID: b.devUUID}},
			},
		}); err != nil {
			return err
		}

		if err := devTree.Insert(ctx, btrfstree.Item{
			Key: btrfsprim.Key{ObjectID: btrfsprim.ObjID(b.opts.DeviceID), ItemType: btrfsprim.DEV_EXTENT_KEY, Offset: uint64(physical)},
			Body: &btrfsitem.DevExtent{
				ChunkTree:     btrfsprim.CHUNK_TREE_OBJECTID,
				ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
				ChunkOffset:   logical,
				Length:        length,
				ChunkTreeUUID: b.chunkTreeUUID,
			},
		}); err != nil {
			return err
		}

		if err := extentTree.Insert(ctx, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(logical), ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY, Offset: uint64(length)},
			Body: &btrfsitem.BlockGroup{Used: c.Length, ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, Flags: flags},
		}); err != nil {
			return err
		}
	}
	return nil
}

// newDirEntry builds the DIR_ITEM/DIR_INDEX pair linking name to an
// inode; both items carry the same body, only their keys differ.
func newDirEntry(inode btrfsprim.ObjID, name string, ft btrfsitem.FileType) *btrfsitem.DirEntry {
	return &btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: inode, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
		Type:     ft,
		Name:     []byte(name),
	}
}

// insertFileNode inserts the full item set for one file or directory:
// INODE_ITEM, INODE_REF back to its directory, and the DIR_ITEM +
// DIR_INDEX pair in that directory.
func insertFileNode(ctx context.Context, tree *btrfstree.MutableTree, dirID, inodeID btrfsprim.ObjID, name string, ft btrfsitem.FileType, ino btrfsitem.Inode, index uint64) error {
	if err := tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
		Body: &ino,
	}); err != nil {
		return err
	}
	if err := tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.INODE_REF_KEY, Offset: uint64(dirID)},
		Body: &btrfsitem.InodeRef{Index: int64(index), Name: []byte(name)},
	}); err != nil {
		return err
	}
	if err := tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: dirID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte(name))},
		Body: newDirEntry(inodeID, name, ft),
	}); err != nil {
		return err
	}
	return tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: dirID, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: index},
		Body: newDirEntry(inodeID, name, ft),
	})
}

// insertFileExtents emits one EXTENT_DATA per resolved piece of a byte
// range: pieces still at their original offset get disk_bytenr ==
// file_offset (the bit-exact invariant), relocated pieces point at
// their new physical home instead.
func insertFileExtents(ctx context.Context, tree *btrfstree.MutableTree, inodeID btrfsprim.ObjID, transid btrfsprim.Generation, fileOffset int64, pieces []Relocation) (int64, error) {
	for _, piece := range pieces {
		if err := tree.Insert(ctx, btrfstree.Item{
			Key: btrfsprim.Key{ObjectID: inodeID, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: uint64(fileOffset)},
			Body: &btrfsitem.FileExtent{
				Generation: transid,
				RAMBytes:   piece.Length,
				Type:       btrfsitem.FILE_EXTENT_REG,
				BodyExtent: btrfsitem.FileExtentExtent{
					DiskByteNr:   btrfsvol.LogicalAddr(piece.NewOffset),
					DiskNumBytes: btrfsvol.AddrDelta(piece.Length),
					Offset:       0,
					NumBytes:     piece.Length,
				},
			},
		}); err != nil {
			return fileOffset, err
		}
		fileOffset += piece.Length
	}
	return fileOffset, nil
}

// writeImageInode implements image creation: inside the
// ext2_saved subvolume, an inode named "image" whose file extents are
// exactly the foreign filesystem's byte layout -- disk_bytenr ==
// file_offset for every range outside a reserved zone, and the
// relocated new home for every range inside one. The inode is marked
// read-only (plus NODATASUM when datacsum was disabled).
func (b *builder) writeImageInode(ctx context.Context, forest *rootforest.Forest, imageSubvol btrfsprim.ObjID, foreign ForeignFS, used []UsedExtent, relocs RelocationSet) error {
	tree, err := forest.OpenTree(ctx, imageSubvol)
	if err != nil {
		return err
	}

	// A freshly created subvolume is an empty leaf; give it its root
	// directory inode before hanging the image file off of it.
	if err := tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: btrfsprim.FIRST_FREE_OBJECTID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
		Body: &btrfsitem.Inode{Generation: b.transid, NLink: 1, Mode: linux.ModeFmtDir | 0o755},
	}); err != nil {
		return err
	}

	flags := btrfsitem.INODE_READONLY
	if b.opts.NoDataSum {
		flags |= btrfsitem.INODE_NODATASUM
	}
	imageInode := btrfsprim.FIRST_FREE_OBJECTID + 1
	ino := btrfsitem.Inode{
		Generation: b.transid,
		TransID:    int64(b.transid),
		Size:       foreign.TotalBytes(),
		NumBytes:   foreign.TotalBytes(),
		NLink:      1,
		Mode:       linux.ModeFmtRegular | 0o400,
		Flags:      flags,
	}
	if err := insertFileNode(ctx, tree, btrfsprim.FIRST_FREE_OBJECTID, imageInode, ImageFileName, btrfsitem.FT_REG_FILE, ino, 2); err != nil {
		return err
	}

	for _, r := range mergeExtents(used) {
		if _, err := insertFileExtents(ctx, tree, imageInode, b.transid, r.Start, relocs.resolve(r.Start, r.Length)); err != nil {
			return err
		}
	}
	return nil
}

func btrfsTime(t time.Time) btrfsprim.Time {
	if t.IsZero() {
		return btrfsprim.Time{}
	}
	return btrfsprim.Time{Sec: t.Unix(), NSec: uint32(t.Nanosecond())}
}

// copyInodes implements the data reflink step:
// each regular file from the foreign filesystem is recreated in the
// default subvolume with file-extent items whose disk_bytenr matches
// the original block locations (or the relocated home for bytes moved
// out of a reserved range). No file data is copied.
func (b *builder) copyInodes(ctx context.Context, forest *rootforest.Forest, inodes []ForeignInode, relocs RelocationSet) error {
	tree, err := forest.OpenTree(ctx, btrfsprim.FS_TREE_OBJECTID)
	if err != nil {
		return err
	}

	nextID := btrfsprim.FIRST_FREE_OBJECTID + 1
	index := uint64(2)
	for _, in := range inodes {
		ft := btrfsitem.FT_REG_FILE
		mode := linux.ModeFmtRegular
		if in.IsDir {
			ft = btrfsitem.FT_DIR
			mode = linux.ModeFmtDir
		}
		ino := btrfsitem.Inode{
			Generation: b.transid,
			TransID:    int64(b.transid),
			Size:       in.Size,
			NumBytes:   in.Size,
			NLink:      1,
			UID:        int32(in.UID),
			GID:        int32(in.GID),
			Mode:       mode | linux.StatMode(in.Mode&0o7777),
			ATime:      btrfsTime(in.ATime),
			CTime:      btrfsTime(in.CTime),
			MTime:      btrfsTime(in.MTime),
		}
		if b.opts.NoDataSum && !in.IsDir {
			ino.Flags |= btrfsitem.INODE_NODATASUM
		}
		id := nextID
		nextID++
		if err := insertFileNode(ctx, tree, btrfsprim.FIRST_FREE_OBJECTID, id, in.Name, ft, ino, index); err != nil {
			return fmt.Errorf("inode %q: %w", in.Name, err)
		}
		index++

		var fileOff int64
		for _, ext := range in.Extents {
			fileOff, err = insertFileExtents(ctx, tree, id, b.transid, fileOff, relocs.resolve(ext.ByteOffset, ext.Length))
			if err != nil {
				return fmt.Errorf("inode %q: %w", in.Name, err)
			}
		}
	}
	return nil
}
