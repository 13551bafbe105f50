// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"context"
	"fmt"
	"sort"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/chunkalloc"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

// ext2SuperOffset is where the foreign primary superblock lives for the
// ext2 family; the byte range containing it is restored last during
// rollback so a partial failure leaves every other reserved byte
// already back in place.
const ext2SuperOffset = 1024

// restorePiece is one byte range Rollback must write back into a
// reserved zone, already read out of its relocated home and validated.
type restorePiece struct {
	Offset int64
	Data   []byte
}

// Rollback is the reverse entry point of conversion: verify the image
// subvolume still satisfies the bit-exact invariant, read every
// relocated byte range back out of its new home, then overwrite the
// reserved ranges with those bytes -- which restores the foreign
// filesystem's primary superblock and with it the foreign filesystem.
//
// Nothing is written until every extent has been checked; a check
// failure (ErrTampered, ErrChunkBoundaryMismatch) leaves the device
// untouched.
func Rollback(ctx context.Context, dev diskio.File[btrfsvol.PhysicalAddr]) error {
	deviceSize := int64(dev.Size())
	sb, err := superblock.ReadBest(ctx, asSyncFile{dev}, deviceSize)
	if err != nil {
		return fmt.Errorf("convert: rollback: reading superblock: %w", err)
	}

	var vol btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]
	if err := vol.AddPhysicalVolume(sb.DevItem.DevID, dev); err != nil {
		return fmt.Errorf("convert: rollback: %w", err)
	}
	forrest := btrfstree.RawForrest{NodeSource: btrfstree.RawNodeSource{Reader: &vol, SB: sb}}
	if err := loadChunkMappings(ctx, &vol, forrest, sb); err != nil {
		return err
	}

	imgTree, imageInode, err := findImageInode(ctx, forrest)
	if err != nil {
		return err
	}

	reserved := chunkalloc.ReservedRanges(deviceSize)
	pieces, err := checkImageExtents(ctx, &vol, imgTree, imageInode, reserved)
	if err != nil {
		return err
	}

	// All checks passed; now (and only now) write. The piece holding
	// the foreign primary superblock goes last: a torn foreign-super
	// write must leave everything else already restored.
	sort.Slice(pieces, func(i, j int) bool {
		iSuper := pieces[i].Offset <= ext2SuperOffset && ext2SuperOffset < pieces[i].Offset+int64(len(pieces[i].Data))
		jSuper := pieces[j].Offset <= ext2SuperOffset && ext2SuperOffset < pieces[j].Offset+int64(len(pieces[j].Data))
		if iSuper != jSuper {
			return jSuper
		}
		return pieces[i].Offset < pieces[j].Offset
	})
	for _, p := range pieces {
		if _, err := dev.WriteAt(p.Data, btrfsvol.PhysicalAddr(p.Offset)); err != nil {
			return btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("convert: rollback: restoring bytes at %d: %w", p.Offset, err))
		}
	}
	return nil
}

// loadChunkMappings replays the open-time chunk bootstrap:
// system-chunk array first, then the chunk tree.
func loadChunkMappings(ctx context.Context, vol *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]], forrest btrfstree.RawForrest, sb btrfstree.Superblock) error {
	sysChunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return fmt.Errorf("convert: rollback: parsing system chunk array: %w", err)
	}
	for _, sc := range sysChunks {
		for _, m := range sc.Chunk.Mappings(sc.Key) {
			if err := vol.AddMapping(m); err != nil {
				return fmt.Errorf("convert: rollback: %w", err)
			}
		}
	}
	chunkTree, err := forrest.ForrestLookup(ctx, btrfsprim.CHUNK_TREE_OBJECTID)
	if err != nil {
		return fmt.Errorf("convert: rollback: opening chunk tree: %w", err)
	}
	var walkErr error
	if err := chunkTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		chunk, ok := item.Body.(*btrfsitem.Chunk)
		if !ok {
			return true
		}
		for _, m := range chunk.Mappings(item.Key) {
			if err := vol.AddMapping(m); err != nil {
				walkErr = err
				return false
			}
		}
		return true
	}); err != nil {
		return err
	}
	return walkErr
}

// findImageInode resolves ext2_saved/image: the DIR_ITEM for the image
// subvolume in the default subvolume's root directory, then the
// DIR_ITEM for the image file in the image subvolume's root directory.
func findImageInode(ctx context.Context, forrest btrfstree.RawForrest) (btrfstree.Tree, btrfsprim.ObjID, error) {
	fsTree, err := forrest.ForrestLookup(ctx, btrfsprim.FS_TREE_OBJECTID)
	if err != nil {
		return nil, 0, fmt.Errorf("convert: rollback: opening default subvolume: %w", err)
	}
	subvolEntry, err := lookupDirEntry(ctx, fsTree, btrfsprim.FIRST_FREE_OBJECTID, ImageSubvolName)
	if err != nil {
		return nil, 0, btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("convert: rollback: no %q subvolume: %w", ImageSubvolName, err))
	}
	imgTree, err := forrest.ForrestLookup(ctx, subvolEntry.Location.ObjectID)
	if err != nil {
		return nil, 0, fmt.Errorf("convert: rollback: opening %q subvolume: %w", ImageSubvolName, err)
	}
	imageEntry, err := lookupDirEntry(ctx, imgTree, btrfsprim.FIRST_FREE_OBJECTID, ImageFileName)
	if err != nil {
		return nil, 0, btrfsio.Wrap(btrfsio.KindNotFound, fmt.Errorf("convert: rollback: no %q inode: %w", ImageFileName, err))
	}
	return imgTree, imageEntry.Location.ObjectID, nil
}

func lookupDirEntry(ctx context.Context, tree btrfstree.Tree, dirID btrfsprim.ObjID, name string) (btrfsitem.DirEntry, error) {
	item, err := tree.TreeLookup(ctx, btrfsprim.Key{
		ObjectID: dirID,
		ItemType: btrfsprim.DIR_ITEM_KEY,
		Offset:   btrfsitem.NameHash([]byte(name)),
	})
	if err != nil {
		return btrfsitem.DirEntry{}, err
	}
	de, ok := item.Body.(*btrfsitem.DirEntry)
	if !ok {
		return btrfsitem.DirEntry{}, fmt.Errorf("malformed DIR_ITEM for %q", name)
	}
	return *de, nil
}

// checkImageExtents walks every EXTENT_DATA of the image inode and
// enforces the rollback-safety contract:
//
//   - an extent whose file_offset == disk_bytenr must be covered by a
//     SINGLE chunk mapping with logical == physical;
//   - any other extent is a relocation and its *file* range must lie
//     strictly inside a reserved range -- its bytes are read out for
//     the caller to restore.
//
// A chunk lookup that resolves to a missing or too-short mapping is
// ErrChunkBoundaryMismatch, never silently treated as "chunk not
// found"; one that resolves to a shifted or non-SINGLE mapping is
// ErrTampered.
func checkImageExtents(ctx context.Context, vol *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]], tree btrfstree.Tree, inode btrfsprim.ObjID, reserved []chunkalloc.Range) ([]restorePiece, error) {
	var pieces []restorePiece
	var checkErr error
	err := tree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if item.Key.ObjectID != inode || item.Key.ItemType != btrfsprim.EXTENT_DATA_KEY {
			return true
		}
		fe, ok := item.Body.(*btrfsitem.FileExtent)
		if !ok || fe.Type != btrfsitem.FILE_EXTENT_REG {
			checkErr = fmt.Errorf("%w: unexpected extent shape at file offset %d", ErrTampered, item.Key.Offset)
			return false
		}
		fileOff := int64(item.Key.Offset)
		diskByteNr := int64(fe.BodyExtent.DiskByteNr)
		length := fe.BodyExtent.NumBytes

		if fileOff == diskByteNr {
			paddrs, maxlen := vol.Resolve(fe.BodyExtent.DiskByteNr)
			if len(paddrs) == 0 || maxlen < btrfsvol.AddrDelta(length) {
				checkErr = fmt.Errorf("%w: no chunk covers [%d,+%d)", ErrChunkBoundaryMismatch, diskByteNr, length)
				return false
			}
			if len(paddrs) != 1 {
				checkErr = fmt.Errorf("%w: extent at %d is not on a SINGLE chunk", ErrTampered, fileOff)
				return false
			}
			for paddr := range paddrs {
				if int64(paddr.Addr) != diskByteNr {
					checkErr = fmt.Errorf("%w: extent at %d maps logical %d to physical %d", ErrTampered, fileOff, diskByteNr, int64(paddr.Addr))
					return false
				}
			}
			return true
		}

		// Relocated extent: must lie strictly inside a reserved range.
		inside := false
		for _, r := range reserved {
			if fileOff >= r.Start && fileOff+length <= r.End {
				inside = true
				break
			}
		}
		if !inside {
			checkErr = fmt.Errorf("%w: relocated extent at file offset %d is outside every reserved range", ErrTampered, fileOff)
			return false
		}
		buf := make([]byte, length)
		if _, err := vol.ReadAt(buf, fe.BodyExtent.DiskByteNr); err != nil {
			checkErr = btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("convert: rollback: reading relocated bytes: %w", err))
			return false
		}
		pieces = append(pieces, restorePiece{Offset: fileOff, Data: buf})
		return true
	})
	if err != nil {
		return nil, err
	}
	if checkErr != nil {
		return nil, checkErr
	}
	return pieces, nil
}
