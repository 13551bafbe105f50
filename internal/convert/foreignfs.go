// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package convert implements in-place foreign-filesystem conversion: turning a foreign filesystem
// (ext2/3/4, reiserfs) into a valid image in place, without copying any
// file data, and reversibly. It is grounded on internal/mkfs for the
// bootstrap-a-new-filesystem half (the chunk/root/extent/device/
// checksum/fs tree assembly) and on internal/rootforest/internal/
// freespace for growing those trees afterward to hold the image
// subvolume and the foreign filesystem's own inodes, generalizing
// mkfs's "blank device" assumption to "device already has foreign data
// at known byte ranges that must never be overwritten".
package convert

import (
	"context"
	"errors"
	"time"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
)

// UsedExtent is one contiguous run of bytes the foreign filesystem
// considers allocated, per the used-space scan's "used_extents -> iterator of
// (byte_offset, length)".
type UsedExtent struct {
	ByteOffset int64
	Length     int64
}

// ForeignInode is one file or directory copy_inodes mirrors from the
// foreign filesystem into the new one, into the new filesystem: "mirrors inode
// metadata (mode, owner, times, xattrs if requested) into the new FS
// and creates file-extent items pointing at the original on-disk
// positions". Name is root-relative; this implementation's drivers
// only populate entries reachable by a single, non-recursive scan of
// the foreign root directory (see Ext2FS's doc comment for why).
type ForeignInode struct {
	Name    string
	IsDir   bool
	Mode    uint32
	UID     uint32
	GID     uint32
	ATime   time.Time
	MTime   time.Time
	CTime   time.Time
	Size    int64
	Extents []UsedExtent // data extents in file order, at their original disk byte offsets; empty for directories
}

// ForeignFS is the foreign-filesystem driver: the only part of
// the convert engine that knows how to read a particular on-disk
// format. Ext2FS is the one concrete implementation this package ships;
// reiserfs support would be a second implementation of the same
// interface.
type ForeignFS interface {
	// TotalBytes is the foreign filesystem's total addressable size
	// (not necessarily the whole device -- a foreign filesystem can
	// be smaller than the block device it lives on).
	TotalBytes() int64
	// BlockSize is the foreign filesystem's block size, used to
	// round the data-chunk layout calculation's minimums.
	BlockSize() int64
	Label() string
	FSUUID() btrfsprim.UUID

	// UsedExtents returns every byte range the foreign filesystem
	// considers allocated, in ascending order and without overlaps.
	UsedExtents(ctx context.Context) ([]UsedExtent, error)

	// CopyInodes returns the inodes copy_inodes mirrors into the new
	// filesystem's default subvolume.
	CopyInodes(ctx context.Context) ([]ForeignInode, error)
}

// ErrChunkBoundaryMismatch is returned by Rollback when an image
// extent that sits at its own disk offset (file offset == disk bytenr)
// has no chunk mapping covering the whole extent (a mapping that covers
// it at a shifted physical offset is ErrTampered) -- this module deliberately rejects
// treating this as "not found" and tolerating it, since silently
// accepting a shifted chunk would let rollback write the foreign
// superblock back over bytes that are no longer the ones it moved.
var ErrChunkBoundaryMismatch = errors.New("convert: image extent is not covered by a chunk mapping at its recorded offset")

// ErrTampered is returned by Rollback when the image inode's file
// extents fail the bit-exact invariant check (rollback
// step 2): any relocated extent must lie strictly inside a reserved
// range, and every other extent must satisfy fe.file_offset ==
// fe.disk_bytenr.
var ErrTampered = errors.New("convert: image subvolume failed the bit-exact invariant check; refusing to roll back")
