// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsimage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

// DumpOptions configures Dump.
type DumpOptions struct {
	Version Version

	// CompressLevel is the zlib level for cluster payloads; 0 writes
	// them uncompressed.
	CompressLevel int

	Sanitize SanitizePolicy

	// DumpData additionally captures the data extents every
	// file-extent item references (v1 format only).
	DumpData bool
}

// Dump walks every tree reachable from the superblock and writes their
// blocks (plus the superblock itself, and optionally data extents) as
// a cluster stream to w.
func Dump(ctx context.Context, vol *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]], sb btrfstree.Superblock, w io.Writer, opts DumpOptions) error {
	if opts.DumpData && opts.Version != V1 {
		return fmt.Errorf("btrfsimage: --dump-data requires the v1 format")
	}

	cw := &clusterWriter{w: w, version: opts.Version, compressLevel: opts.CompressLevel}

	sbBuf, err := binstruct.Marshal(sb)
	if err != nil {
		return err
	}
	if len(sbBuf) < 4096 {
		padded := make([]byte, 4096)
		copy(padded, sbBuf)
		sbBuf = padded
	}
	if err := cw.add(uint64(superblock.MirrorOffsets[0]), sbBuf); err != nil {
		return err
	}

	san := newSanitizer(opts.Sanitize)
	forrest := btrfstree.RawForrest{NodeSource: btrfstree.RawNodeSource{Reader: vol, SB: sb}}

	treeIDs := []btrfsprim.ObjID{btrfsprim.ROOT_TREE_OBJECTID, btrfsprim.CHUNK_TREE_OBJECTID}
	rootTree, err := forrest.ForrestLookup(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return fmt.Errorf("btrfsimage: opening root tree: %w", err)
	}
	if err := rootTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if item.Key.ItemType == btrfsprim.ROOT_ITEM_KEY {
			treeIDs = append(treeIDs, item.Key.ObjectID)
		}
		return true
	}); err != nil {
		return err
	}

	seen := make(map[btrfsvol.LogicalAddr]bool)
	for _, treeID := range treeIDs {
		tree, err := forrest.ForrestLookup(ctx, treeID)
		if err != nil {
			return fmt.Errorf("btrfsimage: opening tree %v: %w", treeID, err)
		}
		var walkErr error
		tree.TreeWalk(ctx, btrfstree.TreeWalkHandler{
			Node: func(path btrfstree.Path, node *btrfstree.Node) error {
				if seen[node.Head.Addr] {
					return nil
				}
				seen[node.Head.Addr] = true
				if san.sanitizeNode(node) {
					csum, err := node.CalculateChecksum()
					if err != nil {
						return err
					}
					node.Head.Checksum = csum
				}
				buf, err := binstruct.Marshal(*node)
				if err != nil {
					return err
				}
				return cw.add(uint64(node.Head.Addr), buf)
			},
			BadNode: func(path btrfstree.Path, _ *btrfstree.Node, err error) bool {
				walkErr = btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: tree %v: %w", treeID, err))
				return false
			},
			Item: func(path btrfstree.Path, item btrfstree.Item) {
				if !opts.DumpData || walkErr != nil {
					return
				}
				if err := dumpDataExtent(vol, cw, item); err != nil {
					walkErr = err
				}
			},
		})
		if walkErr != nil {
			return walkErr
		}
	}

	return cw.flush()
}

// dumpDataExtent captures the on-disk bytes a regular (non-inline,
// non-hole) file extent references, chunked so no single cluster item
// grows unboundedly.
func dumpDataExtent(vol *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]], cw *clusterWriter, item btrfstree.Item) error {
	fe, ok := item.Body.(*btrfsitem.FileExtent)
	if !ok || fe.Type != btrfsitem.FILE_EXTENT_REG || fe.BodyExtent.DiskByteNr == 0 {
		return nil
	}
	const chunk = 256 << 10
	addr := fe.BodyExtent.DiskByteNr
	remaining := int64(fe.BodyExtent.DiskNumBytes)
	for remaining > 0 {
		n := remaining
		if n > chunk {
			n = chunk
		}
		buf := make([]byte, n)
		if _, err := vol.ReadAt(buf, addr); err != nil {
			return btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("btrfsimage: reading data extent at %v: %w", addr, err))
		}
		if err := cw.add(uint64(addr), buf); err != nil {
			return err
		}
		addr = addr.Add(btrfsvol.AddrDelta(n))
		remaining -= n
	}
	return nil
}

type pendingItem struct {
	bytenr uint64
	data   []byte
}

// clusterWriter batches items into clusters: a 1KiB header block
// holding the index, then each item's (possibly compressed) payload,
// padded back up to the 1KiB grid.
type clusterWriter struct {
	w             io.Writer
	version       Version
	compressLevel int

	items   []pendingItem
	pending int
	offset  uint64
}

func (cw *clusterWriter) add(bytenr uint64, data []byte) error {
	if cw.compressLevel > 0 {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, cw.compressLevel)
		if err != nil {
			return err
		}
		if _, err := zw.Write(data); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		data = buf.Bytes()
	}
	cw.items = append(cw.items, pendingItem{bytenr: bytenr, data: data})
	cw.pending += len(data)
	if len(cw.items) >= itemsPerCluster || cw.pending >= cw.version.maxPending() {
		return cw.flush()
	}
	return nil
}

func (cw *clusterWriter) flush() error {
	if len(cw.items) == 0 {
		return nil
	}

	head := make([]byte, clusterBlockSize)
	hdrBuf, err := binstruct.Marshal(clusterHeader{
		Magic:    cw.version.magic(),
		ByteNr:   cw.offset,
		NRItems:  uint32(len(cw.items)),
		Compress: map[bool]uint8{true: compressZlib, false: compressNone}[cw.compressLevel > 0],
	})
	if err != nil {
		return err
	}
	copy(head, hdrBuf)
	for i, item := range cw.items {
		itemBuf, err := binstruct.Marshal(clusterItem{ByteNr: item.bytenr, Size: uint32(len(item.data))})
		if err != nil {
			return err
		}
		copy(head[clusterHeaderSize+i*clusterItemSize:], itemBuf)
	}
	if _, err := cw.w.Write(head); err != nil {
		return btrfsio.Wrap(btrfsio.KindIoError, err)
	}
	written := 0
	for _, item := range cw.items {
		if _, err := cw.w.Write(item.data); err != nil {
			return btrfsio.Wrap(btrfsio.KindIoError, err)
		}
		written += len(item.data)
	}
	if pad := (clusterBlockSize - written%clusterBlockSize) % clusterBlockSize; pad > 0 {
		if _, err := cw.w.Write(make([]byte, pad)); err != nil {
			return btrfsio.Wrap(btrfsio.KindIoError, err)
		}
		written += pad
	}

	cw.offset += uint64(clusterBlockSize + written)
	cw.items = nil
	cw.pending = 0
	return nil
}
