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

// Restore materialises a dump stream onto dev: every tree block is
// written back at its original logical address (through the chunk
// mappings reconstructed from the dumped chunk tree), the device item
// is rewritten for the target device's geometry, and the superblock
// mirrors are written last, primary after secondaries .
func Restore(ctx context.Context, r io.Reader, dev diskio.File[btrfsvol.PhysicalAddr]) error {
	blocks, err := readAllClusters(r)
	if err != nil {
		return err
	}

	sbBuf, ok := blocks[uint64(superblock.MirrorOffsets[0])]
	if !ok {
		return btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: dump has no superblock item"))
	}
	var sb btrfstree.Superblock
	if _, err := binstruct.Unmarshal(sbBuf, &sb); err != nil {
		return btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: unmarshaling dumped superblock: %w", err))
	}
	if sb.Magic != superblock.Magic {
		return btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: dumped superblock has bad magic"))
	}
	delete(blocks, uint64(superblock.MirrorOffsets[0]))

	// Target geometry: the restored filesystem's one device is dev,
	// whatever size it is.
	sb.DevItem.NumBytes = uint64(dev.Size())
	sb.NumDevices = 1

	var vol btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]
	if err := vol.AddPhysicalVolume(sb.DevItem.DevID, dev); err != nil {
		return fmt.Errorf("btrfsimage: %w", err)
	}
	if err := rebuildChunkMappings(&vol, sb, blocks); err != nil {
		return err
	}

	for bytenr, data := range blocks {
		if _, err := vol.WriteAt(data, btrfsvol.LogicalAddr(bytenr)); err != nil {
			return btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("btrfsimage: writing block at %v: %w", btrfsvol.LogicalAddr(bytenr), err))
		}
	}

	if err := superblock.WriteAllMirrors(ctx, asInt64File{dev}, sb); err != nil {
		return fmt.Errorf("btrfsimage: writing superblock: %w", err)
	}
	return nil
}

// rebuildChunkMappings reconstructs the logical-to-physical map the
// same way a mount does (system-chunk array first, then the chunk
// tree), except the chunk tree's blocks are read out of the dump
// rather than off the still-empty target device.
func rebuildChunkMappings(vol *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]], sb btrfstree.Superblock, blocks map[uint64][]byte) error {
	sysChunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: parsing system chunk array: %w", err))
	}
	for _, sc := range sysChunks {
		for _, m := range sc.Chunk.Mappings(sc.Key) {
			if err := vol.AddMapping(m); err != nil {
				return fmt.Errorf("btrfsimage: %w", err)
			}
		}
	}

	var walk func(addr btrfsvol.LogicalAddr) error
	walk = func(addr btrfsvol.LogicalAddr) error {
		buf, ok := blocks[uint64(addr)]
		if !ok {
			return btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: dump is missing chunk tree block %v", addr))
		}
		node := &btrfstree.Node{Size: sb.NodeSize, ChecksumType: sb.ChecksumType}
		if _, err := node.UnmarshalBinary(buf); err != nil {
			return btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: parsing chunk tree block %v: %w", addr, err))
		}
		if node.Head.Level > 0 {
			for _, kp := range node.BodyInterior {
				if err := walk(kp.BlockPtr); err != nil {
					return err
				}
			}
			return nil
		}
		for _, item := range node.BodyLeaf {
			chunk, ok := item.Body.(*btrfsitem.Chunk)
			if !ok || item.Key.ItemType != btrfsprim.CHUNK_ITEM_KEY {
				continue
			}
			for _, m := range chunk.Mappings(item.Key) {
				if err := vol.AddMapping(m); err != nil {
					return fmt.Errorf("btrfsimage: %w", err)
				}
			}
		}
		return nil
	}
	return walk(sb.ChunkTree)
}

// readAllClusters drains the stream into a bytenr-keyed block map; a
// bytenr dumped more than once keeps the later copy, matching the
// dump-side ordering.
func readAllClusters(r io.Reader) (map[uint64][]byte, error) {
	blocks := make(map[uint64][]byte)
	head := make([]byte, clusterBlockSize)
	for {
		if _, err := io.ReadFull(r, head); err != nil {
			if err == io.EOF {
				return blocks, nil
			}
			return nil, btrfsio.Wrap(btrfsio.KindIoError, err)
		}
		var hdr clusterHeader
		if _, err := binstruct.Unmarshal(head[:clusterHeaderSize], &hdr); err != nil {
			return nil, btrfsio.Wrap(btrfsio.KindCorruptRead, err)
		}
		if hdr.Magic != MagicV0 && hdr.Magic != MagicV1 {
			return nil, btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: bad cluster magic %#x", hdr.Magic))
		}
		if int(hdr.NRItems) > itemsPerCluster {
			return nil, btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: cluster claims %d items", hdr.NRItems))
		}

		items := make([]clusterItem, hdr.NRItems)
		total := 0
		for i := range items {
			off := clusterHeaderSize + i*clusterItemSize
			if _, err := binstruct.Unmarshal(head[off:off+clusterItemSize], &items[i]); err != nil {
				return nil, btrfsio.Wrap(btrfsio.KindCorruptRead, err)
			}
			total += int(items[i].Size)
		}

		payload := make([]byte, (total+clusterBlockSize-1)/clusterBlockSize*clusterBlockSize)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, btrfsio.Wrap(btrfsio.KindCorruptRead, fmt.Errorf("btrfsimage: truncated cluster payload: %w", err))
		}

		cursor := 0
		for _, item := range items {
			data := payload[cursor : cursor+int(item.Size)]
			cursor += int(item.Size)
			if hdr.Compress == compressZlib {
				zr, err := zlib.NewReader(bytes.NewReader(data))
				if err != nil {
					return nil, btrfsio.Wrap(btrfsio.KindCorruptRead, err)
				}
				data, err = io.ReadAll(zr)
				zr.Close()
				if err != nil {
					return nil, btrfsio.Wrap(btrfsio.KindCorruptRead, err)
				}
			} else {
				data = append([]byte(nil), data...)
			}
			blocks[item.ByteNr] = data
		}
	}
}

// asInt64File adapts the physically-addressed device to the plain
// int64 interface internal/superblock deals in.
type asInt64File struct {
	diskio.File[btrfsvol.PhysicalAddr]
}

func (f asInt64File) Name() string { return f.File.Name() }
func (f asInt64File) Size() int64  { return int64(f.File.Size()) }
func (f asInt64File) ReadAt(dat []byte, off int64) (int, error) {
	return f.File.ReadAt(dat, btrfsvol.PhysicalAddr(off))
}
func (f asInt64File) WriteAt(dat []byte, off int64) (int, error) {
	return f.File.WriteAt(dat, btrfsvol.PhysicalAddr(off))
}
