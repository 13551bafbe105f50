// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"context"
	"fmt"
	"os"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/chunkalloc"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/freespace"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/rootforest"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/transaction"
)

// OpenDevice opens a single device path read-write as a
// physically-addressed file, refusing if it is mounted. It is what the
// cmd/ entrypoints that operate on a not-yet-(or no-longer-)valid
// filesystem -- mkfs, convert, image-restore -- use instead of Open.
func OpenDevice(path string, mountsPath string) (diskio.File[btrfsvol.PhysicalAddr], error) {
	if mountsPath == "" {
		mountsPath = "/proc/mounts"
	}
	if err := CheckNotMounted(mountsPath, []string{path}); err != nil {
		return nil, err
	}
	osf, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, btrfsio.Wrap(btrfsio.KindIoError, err)
	}
	return syncFile{osf}, nil
}

// devInt64File adapts one open device to the int64-addressed,
// Sync-capable file the transaction manager's commit barriers need.
type devInt64File struct {
	*os.File
}

func (f devInt64File) Size() int64 { return deviceSize(f.File) }

var _ transaction.Device = devInt64File{}

// WriteCtx bundles everything one write transaction against an opened
// filesystem needs: the forest of mutable trees, the free-space
// allocator (growing the filesystem through a chunk allocator seeded
// past every existing chunk), and the open transaction handle.
type WriteCtx struct {
	FS     *FS
	Forest *rootforest.Forest
	Txn    *transaction.Manager

	handle  *transaction.Handle
	mgr     *chunkalloc.Manager
	pending []chunkalloc.ChunkPlan
}

// StartWrite opens a write transaction against fs. The chunk allocator
// is primed from the on-disk state: every device's existing dev
// extents are excluded from placement and the logical cursor starts
// past the highest existing chunk, so new chunks never overlap old
// ones (new chunks must never overlap old ones).
func (fs *FS) StartWrite(ctx context.Context) (*WriteCtx, error) {
	if len(fs.devices) == 0 {
		return nil, fmt.Errorf("btrfsutil: filesystem has no open devices")
	}

	mgr := &chunkalloc.Manager{Volume: &fs.Volume}
	for _, dev := range fs.Devices() {
		mgr.AddDevice(dev.ID, deviceSize(dev.File))
	}

	devTree, err := fs.ForrestLookup(ctx, btrfsprim.DEV_TREE_OBJECTID)
	if err != nil {
		return nil, fmt.Errorf("btrfsutil: opening device tree: %w", err)
	}
	if err := devTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if ext, ok := item.Body.(*btrfsitem.DevExtent); ok && item.Key.ItemType == btrfsprim.DEV_EXTENT_KEY {
			mgr.ExcludeRange(btrfsvol.DeviceID(item.Key.ObjectID), int64(item.Key.Offset), int64(ext.Length))
		}
		return true
	}); err != nil {
		return nil, err
	}

	var maxLogical btrfsvol.LogicalAddr
	for _, m := range fs.Volume.Mappings() {
		if end := m.LAddr.Add(m.Size); end > maxLogical {
			maxLogical = end
		}
	}
	mgr.SeedNextLogical(maxLogical)

	alloc := &freespace.Allocator{
		Chunks:   mgr,
		NodeSize: btrfsvol.AddrDelta(fs.Superblock.NodeSize),
	}
	// The forest shares the FS's extent-buffer cache, so reads through
	// fs (receive's UUID-tree lookups) observe blocks the forest has
	// written this transaction without a device round-trip.
	forest := &rootforest.Forest{
		Volume:     &fs.Volume,
		Alloc:      alloc,
		Superblock: fs.Superblock,
		Cache:      fs.nodeSource().Cache,
	}

	txn := &transaction.Manager{
		Device:     devInt64File{fs.devices[0].File},
		Allocator:  alloc,
		Roots:      forest,
		Superblock: fs.Superblock,
	}
	handle, err := txn.StartTransaction(ctx)
	if err != nil {
		return nil, err
	}
	forest.Transid = handle.Transid

	w := &WriteCtx{FS: fs, Forest: forest, Txn: txn, handle: handle, mgr: mgr}
	// New chunks are only recorded as pending here; their items are
	// inserted right before commit, because inserting a CHUNK_ITEM can
	// itself allocate a tree block and must not re-enter the allocator
	// mid-allocation.
	mgr.OnChunk = func(_ context.Context, plan chunkalloc.ChunkPlan) error {
		w.pending = append(w.pending, plan)
		return nil
	}
	return w, nil
}

// Commit persists every pending chunk's on-disk items, then runs the
// commit protocol. On success the FS's in-memory superblock is
// updated to the newly committed generation.
func (w *WriteCtx) Commit(ctx context.Context) error {
	if err := w.flushPendingChunks(ctx); err != nil {
		return err
	}
	if err := w.handle.CommitTransaction(ctx); err != nil {
		return err
	}
	w.FS.Superblock = w.Txn.Superblock
	return nil
}

// Abort discards the transaction; nothing the transaction wrote is
// reachable from the (unchanged) on-disk superblock.
func (w *WriteCtx) Abort() {
	w.handle.AbortTransaction()
}

func (w *WriteCtx) flushPendingChunks(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	chunkTree, err := w.Forest.OpenTree(ctx, btrfsprim.CHUNK_TREE_OBJECTID)
	if err != nil {
		return err
	}
	devTree, err := w.Forest.OpenTree(ctx, btrfsprim.DEV_TREE_OBJECTID)
	if err != nil {
		return err
	}
	extentTree, err := w.Forest.OpenTree(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return err
	}

	// New nodes and dev extents carry the FSUUID as their chunk-tree
	// UUID, the same convention internal/rootforest uses for nodes it
	// creates.
	chunkTreeUUID := w.FS.Superblock.FSUUID
	devUUIDs := make(map[btrfsvol.DeviceID]btrfsprim.UUID)
	if w.FS.Superblock.DevItem.DevID != 0 {
		devUUIDs[w.FS.Superblock.DevItem.DevID] = w.FS.Superblock.DevItem.DevUUID
	}

	// Drain iteratively: inserting these items may itself allocate new
	// chunks, which append to w.pending.
	for i := 0; i < len(w.pending); i++ {
		plan := w.pending[i]
		stripes := make([]btrfsitem.ChunkStripe, 0, len(plan.Stripes))
		for _, s := range plan.Stripes {
			stripes = append(stripes, btrfsitem.ChunkStripe{DeviceID: s.DevID, Offset: s.Offset, DeviceUUID: devUUIDs[s.DevID]})
		}
		if err := chunkTree.Insert(ctx, btrfstree.Item{
			Key: btrfsprim.Key{ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: uint64(plan.Logical)},
			Body: &btrfsitem.Chunk{
				Head: btrfsitem.ChunkHeader{
					Size:       plan.Length,
					Owner:      btrfsprim.EXTENT_TREE_OBJECTID,
					StripeLen:  plan.StripeLen,
					Type:       plan.Flags,
					SubStripes: plan.SubStripes,
				},
				Stripes: stripes,
			},
		}); err != nil {
			return err
		}
		for _, s := range plan.Stripes {
			if err := devTree.Insert(ctx, btrfstree.Item{
				Key: btrfsprim.Key{ObjectID: btrfsprim.ObjID(s.DevID), ItemType: btrfsprim.DEV_EXTENT_KEY, Offset: uint64(s.Offset)},
				Body: &btrfsitem.DevExtent{
					ChunkTree:     btrfsprim.CHUNK_TREE_OBJECTID,
					ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
					ChunkOffset:   plan.Logical,
					Length:        plan.Length,
					ChunkTreeUUID: chunkTreeUUID,
				},
			}); err != nil {
				return err
			}
		}
		if err := extentTree.Insert(ctx, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(plan.Logical), ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY, Offset: uint64(plan.Length)},
			Body: &btrfsitem.BlockGroup{ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, Flags: plan.Flags},
		}); err != nil {
			return err
		}
	}
	w.pending = nil
	return nil
}
