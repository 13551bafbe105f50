// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rootforest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfssum"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/freespace"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/rootforest"
)

const testNodeSize = 0x1000

// memVolume is an in-memory diskio.File[btrfsvol.LogicalAddr] for
// tests, analogous to the B-tree engine's own memStore fake but
// addressed as a flat byte buffer the way a real logical volume is.
type memVolume struct {
	buf []byte
}

func newMemVolume(size int) *memVolume { return &memVolume{buf: make([]byte, size)} }

func (v *memVolume) Name() string                    { return "memvolume" }
func (v *memVolume) Size() btrfsvol.LogicalAddr       { return btrfsvol.LogicalAddr(len(v.buf)) }
func (v *memVolume) Close() error                     { return nil }
func (v *memVolume) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return copy(p, v.buf[off:]), nil
}
func (v *memVolume) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return copy(v.buf[off:], p), nil
}

// newTestForest bootstraps a forest with an empty root tree: one leaf
// with zero items, just like mkfs would leave behind before any
// subvolume exists.
func newTestForest(t *testing.T) (*rootforest.Forest, *memVolume) {
	vol := newMemVolume(0x1000000)

	alloc := &freespace.Allocator{NodeSize: testNodeSize}
	alloc.AddBlockGroup(freespace.NewBlockGroup(0x10000, 0x100000, btrfsvol.BLOCK_GROUP_METADATA))

	fsUUID := btrfsprim.UUID{1, 2, 3, 4}
	sb := btrfstree.Superblock{
		NodeSize:     testNodeSize,
		ChecksumType: btrfssum.TYPE_CRC32,
		FSUUID:       fsUUID,
		Generation:   1,
	}

	rootAddr, err := alloc.AllocTreeBlock(context.Background(), btrfsprim.ROOT_TREE_OBJECTID, 0)
	require.NoError(t, err)
	rootLeaf := &btrfstree.Node{
		Size:         testNodeSize,
		ChecksumType: btrfssum.TYPE_CRC32,
		Head: btrfstree.NodeHeader{
			Addr:          rootAddr,
			MetadataUUID:  sb.EffectiveMetadataUUID(),
			ChunkTreeUUID: fsUUID,
			Generation:    1,
			Owner:         btrfsprim.ROOT_TREE_OBJECTID,
			Level:         0,
		},
	}
	csum, err := rootLeaf.CalculateChecksum()
	require.NoError(t, err)
	rootLeaf.Head.Checksum = csum
	buf, err := rootLeaf.MarshalBinary()
	require.NoError(t, err)
	_, err = vol.WriteAt(buf, rootAddr)
	require.NoError(t, err)

	sb.RootTree = rootAddr
	sb.RootLevel = 0

	f := &rootforest.Forest{
		Volume:     vol,
		Alloc:      alloc,
		Superblock: sb,
		Transid:    2,
	}
	return f, vol
}

func TestCreateSubvolumeTopLevel(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestForest(t)

	// No FS_TREE exists yet in this bootstrap image; this bootstrap
	// skips it and links the new subvolume directly off the root tree.
	_, err := f.OpenTree(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.Error(t, err)

	newID, err := f.CreateSubvolume(ctx, rootforest.CreateSubvolumeOptions{
		ParentTreeID: btrfsprim.ROOT_TREE_OBJECTID,
		Name:         "foo",
	})
	require.NoError(t, err)
	require.Equal(t, btrfsprim.FS_TREE_OBJECTID+1, newID)

	require.Contains(t, f.DirtyRoots(), newID)
	require.Contains(t, f.DirtyRoots(), btrfsprim.ROOT_TREE_OBJECTID)

	addr, level, gen, ok := f.TreeRoot(newID)
	require.True(t, ok)
	require.NotZero(t, addr)
	require.Equal(t, uint8(0), level)
	require.Equal(t, btrfsprim.Generation(2), gen)
}

func TestCreateSnapshotRecordsParentUUID(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestForest(t)

	baseID, err := f.CreateSubvolume(ctx, rootforest.CreateSubvolumeOptions{
		ParentTreeID: btrfsprim.ROOT_TREE_OBJECTID,
		Name:         "base",
	})
	require.NoError(t, err)

	require.NoError(t, f.FlushRootItems(ctx, f.Transid))

	snapID, err := f.CreateSubvolume(ctx, rootforest.CreateSubvolumeOptions{
		ParentTreeID: btrfsprim.ROOT_TREE_OBJECTID,
		Name:         "base.snap",
		Source:       baseID,
	})
	require.NoError(t, err)
	require.NotEqual(t, baseID, snapID)
}

func TestSetReceivedUUID(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestForest(t)

	subvolID, err := f.CreateSubvolume(ctx, rootforest.CreateSubvolumeOptions{
		ParentTreeID: btrfsprim.ROOT_TREE_OBJECTID,
		Name:         "received",
	})
	require.NoError(t, err)
	require.NoError(t, f.FlushRootItems(ctx, f.Transid))

	received := btrfsprim.UUID{9, 9, 9, 9}
	require.NoError(t, f.SetReceivedUUID(ctx, subvolID, received, 1, 2))

	// A second call should still find the (now-moved) ROOT_ITEM rather
	// than erroring as a stale lookup.
	require.NoError(t, f.SetReceivedUUID(ctx, subvolID, received, 1, 3))
}
