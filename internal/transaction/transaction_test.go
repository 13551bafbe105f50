// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package transaction_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/transaction"
)

// memDevice is an in-memory transaction.Device for tests.
type memDevice struct {
	buf []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{buf: make([]byte, size)} }

func (d *memDevice) Name() string                  { return "memdevice" }
func (d *memDevice) Size() int64                   { return int64(len(d.buf)) }
func (d *memDevice) Close() error                  { return nil }
func (d *memDevice) Sync() error                   { return nil }
func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.buf[off:]), nil
}
func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.buf[off:], p), nil
}

// fakeRoots is a trivial RootTracker that just reports fixed roots,
// used to exercise Manager.CommitTransaction without a full
// internal/rootforest.
type fakeRoots struct {
	rootTreeAddr btrfsvol.LogicalAddr
	flushed      int
}

func (f *fakeRoots) DirtyRoots() []btrfsprim.ObjID { return []btrfsprim.ObjID{btrfsprim.ROOT_TREE_OBJECTID} }
func (f *fakeRoots) TreeRoot(treeID btrfsprim.ObjID) (btrfsvol.LogicalAddr, uint8, btrfsprim.Generation, bool) {
	if treeID == btrfsprim.ROOT_TREE_OBJECTID {
		return f.rootTreeAddr, 0, 1, true
	}
	return 0, 0, 0, false
}
func (f *fakeRoots) FlushRootItems(ctx context.Context, transid btrfsprim.Generation) error {
	f.flushed++
	return nil
}

func TestCommitTransactionWritesSupers(t *testing.T) {
	ctx := context.Background()
	dev := newMemDevice(0x5000000) // big enough for mirrors 0 and 1
	roots := &fakeRoots{rootTreeAddr: 0x4000}

	mgr := &transaction.Manager{
		Device: dev,
		Roots:  roots,
		Superblock: btrfstree.Superblock{
			Magic: superblock.Magic,
		},
	}

	h, err := mgr.StartTransaction(ctx)
	require.NoError(t, err)
	require.Equal(t, btrfsprim.Generation(1), h.Transid)

	require.NoError(t, h.CommitTransaction(ctx))
	require.Equal(t, 1, roots.flushed)

	got, err := superblock.ReadBest(ctx, dev, dev.Size())
	require.NoError(t, err)
	require.Equal(t, btrfsprim.Generation(1), got.Generation)
	require.Equal(t, btrfsvol.LogicalAddr(0x4000), got.RootTree)
}

func TestStartTransactionSerializesWriters(t *testing.T) {
	ctx := context.Background()
	dev := newMemDevice(0x5000000)
	mgr := &transaction.Manager{
		Device:     dev,
		Roots:      &fakeRoots{},
		Superblock: btrfstree.Superblock{Magic: superblock.Magic},
	}
	_, err := mgr.StartTransaction(ctx)
	require.NoError(t, err)
	_, err = mgr.StartTransaction(ctx)
	require.Error(t, err)
}
