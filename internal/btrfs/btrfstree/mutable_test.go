// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfssum"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
)

// memStore is a minimal in-memory NodeSource+NodeWriter+BlockAllocator
// backing a MutableTree in tests: addresses are just sequential
// counters, and nodes live in a map instead of on a device.
type memStore struct {
	nodes map[btrfsvol.LogicalAddr]*btrfstree.Node
	next  btrfsvol.LogicalAddr
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[btrfsvol.LogicalAddr]*btrfstree.Node), next: 0x10000}
}

func (s *memStore) Superblock() (*btrfstree.Superblock, error) { return &btrfstree.Superblock{}, nil }

func (s *memStore) AcquireNode(_ context.Context, addr btrfsvol.LogicalAddr, _ btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	node, ok := s.nodes[addr]
	if !ok {
		return nil, btrfstree.ErrNoItem
	}
	cp := *node
	cp.BodyLeaf = append([]btrfstree.Item(nil), node.BodyLeaf...)
	cp.BodyInterior = append([]btrfstree.KeyPointer(nil), node.BodyInterior...)
	return &cp, nil
}

func (s *memStore) ReleaseNode(*btrfstree.Node) {}

func (s *memStore) WriteNode(_ context.Context, node *btrfstree.Node) error {
	cp := *node
	cp.BodyLeaf = append([]btrfstree.Item(nil), node.BodyLeaf...)
	cp.BodyInterior = append([]btrfstree.KeyPointer(nil), node.BodyInterior...)
	s.nodes[node.Head.Addr] = &cp
	return nil
}

func (s *memStore) AllocTreeBlock(_ context.Context, _ btrfsprim.ObjID, _ uint8) (btrfsvol.LogicalAddr, error) {
	addr := s.next
	s.next += 0x4000
	return addr, nil
}

func (s *memStore) FreeTreeBlock(_ context.Context, addr btrfsvol.LogicalAddr, _ uint8) error {
	delete(s.nodes, addr)
	return nil
}

func dirKey(objID btrfsprim.ObjID, offset uint64) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: objID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: offset}
}

func newEmptyTree(t *testing.T, store *memStore) *btrfstree.MutableTree {
	rootAddr, err := store.AllocTreeBlock(context.Background(), 5, 0)
	require.NoError(t, err)
	root := &btrfstree.Node{
		Size:         0x1000,
		ChecksumType: btrfssum.TYPE_CRC32,
		Head: btrfstree.NodeHeader{
			Addr:       rootAddr,
			Generation: 1,
			Owner:      5,
			Level:      0,
		},
	}
	require.NoError(t, store.WriteNode(context.Background(), root))
	return &btrfstree.MutableTree{
		Read:           store,
		Write:          store,
		Alloc:          store,
		TreeID:         5,
		RootAddr:       rootAddr,
		RootLevel:      0,
		RootGeneration: 1,
		Transid:        2,
	}
}

func TestMutableTreeInsertAndLookup(t *testing.T) {
	store := newMemStore()
	tree := newEmptyTree(t, store)
	ctx := context.Background()

	for i := uint64(0); i < 8; i++ {
		err := tree.Insert(ctx, btrfstree.Item{
			Key:  dirKey(256, i),
			Body: &btrfsitem.Error{Dat: []byte{byte(i)}},
		})
		require.NoError(t, err)
	}

	root, err := store.AcquireNode(ctx, tree.RootAddr, btrfstree.NodeExpectations{})
	require.NoError(t, err)
	require.Len(t, root.BodyLeaf, 8)
	for i := uint64(0); i < 8; i++ {
		require.Equal(t, dirKey(256, i), root.BodyLeaf[i].Key)
	}
}

func TestMutableTreeInsertDuplicateFails(t *testing.T) {
	store := newMemStore()
	tree := newEmptyTree(t, store)
	ctx := context.Background()

	item := btrfstree.Item{Key: dirKey(256, 0), Body: &btrfsitem.Error{}}
	require.NoError(t, tree.Insert(ctx, item))
	err := tree.Insert(ctx, item)
	require.Error(t, err)
}

func TestMutableTreeDelete(t *testing.T) {
	store := newMemStore()
	tree := newEmptyTree(t, store)
	ctx := context.Background()

	for i := uint64(0); i < 4; i++ {
		require.NoError(t, tree.Insert(ctx, btrfstree.Item{
			Key:  dirKey(256, i),
			Body: &btrfsitem.Error{},
		}))
	}

	require.NoError(t, tree.Delete(ctx, dirKey(256, 1)))

	root, err := store.AcquireNode(ctx, tree.RootAddr, btrfstree.NodeExpectations{})
	require.NoError(t, err)
	require.Len(t, root.BodyLeaf, 3)

	err = tree.Delete(ctx, dirKey(256, 1))
	require.Error(t, err)
}
