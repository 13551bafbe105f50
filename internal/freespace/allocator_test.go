// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package freespace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/freespace"
)

func TestReserveAndFree(t *testing.T) {
	a := &freespace.Allocator{}
	a.AddBlockGroup(freespace.NewBlockGroup(0x1000000, 0x100000, btrfsvol.BLOCK_GROUP_METADATA))

	ctx := context.Background()
	addr1, err := a.ReserveMetadata(ctx, 0x4000)
	require.NoError(t, err)
	require.Equal(t, btrfsvol.LogicalAddr(0x1000000), addr1)

	addr2, err := a.ReserveMetadata(ctx, 0x4000)
	require.NoError(t, err)
	require.Equal(t, btrfsvol.LogicalAddr(0x1004000), addr2)

	require.NoError(t, a.FreeExtent(ctx, addr1, 0x4000))
	a.CommitPinned()

	addr3, err := a.ReserveMetadata(ctx, 0x4000)
	require.NoError(t, err)
	require.Equal(t, addr1, addr3, "freed space should be reused once pinned extents are committed")
}

func TestReserveNoSpaceWithoutChunkAllocator(t *testing.T) {
	a := &freespace.Allocator{}
	a.AddBlockGroup(freespace.NewBlockGroup(0, 0x1000, btrfsvol.BLOCK_GROUP_DATA))

	_, err := a.ReserveData(context.Background(), 0x2000, 0)
	require.Error(t, err)
}

type fakeChunkAllocator struct{ next btrfsvol.LogicalAddr }

func (f *fakeChunkAllocator) AllocChunk(_ context.Context, flags btrfsvol.BlockGroupFlags, minLen btrfsvol.AddrDelta) (*freespace.BlockGroup, error) {
	start := f.next
	f.next += btrfsvol.LogicalAddr(minLen) + 0x100000
	return freespace.NewBlockGroup(start, minLen*2, flags), nil
}

func TestReserveGrowsViaChunkAllocator(t *testing.T) {
	a := &freespace.Allocator{Chunks: &fakeChunkAllocator{next: 0x2000000}}
	addr, err := a.ReserveData(context.Background(), 0x8000, 0)
	require.NoError(t, err)
	require.Equal(t, btrfsvol.LogicalAddr(0x2000000), addr)
}
