// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package chunkalloc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/chunkalloc"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
)

type memDev struct {
	name string
	buf  []byte
}

func newMemDev(name string, size int64) *memDev { return &memDev{name: name, buf: make([]byte, size)} }

func (d *memDev) Name() string                 { return d.name }
func (d *memDev) Size() btrfsvol.PhysicalAddr  { return btrfsvol.PhysicalAddr(len(d.buf)) }
func (d *memDev) Close() error                 { return nil }
func (d *memDev) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return copy(p, d.buf[off:]), nil
}
func (d *memDev) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return copy(d.buf[off:], p), nil
}

var _ diskio.File[btrfsvol.PhysicalAddr] = (*memDev)(nil)

func newVolume(t *testing.T, sizes ...int64) *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]] {
	vol := &btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]{}
	for i, size := range sizes {
		id := btrfsvol.DeviceID(i + 1)
		require.NoError(t, vol.AddPhysicalVolume(id, newMemDev("dev", size)))
	}
	return vol
}

func TestAllocChunkSingleDevice(t *testing.T) {
	vol := newVolume(t, 1<<30)
	mgr := chunkalloc.Manager{Volume: vol}
	mgr.AddDevice(1, 1<<30)

	bg, err := mgr.AllocChunk(context.Background(), btrfsvol.BLOCK_GROUP_METADATA, 0x4000)
	require.NoError(t, err)
	assert.NotNil(t, bg)

	mappings := vol.Mappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, btrfsvol.LogicalAddr(0), mappings[0].LAddr)
	// The chunk must not overlap the reserved first MiB.
	assert.GreaterOrEqual(t, int64(mappings[0].PAddr.Addr), int64(1<<20))
}

func TestAllocChunkAvoidsSecondSuperMirror(t *testing.T) {
	// A device just big enough to have its 64MiB mirror in-bounds;
	// allocate SYSTEM chunks (4MiB each, the default target) until the
	// bump allocator would otherwise walk straight through that
	// reserved range, then check none of the resulting mappings land
	// inside a reserved range.
	const devSize = 0x4010000 // a bit over 64MiB
	vol := newVolume(t, devSize)
	mgr := chunkalloc.Manager{Volume: vol}
	mgr.AddDevice(1, devSize)

	allocated := 0
	for i := 0; i < 32; i++ {
		if _, err := mgr.AllocChunk(context.Background(), btrfsvol.BLOCK_GROUP_SYSTEM, 0); err != nil {
			break
		}
		allocated++
	}
	assert.Greater(t, allocated, 10, "expected many 4MiB chunks to fit before the device fills up")

	for _, r := range chunkalloc.ReservedRanges(devSize) {
		for _, m := range vol.Mappings() {
			start := int64(m.PAddr.Addr)
			end := start + int64(m.Size)
			assert.False(t, r.Start < end && start < r.End,
				"mapping [%d,%d) overlaps reserved range [%d,%d)", start, end, r.Start, r.End)
		}
	}
}

func TestAllocChunkDUPUsesOneDevice(t *testing.T) {
	vol := newVolume(t, 1<<30)
	mgr := chunkalloc.Manager{Volume: vol}
	mgr.AddDevice(1, 1<<30)

	_, err := mgr.AllocChunk(context.Background(), btrfsvol.BLOCK_GROUP_METADATA|btrfsvol.BLOCK_GROUP_DUP, 0x4000)
	require.NoError(t, err)

	mappings := vol.Mappings()
	require.Len(t, mappings, 2)
	for _, m := range mappings {
		assert.Equal(t, btrfsvol.DeviceID(1), m.PAddr.Dev)
	}
	assert.NotEqual(t, mappings[0].PAddr.Addr, mappings[1].PAddr.Addr)
}

func TestAllocChunkRAID1NeedsTwoDevices(t *testing.T) {
	vol := newVolume(t, 1<<30)
	mgr := chunkalloc.Manager{Volume: vol}
	mgr.AddDevice(1, 1<<30)

	_, err := mgr.AllocChunk(context.Background(), btrfsvol.BLOCK_GROUP_METADATA|btrfsvol.BLOCK_GROUP_RAID1, 0x4000)
	assert.Error(t, err)
}

func TestAllocChunkRoundRobinsAcrossDevices(t *testing.T) {
	vol := newVolume(t, 1<<30, 1<<30)
	mgr := chunkalloc.Manager{Volume: vol}
	mgr.AddDevice(1, 1<<30)
	mgr.AddDevice(2, 1<<30)

	_, err := mgr.AllocChunk(context.Background(), btrfsvol.BLOCK_GROUP_METADATA|btrfsvol.BLOCK_GROUP_RAID1, 0x4000)
	require.NoError(t, err)

	mappings := vol.Mappings()
	require.Len(t, mappings, 2)
	seen := map[btrfsvol.DeviceID]bool{}
	for _, m := range mappings {
		seen[m.PAddr.Dev] = true
	}
	assert.Len(t, seen, 2)
}
