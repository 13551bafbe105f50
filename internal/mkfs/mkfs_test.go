// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package mkfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/chunkalloc"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/mkfs"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

type memDev struct {
	name string
	buf  []byte
}

func newMemDev(name string, size int64) *memDev { return &memDev{name: name, buf: make([]byte, size)} }

func (d *memDev) Name() string                { return d.name }
func (d *memDev) Size() btrfsvol.PhysicalAddr { return btrfsvol.PhysicalAddr(len(d.buf)) }
func (d *memDev) Close() error                { return nil }
func (d *memDev) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return copy(p, d.buf[off:]), nil
}
func (d *memDev) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return copy(d.buf[off:], p), nil
}

var _ diskio.File[btrfsvol.PhysicalAddr] = (*memDev)(nil)

// asInt64File lets the test read a memDev back through
// internal/superblock, which addresses devices with plain int64
// offsets rather than btrfsvol.PhysicalAddr.
type asInt64File struct{ *memDev }

func (f asInt64File) ReadAt(p []byte, off int64) (int, error) {
	return f.memDev.ReadAt(p, btrfsvol.PhysicalAddr(off))
}
func (f asInt64File) WriteAt(p []byte, off int64) (int, error) {
	return f.memDev.WriteAt(p, btrfsvol.PhysicalAddr(off))
}
func (f asInt64File) Size() int64 { return int64(f.memDev.Size()) }

func TestFormatSingleDevice(t *testing.T) {
	const devSize = 512 << 20 // 512MiB
	dev := newMemDev("disk0", devSize)

	sb, err := mkfs.Format(context.Background(), []mkfs.Device{
		{ID: 1, File: dev, Size: devSize},
	}, mkfs.Options{Label: "test-fs"})
	require.NoError(t, err)

	require.NoError(t, sb.ValidateChecksum())
	assert.Equal(t, mkfs.DefaultIncompatFlags, sb.IncompatFlags)
	assert.Equal(t, uint64(1), sb.NumDevices)

	// Every mirror that was written must parse, checksum-validate, and
	// agree with what Format returned.
	for _, mirror := range superblock.MirrorsWithinSize(devSize) {
		got, err := superblock.ReadMirror(asInt64File{dev}, mirror)
		require.NoError(t, err)
		require.NoError(t, got.ValidateChecksum())
		assert.Equal(t, sb.Generation, got.Generation)
		assert.Equal(t, sb.FSUUID, got.FSUUID)
		assert.Equal(t, sb.ChunkTree, got.ChunkTree)
		assert.Equal(t, sb.RootTree, got.RootTree)
	}

	// Re-reading via the highest-generation-mirror path recovers the
	// same generation and identity.
	best, err := superblock.ReadBest(context.Background(), asInt64File{dev}, devSize)
	require.NoError(t, err)
	assert.Equal(t, sb.Generation, best.Generation)
	assert.Equal(t, sb.FSUUID, best.FSUUID)

	// The chunk tree's sole (SYSTEM) chunk item must be reachable from
	// the embedded system chunk array and must not overlap any
	// reserved range.
	sysChunks, err := sb.ParseSysChunkArray()
	require.NoError(t, err)
	require.Len(t, sysChunks, 1)
	for _, r := range chunkalloc.ReservedRanges(devSize) {
		for _, stripe := range sysChunks[0].Chunk.Stripes {
			start := int64(stripe.Offset)
			end := start + int64(sysChunks[0].Chunk.Head.Size)
			assert.False(t, r.Start < end && start < r.End,
				"system chunk stripe [%d,%d) overlaps reserved range [%d,%d)", start, end, r.Start, r.End)
		}
	}
}

func TestFormatRejectsNoDevices(t *testing.T) {
	_, err := mkfs.Format(context.Background(), nil, mkfs.Options{})
	assert.Error(t, err)
}

func TestFormatMultiDeviceEachGetsOwnDevItem(t *testing.T) {
	const devSize = 256 << 20 // 256MiB
	dev1 := newMemDev("disk0", devSize)
	dev2 := newMemDev("disk1", devSize)

	sb, err := mkfs.Format(context.Background(), []mkfs.Device{
		{ID: 1, File: dev1, Size: devSize},
		{ID: 2, File: dev2, Size: devSize},
	}, mkfs.Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sb.NumDevices)

	for id, dev := range map[btrfsvol.DeviceID]*memDev{1: dev1, 2: dev2} {
		got, err := superblock.ReadMirror(asInt64File{dev}, 0)
		require.NoError(t, err)
		require.NoError(t, got.ValidateChecksum())
		assert.Equal(t, id, got.DevItem.DevID)
	}
}
