// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package superblock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

type memFile struct {
	buf    []byte
	writes []int64 // offsets, in write order
}

func newMemFile(size int64) *memFile { return &memFile{buf: make([]byte, size)} }

func (f *memFile) Name() string { return "mem" }
func (f *memFile) Size() int64  { return int64(len(f.buf)) }
func (f *memFile) Close() error { return nil }
func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.buf[off:]), nil
}
func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.writes = append(f.writes, off)
	return copy(f.buf[off:], p), nil
}

func testSuper(gen btrfsprim.Generation) btrfstree.Superblock {
	var sb btrfstree.Superblock
	copy(sb.Magic[:], superblock.Magic[:])
	sb.Generation = gen
	sb.FSUUID = btrfsprim.UUID{0x11}
	sb.NodeSize = 0x4000
	sb.SectorSize = 0x1000
	return sb
}

func TestWriteAllMirrorsPrimaryLast(t *testing.T) {
	const devSize = 128 << 20 // holds mirrors 0 (64KiB) and 1 (64MiB)
	dev := newMemFile(devSize)

	require.NoError(t, superblock.WriteAllMirrors(context.Background(), dev, testSuper(5)))

	require.Len(t, dev.writes, 2)
	assert.Equal(t, superblock.MirrorOffsets[1], dev.writes[0])
	assert.Equal(t, superblock.MirrorOffsets[0], dev.writes[1], "primary mirror must be written last")

	// Each written mirror validates independently and carries its own
	// bytenr.
	for _, mirror := range superblock.MirrorsWithinSize(devSize) {
		got, err := superblock.ReadMirror(dev, mirror)
		require.NoError(t, err)
		require.NoError(t, got.ValidateChecksum())
		assert.EqualValues(t, superblock.MirrorOffsets[mirror], got.Self)
	}
}

func TestReadBestSurvivesTornPrimary(t *testing.T) {
	const devSize = 128 << 20
	dev := newMemFile(devSize)
	ctx := context.Background()

	require.NoError(t, superblock.WriteAllMirrors(ctx, dev, testSuper(7)))

	// A torn primary write (crash between the secondary writes and the
	// primary write) leaves a
	// checksum-invalid primary; the secondary still recovers the
	// filesystem.
	dev.buf[superblock.MirrorOffsets[0]+100] ^= 0xff
	got, err := superblock.ReadBest(ctx, dev, devSize)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Generation)
}

func TestReadBestPicksHighestGeneration(t *testing.T) {
	const devSize = 128 << 20
	dev := newMemFile(devSize)
	ctx := context.Background()

	require.NoError(t, superblock.WriteAllMirrors(ctx, dev, testSuper(3)))
	// Simulate a crash that updated only the primary of generation 4:
	// the primary's generation wins.
	primaryOnly := newMemFile(64<<10 + 4096)
	require.NoError(t, superblock.WriteAllMirrors(ctx, primaryOnly, testSuper(4)))
	copy(dev.buf[superblock.MirrorOffsets[0]:], primaryOnly.buf[superblock.MirrorOffsets[0]:superblock.MirrorOffsets[0]+4096])

	got, err := superblock.ReadBest(ctx, dev, devSize)
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.Generation)
}

func TestReadBestRejectsAllCorrupt(t *testing.T) {
	const devSize = 68 << 10 // only the primary mirror fits
	dev := newMemFile(devSize)
	ctx := context.Background()

	require.NoError(t, superblock.WriteAllMirrors(ctx, dev, testSuper(1)))
	dev.buf[superblock.MirrorOffsets[0]+200] ^= 0x01
	_, err := superblock.ReadBest(ctx, dev, devSize)
	assert.Error(t, err)
}
