// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package convert_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/convert"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
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

// fakeForeign is a ForeignFS whose used-space map and inode list are
// fixed up front; the test paints recognizable byte patterns at the
// extents it claims.
type fakeForeign struct {
	total  int64
	used   []convert.UsedExtent
	inodes []convert.ForeignInode
}

func (f *fakeForeign) TotalBytes() int64        { return f.total }
func (f *fakeForeign) BlockSize() int64         { return 4096 }
func (f *fakeForeign) Label() string            { return "oldfs" }
func (f *fakeForeign) FSUUID() btrfsprim.UUID   { return btrfsprim.UUID{0xee} }
func (f *fakeForeign) UsedExtents(context.Context) ([]convert.UsedExtent, error) {
	return f.used, nil
}
func (f *fakeForeign) CopyInodes(context.Context) ([]convert.ForeignInode, error) {
	return f.inodes, nil
}

func pattern(seed byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func TestConvertThenRollbackRestoresForeignBytes(t *testing.T) {
	const devSize = 512 << 20
	dev := newMemDev("disk0", devSize)

	// "Foreign" content: a metadata region covering the first 128KiB
	// (including where the new primary superblock will land, at 64KiB)
	// and one file's data at 20MiB.
	metaRegion := pattern(3, 128<<10)
	fileData := pattern(7, 8<<10)
	copy(dev.buf[0:], metaRegion)
	copy(dev.buf[20<<20:], fileData)

	foreign := &fakeForeign{
		total: devSize,
		used: []convert.UsedExtent{
			{ByteOffset: 0, Length: 128 << 10},
			{ByteOffset: 20 << 20, Length: 8 << 10},
		},
		inodes: []convert.ForeignInode{
			{Name: "hello.txt", Mode: 0o644, Size: 8 << 10, Extents: []convert.UsedExtent{{ByteOffset: 20 << 20, Length: 8 << 10}}},
		},
	}

	ctx := context.Background()
	sb, err := convert.Convert(ctx, dev, foreign, convert.Options{
		FSUUID:    btrfsprim.UUID{0x42},
		Label:     "converted",
		NoDataSum: true,
	})
	require.NoError(t, err)
	require.NoError(t, sb.ValidateChecksum())

	// The new filesystem is now the one on the device, and writing it
	// clobbered part of the foreign metadata region.
	got, err := superblock.ReadBest(ctx, asInt64File{dev}, devSize)
	require.NoError(t, err)
	assert.Equal(t, sb.FSUUID, got.FSUUID)
	assert.False(t, bytes.Equal(dev.buf[:128<<10], metaRegion),
		"convert should have overwritten part of the reserved-range foreign bytes")

	// The final migration step erased the foreign filesystem's
	// signature region outright: everything below the primary btrfs
	// super offset is zero, foreign superblock included.
	assert.Equal(t, make([]byte, superblock.MirrorOffsets[0]), dev.buf[:superblock.MirrorOffsets[0]],
		"foreign superblock region must be zeroed after conversion")

	// File data was never copied: the original bytes at 20MiB are
	// untouched and the new filesystem references them in place.
	assert.Equal(t, fileData, dev.buf[20<<20:20<<20+8<<10])

	// Rollback restores every foreign byte that lived in a reserved
	// range, foreign superblock region included.
	require.NoError(t, convert.Rollback(ctx, dev))
	assert.Equal(t, metaRegion, dev.buf[:128<<10])
	assert.Equal(t, fileData, dev.buf[20<<20:20<<20+8<<10])
}

func TestRollbackRefusesNonConvertedFilesystem(t *testing.T) {
	const devSize = 512 << 20
	dev := newMemDev("disk0", devSize)

	// Not a filesystem at all: no valid superblock.
	err := convert.Rollback(context.Background(), dev)
	assert.Error(t, err)
}

// asInt64File adapts memDev to the int64-addressed file interface
// internal/superblock deals in.
type asInt64File struct{ *memDev }

func (f asInt64File) ReadAt(p []byte, off int64) (int, error) {
	return f.memDev.ReadAt(p, btrfsvol.PhysicalAddr(off))
}
func (f asInt64File) WriteAt(p []byte, off int64) (int, error) {
	return f.memDev.WriteAt(p, btrfsvol.PhysicalAddr(off))
}
func (f asInt64File) Size() int64 { return int64(f.memDev.Size()) }
