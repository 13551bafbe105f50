// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsimage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
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

// openVolume replays the mount-time chunk bootstrap over an in-memory
// device so the test can hand Dump a working logical volume.
func openVolume(t *testing.T, dev *memDev, sb btrfstree.Superblock) *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]] {
	t.Helper()
	vol := new(btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]])
	require.NoError(t, vol.AddPhysicalVolume(sb.DevItem.DevID, dev))
	sysChunks, err := sb.ParseSysChunkArray()
	require.NoError(t, err)
	for _, sc := range sysChunks {
		for _, m := range sc.Chunk.Mappings(sc.Key) {
			require.NoError(t, vol.AddMapping(m))
		}
	}
	forrest := btrfstree.RawForrest{NodeSource: btrfstree.RawNodeSource{Reader: vol, SB: sb}}
	chunkTree, err := forrest.ForrestLookup(context.Background(), btrfsprim.CHUNK_TREE_OBJECTID)
	require.NoError(t, err)
	require.NoError(t, chunkTree.TreeRange(context.Background(), func(item btrfstree.Item) bool {
		if chunk, ok := item.Body.(*btrfsitem.Chunk); ok {
			for _, m := range chunk.Mappings(item.Key) {
				require.NoError(t, vol.AddMapping(m))
			}
		}
		return true
	}))
	return vol
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	const devSize = 512 << 20
	ctx := context.Background()
	src := newMemDev("src", devSize)

	sb, err := mkfs.Format(ctx, []mkfs.Device{{ID: 1, File: src, Size: devSize}}, mkfs.Options{Label: "dumped"})
	require.NoError(t, err)
	vol := openVolume(t, src, sb)

	var stream bytes.Buffer
	require.NoError(t, Dump(ctx, vol, sb, &stream, DumpOptions{Version: V1, CompressLevel: 9}))
	require.NotZero(t, stream.Len())
	assert.Zero(t, stream.Len()%clusterBlockSize)

	dst := newMemDev("dst", devSize)
	require.NoError(t, Restore(ctx, bytes.NewReader(stream.Bytes()), dst))

	got, err := superblock.ReadBest(ctx, asInt64File{dst}, devSize)
	require.NoError(t, err)
	assert.Equal(t, sb.FSUUID, got.FSUUID)
	assert.Equal(t, sb.Generation, got.Generation)
	assert.Equal(t, sb.RootTree, got.RootTree)
	assert.Equal(t, sb.ChunkTree, got.ChunkTree)

	// Walking the restored filesystem yields the same tree contents.
	dstVol := openVolume(t, dst, got)
	srcForrest := btrfstree.RawForrest{NodeSource: btrfstree.RawNodeSource{Reader: vol, SB: sb}}
	dstForrest := btrfstree.RawForrest{NodeSource: btrfstree.RawNodeSource{Reader: dstVol, SB: got}}
	srcRoot, err := srcForrest.ForrestLookup(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	require.NoError(t, err)
	dstRoot, err := dstForrest.ForrestLookup(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	require.NoError(t, err)

	var srcKeys, dstKeys []string
	require.NoError(t, srcRoot.TreeRange(ctx, func(item btrfstree.Item) bool {
		srcKeys = append(srcKeys, item.Key.Format(btrfsprim.ROOT_TREE_OBJECTID))
		return true
	}))
	require.NoError(t, dstRoot.TreeRange(ctx, func(item btrfstree.Item) bool {
		dstKeys = append(dstKeys, item.Key.Format(btrfsprim.ROOT_TREE_OBJECTID))
		return true
	}))
	assert.Equal(t, srcKeys, dstKeys)
}

func TestCollideNamePreservesHash(t *testing.T) {
	for _, name := range []string{"hello.txt", "a-much-longer-file-name-to-collide", "abcde"} {
		repl := collideName([]byte(name))
		require.NotNil(t, repl, "collideName(%q)", name)
		assert.Len(t, repl, len(name))
		assert.NotEqual(t, []byte(name), repl)
		assert.Equal(t, btrfsitem.NameHash([]byte(name)), btrfsitem.NameHash(repl))
	}
}

func TestCollideNameTooShortFallsBack(t *testing.T) {
	assert.Nil(t, collideName([]byte("ab")))
	assert.Nil(t, collideName([]byte("abcd")))
}
