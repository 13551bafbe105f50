// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package receive_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/chunkalloc"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/freespace"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/mkfs"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/receive"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/rootforest"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/sendstream"
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

// setupForest formats an in-memory device and opens a write-capable
// forest over it, the way cmd/btrfs-receive's StartWrite wiring does
// for a real device.
func setupForest(t *testing.T) *rootforest.Forest {
	t.Helper()
	const devSize = 512 << 20
	ctx := context.Background()
	dev := newMemDev("dev", devSize)
	sb, err := mkfs.Format(ctx, []mkfs.Device{{ID: 1, File: dev, Size: devSize}}, mkfs.Options{})
	require.NoError(t, err)

	vol := new(btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]])
	require.NoError(t, vol.AddPhysicalVolume(1, dev))
	sysChunks, err := sb.ParseSysChunkArray()
	require.NoError(t, err)
	for _, sc := range sysChunks {
		for _, m := range sc.Chunk.Mappings(sc.Key) {
			require.NoError(t, vol.AddMapping(m))
		}
	}
	forrest := btrfstree.RawForrest{NodeSource: btrfstree.RawNodeSource{Reader: vol, SB: sb}}
	chunkTree, err := forrest.ForrestLookup(ctx, btrfsprim.CHUNK_TREE_OBJECTID)
	require.NoError(t, err)
	require.NoError(t, chunkTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if chunk, ok := item.Body.(*btrfsitem.Chunk); ok {
			for _, m := range chunk.Mappings(item.Key) {
				_ = vol.AddMapping(m)
			}
		}
		return true
	}))

	mgr := &chunkalloc.Manager{Volume: vol}
	mgr.AddDevice(1, devSize)
	var maxLogical btrfsvol.LogicalAddr
	for _, m := range vol.Mappings() {
		if end := m.LAddr.Add(m.Size); end > maxLogical {
			maxLogical = end
		}
	}
	mgr.SeedNextLogical(maxLogical)
	// Physical space below the existing chunks is taken; the bump
	// allocator must not hand it out again.
	for _, m := range vol.Mappings() {
		mgr.ExcludeRange(m.PAddr.Dev, int64(m.PAddr.Addr), int64(m.Size))
	}

	alloc := &freespace.Allocator{Chunks: mgr, NodeSize: btrfsvol.AddrDelta(sb.NodeSize)}
	return &rootforest.Forest{
		Volume:     vol,
		Alloc:      alloc,
		Superblock: sb,
		Transid:    sb.Generation + 1,
	}
}

func u64le(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func pathAttr(p string) sendstream.TLV {
	return sendstream.TLV{Type: sendstream.AttrPath, Value: []byte(p)}
}

func buildStream(t *testing.T, cmds []struct {
	cmd   sendstream.Cmd
	attrs []sendstream.TLV
}) *sendstream.Reader {
	t.Helper()
	var buf bytes.Buffer
	w, err := sendstream.NewWriter(&buf, sendstream.Version1)
	require.NoError(t, err)
	for _, c := range cmds {
		require.NoError(t, w.WriteCommand(c.cmd, c.attrs))
	}
	r, err := sendstream.NewReader(&buf)
	require.NoError(t, err)
	return r
}

func TestReceiveMaterialisesSubvolume(t *testing.T) {
	ctx := context.Background()
	forest := setupForest(t)

	senderUUID := btrfsprim.UUID{0xaa, 0xbb, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	capValue := []byte{1, 0, 0, 2}
	stream := buildStream(t, []struct {
		cmd   sendstream.Cmd
		attrs []sendstream.TLV
	}{
		{sendstream.CmdSubvol, []sendstream.TLV{
			pathAttr("incoming"),
			{Type: sendstream.AttrUUID, Value: senderUUID[:]},
			{Type: sendstream.AttrCTransID, Value: u64le(77)},
		}},
		{sendstream.CmdMkdir, []sendstream.TLV{pathAttr("d")}},
		{sendstream.CmdMkfile, []sendstream.TLV{pathAttr("d/hello.txt")}},
		{sendstream.CmdWrite, []sendstream.TLV{
			pathAttr("d/hello.txt"),
			{Type: sendstream.AttrFileOffset, Value: u64le(0)},
			{Type: sendstream.AttrData, Value: []byte("hi\n")},
		}},
		{sendstream.CmdChmod, []sendstream.TLV{
			pathAttr("d/hello.txt"),
			{Type: sendstream.AttrMode, Value: u64le(0o600)},
		}},
		{sendstream.CmdSetXattr, []sendstream.TLV{
			pathAttr("d/hello.txt"),
			{Type: sendstream.AttrXattrName, Value: []byte("security.capability")},
			{Type: sendstream.AttrXattrData, Value: capValue},
		}},
		{sendstream.CmdChown, []sendstream.TLV{
			pathAttr("d/hello.txt"),
			{Type: sendstream.AttrUID, Value: u64le(1000)},
			{Type: sendstream.AttrGID, Value: u64le(1000)},
		}},
		{sendstream.CmdEnd, nil},
	})

	rc := &receive.Receiver{Forest: forest}
	res, err := rc.Apply(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 8, res.CommandsApplied)
	assert.Zero(t, res.Errors)

	// The subvolume exists and is linked under the default subvolume.
	fsTree, err := forest.ReadTree(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	subvolItem, err := fsTree.TreeLookup(ctx, btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_FREE_OBJECTID,
		ItemType: btrfsprim.DIR_ITEM_KEY,
		Offset:   btrfsitem.NameHash([]byte("incoming")),
	})
	require.NoError(t, err)
	subvolID := subvolItem.Body.(*btrfsitem.DirEntry).Location.ObjectID

	subvol, err := forest.ReadTree(ctx, subvolID)
	require.NoError(t, err)
	dirItem, err := subvol.TreeLookup(ctx, btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_FREE_OBJECTID,
		ItemType: btrfsprim.DIR_ITEM_KEY,
		Offset:   btrfsitem.NameHash([]byte("d")),
	})
	require.NoError(t, err)
	dirID := dirItem.Body.(*btrfsitem.DirEntry).Location.ObjectID

	fileItem, err := subvol.TreeLookup(ctx, btrfsprim.Key{
		ObjectID: dirID,
		ItemType: btrfsprim.DIR_ITEM_KEY,
		Offset:   btrfsitem.NameHash([]byte("hello.txt")),
	})
	require.NoError(t, err)
	fileID := fileItem.Body.(*btrfsitem.DirEntry).Location.ObjectID

	inodeItem, err := subvol.TreeLookup(ctx, btrfsprim.Key{ObjectID: fileID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0})
	require.NoError(t, err)
	ino := inodeItem.Body.(*btrfsitem.Inode)
	assert.EqualValues(t, 3, ino.Size)
	assert.EqualValues(t, 1000, ino.UID)
	assert.EqualValues(t, 0o600, uint64(ino.Mode)&0o7777)

	extItem, err := subvol.TreeLookup(ctx, btrfsprim.Key{ObjectID: fileID, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: 0})
	require.NoError(t, err)
	fe := extItem.Body.(*btrfsitem.FileExtent)
	assert.Equal(t, btrfsitem.FILE_EXTENT_INLINE, fe.Type)
	assert.Equal(t, []byte("hi\n"), fe.BodyInline)

	// The capability xattr survived the CHOWN (the replay-after-chown rule).
	capItem, err := subvol.TreeLookup(ctx, btrfsprim.Key{
		ObjectID: fileID,
		ItemType: btrfsprim.XATTR_ITEM_KEY,
		Offset:   btrfsitem.NameHash([]byte("security.capability")),
	})
	require.NoError(t, err)
	assert.Equal(t, capValue, capItem.Body.(*btrfsitem.DirEntry).Data)

	// END bound the received-UUID and marked the subvolume read-only.
	rootTree, err := forest.ReadTree(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	require.NoError(t, err)
	var gotRoot *btrfsitem.Root
	require.NoError(t, rootTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		if item.Key.ObjectID == subvolID && item.Key.ItemType == btrfsprim.ROOT_ITEM_KEY {
			gotRoot = item.Body.(*btrfsitem.Root)
			return false
		}
		return true
	}))
	require.NotNil(t, gotRoot)
	assert.Equal(t, senderUUID, gotRoot.ReceivedUUID)
	assert.EqualValues(t, 77, gotRoot.STransID)
	assert.True(t, gotRoot.Flags.Has(btrfsitem.ROOT_SUBVOL_RDONLY))
}

func TestReceiveRejectsPathEscape(t *testing.T) {
	ctx := context.Background()
	forest := setupForest(t)

	uuid := btrfsprim.UUID{0x01}
	stream := buildStream(t, []struct {
		cmd   sendstream.Cmd
		attrs []sendstream.TLV
	}{
		{sendstream.CmdSubvol, []sendstream.TLV{
			pathAttr("incoming"),
			{Type: sendstream.AttrUUID, Value: uuid[:]},
			{Type: sendstream.AttrCTransID, Value: u64le(1)},
		}},
		{sendstream.CmdMkfile, []sendstream.TLV{pathAttr("../evil")}},
	})

	rc := &receive.Receiver{Forest: forest}
	res, err := rc.Apply(ctx, stream)
	assert.Error(t, err)
	assert.Equal(t, 1, res.Errors)
}

func TestReceiveCRCMismatchIsBadStream(t *testing.T) {
	var buf bytes.Buffer
	w, err := sendstream.NewWriter(&buf, sendstream.Version1)
	require.NoError(t, err)
	require.NoError(t, w.WriteCommand(sendstream.CmdSubvol, []sendstream.TLV{pathAttr("x")}))
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff // corrupt the command body

	r, err := sendstream.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	_, err = r.ReadCommand()
	assert.Error(t, err)
	assert.True(t, btrfsio.Is(err, btrfsio.KindBadStream))
}
