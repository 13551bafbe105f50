// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfssum"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/chunkalloc"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/freespace"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/linux"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/rootforest"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

// ImageSubvolName is the subvolume that holds the foreign
// filesystem's byte-exact image ("ext2_saved" for
// an ext2/3/4 source).
const ImageSubvolName = "ext2_saved"

// ImageFileName is the name of the single file within ImageSubvolName
// whose file extents are the foreign filesystem's byte layout.
const ImageFileName = "image"

// Options configures Convert.
type Options struct {
	NodeSize     uint32
	SectorSize   uint32
	ChecksumType btrfssum.CSumType
	Label        string
	FSUUID       btrfsprim.UUID
	DeviceID     btrfsvol.DeviceID

	// NoDataSum marks the image inode (and every reflinked file)
	// NODATASUM, for conversions run without data checksumming.
	NoDataSum bool
}

func (o *Options) setDefaults() {
	if o.NodeSize == 0 {
		o.NodeSize = 0x4000
	}
	if o.SectorSize == 0 {
		o.SectorSize = 0x1000
	}
	if o.ChecksumType == 0 {
		o.ChecksumType = btrfssum.TYPE_CRC32
	}
	if o.DeviceID == 0 {
		o.DeviceID = 1
	}
}

// builder holds the state threaded through one Convert call; grounded
// on internal/mkfs's builder (the same bootstrap-single-leaves approach),
// extended to exclude the foreign filesystem's own bytes from the
// physical placements it hands out and to keep going past bootstrap
// via internal/rootforest instead of stopping once the bootstrap leaves
// are written.
type builder struct {
	opts       Options
	dev        diskio.File[btrfsvol.PhysicalAddr]
	deviceSize int64

	vol           btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]
	mgr           chunkalloc.Manager
	chunkTreeUUID btrfsprim.UUID
	devUUID       btrfsprim.UUID
	sysChunks     []btrfstree.SysChunk
	transid       btrfsprim.Generation
}

// Convert turns the foreign filesystem described
// by foreign (already resident on dev) into a btrfs filesystem in
// place, without copying foreign file data except for bytes that must
// be relocated out of a reserved range.
func Convert(ctx context.Context, dev diskio.File[btrfsvol.PhysicalAddr], foreign ForeignFS, opts Options) (btrfstree.Superblock, error) {
	opts.setDefaults()
	deviceSize := int64(dev.Size())
	if foreign.TotalBytes() > deviceSize {
		return btrfstree.Superblock{}, fmt.Errorf("convert: foreign filesystem (%d bytes) is larger than the device (%d bytes)", foreign.TotalBytes(), deviceSize)
	}
	if opts.FSUUID.IsZero() {
		return btrfstree.Superblock{}, fmt.Errorf("convert: Options.FSUUID must be set")
	}

	used, err := foreign.UsedExtents(ctx)
	if err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("convert: scanning used extents: %w", err)
	}

	reserved := chunkalloc.ReservedRanges(deviceSize)
	dataChunks := computeDataChunks(used, deviceSize)
	free := freeRanges(dataChunks, reserved, deviceSize)

	relocs, relocChunks, err := planRelocations(used, reserved, free)
	if err != nil {
		return btrfstree.Superblock{}, err
	}
	dataChunks = mergeRanges(append(append([]DataChunk(nil), dataChunks...), relocChunks...))

	// Move the relocated bytes now, while the reserved ranges still
	// hold the foreign filesystem's own data -- nothing else has
	// touched the device yet (they must move out of the reserved range before anything else touches the device).
	for _, r := range relocs.Relocations {
		buf := make([]byte, r.Length)
		if _, err := dev.ReadAt(buf, btrfsvol.PhysicalAddr(r.OldOffset)); err != nil {
			return btrfstree.Superblock{}, btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("convert: reading relocated bytes: %w", err))
		}
		if _, err := dev.WriteAt(buf, btrfsvol.PhysicalAddr(r.NewOffset)); err != nil {
			return btrfstree.Superblock{}, btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("convert: writing relocated bytes: %w", err))
		}
	}

	chunkTreeUUID, err := randomUUID()
	if err != nil {
		return btrfstree.Superblock{}, err
	}
	b := &builder{
		opts:          opts,
		dev:           dev,
		deviceSize:    deviceSize,
		chunkTreeUUID: chunkTreeUUID,
		transid:       1,
	}
	b.mgr.Volume = &b.vol
	if err := b.vol.AddPhysicalVolume(opts.DeviceID, dev); err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("convert: %w", err)
	}
	b.mgr.AddDevice(opts.DeviceID, deviceSize)
	for _, c := range dataChunks {
		// Every byte a 1:1 image/data chunk will cover is off-limits
		// to the bump allocator that places new SYSTEM/METADATA
		// chunks -- those chunks are inserted by hand below, bypassing
		// AllocChunk entirely (see internal/chunkalloc.ExcludeRange's
		// doc comment).
		b.mgr.ExcludeRange(opts.DeviceID, c.Start, c.Length)
	}
	// The 1:1 image/data region occupies logical addresses
	// [0, deviceSize) directly; every chunk this package allocates
	// through the normal bump allocator must live above that.
	b.mgr.SeedNextLogical(btrfsvol.LogicalAddr(deviceSize))

	sb, forest, err := b.bootstrap(ctx)
	if err != nil {
		return btrfstree.Superblock{}, err
	}

	if err := b.insertDataChunks(ctx, forest, dataChunks); err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("convert: recording data chunks: %w", err)
	}

	imageID, err := forest.CreateSubvolume(ctx, rootforest.CreateSubvolumeOptions{
		ParentTreeID: btrfsprim.FS_TREE_OBJECTID,
		Name:         ImageSubvolName,
	})
	if err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("convert: creating %s subvolume: %w", ImageSubvolName, err)
	}
	if err := b.writeImageInode(ctx, forest, imageID, foreign, used, relocs); err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("convert: writing image inode: %w", err)
	}

	inodes, err := foreign.CopyInodes(ctx)
	if err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("convert: copying inodes: %w", err)
	}
	if err := b.copyInodes(ctx, forest, inodes, relocs); err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("convert: copying inodes: %w", err)
	}

	// Finalisation: flush every tree and write the new superblock's
	// mirrors, then and only then zero the foreign FS's primary
	// superblock region (migrateSuperblock) -- up to this point the
	// foreign filesystem is still mountable.
	if err := b.commit(ctx, forest, sb); err != nil {
		return btrfstree.Superblock{}, err
	}

	return forest.Superblock, nil
}

func randomUUID() (btrfsprim.UUID, error) {
	var uuid btrfsprim.UUID
	if _, err := rand.Read(uuid[:]); err != nil {
		return uuid, fmt.Errorf("convert: generating uuid: %w", err)
	}
	return uuid, nil
}

func (b *builder) allocChunk(ctx context.Context, flags btrfsvol.BlockGroupFlags, minLen btrfsvol.AddrDelta) (chunkalloc.ChunkPlan, error) {
	var plan chunkalloc.ChunkPlan
	b.mgr.OnChunk = func(_ context.Context, p chunkalloc.ChunkPlan) error {
		plan = p
		return nil
	}
	if _, err := b.mgr.AllocChunk(ctx, flags, minLen); err != nil {
		return chunkalloc.ChunkPlan{}, err
	}
	return plan, nil
}

// bootstrap hand-assembles seven single-leaf trees
// (chunk/root/extent/device/checksum/uuid/fs) -- internal/mkfs's
// bootstrap set without its data-relocation tree -- placed
// entirely outside of the foreign filesystem's used bytes thanks to
// the ExcludeRange calls Convert already made, and returns a
// rootforest.Forest ready for further Insert calls.
func (b *builder) bootstrap(ctx context.Context) (btrfstree.Superblock, *rootforest.Forest, error) {
	sysPlan, err := b.allocChunk(ctx, btrfsvol.BLOCK_GROUP_SYSTEM, btrfsvol.AddrDelta(b.opts.NodeSize))
	if err != nil {
		return btrfstree.Superblock{}, nil, fmt.Errorf("convert: allocating system chunk: %w", err)
	}
	metaPlan, err := b.allocChunk(ctx, btrfsvol.BLOCK_GROUP_METADATA, btrfsvol.AddrDelta(6*b.opts.NodeSize))
	if err != nil {
		return btrfstree.Superblock{}, nil, fmt.Errorf("convert: allocating metadata chunk: %w", err)
	}

	chunkTreeAddr := sysPlan.Logical
	rootTreeAddr := metaPlan.Logical
	extentTreeAddr := rootTreeAddr.Add(btrfsvol.AddrDelta(b.opts.NodeSize))
	devTreeAddr := extentTreeAddr.Add(btrfsvol.AddrDelta(b.opts.NodeSize))
	csumTreeAddr := devTreeAddr.Add(btrfsvol.AddrDelta(b.opts.NodeSize))
	uuidTreeAddr := csumTreeAddr.Add(btrfsvol.AddrDelta(b.opts.NodeSize))
	fsTreeAddr := uuidTreeAddr.Add(btrfsvol.AddrDelta(b.opts.NodeSize))

	fsTreeUUID, err := randomUUID()
	if err != nil {
		return btrfstree.Superblock{}, nil, err
	}

	devUUID, err := randomUUID()
	if err != nil {
		return btrfstree.Superblock{}, nil, err
	}
	b.devUUID = devUUID
	devItem := btrfsitem.Dev{
		DevID:          b.opts.DeviceID,
		NumBytes:       uint64(b.deviceSize),
		IOOptimalAlign: b.opts.SectorSize,
		IOOptimalWidth: b.opts.SectorSize,
		IOMinSize:      b.opts.SectorSize,
		Generation:     b.transid,
		DevUUID:        devUUID,
		FSUUID:         b.opts.FSUUID,
	}

	chunkLeaf := b.buildChunkLeaf(chunkTreeAddr, devItem, devUUID, []chunkalloc.ChunkPlan{sysPlan, metaPlan})
	devLeaf := b.buildDevLeaf(devTreeAddr, []chunkalloc.ChunkPlan{sysPlan, metaPlan})
	extentLeaf := b.buildExtentLeaf(extentTreeAddr, []struct {
		addr  btrfsvol.LogicalAddr
		owner btrfsprim.ObjID
	}{
		{chunkTreeAddr, btrfsprim.CHUNK_TREE_OBJECTID},
		{rootTreeAddr, btrfsprim.ROOT_TREE_OBJECTID},
		{extentTreeAddr, btrfsprim.EXTENT_TREE_OBJECTID},
		{devTreeAddr, btrfsprim.DEV_TREE_OBJECTID},
		{csumTreeAddr, btrfsprim.CSUM_TREE_OBJECTID},
		{uuidTreeAddr, btrfsprim.UUID_TREE_OBJECTID},
		{fsTreeAddr, btrfsprim.FS_TREE_OBJECTID},
	}, []chunkalloc.ChunkPlan{sysPlan, metaPlan})
	rootLeaf := b.buildRootLeaf(rootTreeAddr, map[btrfsprim.ObjID]rootLeafEntry{
		btrfsprim.EXTENT_TREE_OBJECTID: {addr: extentTreeAddr},
		btrfsprim.DEV_TREE_OBJECTID:    {addr: devTreeAddr},
		btrfsprim.CSUM_TREE_OBJECTID:   {addr: csumTreeAddr},
		btrfsprim.UUID_TREE_OBJECTID:   {addr: uuidTreeAddr},
		btrfsprim.FS_TREE_OBJECTID:     {addr: fsTreeAddr, uuid: fsTreeUUID},
	})
	csumLeaf := b.buildNode(csumTreeAddr, btrfsprim.CSUM_TREE_OBJECTID, nil)
	uuidLeaf := b.buildNode(uuidTreeAddr, btrfsprim.UUID_TREE_OBJECTID, nil)
	fsLeaf := b.buildFSLeaf(fsTreeAddr)

	for _, n := range []*btrfstree.Node{chunkLeaf, rootLeaf, extentLeaf, devLeaf, csumLeaf, uuidLeaf, fsLeaf} {
		if err := b.writeNode(n); err != nil {
			return btrfstree.Superblock{}, nil, fmt.Errorf("convert: %w", err)
		}
	}

	sb, err := b.buildSuperblock(chunkTreeAddr, rootTreeAddr, devItem)
	if err != nil {
		return btrfstree.Superblock{}, nil, err
	}
	if err := superblock.WriteAllMirrors(ctx, asSyncFile{b.dev}, sb); err != nil {
		return btrfstree.Superblock{}, nil, fmt.Errorf("convert: writing bootstrap superblock: %w", err)
	}

	alloc := &freespace.Allocator{Chunks: &b.mgr, NodeSize: btrfsvol.AddrDelta(b.opts.NodeSize)}
	// Register the free space left over in the bootstrap chunks after
	// their fixed leaves (this package's own growth draws from here
	// before AllocChunk ever grows the filesystem again).
	alloc.AddBlockGroup(freespace.NewBlockGroup(
		rootTreeAddr.Add(btrfsvol.AddrDelta(6*b.opts.NodeSize)),
		metaPlan.Length-btrfsvol.AddrDelta(6*b.opts.NodeSize),
		metaPlan.Flags,
	))
	if sysPlan.Length > btrfsvol.AddrDelta(b.opts.NodeSize) {
		alloc.AddBlockGroup(freespace.NewBlockGroup(
			chunkTreeAddr.Add(btrfsvol.AddrDelta(b.opts.NodeSize)),
			sysPlan.Length-btrfsvol.AddrDelta(b.opts.NodeSize),
			sysPlan.Flags,
		))
	}

	forest := &rootforest.Forest{
		Volume:     &b.vol,
		Alloc:      alloc,
		Superblock: sb,
		Transid:    b.transid,
	}
	alloc.Extents = &extentRecorder{forest: forest}
	return sb, forest, nil
}

func (b *builder) buildNode(addr btrfsvol.LogicalAddr, owner btrfsprim.ObjID, items []btrfstree.Item) *btrfstree.Node {
	sort.Slice(items, func(i, j int) bool { return items[i].Key.Cmp(items[j].Key) < 0 })
	return &btrfstree.Node{
		Size:         b.opts.NodeSize,
		ChecksumType: b.opts.ChecksumType,
		Head: btrfstree.NodeHeader{
			MetadataUUID:  b.opts.FSUUID,
			Addr:          addr,
			Flags:         btrfstree.NodeWritten,
			ChunkTreeUUID: b.chunkTreeUUID,
			Generation:    b.transid,
			Owner:         owner,
			Level:         0,
		},
		BodyLeaf: items,
	}
}

func (b *builder) writeNode(node *btrfstree.Node) error {
	csum, err := node.CalculateChecksum()
	if err != nil {
		return err
	}
	node.Head.Checksum = csum
	buf, err := binstruct.Marshal(*node)
	if err != nil {
		return err
	}
	if _, err := b.vol.WriteAt(buf, node.Head.Addr); err != nil {
		return btrfsio.Wrap(btrfsio.KindIoError, err)
	}
	return nil
}

func (b *builder) buildChunkLeaf(addr btrfsvol.LogicalAddr, dev btrfsitem.Dev, devUUID btrfsprim.UUID, plans []chunkalloc.ChunkPlan) *btrfstree.Node {
	items := []btrfstree.Item{{
		Key:  btrfsprim.Key{ObjectID: btrfsprim.DEV_ITEMS_OBJECTID, ItemType: btrfsprim.DEV_ITEM_KEY, Offset: uint64(dev.DevID)},
		Body: &dev,
	}}
	for _, plan := range plans {
		stripes := make([]btrfsitem.ChunkStripe, 0, len(plan.Stripes))
		for _, s := range plan.Stripes {
			stripes = append(stripes, btrfsitem.ChunkStripe{DeviceID: s.DevID, Offset: s.Offset, DeviceUUID: devUUID})
		}
		chunk := &btrfsitem.Chunk{
			Head: btrfsitem.ChunkHeader{
				Size:           plan.Length,
				Owner:          btrfsprim.EXTENT_TREE_OBJECTID,
				StripeLen:      plan.StripeLen,
				Type:           plan.Flags,
				IOOptimalAlign: b.opts.SectorSize,
				IOOptimalWidth: b.opts.SectorSize,
				IOMinSize:      b.opts.SectorSize,
				SubStripes:     plan.SubStripes,
			},
			Stripes: stripes,
		}
		key := btrfsprim.Key{ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: uint64(plan.Logical)}
		items = append(items, btrfstree.Item{Key: key, Body: chunk})
		if plan.Flags.Has(btrfsvol.BLOCK_GROUP_SYSTEM) {
			b.sysChunks = append(b.sysChunks, btrfstree.SysChunk{Key: key, Chunk: *chunk})
		}
	}
	return b.buildNode(addr, btrfsprim.CHUNK_TREE_OBJECTID, items)
}

func (b *builder) buildDevLeaf(addr btrfsvol.LogicalAddr, plans []chunkalloc.ChunkPlan) *btrfstree.Node {
	var items []btrfstree.Item
	for _, plan := range plans {
		for _, s := range plan.Stripes {
			s := s
			items = append(items, btrfstree.Item{
				Key: btrfsprim.Key{ObjectID: btrfsprim.ObjID(s.DevID), ItemType: btrfsprim.DEV_EXTENT_KEY, Offset: uint64(s.Offset)},
				Body: &btrfsitem.DevExtent{
					ChunkTree:     btrfsprim.CHUNK_TREE_OBJECTID,
					ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
					ChunkOffset:   plan.Logical,
					Length:        plan.Length,
					ChunkTreeUUID: b.chunkTreeUUID,
				},
			})
		}
	}
	return b.buildNode(addr, btrfsprim.DEV_TREE_OBJECTID, items)
}

func (b *builder) buildExtentLeaf(addr btrfsvol.LogicalAddr, metaBlocks []struct {
	addr  btrfsvol.LogicalAddr
	owner btrfsprim.ObjID
}, plans []chunkalloc.ChunkPlan) *btrfstree.Node {
	var items []btrfstree.Item
	for _, blk := range metaBlocks {
		owner := blk.owner
		items = append(items, btrfstree.Item{
			Key: btrfsprim.Key{ObjectID: btrfsprim.ObjID(blk.addr), ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: uint64(b.opts.NodeSize)},
			Body: &btrfsitem.Extent{
				Head: btrfsitem.ExtentHeader{Refs: 1, Generation: b.transid, Flags: btrfsitem.EXTENT_FLAG_TREE_BLOCK},
				Info: btrfsitem.TreeBlockInfo{Level: 0},
				Refs: []btrfsitem.ExtentInlineRef{{Type: btrfsprim.TREE_BLOCK_REF_KEY, Offset: uint64(owner)}},
			},
		})
	}
	usedPerChunk := uint64(len(metaBlocks)-1) * uint64(b.opts.NodeSize)
	for _, plan := range plans {
		used := usedPerChunk
		if plan.Flags.Has(btrfsvol.BLOCK_GROUP_SYSTEM) {
			used = uint64(b.opts.NodeSize)
		}
		items = append(items, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(plan.Logical), ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY, Offset: uint64(plan.Length)},
			Body: &btrfsitem.BlockGroup{Used: int64(used), ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, Flags: plan.Flags},
		})
	}
	return b.buildNode(addr, btrfsprim.EXTENT_TREE_OBJECTID, items)
}

type rootLeafEntry struct {
	addr btrfsvol.LogicalAddr
	uuid btrfsprim.UUID
}

// buildRootLeaf seeds the root tree with a ROOT_ITEM per well-known
// tree, so LookupTreeRoot can resolve every tree that isn't
// superblock-resident (the same set make_btrfs() seeds).
func (b *builder) buildRootLeaf(addr btrfsvol.LogicalAddr, roots map[btrfsprim.ObjID]rootLeafEntry) *btrfstree.Node {
	var items []btrfstree.Item
	for treeID, entry := range roots {
		root := &btrfsitem.Root{
			Inode:        btrfsitem.Inode{Generation: btrfsprim.Generation(b.transid), NLink: 1, Size: 0, Mode: linux.ModeFmtDir | 0o755},
			Generation:   b.transid,
			GenerationV2: b.transid,
			RootDirID:    btrfsprim.FIRST_FREE_OBJECTID,
			ByteNr:       entry.addr,
			Refs:         1,
			Level:        0,
			UUID:         entry.uuid,
		}
		items = append(items, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: treeID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: uint64(b.transid)},
			Body: root,
		})
	}
	return b.buildNode(addr, btrfsprim.ROOT_TREE_OBJECTID, items)
}

func (b *builder) buildFSLeaf(addr btrfsvol.LogicalAddr) *btrfstree.Node {
	rootDirID := btrfsprim.FIRST_FREE_OBJECTID
	items := []btrfstree.Item{
		{
			Key: btrfsprim.Key{ObjectID: rootDirID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
			Body: &btrfsitem.Inode{
				Generation: btrfsprim.Generation(b.transid),
				TransID:    int64(b.transid),
				NLink:      1,
				Mode:       linux.ModeFmtDir | 0o755,
			},
		},
		{
			Key:  btrfsprim.Key{ObjectID: rootDirID, ItemType: btrfsprim.INODE_REF_KEY, Offset: uint64(rootDirID)},
			Body: &btrfsitem.InodeRef{Index: 0, Name: []byte{}},
		},
	}
	return b.buildNode(addr, btrfsprim.FS_TREE_OBJECTID, items)
}

func (b *builder) buildSuperblock(chunkTreeAddr, rootTreeAddr btrfsvol.LogicalAddr, devItem btrfsitem.Dev) (btrfstree.Superblock, error) {
	var sb btrfstree.Superblock
	sb.FSUUID = b.opts.FSUUID
	copy(sb.Magic[:], superblock.Magic[:])
	sb.Generation = b.transid
	sb.RootTree = rootTreeAddr
	sb.ChunkTree = chunkTreeAddr
	sb.TotalBytes = uint64(b.deviceSize)
	sb.RootDirObjectID = btrfsprim.FIRST_FREE_OBJECTID
	sb.NumDevices = 1
	sb.SectorSize = b.opts.SectorSize
	sb.NodeSize = b.opts.NodeSize
	sb.LeafSize = b.opts.NodeSize
	sb.StripeSize = b.opts.SectorSize
	sb.ChunkRootGeneration = b.transid
	sb.IncompatFlags = btrfstree.FeatureIncompatBigMetadata | btrfstree.FeatureIncompatExtendedIRef | btrfstree.FeatureIncompatSkinnyMetadata | btrfstree.FeatureIncompatNoHoles
	sb.ChecksumType = b.opts.ChecksumType
	sb.RootLevel = 0
	sb.ChunkLevel = 0
	sb.DevItem = devItem
	copy(sb.Label[:], []byte(b.opts.Label))

	var sysArray []byte
	for _, sc := range b.sysChunks {
		bs, err := binstruct.Marshal(sc)
		if err != nil {
			return btrfstree.Superblock{}, fmt.Errorf("convert: marshaling system chunk array: %w", err)
		}
		sysArray = append(sysArray, bs...)
	}
	if len(sysArray) > len(sb.SysChunkArray) {
		return btrfstree.Superblock{}, fmt.Errorf("convert: system chunk array overflow: %v > %v bytes", len(sysArray), len(sb.SysChunkArray))
	}
	copy(sb.SysChunkArray[:], sysArray)
	sb.SysChunkArraySize = uint32(len(sysArray))
	sb.BytesUsed = devItem.NumBytesUsed
	return sb, nil
}

// asSyncFile adapts a diskio.File[PhysicalAddr] to the plain
// diskio.File[int64] that internal/superblock deals in, reinterpreting
// physical addresses as byte offsets on the single device convert
// works with -- the same trick internal/mkfs uses.
type asSyncFile struct {
	diskio.File[btrfsvol.PhysicalAddr]
}

func (f asSyncFile) Name() string { return f.File.Name() }
func (f asSyncFile) Size() int64  { return int64(f.File.Size()) }
func (f asSyncFile) ReadAt(dat []byte, off int64) (int, error) {
	return f.File.ReadAt(dat, btrfsvol.PhysicalAddr(off))
}
func (f asSyncFile) WriteAt(dat []byte, off int64) (int, error) {
	return f.File.WriteAt(dat, btrfsvol.PhysicalAddr(off))
}
func (f asSyncFile) Sync() error { return nil }

// extentRecorder implements freespace.ExtentRecorder by recording
// tree-block extents into the forest's own extent tree -- the same
// TREE_BLOCK_REF shape internal/mkfs hand-assembles for its bootstrap
// blocks, generalized to every tree block this package allocates
// afterward via the normal COW path.
type extentRecorder struct {
	forest *rootforest.Forest
}

func (er *extentRecorder) RecordExtent(ctx context.Context, logical btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, owner btrfsprim.ObjID, metadata bool) error {
	tree, err := er.forest.OpenTree(ctx, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return err
	}
	item := &btrfsitem.Extent{Head: btrfsitem.ExtentHeader{Refs: 1, Generation: er.forest.Transid}}
	if metadata {
		item.Head.Flags = btrfsitem.EXTENT_FLAG_TREE_BLOCK
		item.Info = btrfsitem.TreeBlockInfo{Level: 0}
		item.Refs = []btrfsitem.ExtentInlineRef{{Type: btrfsprim.TREE_BLOCK_REF_KEY, Offset: uint64(owner)}}
	} else {
		item.Head.Flags = btrfsitem.EXTENT_FLAG_DATA
		item.Refs = []btrfsitem.ExtentInlineRef{{Type: btrfsprim.EXTENT_DATA_REF_KEY, Body: &btrfsitem.ExtentDataRef{Root: owner, Count: 1}}}
	}
	return tree.Insert(ctx, btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(logical), ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: uint64(length)},
		Body: item,
	})
}

func (er *extentRecorder) ForgetExtent(ctx context.Context, logical btrfsvol.LogicalAddr) error {
	// Nothing this package allocates is ever freed mid-conversion.
	return nil
}

func (b *builder) commit(ctx context.Context, forest *rootforest.Forest, sb btrfstree.Superblock) error {
	if err := forest.FlushRootItems(ctx, b.transid); err != nil {
		return fmt.Errorf("convert: flushing root items: %w", err)
	}
	final := forest.Superblock
	if root, level, _, ok := forest.TreeRoot(btrfsprim.ROOT_TREE_OBJECTID); ok {
		final.RootTree, final.RootLevel = root, level
	}
	if root, level, gen, ok := forest.TreeRoot(btrfsprim.CHUNK_TREE_OBJECTID); ok {
		final.ChunkTree, final.ChunkLevel, final.ChunkRootGeneration = root, level, gen
	}
	forest.Superblock = final
	if err := superblock.WriteAllMirrors(ctx, asSyncFile{b.dev}, final); err != nil {
		return fmt.Errorf("convert: writing final superblock: %w", err)
	}
	return b.migrateSuperblock(ctx)
}

// migrateSuperblock is the very last step of a conversion: with the
// new filesystem's trees and super mirrors durable, zero the device's
// first 64KiB -- the region holding the foreign filesystem's primary
// superblock (ext2's lives at byte 1024) -- so the old filesystem's
// signature stops being detectable or mountable. The same range was
// relocated into the image subvolume up front, which is how Rollback
// later resurrects it. Up to this write the foreign filesystem is
// still intact; after it, only the new one is. Grounded on the
// original convert's migrate_super_block.
func (b *builder) migrateSuperblock(ctx context.Context) error {
	zero := make([]byte, superblock.MirrorOffsets[0])
	if _, err := b.dev.WriteAt(zero, 0); err != nil {
		return btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("convert: erasing foreign superblock region: %w", err))
	}
	return nil
}
