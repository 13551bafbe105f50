// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mkfs implements formatting a set of blank block
// devices into a new btrfs filesystem. It hand-assembles the initial
// chunk, device, root, extent, checksum, uuid, data-relocation, and
// default-subvolume trees
// as single leaf nodes -- the same bootstrap mkfs.c performs -- rather
// than driving the generic copy-on-write engine in
// internal/btrfs/btrfstree for a structure this small, then writes a
// superblock whose embedded system-chunk array makes the image
// mountable before the chunk tree has ever been read.
package mkfs

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
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/linux"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

// Device is one block device (or image file) to format.
type Device struct {
	ID   btrfsvol.DeviceID
	File diskio.File[btrfsvol.PhysicalAddr]
	Size int64
}

// DefaultIncompatFlags are the feature bits a new filesystem carries
// unless Options overrides them, matching mkfs.c's defaults.
const DefaultIncompatFlags = btrfstree.FeatureIncompatBigMetadata |
	btrfstree.FeatureIncompatExtendedIRef |
	btrfstree.FeatureIncompatSkinnyMetadata |
	btrfstree.FeatureIncompatNoHoles

// Options configures Format. The zero value is usable; setDefaults
// fills in everything a caller leaves unset.
type Options struct {
	NodeSize      uint32
	SectorSize    uint32
	Label         string
	ChecksumType  btrfssum.CSumType
	IncompatFlags btrfstree.IncompatFlags
	FSUUID        btrfsprim.UUID // zero means "generate randomly"
}

func randomUUID() (btrfsprim.UUID, error) {
	var uuid btrfsprim.UUID
	if _, err := rand.Read(uuid[:]); err != nil {
		return uuid, fmt.Errorf("mkfs: generating uuid: %w", err)
	}
	return uuid, nil
}

func (o *Options) setDefaults() error {
	if o.NodeSize == 0 {
		o.NodeSize = 0x4000 // 16KiB
	}
	if o.SectorSize == 0 {
		o.SectorSize = 0x1000 // 4KiB
	}
	if o.ChecksumType == 0 {
		o.ChecksumType = btrfssum.TYPE_CRC32
	}
	if o.IncompatFlags == 0 {
		o.IncompatFlags = DefaultIncompatFlags
	}
	if o.FSUUID.IsZero() {
		uuid, err := randomUUID()
		if err != nil {
			return err
		}
		o.FSUUID = uuid
	}
	return nil
}

// builder holds the state threaded through one Format call.
type builder struct {
	opts          Options
	vol           btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]
	mgr           chunkalloc.Manager
	devUUID       map[btrfsvol.DeviceID]btrfsprim.UUID
	chunkTreeUUID btrfsprim.UUID
	sysChunks     []btrfstree.SysChunk
	devItems      []btrfsitem.Dev

	transid btrfsprim.Generation
}

// Format writes a brand-new, single-transaction filesystem across
// devices, and returns the superblock that was written to every
// device (mirrors included).
func Format(ctx context.Context, devices []Device, opts Options) (btrfstree.Superblock, error) {
	if len(devices) == 0 {
		return btrfstree.Superblock{}, fmt.Errorf("mkfs: no devices given")
	}
	if err := opts.setDefaults(); err != nil {
		return btrfstree.Superblock{}, err
	}
	chunkTreeUUID, err := randomUUID()
	if err != nil {
		return btrfstree.Superblock{}, err
	}

	b := &builder{
		opts:          opts,
		mgr:           chunkalloc.Manager{},
		devUUID:       make(map[btrfsvol.DeviceID]btrfsprim.UUID, len(devices)),
		chunkTreeUUID: chunkTreeUUID,
		transid:       1,
	}
	b.mgr.Volume = &b.vol

	sortedDevices := append([]Device(nil), devices...)
	sort.Slice(sortedDevices, func(i, j int) bool { return sortedDevices[i].ID < sortedDevices[j].ID })

	var totalBytes uint64
	for _, dev := range sortedDevices {
		if err := b.vol.AddPhysicalVolume(dev.ID, dev.File); err != nil {
			return btrfstree.Superblock{}, fmt.Errorf("mkfs: %w", err)
		}
		b.mgr.AddDevice(dev.ID, dev.Size)
		devUUID, err := randomUUID()
		if err != nil {
			return btrfstree.Superblock{}, err
		}
		b.devUUID[dev.ID] = devUUID
		b.devItems = append(b.devItems, btrfsitem.Dev{
			DevID:          dev.ID,
			NumBytes:       uint64(dev.Size),
			NumBytesUsed:   0, // fixed up below, once chunks are allocated
			IOOptimalAlign: opts.SectorSize,
			IOOptimalWidth: opts.SectorSize,
			IOMinSize:      opts.SectorSize,
			Generation:     b.transid,
			DevUUID:        devUUID,
			FSUUID:         opts.FSUUID,
		})
		totalBytes += uint64(dev.Size)
	}

	// The chunk tree's own root node lives in the bootstrap SYSTEM
	// chunk; everything else (root/extent/device/checksum/default-fs
	// trees) lives in one METADATA chunk. This mirrors mkfs.c's
	// make_btrfs(), which allocates exactly these two chunks before a
	// single byte of tree content exists.
	sysPlan, err := b.allocChunk(ctx, btrfsvol.BLOCK_GROUP_SYSTEM, btrfsvol.AddrDelta(opts.NodeSize))
	if err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("mkfs: allocating system chunk: %w", err)
	}
	metaPlan, err := b.allocChunk(ctx, btrfsvol.BLOCK_GROUP_METADATA, btrfsvol.AddrDelta(7*opts.NodeSize))
	if err != nil {
		return btrfstree.Superblock{}, fmt.Errorf("mkfs: allocating metadata chunk: %w", err)
	}

	chunkTreeAddr := sysPlan.Logical
	rootTreeAddr := metaPlan.Logical
	extentTreeAddr := rootTreeAddr.Add(btrfsvol.AddrDelta(opts.NodeSize))
	devTreeAddr := extentTreeAddr.Add(btrfsvol.AddrDelta(opts.NodeSize))
	csumTreeAddr := devTreeAddr.Add(btrfsvol.AddrDelta(opts.NodeSize))
	uuidTreeAddr := csumTreeAddr.Add(btrfsvol.AddrDelta(opts.NodeSize))
	fsTreeAddr := uuidTreeAddr.Add(btrfsvol.AddrDelta(opts.NodeSize))
	dataRelocTreeAddr := fsTreeAddr.Add(btrfsvol.AddrDelta(opts.NodeSize))

	fsTreeUUID, err := randomUUID()
	if err != nil {
		return btrfstree.Superblock{}, err
	}

	metaBlocks := []struct {
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
		{dataRelocTreeAddr, btrfsprim.DATA_RELOC_TREE_OBJECTID},
	}

	// Fix up NumBytesUsed now that both chunks are placed.
	usedPerDev := make(map[btrfsvol.DeviceID]uint64)
	for _, plan := range []chunkalloc.ChunkPlan{sysPlan, metaPlan} {
		for _, s := range plan.Stripes {
			usedPerDev[s.DevID] += uint64(plan.Length)
		}
	}
	for i := range b.devItems {
		b.devItems[i].NumBytesUsed = usedPerDev[b.devItems[i].DevID]
	}

	chunkLeaf := b.buildChunkLeaf(chunkTreeAddr, []chunkalloc.ChunkPlan{sysPlan, metaPlan})
	devLeaf := b.buildDevLeaf(devTreeAddr, []chunkalloc.ChunkPlan{sysPlan, metaPlan})
	extentLeaf := b.buildExtentLeaf(extentTreeAddr, metaBlocks, []chunkalloc.ChunkPlan{sysPlan, metaPlan})
	rootLeaf := b.buildRootLeaf(rootTreeAddr, []wellKnownRoot{
		{btrfsprim.EXTENT_TREE_OBJECTID, extentTreeAddr, btrfsprim.UUID{}},
		{btrfsprim.DEV_TREE_OBJECTID, devTreeAddr, btrfsprim.UUID{}},
		{btrfsprim.CSUM_TREE_OBJECTID, csumTreeAddr, btrfsprim.UUID{}},
		{btrfsprim.UUID_TREE_OBJECTID, uuidTreeAddr, btrfsprim.UUID{}},
		{btrfsprim.FS_TREE_OBJECTID, fsTreeAddr, fsTreeUUID},
		{btrfsprim.DATA_RELOC_TREE_OBJECTID, dataRelocTreeAddr, btrfsprim.UUID{}},
	})
	csumLeaf := b.buildNode(csumTreeAddr, btrfsprim.CSUM_TREE_OBJECTID, 0, nil)
	uuidLeaf := b.buildNode(uuidTreeAddr, btrfsprim.UUID_TREE_OBJECTID, 0, nil)
	fsLeaf := b.buildFSLeaf(fsTreeAddr, btrfsprim.FS_TREE_OBJECTID)
	dataRelocLeaf := b.buildFSLeaf(dataRelocTreeAddr, btrfsprim.DATA_RELOC_TREE_OBJECTID)

	for _, n := range []*btrfstree.Node{chunkLeaf, devLeaf, extentLeaf, rootLeaf, csumLeaf, uuidLeaf, fsLeaf, dataRelocLeaf} {
		if err := b.writeNode(n); err != nil {
			return btrfstree.Superblock{}, fmt.Errorf("mkfs: %w", err)
		}
	}

	sb, err := b.buildSuperblock(chunkTreeAddr, rootTreeAddr, extentTreeAddr, totalBytes, sysPlan)
	if err != nil {
		return btrfstree.Superblock{}, err
	}

	// Every device carries a full copy of the superblock -- including
	// every other device's chunk/root pointers -- but its own DevItem,
	// per real btrfs_super_block semantics.
	pvs := b.vol.PhysicalVolumes()
	for i, dev := range b.devItems {
		pv, ok := pvs[dev.DevID]
		if !ok {
			return btrfstree.Superblock{}, fmt.Errorf("mkfs: internal error: lost track of device %v", dev.DevID)
		}
		perDevSB := sb
		perDevSB.DevItem = b.devItems[i]
		if err := superblock.WriteAllMirrors(ctx, asSyncFile{pv}, perDevSB); err != nil {
			return btrfstree.Superblock{}, fmt.Errorf("mkfs: writing superblock to device %v: %w", dev.DevID, err)
		}
	}
	sb.DevItem = b.devItems[0]
	return sb, nil
}

// asSyncFile adapts a diskio.File to superblock.WriteAllMirrors' wider
// diskio.File[int64] requirement by reinterpreting physical addresses
// as plain byte offsets on whichever single device it wraps -- valid
// because a PhysicalAddr is already a byte offset local to one device.
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

// buildNode assembles a leaf node at addr, sorting items into key
// order, and returns it unwritten (caller still needs to writeNode
// it). Level is always 0: nothing this package formats needs more
// than one leaf per tree.
func (b *builder) buildNode(addr btrfsvol.LogicalAddr, owner btrfsprim.ObjID, level uint8, items []btrfstree.Item) *btrfstree.Node {
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
			Level:         level,
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

func (b *builder) buildChunkLeaf(addr btrfsvol.LogicalAddr, plans []chunkalloc.ChunkPlan) *btrfstree.Node {
	var items []btrfstree.Item
	for _, dev := range b.devItems {
		dev := dev
		items = append(items, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.DEV_ITEMS_OBJECTID, ItemType: btrfsprim.DEV_ITEM_KEY, Offset: uint64(dev.DevID)},
			Body: &dev,
		})
	}
	for _, plan := range plans {
		stripes := make([]btrfsitem.ChunkStripe, 0, len(plan.Stripes))
		for _, s := range plan.Stripes {
			stripes = append(stripes, btrfsitem.ChunkStripe{
				DeviceID:   s.DevID,
				Offset:     s.Offset,
				DeviceUUID: b.devUUID[s.DevID],
			})
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
	return b.buildNode(addr, btrfsprim.CHUNK_TREE_OBJECTID, 0, items)
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
	return b.buildNode(addr, btrfsprim.DEV_TREE_OBJECTID, 0, items)
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
				Head: btrfsitem.ExtentHeader{
					Refs:       1,
					Generation: b.transid,
					Flags:      btrfsitem.EXTENT_FLAG_TREE_BLOCK,
				},
				Info: btrfsitem.TreeBlockInfo{Level: 0},
				Refs: []btrfsitem.ExtentInlineRef{
					{Type: btrfsprim.TREE_BLOCK_REF_KEY, Offset: uint64(owner)},
				},
			},
		})
	}

	usedPerChunk := uint64(len(metaBlocks)-1) * uint64(b.opts.NodeSize) // every tree but the chunk tree lives in the metadata chunk
	for _, plan := range plans {
		used := uint64(0)
		if plan.Flags.Has(btrfsvol.BLOCK_GROUP_SYSTEM) {
			used = uint64(b.opts.NodeSize) // just the chunk tree root
		} else {
			used = usedPerChunk
		}
		items = append(items, btrfstree.Item{
			Key: btrfsprim.Key{ObjectID: btrfsprim.ObjID(plan.Logical), ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY, Offset: uint64(plan.Length)},
			Body: &btrfsitem.BlockGroup{
				Used:          int64(used),
				ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
				Flags:         plan.Flags,
			},
		})
	}

	return b.buildNode(addr, btrfsprim.EXTENT_TREE_OBJECTID, 0, items)
}

// wellKnownRoot is one entry of the initial root tree: every tree other
// than the superblock-resident root and chunk trees is located through
// a ROOT_ITEM here, the same set make_btrfs() seeds.
type wellKnownRoot struct {
	TreeID btrfsprim.ObjID
	Addr   btrfsvol.LogicalAddr
	UUID   btrfsprim.UUID
}

func (b *builder) buildRootLeaf(addr btrfsvol.LogicalAddr, roots []wellKnownRoot) *btrfstree.Node {
	var items []btrfstree.Item
	for _, r := range roots {
		root := &btrfsitem.Root{
			Inode: btrfsitem.Inode{
				Generation: btrfsprim.Generation(b.transid),
				NLink:      1,
				Size:       3,
				Mode:       linux.ModeFmtDir | 0o755,
			},
			Generation:   b.transid,
			GenerationV2: b.transid,
			RootDirID:    btrfsprim.FIRST_FREE_OBJECTID,
			ByteNr:       r.Addr,
			Refs:         1,
			Level:        0,
			UUID:         r.UUID,
		}
		items = append(items, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: r.TreeID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: uint64(b.transid)},
			Body: root,
		})
	}
	return b.buildNode(addr, btrfsprim.ROOT_TREE_OBJECTID, 0, items)
}

func (b *builder) buildFSLeaf(addr btrfsvol.LogicalAddr, owner btrfsprim.ObjID) *btrfstree.Node {
	rootDirID := btrfsprim.FIRST_FREE_OBJECTID
	items := []btrfstree.Item{
		{
			Key: btrfsprim.Key{ObjectID: rootDirID, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0},
			Body: &btrfsitem.Inode{
				Generation: btrfsprim.Generation(b.transid),
				TransID:    int64(b.transid),
				Size:       0,
				NLink:      1,
				Mode:       linux.ModeFmtDir | 0o755,
			},
		},
		{
			Key: btrfsprim.Key{ObjectID: rootDirID, ItemType: btrfsprim.INODE_REF_KEY, Offset: uint64(rootDirID)},
			Body: &btrfsitem.InodeRef{
				Index: 0,
				Name:  []byte{},
			},
		},
	}
	return b.buildNode(addr, owner, 0, items)
}

func (b *builder) buildSuperblock(chunkTreeAddr, rootTreeAddr, extentTreeAddr btrfsvol.LogicalAddr, totalBytes uint64, sysPlan chunkalloc.ChunkPlan) (btrfstree.Superblock, error) {
	var sb btrfstree.Superblock
	sb.FSUUID = b.opts.FSUUID
	copy(sb.Magic[:], superblock.Magic[:])
	sb.Generation = b.transid
	sb.RootTree = rootTreeAddr
	sb.ChunkTree = chunkTreeAddr
	sb.TotalBytes = totalBytes
	sb.BytesUsed = uint64(sysPlan.Length) // fixed up below to include the metadata chunk too
	sb.RootDirObjectID = btrfsprim.FIRST_FREE_OBJECTID
	sb.NumDevices = uint64(len(b.devItems))
	sb.SectorSize = b.opts.SectorSize
	sb.NodeSize = b.opts.NodeSize
	sb.LeafSize = b.opts.NodeSize
	sb.StripeSize = b.opts.SectorSize
	sb.ChunkRootGeneration = b.transid
	sb.IncompatFlags = b.opts.IncompatFlags
	sb.ChecksumType = b.opts.ChecksumType
	sb.RootLevel = 0
	sb.ChunkLevel = 0

	if len(b.devItems) > 0 {
		sb.DevItem = b.devItems[0]
	}
	copy(sb.Label[:], []byte(b.opts.Label))

	var sysArray []byte
	for _, sc := range b.sysChunks {
		bs, err := binstruct.Marshal(sc)
		if err != nil {
			return btrfstree.Superblock{}, fmt.Errorf("mkfs: marshaling system chunk array: %w", err)
		}
		sysArray = append(sysArray, bs...)
	}
	if len(sysArray) > len(sb.SysChunkArray) {
		return btrfstree.Superblock{}, fmt.Errorf("mkfs: system chunk array overflow: %v > %v bytes", len(sysArray), len(sb.SysChunkArray))
	}
	copy(sb.SysChunkArray[:], sysArray)
	sb.SysChunkArraySize = uint32(len(sysArray))

	var used uint64
	for _, dev := range b.devItems {
		used += dev.NumBytesUsed
	}
	sb.BytesUsed = used

	return sb, nil
}
