// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package chunkalloc implements the device-selection half of the
// chunk/volume manager: picking which devices (and physical offsets
// on them) a new chunk's stripes land on, honouring the per-profile
// device-minimum table and the reserved ranges around the superblock
// mirrors. btrfsvol.LogicalVolume only ever records mappings that
// already exist on disk; this package is what mkfs and convert call
// to grow a brand new or in-place-converted filesystem.
package chunkalloc

import (
	"context"
	"fmt"
	"sort"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/freespace"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

// StripeAlignment is the 64KiB granularity the format requires every
// chunk/stripe to respect.
const StripeAlignment = 0x10000

// Range is a half-open physical byte range [Start, End).
type Range struct{ Start, End int64 }

func (r Range) overlaps(start, end int64) bool { return start < r.End && end > r.Start }

// ReservedRanges returns the physical ranges the on-disk format forbids ever
// allocating an extent or chunk stripe into, for a device of the given
// size: the first MiB, and 64KiB around each in-bounds secondary
// superblock mirror. Every device carries its own superblock copies at
// the same fixed offsets, so this applies per-device, not just to the
// device holding the primary.
func ReservedRanges(deviceSize int64) []Range {
	ranges := []Range{{0, 1 << 20}}
	for _, off := range superblock.MirrorOffsets[1:] {
		if off+0x10000 <= deviceSize {
			ranges = append(ranges, Range{off, off + 0x10000})
		}
	}
	return ranges
}

func alignUp(v, align int64) int64 {
	if rem := v % align; rem != 0 {
		v += align - rem
	}
	return v
}

// profileSpec captures the per-profile device-minimum table.
// The write path never splits a logical range across stripes
// (btrfsitem.Chunk.Mappings already maps every stripe to the chunk's
// full logical range rather than a sub-range, so this carries the
// same simplification forward rather than inventing true RAID0/5/6
// byte-level striping that nothing in this module's scope -- mkfs
// defaults to SINGLE, and convert's bit-exact invariant requires SINGLE
// -- ever reads back): NumStripes/SubStripes are recorded on the chunk
// item for format-compatibility and device-count validation, but every
// stripe is allocated as a full-length physical mirror.
type profileSpec struct {
	minDevices int
	numStripes int
	subStripes int
}

var profiles = []struct {
	flag btrfsvol.BlockGroupFlags
	spec profileSpec
}{
	{btrfsvol.BLOCK_GROUP_DUP, profileSpec{1, 2, 1}},
	{btrfsvol.BLOCK_GROUP_RAID1C4, profileSpec{4, 4, 1}},
	{btrfsvol.BLOCK_GROUP_RAID1C3, profileSpec{3, 3, 1}},
	{btrfsvol.BLOCK_GROUP_RAID10, profileSpec{4, 4, 2}},
	{btrfsvol.BLOCK_GROUP_RAID6, profileSpec{3, 3, 1}},
	{btrfsvol.BLOCK_GROUP_RAID5, profileSpec{2, 2, 1}},
	{btrfsvol.BLOCK_GROUP_RAID1, profileSpec{2, 2, 1}},
	{btrfsvol.BLOCK_GROUP_RAID0, profileSpec{2, 2, 1}},
}

func pickProfile(flags btrfsvol.BlockGroupFlags) (btrfsvol.BlockGroupFlags, profileSpec) {
	for _, p := range profiles {
		if flags.Has(p.flag) {
			return p.flag, p.spec
		}
	}
	return 0, profileSpec{minDevices: 1, numStripes: 1, subStripes: 1}
}

// deviceState is a bump allocator over one device's physical space: it
// tracks the next unused offset and skips reserved ranges as it goes.
// This is append-only (no dev-extent is ever freed in this module's
// scope -- mkfs and convert only ever grow a filesystem), so a cursor
// is sufficient; there's no need for the disjoint-interval-set
// machinery internal/freespace uses for the logical side, which does
// need to reclaim space across transactions.
type deviceState struct {
	id       btrfsvol.DeviceID
	size     int64
	next     int64
	reserved []Range
}

func (d *deviceState) reserve(length int64) (int64, error) {
	off := alignUp(d.next, StripeAlignment)
	for {
		conflict := false
		for _, r := range d.reserved {
			if r.overlaps(off, off+length) {
				off = alignUp(r.End, StripeAlignment)
				conflict = true
				break
			}
		}
		if !conflict {
			break
		}
	}
	if off+length > d.size {
		return 0, fmt.Errorf("chunkalloc: device %v has no %d contiguous free bytes (next=%d size=%d)", d.id, length, off, d.size)
	}
	d.next = off + length
	return off, nil
}

// Stripe is one device's contribution to a chunk.
type Stripe struct {
	DevID  btrfsvol.DeviceID
	Offset btrfsvol.PhysicalAddr
}

// ChunkPlan describes a chunk AllocChunk just carved out, for the
// caller (internal/mkfs, internal/rootforest, internal/convert) to
// persist as a CHUNK_ITEM plus one DEV_EXTENT per stripe.
type ChunkPlan struct {
	Logical    btrfsvol.LogicalAddr
	Length     btrfsvol.AddrDelta
	StripeLen  uint64
	SubStripes uint16
	Flags      btrfsvol.BlockGroupFlags
	Stripes    []Stripe
}

// Manager implements freespace.ChunkAllocator by choosing devices and
// physical offsets and recording the mapping into a LogicalVolume; it
// never itself writes a CHUNK_ITEM or DEV_EXTENT -- that's OnChunk's
// job, wired up by whichever package owns the chunk/dev trees.
type Manager struct {
	Volume *btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]
	OnChunk func(ctx context.Context, plan ChunkPlan) error

	// TotalBytes is the sum of every device's size, used to size
	// DATA chunks at up to 10% of the filesystem.
	TotalBytes int64

	devices     []*deviceState
	nextLogical btrfsvol.LogicalAddr
}

// AddDevice registers a device's usable size with the allocator. It
// must be called once per device before any chunk referencing that
// device can be allocated.
func (m *Manager) AddDevice(id btrfsvol.DeviceID, size int64) {
	m.devices = append(m.devices, &deviceState{
		id:       id,
		size:     size,
		reserved: ReservedRanges(size),
	})
	m.TotalBytes += size
}

// ExcludeRange marks [start, start+length) on device id as unavailable
// to future AllocChunk placements, in addition to the fixed reserved
// ranges every device already carries. internal/convert uses this
// before allocating its own bootstrap SYSTEM/METADATA chunks, to keep
// them off of the physical bytes the foreign filesystem's data already
// occupies (those bytes become 1:1 logical==physical image chunks that
// this package never allocates through the normal bump allocator).
func (m *Manager) ExcludeRange(id btrfsvol.DeviceID, start, length int64) {
	if d := m.deviceByID(id); d != nil {
		d.reserved = append(d.reserved, Range{start, start + length})
	}
}

// SeedNextLogical ensures every subsequent AllocChunk call places its
// chunk's logical range at or above addr. internal/convert calls this
// with (at least) the foreign filesystem's total size before
// allocating any new chunk, since its own 1:1-mapped image chunks
// already occupy the logical range [0, foreign size) directly (outside
// of this allocator's bookkeeping).
func (m *Manager) SeedNextLogical(addr btrfsvol.LogicalAddr) {
	if addr > m.nextLogical {
		m.nextLogical = addr
	}
}

func (m *Manager) deviceByID(id btrfsvol.DeviceID) *deviceState {
	for _, d := range m.devices {
		if d.id == id {
			return d
		}
	}
	return nil
}

// targetSize implements the chunk sizing table: DATA chunks target
// min(1GiB, 10% of fs size), METADATA 256MiB, SYSTEM 4MiB; all clamped
// up to whatever the caller actually needs (minLen) and aligned to the
// stripe granularity.
func (m *Manager) targetSize(flags btrfsvol.BlockGroupFlags, minLen btrfsvol.AddrDelta) btrfsvol.AddrDelta {
	var target int64
	switch {
	case flags.Has(btrfsvol.BLOCK_GROUP_SYSTEM):
		target = 4 << 20
	case flags.Has(btrfsvol.BLOCK_GROUP_METADATA):
		target = 256 << 20
	default:
		target = 1 << 30
		if tenPct := m.TotalBytes / 10; tenPct < target {
			target = tenPct
		}
	}
	if int64(minLen) > target {
		target = int64(minLen)
	}
	return btrfsvol.AddrDelta(alignUp(target, StripeAlignment))
}

// AllocChunk implements internal/freespace.ChunkAllocator: pick a
// profile's devices, reserve matching physical ranges on each
// (avoiding the reserved ranges and any prior allocation on that
// device), record the mapping in Volume, invoke OnChunk so the caller
// can persist it, and return a fresh, entirely-free BlockGroup for
// internal/freespace to hand out reservations from.
func (m *Manager) AllocChunk(ctx context.Context, flags btrfsvol.BlockGroupFlags, minLen btrfsvol.AddrDelta) (*freespace.BlockGroup, error) {
	profileFlag, spec := pickProfile(flags)
	if len(m.devices) < spec.minDevices {
		return nil, btrfsio.Wrap(btrfsio.KindNoSpace, fmt.Errorf("chunkalloc: profile %v needs %d devices, have %d", profileFlag, spec.minDevices, len(m.devices)))
	}

	length := m.targetSize(flags, minLen)

	// Pick numStripes devices: DUP repeats the first device;
	// everything else round-robins across distinct devices in
	// ascending device-ID order (stable and simple; there's no
	// load-balancing requirement here).
	ordered := append([]*deviceState(nil), m.devices...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	var chosen []*deviceState
	if profileFlag == btrfsvol.BLOCK_GROUP_DUP {
		for i := 0; i < spec.numStripes; i++ {
			chosen = append(chosen, ordered[0])
		}
	} else {
		for i := 0; i < spec.numStripes; i++ {
			chosen = append(chosen, ordered[i%len(ordered)])
		}
	}

	// The target size is a ceiling, not a requirement: halve it until
	// every chosen device can fit its stripe, stopping at what the
	// caller actually needs (sizes are "clamped to free contiguous
	// device space"). A failed attempt restores each device's cursor
	// before retrying smaller.
	minNeeded := btrfsvol.AddrDelta(alignUp(int64(minLen), StripeAlignment))
	if minNeeded < StripeAlignment {
		minNeeded = StripeAlignment
	}
	var stripes []Stripe
	for {
		saved := make([]int64, len(chosen))
		for i, dev := range chosen {
			saved[i] = dev.next
		}
		stripes = stripes[:0]
		var reserveErr error
		for i, dev := range chosen {
			off, err := dev.reserve(int64(length))
			if err != nil {
				reserveErr = err
				for j, d := range chosen[:i+1] {
					d.next = saved[j]
				}
				break
			}
			stripes = append(stripes, Stripe{DevID: dev.id, Offset: btrfsvol.PhysicalAddr(off)})
		}
		if reserveErr == nil {
			break
		}
		if length <= minNeeded {
			return nil, btrfsio.Wrap(btrfsio.KindNoSpace, reserveErr)
		}
		length = btrfsvol.AddrDelta(alignUp(int64(length)/2, StripeAlignment))
		if length < minNeeded {
			length = minNeeded
		}
	}

	logical := m.nextLogical
	m.nextLogical = logical.Add(length)

	profileCopy := profileFlag | (flags &^ btrfsvol.BLOCK_GROUP_RAID_MASK &^ btrfsvol.BLOCK_GROUP_RAID0)
	for _, s := range stripes {
		if err := m.Volume.AddMapping(btrfsvol.Mapping{
			LAddr:      logical,
			PAddr:      btrfsvol.QualifiedPhysicalAddr{Dev: s.DevID, Addr: s.Offset},
			Size:       length,
			SizeLocked: true,
			Flags:      &profileCopy,
		}); err != nil {
			return nil, fmt.Errorf("chunkalloc: recording mapping: %w", err)
		}
	}

	plan := ChunkPlan{
		Logical:    logical,
		Length:     length,
		StripeLen:  StripeAlignment,
		SubStripes: uint16(spec.subStripes),
		Flags:      profileCopy,
		Stripes:    stripes,
	}
	if m.OnChunk != nil {
		if err := m.OnChunk(ctx, plan); err != nil {
			return nil, err
		}
	}

	return freespace.NewBlockGroup(logical, length, profileCopy), nil
}

// AllocSystemRange is used once, at mkfs bootstrap, to hand out the
// very first chunk (the SYSTEM chunk that the chunk tree itself lives
// in) before there is a chunk tree to look anything up in; it behaves
// identically to AllocChunk but is named separately so callers'
// bootstrap sequencing reads clearly.
func (m *Manager) AllocSystemRange(ctx context.Context, minLen btrfsvol.AddrDelta) (*freespace.BlockGroup, error) {
	return m.AllocChunk(ctx, btrfsvol.BLOCK_GROUP_SYSTEM, minLen)
}
