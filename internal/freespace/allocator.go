// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package freespace implements the free-space and extent allocator
//: an in-memory interval set of free logical ranges per
// block group, plus the reservation API (reserve_metadata,
// reserve_data, free_extent) that every write path (the B-tree
// engine's cow_block, mkfs, convert, receive) allocates and frees tree
// blocks and file extents through.
package freespace

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
)

// extent is a disjoint [Start, Start+Len) free range. BlockGroup keeps
// its free list sorted by Start and merges adjacent/overlapping
// extents eagerly, so the list is always in canonical form; a plain
// sorted slice is enough here (unlike the general-purpose augmented
// interval tree the recovery tooling uses for overlap queries) because
// free space is always disjoint by construction.
type extent struct {
	Start btrfsvol.LogicalAddr
	Len   btrfsvol.AddrDelta
}

func (e extent) end() btrfsvol.LogicalAddr { return e.Start.Add(e.Len) }

// BlockGroup tracks the free space within one chunk-allocated block
// group.
type BlockGroup struct {
	Start btrfsvol.LogicalAddr
	Len   btrfsvol.AddrDelta
	Flags btrfsvol.BlockGroupFlags

	free []extent
}

// NewBlockGroup creates a block group whose entire span starts out
// free, as it would be immediately after ChunkAllocator.AllocChunk.
func NewBlockGroup(start btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, flags btrfsvol.BlockGroupFlags) *BlockGroup {
	return &BlockGroup{
		Start: start,
		Len:   length,
		Flags: flags,
		free:  []extent{{Start: start, Len: length}},
	}
}

func (bg *BlockGroup) freeBytes() btrfsvol.AddrDelta {
	var sum btrfsvol.AddrDelta
	for _, e := range bg.free {
		sum += e.Len
	}
	return sum
}

// reserve finds and removes the lowest-address free range of at least
// size bytes, returning its start address. It returns ok=false if no
// single free range is big enough.
func (bg *BlockGroup) reserve(size btrfsvol.AddrDelta) (btrfsvol.LogicalAddr, bool) {
	for i, e := range bg.free {
		if e.Len < size {
			continue
		}
		addr := e.Start
		if e.Len == size {
			bg.free = append(bg.free[:i], bg.free[i+1:]...)
		} else {
			bg.free[i] = extent{Start: e.Start.Add(btrfsvol.AddrDelta(size)), Len: e.Len - size}
		}
		return addr, true
	}
	return 0, false
}

// release adds [addr, addr+size) back to the free list, merging with
// any adjacent free ranges.
func (bg *BlockGroup) release(addr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) {
	e := extent{Start: addr, Len: size}
	idx := sort.Search(len(bg.free), func(i int) bool { return bg.free[i].Start >= e.Start })
	bg.free = append(bg.free, extent{})
	copy(bg.free[idx+1:], bg.free[idx:])
	bg.free[idx] = e
	bg.coalesce()
}

func (bg *BlockGroup) coalesce() {
	if len(bg.free) < 2 {
		return
	}
	out := bg.free[:1]
	for _, e := range bg.free[1:] {
		last := &out[len(out)-1]
		if last.end() >= e.Start {
			if e.end() > last.end() {
				last.Len = e.end().Sub(last.Start)
			}
			continue
		}
		out = append(out, e)
	}
	bg.free = out
}

// ChunkAllocator is how the allocator grows the filesystem when no
// existing block group has enough free space: it's implemented by
// whatever layer owns the chunk tree and device-extent bookkeeping
// (internal/chunkalloc's Manager); a new chunk is allocated only when
// necessary.
type ChunkAllocator interface {
	AllocChunk(ctx context.Context, flags btrfsvol.BlockGroupFlags, minLen btrfsvol.AddrDelta) (*BlockGroup, error)
}

// ExtentRecorder records an allocated (or freed) extent's
// extent-item + backref into the extent tree, so the next mount's
// accounting matches what was handed out. It's implemented by
// internal/convert's extent recorder; when an Allocator's Extents is
// nil, its reservations and frees are not recorded in the extent tree.
type ExtentRecorder interface {
	RecordExtent(ctx context.Context, logical btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, owner btrfsprim.ObjID, metadata bool) error
	ForgetExtent(ctx context.Context, logical btrfsvol.LogicalAddr) error
}

// Allocator is the per-filesystem free-space tracker. It is
// single-writer (one writer per filesystem): callers serialize through the same
// transaction manager that serializes MutableTree.
type Allocator struct {
	Chunks  ChunkAllocator
	Extents ExtentRecorder

	// NodeSize is the tree-block size AllocTreeBlock/FreeTreeBlock
	// reserve, normally the filesystem's superblock.NodeSize. If
	// zero, a conservative 0x4000 default is used.
	NodeSize btrfsvol.AddrDelta

	mu     sync.Mutex
	groups []*BlockGroup
	// pinned holds extents freed during the current transaction;
	// they aren't returned to their block group's free list until
	// CommitPinned is called at transaction-commit completion, so
	// that a block freed this transaction is never reused by a
	// later allocation in the same transaction (the old data is
	// still reachable from the previous generation's root on disk
	// until the commit is durable).
	pinned []pinnedExtent
}

type pinnedExtent struct {
	groupIdx int
	addr     btrfsvol.LogicalAddr
	size     btrfsvol.AddrDelta
}

// AddBlockGroup registers a block group (freshly chunk-allocated, or
// recovered from an EXTENT/CHUNK tree scan) with the allocator.
func (a *Allocator) AddBlockGroup(bg *BlockGroup) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups = append(a.groups, bg)
}

// reserve tries every existing block group matching flags, in order,
// growing via Chunks.AllocChunk only once none of them has enough
// contiguous space.
func (a *Allocator) reserve(ctx context.Context, flags btrfsvol.BlockGroupFlags, size btrfsvol.AddrDelta) (btrfsvol.LogicalAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dataBits := flags &^ btrfsvol.BLOCK_GROUP_RAID_MASK
	for _, bg := range a.groups {
		if !bg.Flags.Has(dataBits) {
			continue
		}
		if addr, ok := bg.reserve(size); ok {
			return addr, nil
		}
	}
	if a.Chunks == nil {
		return 0, btrfsio.Wrap(btrfsio.KindNoSpace, fmt.Errorf("no block group has %d free bytes and no chunk allocator is configured", size))
	}
	bg, err := a.Chunks.AllocChunk(ctx, flags, size)
	if err != nil {
		return 0, btrfsio.Wrap(btrfsio.KindNoSpace, err)
	}
	a.groups = append(a.groups, bg)
	addr, ok := bg.reserve(size)
	if !ok {
		return 0, btrfsio.Wrap(btrfsio.KindInvariant, fmt.Errorf("freshly allocated chunk of %d bytes can't satisfy a %d byte reservation", bg.Len, size))
	}
	return addr, nil
}

// ReserveMetadata implements `reserve_metadata(bytes) →
// logical`: prefer an existing METADATA block group, growing the
// filesystem only when necessary.
func (a *Allocator) ReserveMetadata(ctx context.Context, size btrfsvol.AddrDelta) (btrfsvol.LogicalAddr, error) {
	return a.reserve(ctx, btrfsvol.BLOCK_GROUP_METADATA, size)
}

// ReserveData implements `reserve_data(bytes, hint) →
// logical`. hint is advisory: it's tried first as a preferred block
// group (to keep a file's extents contiguous) and falls back to the
// general search when it can't satisfy the request.
func (a *Allocator) ReserveData(ctx context.Context, size btrfsvol.AddrDelta, hint btrfsvol.LogicalAddr) (btrfsvol.LogicalAddr, error) {
	a.mu.Lock()
	for _, bg := range a.groups {
		if hint >= bg.Start && hint < bg.Start.Add(bg.Len) && bg.Flags.Has(btrfsvol.BLOCK_GROUP_DATA) {
			if addr, ok := bg.reserve(size); ok {
				a.mu.Unlock()
				return addr, nil
			}
			break
		}
	}
	a.mu.Unlock()
	return a.reserve(ctx, btrfsvol.BLOCK_GROUP_DATA, size)
}

// FreeExtent implements `free_extent(logical, len)`: pins
// the range until the current transaction commits, at which point
// CommitPinned returns it to the owning block group's free set.
func (a *Allocator) FreeExtent(ctx context.Context, logical btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, bg := range a.groups {
		if logical >= bg.Start && logical < bg.Start.Add(bg.Len) {
			a.pinned = append(a.pinned, pinnedExtent{groupIdx: i, addr: logical, size: size})
			if a.Extents != nil {
				if err := a.Extents.ForgetExtent(ctx, logical); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return btrfsio.Wrap(btrfsio.KindInvariant, fmt.Errorf("freespace: %v is not within any known block group", logical))
}

// CommitPinned returns every extent freed since the last commit back
// to its block group's free list, once the commit that made those
// frees durable has finished.
func (a *Allocator) CommitPinned() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pinned {
		a.groups[p.groupIdx].release(p.addr, p.size)
	}
	a.pinned = nil
}

// AllocTreeBlock implements btrfstree.BlockAllocator: tree blocks are
// metadata-class reservations sized to one node, recorded into the
// extent tree as tree-block refs owned by the given tree ID.
func (a *Allocator) nodeSize() btrfsvol.AddrDelta {
	if a.NodeSize == 0 {
		return 0x4000
	}
	return a.NodeSize
}

func (a *Allocator) AllocTreeBlock(ctx context.Context, owner btrfsprim.ObjID, level uint8) (btrfsvol.LogicalAddr, error) {
	_ = level
	size := a.nodeSize()
	addr, err := a.ReserveMetadata(ctx, size)
	if err != nil {
		return 0, err
	}
	if a.Extents != nil {
		if err := a.Extents.RecordExtent(ctx, addr, size, owner, true); err != nil {
			return 0, err
		}
	}
	return addr, nil
}

// FreeTreeBlock implements btrfstree.BlockAllocator.
func (a *Allocator) FreeTreeBlock(ctx context.Context, addr btrfsvol.LogicalAddr, level uint8) error {
	_ = level
	return a.FreeExtent(ctx, addr, a.nodeSize())
}

// FixBlockAccounting rebuilds the extent tree from the allocator's
// current block-group/free-space state: every currently-allocated (non-free)
// range in every block group is recorded via ExtentRecorder, as if it
// had just been reserved.
func (a *Allocator) FixBlockAccounting(ctx context.Context, owner btrfsprim.ObjID) error {
	if a.Extents == nil {
		return btrfsio.Wrap(btrfsio.KindInvariant, fmt.Errorf("freespace: FixBlockAccounting called with no ExtentRecorder configured"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, bg := range a.groups {
		cursor := bg.Start
		for _, free := range bg.free {
			if free.Start > cursor {
				if err := a.Extents.RecordExtent(ctx, cursor, free.Start.Sub(cursor), owner, bg.Flags.Has(btrfsvol.BLOCK_GROUP_METADATA)); err != nil {
					return err
				}
			}
			cursor = free.end()
		}
		if end := bg.Start.Add(bg.Len); cursor < end {
			if err := a.Extents.RecordExtent(ctx, cursor, end.Sub(cursor), owner, bg.Flags.Has(btrfsvol.BLOCK_GROUP_METADATA)); err != nil {
				return err
			}
		}
	}
	return nil
}
