// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transaction implements a single-writer-per-fs_info
// transaction manager sitting on top of btrfstree.MutableTree and
// internal/freespace's Allocator, with one long-lived fs_info and
// many short-lived callers: a Manager holds the one write transaction a filesystem
// may have open at a time, and commit_transaction follows the
// eight-step commit protocol, including the secondaries-then-primary
// super-mirror order that internal/superblock already implements.
package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/freespace"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

// RootTracker is how the transaction manager learns the final
// RootAddr/RootLevel/RootGeneration of every tree that was touched
// during the transaction, so that commit can fold them back into the
// superblock (for the four trees with a dedicated superblock field) or
// into root items (for everything else, via internal/rootforest, which
// implements this interface).
type RootTracker interface {
	// DirtyRoots returns every tree ID whose root changed since the
	// last commit, in no particular order.
	DirtyRoots() []btrfsprim.ObjID
	// TreeRoot returns the current (possibly uncommitted) root of
	// a tree.
	TreeRoot(treeID btrfsprim.ObjID) (addr btrfsvol.LogicalAddr, level uint8, gen btrfsprim.Generation, ok bool)
	// FlushRootItems persists any ROOT_ITEM updates implied by
	// DirtyRoots into the root tree itself (step 1 of commit). It
	// is a no-op if nothing but the four
	// superblock-resident trees changed.
	FlushRootItems(ctx context.Context, transid btrfsprim.Generation) error
}

// Device is the subset of diskio.File the manager needs to fsync
// between super-mirror writes (the commit barriers).
type Device interface {
	diskio.File[int64]
	Sync() error
}

// Manager owns the one write transaction a filesystem may have open at
// a time (at most one write transaction may be live). It is
// not safe for concurrent Start/Commit calls; callers serialize
// through it.
type Manager struct {
	Device     Device
	Allocator  *freespace.Allocator
	Roots      RootTracker
	Superblock btrfstree.Superblock

	mu      sync.Mutex
	current *Handle
}

// Handle is the single live write transaction. Its Transid is the
// generation being written; every MutableTree sharing this transaction
// must be constructed with this same Transid so that cow_block's
// "already dirty this transaction" check (mutable.go's `cow`) agrees
// across trees.
type Handle struct {
	mgr     *Manager
	Transid btrfsprim.Generation
	done    bool
}

// StartTransaction implements start_transaction: it
// forbids a second concurrent writer rather than joining, per the
// Open Question's "implementation choice; serialise writers at
// minimum" -- the simplest discipline that is still correct.
func (m *Manager) StartTransaction(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil, btrfsio.Wrap(btrfsio.KindBusy, fmt.Errorf("transaction: a write transaction is already open at transid=%v", m.current.Transid))
	}
	h := &Handle{
		mgr:     m,
		Transid: m.Superblock.Generation + 1,
	}
	m.current = h
	return h, nil
}

// CommitTransaction runs the eight-step commit protocol. Any failure
// before step 7 (primary super write) leaves the filesystem at the
// previous committed generation, because nothing before that point is
// reachable from the on-disk primary superblock.
func (h *Handle) CommitTransaction(ctx context.Context) error {
	if h.done {
		return fmt.Errorf("transaction: handle already committed or aborted")
	}
	m := h.mgr

	// Step 1: flush any pending ROOT_ITEM updates (subvolume roots
	// that changed this transaction). Commit writes no free-space
	// accounting into the extent tree; an allocator with an
	// ExtentRecorder records extents as it hands them out.
	if m.Roots != nil {
		if err := m.Roots.FlushRootItems(ctx, h.Transid); err != nil {
			return fmt.Errorf("transaction: flushing root items: %w", err)
		}
	}

	// Step 2: dirty tree blocks were already written as they were
	// COW'd (MutableTree.Write calls NodeWriter.WriteNode eagerly);
	// there is nothing left to flush here, matching the commit protocol's
	// "may be written in any order -- each is self-verifying".

	// Step 3: barrier.
	if err := m.Device.Sync(); err != nil {
		return btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("transaction: pre-commit sync: %w", err))
	}

	// Step 4: update the superblock's roots and generation.
	sb := m.Superblock
	sb.Generation = h.Transid
	if root, level, gen, ok := m.Roots.TreeRoot(btrfsprim.ROOT_TREE_OBJECTID); ok {
		sb.RootTree = root
		sb.RootLevel = level
		_ = gen
	}
	if root, level, gen, ok := m.Roots.TreeRoot(btrfsprim.CHUNK_TREE_OBJECTID); ok {
		sb.ChunkTree = root
		sb.ChunkLevel = level
		sb.ChunkRootGeneration = gen
	}
	if root, level, _, ok := m.Roots.TreeRoot(btrfsprim.TREE_LOG_OBJECTID); ok {
		sb.LogTree = root
		sb.LogLevel = level
	}
	m.Superblock = sb

	// Step 5+6: write secondary mirrors, barrier; step 7+8: write
	// primary, barrier -- all performed by WriteAllMirrors, which
	// implements exactly this secondaries-then-primary discipline
	// (see internal/superblock's doc comment; the original C code is
	// inconsistent about this; this module is not).
	if err := superblock.WriteAllMirrors(ctx, m.Device, sb); err != nil {
		return fmt.Errorf("transaction: writing superblock: %w", err)
	}
	if err := m.Device.Sync(); err != nil {
		return btrfsio.Wrap(btrfsio.KindIoError, fmt.Errorf("transaction: post-commit sync: %w", err))
	}

	// Now that the new generation is durable, extents freed during
	// this transaction may be reused.
	if m.Allocator != nil {
		m.Allocator.CommitPinned()
	}

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	h.done = true
	return nil
}

// AbortTransaction discards the handle without touching the
// superblock; any blocks allocated during the transaction are leaked
// from the allocator's point of view until the next open re-scans the
// (unchanged, on-disk) extent tree, matching "the on-disk state is
// unchanged because nothing has reached the primary super" .
func (h *Handle) AbortTransaction() {
	if h.done {
		return
	}
	m := h.mgr
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	h.done = true
}
