// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/containers"
)

// DefaultNodeCacheSize is how many tree blocks a NodeCache holds; at
// the default 16KiB nodesize that bounds the cache at 16MiB.
const DefaultNodeCacheSize = 1024

// NodeCache is the extent-buffer cache: the verified bytes of tree
// blocks, keyed by logical bytenr. An entry is only ever inserted
// after its checksum has been validated (a read) or computed (a
// write), so a hit is always "up to date" and skips both the device
// read and the checksum verification; per-acquire expectations
// (level, generation, key bounds) are still checked on every hit,
// since those depend on where in a tree the caller is descending
// from.
//
// The underlying LRUCache is safe for concurrent use, but mutation of
// the blocks it describes is single-writer per filesystem: the one
// writer refreshes entries through its NodeWriter as it goes, and
// readers in the same process observe the refreshed bytes on their
// next acquire.
type NodeCache struct {
	lru *containers.LRUCache[btrfsvol.LogicalAddr, []byte]
}

func NewNodeCache(size int) *NodeCache {
	return &NodeCache{
		lru: containers.NewLRUCache[btrfsvol.LogicalAddr, []byte](size),
	}
}

// Acquire unmarshals the cached block at addr into a pooled Node,
// checking exp against it. It returns (nil, nil) on a cache miss.
func (c *NodeCache) Acquire(sb Superblock, addr btrfsvol.LogicalAddr, exp NodeExpectations) (*Node, error) {
	buf, ok := c.lru.Get(addr)
	if !ok {
		return nil, nil
	}
	node, _ := nodePool.Get()
	node.Size = sb.NodeSize
	node.ChecksumType = sb.ChecksumType
	if _, err := binstruct.Unmarshal(buf, node); err != nil {
		// A cached block that no longer parses means the entry is
		// stale garbage; drop it and let the caller re-read.
		c.lru.Remove(addr)
		node.Free()
		return nil, nil
	}
	if err := exp.Check(node); err != nil {
		return node, &NodeError[btrfsvol.LogicalAddr]{Op: "btrfstree.NodeCache", NodeAddr: addr, Err: err}
	}
	return node, nil
}

// Insert records the verified bytes of the block at addr. The caller
// keeps ownership of buf; Insert copies it.
func (c *NodeCache) Insert(addr btrfsvol.LogicalAddr, buf []byte) {
	c.lru.Add(addr, append([]byte(nil), buf...))
}

// Remove drops the entry for addr (a freed or rewritten block).
func (c *NodeCache) Remove(addr btrfsvol.LogicalAddr) {
	c.lru.Remove(addr)
}
