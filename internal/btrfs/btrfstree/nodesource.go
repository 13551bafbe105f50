// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
)

// RawNodeSource is the simplest possible NodeSource: it reads nodes
// out of a logical-address-space diskio.ReaderAt using ReadNode,
// consulting a fixed Superblock for sizing and checksum parameters,
// and (when Cache is set) keeping verified blocks in a bytenr-keyed
// extent-buffer cache so hot blocks skip the device read and checksum
// pass. A rootforest/volume-manager layer composes on top of this the
// same way, just with a fancier ReaderAt that resolves logical
// addresses across multiple devices.
type RawNodeSource struct {
	Reader diskio.ReaderAt[btrfsvol.LogicalAddr]
	SB     Superblock
	Cache  *NodeCache // optional; nil reads always hit the device
}

var _ NodeSource = RawNodeSource{}

func (fs RawNodeSource) Superblock() (*Superblock, error) {
	sb := fs.SB
	return &sb, nil
}

func (fs RawNodeSource) AcquireNode(_ context.Context, addr btrfsvol.LogicalAddr, exp NodeExpectations) (*Node, error) {
	if fs.Cache != nil {
		if node, err := fs.Cache.Acquire(fs.SB, addr, exp); node != nil || err != nil {
			return node, err
		}
	}
	node, err := ReadNode[btrfsvol.LogicalAddr](fs.Reader, fs.SB, addr, exp)
	if err != nil {
		return node, err
	}
	if fs.Cache != nil {
		if buf, mErr := binstruct.Marshal(*node); mErr == nil {
			fs.Cache.Insert(addr, buf)
		}
	}
	return node, nil
}

func (fs RawNodeSource) ReleaseNode(node *Node) {
	if node != nil {
		node.Free()
	}
}
