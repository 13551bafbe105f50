// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfssum"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/containers"
)

// Free-lists for the item payloads whose on-disk body is variable
// length; parsing a tree leaf throws away thousands of these a
// second, so reusing the backing arrays matters.
var (
	bytePool            containers.SlicePool[byte]
	chunkStripePool     containers.SlicePool[ChunkStripe]
	extentInlineRefPool containers.SlicePool[ExtentInlineRef]
	csumPool            containers.SlicePool[btrfssum.CSum]

	chunkPool      typedsync.Pool[*Chunk]
	fileExtentPool typedsync.Pool[*FileExtent]
	metadataPool   typedsync.Pool[*Metadata]
	extentPool     typedsync.Pool[*Extent]
)

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := bytePool.Get(len(in))
	copy(out, in)
	return out
}
