// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsimage implements metadata dump and restore: dumping a filesystem's
// metadata (every tree block, optionally file data) to a compact,
// optionally compressed and name-sanitised stream of clusters, and
// restoring such a stream onto a target device. The cluster layout is
// the original image/metadump.h format: 1KiB blocks, each cluster a
// fixed header plus an item index, followed by the item payloads
// padded back up to the 1KiB grid.
package btrfsimage

import (
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
)

// Stream magics, one per dump version:
// v0 is a raw integer, v1 is ASCII "_DUmP_v1" read as a little-endian
// u64.
const (
	MagicV0 = uint64(0xbd5c25e27295668b)
	MagicV1 = uint64(0x31765f506d55445f)
)

// Version selects the dump format; they differ in magic and in how
// much payload a single cluster may carry.
type Version int

const (
	V0 Version = iota
	V1
)

func (v Version) magic() uint64 {
	if v == V1 {
		return MagicV1
	}
	return MagicV0
}

// maxPending is the per-cluster payload cap: 256KiB for v0, 256MiB
// for v1.
func (v Version) maxPending() int {
	if v == V1 {
		return 256 << 20
	}
	return 256 << 10
}

const (
	// clusterBlockSize is the 1KiB grid every cluster header and
	// payload is aligned to.
	clusterBlockSize = 1024

	compressNone = 0
	compressZlib = 1
)

type clusterHeader struct {
	Magic         uint64 `bin:"off=0x0, siz=0x8"`
	ByteNr        uint64 `bin:"off=0x8, siz=0x8"` // stream offset of this cluster
	NRItems       uint32 `bin:"off=0x10, siz=0x4"`
	Compress      uint8  `bin:"off=0x14, siz=0x1"`
	binstruct.End `bin:"off=0x15"`
}

type clusterItem struct {
	ByteNr        uint64 `bin:"off=0x0, siz=0x8"`
	Size          uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End `bin:"off=0xc"`
}

const (
	clusterHeaderSize = 0x15
	clusterItemSize   = 0xc

	// itemsPerCluster is how many index entries fit in the 1KiB
	// header block after the fixed header.
	itemsPerCluster = (clusterBlockSize - clusterHeaderSize) / clusterItemSize
)
