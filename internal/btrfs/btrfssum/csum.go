// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfssum implements the checksum-algorithm dispatch and the
// on-disk checksum-item run-length encoding (SumRun/SumRunWithGaps) used
// by the CSUM tree and by send/receive's per-extent data verification.
package btrfssum

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/fmtutil"
)

// CSum is the fixed 32-byte on-disk checksum slot; algorithms shorter
// than 32 bytes (CRC32C, XXHash64) occupy a leading prefix and leave the
// rest zeroed, per the on-disk format.
type CSum [0x20]byte

var (
	_ fmt.Stringer             = CSum{}
	_ fmt.Formatter            = CSum{}
	_ encoding.TextMarshaler   = CSum{}
	_ encoding.TextUnmarshaler = (*CSum)(nil)
)

func (csum CSum) String() string {
	return hex.EncodeToString(csum[:])
}

func (csum CSum) MarshalText() ([]byte, error) {
	var ret [len(csum) * 2]byte
	hex.Encode(ret[:], csum[:])
	return ret[:], nil
}

func (csum *CSum) UnmarshalText(text []byte) error {
	*csum = CSum{}
	_, err := hex.Decode(csum[:], text)
	return err
}

// Fmt renders only the meaningful prefix of the checksum for the given
// algorithm, rather than the full 32-byte slot.
func (csum CSum) Fmt(typ CSumType) string {
	return hex.EncodeToString(csum[:typ.Size()])
}

func (csum CSum) Format(f fmt.State, verb rune) {
	fmtutil.FormatByteArrayStringer(csum, csum[:], f, verb)
}

// CSumType is the superblock's csum_type field: which algorithm was used
// to checksum every tree node, superblock mirror, and CSUM-tree entry in
// this filesystem.
type CSumType uint16

const (
	TYPE_CRC32 = CSumType(iota)
	TYPE_XXHASH
	TYPE_SHA256
	TYPE_BLAKE2
)

func (typ CSumType) String() string {
	names := map[CSumType]string{
		TYPE_CRC32:  "crc32c",
		TYPE_XXHASH: "xxhash64",
		TYPE_SHA256: "sha256",
		TYPE_BLAKE2: "blake2",
	}
	if name, ok := names[typ]; ok {
		return name
	}
	return fmt.Sprintf("%d", typ)
}

func (typ CSumType) Size() int {
	sizes := map[CSumType]int{
		TYPE_CRC32:  4,
		TYPE_XXHASH: 8,
		TYPE_SHA256: 32,
		TYPE_BLAKE2: 32,
	}
	if size, ok := sizes[typ]; ok {
		return size
	}
	return len(CSum{})
}

// Sum computes the checksum of data using the algorithm named by typ,
// left-justified into the 32-byte CSum slot (the trailing bytes are zero
// for the two short algorithms, matching how the kernel lays out
// btrfs_super_block.csum and btrfs_header.csum).
func (typ CSumType) Sum(data []byte) (CSum, error) {
	var ret CSum
	switch typ {
	case TYPE_CRC32:
		crc := crc32.Update(0, crc32.MakeTable(crc32.Castagnoli), data)
		binary.LittleEndian.PutUint32(ret[:], crc)
		return ret, nil
	case TYPE_XXHASH:
		sum := xxhash.Sum64(data)
		binary.LittleEndian.PutUint64(ret[:], sum)
		return ret, nil
	case TYPE_SHA256:
		sum := sha256.Sum256(data)
		copy(ret[:], sum[:])
		return ret, nil
	case TYPE_BLAKE2:
		sum := blake2b.Sum256(data)
		copy(ret[:], sum[:])
		return ret, nil
	default:
		return CSum{}, fmt.Errorf("unknown checksum type: %v", typ)
	}
}
