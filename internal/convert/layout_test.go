// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/chunkalloc"
)

func overlapsReserved(r byteRange, reserved []chunkalloc.Range) bool {
	for _, res := range reserved {
		if res.Start < r.end() && r.Start < res.End {
			return true
		}
	}
	return false
}

func TestComputeDataChunksAvoidsReservedRanges(t *testing.T) {
	const devSize = 512 << 20
	reserved := chunkalloc.ReservedRanges(devSize)

	// Used extents straddling the first-MiB reserved range and the
	// secondary-mirror reserved range at 64MiB.
	used := []UsedExtent{
		{ByteOffset: 0, Length: 128 << 10},
		{ByteOffset: 63 << 20, Length: 4 << 20},
	}
	chunks := computeDataChunks(used, devSize)
	require.NotEmpty(t, chunks)

	for _, c := range chunks {
		assert.False(t, overlapsReserved(c, reserved),
			"data chunk [%d,%d) overlaps a reserved range", c.Start, c.end())
	}

	// Every used byte outside a reserved range must be covered.
	for _, e := range used {
		for off := e.ByteOffset; off < e.ByteOffset+e.Length; off += 4096 {
			if overlapsReserved(byteRange{off, 1}, reserved) {
				continue
			}
			covered := false
			for _, c := range chunks {
				if off >= c.Start && off < c.end() {
					covered = true
					break
				}
			}
			assert.True(t, covered, "used byte %d not covered by any data chunk", off)
		}
	}
}

func TestComputeDataChunksPadsToMinimum(t *testing.T) {
	const devSize = 512 << 20
	chunks := computeDataChunks([]UsedExtent{{ByteOffset: 100 << 20, Length: 4096}}, devSize)
	require.Len(t, chunks, 1)
	assert.GreaterOrEqual(t, chunks[0].Length, int64(minChunkLength))
}

func TestPlanRelocationsMovesReservedBytes(t *testing.T) {
	const devSize = 512 << 20
	reserved := chunkalloc.ReservedRanges(devSize)
	used := []UsedExtent{{ByteOffset: 0, Length: 128 << 10}}

	dataChunks := computeDataChunks(used, devSize)
	free := freeRanges(dataChunks, reserved, devSize)
	relocs, relocChunks, err := planRelocations(used, reserved, free)
	require.NoError(t, err)

	// The whole used extent falls inside [0,1MiB), so all of it must
	// relocate, and every new home must be clear of reserved ranges.
	var moved int64
	for _, r := range relocs.Relocations {
		moved += r.Length
		assert.True(t, overlapsReserved(byteRange{r.OldOffset, r.Length}, reserved),
			"relocation source [%d,+%d) is not in a reserved range", r.OldOffset, r.Length)
		assert.False(t, overlapsReserved(byteRange{r.NewOffset, r.Length}, reserved),
			"relocation target [%d,+%d) is in a reserved range", r.NewOffset, r.Length)
	}
	assert.Equal(t, int64(128<<10), moved)
	assert.Equal(t, len(relocs.Relocations), len(relocChunks))
}

func TestResolveSplitsAroundRelocations(t *testing.T) {
	rs := RelocationSet{Relocations: []Relocation{
		{OldOffset: 1000, NewOffset: 50000, Length: 100},
	}}

	pieces := rs.resolve(900, 300)
	require.Len(t, pieces, 3)
	assert.Equal(t, Relocation{OldOffset: 900, NewOffset: 900, Length: 100}, pieces[0])
	assert.Equal(t, Relocation{OldOffset: 1000, NewOffset: 50000, Length: 100}, pieces[1])
	assert.Equal(t, Relocation{OldOffset: 1100, NewOffset: 1100, Length: 100}, pieces[2])

	// A range not touching any relocation comes back whole.
	pieces = rs.resolve(4096, 4096)
	require.Len(t, pieces, 1)
	assert.Equal(t, pieces[0].OldOffset, pieces[0].NewOffset)
}
