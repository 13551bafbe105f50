// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package convert

import (
	"fmt"
	"sort"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/chunkalloc"
)

// minChunkLength is the minimum data-chunk size: 32 MiB, twice the stripe minimum.
const minChunkLength = 32 << 20

// byteRange is a half-open [Start, Start+Length) physical byte range,
// shared by DataChunk's layout and the free-space bookkeeping below.
type byteRange struct {
	Start, Length int64
}

func (r byteRange) end() int64 { return r.Start + r.Length }

// DataChunk is one member of the data_chunks interval set: a
// physical range that a new SINGLE DATA chunk with logical == physical
// will cover.
type DataChunk = byteRange

func mergeExtents(used []UsedExtent) []byteRange {
	if len(used) == 0 {
		return nil
	}
	sorted := append([]UsedExtent(nil), used...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ByteOffset < sorted[j].ByteOffset })
	out := []byteRange{{sorted[0].ByteOffset, sorted[0].Length}}
	for _, e := range sorted[1:] {
		last := &out[len(out)-1]
		if e.ByteOffset <= last.end() {
			if end := e.ByteOffset + e.Length; end > last.end() {
				last.Length = end - last.Start
			}
			continue
		}
		out = append(out, byteRange{e.ByteOffset, e.Length})
	}
	return out
}

func mergeRanges(ranges []byteRange) []byteRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]byteRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	out := []byteRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.end() {
			if end := r.end(); end > last.end() {
				last.Length = end - last.Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// splitAroundReserved removes every reserved sub-range from c: a chunk that
// straddles a reserved range becomes two (or more) narrower chunks,
// none of which overlap any reserved byte.
func splitAroundReserved(c byteRange, reserved []chunkalloc.Range) []byteRange {
	pieces := []byteRange{c}
	for _, r := range reserved {
		var next []byteRange
		for _, p := range pieces {
			if r.Start >= p.end() || r.End <= p.Start {
				next = append(next, p)
				continue
			}
			if r.Start > p.Start {
				next = append(next, byteRange{p.Start, r.Start - p.Start})
			}
			if r.End < p.end() {
				next = append(next, byteRange{r.End, p.end() - r.End})
			}
		}
		pieces = next
	}
	var out []byteRange
	for _, p := range pieces {
		if p.Length > 0 {
			out = append(out, p)
		}
	}
	return out
}

// computeDataChunks implements the layout calculation's first step:
// derive a data_chunks interval set covering every used byte, each
// member at least minChunkLength and clear of every reserved range.
func computeDataChunks(used []UsedExtent, deviceSize int64) []DataChunk {
	merged := mergeExtents(used)
	reserved := chunkalloc.ReservedRanges(deviceSize)

	var padded []byteRange
	for _, e := range merged {
		start, end := e.Start, e.end()
		if end-start < minChunkLength {
			end = start + minChunkLength
			if end > deviceSize {
				shift := end - deviceSize
				end = deviceSize
				start -= shift
				if start < 0 {
					start = 0
				}
			}
		}
		padded = append(padded, byteRange{start, end - start})
	}
	padded = mergeRanges(padded)

	var out []DataChunk
	for _, c := range padded {
		out = append(out, splitAroundReserved(c, reserved)...)
	}
	return out
}

// freeRanges returns the physical ranges of the device covered by
// neither a data chunk nor a reserved range: the layout calculation's
// "free_space := total - data_chunks, then subtract reserved ranges,
// leaving the placement budget for new SYSTEM/METADATA/DATA-for-
// new-writes chunks."
func freeRanges(dataChunks []DataChunk, reserved []chunkalloc.Range, deviceSize int64) []byteRange {
	var occupied []byteRange
	occupied = append(occupied, dataChunks...)
	for _, r := range reserved {
		occupied = append(occupied, byteRange{r.Start, r.End - r.Start})
	}
	occupied = mergeRanges(occupied)

	var free []byteRange
	cursor := int64(0)
	for _, o := range occupied {
		if o.Start > cursor {
			free = append(free, byteRange{cursor, o.Start - cursor})
		}
		if o.end() > cursor {
			cursor = o.end()
		}
	}
	if cursor < deviceSize {
		free = append(free, byteRange{cursor, deviceSize - cursor})
	}
	return free
}

// Relocation records that the bytes originally at OldOffset were
// physically copied to NewOffset (they must move out of the reserved range before anything else touches the device), because OldOffset
// falls inside a reserved range.
type Relocation struct {
	OldOffset int64
	NewOffset int64
	Length    int64
}

// RelocationSet is the relocated-extent buffer: every
// byte range convert had to move out of a reserved zone, kept so
// Rollback can read the bytes back from NewOffset and restore them at
// OldOffset, and so Convert can point the image inode's file-extent at
// NewOffset instead of OldOffset for exactly this range. Grounded on
// the original convert/main.c's calculate_available_space.
type RelocationSet struct {
	Relocations []Relocation
}

// resolve splits [offset, offset+length) into the pieces a file-extent
// walk should emit: any sub-range covered by a relocation is reported
// at its NewOffset, everything else at its original offset unchanged.
func (rs RelocationSet) resolve(offset, length int64) []Relocation {
	remaining := []Relocation{{OldOffset: offset, NewOffset: offset, Length: length}}
	for _, reloc := range rs.Relocations {
		var next []Relocation
		for _, piece := range remaining {
			pStart, pEnd := piece.OldOffset, piece.OldOffset+piece.Length
			rStart, rEnd := reloc.OldOffset, reloc.OldOffset+reloc.Length
			if rStart >= pEnd || rEnd <= pStart {
				next = append(next, piece)
				continue
			}
			if rStart > pStart {
				next = append(next, Relocation{OldOffset: pStart, NewOffset: pStart, Length: rStart - pStart})
			}
			ovStart, ovEnd := maxI64(pStart, rStart), minI64(pEnd, rEnd)
			next = append(next, Relocation{
				OldOffset: ovStart,
				NewOffset: reloc.NewOffset + (ovStart - rStart),
				Length:    ovEnd - ovStart,
			})
			if rEnd < pEnd {
				next = append(next, Relocation{OldOffset: rEnd, NewOffset: rEnd, Length: pEnd - rEnd})
			}
		}
		remaining = next
	}
	return remaining
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// planRelocations implements the reserved-range relocation step: every used byte that
// falls inside a reserved range is assigned a new home out of free,
// taken first-fit in ascending order. free is consumed in place so
// that the caller's subsequent SYSTEM/METADATA placement never lands
// on a relocation target.
func planRelocations(used []UsedExtent, reserved []chunkalloc.Range, free []byteRange) (RelocationSet, []byteRange, error) {
	var rs RelocationSet
	var newChunks []byteRange

	needsReloc := func(start, end int64) []byteRange {
		var hits []byteRange
		for _, r := range reserved {
			if r.Start < end && r.End > start {
				hits = append(hits, byteRange{maxI64(start, r.Start), minI64(end, r.End) - maxI64(start, r.Start)})
			}
		}
		return hits
	}

	for _, e := range mergeExtents(used) {
		for _, hit := range needsReloc(e.Start, e.end()) {
			remaining := hit.Length
			cursor := hit.Start
			for remaining > 0 {
				idx := -1
				for i, f := range free {
					if f.Length > 0 {
						idx = i
						break
					}
				}
				if idx == -1 {
					return RelocationSet{}, nil, fmt.Errorf("convert: out of free space to relocate %d reserved-range bytes", remaining)
				}
				take := minI64(remaining, free[idx].Length)
				newOffset := free[idx].Start
				free[idx].Start += take
				free[idx].Length -= take
				rs.Relocations = append(rs.Relocations, Relocation{OldOffset: cursor, NewOffset: newOffset, Length: take})
				newChunks = append(newChunks, byteRange{newOffset, take})
				cursor += take
				remaining -= take
			}
		}
	}
	return rs, newChunks, nil
}
