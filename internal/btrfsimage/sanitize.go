// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsimage

import (
	"crypto/rand"
	"hash/crc32"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
)

// SanitizePolicy selects how (whether) directory-entry and xattr names
// are rewritten in the dump, per SanitizeRandom replaces
// each name with unrelated random bytes; SanitizeCollide replaces it
// with a same-length string whose directory hash collides with the
// original, so DIR_ITEM keys (which embed the hash) stay consistent
// with the names they index. Grounded on the original image/sanitize.c.
type SanitizePolicy int

const (
	SanitizeNone SanitizePolicy = iota
	SanitizeRandom
	SanitizeCollide
)

// sanitizer rewrites names consistently across the whole dump: the
// same original name always maps to the same replacement, so hardlinks
// and INODE_REF/DIR_ITEM pairs still agree after sanitisation.
type sanitizer struct {
	policy SanitizePolicy
	seen   map[string][]byte
}

func newSanitizer(policy SanitizePolicy) *sanitizer {
	return &sanitizer{policy: policy, seen: make(map[string][]byte)}
}

// sanitizeNode rewrites every name-bearing item in a leaf, returning
// whether anything changed (so the caller knows to re-checksum).
func (s *sanitizer) sanitizeNode(node *btrfstree.Node) bool {
	if s.policy == SanitizeNone || node.Head.Level != 0 {
		return false
	}
	changed := false
	for i := range node.BodyLeaf {
		switch body := node.BodyLeaf[i].Body.(type) {
		case *btrfsitem.DirEntry:
			body.Name = s.replace(body.Name)
			changed = true
		case *btrfsitem.InodeRef:
			body.Name = s.replace(body.Name)
			changed = true
		}
	}
	return changed
}

func (s *sanitizer) replace(name []byte) []byte {
	if len(name) == 0 {
		return name
	}
	if got, ok := s.seen[string(name)]; ok {
		return got
	}
	var repl []byte
	if s.policy == SanitizeCollide {
		repl = collideName(name)
	}
	if repl == nil {
		repl = randomName(len(name))
	}
	s.seen[string(name)] = repl
	return repl
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_"

func randomName(n int) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = nameAlphabet[int(buf[i])%len(nameAlphabet)]
	}
	return buf
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// topIndex maps a table entry's top byte back to its index; the CRC32C
// table's top bytes are a permutation of 0..255, which is what makes
// the backward solve in forceCRCBytes possible.
var topIndex = func() [256]byte {
	var m [256]byte
	for k := 0; k < 256; k++ {
		m[castagnoli[k]>>24] = byte(k)
	}
	return m
}()

// forceCRCBytes returns the 4 bytes that advance the (inverted) CRC32C
// register from reg to want. Standard backward-table CRC solving: the
// table index consumed at each forward step is recoverable from the
// target's top byte alone, so run the steps backwards to learn the
// four indices, then forwards to turn them into input bytes.
func forceCRCBytes(reg, want uint32) [4]byte {
	var ks [4]byte
	cur := want
	for i := 3; i >= 0; i-- {
		k := topIndex[byte(cur>>24)]
		ks[i] = k
		cur = (cur ^ castagnoli[k]) << 8
	}
	var out [4]byte
	r := reg
	for i := 0; i < 4; i++ {
		out[i] = byte(r) ^ ks[i]
		r = castagnoli[ks[i]] ^ (r >> 8)
	}
	return out
}

// collideName builds a same-length name whose NameHash equals the
// original's: random bytes for all but the last four, which are solved
// to land the CRC on the original's value. Names of 4 bytes or fewer
// have no room for a solve that differs from the original (the solve
// over an empty prefix returns the original bytes) and fall back to
// the random policy. Replacement bytes that a directory entry can't
// legally contain ('/' or NUL), or a result equal to the original,
// force a retry with a fresh random prefix.
func collideName(name []byte) []byte {
	if len(name) <= 4 {
		return nil
	}
	target := ^crc32.Update(1, castagnoli, name)
	for attempt := 0; attempt < 100; attempt++ {
		repl := randomName(len(name) - 4)
		reg := ^crc32.Update(1, castagnoli, repl)
		tail := forceCRCBytes(reg, target)
		ok := true
		for _, b := range tail {
			if b == 0 || b == '/' {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		out := append(repl, tail[:]...)
		if string(out) == string(name) {
			continue
		}
		return out
	}
	return nil
}
