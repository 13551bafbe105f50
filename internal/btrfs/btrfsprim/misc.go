// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"time"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
)

// Generation is a transaction ID, monotonically increasing once per
// commit; every tree node and superblock mirror records the generation
// that last wrote it.
type Generation uint64

// Time is the on-disk timestamp format used by inode items and root
// items: POSIX seconds plus sub-second nanoseconds.
type Time struct {
	Sec           int64  `bin:"off=0x0, siz=0x8"` // seconds since 1970-01-01T00:00:00Z
	NSec          uint32 `bin:"off=0x8, siz=0x4"` // nanoseconds within the second
	binstruct.End `bin:"off=0xc"`
}

func (t Time) ToStd() time.Time {
	return time.Unix(t.Sec, int64(t.NSec))
}
