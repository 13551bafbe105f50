// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import "errors"

// ErrWildcard is returned by a Sequence/Run lookup to mean "this
// position isn't recorded, but isn't out-of-range either" — e.g. a
// SumRunWithGaps position that falls in an un-summed gap, as opposed to
// io.EOF which means past the end entirely.
var ErrWildcard = errors.New("wildcard: value not recorded for this position")
