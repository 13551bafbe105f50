// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"golang.org/x/exp/constraints"
)

func CmpUint[T constraints.Unsigned](a, b T) int {
	switch {
	case a < b:
		return -1
	case a == b:
		return 0
	default:
		return 1
	}
}

// NativeCmp compares two values of any native ordered type (ints,
// floats, strings) — used by composite Ordered.Cmp implementations (Key,
// addresses) to compare their native-typed fields.
func NativeCmp[T constraints.Ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Ordered is implemented by key types usable with RBTree: logical and
// physical addresses, object IDs, and the composite on-disk Key type all
// satisfy it.
type Ordered[T interface{ Cmp(T) int }] interface {
	Cmp(T) int
}

// NativeOrdered wraps any cmp-ordered native Go type (numbers, strings) so
// it satisfies Ordered.
type NativeOrdered[T constraints.Ordered] struct {
	Val T
}

func (a NativeOrdered[T]) Cmp(b NativeOrdered[T]) int {
	switch {
	case a.Val < b.Val:
		return -1
	case a.Val > b.Val:
		return 1
	default:
		return 0
	}
}

var _ Ordered[NativeOrdered[int]] = NativeOrdered[int]{}
