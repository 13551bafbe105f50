// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package maps provides small generic helpers over Go maps that the
// standard library doesn't (yet) offer for this module's Go version.
package maps

import (
	"golang.org/x/exp/constraints"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/slices"
)

// Keys returns the keys of m in unspecified order.
func Keys[K comparable, V any](m map[K]V) []K {
	ret := make([]K, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	return ret
}

// SortedKeys returns the keys of m sorted ascending.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	ret := Keys(m)
	slices.Sort(ret)
	return ret
}
