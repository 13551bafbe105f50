// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package slices provides small generic helpers over Go slices that the
// standard library doesn't (yet) offer for this module's Go version.
package slices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

func Contains[T comparable](needle T, haystack []T) bool {
	for _, straw := range haystack {
		if needle == straw {
			return true
		}
	}
	return false
}

func RemoveAll[T comparable](haystack []T, needle T) []T {
	for i, straw := range haystack {
		if straw == needle {
			return append(
				haystack[:i],
				RemoveAll(haystack[i+1:], needle)...)
		}
	}
	return haystack
}

func RemoveAllFunc[T any](haystack []T, f func(T) bool) []T {
	for i, straw := range haystack {
		if f(straw) {
			return append(
				haystack[:i],
				RemoveAllFunc(haystack[i+1:], f)...)
		}
	}
	return haystack
}

func Reverse[T any](slice []T) {
	for i := 0; i < len(slice)/2; i++ {
		j := (len(slice) - 1) - i
		slice[i], slice[j] = slice[j], slice[i]
	}
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Sort[T constraints.Ordered](slice []T) {
	sort.Slice(slice, func(i, j int) bool {
		return slice[i] < slice[j]
	})
}

// Search does a binary search of `haystack` for a member for which
// `cmp` returns 0. `cmp` must behave as though `haystack` is sorted such
// that `cmp` returns a monotonically non-increasing sequence of values
// (+ + + 0 0 0 - - -). If no such member exists, ok is false.
func Search[T any](haystack []T, cmp func(T) int) (slot int, ok bool) {
	lo, hi := 0, len(haystack)
	for lo < hi {
		mid := (lo + hi) / 2
		switch c := cmp(haystack[mid]); {
		case c > 0:
			lo = mid + 1
		case c < 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return 0, false
}

// SearchHighest returns the highest index in `haystack` for which `cmp`
// returns a value >= 0, assuming `cmp` behaves as though `haystack` is
// sorted such that `cmp` returns a monotonically non-increasing
// sequence of values (+ + + 0 0 0 - - -). If no such member exists, ok
// is false.
func SearchHighest[T any](haystack []T, cmp func(T) int) (slot int, ok bool) {
	lo, hi := 0, len(haystack)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(haystack[mid]) >= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return lo - 1, true
}
