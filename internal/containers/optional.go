// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

// Optional wraps a value that may or may not be present, for cases (like
// "the parent UUID of a subvolume that has no parent") where the zero value
// of T is itself a valid value and can't double as "absent".
type Optional[T any] struct {
	OK  bool
	Val T
}

// OptionalValue wraps a present value.
func OptionalValue[T any](val T) Optional[T] {
	return Optional[T]{OK: true, Val: val}
}
