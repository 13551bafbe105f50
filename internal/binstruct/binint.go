// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"reflect"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct/binint"
)

type (
	U8  = binint.U8
	U16 = binint.U16
	U32 = binint.U32
	U64 = binint.U64
	I8  = binint.I8
	I16 = binint.I16
	I32 = binint.I32
	I64 = binint.I64
)

var intKind2Type = map[reflect.Kind]reflect.Type{
	reflect.Uint8:  reflect.TypeOf(U8(0)),
	reflect.Int8:   reflect.TypeOf(I8(0)),
	reflect.Uint16: reflect.TypeOf(U16(0)),
	reflect.Int16:  reflect.TypeOf(I16(0)),
	reflect.Uint32: reflect.TypeOf(U32(0)),
	reflect.Int32:  reflect.TypeOf(I32(0)),
	reflect.Uint64: reflect.TypeOf(U64(0)),
	reflect.Int64:  reflect.TypeOf(I64(0)),
}
