// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"fmt"
	"reflect"
)

// Unmarshaler is implemented by on-disk leaf types (the fixed-width integer
// wrappers in binint) that know how to decode themselves.
type Unmarshaler interface {
	UnmarshalBinary(dat []byte) (int, error)
}

// Unmarshal decodes dat into dstPtr per dstPtr's `bin:` struct tags (or via
// its UnmarshalBinary method, if it has one), returning the number of bytes
// of dat consumed.
func Unmarshal(dat []byte, dstPtr any) (int, error) {
	if u, ok := dstPtr.(Unmarshaler); ok {
		n, err := u.UnmarshalBinary(dat)
		if err != nil {
			err = &UnmarshalError{Type: reflect.TypeOf(dstPtr), Method: "UnmarshalBinary", Err: err}
		}
		return n, err
	}
	return UnmarshalWithoutInterface(dat, dstPtr)
}

func UnmarshalWithoutInterface(dat []byte, dstPtr any) (int, error) {
	dstPtrVal := reflect.ValueOf(dstPtr)
	if dstPtrVal.Kind() != reflect.Ptr {
		panic(&InvalidTypeError{
			Type: dstPtrVal.Type(),
			Err:  fmt.Errorf("dstPtr is not a pointer"),
		})
	}
	dstVal := dstPtrVal.Elem()
	switch dstVal.Kind() {
	case reflect.Uint8, reflect.Int8, reflect.Uint16, reflect.Int16, reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		typ := intKind2Type[dstVal.Kind()]
		tmp := reflect.New(typ)
		//nolint:forcetypeassert // intKind2Type only maps to Unmarshaler-implementing types.
		n, err := tmp.Interface().(Unmarshaler).UnmarshalBinary(dat)
		if err != nil {
			return n, &UnmarshalError{Type: typ, Method: "UnmarshalBinary", Err: err}
		}
		dstVal.Set(tmp.Elem().Convert(dstVal.Type()))
		return n, nil
	case reflect.Ptr:
		if dstVal.IsNil() {
			dstVal.Set(reflect.New(dstVal.Type().Elem()))
		}
		return Unmarshal(dat, dstVal.Interface())
	case reflect.Array:
		var n int
		for i := 0; i < dstVal.Len(); i++ {
			_n, err := Unmarshal(dat[n:], dstVal.Index(i).Addr().Interface())
			n += _n
			if err != nil {
				return n, err
			}
		}
		return n, nil
	case reflect.Struct:
		return getStructHandler(dstVal.Type()).Unmarshal(dat, dstVal)
	default:
		panic(&InvalidTypeError{
			Type: dstVal.Type(),
			Err:  fmt.Errorf("does not implement binstruct.Unmarshaler and kind=%v is not a supported statically-sized kind", dstVal.Kind()),
		})
	}
}
