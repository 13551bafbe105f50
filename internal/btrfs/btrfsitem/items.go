// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"
	"reflect"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/binstruct"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfssum"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
)

type Type = btrfsprim.ItemType

// Item is satisfied by a pointer to every parsed item-body type
// (Inode, Chunk, Root, ...) as well as by *Error for payloads that
// failed to parse.
type Item interface {
	isItem()
	Free()
	CloneItem() Item
}

type Error struct {
	Dat []byte
	Err error
}

func (*Error) isItem() {}

func (o *Error) Free() {
	bytePool.Put(o.Dat)
	*o = Error{}
}

func (o *Error) CloneItem() Item {
	return &Error{Dat: cloneBytes(o.Dat), Err: o.Err}
}

func (o Error) MarshalBinary() ([]byte, error) {
	return o.Dat, nil
}

func (o *Error) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = dat
	return len(dat), nil
}

// Rather than returning a separate error value, return an Error item.
func UnmarshalItem(key btrfsprim.Key, csumType btrfssum.CSumType, dat []byte) Item {
	var gotyp reflect.Type
	if key.ItemType == btrfsprim.UNTYPED_KEY {
		var ok bool
		gotyp, ok = untypedObjID2gotype[key.ObjectID]
		if !ok {
			return &Error{
				Dat: dat,
				Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v, ObjectID:%v}, dat): unknown object ID for untyped item",
					key.ItemType, key.ObjectID),
			}
		}
	} else {
		var ok bool
		gotyp, ok = keytype2gotype[key.ItemType]
		if !ok {
			return &Error{
				Dat: dat,
				Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): unknown item type", key.ItemType),
			}
		}
	}
	retPtr := reflect.New(gotyp)
	if csums, ok := retPtr.Interface().(*ExtentCSum); ok {
		csums.ChecksumSize = csumType.Size()
		csums.Addr = btrfsvol.LogicalAddr(key.Offset)
	}
	n, err := binstruct.Unmarshal(dat, retPtr.Interface())
	if err != nil {
		return &Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): %w", key.ItemType, err),
		}

	}
	if n < len(dat) {
		return &Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): left over data: got %v bytes but only consumed %v",
				key.ItemType, len(dat), n),
		}
	}
	return retPtr.Interface().(Item)
}

// keytype2gotype maps every on-disk ItemType tag to the Go type that
// decodes its payload. Several tags share one Go type: DIR_ITEM/
// DIR_INDEX/XATTR_ITEM all use the same on-disk dir-entry layout, and
// the zero-payload item types all decode as Empty.
var keytype2gotype = map[Type]reflect.Type{
	btrfsprim.INODE_ITEM_KEY:        reflect.TypeOf(Inode{}),
	btrfsprim.INODE_REF_KEY:         reflect.TypeOf(InodeRef{}),
	btrfsprim.XATTR_ITEM_KEY:        reflect.TypeOf(DirEntry{}),
	btrfsprim.ORPHAN_ITEM_KEY:       reflect.TypeOf(Empty{}),
	btrfsprim.DIR_ITEM_KEY:          reflect.TypeOf(DirEntry{}),
	btrfsprim.DIR_INDEX_KEY:         reflect.TypeOf(DirEntry{}),
	btrfsprim.EXTENT_DATA_KEY:       reflect.TypeOf(FileExtent{}),
	btrfsprim.EXTENT_CSUM_KEY:       reflect.TypeOf(ExtentCSum{}),
	btrfsprim.ROOT_ITEM_KEY:         reflect.TypeOf(Root{}),
	btrfsprim.ROOT_BACKREF_KEY:      reflect.TypeOf(RootRef{}),
	btrfsprim.ROOT_REF_KEY:          reflect.TypeOf(RootRef{}),
	btrfsprim.EXTENT_ITEM_KEY:       reflect.TypeOf(Extent{}),
	btrfsprim.METADATA_ITEM_KEY:     reflect.TypeOf(Metadata{}),
	btrfsprim.TREE_BLOCK_REF_KEY:    reflect.TypeOf(Empty{}),
	btrfsprim.EXTENT_DATA_REF_KEY:   reflect.TypeOf(ExtentDataRef{}),
	btrfsprim.SHARED_BLOCK_REF_KEY:  reflect.TypeOf(Empty{}),
	btrfsprim.SHARED_DATA_REF_KEY:   reflect.TypeOf(SharedDataRef{}),
	btrfsprim.BLOCK_GROUP_ITEM_KEY:  reflect.TypeOf(BlockGroup{}),
	btrfsprim.FREE_SPACE_INFO_KEY:   reflect.TypeOf(FreeSpaceInfo{}),
	btrfsprim.FREE_SPACE_EXTENT_KEY: reflect.TypeOf(Empty{}),
	btrfsprim.FREE_SPACE_BITMAP_KEY: reflect.TypeOf(FreeSpaceBitmap{}),
	btrfsprim.DEV_EXTENT_KEY:        reflect.TypeOf(DevExtent{}),
	btrfsprim.DEV_ITEM_KEY:          reflect.TypeOf(Dev{}),
	btrfsprim.CHUNK_ITEM_KEY:        reflect.TypeOf(Chunk{}),
	btrfsprim.QGROUP_STATUS_KEY:     reflect.TypeOf(QGroupStatus{}),
	btrfsprim.QGROUP_INFO_KEY:       reflect.TypeOf(QGroupInfo{}),
	btrfsprim.QGROUP_LIMIT_KEY:      reflect.TypeOf(QGroupLimit{}),
	btrfsprim.QGROUP_RELATION_KEY:   reflect.TypeOf(Empty{}),
	btrfsprim.UUID_KEY_SUBVOL:          reflect.TypeOf(UUIDMap{}),
	btrfsprim.UUID_KEY_RECEIVED_SUBVOL: reflect.TypeOf(UUIDMap{}),
}

// untypedObjID2gotype handles the one family of items whose on-disk
// ItemType tag is 0 (UNTYPED_KEY); they're disambiguated by ObjectID
// instead.
var untypedObjID2gotype = map[btrfsprim.ObjID]reflect.Type{
	btrfsprim.FREE_SPACE_OBJECTID: reflect.TypeOf(FreeSpaceHeader{}),
}
