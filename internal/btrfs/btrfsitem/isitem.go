// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

// isItem, Free, and CloneItem are kept in one place rather than
// spread across each item_*.go file since for most item types
// they're purely mechanical. Types whose body owns a pooled
// variable-length slice (Chunk, Extent, FileExtent, Metadata) define
// their own Free/Clone next to their UnmarshalBinary and are only
// wrapped here.

// Trivial (fixed-size, no owned slices) item bodies ////////////////////////

func (o *BlockGroup) isItem()        {}
func (o *BlockGroup) Free()          { *o = BlockGroup{} }
func (o *BlockGroup) CloneItem() Item { c := *o; return &c }

func (o *Dev) isItem()        {}
func (o *Dev) Free()          { *o = Dev{} }
func (o *Dev) CloneItem() Item { c := *o; return &c }

func (o *DevExtent) isItem()        {}
func (o *DevExtent) Free()          { *o = DevExtent{} }
func (o *DevExtent) CloneItem() Item { c := *o; return &c }

func (o *Empty) isItem()        {}
func (o *Empty) Free()          { *o = Empty{} }
func (o *Empty) CloneItem() Item { c := *o; return &c }

func (o *ExtentDataRef) isItem()        {}
func (o *ExtentDataRef) Free()          { *o = ExtentDataRef{} }
func (o *ExtentDataRef) CloneItem() Item { c := *o; return &c }

func (o *FreeSpaceHeader) isItem()        {}
func (o *FreeSpaceHeader) Free()          { *o = FreeSpaceHeader{} }
func (o *FreeSpaceHeader) CloneItem() Item { c := *o; return &c }

func (o *FreeSpaceInfo) isItem()        {}
func (o *FreeSpaceInfo) Free()          { *o = FreeSpaceInfo{} }
func (o *FreeSpaceInfo) CloneItem() Item { c := *o; return &c }

func (o *Inode) isItem()        {}
func (o *Inode) Free()          { *o = Inode{} }
func (o *Inode) CloneItem() Item { c := *o; return &c }

func (o *QGroupInfo) isItem()        {}
func (o *QGroupInfo) Free()          { *o = QGroupInfo{} }
func (o *QGroupInfo) CloneItem() Item { c := *o; return &c }

func (o *QGroupLimit) isItem()        {}
func (o *QGroupLimit) Free()          { *o = QGroupLimit{} }
func (o *QGroupLimit) CloneItem() Item { c := *o; return &c }

func (o *QGroupStatus) isItem()        {}
func (o *QGroupStatus) Free()          { *o = QGroupStatus{} }
func (o *QGroupStatus) CloneItem() Item { c := *o; return &c }

func (o *Root) isItem()        {}
func (o *Root) Free()          { *o = Root{} }
func (o *Root) CloneItem() Item { c := *o; return &c }

func (o *SharedDataRef) isItem()        {}
func (o *SharedDataRef) Free()          { *o = SharedDataRef{} }
func (o *SharedDataRef) CloneItem() Item { c := *o; return &c }

func (o *UUIDMap) isItem()        {}
func (o *UUIDMap) Free()          { *o = UUIDMap{} }
func (o *UUIDMap) CloneItem() Item { c := *o; return &c }

// Item bodies with a name/value that aliases the decode buffer ////////////

func (o *DirEntry) isItem() {}
func (o *DirEntry) Free() {
	bytePool.Put(o.Data)
	bytePool.Put(o.Name)
	*o = DirEntry{}
}
func (o *DirEntry) CloneItem() Item {
	c := *o
	c.Data = cloneBytes(o.Data)
	c.Name = cloneBytes(o.Name)
	return &c
}

func (o *InodeRef) isItem() {}
func (o *InodeRef) Free() {
	bytePool.Put(o.Name)
	*o = InodeRef{}
}
func (o *InodeRef) CloneItem() Item {
	c := *o
	c.Name = cloneBytes(o.Name)
	return &c
}

func (o *RootRef) isItem() {}
func (o *RootRef) Free() {
	bytePool.Put(o.Name)
	*o = RootRef{}
}
func (o *RootRef) CloneItem() Item {
	c := *o
	c.Name = cloneBytes(o.Name)
	return &c
}

func (o *FreeSpaceBitmap) isItem() {}
func (o *FreeSpaceBitmap) Free() {
	bytePool.Put([]byte(*o))
	*o = nil
}
func (o *FreeSpaceBitmap) CloneItem() Item {
	c := FreeSpaceBitmap(cloneBytes([]byte(*o)))
	return &c
}

// Item bodies with a pooled slice of their own /////////////////////////////

func (o *ExtentCSum) isItem() {}
func (o *ExtentCSum) Free() {
	csumPool.Put(o.Sums)
	*o = ExtentCSum{}
}
func (o *ExtentCSum) CloneItem() Item {
	c := *o
	c.Sums = csumPool.Get(len(o.Sums))
	copy(c.Sums, o.Sums)
	return &c
}

// Item bodies that already define Free/Clone next to their codec //////////

func (chunk *Chunk) isItem() {}
func (chunk *Chunk) CloneItem() Item { c := chunk.Clone(); return &c }

func (o *Extent) isItem() {}
func (o *Extent) CloneItem() Item { c := o.Clone(); return &c }

func (o *FileExtent) isItem() {}
func (o *FileExtent) CloneItem() Item { c := o.Clone(); return &c }

func (o *Metadata) isItem() {}
func (o *Metadata) CloneItem() Item { c := o.Clone(); return &c }
