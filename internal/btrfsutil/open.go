// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsutil opens filesystems for reading and writing: it
// opens a filesystem (refusing
// mounted devices), bootstraps the chunk/volume mapping
// from a superblock's system-chunk array the same way a
// real mount does, and offers the UUID-tree lookups
// internal/receive needs to resolve incremental-send parents.
package btrfsutil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/superblock"
)

// CheckNotMounted implements the "refusal to operate on mounted
// filesystems": every entry point that writes must verify that none
// of the target devices appear in the OS mount table (resolving
// loop-device backing files), failing with KindBusy otherwise.
//
// mountsPath is normally "/proc/mounts"; tests pass a fixture path.
func CheckNotMounted(mountsPath string, devicePaths []string) error {
	abs := make(map[string]bool, len(devicePaths))
	for _, p := range devicePaths {
		if real, err := filepath.EvalSymlinks(p); err == nil {
			abs[real] = true
			if a, err := filepath.Abs(real); err == nil {
				abs[a] = true
			}
		} else {
			abs[p] = true
		}
	}

	f, err := os.Open(mountsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // platform without /proc/mounts (e.g. a test sandbox); nothing to check
		}
		return btrfsio.Wrap(btrfsio.KindIoError, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		src := fields[0]
		real, err := filepath.EvalSymlinks(src)
		if err != nil {
			real = src
		}
		if abs[real] || abs[src] {
			return btrfsio.Wrap(btrfsio.KindBusy, fmt.Errorf("btrfsutil: device %q is mounted at %q", src, fields[1]))
		}
		if strings.HasPrefix(src, "/dev/loop") {
			backing, err := os.ReadFile(filepath.Join("/sys/block", filepath.Base(src), "loop", "backing_file"))
			if b := strings.TrimSpace(string(backing)); err == nil && abs[b] {
				return btrfsio.Wrap(btrfsio.KindBusy, fmt.Errorf("btrfsutil: %q is mounted at %q through %q", b, fields[1], src))
			}
		}
	}
	return sc.Err()
}

// Device is one open block device backing a filesystem.
type Device struct {
	ID   btrfsvol.DeviceID
	Path string
	File *os.File
}

// FS is an opened, write-capable filesystem image: the logical volume
// (the chunk-tree-backed address mapping) plus the superblock
// that was chosen as authoritative at open time.
type FS struct {
	Volume     btrfsvol.LogicalVolume[diskio.File[btrfsvol.PhysicalAddr]]
	Superblock btrfstree.Superblock
	devices    []Device
	nodeCache  *btrfstree.NodeCache
}

// syncFile adapts an *os.File opened as one device to diskio.File over
// PhysicalAddr, the shape btrfsvol.LogicalVolume.AddPhysicalVolume
// wants.
type syncFile struct {
	*os.File
}

func (f syncFile) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return f.File.ReadAt(p, int64(off))
}
func (f syncFile) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return f.File.WriteAt(p, int64(off))
}
func (f syncFile) Size() btrfsvol.PhysicalAddr {
	return btrfsvol.PhysicalAddr(deviceSize(f.File))
}

// deviceSize reports the usable size of an open device. A plain Stat
// works for regular files (test images), but block devices report a
// zero st_size; for those, seek to the end the way blkdev_size-style
// helpers do.
func deviceSize(f *os.File) int64 {
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		return fi.Size()
	}
	if size, err := unix.Seek(int(f.Fd()), 0, io.SeekEnd); err == nil {
		return size
	}
	return 0
}

var _ diskio.File[btrfsvol.PhysicalAddr] = syncFile{}

// Open opens every device in paths, refuses to proceed if any is
// mounted (unless opts.SkipMountCheck), reads the highest-generation
// valid superblock off of whichever device carries it, and walks the
// chunk tree to complete the logical-to-physical mapping that the
// superblock's embedded system-chunk array only bootstraps: the
// array locates the chunk tree, and walking the chunk tree finds
// everything else.
type OpenOptions struct {
	SkipMountCheck bool
	MountsPath     string // defaults to /proc/mounts
}

func Open(ctx context.Context, paths []string, opts OpenOptions) (*FS, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("btrfsutil: no devices given")
	}
	if !opts.SkipMountCheck {
		mp := opts.MountsPath
		if mp == "" {
			mp = "/proc/mounts"
		}
		if err := CheckNotMounted(mp, paths); err != nil {
			return nil, err
		}
	}

	fs := &FS{nodeCache: btrfstree.NewNodeCache(btrfstree.DefaultNodeCacheSize)}
	var bestSB *btrfstree.Superblock
	for _, p := range paths {
		osf, err := os.OpenFile(p, os.O_RDWR, 0)
		if err != nil {
			fs.Close()
			return nil, btrfsio.Wrap(btrfsio.KindIoError, err)
		}
		sb, err := superblock.ReadBest(ctx, syncFile{osf}, deviceSize(osf))
		if err != nil {
			osf.Close()
			fs.Close()
			return nil, fmt.Errorf("btrfsutil: reading superblock from %q: %w", p, err)
		}
		devID := sb.DevItem.DevID
		fs.devices = append(fs.devices, Device{ID: devID, Path: p, File: osf})
		if err := fs.Volume.AddPhysicalVolume(devID, syncFile{osf}); err != nil {
			fs.Close()
			return nil, err
		}
		if bestSB == nil || sb.Generation > bestSB.Generation {
			cp := sb
			bestSB = &cp
		}
	}
	fs.Superblock = *bestSB
	fs.Volume.SetName(strings.Join(paths, ","))

	// Bootstrap from the system-chunk array (enough to find the
	// chunk tree itself), then extend by walking the chunk tree for
	// every non-system chunk -- the normal mount-time sequence.
	sysChunks, err := fs.Superblock.ParseSysChunkArray()
	if err != nil {
		fs.Close()
		return nil, fmt.Errorf("btrfsutil: parsing system chunk array: %w", err)
	}
	for _, sc := range sysChunks {
		if err := addChunkMappings(fs, sc.Key, sc.Chunk); err != nil {
			fs.Close()
			return nil, err
		}
	}

	chunkTree, err := fs.ForrestLookup(ctx, btrfsprim.CHUNK_TREE_OBJECTID)
	if err != nil {
		fs.Close()
		return nil, fmt.Errorf("btrfsutil: opening chunk tree: %w", err)
	}
	if err := chunkTree.TreeRange(ctx, func(item btrfstree.Item) bool {
		chunk, ok := item.Body.(*btrfsitem.Chunk)
		if !ok {
			return true
		}
		if chunkErr := addChunkMappings(fs, item.Key, *chunk); chunkErr != nil {
			err = chunkErr
			return false
		}
		return true
	}); err != nil {
		fs.Close()
		return nil, err
	}
	if err != nil {
		fs.Close()
		return nil, err
	}

	return fs, nil
}

func addChunkMappings(fs *FS, key btrfsprim.Key, chunk btrfsitem.Chunk) error {
	for _, mapping := range chunk.Mappings(key) {
		if err := fs.Volume.AddMapping(mapping); err != nil {
			return fmt.Errorf("btrfsutil: recording chunk mapping: %w", err)
		}
	}
	return nil
}

// ForrestLookup implements btrfstree.Forrest, opening a read-only Tree
// view over whichever tree ID is requested; RawForrest resolves the
// tree's root via LookupTreeRoot exactly as a real mount would.
func (fs *FS) ForrestLookup(ctx context.Context, treeID btrfsprim.ObjID) (btrfstree.Tree, error) {
	return fs.rawForrest().ForrestLookup(ctx, treeID)
}

func (fs *FS) rawForrest() btrfstree.RawForrest {
	return btrfstree.RawForrest{NodeSource: fs.nodeSource()}
}

func (fs *FS) nodeSource() btrfstree.RawNodeSource {
	if fs.nodeCache == nil {
		fs.nodeCache = btrfstree.NewNodeCache(btrfstree.DefaultNodeCacheSize)
	}
	return btrfstree.RawNodeSource{Reader: &fs.Volume, SB: fs.Superblock, Cache: fs.nodeCache}
}

// Devices returns the open devices in ascending device-ID order, for
// callers (mkfs/convert/image-restore) that need to iterate them
// deterministically.
func (fs *FS) Devices() []Device {
	ret := append([]Device(nil), fs.devices...)
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Close closes every open device.
func (fs *FS) Close() error {
	var firstErr error
	for _, d := range fs.devices {
		if d.File == nil {
			continue
		}
		if err := d.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fs.devices = nil
	return firstErr
}
