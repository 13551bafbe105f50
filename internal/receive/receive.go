// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package receive implements the receive side of replication: applying a parsed send stream
// (internal/sendstream) to a destination filesystem. It is grounded on
// internal/rootforest for subvolume creation and received-UUID binding,
// and on the same Insert/Delete tree-mutation primitives
// internal/rootforest itself uses, since -- like every other write
// path in this module -- receive operates directly on the block
// device rather than driving a live kernel mount through ioctls.
package receive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsitem"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsutil"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/linux"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/rootforest"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/sendstream"
)

// MaxPathLen mirrors the system PATH_MAX the wire format requires every
// stream-supplied path to respect.
const MaxPathLen = 4096

// Options configures a Receiver.
type Options struct {
	// ParentTreeID is the subvolume new top-level SUBVOL/SNAPSHOT
	// commands are linked into; normally FS_TREE_OBJECTID.
	ParentTreeID btrfsprim.ObjID

	// MaxErrors is how many command failures the receiver tolerates
	// before aborting, leaving whatever was created so far in place
	// (the receive failure policy). Zero means the default of 1.
	MaxErrors int

	// AllowUUIDFallback permits resolving a CLONE/SNAPSHOT parent by
	// its plain subvolume UUID when the preferred received-UUID
	// lookup misses. The fallback is a correctness
	// hazard (a local subvolume can share its sender's UUID without
	// being the stream's actual parent) -- off by default.
	AllowUUIDFallback bool
}

// Receiver applies a send stream to a destination filesystem.
type Receiver struct {
	Forest *rootforest.Forest
	Lookup *btrfsutil.FS // read-only UUID-tree lookups for parent resolution; may be nil if the stream never needs one
	Opts   Options

	curSubvol   btrfsprim.ObjID
	curUUID     btrfsprim.UUID
	curCTransID int64
	nextInode   map[btrfsprim.ObjID]btrfsprim.ObjID
	nextIndex   map[btrfsprim.ObjID]uint64
	capCache    map[btrfsprim.ObjID][]byte // inode -> cached security.capability value, keyed by inode objectid

	errCount int
}

// Result summarizes a finished or aborted Apply.
type Result struct {
	CommandsApplied int
	Errors          int
	LastError       error
}

// Apply reads and applies every command from r until EOF or the error
// policy aborts it.
func (rc *Receiver) Apply(ctx context.Context, r *sendstream.Reader) (Result, error) {
	if rc.Opts.ParentTreeID == 0 {
		rc.Opts.ParentTreeID = btrfsprim.FS_TREE_OBJECTID
	}
	if rc.Opts.MaxErrors == 0 {
		rc.Opts.MaxErrors = 1
	}
	if rc.nextInode == nil {
		rc.nextInode = make(map[btrfsprim.ObjID]btrfsprim.ObjID)
		rc.nextIndex = make(map[btrfsprim.ObjID]uint64)
		rc.capCache = make(map[btrfsprim.ObjID][]byte)
	}

	var res Result
	for {
		cmd, err := r.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, err
		}
		res.CommandsApplied++
		if err := rc.apply(ctx, cmd); err != nil {
			rc.errCount++
			res.Errors++
			res.LastError = fmt.Errorf("receive: %v: %w", cmd.Cmd, err)
			if rc.errCount >= rc.Opts.MaxErrors {
				return res, res.LastError
			}
		}
	}
	return res, nil
}

func (rc *Receiver) apply(ctx context.Context, cmd sendstream.Command) error {
	switch cmd.Cmd {
	case sendstream.CmdSubvol, sendstream.CmdSnapshot:
		return rc.cmdSubvol(ctx, cmd)
	case sendstream.CmdMkfile:
		return rc.cmdMknod(ctx, cmd, btrfsitem.FT_REG_FILE, linux.ModeFmtRegular|0o644)
	case sendstream.CmdMkdir:
		return rc.cmdMknod(ctx, cmd, btrfsitem.FT_DIR, linux.ModeFmtDir|0o755)
	case sendstream.CmdMknod:
		return rc.cmdMknodDevice(ctx, cmd)
	case sendstream.CmdMkfifo:
		return rc.cmdMknod(ctx, cmd, btrfsitem.FT_FIFO, linux.ModeFmtNamedPipe|0o644)
	case sendstream.CmdMksock:
		return rc.cmdMknod(ctx, cmd, btrfsitem.FT_SOCK, linux.ModeFmtSocket|0o644)
	case sendstream.CmdSymlink:
		return rc.cmdSymlink(ctx, cmd)
	case sendstream.CmdRename:
		return rc.cmdRename(ctx, cmd)
	case sendstream.CmdLink:
		return rc.cmdLink(ctx, cmd)
	case sendstream.CmdUnlink:
		return rc.cmdUnlink(ctx, cmd, false)
	case sendstream.CmdRmdir:
		return rc.cmdUnlink(ctx, cmd, true)
	case sendstream.CmdWrite:
		return rc.cmdWrite(ctx, cmd)
	case sendstream.CmdClone:
		return rc.cmdClone(ctx, cmd)
	case sendstream.CmdSetXattr:
		return rc.cmdSetXattr(ctx, cmd)
	case sendstream.CmdRemoveXattr:
		return rc.cmdRemoveXattr(ctx, cmd)
	case sendstream.CmdTruncate:
		return rc.cmdTruncate(ctx, cmd)
	case sendstream.CmdChmod:
		return rc.cmdChmod(ctx, cmd)
	case sendstream.CmdChown:
		return rc.cmdChown(ctx, cmd)
	case sendstream.CmdUtimes:
		return rc.cmdUtimes(ctx, cmd)
	case sendstream.CmdUpdateExtent:
		return nil // metadata-only stream; no-op for a metadata-only stream
	case sendstream.CmdEnd:
		return rc.cmdEnd(ctx, cmd)
	default:
		return fmt.Errorf("unsupported command %v", cmd.Cmd)
	}
}

// safePath validates and cleans a stream-supplied path, rejecting any
// attempt to escape the destination subvolume and any path longer
// than PATH_MAX. The ".." check runs on
// the raw segments, before cleaning: path.Clean would silently fold a
// leading ".." away, and an escaping path must fail loudly as
// BadStream rather than be quietly remapped inside the destination.
func safePath(raw []byte) (string, error) {
	if len(raw) > MaxPathLen {
		return "", fmt.Errorf("path exceeds PATH_MAX (%d > %d)", len(raw), MaxPathLen)
	}
	for _, seg := range strings.Split(string(raw), "/") {
		if seg == ".." {
			return "", errBadStream("path %q escapes destination", raw)
		}
	}
	p := path.Clean("/" + string(raw))
	if p == "/" {
		return "", fmt.Errorf("empty path")
	}
	return strings.TrimPrefix(p, "/"), nil
}

func requirePath(cmd sendstream.Command, attr sendstream.Attr) (string, error) {
	raw, ok := cmd.Get(attr)
	if !ok {
		return "", fmt.Errorf("missing required attribute %d", attr)
	}
	return safePath(raw)
}

func attrU64(cmd sendstream.Command, attr sendstream.Attr) (uint64, bool) {
	raw, ok := cmd.Get(attr)
	if !ok || len(raw) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(raw), true
}

func attrU32(cmd sendstream.Command, attr sendstream.Attr) (uint32, bool) {
	raw, ok := cmd.Get(attr)
	if !ok || len(raw) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(raw), true
}

func attrUUID(cmd sendstream.Command, attr sendstream.Attr) (btrfsprim.UUID, bool) {
	raw, ok := cmd.Get(attr)
	if !ok || len(raw) != 16 {
		return btrfsprim.UUID{}, false
	}
	var u btrfsprim.UUID
	copy(u[:], raw)
	return u, true
}

func errBadStream(format string, args ...interface{}) error {
	return btrfsio.Wrap(btrfsio.KindBadStream, fmt.Errorf(format, args...))
}
