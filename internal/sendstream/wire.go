// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sendstream implements the send-stream wire format: a fixed header followed by a sequence of commands, each
// command a sequence of TLV-encoded attributes, CRC32C-protected.
// internal/receive consumes a Reader to apply the stream to a
// filesystem; Writer encodes one, by hand, since the wire format is a
// stream of variable-length records rather than a fixed struct
// layout.
package sendstream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
)

// Magic is the fixed 13-byte preamble of every send stream.
var Magic = [13]byte{'b', 't', 'r', 'f', 's', '-', 's', 't', 'r', 'e', 'a', 'm', 0}

// Version 1 is the original metadata-only stream; version 2 adds
// fallocate/file-attribute/encoded-write/verity commands. This module
// only implements the version-1 version-1 command repertoire,
// but records whichever version the stream declares so a caller can
// reject streams it can't safely apply.
const (
	Version1 = 1
	Version2 = 2
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Cmd is a send-stream command type (BTRFS_SEND_C_*).
type Cmd uint16

const (
	CmdUnspec Cmd = iota
	CmdSubvol
	CmdSnapshot
	CmdMkfile
	CmdMkdir
	CmdMknod
	CmdMkfifo
	CmdMksock
	CmdSymlink
	CmdRename
	CmdLink
	CmdUnlink
	CmdRmdir
	CmdSetXattr
	CmdRemoveXattr
	CmdWrite
	CmdClone
	CmdTruncate
	CmdChmod
	CmdChown
	CmdUtimes
	CmdEnd
	CmdUpdateExtent
)

var cmdNames = map[Cmd]string{
	CmdUnspec:       "UNSPEC",
	CmdSubvol:       "SUBVOL",
	CmdSnapshot:     "SNAPSHOT",
	CmdMkfile:       "MKFILE",
	CmdMkdir:        "MKDIR",
	CmdMknod:        "MKNOD",
	CmdMkfifo:       "MKFIFO",
	CmdMksock:       "MKSOCK",
	CmdSymlink:      "SYMLINK",
	CmdRename:       "RENAME",
	CmdLink:         "LINK",
	CmdUnlink:       "UNLINK",
	CmdRmdir:        "RMDIR",
	CmdSetXattr:     "SET_XATTR",
	CmdRemoveXattr:  "REMOVE_XATTR",
	CmdWrite:        "WRITE",
	CmdClone:        "CLONE",
	CmdTruncate:     "TRUNCATE",
	CmdChmod:        "CHMOD",
	CmdChown:        "CHOWN",
	CmdUtimes:       "UTIMES",
	CmdEnd:          "END",
	CmdUpdateExtent: "UPDATE_EXTENT",
}

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_%d", uint16(c))
}

// Attr is a TLV attribute type (BTRFS_SEND_A_*).
type Attr uint16

const (
	AttrUnspec Attr = iota
	AttrUUID
	AttrCTransID
	AttrIno
	AttrSize
	AttrMode
	AttrUID
	AttrGID
	AttrRdev
	AttrCTime
	AttrMTime
	AttrATime
	AttrOTime
	AttrXattrName
	AttrXattrData
	AttrPath
	AttrPathTo
	AttrPathLink
	AttrFileOffset
	AttrData
	AttrCloneUUID
	AttrCloneCTransID
	AttrClonePath
	AttrCloneOffset
	AttrCloneLen
)

// Command is one decoded send-stream command: its type, and its TLV
// attributes in on-wire order (duplicates are legal for some TLV
// encodings in the real format, so this isn't collapsed to a map of
// the first occurrence only).
type Command struct {
	Cmd   Cmd
	Attrs []TLV
}

// TLV is one decoded attribute.
type TLV struct {
	Type  Attr
	Value []byte
}

// Get returns the first attribute of the given type, or (nil, false).
func (c Command) Get(t Attr) ([]byte, bool) {
	for _, a := range c.Attrs {
		if a.Type == t {
			return a.Value, true
		}
	}
	return nil, false
}

const (
	streamHeaderLen = 13 + 4
	cmdHeaderLen    = 4 + 2 + 4 // len + cmd + crc32c
	tlvHeaderLen    = 2 + 2     // type + len
)

// Reader parses a send stream command-by-command.
type Reader struct {
	r       *bufio.Reader
	Version uint32
}

// NewReader reads and validates the stream header, then returns a
// Reader positioned at the first command.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var hdr [streamHeaderLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, btrfsio.Wrap(btrfsio.KindBadStream, fmt.Errorf("sendstream: reading header: %w", err))
	}
	if [13]byte(hdr[:13]) != Magic {
		return nil, btrfsio.Wrap(btrfsio.KindBadStream, fmt.Errorf("sendstream: bad magic %q", hdr[:13]))
	}
	version := binary.LittleEndian.Uint32(hdr[13:])
	return &Reader{r: br, Version: version}, nil
}

// ReadCommand reads and CRC-validates the next command. It returns
// io.EOF when the stream is exhausted.
func (r *Reader) ReadCommand() (Command, error) {
	var hdr [cmdHeaderLen]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return Command{}, err
	}
	bodyLen := binary.LittleEndian.Uint32(hdr[0:4])
	cmd := Cmd(binary.LittleEndian.Uint16(hdr[4:6]))
	wantCRC := binary.LittleEndian.Uint32(hdr[6:10])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return Command{}, btrfsio.Wrap(btrfsio.KindBadStream, fmt.Errorf("sendstream: short command body: %w", err))
	}

	gotCRC := commandCRC(hdr, body)
	if gotCRC != wantCRC {
		return Command{}, btrfsio.Wrap(btrfsio.KindBadStream, fmt.Errorf("sendstream: %v: crc mismatch: got=%#08x want=%#08x", cmd, gotCRC, wantCRC))
	}

	attrs, err := parseTLVs(body)
	if err != nil {
		return Command{}, btrfsio.Wrap(btrfsio.KindBadStream, fmt.Errorf("sendstream: %v: %w", cmd, err))
	}
	return Command{Cmd: cmd, Attrs: attrs}, nil
}

// commandCRC computes the command CRC32C with the CRC field of hdr
// zeroed.
func commandCRC(hdr [cmdHeaderLen]byte, body []byte) uint32 {
	zeroed := hdr
	zeroed[6], zeroed[7], zeroed[8], zeroed[9] = 0, 0, 0, 0
	h := crc32.New(crc32cTable)
	h.Write(zeroed[:])
	h.Write(body)
	return h.Sum32()
}

func parseTLVs(body []byte) ([]TLV, error) {
	var attrs []TLV
	for len(body) > 0 {
		if len(body) < tlvHeaderLen {
			return nil, fmt.Errorf("truncated TLV header")
		}
		typ := Attr(binary.LittleEndian.Uint16(body[0:2]))
		length := binary.LittleEndian.Uint16(body[2:4])
		body = body[tlvHeaderLen:]
		if int(length) > len(body) {
			return nil, fmt.Errorf("truncated TLV value for attr %d", typ)
		}
		attrs = append(attrs, TLV{Type: typ, Value: body[:length]})
		body = body[length:]
	}
	return attrs, nil
}

// Writer encodes a send stream; used by tests to synthesize fixtures
// and by any future send-side producer.
type Writer struct {
	w       io.Writer
	version uint32
}

func NewWriter(w io.Writer, version uint32) (*Writer, error) {
	var hdr [streamHeaderLen]byte
	copy(hdr[:13], Magic[:])
	binary.LittleEndian.PutUint32(hdr[13:], version)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, err
	}
	return &Writer{w: w, version: version}, nil
}

func (w *Writer) WriteCommand(cmd Cmd, attrs []TLV) error {
	var body []byte
	for _, a := range attrs {
		var tlvHdr [tlvHeaderLen]byte
		binary.LittleEndian.PutUint16(tlvHdr[0:2], uint16(a.Type))
		binary.LittleEndian.PutUint16(tlvHdr[2:4], uint16(len(a.Value)))
		body = append(body, tlvHdr[:]...)
		body = append(body, a.Value...)
	}

	var hdr [cmdHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(cmd))
	crc := commandCRC(hdr, body)
	binary.LittleEndian.PutUint32(hdr[6:10], crc)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.w.Write(body)
	return err
}
