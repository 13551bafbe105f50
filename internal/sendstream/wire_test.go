// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package sendstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Version1)
	require.NoError(t, err)

	require.NoError(t, w.WriteCommand(CmdSubvol, []TLV{
		{Type: AttrPath, Value: []byte("myvol")},
		{Type: AttrUUID, Value: bytes.Repeat([]byte{0x42}, 16)},
		{Type: AttrCTransID, Value: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
	}))
	require.NoError(t, w.WriteCommand(CmdWrite, []TLV{
		{Type: AttrPath, Value: []byte("myvol/file")},
		{Type: AttrFileOffset, Value: []byte{0, 0, 0, 0, 0, 0, 0, 0}},
		{Type: AttrData, Value: []byte("hello world")},
	}))
	require.NoError(t, w.WriteCommand(CmdEnd, nil))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(Version1), r.Version)

	cmd1, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdSubvol, cmd1.Cmd)
	path, ok := cmd1.Get(AttrPath)
	require.True(t, ok)
	assert.Equal(t, "myvol", string(path))

	cmd2, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdWrite, cmd2.Cmd)
	data, ok := cmd2.Get(AttrData)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))

	cmd3, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, CmdEnd, cmd3.Cmd)
	assert.Empty(t, cmd3.Attrs)

	_, err = r.ReadCommand()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not-a-stream-header-at-all!")))
	require.Error(t, err)
	assert.True(t, btrfsio.Is(err, btrfsio.KindBadStream))
}

func TestReaderRejectsCorruptCRC(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Version1)
	require.NoError(t, err)
	require.NoError(t, w.WriteCommand(CmdMkdir, []TLV{{Type: AttrPath, Value: []byte("d")}}))

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff

	r, err := NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	_, err = r.ReadCommand()
	require.Error(t, err)
	assert.True(t, btrfsio.Is(err, btrfsio.KindBadStream))
}
