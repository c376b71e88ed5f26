// MicroPanel
// Copyright (c) 2026 The MicroPanel Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of MicroPanel.
//
// MicroPanel is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// MicroPanel is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with MicroPanel.  If not, see <http://www.gnu.org/licenses/>.

package ssd1306

import (
	"errors"
	"testing"

	"github.com/MicroPanelProject/micropanel/pkg/display"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records each Tx write buffer and can fail selectively.
type fakeConn struct {
	failAll  bool
	failData bool
	writes   [][]byte
}

func (c *fakeConn) Tx(w, _ []byte) error {
	if c.failAll {
		return errors.New("remote i/o error")
	}
	if c.failData && len(w) > 0 && w[0] == ctrlData {
		return errors.New("remote i/o error")
	}
	buf := make([]byte, len(w))
	copy(buf, w)
	c.writes = append(c.writes, buf)
	return nil
}

func newTestDisplay(conn *fakeConn) (*Display, *bool) {
	busClosed := false
	d := New("1", 0)
	d.openBus = func(string, uint16) (i2cConn, func() error, error) {
		return conn, func() error {
			busClosed = true
			return nil
		}, nil
	}
	return d, &busClosed
}

// commandBytes flattens recorded command writes, dropping control prefixes.
func commandBytes(writes [][]byte) []byte {
	var out []byte
	for _, w := range writes {
		if len(w) == 2 && w[0] == ctrlCommand {
			out = append(out, w[1])
		}
	}
	return out
}

func TestNew_DefaultAddr(t *testing.T) {
	t.Parallel()

	d := New("1", 0)
	assert.Equal(t, uint16(DefaultAddr), d.addr)

	d = New("1", 0x3D)
	assert.Equal(t, uint16(0x3D), d.addr)
}

func TestOpen_InitSequence(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	d, _ := newTestDisplay(conn)
	require.NoError(t, d.Open())

	cmds := commandBytes(conn.writes)
	require.NotEmpty(t, cmds)

	// The panel is blanked first and lit only after full configuration.
	assert.Equal(t, byte(displayOff), cmds[0])
	assert.Contains(t, cmds, byte(chargePump))
	assert.Contains(t, cmds, byte(segRemapReverse))
	assert.Contains(t, cmds, byte(comScanDec))

	onIdx := -1
	for i, c := range cmds {
		if c == displayOn {
			onIdx = i
			break
		}
	}
	require.GreaterOrEqual(t, onIdx, 0)
	for _, c := range cmds[:onIdx] {
		assert.NotEqual(t, byte(displayOn), c)
	}

	// Init ends with a full framebuffer push.
	last := conn.writes[len(conn.writes)-1]
	require.Equal(t, byte(ctrlData), last[0])
	assert.Len(t, last, display.Pages*display.Width+1)

	assert.True(t, d.Connected())
}

func TestOpen_Idempotent(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	d, _ := newTestDisplay(conn)
	require.NoError(t, d.Open())

	writes := len(conn.writes)
	require.NoError(t, d.Open())
	assert.Len(t, conn.writes, writes)
}

func TestOpen_BusFailure(t *testing.T) {
	t.Parallel()

	d := New("1", 0)
	d.openBus = func(string, uint16) (i2cConn, func() error, error) {
		return nil, nil, errors.New("no such bus")
	}

	err := d.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, display.ErrOpenFailed)
	assert.False(t, d.Connected())
}

func TestOpen_InitWriteFailure(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{failAll: true}
	d, busClosed := newTestDisplay(conn)

	err := d.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, display.ErrOpenFailed)
	assert.False(t, d.Connected())
	assert.True(t, *busClosed)
}

func TestDrawText_FlushesDirtyRect(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	d, _ := newTestDisplay(conn)
	require.NoError(t, d.Open())
	conn.writes = nil

	d.DrawText(0, 0, "H")

	// Page and column addressing for the glyph's 8 columns, then the data.
	cmds := commandBytes(conn.writes)
	assert.Equal(t, []byte{setPageAddr, 0, 0, setColumnAddr, 0, 7}, cmds)

	last := conn.writes[len(conn.writes)-1]
	require.Equal(t, byte(ctrlData), last[0])
	want := transposeGlyph('H')
	assert.Equal(t, want[:], last[1:])
}

func TestDataWriteFailure_SetsDisconnected(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	d, _ := newTestDisplay(conn)
	require.NoError(t, d.Open())

	conn.failData = true
	d.DrawText(0, 0, "X")

	assert.True(t, d.Disconnected())
	assert.False(t, d.Connected())
}

func TestSetInverted(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	d, _ := newTestDisplay(conn)
	require.NoError(t, d.Open())
	conn.writes = nil

	d.SetInverted(true)
	assert.Equal(t, []byte{displayInverted}, commandBytes(conn.writes))

	conn.writes = nil
	d.SetInverted(false)
	assert.Equal(t, []byte{displayNormal}, commandBytes(conn.writes))
}

func TestSetBrightness_Clamped(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	d, _ := newTestDisplay(conn)
	require.NoError(t, d.Open())
	conn.writes = nil

	d.SetBrightness(500)
	assert.Equal(t, []byte{setContrast, 255}, commandBytes(conn.writes))

	conn.writes = nil
	d.SetBrightness(-1)
	assert.Equal(t, []byte{setContrast, 0}, commandBytes(conn.writes))
}

func TestSetPower(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	d, _ := newTestDisplay(conn)
	require.NoError(t, d.Open())
	conn.writes = nil

	d.SetPower(false)
	assert.Equal(t, []byte{displayOff}, commandBytes(conn.writes))

	conn.writes = nil
	d.SetPower(true)
	assert.Equal(t, []byte{displayOn}, commandBytes(conn.writes))
}

func TestClose_BlanksAndReleases(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	d, busClosed := newTestDisplay(conn)
	require.NoError(t, d.Open())
	conn.writes = nil

	require.NoError(t, d.Close())

	assert.Equal(t, []byte{displayOff}, commandBytes(conn.writes))
	assert.True(t, *busClosed)
	assert.False(t, d.Connected())

	// Close again is a no-op.
	require.NoError(t, d.Close())
	assert.True(t, *busClosed)
}
