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

package serialoled

import (
	"errors"
	"testing"

	"github.com/MicroPanelProject/micropanel/pkg/display"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort records every Write as a separate chunk.
type fakePort struct {
	writeErr error
	drainErr error
	chunks   [][]byte
	closed   bool
}

func (p *fakePort) Write(data []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	p.chunks = append(p.chunks, chunk)
	return len(data), nil
}

func (p *fakePort) Drain() error {
	return p.drainErr
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func newTestDisplay(port *fakePort) *Display {
	clock := clockwork.NewFakeClock()
	return &Display{
		path:     "/dev/ttyACM0",
		baud:     115200,
		clock:    clock,
		buffer:   newCommandBuffer(clock),
		openPort: func(string, int) (wirePort, error) { return port, nil },
	}
}

func TestOpen_Failure(t *testing.T) {
	t.Parallel()

	d := New("/dev/nonexistent-panel", 115200)
	err := d.Open()

	require.Error(t, err)
	assert.ErrorIs(t, err, display.ErrOpenFailed)
	assert.False(t, d.Connected())
	assert.False(t, d.Disconnected())
}

func TestOpen_Idempotent(t *testing.T) {
	t.Parallel()

	port := &fakePort{}
	opens := 0
	d := newTestDisplay(port)
	inner := d.openPort
	d.openPort = func(path string, baud int) (wirePort, error) {
		opens++
		return inner(path, baud)
	}

	require.NoError(t, d.Open())
	require.NoError(t, d.Open())
	assert.Equal(t, 1, opens)
	assert.True(t, d.Connected())
}

func TestSendCommand_Immediate(t *testing.T) {
	t.Parallel()

	port := &fakePort{}
	d := newTestDisplay(port)
	require.NoError(t, d.Open())

	d.DrawText(5, 10, "HI")

	require.Len(t, port.chunks, 1)
	assert.Equal(t, []byte{cmdDrawText, 5, 10, 'H', 'I'}, port.chunks[0])
}

func TestBufferCommand_SingleFlushOnOverflow(t *testing.T) {
	t.Parallel()

	port := &fakePort{}
	d := newTestDisplay(port)
	require.NoError(t, d.Open())

	// Fill the buffer to capacity without triggering a write.
	frame := make([]byte, 64)
	frame[0] = cmdDrawText
	for i := 0; i < 4; i++ {
		d.BufferCommand(frame)
	}
	require.Empty(t, port.chunks)

	// The frame that would overflow forces exactly one flush of the whole
	// batch; the new frame stays buffered.
	d.BufferCommand(frameClear())
	require.Len(t, port.chunks, 1)
	assert.Len(t, port.chunks[0], BufferCapacity)
	assert.Equal(t, 1, d.buffer.len())
}

func TestFlushBuffer(t *testing.T) {
	t.Parallel()

	port := &fakePort{}
	d := newTestDisplay(port)
	require.NoError(t, d.Open())

	d.BufferCommand(frameSetCursor(3, 4))
	d.BufferCommand(frameInvert(true))
	require.Empty(t, port.chunks)

	d.FlushBuffer()
	require.Len(t, port.chunks, 1)
	assert.Equal(t, []byte{cmdSetCursor, 3, 4, cmdInvert, 1}, port.chunks[0])

	// Nothing pending; no extra write.
	d.FlushBuffer()
	assert.Len(t, port.chunks, 1)
}

func TestClose_FlushesPending(t *testing.T) {
	t.Parallel()

	port := &fakePort{}
	d := newTestDisplay(port)
	require.NoError(t, d.Open())

	d.BufferCommand(framePower(false))
	require.NoError(t, d.Close())

	require.Len(t, port.chunks, 1)
	assert.Equal(t, []byte{cmdPower, 0}, port.chunks[0])
	assert.True(t, port.closed)

	// Close again is a no-op.
	require.NoError(t, d.Close())
}

func TestWriteFailure_SetsDisconnected(t *testing.T) {
	t.Parallel()

	port := &fakePort{writeErr: errors.New("write /dev/ttyACM0: input/output error")}
	d := newTestDisplay(port)
	require.NoError(t, d.Open())

	d.Clear()

	assert.True(t, d.Disconnected())
	assert.False(t, d.Connected())
}

func TestDrainFailure_SetsDisconnected(t *testing.T) {
	t.Parallel()

	port := &fakePort{drainErr: errors.New("no such device")}
	d := newTestDisplay(port)
	require.NoError(t, d.Open())

	d.Clear()

	assert.True(t, d.Disconnected())
}

func TestIsDisconnectionError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("input/output error"), true},
		{errors.New("no such device or address"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("device not configured"), true},
		{errors.New("permission denied"), false},
		{errors.New("invalid argument"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isDisconnectionError(tt.err), "err=%v", tt.err)
	}
}
