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

// Package serialoled drives the panel firmware over its USB CDC serial
// protocol: one opcode byte plus positional parameters per frame.
package serialoled

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicroPanelProject/micropanel/pkg/display"
	"github.com/MicroPanelProject/micropanel/pkg/helpers/syncutil"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// wirePort is the slice of serial.Port the driver uses. Kept narrow so tests
// can substitute a recording fake.
type wirePort interface {
	Write(p []byte) (int, error)
	Drain() error
	Close() error
}

// Display implements display.Backend over a serial character device.
type Display struct {
	port         wirePort
	clock        clockwork.Clock
	buffer       *commandBuffer
	openPort     func(path string, baud int) (wirePort, error)
	path         string
	baud         int
	mu           syncutil.Mutex
	disconnected bool
}

// New returns a serial display for the given device path. The device is not
// opened until Open is called.
func New(path string, baud int) *Display {
	if baud <= 0 {
		baud = 115200
	}
	clock := clockwork.NewRealClock()
	return &Display{
		path:     path,
		baud:     baud,
		clock:    clock,
		buffer:   newCommandBuffer(clock),
		openPort: openSerialPort,
	}
}

func openSerialPort(path string, baud int) (wirePort, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, err
	}
	if err := port.ResetOutputBuffer(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return port, nil
}

// Open opens and configures the serial device. Open on an already open
// display returns nil without side effects.
func (d *Display) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return nil
	}

	port, err := d.openPort(d.path, d.baud)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", display.ErrOpenFailed, d.path, err)
	}

	d.port = port
	d.disconnected = false
	log.Info().Str("device", d.path).Int("baud", d.baud).Msg("serial display opened")
	return nil
}

// Close flushes any buffered commands and releases the port. Close on a
// closed display is a no-op.
func (d *Display) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}

	d.flushLocked()
	_ = d.port.Close()
	d.port = nil
	log.Info().Str("device", d.path).Msg("serial display closed")
	return nil
}

func (d *Display) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil && !d.disconnected
}

func (d *Display) Disconnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnected
}

// SendCommand transmits a single frame immediately and blocks until the OS
// reports the bytes drained. Link loss is absorbed into the sticky flag.
func (d *Display) SendCommand(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLocked(frame)
}

// BufferCommand defers a frame into the command batch. The batch auto-flushes
// when the frame would push it past capacity.
func (d *Display) BufferCommand(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.buffer.wouldOverflow(frame) {
		d.flushLocked()
	}
	d.buffer.store(frame)
}

// FlushBuffer transmits the pending batch in one write. The owning loop
// calls this periodically; it is a no-op when nothing is pending.
func (d *Display) FlushBuffer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
}

// FlushDue reports whether buffered bytes have been pending longer than the
// flush interval.
func (d *Display) FlushDue() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffer.stale()
}

func (d *Display) flushLocked() {
	pending := d.buffer.take()
	if pending == nil {
		return
	}
	d.writeLocked(pending)
}

func (d *Display) writeLocked(data []byte) {
	if d.port == nil {
		return
	}

	n, err := d.port.Write(data)
	if err != nil {
		log.Error().Err(err).Str("device", d.path).Msg("serial write failed")
		if isDisconnectionError(err) {
			d.disconnected = true
		}
		return
	}
	if n < len(data) {
		log.Warn().
			Int("written", n).
			Int("expected", len(data)).
			Str("device", d.path).
			Msg("short serial write")
	}

	if err := d.port.Drain(); err != nil {
		log.Error().Err(err).Str("device", d.path).Msg("serial drain failed")
		if isDisconnectionError(err) {
			d.disconnected = true
		}
	}
}

func (d *Display) Clear() {
	d.SendCommand(frameClear())
}

func (d *Display) DrawText(x, y int, text string) {
	d.SendCommand(frameDrawText(x, y, text))
}

func (d *Display) SetCursor(x, y int) {
	d.SendCommand(frameSetCursor(x, y))
}

func (d *Display) SetInverted(inverted bool) {
	d.SendCommand(frameInvert(inverted))
}

func (d *Display) SetBrightness(brightness int) {
	d.SendCommand(frameBrightness(brightness))
}

func (d *Display) DrawProgressBar(x, y, width, height, percent int) {
	d.SendCommand(frameProgressBar(x, y, width, height, percent))
}

func (d *Display) SetPower(on bool) {
	d.SendCommand(framePower(on))
}

// isDisconnectionError reports whether a write or drain failure means the
// device vanished, as opposed to a configuration or permission problem.
func isDisconnectionError(err error) bool {
	if err == nil {
		return false
	}

	var portErr serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "no such device") ||
		strings.Contains(errStr, "no such device or address") ||
		strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "broken pipe")
}
