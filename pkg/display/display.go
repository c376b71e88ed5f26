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

// Package display defines the capability interface shared by the two panel
// backends: the binary serial protocol driver and the direct I2C SSD1306
// driver. Draw operations never return errors; a dead link is recorded on a
// sticky flag the owning loop polls via Disconnected.
package display

import "errors"

// Display dimensions shared by both backends.
const (
	Width  = 128
	Height = 64
	Pages  = Height / 8
)

var (
	// ErrOpenFailed is returned when the device path cannot be opened at
	// all (missing node, permissions). The caller decides retry policy.
	ErrOpenFailed = errors.New("display: open failed")
	// ErrNotOpen is returned by operations requiring an open device.
	ErrNotOpen = errors.New("display: device not open")
)

// Backend is the capability interface consumed by the menu layer. All draw
// operations are synchronous and safe to call whether or not the underlying
// device is currently connected.
type Backend interface {
	// Open prepares the device. Calling Open on an already open backend
	// returns nil without side effects.
	Open() error
	// Close flushes pending output and releases the device. Idempotent.
	Close() error

	Clear()
	DrawText(x, y int, text string)
	SetCursor(x, y int)
	SetInverted(inverted bool)
	SetBrightness(brightness int)
	DrawProgressBar(x, y, width, height, percent int)
	SetPower(on bool)

	// Connected reports whether the device is open and the link has not
	// failed.
	Connected() bool
	// Disconnected reports the sticky link-loss flag. It is only cleared
	// by a successful reopen.
	Disconnected() bool
}
