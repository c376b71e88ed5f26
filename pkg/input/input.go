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

// Package input defines the event source contract shared by the rotary
// encoder reader and the multi-GPIO reader, plus the key-to-rotation
// mapping both of them use.
package input

import (
	evdev "github.com/gvalkov/golang-evdev"
)

// RotationHandler receives a signed rotation delta. Positive is clockwise.
type RotationHandler func(delta int)

// ButtonHandler receives a button press. Releases are not reported.
type ButtonHandler func()

// Source is an open input device (or device group) that can be pumped for
// events. Implementations are not safe for concurrent use; the daemon loop
// owns the source.
type Source interface {
	// Open claims the underlying device node(s). Opening an already open
	// source is a no-op.
	Open() error

	// Close releases the device node(s). Idempotent.
	Close() error

	// CheckConnection reports whether the underlying device(s) still
	// respond, without consuming events.
	CheckConnection() bool

	// ProcessEvents drains pending kernel events, invoking the handlers
	// for each decoded gesture. It reports whether any events were
	// consumed this call.
	ProcessEvents(onRotation RotationHandler, onButton ButtonHandler) bool

	// WaitForEvents blocks until an event is readable or the timeout
	// elapses. It returns >0 when events are ready, 0 on timeout and <0
	// on error.
	WaitForEvents(timeoutMs int) int
}

// KeyRotation maps arrow keys to a synthetic rotation delta of the given
// step. Left/Up rotate counter-clockwise, Right/Down clockwise. Unmapped
// keys return ok=false.
func KeyRotation(code uint16, step int) (delta int, ok bool) {
	switch int(code) {
	case evdev.KEY_LEFT, evdev.KEY_UP:
		return -step, true
	case evdev.KEY_RIGHT, evdev.KEY_DOWN:
		return step, true
	default:
		return 0, false
	}
}
