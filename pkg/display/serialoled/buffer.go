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
	"time"

	"github.com/jonboulle/clockwork"
)

// BufferCapacity bounds the command batch so a flush stays one short write
// syscall on the wire.
const BufferCapacity = 256

// FlushInterval is how often the owning loop should drain a non-empty
// buffer even when it never fills.
const FlushInterval = 50 * time.Millisecond

// commandBuffer batches encoded frames for deferred transmission. It holds
// raw frame bytes only; framing is the caller's job. Not safe for concurrent
// use on its own, the driver serializes access under its mutex.
type commandBuffer struct {
	clock     clockwork.Clock
	buf       []byte
	lastFlush time.Time
}

func newCommandBuffer(clock clockwork.Clock) *commandBuffer {
	return &commandBuffer{
		clock:     clock,
		buf:       make([]byte, 0, BufferCapacity),
		lastFlush: clock.Now(),
	}
}

// wouldOverflow reports whether storing frame would exceed capacity, in
// which case the caller must flush first. A frame larger than the whole
// capacity is stored alone after that flush and transmitted oversized
// rather than split.
func (b *commandBuffer) wouldOverflow(frame []byte) bool {
	return len(b.buf)+len(frame) > BufferCapacity && len(b.buf) > 0
}

// store appends frame bytes. The caller is responsible for having flushed
// first when wouldOverflow reported true.
func (b *commandBuffer) store(frame []byte) {
	b.buf = append(b.buf, frame...)
	b.lastFlush = b.clock.Now()
}

// take returns the pending bytes and resets the buffer.
func (b *commandBuffer) take() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = make([]byte, 0, BufferCapacity)
	b.lastFlush = b.clock.Now()
	return out
}

func (b *commandBuffer) len() int {
	return len(b.buf)
}

// stale reports whether the pending bytes have sat longer than the flush
// interval.
func (b *commandBuffer) stale() bool {
	return len(b.buf) > 0 && b.clock.Since(b.lastFlush) >= FlushInterval
}
