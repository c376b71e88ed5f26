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

// Wire protocol opcodes. Each frame is an opcode followed by positional
// single-byte parameters; text frames carry the raw string bytes with no
// length prefix, the receiver consumes until the write boundary.
const (
	cmdClear       = 0x01
	cmdDrawText    = 0x02
	cmdSetCursor   = 0x03
	cmdInvert      = 0x04
	cmdBrightness  = 0x05
	cmdProgressBar = 0x06
	cmdPower       = 0x07
)

func frameClear() []byte {
	return []byte{cmdClear}
}

func frameDrawText(x, y int, text string) []byte {
	frame := make([]byte, 0, len(text)+3)
	frame = append(frame, cmdDrawText, byte(x), byte(y))
	return append(frame, text...)
}

func frameSetCursor(x, y int) []byte {
	return []byte{cmdSetCursor, byte(x), byte(y)}
}

func frameInvert(inverted bool) []byte {
	if inverted {
		return []byte{cmdInvert, 1}
	}
	return []byte{cmdInvert, 0}
}

func frameBrightness(brightness int) []byte {
	if brightness > 255 {
		brightness = 255
	} else if brightness < 0 {
		brightness = 0
	}
	return []byte{cmdBrightness, byte(brightness)}
}

func frameProgressBar(x, y, width, height, percent int) []byte {
	return []byte{cmdProgressBar, byte(x), byte(y), byte(width), byte(height), byte(percent)}
}

func framePower(on bool) []byte {
	if on {
		return []byte{cmdPower, 1}
	}
	return []byte{cmdPower, 0}
}
