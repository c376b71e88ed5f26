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

import "github.com/MicroPanelProject/micropanel/pkg/display"

// dirtyRect is the page/column rectangle touched by the last draw, used to
// bound the I2C transfer to the changed region.
type dirtyRect struct {
	startPage, endPage int
	startCol, endCol   int
}

func (r dirtyRect) clamp() dirtyRect {
	if r.startPage < 0 {
		r.startPage = 0
	}
	if r.endPage >= display.Pages {
		r.endPage = display.Pages - 1
	}
	if r.startCol < 0 {
		r.startCol = 0
	}
	if r.endCol >= display.Width {
		r.endCol = display.Width - 1
	}
	return r
}

// framebuffer is the in-memory shadow of the controller's GDDRAM: 8 pages of
// 128 column bytes, each byte one 8-pixel-tall column slice, bit 0 topmost.
// Single writer, no lock.
type framebuffer struct {
	pix      [display.Pages * display.Width]byte
	cursorX  int
	cursorY  int
	inverted bool
}

func (f *framebuffer) clear() {
	for i := range f.pix {
		f.pix[i] = 0
	}
	f.cursorX = 0
	f.cursorY = 0
}

func (f *framebuffer) setCursor(x, y int) {
	f.cursorX = x
	f.cursorY = y
}

// page returns the column bytes for one page row.
func (f *framebuffer) page(page int) []byte {
	return f.pix[page*display.Width : (page+1)*display.Width]
}

// region returns the bytes of one page within [startCol, endCol].
func (f *framebuffer) region(page, startCol, endCol int) []byte {
	base := page * display.Width
	return f.pix[base+startCol : base+endCol+1]
}

// drawChar renders one glyph at the cursor, transposing the row-major bitmap
// into column bytes, then advances the cursor by 8 pixels with wrap to the
// next text row at the right edge and wrap to the top after the last row.
// Returns the touched rectangle, or ok=false when the cursor is out of range.
func (f *framebuffer) drawChar(c byte) (rect dirtyRect, ok bool) {
	page := f.cursorY / 8
	col := f.cursorX

	if page >= display.Pages || col > display.Width-8 {
		return dirtyRect{}, false
	}

	src := glyph(c)
	var transposed [8]byte
	for row := 0; row < 8; row++ {
		for bit := 0; bit < 8; bit++ {
			if src[row]&(1<<bit) != 0 {
				transposed[bit] |= 1 << row
			}
		}
	}

	base := page * display.Width
	for i := 0; i < 8; i++ {
		if col+i < display.Width {
			f.pix[base+col+i] = transposed[i]
		}
	}

	rect = dirtyRect{startPage: page, endPage: page, startCol: col, endCol: col + 7}.clamp()

	f.cursorX += 8
	if f.cursorX > display.Width-8 {
		f.cursorX = 0
		f.cursorY += 8
		if f.cursorY >= display.Height {
			f.cursorY = 0
		}
	}

	return rect, true
}

// drawProgressBar fills the bar region: border pixels unconditionally,
// interior pixels up to width*percent/100 columns. Percent is clamped to
// [0,100]. Returns the touched rectangle.
func (f *framebuffer) drawProgressBar(x, y, width, height, percent int) dirtyRect {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	progressWidth := width * percent / 100

	startPage := y / 8
	if startPage < 0 {
		startPage = 0
	}
	endPage := (y + height - 1) / 8

	for page := startPage; page <= endPage && page < display.Pages; page++ {
		for col := max(x, 0); col < x+width && col < display.Width; col++ {
			var mask byte
			for bit := 0; bit < 8; bit++ {
				pixelY := page*8 + bit
				if pixelY < y || pixelY >= y+height {
					continue
				}
				onBorder := col == x || col == x+width-1 ||
					pixelY == y || pixelY == y+height-1
				if onBorder || col < x+progressWidth {
					mask |= 1 << bit
				}
			}
			pos := page*display.Width + col
			if pos < len(f.pix) {
				f.pix[pos] = mask
			}
		}
	}

	return dirtyRect{
		startPage: startPage,
		endPage:   endPage,
		startCol:  x,
		endCol:    x + width - 1,
	}.clamp()
}
