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

// Package ssd1306 programs an SSD1306-class OLED controller directly over
// I2C, shadowing its GDDRAM in a local framebuffer and transmitting only the
// dirty page/column rectangle after each draw.
package ssd1306

import (
	"fmt"
	"time"

	"github.com/MicroPanelProject/micropanel/pkg/display"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultAddr is the controller's fixed I2C address.
const DefaultAddr = 0x3C

// Controller commands.
const (
	setContrast        = 0x81
	displayRAMResume   = 0xA4
	displayNormal      = 0xA6
	displayInverted    = 0xA7
	displayOff         = 0xAE
	displayOn          = 0xAF
	setDisplayOffset   = 0xD3
	setComPins         = 0xDA
	setVCOMDetect      = 0xDB
	setDisplayClockDiv = 0xD5
	setPrecharge       = 0xD9
	setMultiplex       = 0xA8
	setStartLine       = 0x40
	setMemoryMode      = 0x20
	setColumnAddr      = 0x21
	setPageAddr        = 0x22
	comScanDec         = 0xC8
	segRemapReverse    = 0xA1
	chargePump         = 0x8D
)

// Control byte prefixes per the controller's addressing convention.
const (
	ctrlCommand = 0x00
	ctrlData    = 0x40
)

// i2cConn is the transfer slice of i2c.Dev, kept narrow for tests.
type i2cConn interface {
	Tx(w, r []byte) error
}

// Display implements display.Backend by direct controller programming.
type Display struct {
	conn         i2cConn
	closeBus     func() error
	openBus      func(busName string, addr uint16) (i2cConn, func() error, error)
	busName      string
	fb           framebuffer
	addr         uint16
	disconnected bool
	open         bool
}

// New returns an I2C display on the named bus (periph.io bus name or number,
// e.g. "1" for /dev/i2c-1). The controller is not touched until Open.
func New(busName string, addr uint16) *Display {
	if addr == 0 {
		addr = DefaultAddr
	}
	return &Display{
		busName: busName,
		addr:    addr,
		openBus: openI2CBus,
	}
}

func openI2CBus(busName string, addr uint16) (i2cConn, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, nil, err
	}
	return &i2c.Dev{Bus: bus, Addr: addr}, bus.Close, nil
}

// Open opens the bus and runs the controller init sequence. The sequence is
// order-sensitive; any write failure during init is a hard open failure.
// Open on an already open display returns nil.
func (d *Display) Open() error {
	if d.open {
		return nil
	}

	conn, closeBus, err := d.openBus(d.busName, d.addr)
	if err != nil {
		return fmt.Errorf("%w: i2c bus %s: %w", display.ErrOpenFailed, d.busName, err)
	}
	d.conn = conn
	d.closeBus = closeBus
	d.open = true
	d.disconnected = false

	if err := d.initController(); err != nil {
		d.open = false
		if d.closeBus != nil {
			_ = d.closeBus()
		}
		d.conn = nil
		d.closeBus = nil
		return fmt.Errorf("%w: init sequence: %w", display.ErrOpenFailed, err)
	}

	log.Info().Str("bus", d.busName).Uint16("addr", d.addr).Msg("ssd1306 initialized")
	return nil
}

// Close blanks the controller and releases the bus. Idempotent.
func (d *Display) Close() error {
	if !d.open {
		return nil
	}
	d.writeCommands(displayOff)
	if d.closeBus != nil {
		_ = d.closeBus()
	}
	d.conn = nil
	d.closeBus = nil
	d.open = false
	return nil
}

func (d *Display) Connected() bool {
	return d.open && !d.disconnected
}

func (d *Display) Disconnected() bool {
	return d.disconnected
}

func (d *Display) initController() error {
	// Let the charge pump settle after power-up before programming.
	time.Sleep(100 * time.Millisecond)

	seq := []byte{
		displayOff,
		setDisplayClockDiv, 0x80,
		setMultiplex, display.Height - 1,
		setDisplayOffset, 0x00,
		setStartLine | 0x00,
		chargePump, 0x14,
		setMemoryMode, 0x00,
		segRemapReverse,
		comScanDec,
		setComPins, 0x12,
		setContrast, 0xCF,
		setPrecharge, 0xF1,
		setVCOMDetect, 0x40,
		displayRAMResume,
		displayNormal,
		displayOn,
	}
	for _, cmd := range seq {
		if err := d.writeCommand(cmd); err != nil {
			return err
		}
	}

	d.fb.clear()
	return d.flushAll()
}

// writeCommand sends one command byte with the command control prefix,
// returning the raw transfer error. Used where failure must propagate (init).
func (d *Display) writeCommand(cmd byte) error {
	if d.conn == nil {
		return display.ErrNotOpen
	}
	return d.conn.Tx([]byte{ctrlCommand, cmd}, nil)
}

// writeCommands sends command bytes, absorbing link loss into the sticky
// flag. Used by draw operations which must not raise on a dead link.
// Calls against a closed display are silently dropped.
func (d *Display) writeCommands(cmds ...byte) bool {
	if d.conn == nil {
		return false
	}
	for _, cmd := range cmds {
		if err := d.writeCommand(cmd); err != nil {
			log.Error().Err(err).Msg("i2c command write failed")
			d.disconnected = true
			return false
		}
	}
	return true
}

// writeData sends pixel bytes with the data control prefix, absorbing link
// loss into the sticky flag.
func (d *Display) writeData(data []byte) bool {
	if d.conn == nil {
		return false
	}
	buf := make([]byte, len(data)+1)
	buf[0] = ctrlData
	copy(buf[1:], data)
	if err := d.conn.Tx(buf, nil); err != nil {
		log.Error().Err(err).Msg("i2c data write failed")
		d.disconnected = true
		return false
	}
	return true
}

// flushRect re-transmits only the touched page/column rectangle.
func (d *Display) flushRect(rect dirtyRect) {
	rect = rect.clamp()
	for page := rect.startPage; page <= rect.endPage; page++ {
		if !d.writeCommands(
			setPageAddr, byte(page), byte(page),
			setColumnAddr, byte(rect.startCol), byte(rect.endCol),
		) {
			return
		}
		if !d.writeData(d.fb.region(page, rect.startCol, rect.endCol)) {
			return
		}
	}
}

// flushAll pushes the whole framebuffer.
func (d *Display) flushAll() error {
	if !d.writeCommands(
		setPageAddr, 0, display.Pages-1,
		setColumnAddr, 0, display.Width-1,
	) {
		return display.ErrNotOpen
	}
	if !d.writeData(d.fb.pix[:]) {
		return display.ErrNotOpen
	}
	return nil
}

func (d *Display) Clear() {
	d.fb.clear()
	_ = d.flushAll()
}

func (d *Display) DrawText(x, y int, text string) {
	d.fb.setCursor(x, y)
	for i := 0; i < len(text); i++ {
		rect, ok := d.fb.drawChar(text[i])
		if !ok {
			continue
		}
		d.flushRect(rect)
	}
}

func (d *Display) SetCursor(x, y int) {
	d.fb.setCursor(x, y)
}

func (d *Display) SetInverted(inverted bool) {
	d.fb.inverted = inverted
	if inverted {
		d.writeCommands(displayInverted)
	} else {
		d.writeCommands(displayNormal)
	}
}

func (d *Display) SetBrightness(brightness int) {
	if brightness > 255 {
		brightness = 255
	} else if brightness < 0 {
		brightness = 0
	}
	d.writeCommands(setContrast, byte(brightness))
}

func (d *Display) DrawProgressBar(x, y, width, height, percent int) {
	rect := d.fb.drawProgressBar(x, y, width, height, percent)
	d.flushRect(rect)
}

func (d *Display) SetPower(on bool) {
	if on {
		d.writeCommands(displayOn)
	} else {
		d.writeCommands(displayOff)
	}
}
