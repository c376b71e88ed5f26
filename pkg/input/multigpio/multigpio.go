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

// Package multigpio multiplexes a set of single-function GPIO input devices
// (one evdev node per physical button, plus optional GPIO rotary encoders)
// into the same event stream a real encoder dongle produces. Device tree
// overlays expose each gpio-keys button as its own "button@N" node, and
// rotary-encoder bindings as "rotary@N".
package multigpio

import (
	"errors"
	"regexp"
	"sort"
	"syscall"

	"github.com/MicroPanelProject/micropanel/pkg/config"
	"github.com/MicroPanelProject/micropanel/pkg/input"
	evdev "github.com/gvalkov/golang-evdev"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ErrNoDevices means discovery found nothing matching the GPIO naming
// pattern, or none of the discovered nodes could be opened.
var ErrNoDevices = errors.New("no gpio input devices")

var gpioNamePattern = regexp.MustCompile(`^(button|rotary)@\d+$`)

// Key codes a gpio-keys button node may be bound to, probed in this order.
var buttonKeycodes = []int{
	evdev.KEY_LEFT,
	evdev.KEY_RIGHT,
	evdev.KEY_UP,
	evdev.KEY_DOWN,
	evdev.KEY_ENTER,
}

// deviceInfo describes one discovered GPIO node before it is opened.
type deviceInfo struct {
	path    string
	name    string
	keycode int // bound key for button nodes, -1 if none found
	rotary  bool
}

// eventDevice is the opened-node surface the source needs; tests substitute
// scripted devices.
type eventDevice interface {
	ReadOne() (*evdev.InputEvent, error)
	Grab() error
	Release() error
	Fd() uintptr
	Alive() bool
	Close() error
}

type kernelDevice struct {
	*evdev.InputDevice
}

func (d kernelDevice) Fd() uintptr {
	return d.File.Fd()
}

func (d kernelDevice) Alive() bool {
	fds := []unix.PollFd{{Fd: int32(d.File.Fd()), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 0); err != nil {
		return false
	}
	return fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) == 0
}

func (d kernelDevice) Close() error {
	return d.File.Close()
}

// gpioDevice is one member of the multiplexed set.
type gpioDevice struct {
	dev     eventDevice
	info    deviceInfo
	pending bool
}

// Source implements input.Source over the discovered GPIO node set.
type Source struct {
	devices    []*gpioDevice
	enumerate  func() ([]deviceInfo, error)
	openDevice func(path string) (eventDevice, error)
	poll       func(fds []unix.PollFd, timeoutMs int) (int, error)
	keyStep    int
	open       bool
}

// NewSource returns a source that will discover GPIO nodes on Open. The
// rotation step for synthesized and scaled movement comes from cfg.
func NewSource(cfg *config.Instance) *Source {
	return &Source{
		enumerate:  enumerateGPIODevices,
		openDevice: openKernelDevice,
		poll:       unix.Poll,
		keyStep:    cfg.Input().KeyRotateStep,
	}
}

// enumerateGPIODevices scans the evdev nodes for names matching the GPIO
// pattern, classifies each, and probes button nodes for their bound key.
// Results are sorted by node path for consistent ordering.
func enumerateGPIODevices() ([]deviceInfo, error) {
	devices, err := evdev.ListInputDevices()
	if err != nil {
		return nil, err
	}

	var infos []deviceInfo
	for _, dev := range devices {
		if !gpioNamePattern.MatchString(dev.Name) {
			_ = dev.File.Close()
			continue
		}
		info := deviceInfo{
			path:    dev.Fn,
			name:    dev.Name,
			keycode: -1,
			rotary:  dev.Name[0] == 'r',
		}
		if !info.rotary {
			info.keycode = probeKeycode(dev)
		}
		_ = dev.File.Close()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].path < infos[j].path })
	return infos, nil
}

// probeKeycode returns the first of our target key codes present in the
// device's EV_KEY capability set, or -1.
func probeKeycode(dev *evdev.InputDevice) int {
	for capType, codes := range dev.Capabilities {
		if capType.Name != "EV_KEY" {
			continue
		}
		supported := make(map[int]bool, len(codes))
		for _, code := range codes {
			supported[code.Code] = true
		}
		for _, keycode := range buttonKeycodes {
			if supported[keycode] {
				return keycode
			}
		}
	}
	return -1
}

func openKernelDevice(path string) (eventDevice, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, err
	}
	if err := syscall.SetNonblock(int(dev.File.Fd()), true); err != nil {
		_ = dev.File.Close()
		return nil, err
	}
	return kernelDevice{dev}, nil
}

// Open discovers and opens every matching GPIO node. Nodes that fail to
// open are skipped; Open succeeds as long as at least one is usable.
func (s *Source) Open() error {
	if s.open {
		return nil
	}

	infos, err := s.enumerate()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return ErrNoDevices
	}

	for _, info := range infos {
		dev, err := s.openDevice(info.path)
		if err != nil {
			log.Warn().Err(err).Str("device", info.path).Msg("skipping gpio node")
			continue
		}
		if err := dev.Grab(); err != nil {
			log.Warn().Err(err).Str("device", info.path).Msg("exclusive grab failed")
		}
		s.devices = append(s.devices, &gpioDevice{dev: dev, info: info})
		if info.rotary {
			log.Info().Str("device", info.path).Str("name", info.name).
				Msg("gpio rotary encoder added")
		} else {
			log.Info().Str("device", info.path).Str("name", info.name).
				Int("keycode", info.keycode).Msg("gpio button added")
		}
	}
	if len(s.devices) == 0 {
		return ErrNoDevices
	}

	s.open = true
	return nil
}

// Close releases and closes every member node. Idempotent.
func (s *Source) Close() error {
	for _, d := range s.devices {
		_ = d.dev.Release()
		_ = d.dev.Close()
	}
	s.devices = nil
	s.open = false
	return nil
}

// CheckConnection reports whether at least one member device still responds.
func (s *Source) CheckConnection() bool {
	for _, d := range s.devices {
		if d.dev.Alive() {
			return true
		}
	}
	return false
}

// WaitForEvents polls the whole device set in one call and records, per
// device, whether input is pending for the next ProcessEvents.
func (s *Source) WaitForEvents(timeoutMs int) int {
	if len(s.devices) == 0 {
		return -1
	}

	fds := make([]unix.PollFd, len(s.devices))
	for i, d := range s.devices {
		fds[i] = unix.PollFd{Fd: int32(d.dev.Fd()), Events: unix.POLLIN}
	}

	n, err := s.poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0
		}
		return -1
	}

	for i, d := range s.devices {
		d.pending = fds[i].Revents&unix.POLLIN != 0
	}
	return n
}

// ProcessEvents drains every device the last wait flagged as readable.
// Reports whether any device produced a decoded event.
func (s *Source) ProcessEvents(onRotation input.RotationHandler, onButton input.ButtonHandler) bool {
	processed := 0
	for _, d := range s.devices {
		if !d.pending {
			continue
		}
		d.pending = false
		if s.drainDevice(d, onRotation, onButton) {
			processed++
		}
	}
	return processed > 0
}

func (s *Source) drainDevice(d *gpioDevice, onRotation input.RotationHandler, onButton input.ButtonHandler) bool {
	handled := false
	for {
		ev, err := d.dev.ReadOne()
		if err != nil {
			break
		}
		if ev.Type == evdev.EV_SYN {
			continue
		}

		if d.info.rotary {
			if ev.Type == evdev.EV_REL && ev.Code == evdev.REL_X {
				if onRotation != nil {
					onRotation(int(ev.Value) * s.keyStep)
				}
				handled = true
			}
			continue
		}

		// Button node: presses only, and only the key it is bound to.
		if ev.Type != evdev.EV_KEY || ev.Value != 1 {
			continue
		}
		if int(ev.Code) != d.info.keycode {
			log.Debug().Str("device", d.info.path).Uint16("code", ev.Code).
				Int("expected", d.info.keycode).Msg("ignoring unmapped key code")
			continue
		}
		if int(ev.Code) == evdev.KEY_ENTER {
			if onButton != nil {
				onButton()
			}
			handled = true
			continue
		}
		if delta, ok := input.KeyRotation(ev.Code, s.keyStep); ok {
			if onRotation != nil {
				onRotation(delta)
			}
			handled = true
		}
	}
	return handled
}
