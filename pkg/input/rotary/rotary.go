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

// Package rotary reads a single evdev node carrying rotary encoder motion
// and button presses, coalescing the encoder's paired half-events into one
// rotation delta per detent.
package rotary

import (
	"syscall"
	"time"

	"github.com/MicroPanelProject/micropanel/pkg/config"
	"github.com/MicroPanelProject/micropanel/pkg/input"
	evdev "github.com/gvalkov/golang-evdev"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// eventDevice is the slice of evdev.InputDevice the source needs, kept
// small so tests can substitute a scripted device.
type eventDevice interface {
	ReadOne() (*evdev.InputEvent, error)
	Grab() error
	Release() error
	// Wait blocks until input is readable or the timeout elapses,
	// returning >0 ready, 0 timeout, <0 error.
	Wait(timeoutMs int) int
	// Alive reports whether the device still responds.
	Alive() bool
	// Valid reports whether the descriptor is still usable in-process.
	Valid() bool
	Close() error
	Path() string
}

type kernelDevice struct {
	*evdev.InputDevice
}

func (d kernelDevice) Wait(timeoutMs int) int {
	fds := []unix.PollFd{{Fd: int32(d.File.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0
		}
		return -1
	}
	return n
}

func (d kernelDevice) Alive() bool {
	fds := []unix.PollFd{{Fd: int32(d.File.Fd()), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 0); err != nil {
		return false
	}
	return fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) == 0
}

func (d kernelDevice) Valid() bool {
	_, err := unix.FcntlInt(d.File.Fd(), unix.F_GETFD, 0)
	return err == nil
}

func (d kernelDevice) Close() error {
	return d.File.Close()
}

func (d kernelDevice) Path() string {
	return d.Fn
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

// gesture holds the coalescing accumulators for encoder motion. State
// persists across ProcessEvents calls so a detent split across two reads
// still pairs up.
type gesture struct {
	lastEvent time.Time
	totalX    int32
	totalY    int32
	paired    int
}

func (g *gesture) reset() {
	g.totalX = 0
	g.totalY = 0
	g.paired = 0
}

// Source implements input.Source for one exclusively grabbed evdev node.
type Source struct {
	dev        eventDevice
	clock      clockwork.Clock
	openDevice func(path string) (eventDevice, error)
	path       string

	pairThreshold int
	settle        time.Duration
	gestureReset  time.Duration
	keyStep       int
	maxEvents     int

	state gesture
}

// NewSource returns a source for the evdev node at path, taking its
// coalescing tunables from cfg. The device is not opened.
func NewSource(cfg *config.Instance, path string) *Source {
	in := cfg.Input()
	return &Source{
		path:          path,
		clock:         clockwork.NewRealClock(),
		openDevice:    openKernelDevice,
		pairThreshold: in.PairThreshold,
		settle:        time.Duration(in.SettleMs) * time.Millisecond,
		gestureReset:  time.Duration(in.GestureResetMs) * time.Millisecond,
		keyStep:       in.KeyRotateStep,
		maxEvents:     in.MaxEventsPerCycle,
	}
}

// Open opens the node non-blocking and grabs it exclusively. A failed grab
// is logged and tolerated; some test environments deny EVIOCGRAB.
func (s *Source) Open() error {
	if s.dev != nil {
		return nil
	}

	dev, err := s.openDevice(s.path)
	if err != nil {
		return err
	}
	s.dev = dev

	if err := dev.Grab(); err != nil {
		log.Warn().Err(err).Str("device", s.path).Msg("exclusive grab failed")
	} else {
		log.Debug().Str("device", s.path).Msg("input device grabbed")
	}
	return nil
}

// Close releases the grab and closes the node. Idempotent.
func (s *Source) Close() error {
	if s.dev == nil {
		return nil
	}
	_ = s.dev.Release()
	err := s.dev.Close()
	s.dev = nil
	return err
}

// CheckConnection reports whether the device still responds, without
// consuming events.
func (s *Source) CheckConnection() bool {
	return s.dev != nil && s.dev.Alive()
}

// WaitForEvents blocks up to timeoutMs for readable input. A descriptor
// gone stale since the last call (device yanked and the node recycled) is
// transparently reopened and re-grabbed once; if that fails the loss is
// reported as -1.
func (s *Source) WaitForEvents(timeoutMs int) int {
	if s.dev == nil {
		return -1
	}

	if !s.dev.Valid() {
		log.Warn().Str("device", s.path).Msg("stale input descriptor, reopening")
		_ = s.Close()
		if err := s.Open(); err != nil {
			log.Error().Err(err).Str("device", s.path).Msg("reopen failed")
			return -1
		}
	}

	return s.dev.Wait(timeoutMs)
}

// ProcessEvents drains up to the configured number of raw events and decodes
// them. Encoder motion is accumulated until the pair threshold is reached or
// the settle window has passed since the last raw event; direction keys map
// straight to single rotation steps. Reports whether any events were
// consumed.
func (s *Source) ProcessEvents(onRotation input.RotationHandler, onButton input.ButtonHandler) bool {
	if s.dev == nil {
		return false
	}

	eventCount := 0
	buttonPressed := false
	pendingMotion := false

	for eventCount < s.maxEvents {
		ev, err := s.dev.ReadOne()
		if err != nil {
			break
		}

		switch ev.Type {
		case evdev.EV_SYN:
			continue

		case evdev.EV_KEY:
			if ev.Code == evdev.BTN_LEFT && ev.Value == 1 {
				buttonPressed = true
				eventCount++
				continue
			}
			if ev.Value != 1 {
				continue
			}
			if int(ev.Code) == evdev.KEY_ENTER {
				buttonPressed = true
				eventCount++
				continue
			}
			if delta, ok := input.KeyRotation(ev.Code, s.keyStep); ok {
				if onRotation != nil {
					onRotation(delta)
				}
				eventCount++
			}

		case evdev.EV_REL:
			if ev.Code != evdev.REL_X && ev.Code != evdev.REL_Y {
				continue
			}
			now := s.clock.Now()
			if !s.state.lastEvent.IsZero() && now.Sub(s.state.lastEvent) > s.gestureReset {
				s.state.reset()
			}
			s.state.lastEvent = now
			if ev.Code == evdev.REL_X {
				s.state.totalX += ev.Value
			} else {
				s.state.totalY += ev.Value
			}
			s.state.paired++
			pendingMotion = true
			eventCount++
		}
	}

	if buttonPressed && onButton != nil {
		onButton()
	}

	// Deliver accumulated motion once both half-events of a detent have
	// arrived, or once the settle window says the pair is not coming.
	if pendingMotion {
		sinceLast := s.clock.Now().Sub(s.state.lastEvent)
		if s.state.paired >= s.pairThreshold || sinceLast > s.settle {
			if s.state.totalX != 0 && onRotation != nil {
				onRotation(int(s.state.totalX))
			}
			// Up is negative on the wire; menus want up to scroll up.
			if s.state.totalY != 0 && onRotation != nil {
				onRotation(int(-s.state.totalY))
			}
			s.state.reset()
		}
	}

	// A burst beyond the per-cycle cap is discarded wholesale; responsiveness
	// beats completeness here.
	if eventCount >= s.maxEvents {
		for {
			if _, err := s.dev.ReadOne(); err != nil {
				break
			}
		}
	}

	return eventCount > 0
}
