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

// Package monitor locates the HMI dongle by its USB signature and tracks
// its presence: blocking until it arrives, and watching for its removal
// from a background goroutine while the daemon runs.
package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MicroPanelProject/micropanel/pkg/config"
	"github.com/fsnotify/fsnotify"
	evdev "github.com/gvalkov/golang-evdev"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// settleDelay gives the kernel time to create all of the dongle's device
// nodes (tty and input) after the USB arrival fires.
const settleDelay = 2 * time.Second

// Monitor tracks presence of the one known dongle signature. Detect and
// the presence checks are safe to call from the main loop while the
// disconnection watcher goroutine runs; they share only atomic flags.
type Monitor struct {
	cfg   *config.Instance
	clock clockwork.Clock

	// Filesystem roots, overridable in tests.
	sysfsRoot string
	devDir    string
	inputDir  string

	// probe overrides sysfs presence checking when non-nil.
	probe func() bool

	// listDevices enumerates evdev nodes for the detection fallbacks.
	listDevices func() ([]*evdev.InputDevice, error)

	stop chan struct{}
	done chan struct{}

	disconnected atomic.Bool
	watching     atomic.Bool
}

// NewMonitor returns a monitor for the signature configured in cfg.
func NewMonitor(cfg *config.Instance) *Monitor {
	return &Monitor{
		cfg:         cfg,
		clock:       clockwork.NewRealClock(),
		sysfsRoot:   "/sys/bus/usb/devices",
		devDir:      "/dev",
		inputDir:    "/dev/input",
		listDevices: func() ([]*evdev.InputDevice, error) { return evdev.ListInputDevices() },
	}
}

// readAttr reads a single sysfs attribute, trimmed. Missing attributes
// read as empty.
func readAttr(deviceDir, attr string) string {
	data, err := os.ReadFile(filepath.Join(deviceDir, attr)) //nolint:gosec // sysfs attribute under fixed root
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// matchingDeviceDir returns the sysfs directory of the dongle's USB device,
// or empty. strict additionally requires the manufacturer and product name
// substrings to confirm the VID:PID match.
func (m *Monitor) matchingDeviceDir(strict bool) string {
	mon := m.cfg.Monitor()

	entries, err := os.ReadDir(m.sysfsRoot)
	if err != nil {
		log.Debug().Err(err).Str("root", m.sysfsRoot).Msg("cannot read sysfs usb devices")
		return ""
	}

	for _, entry := range entries {
		dir := filepath.Join(m.sysfsRoot, entry.Name())
		if readAttr(dir, "idVendor") != mon.VendorID ||
			readAttr(dir, "idProduct") != mon.ProductID {
			continue
		}
		if strict {
			if !strings.Contains(readAttr(dir, "manufacturer"), mon.Manufacturer) ||
				!strings.Contains(readAttr(dir, "product"), mon.ProductName) {
				continue
			}
		}
		return dir
	}
	return ""
}

// CheckPresent reports whether the dongle is attached, confirming the
// VID:PID match against the manufacturer and product name strings.
func (m *Monitor) CheckPresent() bool {
	if m.probe != nil {
		return m.probe()
	}
	dir := m.matchingDeviceDir(true)
	if dir != "" {
		mon := m.cfg.Monitor()
		log.Info().
			Str("vendor", mon.VendorID).
			Str("product", mon.ProductID).
			Str("name", readAttr(dir, "product")).
			Msg("hmi device present")
		return true
	}
	return false
}

// checkPresentSilent is the VID:PID-only check used by the watcher, where
// repeated logging would be noise.
func (m *Monitor) checkPresentSilent() bool {
	if m.probe != nil {
		return m.probe()
	}
	return m.matchingDeviceDir(false) != ""
}

// Detect resolves the dongle's input event node and serial node. Either
// result may be empty when that interface cannot be found.
func (m *Monitor) Detect() (inputPath, serialPath string) {
	return m.findInputDevice(), m.findSerialDevice()
}

// DetectWithFallback tries USB detection first and substitutes the given
// GPIO/I2C paths when the dongle's interfaces are not both found.
func (m *Monitor) DetectWithFallback(fallbackInput, fallbackSerial string) (string, string) {
	inputPath, serialPath := m.Detect()
	if inputPath != "" && serialPath != "" {
		log.Info().Str("input", inputPath).Str("serial", serialPath).
			Msg("usb hmi device detected")
		return inputPath, serialPath
	}
	log.Info().Str("input", fallbackInput).Str("serial", fallbackSerial).
		Msg("usb hmi device not found, using fallback devices")
	return fallbackInput, fallbackSerial
}

// findInputDevice locates the dongle's event node, first through sysfs
// under the matched USB device, then by evdev name match, finally by
// accepting any device exposing relative X motion.
func (m *Monitor) findInputDevice() string {
	if dir := m.matchingDeviceDir(false); dir != "" {
		// Interface dirs hold input/inputN/eventN for the HID endpoint.
		matches, _ := filepath.Glob(filepath.Join(dir, "*", "*", "input", "input*", "event*"))
		if len(matches) == 0 {
			matches, _ = filepath.Glob(filepath.Join(dir, "*", "input", "input*", "event*"))
		}
		if len(matches) > 0 {
			node := filepath.Join(m.inputDir, filepath.Base(matches[0]))
			log.Info().Str("device", node).Msg("input device matched by usb signature")
			return node
		}
	}

	devices, err := m.listDevices()
	if err != nil {
		log.Debug().Err(err).Msg("evdev enumeration failed")
		return ""
	}
	defer func() {
		for _, dev := range devices {
			if dev.File != nil {
				_ = dev.File.Close()
			}
		}
	}()

	productName := m.cfg.Monitor().ProductName
	for _, dev := range devices {
		if strings.Contains(dev.Name, productName) {
			log.Info().Str("device", dev.Fn).Str("name", dev.Name).
				Msg("input device matched by name")
			return dev.Fn
		}
	}

	// Last resort: anything that looks like an encoder.
	for _, dev := range devices {
		if hasRelX(dev) {
			log.Debug().Str("device", dev.Fn).Str("name", dev.Name).
				Msg("input device matched by relative-motion capability")
			return dev.Fn
		}
	}
	return ""
}

func hasRelX(dev *evdev.InputDevice) bool {
	for capType, codes := range dev.Capabilities {
		if capType.Name != "EV_REL" {
			continue
		}
		for _, code := range codes {
			if code.Code == evdev.REL_X {
				return true
			}
		}
	}
	return false
}

// findSerialDevice locates the dongle's CDC-ACM node via sysfs, falling
// back to the first ttyACM node present.
func (m *Monitor) findSerialDevice() string {
	if dir := m.matchingDeviceDir(false); dir != "" {
		matches, _ := filepath.Glob(filepath.Join(dir, "*", "tty", "ttyACM*"))
		if len(matches) > 0 {
			node := filepath.Join(m.devDir, filepath.Base(matches[0]))
			log.Info().Str("device", node).Msg("serial device matched by usb signature")
			return node
		}
	}

	matches, _ := filepath.Glob(filepath.Join(m.devDir, "ttyACM*"))
	if len(matches) > 0 {
		log.Debug().Str("device", matches[0]).Msg("falling back to first ttyACM node")
		return matches[0]
	}
	return ""
}

// arrivalRelevant reports whether a created node could belong to the
// dongle: a tty node or an input event node.
func (m *Monitor) arrivalRelevant(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "ttyACM") || strings.HasPrefix(base, "event")
}

// WaitUntilConnected blocks until the dongle is present, the cancel flag is
// set, or (with no notification source) presence polling alone decides.
// Arrival notifications come from watching the device directories; a
// periodic presence check covers missed events. Returns true once present.
func (m *Monitor) WaitUntilConnected(cancel *atomic.Bool) bool {
	if m.CheckPresent() {
		return true
	}

	watcher, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	if err != nil {
		log.Warn().Err(err).Msg("device watcher unavailable, polling only")
	} else {
		defer func() {
			_ = watcher.Close()
		}()
		for _, dir := range []string{m.devDir, m.inputDir} {
			if err := watcher.Add(dir); err != nil {
				log.Debug().Err(err).Str("dir", dir).Msg("cannot watch directory")
			}
		}
		events = watcher.Events
	}

	mon := m.cfg.Monitor()
	pollTimeout := time.Duration(mon.NotifyPollMs) * time.Millisecond
	checkInterval := time.Duration(mon.WatchIntervalS) * time.Second

	log.Info().Msg("waiting for hmi device")
	lastCheck := m.clock.Now()

	for {
		if cancel != nil && cancel.Load() {
			log.Info().Msg("device wait cancelled")
			return false
		}

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op.Has(fsnotify.Create) && m.arrivalRelevant(ev.Name) {
				log.Debug().Str("node", ev.Name).Msg("device node appeared")
				// Give the kernel time to finish creating sibling nodes.
				m.clock.Sleep(settleDelay)
				if m.CheckPresent() {
					return true
				}
			}
		case <-m.clock.After(pollTimeout):
		}

		if m.clock.Since(lastCheck) >= checkInterval {
			lastCheck = m.clock.Now()
			if m.CheckPresent() {
				return true
			}
			log.Debug().Msg("still waiting for hmi device")
		}
	}
}

// StartWatch launches the disconnection watcher goroutine. It is a no-op
// while a watcher is already running.
func (m *Monitor) StartWatch() {
	if !m.watching.CompareAndSwap(false, true) {
		return
	}
	m.disconnected.Store(false)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.watchLoop()
}

// StopWatch signals the watcher and joins it. Idempotent; must be called
// before process exit.
func (m *Monitor) StopWatch() {
	if !m.watching.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)
	<-m.done
}

// IsDisconnected reports whether the watcher has seen the dongle go away.
// The flag is sticky until the next StartWatch.
func (m *Monitor) IsDisconnected() bool {
	return m.disconnected.Load()
}

// watchLoop re-checks presence on the configured interval and reacts to
// removal notifications. On the first positive detection it sets the
// disconnected flag and exits; it does not restart itself.
func (m *Monitor) watchLoop() {
	defer close(m.done)

	watcher, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	if err != nil {
		log.Warn().Err(err).Msg("removal watcher unavailable, polling only")
	} else {
		defer func() {
			_ = watcher.Close()
		}()
		if err := watcher.Add(m.devDir); err != nil {
			log.Debug().Err(err).Str("dir", m.devDir).Msg("cannot watch directory")
		}
		events = watcher.Events
	}

	mon := m.cfg.Monitor()
	pollTimeout := time.Duration(mon.NotifyPollMs) * time.Millisecond
	checkInterval := time.Duration(mon.WatchIntervalS) * time.Second

	log.Debug().Msg("disconnection watcher started")
	lastCheck := m.clock.Now()

	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op.Has(fsnotify.Remove) && m.arrivalRelevant(ev.Name) && !m.checkPresentSilent() {
				log.Info().Str("node", ev.Name).Msg("hmi device removed")
				m.disconnected.Store(true)
				return
			}
		case <-m.clock.After(pollTimeout):
		}

		if m.clock.Since(lastCheck) >= checkInterval {
			lastCheck = m.clock.Now()
			if !m.checkPresentSilent() {
				log.Info().Msg("hmi device disconnected")
				m.disconnected.Store(true)
				return
			}
		}
	}
}
