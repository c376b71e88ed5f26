//go:build linux

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

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/MicroPanelProject/micropanel/pkg/config"
	"github.com/MicroPanelProject/micropanel/pkg/display"
	"github.com/MicroPanelProject/micropanel/pkg/display/serialoled"
	"github.com/MicroPanelProject/micropanel/pkg/display/ssd1306"
	"github.com/MicroPanelProject/micropanel/pkg/helpers"
	"github.com/MicroPanelProject/micropanel/pkg/input"
	"github.com/MicroPanelProject/micropanel/pkg/input/multigpio"
	"github.com/MicroPanelProject/micropanel/pkg/input/rotary"
	"github.com/MicroPanelProject/micropanel/pkg/monitor"
	"github.com/rs/zerolog/log"
)

const appVersion = "1.0.0"

// eventWaitMs is the per-iteration bound on blocking for input, and so the
// ceiling on how stale the buffered display output can get.
const eventWaitMs = 20

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	serialDevice := flag.String("device", "", "serial display device path override")
	inputDevice := flag.String("input", "", "input device path override")
	i2cBus := flag.String("i2c", "", "drive an I2C OLED on this bus instead of serial")
	gpioMode := flag.Bool("gpio", false, "use auto-discovered GPIO input devices")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("micropanel v" + appVersion)
		return nil
	}

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if *serialDevice != "" {
		cfg.SetSerialDevice(*serialDevice)
	}
	if *inputDevice != "" {
		cfg.SetInputDevice(*inputDevice)
	}
	if *i2cBus != "" {
		cfg.SetDisplayBackend(config.BackendI2C)
		cfg.SetI2CBus(*i2cBus)
	}
	if *gpioMode {
		cfg.SetInputSource(config.SourceGpio)
	}
	if *debug {
		cfg.SetDebugLogging(true)
	}

	var logWriters []io.Writer
	if *debug {
		logWriters = append(logWriters, helpers.NewConsoleWriter())
	}
	if err := helpers.InitLogging(cfg, logWriters...); err != nil {
		return fmt.Errorf("error initializing logging: %w", err)
	}

	log.Info().Str("version", appVersion).Msg("micropanel starting")

	var quit atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		quit.Store(true)
	}()

	mon := monitor.NewMonitor(cfg)
	defer mon.StopWatch()

	for !quit.Load() {
		if err := runSession(cfg, mon, &quit); err != nil {
			log.Error().Err(err).Msg("session error")
			if quit.Load() {
				break
			}
		}
	}

	log.Info().Msg("micropanel stopped")
	return nil
}

// runSession services one plug-to-unplug lifetime of the device: wait for
// it, open the display and input per config, pump events until the device
// goes away or a shutdown signal arrives, then tear down.
func runSession(cfg *config.Instance, mon *monitor.Monitor, quit *atomic.Bool) error {
	if !mon.WaitUntilConnected(quit) {
		return nil
	}

	disp := cfg.Display()
	in := cfg.Input()
	inputPath, serialPath := mon.DetectWithFallback(in.Device, disp.SerialDevice)

	backend := buildBackend(cfg, serialPath)
	if err := backend.Open(); err != nil {
		return fmt.Errorf("error opening display: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing display")
		}
	}()

	source := buildSource(cfg, inputPath)
	if err := source.Open(); err != nil {
		return fmt.Errorf("error opening input: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing input")
		}
	}()

	mon.StartWatch()
	defer mon.StopWatch()

	runLoop(backend, source, mon, quit)
	return nil
}

// runLoop is the single-threaded cooperative event loop. Every blocking
// step has a bounded timeout so disconnects and signals are noticed
// promptly.
func runLoop(backend display.Backend, source input.Source, mon *monitor.Monitor, quit *atomic.Bool) {
	position := 0

	backend.Clear()
	backend.DrawText(0, 0, "MicroPanel")
	drawStatus(backend, position)

	onRotation := func(delta int) {
		log.Debug().Int("delta", delta).Msg("rotation")
		position += delta
		if position < 0 {
			position = 0
		} else if position > 100 {
			position = 100
		}
		drawStatus(backend, position)
	}
	onButton := func() {
		log.Debug().Msg("button press")
		position = 0
		drawStatus(backend, position)
	}

	for !quit.Load() {
		n := source.WaitForEvents(eventWaitMs)
		if n < 0 {
			log.Warn().Msg("input device lost")
			return
		}
		if n > 0 {
			source.ProcessEvents(onRotation, onButton)
		}

		// Buffered serial output rides along with the event cadence.
		if flusher, ok := backend.(interface {
			FlushDue() bool
			FlushBuffer()
		}); ok && flusher.FlushDue() {
			flusher.FlushBuffer()
		}

		if mon.IsDisconnected() || backend.Disconnected() {
			log.Info().Msg("device disconnected, ending session")
			return
		}
	}
}

func drawStatus(backend display.Backend, position int) {
	backend.DrawText(0, 16, "pos "+strconv.Itoa(position)+"   ")
	backend.DrawProgressBar(0, 32, display.Width, 12, position)
}

func buildBackend(cfg *config.Instance, serialPath string) display.Backend {
	disp := cfg.Display()
	if disp.Backend == config.BackendI2C {
		log.Info().Str("bus", disp.I2CBus).Msg("using i2c display backend")
		return ssd1306.New(disp.I2CBus, disp.I2CAddress)
	}
	log.Info().Str("device", serialPath).Msg("using serial display backend")
	return serialoled.New(serialPath, disp.BaudRate)
}

func buildSource(cfg *config.Instance, inputPath string) input.Source {
	in := cfg.Input()
	if in.Source == config.SourceGpio {
		log.Info().Msg("using gpio input source")
		return multigpio.NewSource(cfg)
	}
	log.Info().Str("device", inputPath).Msg("using rotary input source")
	return rotary.NewSource(cfg, inputPath)
}
