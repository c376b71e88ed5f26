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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MicroPanelProject/micropanel/pkg/helpers/syncutil"
	"github.com/adrg/xdg"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	SchemaVersion = 1
	CfgEnv        = "MICROPANEL_CFG"
	CfgFile       = "config.toml"
	LogFile       = "micropanel.log"
	AppName       = "micropanel"

	BackendSerial = "serial"
	BackendI2C    = "i2c"
	SourceRotary  = "rotary"
	SourceGpio    = "gpio"
)

type Values struct {
	Display      Display `toml:"display,omitempty"`
	Input        Input   `toml:"input,omitempty"`
	Monitor      Monitor `toml:"monitor,omitempty"`
	ConfigSchema int     `toml:"config_schema"`
	DebugLogging bool    `toml:"debug_logging"`
}

type Display struct {
	Backend      string `toml:"backend"`
	SerialDevice string `toml:"serial_device,omitempty"`
	BaudRate     int    `toml:"baud_rate,omitempty"`
	I2CBus       string `toml:"i2c_bus,omitempty"`
	I2CAddress   uint16 `toml:"i2c_address,omitempty"`
}

type Input struct {
	Source            string `toml:"source"`
	Device            string `toml:"device,omitempty"`
	PairThreshold     int    `toml:"pair_threshold,omitempty"`
	SettleMs          int    `toml:"settle_ms,omitempty"`
	GestureResetMs    int    `toml:"gesture_reset_ms,omitempty"`
	KeyRotateStep     int    `toml:"key_rotate_step,omitempty"`
	MaxEventsPerCycle int    `toml:"max_events_per_cycle,omitempty"`
}

type Monitor struct {
	VendorID       string `toml:"vendor_id,omitempty"`
	ProductID      string `toml:"product_id,omitempty"`
	Manufacturer   string `toml:"manufacturer,omitempty"`
	ProductName    string `toml:"product_name,omitempty"`
	WatchIntervalS int    `toml:"watch_interval_s,omitempty"`
	NotifyPollMs   int    `toml:"notify_poll_ms,omitempty"`
}

var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Display: Display{
		Backend:      BackendSerial,
		SerialDevice: "/dev/ttyACM0",
		BaudRate:     115200,
		I2CBus:       "1",
		I2CAddress:   0x3C,
	},
	Input: Input{
		Source:            SourceRotary,
		Device:            "/dev/input/event0",
		PairThreshold:     2,
		SettleMs:          30,
		GestureResetMs:    100,
		KeyRotateStep:     5,
		MaxEventsPerCycle: 5,
	},
	Monitor: Monitor{
		VendorID:       "1209",
		ProductID:      "0001",
		Manufacturer:   "DIY Projects",
		ProductName:    "Pico Encoder Display",
		WatchIntervalS: 5,
		NotifyPollMs:   100,
	},
}

type Instance struct {
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

// DataDir returns the directory used for logs and runtime state.
func DataDir() string {
	return filepath.Join(xdg.StateHome, AppName)
}

func cfgPathFromEnv() string {
	if env, ok := os.LookupEnv(CfgEnv); ok && env != "" {
		return env
	}
	return filepath.Join(xdg.ConfigHome, AppName, CfgFile)
}

// NewConfig loads the TOML config from path, or from the default location
// when path is empty. A missing config file is not an error; defaults apply
// and the file is created on the first Save.
func NewConfig(path string) (*Instance, error) {
	if path == "" {
		path = cfgPathFromEnv()
	}

	cfg := &Instance{
		cfgPath:  path,
		vals:     BaseDefaults,
		defaults: BaseDefaults,
	}

	if err := cfg.Load(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	if _, err := os.Stat(c.cfgPath); err != nil {
		log.Debug().Str("path", c.cfgPath).Msg("no config file, using defaults")
		return nil
	}

	data, err := os.ReadFile(c.cfgPath)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	newVals := c.defaults
	if err := toml.Unmarshal(data, &newVals); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	if newVals.ConfigSchema != SchemaVersion {
		log.Warn().
			Int("schema", newVals.ConfigSchema).
			Int("expected", SchemaVersion).
			Msg("config schema mismatch, continuing anyway")
	}

	c.vals = newVals
	return nil
}

func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	if err := os.MkdirAll(filepath.Dir(c.cfgPath), 0o750); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("error marshalling config: %w", err)
	}

	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

func (c *Instance) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfgPath
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
}

func (c *Instance) Display() Display {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Display
}

func (c *Instance) SetDisplayBackend(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Display.Backend = backend
}

func (c *Instance) SetSerialDevice(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Display.SerialDevice = path
}

func (c *Instance) SetI2CBus(bus string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Display.I2CBus = bus
}

func (c *Instance) Input() Input {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Input
}

func (c *Instance) SetInputSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Input.Source = source
}

func (c *Instance) SetInputDevice(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Input.Device = path
}

func (c *Instance) Monitor() Monitor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Monitor
}
