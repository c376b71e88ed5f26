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

// Package helpers holds small shared utilities for the daemon: logging
// bootstrap and sync wrappers live here rather than in the device packages.
package helpers

import (
	"io"
	"os"
	"path/filepath"

	"github.com/MicroPanelProject/micropanel/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogging sets up the global zerolog logger with a rotating file in the
// data dir plus any extra writers (e.g. a console writer for foreground runs).
func InitLogging(cfg *config.Instance, writers ...io.Writer) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg != nil && cfg.DebugLogging() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return err
	}

	logWriters := []io.Writer{&lumberjack.Logger{
		Filename:   filepath.Join(dataDir, config.LogFile),
		MaxSize:    1,
		MaxBackups: 2,
	}}
	logWriters = append(logWriters, writers...)

	log.Logger = log.Output(io.MultiWriter(logWriters...)).
		With().Timestamp().Caller().Logger()

	return nil
}

// NewConsoleWriter returns a human readable writer for stderr output when
// running in the foreground.
func NewConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr}
}
