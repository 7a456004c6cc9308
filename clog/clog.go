// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package clog provides the leveled printf-style logger embedded by the
// protocol components. Output goes through log/slog.
package clog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LevelCritical is used for failures that stop a component.
const LevelCritical = slog.LevelError + 4

// LogProvider RFC5424 log message levels only Debug Warn and Error
type LogProvider interface {
	Critical(format string, v ...any)
	Error(format string, v ...any)
	Warn(format string, v ...any)
	Debug(format string, v ...any)
}

// Clog is embedded by components that log. Logging is off until LogMode(true).
type Clog struct {
	provider LogProvider
	// is log output enabled, 1: enable, 0: disable
	has *atomic.Bool
}

// NewLogger creates a new logger whose records carry the given module name.
func NewLogger(module string) Clog {
	return Clog{
		provider: slogProvider{module: module},
		has:      new(atomic.Bool),
	}
}

// LogMode set enable or disable log output when you has set provider
func (sf *Clog) LogMode(enable bool) {
	if sf.has == nil {
		sf.has = new(atomic.Bool)
	}
	sf.has.Store(enable)
}

// SetLogProvider set provider provider
func (sf *Clog) SetLogProvider(p LogProvider) {
	if p != nil {
		sf.provider = p
	}
}

func (sf Clog) enabled() bool {
	return sf.provider != nil && sf.has != nil && sf.has.Load()
}

// Critical Log CRITICAL level message.
func (sf Clog) Critical(format string, v ...any) {
	if sf.enabled() {
		sf.provider.Critical(format, v...)
	}
}

// Error Log ERROR level message.
func (sf Clog) Error(format string, v ...any) {
	if sf.enabled() {
		sf.provider.Error(format, v...)
	}
}

// Warn Log WARN level message.
func (sf Clog) Warn(format string, v ...any) {
	if sf.enabled() {
		sf.provider.Warn(format, v...)
	}
}

// Debug Log DEBUG level message.
func (sf Clog) Debug(format string, v ...any) {
	if sf.enabled() {
		sf.provider.Debug(format, v...)
	}
}

// slogProvider renders through slog.Default at call time, so a handler
// installed later with Setup is picked up by loggers created earlier.
type slogProvider struct {
	module string
}

func (p slogProvider) log(level slog.Level, format string, v []any) {
	l := slog.Default()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...), "module", p.module)
}

func (p slogProvider) Critical(format string, v ...any) { p.log(LevelCritical, format, v) }
func (p slogProvider) Error(format string, v ...any)    { p.log(slog.LevelError, format, v) }
func (p slogProvider) Warn(format string, v ...any)     { p.log(slog.LevelWarn, format, v) }
func (p slogProvider) Debug(format string, v ...any)    { p.log(slog.LevelDebug, format, v) }

// NewHandler returns the console handler used by the gateway: tint with
// colour when w is a terminal, or JSON when asJSON is set.
func NewHandler(w io.Writer, level slog.Level, asJSON bool) slog.Handler {
	if asJSON {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})
}

// Setup installs NewHandler as the slog default.
func Setup(w io.Writer, level slog.Level, asJSON bool) {
	slog.SetDefault(slog.New(NewHandler(w, level, asJSON)))
}
