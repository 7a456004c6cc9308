// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package clog

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

type captureProvider struct {
	lines []string
}

func (p *captureProvider) add(level, format string, v ...any) {
	p.lines = append(p.lines, level+" "+fmt.Sprintf(format, v...))
}

func (p *captureProvider) Critical(format string, v ...any) { p.add("CRT", format, v...) }
func (p *captureProvider) Error(format string, v ...any)    { p.add("ERR", format, v...) }
func (p *captureProvider) Warn(format string, v ...any)     { p.add("WRN", format, v...) }
func (p *captureProvider) Debug(format string, v ...any)    { p.add("DBG", format, v...) }

func TestLogMode(t *testing.T) {
	l := NewLogger("test")
	p := &captureProvider{}
	l.SetLogProvider(p)

	l.Debug("dropped %d", 1)
	if len(p.lines) != 0 {
		t.Fatalf("logging before LogMode(true): %v", p.lines)
	}

	l.LogMode(true)
	l.Warn("kept %d", 2)
	l.Critical("boom")

	// Copies share the enable flag.
	cp := l
	l.LogMode(false)
	cp.Error("dropped")

	want := []string{"WRN kept 2", "CRT boom"}
	if strings.Join(p.lines, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", p.lines, want)
	}
}

func TestZeroValueIsSilent(t *testing.T) {
	var l Clog
	l.Debug("nothing %s", "here")
	l.LogMode(true)
	l.Error("still nothing")
}

func TestSlogProvider(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	defer slog.SetDefault(prev)
	slog.SetDefault(slog.New(NewHandler(&buf, slog.LevelDebug, true)))

	l := NewLogger("cs101")
	l.LogMode(true)
	l.Warn("link %d down", 3)

	out := buf.String()
	if !strings.Contains(out, `"msg":"link 3 down"`) || !strings.Contains(out, `"module":"cs101"`) {
		t.Errorf("unexpected record %q", out)
	}
}

func TestTintHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf, slog.LevelWarn, false)
	lg := slog.New(h)
	lg.Debug("hidden")
	lg.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
