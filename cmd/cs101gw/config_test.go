// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/riclolsen/iec101gw/cs101"
)

func writeChannels(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadChannels(t *testing.T) {
	path := writeChannels(t, `{
		"channels": [
			{
				"name": "line1",
				"role": "master",
				"slaves": [1, 2],
				"timeoutForAck": "200ms",
				"timeoutRepeat": "1s",
				"pollInterval": "0s",
				"serial": {"port": "/dev/ttyS0", "baudRate": 9600, "parity": "even"}
			},
			{
				"name": "rtu",
				"role": "slave",
				"mode": "balanced",
				"linkAddress": 3,
				"otherLinkAddress": 1,
				"linkAddrSize": 2,
				"singleCharAck": false,
				"persistent": true,
				"tcpClient": "10.0.0.5:4001"
			}
		]
	}`)
	channels, err := loadChannels(path)
	if err != nil {
		t.Fatalf("loadChannels() error = %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("loaded %d channels, want 2", len(channels))
	}

	cfg, err := channels[0].linkConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != cs101.ModeUnbalanced || cfg.TimeoutForACK != 200*time.Millisecond || cfg.TimeoutRepeat != time.Second {
		t.Errorf("line1 config = %+v", cfg)
	}
	if channels[0].PollInterval == nil || *channels[0].PollInterval != 0 {
		t.Errorf("line1 poll interval = %v, want 0", channels[0].PollInterval)
	}
	if _, err = channels[0].opener(); err != nil {
		t.Errorf("line1 opener() error = %v", err)
	}

	cfg, err = channels[1].linkConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != cs101.ModeBalanced || cfg.LinkAddrSize != 2 || cfg.UseSingleCharACK || cfg.OtherLinkAddress != 1 {
		t.Errorf("rtu config = %+v", cfg)
	}
	if !channels[1].Persistent {
		t.Error("rtu not persistent")
	}
	if _, err = channels[1].opener(); err != nil {
		t.Errorf("rtu opener() error = %v", err)
	}
}

func TestLoadChannelsErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", `channels`},
		{"empty", `{"channels": []}`},
		{"no name", `{"channels": [{"role": "master"}]}`},
		{"bad role", `{"channels": [{"name": "a", "role": "primary"}]}`},
		{"duplicate", `{"channels": [{"name": "a", "role": "slave"}, {"name": "a", "role": "slave"}]}`},
		{"bad duration", `{"channels": [{"name": "a", "role": "slave", "timeoutForAck": "soon"}]}`},
		{"numeric duration", `{"channels": [{"name": "a", "role": "slave", "timeoutForAck": 100}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadChannels(writeChannels(t, tt.content)); err == nil {
				t.Error("loadChannels() succeeded")
			}
		})
	}
	if _, err := loadChannels(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("loadChannels() of a missing file succeeded")
	}
}

func TestChannelConfigErrors(t *testing.T) {
	size := byte(3)
	tests := []struct {
		name string
		c    channelConfig
	}{
		{"unknown mode", channelConfig{Name: "a", Mode: "both", TCPServer: ":2404"}},
		{"bad address size", channelConfig{Name: "a", LinkAddrSize: &size, TCPServer: ":2404"}},
		{"repeat shorter than ack timeout", channelConfig{
			Name: "a", TimeoutForACK: duration(time.Second), TimeoutRepeat: duration(time.Millisecond * 500), TCPServer: ":2404",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.c.linkConfig(); err == nil {
				t.Error("linkConfig() succeeded")
			}
		})
	}

	ports := []struct {
		name string
		c    channelConfig
	}{
		{"no port", channelConfig{Name: "a"}},
		{"two ports", channelConfig{Name: "a", TCPClient: "h:1", TCPServer: ":2"}},
		{"bad parity", channelConfig{Name: "a", Serial: &serialConfig{Port: "/dev/ttyS0", BaudRate: 9600, Parity: "mark"}}},
		{"no baud rate", channelConfig{Name: "a", Serial: &serialConfig{Port: "/dev/ttyS0"}}},
	}
	for _, tt := range ports {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.c.opener(); err == nil {
				t.Error("opener() succeeded")
			}
		})
	}
}

func TestNewStation(t *testing.T) {
	path := writeChannels(t, `{
		"channels": [
			{"name": "line1", "role": "master", "slaves": [1], "reconnectInterval": "2s", "tcpServer": "127.0.0.1:0"},
			{"name": "rtu", "role": "slave", "tcpClient": "127.0.0.1:1"},
			{"name": "store", "role": "slave", "persistent": true, "tcpClient": "127.0.0.1:1"}
		]
	}`)
	channels, err := loadChannels(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		reconnect time.Duration
	}{
		{"line1", 2 * time.Second},
		{"rtu", cs101.DefaultReconnectInterval},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := newStation(&channels[i], &logHandler{name: tt.name}, nil, nil)
			if err != nil {
				t.Fatalf("newStation() error = %v", err)
			}
			if d := st.ReconnectInterval(); d != tt.reconnect {
				t.Errorf("ReconnectInterval() = %v, want %v", d, tt.reconnect)
			}
			if st.Supervisor() == nil {
				t.Error("Supervisor() = nil")
			}
		})
	}

	if _, err = newStation(&channels[2], &logHandler{name: "store"}, nil, nil); err == nil {
		t.Error("persistent slave created without a data directory")
	}

	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err = newStation(&channels[2], &logHandler{name: "store"}, nil, db); err != nil {
		t.Errorf("persistent slave: %v", err)
	}
}
