// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/riclolsen/iec101gw/cs101"
)

// duration is a time.Duration written as "250ms" or "1m" in JSON.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type serialConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baudRate"`
	DataBits int    `json:"dataBits"`
	StopBits byte   `json:"stopBits"`
	Parity   string `json:"parity"`
}

// channelConfig describes one station in the channels file.
type channelConfig struct {
	Name string `json:"name"`
	// Role is "master" or "slave".
	Role string `json:"role"`
	// Mode is "unbalanced" (default) or "balanced".
	Mode             string   `json:"mode"`
	LinkAddress      uint16   `json:"linkAddress"`
	OtherLinkAddress uint16   `json:"otherLinkAddress"`
	LinkAddrSize     *byte    `json:"linkAddrSize"`
	Slaves           []uint16 `json:"slaves"`
	DIR              bool     `json:"dir"`
	SingleCharACK    *bool    `json:"singleCharAck"`

	TimeoutForACK     duration  `json:"timeoutForAck"`
	TimeoutRepeat     duration  `json:"timeoutRepeat"`
	PollInterval      *duration `json:"pollInterval"`
	ReconnectInterval duration  `json:"reconnectInterval"`
	QueueSize         int       `json:"queueSize"`
	// Persistent keeps the queues of a slave in the data directory.
	Persistent bool `json:"persistent"`

	Serial    *serialConfig `json:"serial"`
	TCPClient string        `json:"tcpClient"`
	TCPServer string        `json:"tcpServer"`
}

type channelsFile struct {
	Channels []channelConfig `json:"channels"`
}

func loadChannels(path string) ([]channelConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f channelsFile
	if err = json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(f.Channels) == 0 {
		return nil, fmt.Errorf("%s: no channels", path)
	}
	names := make(map[string]bool)
	for i := range f.Channels {
		c := &f.Channels[i]
		if c.Name == "" {
			return nil, fmt.Errorf("%s: channel %d has no name", path, i)
		}
		if names[c.Name] {
			return nil, fmt.Errorf("%s: duplicate channel %q", path, c.Name)
		}
		names[c.Name] = true
		if c.Role != "master" && c.Role != "slave" {
			return nil, fmt.Errorf("channel %s: role must be master or slave", c.Name)
		}
	}
	return f.Channels, nil
}

// linkConfig returns the link layer configuration of the channel.
func (c *channelConfig) linkConfig() (cs101.Config, error) {
	cfg := cs101.DefaultConfig()
	switch c.Mode {
	case "", "unbalanced":
		cfg.Mode = cs101.ModeUnbalanced
	case "balanced":
		cfg.Mode = cs101.ModeBalanced
	default:
		return cfg, fmt.Errorf("channel %s: unknown mode %q", c.Name, c.Mode)
	}
	cfg.LinkAddress = c.LinkAddress
	cfg.OtherLinkAddress = c.OtherLinkAddress
	if c.LinkAddrSize != nil {
		cfg.LinkAddrSize = *c.LinkAddrSize
	}
	cfg.DIR = c.DIR
	if c.SingleCharACK != nil {
		cfg.UseSingleCharACK = *c.SingleCharACK
	}
	if c.TimeoutForACK > 0 {
		cfg.TimeoutForACK = time.Duration(c.TimeoutForACK)
	}
	if c.TimeoutRepeat > 0 {
		cfg.TimeoutRepeat = time.Duration(c.TimeoutRepeat)
	}
	if c.QueueSize > 0 {
		cfg.MaxSendQueueSize = c.QueueSize
	}
	if err := cfg.Valid(); err != nil {
		return cfg, fmt.Errorf("channel %s: %w", c.Name, err)
	}
	return cfg, nil
}

// opener returns the port of the channel.
func (c *channelConfig) opener() (cs101.PortOpener, error) {
	n := 0
	var open cs101.PortOpener
	if c.Serial != nil {
		n++
		parity, err := parseParity(c.Serial.Parity)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", c.Name, err)
		}
		cfg := cs101.SerialConfig{
			Address:  c.Serial.Port,
			BaudRate: c.Serial.BaudRate,
			DataBits: c.Serial.DataBits,
			StopBits: c.Serial.StopBits,
			Parity:   parity,
		}
		if err = cfg.Valid(); err != nil {
			return nil, fmt.Errorf("channel %s: %w", c.Name, err)
		}
		open = cs101.SerialOpener(cfg)
	}
	if c.TCPClient != "" {
		n++
		open = cs101.TCPClientOpener(cs101.TCPConfig{Address: c.TCPClient})
	}
	if c.TCPServer != "" {
		n++
		open = cs101.TCPServerOpener(cs101.TCPConfig{Address: c.TCPServer})
	}
	if n != 1 {
		return nil, fmt.Errorf("channel %s: exactly one of serial, tcpClient and tcpServer must be set", c.Name)
	}
	return open, nil
}

func parseParity(s string) (byte, error) {
	switch s {
	case "", "even":
		return 2, nil
	case "odd":
		return 1, nil
	case "none":
		return 0, nil
	}
	return 0, errors.New("parity must be even, odd or none")
}
