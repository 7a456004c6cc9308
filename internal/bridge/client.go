// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package bridge

import (
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ClientConfig holds the broker connection settings.
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// defaultClientID derives a stable client ID from the host name and home
// directory.
func defaultClientID() string {
	hn, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	hf := sha256.New()
	fmt.Fprintf(hf, "%s\n%s\n", hn, home)
	return fmt.Sprintf("g%x", hf.Sum(nil))[:12]
}

// Connect connects to the broker. The client reconnects by itself after a
// connection loss.
func Connect(cfg ClientConfig) (mqtt.Client, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	// the broker keeps the tx subscriptions over a reconnection
	opts.SetCleanSession(false)
	opts.SetConnectTimeout(cfg.Timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}
