// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/riclolsen/iec101gw/clog"
)

// maxCommandsPerRun bounds the commands executed between two reads.
const maxCommandsPerRun = 16

type command struct {
	fn     func(*LinkLayer) error
	result chan error
}

// Channel runs one link layer over one port in a single loop: a read, the
// handling of the frame, and a state machine tick, repeated. It implements
// suture.Service; Serve returns when the port fails, so the supervisor
// reopens it after its backoff.
type Channel struct {
	name    string
	open    PortOpener
	ll      *LinkLayer
	clock   func() time.Time
	cmds    chan command
	running atomic.Bool

	clog.Clog

	onConnect        func(c *Channel)
	onConnectionLost func(c *Channel, err error)
	onConnectError   func(c *Channel, err error)
}

// NewChannel creates a channel named name running ll over ports created by
// open.
func NewChannel(name string, open PortOpener, ll *LinkLayer) *Channel {
	sf := &Channel{
		name:             name,
		open:             open,
		ll:               ll,
		clock:            time.Now,
		cmds:             make(chan command),
		Clog:             clog.NewLogger("cs101 channel [" + name + "]"),
		onConnect:        func(*Channel) {},
		onConnectionLost: func(*Channel, error) {},
		onConnectError:   func(*Channel, error) {},
	}
	return sf
}

// SetLogMode enables or disables logging of the channel and its link layer.
func (sf *Channel) SetLogMode(enable bool) {
	sf.Clog.LogMode(enable)
	sf.ll.LogMode(enable)
}

// SetOnConnectHandler sets the handler called when the port has been opened.
func (sf *Channel) SetOnConnectHandler(f func(c *Channel)) *Channel {
	if f != nil {
		sf.onConnect = f
	}
	return sf
}

// SetConnectionLostHandler sets the handler called when the port failed.
func (sf *Channel) SetConnectionLostHandler(f func(c *Channel, err error)) *Channel {
	if f != nil {
		sf.onConnectionLost = f
	}
	return sf
}

// SetConnectErrorHandler sets the handler called when opening the port failed.
func (sf *Channel) SetConnectErrorHandler(f func(c *Channel, err error)) *Channel {
	if f != nil {
		sf.onConnectError = f
	}
	return sf
}

// Name returns the channel name.
func (sf *Channel) Name() string {
	return sf.name
}

// String names the service in supervisor events.
func (sf *Channel) String() string {
	return "cs101 channel " + sf.name
}

// IsRunning reports whether the channel loop is active.
func (sf *Channel) IsRunning() bool {
	return sf.running.Load()
}

// Serve opens the port and runs the channel loop until ctx is done or the
// port fails. The link layer starts from Idle on every call.
func (sf *Channel) Serve(ctx context.Context) error {
	port, err := sf.open(ctx)
	if err != nil {
		sf.Error("Failed to open port: %v", err)
		sf.onConnectError(sf, err)
		return err
	}
	// Closing the port makes a blocked read return.
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer func() {
		if stop() {
			_ = port.Close()
		}
	}()

	sf.ll.Attach(port)
	defer sf.ll.Detach()
	sf.running.Store(true)
	defer sf.running.Store(false)

	sf.Debug("Channel started")
	sf.onConnect(sf)
	for {
		if ctx.Err() != nil {
			sf.Debug("Channel stopped")
			return ctx.Err()
		}
		sf.runCommands()
		if err := sf.ll.Run(sf.clock); err != nil {
			if ctx.Err() != nil {
				sf.Debug("Channel stopped")
				return ctx.Err()
			}
			sf.Error("Channel failed: %v", err)
			sf.onConnectionLost(sf, err)
			return err
		}
	}
}

func (sf *Channel) runCommands() {
	for i := 0; i < maxCommandsPerRun; i++ {
		select {
		case cmd := <-sf.cmds:
			cmd.result <- cmd.fn(sf.ll)
		default:
			return
		}
	}
}

// Do runs fn on the channel goroutine between two loop iterations. It is the
// way to use the link layer from other goroutines.
func (sf *Channel) Do(ctx context.Context, fn func(ll *LinkLayer) error) error {
	if !sf.running.Load() {
		return ErrNotActive
	}
	cmd := command{fn: fn, result: make(chan error, 1)}
	select {
	case sf.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
