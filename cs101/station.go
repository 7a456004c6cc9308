// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/riclolsen/iec101gw/clog"
	"github.com/thejerf/suture/v4"
)

// StationHandler receives user data and link state changes of a station.
// It is called from a single goroutine, never from the channel loop, so it
// may block and may call back into the station.
type StationHandler interface {
	// UserDataHandler is called for every user data payload received from
	// the station at address.
	UserDataHandler(address uint16, payload []byte) error
	// LinkStateHandler is called with the latest link state of the link to
	// address. Quick successive changes may be reported once.
	LinkStateHandler(address uint16, state LinkLayerState)
}

// SendFailedHandler is optionally implemented by a StationHandler to learn
// about user data that was given up: the repeat timeout expired, the station
// answered NACK or the link was reset before the data left. It is called
// from the same goroutine as the other handler methods.
type SendFailedHandler interface {
	SendFailedHandler(address uint16, payload []byte, err error)
}

type userData struct {
	address uint16
	payload []byte
	err     error // set for failed sends
}

// station is the part shared by Master and Slave: the channel, the handler
// goroutine and the start/stop lifecycle.
type station struct {
	name              string
	ch                *Channel
	handler           StationHandler
	reconnectInterval time.Duration

	received chan userData
	failed   chan userData
	onFailed SendFailedHandler // nil if the handler does not implement it

	mu      sync.Mutex
	states  map[uint16]LinkLayerState
	changed map[uint16]LinkLayerState
	notify  chan struct{}

	rwMux  sync.Mutex
	cancel context.CancelFunc
	done   <-chan error

	clog.Clog
}

func (sf *station) init(opt *stationOption, handler StationHandler) {
	sf.name = opt.name
	sf.handler = handler
	sf.reconnectInterval = opt.reconnectInterval
	sf.received = make(chan userData, opt.receiveQueueSize)
	sf.failed = make(chan userData, opt.receiveQueueSize)
	sf.onFailed, _ = handler.(SendFailedHandler)
	sf.states = make(map[uint16]LinkLayerState)
	sf.changed = make(map[uint16]LinkLayerState)
	sf.notify = make(chan struct{}, 1)
	sf.Clog = clog.NewLogger(fmt.Sprintf("cs101 station [%s]", opt.name))
}

func (sf *station) attach(opt *stationOption, ll *LinkLayer) error {
	if opt.opener == nil {
		return errors.New("no port configured")
	}
	ll.SetMetrics(opt.metrics, opt.name)
	if opt.rawHandler != nil {
		ll.SetRawMessageHandler(opt.rawHandler)
	}
	sf.ch = NewChannel(opt.name, opt.opener, ll)
	return nil
}

// Name returns the channel name of the station.
func (sf *station) Name() string {
	return sf.name
}

// Channel returns the channel of the station, e.g. to install handlers.
func (sf *station) Channel() *Channel {
	return sf.ch
}

// SetLogMode enables or disables logging of the station and its channel.
func (sf *station) SetLogMode(enable bool) {
	sf.Clog.LogMode(enable)
	sf.ch.SetLogMode(enable)
}

// IsConnected reports whether the port is open and the channel running.
func (sf *station) IsConnected() bool {
	return sf.ch.IsRunning()
}

// LinkState returns the last known state of the link to address.
func (sf *station) LinkState(address uint16) LinkLayerState {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.states[address]
}

// DeliverPayload hands received user data to the handler goroutine. It
// returns false, refusing the data, while the receive queue is full.
func (sf *station) DeliverPayload(address uint16, payload []byte) bool {
	select {
	case sf.received <- userData{address: address, payload: payload}:
		return true
	default:
		sf.Warn("Receive queue full, refusing %d bytes from %d", len(payload), address)
		return false
	}
}

// SendFailed implements SendFailureHandler. The failure is passed on to
// the handler goroutine when the handler implements SendFailedHandler.
func (sf *station) SendFailed(address uint16, payload []byte, err error) {
	sf.Warn("Dropped %d bytes of user data to %d: %v", len(payload), address, err)
	if sf.onFailed == nil {
		return
	}
	select {
	case sf.failed <- userData{address: address, payload: payload, err: err}:
	default:
		sf.Warn("Failure queue full, not reporting %d bytes to %d", len(payload), address)
	}
}

// StateChanged records the new state for the handler goroutine.
func (sf *station) StateChanged(address uint16, state LinkLayerState) {
	sf.mu.Lock()
	sf.states[address] = state
	sf.changed[address] = state
	sf.mu.Unlock()
	select {
	case sf.notify <- struct{}{}:
	default:
	}
}

// receiveQueueBusy reports a receive queue filled to three quarters.
func (sf *station) receiveQueueBusy() bool {
	return len(sf.received)*4 >= cap(sf.received)*3
}

func (sf *station) handlerLoop(ctx context.Context) {
	sf.Debug("handlerLoop started")
	defer sf.Debug("handlerLoop stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-sf.notify:
			sf.mu.Lock()
			changed := sf.changed
			sf.changed = make(map[uint16]LinkLayerState)
			sf.mu.Unlock()
			for address, state := range changed {
				sf.callStateHandler(address, state)
			}
		case d := <-sf.received:
			if err := sf.callHandler(d); err != nil {
				sf.Warn("Error in user data handler: %v (%d bytes from %d)", err, len(d.payload), d.address)
			}
		case d := <-sf.failed:
			sf.callFailedHandler(d)
		}
	}
}

// callHandler safely calls the user data handler.
func (sf *station) callHandler(d userData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered in handler: %v", r)
			sf.Critical("%v", err)
		}
	}()
	return sf.handler.UserDataHandler(d.address, d.payload)
}

func (sf *station) callFailedHandler(d userData) {
	defer func() {
		if r := recover(); r != nil {
			sf.Critical("panic recovered in send failure handler: %v", r)
		}
	}()
	sf.onFailed.SendFailedHandler(d.address, d.payload, d.err)
}

func (sf *station) callStateHandler(address uint16, state LinkLayerState) {
	defer func() {
		if r := recover(); r != nil {
			sf.Critical("panic recovered in link state handler: %v", r)
		}
	}()
	sf.handler.LinkStateHandler(address, state)
}

// serve runs the channel together with the handler goroutine and the given
// helper loops until ctx is done or the port fails.
func (sf *station) serve(ctx context.Context, loops ...func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1 + len(loops))
	go func() {
		defer wg.Done()
		sf.handlerLoop(ctx)
	}()
	for _, loop := range loops {
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}

	err := sf.ch.Serve(ctx)
	cancel()
	wg.Wait()
	return err
}

// supervisor returns a supervisor running svc that restarts it one
// reconnect interval after every failure.
func (sf *station) supervisor(svc suture.Service) *suture.Supervisor {
	sup := suture.New(sf.name, suture.Spec{
		EventHook:        sf.supervisorEvent,
		FailureThreshold: 0.5,
		FailureBackoff:   sf.reconnectInterval,
	})
	sup.Add(svc)
	return sup
}

// ReconnectInterval returns the pause before the port is reopened after a
// failure.
func (sf *station) ReconnectInterval() time.Duration {
	return sf.reconnectInterval
}

// start runs svc under a private supervisor in the background.
func (sf *station) start(svc suture.Service) error {
	sf.rwMux.Lock()
	defer sf.rwMux.Unlock()
	if sf.cancel != nil {
		return errors.New("station already started")
	}
	sup := sf.supervisor(svc)
	var ctx context.Context
	ctx, sf.cancel = context.WithCancel(context.Background())
	sf.done = sup.ServeBackground(ctx)
	sf.Debug("Station started")
	return nil
}

func (sf *station) supervisorEvent(e suture.Event) {
	switch e.Type() {
	case suture.EventTypeServicePanic:
		sf.Critical("%s", e)
	case suture.EventTypeBackoff:
		sf.Debug("Reopening port in %v", sf.reconnectInterval)
	default:
		sf.Debug("%s", e)
	}
}

// Close stops the station and waits for its goroutines.
func (sf *station) Close() error {
	sf.rwMux.Lock()
	defer sf.rwMux.Unlock()
	if sf.cancel == nil {
		return errors.New("station not running")
	}
	sf.Debug("Close requested")
	sf.cancel()
	sf.cancel = nil
	err := <-sf.done
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
