// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riclolsen/iec101gw/queue"
	"github.com/thejerf/suture/v4"
)

// Master is a controlling station. In unbalanced mode it polls its slaves
// for class 2 data and fetches class 1 data on access demand; in balanced
// mode it talks to one peer that may also send on its own.
type Master struct {
	station
	ll           *LinkLayer
	slaves       []uint16
	queues       map[uint16][2]queue.Queue // class 1, class 2
	pollInterval time.Duration
}

// NewMaster creates a master station. handler receives the user data of the
// slaves. The station starts with Start or by adding it to a supervisor.
func NewMaster(handler StationHandler, o *MasterOption) (*Master, error) {
	if handler == nil {
		return nil, errors.New("nil station handler")
	}
	opt := *o
	cfg := opt.config
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	sf := &Master{
		queues:       make(map[uint16][2]queue.Queue),
		pollInterval: opt.pollInterval,
	}
	sf.init(&opt.stationOption, handler)

	var err error
	if cfg.Mode == ModeBalanced {
		sf.ll, err = NewBalancedLinkLayer(cfg, sf)
		if err != nil {
			return nil, err
		}
	} else {
		sf.ll, err = NewUnbalancedPrimary(cfg, sf)
		if err != nil {
			return nil, err
		}
		if len(opt.slaves) == 0 {
			return nil, errors.New("unbalanced master without slaves")
		}
		for _, address := range opt.slaves {
			if err = sf.ll.AddSlave(address); err != nil {
				return nil, fmt.Errorf("slave %d: %w", address, err)
			}
		}
	}
	sf.slaves = sf.ll.Slaves()
	for _, address := range sf.slaves {
		sf.queues[address] = [2]queue.Queue{
			queue.NewMemory(cfg.MaxSendQueueSize),
			queue.NewMemory(cfg.MaxSendQueueSize),
		}
	}
	if err = sf.attach(&opt.stationOption, sf.ll); err != nil {
		return nil, err
	}
	return sf, nil
}

// String names the service in supervisor events.
func (sf *Master) String() string {
	return "cs101 master " + sf.name
}

// Slaves returns the addresses of the slaves, or of the balanced peer.
func (sf *Master) Slaves() []uint16 {
	return append([]uint16(nil), sf.slaves...)
}

// Send queues user data for the slave at address. Class 1 data leaves before
// class 2 data. The broadcast address of an unbalanced master sends the data
// without reply to all slaves.
func (sf *Master) Send(ctx context.Context, address uint16, class DataClass, payload []byte) error {
	if err := sf.ll.checkPayload(payload); err != nil {
		return err
	}
	if sf.ll.cfg.Mode == ModeUnbalanced && sf.ll.isBroadcast(address) {
		return sf.ch.Do(ctx, func(ll *LinkLayer) error {
			return ll.SendNoReply(address, payload)
		})
	}
	q, err := sf.queue(address, class)
	if err != nil {
		return err
	}
	if err = q.Push(payload); err != nil {
		if errors.Is(err, queue.ErrFull) {
			return ErrSendQueueFull
		}
		return err
	}
	return nil
}

func (sf *Master) queue(address uint16, class DataClass) (queue.Queue, error) {
	qs, ok := sf.queues[address]
	if !ok {
		return nil, ErrUnknownSlave
	}
	if class == Class1 {
		return qs[0], nil
	}
	return qs[1], nil
}

// RequestClass1 asks the slave for class 1 data (unbalanced mode).
func (sf *Master) RequestClass1(ctx context.Context, address uint16) error {
	return sf.ch.Do(ctx, func(ll *LinkLayer) error {
		return ll.RequestClass1Data(address)
	})
}

// RequestClass2 asks the slave for class 2 data (unbalanced mode).
func (sf *Master) RequestClass2(ctx context.Context, address uint16) error {
	return sf.ch.Do(ctx, func(ll *LinkLayer) error {
		return ll.RequestClass2Data(address)
	})
}

// SendTestFunction sends a TEST_FUNCTION_FOR_LINK to the station.
func (sf *Master) SendTestFunction(ctx context.Context, address uint16) error {
	return sf.ch.Do(ctx, func(ll *LinkLayer) error {
		return ll.SendTestFunction(address)
	})
}

// ResetLink restarts the link to address from Idle.
func (sf *Master) ResetLink(ctx context.Context, address uint16) error {
	return sf.ch.Do(ctx, func(ll *LinkLayer) error {
		return ll.ResetLink(address)
	})
}

// NextPayload implements ApplicationLayer.
func (sf *Master) NextPayload(address uint16, class DataClass) []byte {
	q, err := sf.queue(address, class)
	if err != nil {
		return nil
	}
	payload, err := q.Pop()
	if err != nil {
		sf.Error("Failed to read %s queue of %d: %v", class, address, err)
		return nil
	}
	return payload
}

// AccessDemand implements ApplicationLayer. The link layer requests the
// class 1 data itself.
func (sf *Master) AccessDemand(address uint16) {
	sf.Debug("Access demand from %d", address)
}

// Class1Pending implements SecondaryApplicationLayer. It is unused in
// balanced mode, where ACD is reserved.
func (sf *Master) Class1Pending(uint16) bool {
	return false
}

// Busy implements SecondaryApplicationLayer.
func (sf *Master) Busy(uint16) bool {
	return sf.receiveQueueBusy()
}

// LinkReset implements SecondaryApplicationLayer.
func (sf *Master) LinkReset(address uint16, onlyFCB bool) {
	if onlyFCB {
		sf.Debug("Frame count bit reset by %d", sf.ll.cfg.OtherLinkAddress)
		return
	}
	sf.Debug("Link %d reset by the peer", address)
}

// Serve runs the master until ctx is done or the port fails. It implements
// suture.Service.
func (sf *Master) Serve(ctx context.Context) error {
	if sf.ll.cfg.Mode == ModeUnbalanced && sf.pollInterval > 0 {
		return sf.serve(ctx, sf.pollLoop)
	}
	return sf.serve(ctx)
}

// Supervisor returns a supervisor running the master that reopens the port
// one reconnect interval after a failure, to be added to a larger supervisor
// tree. Use it instead of Start.
func (sf *Master) Supervisor() *suture.Supervisor {
	return sf.supervisor(sf)
}

// Start runs the master in the background, reopening the port one reconnect
// interval after a failure. Close stops it.
func (sf *Master) Start() error {
	return sf.start(sf)
}

// pollLoop requests class 2 data from every available slave once per poll
// interval.
func (sf *Master) pollLoop(ctx context.Context) {
	t := time.NewTicker(sf.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := sf.ch.Do(ctx, func(ll *LinkLayer) error {
			for _, address := range sf.slaves {
				if !ll.IsChannelAvailable(address) {
					continue
				}
				if err := ll.RequestClass2Data(address); err != nil && !errors.Is(err, ErrLinkLayerBusy) {
					return err
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotActive) && ctx.Err() == nil {
			sf.Warn("Class 2 poll failed: %v", err)
		}
	}
}
