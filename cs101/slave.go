// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"context"
	"errors"

	"github.com/riclolsen/iec101gw/queue"
	"github.com/thejerf/suture/v4"
)

// Slave is a controlled station. Its user data waits in a class 1 and a
// class 2 queue until the master requests it (unbalanced mode) or until the
// link to the peer is available (balanced mode).
type Slave struct {
	station
	ll                 *LinkLayer
	class1, class2     queue.Queue
	clearQueuesOnReset bool
}

// NewSlave creates a slave station. handler receives the user data of the
// master.
func NewSlave(handler StationHandler, o *SlaveOption) (*Slave, error) {
	if handler == nil {
		return nil, errors.New("nil station handler")
	}
	opt := *o
	cfg := opt.config
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	if opt.class1 == nil || opt.class2 == nil {
		opt.class1 = queue.NewMemory(cfg.MaxSendQueueSize)
		opt.class2 = queue.NewMemory(cfg.MaxSendQueueSize)
	}

	sf := &Slave{
		class1:             opt.class1,
		class2:             opt.class2,
		clearQueuesOnReset: opt.clearQueuesOnReset,
	}
	sf.init(&opt.stationOption, handler)

	var err error
	if cfg.Mode == ModeBalanced {
		sf.ll, err = NewBalancedLinkLayer(cfg, sf)
	} else {
		sf.ll, err = NewUnbalancedSecondary(cfg, sf)
	}
	if err != nil {
		return nil, err
	}
	if err = sf.attach(&opt.stationOption, sf.ll); err != nil {
		return nil, err
	}
	return sf, nil
}

// String names the service in supervisor events.
func (sf *Slave) String() string {
	return "cs101 slave " + sf.name
}

// Enqueue queues user data for the master.
func (sf *Slave) Enqueue(class DataClass, payload []byte) error {
	if err := sf.ll.checkPayload(payload); err != nil {
		return err
	}
	q := sf.class2
	if class == Class1 {
		q = sf.class1
	}
	if err := q.Push(payload); err != nil {
		if errors.Is(err, queue.ErrFull) {
			return ErrSendQueueFull
		}
		return err
	}
	return nil
}

// Send queues user data for the master. The address is not used: a slave
// has a single master.
func (sf *Slave) Send(_ context.Context, _ uint16, class DataClass, payload []byte) error {
	return sf.Enqueue(class, payload)
}

// Pending returns the number of queued class 1 and class 2 payloads.
func (sf *Slave) Pending() (class1, class2 int) {
	return sf.class1.Len(), sf.class2.Len()
}

// NextPayload implements ApplicationLayer. A class 2 request is answered
// with class 1 data when no class 2 data is queued.
func (sf *Slave) NextPayload(_ uint16, class DataClass) []byte {
	if class == Class2 {
		if payload := sf.pop(sf.class2, Class2); payload != nil {
			return payload
		}
	}
	return sf.pop(sf.class1, Class1)
}

func (sf *Slave) pop(q queue.Queue, class DataClass) []byte {
	payload, err := q.Pop()
	if err != nil {
		sf.Error("Failed to read %s queue: %v", class, err)
		return nil
	}
	return payload
}

// AccessDemand implements ApplicationLayer.
func (sf *Slave) AccessDemand(uint16) {}

// Class1Pending implements SecondaryApplicationLayer.
func (sf *Slave) Class1Pending(uint16) bool {
	return sf.class1.Len() > 0
}

// Busy implements SecondaryApplicationLayer.
func (sf *Slave) Busy(uint16) bool {
	return sf.receiveQueueBusy()
}

// LinkReset implements SecondaryApplicationLayer.
func (sf *Slave) LinkReset(_ uint16, onlyFCB bool) {
	if onlyFCB || !sf.clearQueuesOnReset {
		sf.Debug("Link reset by the master")
		return
	}
	n1, n2 := sf.Pending()
	if err := sf.class1.Clear(); err != nil {
		sf.Error("Failed to clear class 1 queue: %v", err)
	}
	if err := sf.class2.Clear(); err != nil {
		sf.Error("Failed to clear class 2 queue: %v", err)
	}
	sf.Debug("Link reset by the master, dropped %d class 1 and %d class 2 payloads", n1, n2)
}

// Serve runs the slave until ctx is done or the port fails. It implements
// suture.Service.
func (sf *Slave) Serve(ctx context.Context) error {
	return sf.serve(ctx)
}

// Supervisor returns a supervisor running the slave that reopens the port
// one reconnect interval after a failure, to be added to a larger supervisor
// tree. Use it instead of Start.
func (sf *Slave) Supervisor() *suture.Supervisor {
	return sf.supervisor(sf)
}

// Start runs the slave in the background, reopening the port one reconnect
// interval after a failure. Close stops it.
func (sf *Slave) Start() error {
	return sf.start(sf)
}
