// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type received struct {
	address uint16
	payload []byte
}

type stateChange struct {
	address uint16
	state   LinkLayerState
}

// chanHandler forwards the station callbacks to channels.
type chanHandler struct {
	data   chan received
	states chan stateChange
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		data:   make(chan received, 16),
		states: make(chan stateChange, 64),
	}
}

func (h *chanHandler) UserDataHandler(address uint16, payload []byte) error {
	h.data <- received{address, payload}
	return nil
}

func (h *chanHandler) LinkStateHandler(address uint16, state LinkLayerState) {
	select {
	case h.states <- stateChange{address, state}:
	default:
	}
}

func (h *chanHandler) waitState(t *testing.T, address uint16, want LinkLayerState) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s.address == address && s.state == want {
				return
			}
		case <-timeout:
			t.Fatalf("link to %d never became %v", address, want)
		}
	}
}

func (h *chanHandler) waitData(t *testing.T, what string) received {
	t.Helper()
	select {
	case d := <-h.data:
		return d
	case <-time.After(10 * time.Second):
		t.Fatalf("%s not received", what)
		return received{}
	}
}

func TestMasterSlaveOverTCP(t *testing.T) {
	addrs := make(chan string, 4)
	masterOpener := func(context.Context) (Port, error) {
		p, err := ListenTCPServerPort(TCPConfig{Address: "127.0.0.1:0"})
		if err != nil {
			return nil, err
		}
		addrs <- p.Addr().String()
		return p, nil
	}

	mh := newChanHandler()
	master, err := NewMaster(mh, NewMasterOption().
		SetName("master").
		SetConfig(testConfig()).
		SetPortOpener(masterOpener).
		SetReconnectInterval(50*time.Millisecond).
		SetPollInterval(20*time.Millisecond).
		AddSlave(1))
	if err != nil {
		t.Fatal(err)
	}
	if err = master.Start(); err != nil {
		t.Fatal(err)
	}
	defer master.Close()
	if err = master.Start(); err == nil {
		t.Error("second Start() succeeded")
	}

	var addr string
	select {
	case addr = <-addrs:
	case <-time.After(5 * time.Second):
		t.Fatal("master port not opened")
	}

	sh := newChanHandler()
	slave, err := NewSlave(sh, NewSlaveOption().
		SetName("slave").
		SetConfig(testConfig()).
		SetTCPClient(TCPConfig{Address: addr, ReconnectInterval: 50 * time.Millisecond}))
	if err != nil {
		t.Fatal(err)
	}
	if err = slave.Start(); err != nil {
		t.Fatal(err)
	}
	defer slave.Close()

	mh.waitState(t, 1, StateAvailable)
	if s := master.LinkState(1); s != StateAvailable {
		t.Errorf("LinkState(1) = %v, want %v", s, StateAvailable)
	}

	// slave to master, collected by the class 2 poll
	if err = slave.Enqueue(Class2, []byte{0x64, 0x01}); err != nil {
		t.Fatal(err)
	}
	if d := mh.waitData(t, "class 2 data"); d.address != 1 || !bytes.Equal(d.payload, []byte{0x64, 0x01}) {
		t.Errorf("master received %d % X", d.address, d.payload)
	}

	// class 1 data reaches the master as well
	if err = slave.Enqueue(Class1, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if d := mh.waitData(t, "class 1 data"); !bytes.Equal(d.payload, []byte{0x01, 0x02}) {
		t.Errorf("master received % X", d.payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// master to slave
	if err = master.Send(ctx, 1, Class1, []byte{0x2D, 0x01}); err != nil {
		t.Fatal(err)
	}
	if d := sh.waitData(t, "user data"); !bytes.Equal(d.payload, []byte{0x2D, 0x01}) {
		t.Errorf("slave received % X", d.payload)
	}

	if err = master.Send(ctx, 0xFF, Class1, []byte{0x67}); err != nil {
		t.Fatal(err)
	}
	if d := sh.waitData(t, "broadcast"); d.address != 0xFF || !bytes.Equal(d.payload, []byte{0x67}) {
		t.Errorf("slave received %d % X", d.address, d.payload)
	}

	if err = master.Send(ctx, 9, Class2, []byte{1}); !errors.Is(err, ErrUnknownSlave) {
		t.Errorf("Send() to unknown slave = %v, want %v", err, ErrUnknownSlave)
	}
	if err = master.SendTestFunction(ctx, 1); err != nil {
		t.Errorf("SendTestFunction() error = %v", err)
	}

	if err = slave.Close(); err != nil {
		t.Errorf("slave Close() error = %v", err)
	}
	if err = slave.Close(); err == nil {
		t.Error("second Close() succeeded")
	}
	mh.waitState(t, 1, StateError)
	if err = master.Close(); err != nil {
		t.Errorf("master Close() error = %v", err)
	}
}

func TestNewStationErrors(t *testing.T) {
	opener := func(context.Context) (Port, error) { return &fakePort{}, nil }
	badConfig := testConfig()
	badConfig.LinkAddrSize = 3

	tests := []struct {
		name string
		new  func() error
	}{
		{"master nil handler", func() error {
			_, err := NewMaster(nil, NewMasterOption().SetPortOpener(opener).AddSlave(1))
			return err
		}},
		{"master without slaves", func() error {
			_, err := NewMaster(newChanHandler(), NewMasterOption().SetPortOpener(opener))
			return err
		}},
		{"master without port", func() error {
			_, err := NewMaster(newChanHandler(), NewMasterOption().AddSlave(1))
			return err
		}},
		{"master invalid config", func() error {
			_, err := NewMaster(newChanHandler(), NewMasterOption().SetConfig(badConfig).SetPortOpener(opener).AddSlave(1))
			return err
		}},
		{"master slave address too large", func() error {
			_, err := NewMaster(newChanHandler(), NewMasterOption().SetPortOpener(opener).AddSlave(0x100))
			return err
		}},
		{"slave nil handler", func() error {
			_, err := NewSlave(nil, NewSlaveOption().SetPortOpener(opener))
			return err
		}},
		{"slave invalid config", func() error {
			_, err := NewSlave(newChanHandler(), NewSlaveOption().SetConfig(badConfig).SetPortOpener(opener))
			return err
		}},
		{"slave without port", func() error {
			_, err := NewSlave(newChanHandler(), NewSlaveOption())
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.new(); err == nil {
				t.Error("station created")
			}
		})
	}
}

func TestSlaveQueues(t *testing.T) {
	opener := func(context.Context) (Port, error) { return &fakePort{}, nil }
	cfg := testConfig()
	cfg.MaxSendQueueSize = 2
	slave, err := NewSlave(newChanHandler(), NewSlaveOption().SetConfig(cfg).SetPortOpener(opener))
	if err != nil {
		t.Fatal(err)
	}

	if err = slave.Enqueue(Class1, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err = slave.Send(context.Background(), 0, Class2, []byte{2}); err != nil {
		t.Fatal(err)
	}
	_ = slave.Enqueue(Class2, []byte{3})
	if err = slave.Enqueue(Class2, []byte{4}); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("Enqueue() on full queue = %v, want %v", err, ErrSendQueueFull)
	}
	if err = slave.Enqueue(Class2, nil); err == nil {
		t.Error("Enqueue() accepted an empty payload")
	}
	if c1, c2 := slave.Pending(); c1 != 1 || c2 != 2 {
		t.Errorf("Pending() = %d, %d, want 1, 2", c1, c2)
	}
	if !slave.Class1Pending(1) {
		t.Error("Class1Pending() = false")
	}

	// class 2 requests drain class 2 first and fall back to class 1
	for _, want := range []byte{2, 3, 1} {
		if got := slave.NextPayload(1, Class2); !bytes.Equal(got, []byte{want}) {
			t.Errorf("NextPayload(Class2) = % X, want %02X", got, want)
		}
	}
	if got := slave.NextPayload(1, Class2); got != nil {
		t.Errorf("NextPayload() on empty queues = % X", got)
	}

	_ = slave.Enqueue(Class1, []byte{5})
	slave.LinkReset(1, true)
	if c1, _ := slave.Pending(); c1 != 1 {
		t.Error("reset of the FCB cleared the queues")
	}
	slave.LinkReset(1, false)
	if c1, c2 := slave.Pending(); c1 != 0 || c2 != 0 {
		t.Errorf("Pending() after reset = %d, %d", c1, c2)
	}
}

func TestStationReceiveQueue(t *testing.T) {
	opener := func(context.Context) (Port, error) { return &fakePort{}, nil }
	slave, err := NewSlave(newChanHandler(), NewSlaveOption().SetPortOpener(opener).SetReceiveQueueSize(4))
	if err != nil {
		t.Fatal(err)
	}
	// nothing consumes the queue before Start
	for i := 0; i < 4; i++ {
		if !slave.DeliverPayload(1, []byte{byte(i)}) {
			t.Fatalf("payload %d refused", i)
		}
		if busy, want := slave.Busy(1), i >= 2; busy != want {
			t.Errorf("Busy() with %d queued = %v, want %v", i+1, busy, want)
		}
	}
	if slave.DeliverPayload(1, []byte{4}) {
		t.Error("payload accepted by a full queue")
	}
}

type failure struct {
	address uint16
	payload []byte
	err     error
}

// failHandler also receives the user data given up by the station.
type failHandler struct {
	*chanHandler
	failed chan failure
}

func (h *failHandler) SendFailedHandler(address uint16, payload []byte, err error) {
	h.failed <- failure{address, payload, err}
}

func TestStationSendFailed(t *testing.T) {
	opener := func(context.Context) (Port, error) { return &fakePort{}, nil }
	h := &failHandler{chanHandler: newChanHandler(), failed: make(chan failure, 1)}
	master, err := NewMaster(h, NewMasterOption().SetPortOpener(opener).AddSlave(1))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go master.handlerLoop(ctx)

	// called by the link layer when the repeat timeout expires
	master.SendFailed(1, []byte{0x2D}, ErrTimeout)
	select {
	case f := <-h.failed:
		if f.address != 1 || !bytes.Equal(f.payload, []byte{0x2D}) || !errors.Is(f.err, ErrTimeout) {
			t.Errorf("failure %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure not reported to the handler")
	}

	// a handler without SendFailedHandler is not called
	plain, err := NewMaster(newChanHandler(), NewMasterOption().SetPortOpener(opener).AddSlave(1))
	if err != nil {
		t.Fatal(err)
	}
	plain.SendFailed(1, []byte{0x2D}, ErrTimeout)
	if n := len(plain.failed); n != 0 {
		t.Errorf("%d failures queued without a handler", n)
	}
}

func TestStationSupervisor(t *testing.T) {
	opener := func(context.Context) (Port, error) { return &fakePort{idle: time.Millisecond}, nil }
	slave, err := NewSlave(newChanHandler(), NewSlaveOption().
		SetPortOpener(opener).
		SetReconnectInterval(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if d := slave.ReconnectInterval(); d != 2*time.Second {
		t.Errorf("ReconnectInterval() = %v, want %v", d, 2*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := slave.Supervisor().ServeBackground(ctx)
	waitFor(t, "running channel", slave.IsConnected)
	cancel()
	select {
	case err = <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("supervisor stopped with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
