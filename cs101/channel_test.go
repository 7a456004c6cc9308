// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChannelServe(t *testing.T) {
	app := newTestApp()
	ll, err := NewUnbalancedPrimary(testConfig(), app)
	if err != nil {
		t.Fatal(err)
	}
	if err = ll.AddSlave(1); err != nil {
		t.Fatal(err)
	}

	ports := make(chan *fakePort, 2)
	opener := func(context.Context) (Port, error) {
		p := &fakePort{idle: time.Millisecond}
		ports <- p
		return p, nil
	}
	ch := NewChannel("test", opener, ll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = ch.Do(ctx, func(*LinkLayer) error { return nil }); !errors.Is(err, ErrNotActive) {
		t.Errorf("Do() before Serve error = %v, want %v", err, ErrNotActive)
	}

	done := make(chan error, 1)
	go func() { done <- ch.Serve(ctx) }()
	p := <-ports
	waitFor(t, "channel running", ch.IsRunning)

	var state LinkLayerState
	err = ch.Do(ctx, func(ll *LinkLayer) error {
		state, err = ll.LinkState(1)
		return err
	})
	if err != nil || state != StateIdle {
		t.Errorf("LinkState() = %v, %v, want %v", state, err, StateIdle)
	}
	if err = ch.Do(ctx, func(ll *LinkLayer) error { return ll.SendConfirmed(7, []byte{1}) }); !errors.Is(err, ErrUnknownSlave) {
		t.Errorf("Do() error = %v, want %v", err, ErrUnknownSlave)
	}

	// the status request reaches the port
	waitFor(t, "status request", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.writes) > 0
	})

	cancel()
	select {
	case err = <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return")
	}
	if !p.closed {
		t.Error("port not closed")
	}
	if ch.IsRunning() {
		t.Error("IsRunning() = true after Serve returned")
	}
}

func TestChannelPortFailure(t *testing.T) {
	app := newTestApp()
	ll, err := NewUnbalancedSecondary(testConfig(), app)
	if err != nil {
		t.Fatal(err)
	}

	var lost error
	p := &fakePort{readErr: io.ErrUnexpectedEOF}
	ch := NewChannel("test", func(context.Context) (Port, error) { return p, nil }, ll).
		SetConnectionLostHandler(func(_ *Channel, err error) { lost = err })

	err = ch.Serve(context.Background())
	if !errors.Is(err, ErrPortUnavailable) {
		t.Errorf("Serve() error = %v, want %v", err, ErrPortUnavailable)
	}
	if !errors.Is(lost, ErrPortUnavailable) {
		t.Errorf("connection lost handler got %v", lost)
	}
	if !p.closed {
		t.Error("port not closed")
	}

	openErr := errors.New("no such device")
	var connectErr error
	ch = NewChannel("test", func(context.Context) (Port, error) { return nil, openErr }, ll).
		SetConnectErrorHandler(func(_ *Channel, err error) { connectErr = err })
	if err = ch.Serve(context.Background()); !errors.Is(err, openErr) {
		t.Errorf("Serve() error = %v, want %v", err, openErr)
	}
	if connectErr != openErr {
		t.Errorf("connect error handler got %v", connectErr)
	}
}

// A restarted channel begins from Idle.
func TestChannelRestartResetsLink(t *testing.T) {
	ll, p, _ := newPrimary(t, 1)
	bringUp(t, ll, p, 1)
	if s, _ := ll.LinkState(1); s != StateAvailable {
		t.Fatalf("state = %v, want %v", s, StateAvailable)
	}

	ll.Detach()
	ll.Attach(&fakePort{})
	if s, _ := ll.LinkState(1); s != StateIdle {
		t.Errorf("state after reattach = %v, want %v", s, StateIdle)
	}
}
