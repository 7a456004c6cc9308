// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
)

// fakePort returns queued input chunks and records every write.
type fakePort struct {
	mu      sync.Mutex
	in      [][]byte
	writes  [][]byte
	readErr error
	closed  bool
	idle    time.Duration // sleep of a read without input
}

func (p *fakePort) feed(chunks ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range chunks {
		p.in = append(p.in, bytes.Clone(c))
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.in) == 0 {
		idle := p.idle
		p.mu.Unlock()
		time.Sleep(idle)
		return 0, nil
	}
	defer p.mu.Unlock()
	n := copy(b, p.in[0])
	p.in[0] = p.in[0][n:]
	if len(p.in[0]) == 0 {
		p.in = p.in[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.writes = append(p.writes, bytes.Clone(b))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error {
	return nil
}

// take returns and forgets the frames written so far.
func (p *fakePort) take() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.writes
	p.writes = nil
	return w
}

// testApp records the calls of the link layer.
type testApp struct {
	next      map[DataClass][][]byte
	delivered [][]byte
	states    map[uint16][]LinkLayerState
	demands   int
	failed    []error
	resets    []bool

	class1Pending bool
	busy          bool
	reject        bool
}

func newTestApp() *testApp {
	return &testApp{
		next:   make(map[DataClass][][]byte),
		states: make(map[uint16][]LinkLayerState),
	}
}

func (a *testApp) NextPayload(_ uint16, class DataClass) []byte {
	q := a.next[class]
	if len(q) == 0 {
		return nil
	}
	a.next[class] = q[1:]
	return q[0]
}

func (a *testApp) DeliverPayload(_ uint16, payload []byte) bool {
	if a.reject {
		return false
	}
	a.delivered = append(a.delivered, payload)
	return true
}

func (a *testApp) StateChanged(address uint16, state LinkLayerState) {
	a.states[address] = append(a.states[address], state)
}

func (a *testApp) AccessDemand(uint16) { a.demands++ }

func (a *testApp) Class1Pending(uint16) bool { return a.class1Pending || len(a.next[Class1]) > 0 }

func (a *testApp) Busy(uint16) bool { return a.busy }

func (a *testApp) LinkReset(_ uint16, onlyFCB bool) { a.resets = append(a.resets, onlyFCB) }

func (a *testApp) SendFailed(_ uint16, _ []byte, err error) { a.failed = append(a.failed, err) }

func (a *testApp) state(address uint16) LinkLayerState {
	s := a.states[address]
	if len(s) == 0 {
		return StateIdle
	}
	return s[len(s)-1]
}

// encode returns the wire form of f.
func encode(t *testing.T, f Frame, linkAddrSize byte) []byte {
	t.Helper()
	b, err := EncodeFrame(nil, &f, linkAddrSize)
	if err != nil {
		t.Fatalf("EncodeFrame(%v) error = %v", f, err)
	}
	return b
}

// decode parses a frame written by a link layer.
func decode(t *testing.T, msg []byte, linkAddrSize byte) Frame {
	t.Helper()
	f, err := DecodeFrame(msg, linkAddrSize)
	if err != nil {
		t.Fatalf("DecodeFrame(% X) error = %v", msg, err)
	}
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TimeoutForACK = 100 * time.Millisecond
	cfg.TimeoutRepeat = 350 * time.Millisecond
	return cfg
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// attached returns a function that attaches a fake port to the link layer
// returned by a constructor.
func attached(t *testing.T) func(*LinkLayer, error) (*LinkLayer, *fakePort) {
	return func(ll *LinkLayer, err error) (*LinkLayer, *fakePort) {
		t.Helper()
		if err != nil {
			t.Fatalf("creating link layer: %v", err)
		}
		p := &fakePort{}
		ll.Attach(p)
		return ll, p
	}
}
