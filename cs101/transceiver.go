// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"fmt"
	"io"
	"time"

	"github.com/riclolsen/iec101gw/clog"
)

// Transceiver delimits FT1.2 frames on a Port. It owns the receive buffer;
// a frame returned by ReadFrame is valid until the next call.
type Transceiver struct {
	port             Port
	linkAddrSize     byte
	messageTimeout   time.Duration
	characterTimeout time.Duration

	buf [MaxFrameSize]byte

	clog.Clog
}

// NewTransceiver creates a transceiver for port using the address size and
// timeouts of cfg.
func NewTransceiver(port Port, cfg *Config) *Transceiver {
	t := &Transceiver{
		port:             port,
		linkAddrSize:     cfg.LinkAddrSize,
		messageTimeout:   cfg.MessageTimeout,
		characterTimeout: cfg.CharacterTimeout,
		Clog:             clog.NewLogger("cs101 transceiver"),
	}
	if t.messageTimeout <= 0 {
		t.messageTimeout = DefaultMessageTimeout
	}
	if t.characterTimeout <= 0 {
		t.characterTimeout = DefaultCharacterTimeout
	}
	return t
}

// SetTimeouts changes the first byte and per character timeouts.
func (sf *Transceiver) SetTimeouts(message, character time.Duration) {
	if message > 0 {
		sf.messageTimeout = message
	}
	if character > 0 {
		sf.characterTimeout = character
	}
}

// readFull reads into p until it is full or timeout has elapsed.
func (sf *Transceiver) readFull(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := sf.port.SetReadTimeout(remaining); err != nil {
			return n, transportError(err)
		}
		m, err := sf.port.Read(p[n:])
		n += m
		if err != nil {
			return n, transportError(err)
		}
		if m == 0 {
			break
		}
	}
	return n, nil
}

// ReadFrame waits up to the message timeout for the first byte of a frame
// and then up to the character timeout for each remaining byte. It returns
// nil, nil when nothing arrived. A frame with a bad start byte or missing
// bytes is discarded and reported as a framing error. Port failures are
// returned wrapped in ErrPortUnavailable or ErrAccessDenied.
func (sf *Transceiver) ReadFrame() ([]byte, error) {
	n, err := sf.readFull(sf.buf[:1], sf.messageTimeout)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var size int
	switch sf.buf[0] {
	case SingleCharACK:
		return sf.buf[:1], nil
	case StartFixed:
		size = 4 + int(sf.linkAddrSize)
	case StartVariable:
		n, err = sf.readFull(sf.buf[1:2], sf.characterTimeout)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, sf.incomplete(1, 2)
		}
		size = int(sf.buf[1]) + 6
	default:
		sf.Warn("Sync error, discarding 0x%02X", sf.buf[0])
		return nil, fmt.Errorf("%w: 0x%02X", ErrInvalidStartChar, sf.buf[0])
	}

	have := 1
	if sf.buf[0] == StartVariable {
		have = 2
	}
	n, err = sf.readFull(sf.buf[have:size], sf.characterTimeout*time.Duration(size-have))
	if err != nil {
		return nil, err
	}
	if have+n < size {
		return nil, sf.incomplete(have+n, size)
	}
	return sf.buf[:size], nil
}

func (sf *Transceiver) incomplete(got, want int) error {
	sf.Warn("Discarding incomplete frame (%d of %d bytes): % X", got, want, sf.buf[:got])
	return fmt.Errorf("%w: %d of %d bytes", ErrIncompleteFrame, got, want)
}

// WriteFrame writes msg and flushes the port when it supports it.
func (sf *Transceiver) WriteFrame(msg []byte) error {
	for len(msg) > 0 {
		n, err := sf.port.Write(msg)
		if err != nil {
			return transportError(err)
		}
		if n == 0 {
			return transportError(io.ErrShortWrite)
		}
		msg = msg[n:]
	}
	if d, ok := sf.port.(drainer); ok {
		if err := d.Drain(); err != nil {
			return transportError(err)
		}
	}
	return nil
}
