// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"errors"
	"fmt"
	"time"

	"github.com/riclolsen/iec101gw/clog"
)

// ErrWrongRole is returned by primary operations on a link layer without a
// primary station.
var ErrWrongRole = errors.New("operation not supported by this link layer role")

// LinkLayer drives the primary and/or secondary station of one channel.
// It is not safe for concurrent use: all calls must come from the channel
// goroutine (see Channel.Do).
type LinkLayer struct {
	cfg         Config
	app         ApplicationLayer
	transceiver *Transceiver

	primary   *primaryLinkLayer   // nil for an unbalanced secondary
	secondary *secondaryLinkLayer // nil for an unbalanced primary

	sendBuf    [MaxFrameSize]byte
	sendErr    error // first transport error of the current Run
	rawHandler RawMessageHandler

	metrics channelMetrics
	clog.Clog
}

func newLinkLayer(cfg Config, app ApplicationLayer) (*LinkLayer, error) {
	if app == nil {
		return nil, errors.New("nil application layer")
	}
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return &LinkLayer{
		cfg:  cfg,
		app:  app,
		Clog: clog.NewLogger("cs101 link layer"),
	}, nil
}

// NewBalancedLinkLayer creates a balanced link layer: this station is
// primary and secondary towards the station at cfg.OtherLinkAddress.
func NewBalancedLinkLayer(cfg Config, app ApplicationLayer) (*LinkLayer, error) {
	cfg.Mode = ModeBalanced
	sf, err := newLinkLayer(cfg, app)
	if err != nil {
		return nil, err
	}
	sf.secondary = newSecondaryLinkLayer(sf)
	sf.primary = newBalancedPrimary(sf, cfg.OtherLinkAddress)
	return sf, nil
}

// NewUnbalancedPrimary creates the link layer of a master polling slaves.
// Slaves are registered with AddSlave.
func NewUnbalancedPrimary(cfg Config, app ApplicationLayer) (*LinkLayer, error) {
	cfg.Mode = ModeUnbalanced
	sf, err := newLinkLayer(cfg, app)
	if err != nil {
		return nil, err
	}
	sf.primary = newUnbalancedPrimary(sf)
	return sf, nil
}

// NewUnbalancedSecondary creates the link layer of a slave answering at
// cfg.LinkAddress.
func NewUnbalancedSecondary(cfg Config, app ApplicationLayer) (*LinkLayer, error) {
	cfg.Mode = ModeUnbalanced
	sf, err := newLinkLayer(cfg, app)
	if err != nil {
		return nil, err
	}
	sf.secondary = newSecondaryLinkLayer(sf)
	return sf, nil
}

// Config returns the validated configuration.
func (sf *LinkLayer) Config() Config {
	return sf.cfg
}

// SetMetrics records link activity in m under the given channel label.
func (sf *LinkLayer) SetMetrics(m *Metrics, channel string) {
	sf.metrics = m.channel(channel)
}

// SetRawMessageHandler installs a hook observing every frame on the line.
func (sf *LinkLayer) SetRawMessageHandler(h RawMessageHandler) {
	sf.rawHandler = h
}

// Attach binds the link layer to a freshly opened port and resets all
// station state, so a restarted channel begins from Idle.
func (sf *LinkLayer) Attach(port Port) {
	t := NewTransceiver(port, &sf.cfg)
	t.Clog = sf.Clog
	sf.transceiver = t
	sf.Reset()
}

// Detach drops the port. The link layer can be attached again later.
func (sf *LinkLayer) Detach() {
	sf.transceiver = nil
}

// Reset returns every conversation to Idle and the secondary to expecting
// FCB=1. Outstanding user data is reported as failed.
func (sf *LinkLayer) Reset() {
	sf.sendErr = nil
	if sf.primary != nil {
		sf.primary.reset()
	}
	if sf.secondary != nil {
		sf.secondary.reset()
	}
}

// Run performs one channel loop iteration: at most one frame read, its
// handling, and one state machine tick. clock is sampled after the read.
// Only transport errors are returned.
func (sf *LinkLayer) Run(clock func() time.Time) error {
	if sf.transceiver == nil {
		return ErrNotActive
	}
	msg, err := sf.transceiver.ReadFrame()
	if err != nil {
		if !IsFramingError(err) {
			return err
		}
		sf.metrics.framingError(framingReason(err))
	}
	now := clock()
	if msg != nil {
		sf.HandleMessage(msg, now)
	}
	sf.Tick(now)
	err, sf.sendErr = sf.sendErr, nil
	return err
}

// HandleMessage decodes one received frame and dispatches it to the
// secondary (PRM=1) or primary (PRM=0, single character) station.
func (sf *LinkLayer) HandleMessage(msg []byte, now time.Time) {
	if sf.rawHandler != nil {
		sf.rawHandler(msg, false)
	}
	f, err := DecodeFrame(msg, sf.cfg.LinkAddrSize)
	if err != nil {
		sf.Warn("Discarding frame: %v (% X)", err, msg)
		sf.metrics.framingError(framingReason(err))
		return
	}
	sf.metrics.frameReceived(f.Kind)
	sf.Debug("RX %v", f)

	switch {
	case f.Kind == KindSingleChar:
		if sf.primary == nil {
			sf.Debug("Ignoring single character ACK without primary station")
			return
		}
		sf.primary.handleResponse(&f, now)
	case f.Control.PRM:
		if sf.secondary == nil {
			sf.Warn("Ignoring primary frame %v: no secondary station", f)
			return
		}
		sf.secondary.handle(&f)
	default:
		if sf.primary == nil {
			sf.Warn("Ignoring secondary frame %v: no primary station", f)
			return
		}
		sf.primary.handleResponse(&f, now)
	}
}

// Tick advances the primary state machine(s).
func (sf *LinkLayer) Tick(now time.Time) {
	if sf.primary != nil {
		sf.primary.tick(now)
	}
}

func (sf *LinkLayer) isBroadcast(address uint16) bool {
	return sf.cfg.LinkAddrSize > 0 && address == BroadcastAddress(sf.cfg.LinkAddrSize)
}

// maxUserData is the largest payload that fits a variable frame.
func (sf *LinkLayer) maxUserData() int {
	return MaxFrameLen - 1 - int(sf.cfg.LinkAddrSize)
}

// send encodes f into the send buffer and writes it. It returns the encoded
// frame, valid until the next send, or nil when nothing was written.
func (sf *LinkLayer) send(f *Frame) []byte {
	if sf.cfg.Mode == ModeBalanced {
		f.Control.DIR = sf.cfg.DIR
	}
	msg, err := EncodeFrame(sf.sendBuf[:], f, sf.cfg.LinkAddrSize)
	if err != nil {
		sf.Error("Cannot encode %v: %v", f, err)
		return nil
	}
	sf.Debug("TX %v", f)
	if !sf.write(msg) {
		return nil
	}
	sf.metrics.frameSent(f.Kind)
	return msg
}

// write puts an encoded frame on the line.
func (sf *LinkLayer) write(msg []byte) bool {
	if sf.transceiver == nil {
		sf.keepErr(ErrNotActive)
		return false
	}
	if sf.rawHandler != nil {
		sf.rawHandler(msg, true)
	}
	if err := sf.transceiver.WriteFrame(msg); err != nil {
		sf.Error("Write failed: %v", err)
		sf.keepErr(err)
		return false
	}
	return true
}

func (sf *LinkLayer) keepErr(err error) {
	if sf.sendErr == nil {
		sf.sendErr = err
	}
}

func (sf *LinkLayer) sendFixedSecondary(fc byte, address uint16, acd, dfc bool) []byte {
	f := NewFixedFrame(ControlField{ACD: acd, DFC: dfc, Fun: fc}, address)
	return sf.send(&f)
}

// checkPayload validates the size of outgoing user data.
func (sf *LinkLayer) checkPayload(payload []byte) error {
	if len(payload) == 0 {
		return errors.New("empty user data")
	}
	if len(payload) > sf.maxUserData() {
		return fmt.Errorf("%w: %d bytes of user data, at most %d", ErrFrameLenExceeded, len(payload), sf.maxUserData())
	}
	return nil
}
