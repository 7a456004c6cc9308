// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"bytes"
	"fmt"
	"time"
)

// conversation is the primary state of the link towards one secondary
// station: the only one in balanced mode, one per slave in unbalanced mode.
type conversation struct {
	address   uint16
	state     primaryState
	linkState LinkLayerState

	nextFCB            bool
	linkReset          bool // RESET_REMOTE_LINK confirmed since Idle
	waitingForResponse bool
	lastSend           time.Time // last attempt, for the ACK timeout
	originalSend       time.Time // first attempt, for the repeat timeout
	outstanding        Frame     // request repeated on ACK timeout

	sendTestFunction bool
	requestClass1    bool
	requestClass2    bool
	pending          []byte // user data queued with SendConfirmed/SendNoReply
	pendingNoReply   bool
}

func newConversation(address uint16) *conversation {
	return &conversation{address: address, nextFCB: true}
}

// messageWaiting reports queued work that keeps the conversation busy.
func (c *conversation) messageWaiting() bool {
	return c.pending != nil || c.sendTestFunction || c.requestClass1 || c.requestClass2
}

// primaryLinkLayer is the primary station. In balanced mode it carries one
// conversation (peer); in unbalanced mode one per slave, served round-robin
// over the shared line. Both modes use the same transition functions.
type primaryLinkLayer struct {
	ll       *LinkLayer
	balanced bool

	peer *conversation

	slaves    []*conversation
	byAddress map[uint16]*conversation
	current   *conversation
	nextSlave int
	broadcast []byte

	failures SendFailureHandler // nil if the application does not implement it
}

func newBalancedPrimary(ll *LinkLayer, peer uint16) *primaryLinkLayer {
	sf := &primaryLinkLayer{ll: ll, balanced: true, peer: newConversation(peer)}
	sf.failures, _ = ll.app.(SendFailureHandler)
	return sf
}

func newUnbalancedPrimary(ll *LinkLayer) *primaryLinkLayer {
	sf := &primaryLinkLayer{ll: ll, byAddress: make(map[uint16]*conversation)}
	sf.failures, _ = ll.app.(SendFailureHandler)
	return sf
}

func (sf *primaryLinkLayer) conversations() []*conversation {
	if sf.balanced {
		return []*conversation{sf.peer}
	}
	return sf.slaves
}

func (sf *primaryLinkLayer) lookup(address uint16) *conversation {
	if sf.balanced {
		if address == sf.peer.address {
			return sf.peer
		}
		return nil
	}
	return sf.byAddress[address]
}

func (sf *primaryLinkLayer) reset() {
	for _, c := range sf.conversations() {
		sf.abandon(c, ErrNotActive)
		sf.dropPending(c, ErrNotActive)
		c.state = plsIdle
		c.nextFCB = true
		c.linkReset = false
		c.waitingForResponse = false
		c.sendTestFunction, c.requestClass1, c.requestClass2 = false, false, false
		sf.setState(c, StateIdle)
	}
	sf.current = nil
	sf.broadcast = nil
}

func (sf *primaryLinkLayer) setState(c *conversation, s LinkLayerState) {
	if c.linkState == s {
		return
	}
	sf.ll.Debug("Link to %d: %v -> %v", c.address, c.linkState, s)
	c.linkState = s
	sf.ll.metrics.state(c.address, s)
	sf.ll.app.StateChanged(c.address, s)
}

// fail reports user data that will not be delivered.
func (sf *primaryLinkLayer) fail(address uint16, payload []byte, err error) {
	sf.ll.Warn("User data to %d failed: %v", address, err)
	if sf.failures != nil && len(payload) > 0 {
		sf.failures.SendFailed(address, payload, err)
	}
}

// abandon drops the outstanding user data of c.
func (sf *primaryLinkLayer) abandon(c *conversation, err error) {
	if c.outstanding.Kind == KindVariable && c.state == plsSendConfirm {
		sf.fail(c.address, c.outstanding.UserData, err)
	}
	c.outstanding = Frame{}
}

// dropPending drops user data queued but not yet sent.
func (sf *primaryLinkLayer) dropPending(c *conversation, err error) {
	if c.pending != nil {
		sf.fail(c.address, c.pending, err)
		c.pending = nil
	}
}

// tick runs one state machine step. In unbalanced mode a new slave is only
// selected when the current one is not waiting for an answer.
func (sf *primaryLinkLayer) tick(now time.Time) {
	if sf.balanced {
		sf.run(sf.peer, now)
		return
	}
	if sf.current != nil && sf.current.waitingForResponse {
		sf.run(sf.current, now)
		return
	}
	if sf.broadcast != nil {
		msg := sf.broadcast
		sf.broadcast = nil
		sf.current = nil
		sf.ll.Debug("Sending broadcast user data (%d bytes)", len(msg))
		f := NewDataFrame(ControlField{PRM: true, Fun: PrimFcUserDataNoConf}, BroadcastAddress(sf.ll.cfg.LinkAddrSize), msg)
		sf.ll.send(&f)
		return
	}
	if len(sf.slaves) == 0 {
		return
	}
	sf.current = sf.slaves[sf.nextSlave]
	sf.nextSlave = (sf.nextSlave + 1) % len(sf.slaves)
	sf.run(sf.current, now)
}

// request sends a primary frame that expects an answer. Frames with FCV
// consume the next FCB.
func (sf *primaryLinkLayer) request(c *conversation, fc byte, fcv bool, data []byte, now time.Time) {
	ctrl := ControlField{PRM: true, Fun: fc, FCV: fcv}
	if fcv {
		ctrl.FCB = c.nextFCB
		c.nextFCB = !c.nextFCB
	}
	if data != nil {
		c.outstanding = NewDataFrame(ctrl, c.address, data)
	} else {
		c.outstanding = NewFixedFrame(ctrl, c.address)
	}
	sf.ll.send(&c.outstanding)
	c.waitingForResponse = true
	c.lastSend = now
	c.originalSend = now
}

// repeatRequest sends the outstanding frame again with the same FCB.
func (sf *primaryLinkLayer) repeatRequest(c *conversation, now time.Time) {
	sf.ll.Debug("Repeating %s to %d", c.outstanding.Control.FuncName(), c.address)
	sf.ll.metrics.retransmission(c.address)
	sf.ll.send(&c.outstanding)
	c.lastSend = now
}

func (sf *primaryLinkLayer) run(c *conversation, now time.Time) {
	cfg := &sf.ll.cfg

	// A clock that went backwards expires the ACK timeout and restarts the
	// repeat timeout from now.
	if c.waitingForResponse && (now.Before(c.lastSend) || now.Before(c.originalSend)) {
		sf.ll.Debug("Clock went back %v, restarting timers of %d", c.lastSend.Sub(now), c.address)
		c.originalSend = now
	}

	switch c.state {
	case plsIdle:
		c.nextFCB = true
		c.linkReset = false
		sf.request(c, PrimFcReqStatus, false, nil, now)
		c.state = plsRequestStatus

	case plsRequestStatus:
		if c.waitingForResponse {
			if expired(now, c.lastSend, cfg.TimeoutForACK) {
				// Release the line, the request is repeated on the next turn.
				c.waitingForResponse = false
				if expired(now, c.originalSend, cfg.TimeoutRepeat) && c.linkState != StateError {
					sf.ll.Warn("No status of link from %d", c.address)
					sf.ll.metrics.timeout(c.address)
					sf.setState(c, StateError)
				}
			}
			return
		}
		start := c.originalSend
		sf.request(c, PrimFcReqStatus, false, nil, now)
		c.originalSend = start

	case plsResetRemoteLink:
		if c.waitingForResponse && expired(now, c.lastSend, cfg.TimeoutForACK) {
			sf.ll.Warn("Reset of remote link %d not confirmed", c.address)
			sf.ll.metrics.timeout(c.address)
			c.waitingForResponse = false
			c.state = plsIdle
			sf.setState(c, StateError)
		}

	case plsAvailable:
		sf.runAvailable(c, now)

	case plsSendConfirm, plsRequestRespond:
		if !c.waitingForResponse || !expired(now, c.lastSend, cfg.TimeoutForACK) {
			return
		}
		if expired(now, c.originalSend, cfg.TimeoutRepeat) {
			sf.ll.Warn("%s to %d: %v", c.outstanding.Control.FuncName(), c.address, ErrTimeout)
			sf.ll.metrics.timeout(c.address)
			sf.abandon(c, ErrTimeout)
			c.waitingForResponse = false
			c.state = plsIdle
			sf.setState(c, StateError)
			return
		}
		sf.repeatRequest(c, now)

	case plsSecondaryBusy:
		if c.waitingForResponse {
			if expired(now, c.lastSend, cfg.TimeoutForACK) {
				c.waitingForResponse = false
			}
			return
		}
		if expired(now, c.lastSend, cfg.TimeoutForACK) {
			sf.request(c, PrimFcReqStatus, false, nil, now)
		}
	}
}

// runAvailable starts the next exchange. Priority: test function, class
// 1/2 request (unbalanced), queued user data, user data from the
// application layer.
func (sf *primaryLinkLayer) runAvailable(c *conversation, now time.Time) {
	switch {
	case c.sendTestFunction:
		c.sendTestFunction = false
		sf.request(c, PrimFcTestLink, true, nil, now)
		c.state = plsSendConfirm

	case !sf.balanced && c.requestClass1:
		c.requestClass1 = false
		sf.request(c, PrimFcReqData1, true, nil, now)
		c.state = plsRequestRespond

	case !sf.balanced && c.requestClass2:
		c.requestClass2 = false
		sf.request(c, PrimFcReqData2, true, nil, now)
		c.state = plsRequestRespond

	case c.pending != nil:
		payload := c.pending
		c.pending = nil
		if c.pendingNoReply {
			f := NewDataFrame(ControlField{PRM: true, Fun: PrimFcUserDataNoConf}, c.address, payload)
			sf.ll.send(&f)
			return
		}
		sf.request(c, PrimFcUserDataConf, true, payload, now)
		c.state = plsSendConfirm

	default:
		payload := sf.ll.app.NextPayload(c.address, Class1)
		if payload == nil {
			payload = sf.ll.app.NextPayload(c.address, Class2)
		}
		if payload == nil {
			return
		}
		if err := sf.ll.checkPayload(payload); err != nil {
			sf.fail(c.address, payload, err)
			return
		}
		sf.request(c, PrimFcUserDataConf, true, bytes.Clone(payload), now)
		c.state = plsSendConfirm
	}
}

func (sf *primaryLinkLayer) handleResponse(f *Frame, now time.Time) {
	var c *conversation
	if f.Kind == KindSingleChar {
		if sf.balanced {
			c = sf.peer
		} else {
			c = sf.current
		}
	} else {
		c = sf.lookup(f.Address)
	}
	if c == nil {
		sf.ll.Warn("Ignoring answer %v from unknown station", f)
		return
	}
	if !c.waitingForResponse {
		sf.ll.Debug("Ignoring late answer %v from %d", f, c.address)
		return
	}

	ctrl := f.Control
	fun := ctrl.Fun
	if f.Kind == KindSingleChar {
		fun = SecFcConfACK
	}
	if !sf.balanced && ctrl.ACD {
		c.requestClass1 = true
		sf.ll.app.AccessDemand(c.address)
	}

	switch c.state {
	case plsRequestStatus, plsSecondaryBusy:
		if fun != SecFcRespStatus {
			if c.state == plsSecondaryBusy && !ctrl.DFC {
				c.waitingForResponse = false
				sf.leaveBusy(c, now)
				return
			}
			sf.protocolError(c, f)
			return
		}
		c.waitingForResponse = false
		switch {
		case ctrl.DFC:
			c.state = plsSecondaryBusy
			sf.setState(c, StateBusy)
		case c.state == plsSecondaryBusy:
			sf.leaveBusy(c, now)
		default:
			sf.request(c, PrimFcResetLink, false, nil, now)
			c.state = plsResetRemoteLink
		}

	case plsResetRemoteLink:
		if fun != SecFcConfACK {
			sf.protocolError(c, f)
			return
		}
		c.waitingForResponse = false
		c.nextFCB = true
		c.linkReset = true
		sf.available(c, ctrl.DFC)

	case plsSendConfirm:
		c.waitingForResponse = false
		switch fun {
		case SecFcConfACK:
			c.outstanding = Frame{}
			sf.available(c, ctrl.DFC)
		case SecFcConfNACK:
			sf.abandon(c, ErrNACK)
			c.state = plsSecondaryBusy
			sf.setState(c, StateBusy)
		case SecFcRespLinkNF, SecFcRespLinkNI:
			if c.outstanding.Control.Fun == PrimFcTestLink {
				sf.ll.Warn("Station %d does not support the test function", c.address)
				c.outstanding = Frame{}
				sf.available(c, ctrl.DFC)
				return
			}
			sf.abandon(c, ErrServiceNotImplemented)
			sf.protocolError(c, f)
		default:
			sf.abandon(c, ErrUnexpectedFrame)
			sf.protocolError(c, f)
		}

	case plsRequestRespond:
		c.waitingForResponse = false
		switch fun {
		case SecFcRespUserData:
			if !sf.ll.app.DeliverPayload(c.address, bytes.Clone(f.UserData)) {
				sf.ll.Warn("Response user data from %d not accepted", c.address)
			}
			c.outstanding = Frame{}
			sf.available(c, ctrl.DFC)
		case SecFcRespNoData, SecFcConfACK:
			c.outstanding = Frame{}
			sf.available(c, ctrl.DFC)
		default:
			sf.protocolError(c, f)
		}

	default:
		sf.ll.Debug("Ignoring answer %v in state %v", f, c.state)
	}
}

// available ends an exchange, or enters SecondaryBusy when the answer
// carried DFC.
func (sf *primaryLinkLayer) available(c *conversation, dfc bool) {
	if dfc {
		sf.ll.Debug("Station %d signals data flow control", c.address)
		c.state = plsSecondaryBusy
		sf.setState(c, StateBusy)
		return
	}
	c.state = plsAvailable
	sf.setState(c, StateAvailable)
}

// leaveBusy ends SecondaryBusy. A station that was busy before the reset of
// its link was confirmed gets the RESET_REMOTE_LINK first.
func (sf *primaryLinkLayer) leaveBusy(c *conversation, now time.Time) {
	if !c.linkReset {
		sf.request(c, PrimFcResetLink, false, nil, now)
		c.state = plsResetRemoteLink
		return
	}
	sf.available(c, false)
}

// protocolError restarts the conversation from Idle.
func (sf *primaryLinkLayer) protocolError(c *conversation, f *Frame) {
	sf.ll.Warn("Unexpected answer %v from %d in state %v, restarting link", f, c.address, c.state)
	c.waitingForResponse = false
	c.outstanding = Frame{}
	c.state = plsIdle
	sf.setState(c, StateError)
}

func (sf *LinkLayer) conversation(address uint16) (*conversation, error) {
	if sf.primary == nil {
		return nil, ErrWrongRole
	}
	c := sf.primary.lookup(address)
	if c == nil {
		return nil, ErrUnknownSlave
	}
	return c, nil
}

// AddSlave registers a slave address with an unbalanced primary. The new
// conversation starts in Idle.
func (sf *LinkLayer) AddSlave(address uint16) error {
	if sf.primary == nil || sf.primary.balanced {
		return ErrWrongRole
	}
	if sf.isBroadcast(address) {
		return ErrBroadcastFunction
	}
	if (sf.cfg.LinkAddrSize == 0 && address != 0) || (sf.cfg.LinkAddrSize == 1 && address > 0xFF) {
		return fmt.Errorf("slave address %d does not fit in %d octets", address, sf.cfg.LinkAddrSize)
	}
	if _, ok := sf.primary.byAddress[address]; ok {
		return nil
	}
	c := newConversation(address)
	sf.primary.slaves = append(sf.primary.slaves, c)
	sf.primary.byAddress[address] = c
	sf.metrics.state(address, StateIdle)
	return nil
}

// Slaves returns the registered slave addresses, or the peer address of a
// balanced link layer.
func (sf *LinkLayer) Slaves() []uint16 {
	if sf.primary == nil {
		return nil
	}
	cs := sf.primary.conversations()
	addrs := make([]uint16, len(cs))
	for i, c := range cs {
		addrs[i] = c.address
	}
	return addrs
}

// SendConfirmed queues user data sent with USER_DATA_CONFIRMED. Only one
// message per conversation can be pending or unacknowledged; otherwise
// ErrLinkLayerBusy is returned.
func (sf *LinkLayer) SendConfirmed(address uint16, payload []byte) error {
	return sf.queueUserData(address, payload, false)
}

// SendNoReply queues user data sent with USER_DATA_NO_REPLY. The broadcast
// address is allowed on an unbalanced primary.
func (sf *LinkLayer) SendNoReply(address uint16, payload []byte) error {
	if sf.primary != nil && !sf.primary.balanced && sf.isBroadcast(address) {
		if err := sf.checkPayload(payload); err != nil {
			return err
		}
		if sf.primary.broadcast != nil {
			return ErrLinkLayerBusy
		}
		sf.primary.broadcast = bytes.Clone(payload)
		return nil
	}
	return sf.queueUserData(address, payload, true)
}

func (sf *LinkLayer) queueUserData(address uint16, payload []byte, noReply bool) error {
	c, err := sf.conversation(address)
	if err != nil {
		return err
	}
	if err := sf.checkPayload(payload); err != nil {
		return err
	}
	if c.pending != nil || c.state == plsSendConfirm {
		return ErrLinkLayerBusy
	}
	c.pending = bytes.Clone(payload)
	c.pendingNoReply = noReply
	return nil
}

// RequestClass1Data schedules a REQUEST_USER_DATA_CLASS_1 to the slave.
func (sf *LinkLayer) RequestClass1Data(address uint16) error {
	c, err := sf.conversation(address)
	if err != nil {
		return err
	}
	if sf.primary.balanced {
		return ErrWrongRole
	}
	c.requestClass1 = true
	return nil
}

// RequestClass2Data schedules a REQUEST_USER_DATA_CLASS_2 to the slave. It
// returns ErrLinkLayerBusy while other work for the slave is waiting.
func (sf *LinkLayer) RequestClass2Data(address uint16) error {
	c, err := sf.conversation(address)
	if err != nil {
		return err
	}
	if sf.primary.balanced {
		return ErrWrongRole
	}
	if c.messageWaiting() || c.state == plsRequestRespond {
		return ErrLinkLayerBusy
	}
	c.requestClass2 = true
	return nil
}

// SendTestFunction schedules a TEST_FUNCTION_FOR_LINK, sent before any other
// queued work of the conversation.
func (sf *LinkLayer) SendTestFunction(address uint16) error {
	c, err := sf.conversation(address)
	if err != nil {
		return err
	}
	c.sendTestFunction = true
	return nil
}

// IsChannelAvailable reports whether the conversation can take user data.
func (sf *LinkLayer) IsChannelAvailable(address uint16) bool {
	c, err := sf.conversation(address)
	if err != nil {
		return false
	}
	return c.state == plsAvailable && c.pending == nil
}

// LinkState returns the state of the conversation with address.
func (sf *LinkLayer) LinkState(address uint16) (LinkLayerState, error) {
	c, err := sf.conversation(address)
	if err != nil {
		return StateIdle, err
	}
	return c.linkState, nil
}

// ResetLink restarts the conversation from Idle, dropping queued user data.
func (sf *LinkLayer) ResetLink(address uint16) error {
	c, err := sf.conversation(address)
	if err != nil {
		return err
	}
	sf.primary.abandon(c, ErrNotActive)
	sf.primary.dropPending(c, ErrNotActive)
	c.waitingForResponse = false
	c.state = plsIdle
	sf.primary.setState(c, StateIdle)
	return nil
}
