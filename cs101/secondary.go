// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"bytes"
)

// secondaryLinkLayer answers the requests of a primary station. Besides the
// expected frame count bit it keeps the last answer to a FCV request, which
// is repeated when the primary repeats the request.
type secondaryLinkLayer struct {
	ll      *LinkLayer
	address uint16
	app     ApplicationLayer
	ext     SecondaryApplicationLayer // nil if app does not implement it

	expectedFCB  bool
	lastResponse []byte
}

func newSecondaryLinkLayer(ll *LinkLayer) *secondaryLinkLayer {
	sf := &secondaryLinkLayer{
		ll:          ll,
		address:     ll.cfg.LinkAddress,
		app:         ll.app,
		expectedFCB: true,
	}
	sf.ext, _ = ll.app.(SecondaryApplicationLayer)
	return sf
}

func (sf *secondaryLinkLayer) reset() {
	sf.expectedFCB = true
	sf.lastResponse = sf.lastResponse[:0]
}

func (sf *secondaryLinkLayer) balanced() bool {
	return sf.ll.cfg.Mode == ModeBalanced
}

// acd is only meaningful in unbalanced mode, the bit is reserved otherwise.
func (sf *secondaryLinkLayer) acd() bool {
	return !sf.balanced() && sf.ext != nil && sf.ext.Class1Pending(sf.address)
}

func (sf *secondaryLinkLayer) dfc() bool {
	return sf.ext != nil && sf.ext.Busy(sf.address)
}

func (sf *secondaryLinkLayer) handle(f *Frame) {
	ctrl := f.Control

	if f.Address != sf.address {
		if !sf.ll.isBroadcast(f.Address) {
			sf.ll.Debug("Ignoring frame for link address %d", f.Address)
			return
		}
		if ctrl.Fun != PrimFcUserDataNoConf {
			sf.ll.Warn("Ignoring broadcast %s: %v", ctrl.FuncName(), ErrBroadcastFunction)
			return
		}
		sf.deliver(f)
		return
	}

	if ctrl.Fun == PrimFcUserDataNoConf {
		sf.deliver(f)
		return
	}

	if ctrl.FCV && ctrl.FCB != sf.expectedFCB {
		sf.repeat(f)
		return
	}

	switch ctrl.Fun {
	case PrimFcResetLink, PrimFcResetFCB:
		sf.expectedFCB = true
		sf.lastResponse = sf.lastResponse[:0]
		sf.ack(ctrl)
		if sf.ext != nil {
			sf.ext.LinkReset(sf.address, ctrl.Fun == PrimFcResetFCB)
		}

	case PrimFcResetUser, PrimFcTestLink:
		sf.ack(ctrl)

	case PrimFcReqStatus, PrimFcReqAccess:
		sf.respond(ctrl, NewFixedFrame(ControlField{Fun: SecFcRespStatus, ACD: sf.acd(), DFC: sf.dfc()}, sf.address))

	case PrimFcReqData1, PrimFcReqData2:
		if sf.balanced() {
			sf.notImplemented(ctrl)
			return
		}
		class := Class2
		if ctrl.Fun == PrimFcReqData1 {
			class = Class1
		}
		sf.respondUserData(ctrl, class)

	case PrimFcUserDataConf:
		if len(f.UserData) > 0 && !sf.app.DeliverPayload(f.Address, bytes.Clone(f.UserData)) {
			sf.ll.Debug("User data not accepted, no acknowledgement")
			if sf.dfc() {
				sf.ll.sendFixedSecondary(SecFcConfNACK, sf.address, sf.acd(), true)
			}
			return
		}
		sf.ack(ctrl)

	default:
		sf.notImplemented(ctrl)
	}
}

func (sf *secondaryLinkLayer) deliver(f *Frame) {
	if len(f.UserData) == 0 {
		sf.ll.Debug("Ignoring user data frame without payload")
		return
	}
	sf.app.DeliverPayload(f.Address, bytes.Clone(f.UserData))
}

// repeat handles a request whose FCB equals the previous one: the primary
// missed our answer. The answer is sent again without repeating its side
// effects.
func (sf *secondaryLinkLayer) repeat(f *Frame) {
	sf.ll.metrics.duplicate(f.Address)
	if len(sf.lastResponse) == 0 {
		sf.ll.Warn("Ignoring repeated %s (FCB=%v), no answer to repeat", f.Control.FuncName(), f.Control.FCB)
		return
	}
	sf.ll.Debug("Repeated %s (FCB=%v), sending last answer again", f.Control.FuncName(), f.Control.FCB)
	if sf.ll.write(sf.lastResponse) {
		sf.ll.metrics.frameSent(kindOf(sf.lastResponse))
	}
}

// respond sends the answer to req. For a FCV request the expected FCB
// advances and the answer is kept for repetition.
func (sf *secondaryLinkLayer) respond(req ControlField, resp Frame) {
	msg := sf.ll.send(&resp)
	if req.FCV {
		sf.expectedFCB = !req.FCB
		sf.lastResponse = append(sf.lastResponse[:0], msg...)
	}
}

func (sf *secondaryLinkLayer) ack(req ControlField) {
	acd, dfc := sf.acd(), sf.dfc()
	if sf.ll.cfg.UseSingleCharACK && !acd && !dfc {
		sf.respond(req, Frame{Kind: KindSingleChar})
		return
	}
	sf.respond(req, NewFixedFrame(ControlField{Fun: SecFcConfACK, ACD: acd, DFC: dfc}, sf.address))
}

func (sf *secondaryLinkLayer) notImplemented(req ControlField) {
	sf.ll.Warn("Function %s not implemented", req.FuncName())
	sf.respond(req, NewFixedFrame(ControlField{Fun: SecFcRespLinkNI}, sf.address))
}

func (sf *secondaryLinkLayer) respondUserData(req ControlField, class DataClass) {
	payload := sf.app.NextPayload(sf.address, class)
	if len(payload) > sf.ll.maxUserData() {
		sf.ll.Error("Dropping %s payload of %d bytes, too long for a frame", class, len(payload))
		payload = nil
	}
	acd, dfc := sf.acd(), sf.dfc()
	switch {
	case len(payload) > 0:
		sf.respond(req, NewDataFrame(ControlField{Fun: SecFcRespUserData, ACD: acd, DFC: dfc}, sf.address, payload))
	case sf.ll.cfg.UseSingleCharACK && !acd && !dfc:
		sf.respond(req, Frame{Kind: KindSingleChar})
	default:
		sf.respond(req, NewFixedFrame(ControlField{Fun: SecFcRespNoData, ACD: acd, DFC: dfc}, sf.address))
	}
}

// kindOf tells the frame kind of an encoded frame.
func kindOf(msg []byte) FrameKind {
	switch msg[0] {
	case StartFixed:
		return KindFixed
	case StartVariable:
		return KindVariable
	}
	return KindSingleChar
}
