// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

// ApplicationLayer is the boundary between the link layer and the user data
// producer/consumer. The link layer calls it from the channel goroutine only.
type ApplicationLayer interface {
	// NextPayload returns the next queued payload of the given class for the
	// station at address, or nil when there is nothing to send.
	NextPayload(address uint16, class DataClass) []byte
	// DeliverPayload hands received user data to the application. Returning
	// false suppresses the acknowledgement so the peer repeats the frame.
	// The payload is owned by the callee.
	DeliverPayload(address uint16, payload []byte) bool
	// StateChanged reports a new link layer state of the conversation.
	StateChanged(address uint16, state LinkLayerState)
	// AccessDemand reports that the station at address has class 1 data.
	AccessDemand(address uint16)
}

// SecondaryApplicationLayer is optionally implemented by the application
// layer of a secondary station.
type SecondaryApplicationLayer interface {
	ApplicationLayer
	// Class1Pending reports whether class 1 data is queued, sent as ACD.
	Class1Pending(address uint16) bool
	// Busy reports that no more user data can be accepted, sent as DFC.
	Busy(address uint16) bool
	// LinkReset is called on RESET_REMOTE_LINK (onlyFCB false) and
	// RESET_FCB (onlyFCB true).
	LinkReset(address uint16, onlyFCB bool)
}

// SendFailureHandler is optionally implemented by the application layer of a
// primary station to learn about user data that could not be delivered.
type SendFailureHandler interface {
	SendFailed(address uint16, payload []byte, err error)
}

// RawMessageHandler observes every frame sent or received on a channel.
// The message is only valid during the call.
type RawMessageHandler func(msg []byte, sent bool)
