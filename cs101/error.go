// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"errors"
)

// error defined
var (
	ErrUseClosedConnection = errors.New("use of closed connection")
	ErrNotActive           = errors.New("channel is not active")
	ErrSendQueueFull       = errors.New("send queue is full")
	ErrUnknownSlave        = errors.New("unknown slave address")
)

// CS101 specific errors
var (
	// ErrLinkLayerBusy is returned when a message or request is already
	// pending for the conversation. The caller should retry later.
	ErrLinkLayerBusy = errors.New("link layer busy")
	// ErrTimeout is reported when the repeat timeout expires without an answer.
	ErrTimeout = errors.New("response timeout")
	// ErrNACK is reported when the secondary answered with NACK.
	ErrNACK = errors.New("negative acknowledge")
	// ErrServiceNotImplemented is reported for LINK_SERVICE_NOT_IMPLEMENTED
	// and LINK_SERVICE_NOT_FUNCTIONING answers.
	ErrServiceNotImplemented = errors.New("link service not implemented")
	ErrUnexpectedFrame       = errors.New("unexpected frame received")
	ErrBroadcastFunction     = errors.New("broadcast only allowed with user data no reply")
)

// Transport errors are fatal to the channel.
var (
	ErrPortUnavailable = errors.New("port unavailable")
	ErrAccessDenied    = errors.New("port access denied")
)
