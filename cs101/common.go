// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"fmt"
	"time"
)

// DefaultReconnectInterval defined default value
const DefaultReconnectInterval = 1 * time.Minute

// LinkLayerState is the state of one link conversation as seen by the
// application layer.
type LinkLayerState int

// Link layer states
const (
	StateIdle LinkLayerState = iota
	StateError
	StateBusy
	StateAvailable
)

func (s LinkLayerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateError:
		return "ERROR"
	case StateBusy:
		return "BUSY"
	case StateAvailable:
		return "AVAILABLE"
	}
	return fmt.Sprintf("LinkLayerState(%d)", int(s))
}

// primaryState is the internal state of a primary conversation.
type primaryState int

const (
	plsIdle primaryState = iota
	plsRequestStatus
	plsResetRemoteLink
	plsAvailable
	plsSendConfirm
	plsRequestRespond
	plsSecondaryBusy
)

func (s primaryState) String() string {
	switch s {
	case plsIdle:
		return "Idle"
	case plsRequestStatus:
		return "RequestingStatusOfLink"
	case plsResetRemoteLink:
		return "ResettingRemoteLink"
	case plsAvailable:
		return "Available"
	case plsSendConfirm:
		return "SendingConfirmed"
	case plsRequestRespond:
		return "RequestingRespond"
	case plsSecondaryBusy:
		return "SecondaryBusy"
	}
	return fmt.Sprintf("primaryState(%d)", int(s))
}

// DataClass selects class 1 (high priority, spontaneous) or class 2
// (low priority, cyclic) user data.
type DataClass byte

// Data classes
const (
	Class1 DataClass = 1
	Class2 DataClass = 2
)

func (c DataClass) String() string {
	return fmt.Sprintf("class%d", byte(c))
}

// expired reports whether more than d has passed since t. A clock that went
// backwards counts as expired; callers restart their timers from now.
func expired(now, t time.Time, d time.Duration) bool {
	if now.Before(t) {
		return true
	}
	return now.Sub(t) > d
}
