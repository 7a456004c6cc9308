// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"errors"
	"time"
)

// TransmissionMode defines the transmission mode (Balanced or Unbalanced)
type TransmissionMode byte

const (
	ModeUnbalanced TransmissionMode = iota // Master polls slaves
	ModeBalanced                           // Point-to-point, both ends are primary and secondary
)

func (m TransmissionMode) String() string {
	if m == ModeBalanced {
		return "balanced"
	}
	return "unbalanced"
}

// Constants defining default values and ranges for CS101 link parameters.
const (
	// Default timeout waiting for ACK/response of a single attempt
	DefaultTimeoutForACK = 1000 * time.Millisecond
	TimeoutForACKMin     = 10 * time.Millisecond
	TimeoutForACKMax     = 255 * time.Second

	// Default budget for repetitions, measured from the original send
	DefaultTimeoutRepeat = 1000 * time.Millisecond
	TimeoutRepeatMax     = 255 * time.Second

	// Transceiver timeouts
	DefaultMessageTimeout   = 50 * time.Millisecond
	DefaultCharacterTimeout = 50 * time.Millisecond
	TransceiverTimeoutMax   = 10 * time.Second

	// Default Link Address size (1 or 2 octets, 0 for unused)
	DefaultLinkAddrSize = 1
	LinkAddrSizeMin     = 0
	LinkAddrSizeMax     = 2

	DefaultMaxSendQueueSize = 100
)

// Config defines the link layer configuration of one channel.
// It is not modified after the link layer is created.
type Config struct {
	// Transmission Mode (Balanced or Unbalanced)
	Mode TransmissionMode

	// Link Address of this station. Unused by an unbalanced primary.
	LinkAddress uint16
	// Link Address of the remote station in balanced mode.
	OtherLinkAddress uint16
	// Size of Link Address field in octets (0, 1, or 2)
	LinkAddrSize byte
	// DIR bit sent in balanced mode, conventionally set by the controlling station.
	DIR bool

	// Timeout waiting for ACK/response of a single attempt.
	TimeoutForACK time.Duration
	// Total time allowed for repetitions, measured from the original send.
	TimeoutRepeat time.Duration
	// Acknowledge with 0xE5 instead of a fixed frame where the protocol allows.
	UseSingleCharACK bool

	// Time to wait for the first byte of a frame.
	MessageTimeout time.Duration
	// Time allowed per remaining byte once a frame has started.
	CharacterTimeout time.Duration

	// Maximum size of the station send queues (number of payloads)
	MaxSendQueueSize int
}

// Valid applies defaults and checks configuration validity.
func (sf *Config) Valid() error {
	if sf == nil {
		return errors.New("invalid nil config")
	}

	// Validate Transmission Mode
	if sf.Mode != ModeUnbalanced && sf.Mode != ModeBalanced {
		return errors.New("invalid transmission mode")
	}

	// Validate Link Address Size
	if sf.LinkAddrSize > LinkAddrSizeMax {
		return errors.New("link address size must be 0, 1, or 2")
	}
	// Validate Link Address value based on size
	if sf.LinkAddrSize == 1 && (sf.LinkAddress > 0xFF || sf.OtherLinkAddress > 0xFF) {
		return errors.New("link address exceeds 1 octet limit")
	}
	if sf.LinkAddrSize == 0 && (sf.LinkAddress != 0 || sf.OtherLinkAddress != 0) {
		return errors.New("link address must be 0 when link address size is 0")
	}

	// Validate and default Timeouts
	if sf.TimeoutForACK == 0 {
		sf.TimeoutForACK = DefaultTimeoutForACK
	} else if sf.TimeoutForACK < TimeoutForACKMin || sf.TimeoutForACK > TimeoutForACKMax {
		return errors.New("timeout for ACK out of range [10ms, 255s]")
	}

	if sf.TimeoutRepeat == 0 {
		sf.TimeoutRepeat = DefaultTimeoutRepeat
	} else if sf.TimeoutRepeat > TimeoutRepeatMax {
		return errors.New("repeat timeout out of range")
	}
	if sf.TimeoutRepeat < sf.TimeoutForACK {
		return errors.New("repeat timeout must not be less than timeout for ACK")
	}

	if sf.MessageTimeout == 0 {
		sf.MessageTimeout = DefaultMessageTimeout
	} else if sf.MessageTimeout < 0 || sf.MessageTimeout > TransceiverTimeoutMax {
		return errors.New("message timeout out of range")
	}
	if sf.CharacterTimeout == 0 {
		sf.CharacterTimeout = DefaultCharacterTimeout
	} else if sf.CharacterTimeout < 0 || sf.CharacterTimeout > TransceiverTimeoutMax {
		return errors.New("character timeout out of range")
	}

	if sf.MaxSendQueueSize == 0 {
		sf.MaxSendQueueSize = DefaultMaxSendQueueSize
	} else if sf.MaxSendQueueSize < 0 {
		return errors.New("MaxSendQueueSize must be positive")
	}

	return nil
}

// DefaultConfig provides a default CS101 configuration.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeUnbalanced,
		LinkAddress:      1,
		LinkAddrSize:     DefaultLinkAddrSize,
		TimeoutForACK:    DefaultTimeoutForACK,
		TimeoutRepeat:    DefaultTimeoutRepeat,
		UseSingleCharACK: true,
		MessageTimeout:   DefaultMessageTimeout,
		CharacterTimeout: DefaultCharacterTimeout,
		MaxSendQueueSize: DefaultMaxSendQueueSize,
	}
}
