// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is a byte stream carrying FT1.2 frames: a serial device or a TCP
// connection posing as one. Read returns 0, nil when the read timeout
// elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens the port of a channel. It is called again after the
// channel fails.
type PortOpener func(ctx context.Context) (Port, error)

// SerialConfig holds serial port configuration parameters.
type SerialConfig struct {
	// Address is the serial port address (e.g., "COM3" on Windows, "/dev/ttyS0" on Linux).
	Address string
	// BaudRate is the serial port speed (e.g., 9600, 19200, 115200).
	BaudRate int
	// DataBits is the number of data bits, 8 when zero.
	DataBits int
	// StopBits is 1 or 2.
	StopBits byte
	// Parity is 0 = None, 1 = Odd, 2 = Even. IEC 60870-5-101 uses even parity.
	Parity byte
}

// mapParity maps a byte representation to serial.Parity.
// 0 = None, 1 = Odd, 2 = Even. Returns NoParity for invalid values.
func mapParity(p byte) serial.Parity {
	switch p {
	case 1:
		return serial.OddParity
	case 2:
		return serial.EvenParity
	default: // Includes 0
		return serial.NoParity
	}
}

// mapStopBits maps a byte representation to serial.StopBits.
// 1 = OneStopBit, 2 = TwoStopBits. Returns OneStopBit for invalid values.
func mapStopBits(s byte) serial.StopBits {
	if s == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit // Default includes 1
}

func (sf SerialConfig) mode() *serial.Mode {
	dataBits := sf.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	return &serial.Mode{
		BaudRate: sf.BaudRate,
		DataBits: dataBits,
		Parity:   mapParity(sf.Parity),
		StopBits: mapStopBits(sf.StopBits),
	}
}

// Valid checks the serial settings.
func (sf SerialConfig) Valid() error {
	if sf.Address == "" {
		return errors.New("serial address (port name) must be configured")
	}
	if sf.BaudRate <= 0 {
		return errors.New("serial baud rate must be positive")
	}
	if sf.DataBits != 0 && (sf.DataBits < 5 || sf.DataBits > 8) {
		return errors.New("serial data bits must be between 5 and 8")
	}
	return nil
}

// OpenSerialPort opens a physical serial port.
func OpenSerialPort(cfg SerialConfig) (Port, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	p, err := serial.Open(cfg.Address, cfg.mode())
	if err != nil {
		return nil, transportError(err)
	}
	return p, nil
}

// SerialOpener returns a PortOpener for a serial device.
func SerialOpener(cfg SerialConfig) PortOpener {
	return func(context.Context) (Port, error) {
		return OpenSerialPort(cfg)
	}
}

// transportError classifies a port error. All of them are fatal to the
// channel; access problems are reported separately.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPortUnavailable) || errors.Is(err, ErrAccessDenied) {
		return err
	}
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PermissionDenied, serial.PortBusy:
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrPortUnavailable, err)
}

// drainer is implemented by serial ports that can flush the output buffer.
type drainer interface {
	Drain() error
}
