// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CS101 Frame Format Constants (FT1.2)
const (
	// SingleCharACK is the single character acknowledgement frame
	SingleCharACK byte = 0xE5
	// StartFixed is the start character for fixed-length frames
	StartFixed byte = 0x10
	// StartVariable is the start character for variable-length frames
	StartVariable byte = 0x68
	// EndChar is the end character of fixed and variable frames
	EndChar byte = 0x16

	// MaxFrameLen is the largest value of the L field of a variable frame
	MaxFrameLen = 255
	// MaxFrameSize is the largest FT1.2 frame on the wire (68 L L 68 ... CS 16)
	MaxFrameSize = MaxFrameLen + 6
)

const (
	// Control Field Bits (Primary Station Message)
	// DIR: Direction bit, used in balanced mode only
	CtrlDIR byte = 0x80
	// PRM: Primary Message bit (1: From Primary Station, 0: From Secondary Station)
	CtrlPRM byte = 0x40
	// FCB: Frame Count Bit
	CtrlFCB byte = 0x20
	// FCV: Frame Count Valid bit
	CtrlFCV byte = 0x10
	// Control Field Bits (Secondary Station Message)
	// ACD: Access Demand bit
	CtrlACD byte = 0x20
	// DFC: Data Flow Control bit
	CtrlDFC byte = 0x10
	// Function Code Mask
	CtrlFuncMask byte = 0x0F
)

// Primary Function Codes (PRM=1, bits 0-3)
const (
	// --- Send/Confirm Functions ---
	PrimFcResetLink      byte = 0 // Reset of remote link
	PrimFcResetUser      byte = 1 // Reset of user process
	PrimFcTestLink       byte = 2 // Test function for link
	PrimFcUserDataConf   byte = 3 // User data, confirmed
	PrimFcUserDataNoConf byte = 4 // User data, unconfirmed
	PrimFcResetFCB       byte = 7 // Reset of frame count bit
	// --- Request/Respond Functions ---
	PrimFcReqAccess byte = 8  // Request access demand
	PrimFcReqStatus byte = 9  // Request status of link
	PrimFcReqData1  byte = 10 // Request user data class 1
	PrimFcReqData2  byte = 11 // Request user data class 2
)

// Secondary Function Codes (PRM=0, bits 0-3)
const (
	// --- Confirm Functions ---
	SecFcConfACK  byte = 0 // Confirm: Positive acknowledge (ACK)
	SecFcConfNACK byte = 1 // Confirm: Negative acknowledge (NACK, link busy)
	// --- Respond Functions ---
	SecFcRespUserData byte = 8  // Respond: User data
	SecFcRespNoData   byte = 9  // Respond: NACK - requested data not available
	SecFcRespStatus   byte = 11 // Respond: Status of link / Access Demand
	SecFcRespLinkNF   byte = 14 // Respond: Link service not functioning
	SecFcRespLinkNI   byte = 15 // Respond: Link service not implemented
)

var primaryFuncNames = map[byte]string{
	PrimFcResetLink:      "RESET_REMOTE_LINK",
	PrimFcResetUser:      "RESET_USER_PROCESS",
	PrimFcTestLink:       "TEST_FUNCTION_FOR_LINK",
	PrimFcUserDataConf:   "USER_DATA_CONFIRMED",
	PrimFcUserDataNoConf: "USER_DATA_NO_REPLY",
	PrimFcResetFCB:       "RESET_FCB",
	PrimFcReqAccess:      "REQUEST_ACCESS_DEMAND",
	PrimFcReqStatus:      "REQUEST_LINK_STATUS",
	PrimFcReqData1:       "REQUEST_USER_DATA_CLASS_1",
	PrimFcReqData2:       "REQUEST_USER_DATA_CLASS_2",
}

var secondaryFuncNames = map[byte]string{
	SecFcConfACK:      "ACK",
	SecFcConfNACK:     "NACK",
	SecFcRespUserData: "RESP_USER_DATA",
	SecFcRespNoData:   "RESP_NACK_NO_DATA",
	SecFcRespStatus:   "STATUS_OF_LINK_OR_ACCESS_DEMAND",
	SecFcRespLinkNF:   "LINK_SERVICE_NOT_FUNCTIONING",
	SecFcRespLinkNI:   "LINK_SERVICE_NOT_IMPLEMENTED",
}

// ControlField represents the parsed control field byte
type ControlField struct {
	DIR bool // Direction (balanced mode)
	PRM bool // Primary Message (true if from primary station)
	FCB bool // Frame Count Bit (primary station only)
	FCV bool // Frame Count Valid (primary station only)
	ACD bool // Access Demand (secondary station only)
	DFC bool // Data Flow Control (secondary station only)
	Fun byte // Function Code (masked)
}

// ParseControlField parses the control field byte.
func ParseControlField(b byte) ControlField {
	cf := ControlField{
		DIR: (b & CtrlDIR) != 0,
		PRM: (b & CtrlPRM) != 0,
		Fun: b & CtrlFuncMask,
	}
	if cf.PRM { // Primary Station Message
		cf.FCB = (b & CtrlFCB) != 0
		cf.FCV = (b & CtrlFCV) != 0
	} else { // Secondary Station Message
		cf.ACD = (b & CtrlACD) != 0
		cf.DFC = (b & CtrlDFC) != 0
	}
	return cf
}

// Value encodes the ControlField struct back to a byte.
func (cf ControlField) Value() byte {
	b := cf.Fun & CtrlFuncMask
	if cf.DIR {
		b |= CtrlDIR
	}
	if cf.PRM {
		b |= CtrlPRM
		if cf.FCB {
			b |= CtrlFCB
		}
		if cf.FCV {
			b |= CtrlFCV
		}
	} else {
		if cf.ACD {
			b |= CtrlACD
		}
		if cf.DFC {
			b |= CtrlDFC
		}
	}
	return b
}

// FuncName returns the symbolic name of the function code.
func (cf ControlField) FuncName() string {
	names := secondaryFuncNames
	if cf.PRM {
		names = primaryFuncNames
	}
	if n, ok := names[cf.Fun]; ok {
		return n
	}
	return fmt.Sprintf("FC_%d", cf.Fun)
}

// String provides a string representation of the control field.
func (cf ControlField) String() string {
	prm := "SEC"
	if cf.PRM {
		prm = "PRM"
	}
	dir := ""
	if cf.DIR {
		dir = " DIR=1"
	}
	fcb := ""
	if cf.FCV {
		if cf.FCB {
			fcb = " FCB=1"
		} else {
			fcb = " FCB=0"
		}
	}
	acd := ""
	if !cf.PRM && cf.ACD {
		acd = " ACD=1"
	}
	dfc := ""
	if !cf.PRM && cf.DFC {
		dfc = " DFC=1"
	}
	return fmt.Sprintf("CTRL<%s %s%s%s%s%s>", prm, cf.FuncName(), dir, fcb, acd, dfc)
}

// FrameKind discriminates the three FT1.2 frame shapes.
type FrameKind byte

// FT1.2 frame shapes
const (
	KindSingleChar FrameKind = iota // 0xE5
	KindFixed                       // 10 C A CS 16
	KindVariable                    // 68 L L 68 C A data CS 16
)

func (k FrameKind) String() string {
	switch k {
	case KindSingleChar:
		return "single"
	case KindFixed:
		return "fixed"
	case KindVariable:
		return "variable"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Frame is the logical content of a CS101 link frame.
// The Control and Address fields are meaningless for KindSingleChar.
type Frame struct {
	Kind     FrameKind
	Control  ControlField
	Address  uint16
	UserData []byte // variable frames only
}

// NewFixedFrame creates a new fixed-length frame (e.g., ACK/NACK).
func NewFixedFrame(ctrl ControlField, address uint16) Frame {
	return Frame{Kind: KindFixed, Control: ctrl, Address: address}
}

// NewDataFrame creates a new variable-length frame carrying user data.
func NewDataFrame(ctrl ControlField, address uint16, userData []byte) Frame {
	return Frame{Kind: KindVariable, Control: ctrl, Address: address, UserData: userData}
}

// Errors related to frame parsing
var (
	ErrInvalidStartChar   = errors.New("invalid start character")
	ErrLengthMismatch     = errors.New("length fields do not match")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrFrameTooShort      = errors.New("frame is too short for headers")
	ErrFrameLenExceeded   = errors.New("frame length exceeds maximum")
	ErrInvalidLinkAddrLen = errors.New("invalid link address length in config")
	ErrInvalidEndChar     = errors.New("invalid end character")
	ErrIncompleteFrame    = errors.New("incomplete frame")
)

// IsFramingError reports whether err belongs to the framing class:
// the frame is discarded without touching link state.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrInvalidStartChar) ||
		errors.Is(err, ErrLengthMismatch) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrFrameTooShort) ||
		errors.Is(err, ErrInvalidEndChar) ||
		errors.Is(err, ErrIncompleteFrame)
}

// calculateChecksum calculates the checksum (sum of bytes from Control field to end of user data).
func calculateChecksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// BroadcastAddress returns the broadcast link address for the address size.
func BroadcastAddress(linkAddrSize byte) uint16 {
	if linkAddrSize == 2 {
		return 0xFFFF
	}
	return 0xFF
}

func appendAddress(dst []byte, address uint16, linkAddrSize byte) []byte {
	switch linkAddrSize {
	case 1:
		return append(dst, byte(address))
	case 2:
		return binary.LittleEndian.AppendUint16(dst, address)
	}
	return dst
}

func readAddress(b []byte, linkAddrSize byte) uint16 {
	switch linkAddrSize {
	case 1:
		return uint16(b[0])
	case 2:
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

// EncodeFrame appends the wire form of f to dst[:0] and returns the result.
// Passing the same dst on every call reuses its storage.
func EncodeFrame(dst []byte, f *Frame, linkAddrSize byte) ([]byte, error) {
	if linkAddrSize > 2 {
		return nil, ErrInvalidLinkAddrLen
	}
	buf := dst[:0]

	switch f.Kind {
	case KindSingleChar:
		return append(buf, SingleCharACK), nil

	case KindFixed:
		// Frame: Start(1) + Control(1) + LinkAddr(linkAddrSize) + Checksum(1) + End(1)
		buf = append(buf, StartFixed, f.Control.Value())
		buf = appendAddress(buf, f.Address, linkAddrSize)
		buf = append(buf, calculateChecksum(buf[1:]), EndChar)
		return buf, nil

	case KindVariable:
		// Length field = Control + LinkAddr + user data
		l := 1 + int(linkAddrSize) + len(f.UserData)
		if l > MaxFrameLen {
			return nil, fmt.Errorf("%w: calculated L=%d", ErrFrameLenExceeded, l)
		}
		buf = append(buf, StartVariable, byte(l), byte(l), StartVariable, f.Control.Value())
		buf = appendAddress(buf, f.Address, linkAddrSize)
		buf = append(buf, f.UserData...)
		buf = append(buf, calculateChecksum(buf[4:]), EndChar)
		return buf, nil
	}
	return nil, fmt.Errorf("%w: cannot encode frame kind %v", ErrInvalidStartChar, f.Kind)
}

// DecodeFrame parses exactly one frame. UserData of the result aliases msg.
func DecodeFrame(msg []byte, linkAddrSize byte) (Frame, error) {
	if linkAddrSize > 2 {
		return Frame{}, ErrInvalidLinkAddrLen
	}
	if len(msg) == 0 {
		return Frame{}, ErrFrameTooShort
	}

	switch msg[0] {
	case SingleCharACK:
		if len(msg) != 1 {
			return Frame{}, fmt.Errorf("%w: single character frame of %d bytes", ErrLengthMismatch, len(msg))
		}
		return Frame{Kind: KindSingleChar}, nil

	case StartFixed:
		size := 4 + int(linkAddrSize)
		if len(msg) < size {
			return Frame{}, fmt.Errorf("%w: fixed frame %d of %d bytes", ErrFrameTooShort, len(msg), size)
		}
		if len(msg) > size {
			return Frame{}, fmt.Errorf("%w: fixed frame of %d bytes, expected %d", ErrLengthMismatch, len(msg), size)
		}
		cs := calculateChecksum(msg[1 : size-2])
		if cs != msg[size-2] {
			return Frame{}, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksumMismatch, cs, msg[size-2])
		}
		if msg[size-1] != EndChar {
			return Frame{}, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrInvalidEndChar, EndChar, msg[size-1])
		}
		return Frame{
			Kind:    KindFixed,
			Control: ParseControlField(msg[1]),
			Address: readAddress(msg[2:], linkAddrSize),
		}, nil

	case StartVariable:
		if len(msg) < 4 {
			return Frame{}, fmt.Errorf("%w: variable frame header of %d bytes", ErrFrameTooShort, len(msg))
		}
		l1, l2 := msg[1], msg[2]
		if l1 != l2 {
			return Frame{}, fmt.Errorf("%w: L1=0x%02X, L2=0x%02X", ErrLengthMismatch, l1, l2)
		}
		if msg[3] != StartVariable {
			return Frame{}, fmt.Errorf("%w: second start 0x%02X", ErrInvalidStartChar, msg[3])
		}
		l := int(l1)
		if l < 1+int(linkAddrSize) {
			return Frame{}, fmt.Errorf("%w: L=%d less than control and address size", ErrLengthMismatch, l)
		}
		size := l + 6
		if len(msg) < size {
			return Frame{}, fmt.Errorf("%w: variable frame %d of %d bytes", ErrFrameTooShort, len(msg), size)
		}
		if len(msg) > size {
			return Frame{}, fmt.Errorf("%w: variable frame of %d bytes, L=%d", ErrLengthMismatch, len(msg), l)
		}
		cs := calculateChecksum(msg[4 : 4+l])
		if cs != msg[4+l] {
			return Frame{}, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksumMismatch, cs, msg[4+l])
		}
		if msg[5+l] != EndChar {
			return Frame{}, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrInvalidEndChar, EndChar, msg[5+l])
		}
		return Frame{
			Kind:     KindVariable,
			Control:  ParseControlField(msg[4]),
			Address:  readAddress(msg[5:], linkAddrSize),
			UserData: msg[5+int(linkAddrSize) : 4+l],
		}, nil
	}
	return Frame{}, fmt.Errorf("%w: expected 0x10, 0x68 or 0xE5, got 0x%02X", ErrInvalidStartChar, msg[0])
}

// String formats the frame for debug logging.
func (f Frame) String() string {
	switch f.Kind {
	case KindSingleChar:
		return "E5"
	case KindVariable:
		return fmt.Sprintf("%v addr=%d len=%d", f.Control, f.Address, len(f.UserData))
	}
	return fmt.Sprintf("%v addr=%d", f.Control, f.Address)
}
