// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
		size byte
		want []byte
	}{
		{
			name: "single character",
			f:    Frame{Kind: KindSingleChar},
			size: 1,
			want: []byte{0xE5},
		},
		{
			name: "reset remote link",
			f:    NewFixedFrame(ControlField{PRM: true, Fun: PrimFcResetLink}, 1),
			size: 1,
			want: []byte{0x10, 0x40, 0x01, 0x41, 0x16},
		},
		{
			name: "request status two byte address",
			f:    NewFixedFrame(ControlField{PRM: true, Fun: PrimFcReqStatus}, 0x1234),
			size: 2,
			want: []byte{0x10, 0x49, 0x34, 0x12, 0x8F, 0x16},
		},
		{
			name: "status without address",
			f:    NewFixedFrame(ControlField{Fun: SecFcRespStatus}, 0),
			size: 0,
			want: []byte{0x10, 0x0B, 0x0B, 0x16},
		},
		{
			name: "confirmed user data",
			f:    NewDataFrame(ControlField{PRM: true, FCV: true, FCB: true, Fun: PrimFcUserDataConf}, 1, []byte{0x01, 0x02}),
			size: 1,
			want: []byte{0x68, 0x04, 0x04, 0x68, 0x73, 0x01, 0x01, 0x02, 0x77, 0x16},
		},
	}

	var buf [MaxFrameSize]byte
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeFrame(buf[:], &tt.f, tt.size)
			if err != nil {
				t.Fatalf("EncodeFrame() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeFrame() = % X, want % X", got, tt.want)
			}

			f, err := DecodeFrame(got, tt.size)
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if f.Kind != tt.f.Kind || f.Address != tt.f.Address || f.Control.Value() != tt.f.Control.Value() ||
				!bytes.Equal(f.UserData, tt.f.UserData) {
				t.Errorf("DecodeFrame() = %v, want %v", f, tt.f)
			}
		})
	}
}

func TestEncodeFrameLimits(t *testing.T) {
	data := bytes.Repeat([]byte{0x55}, MaxFrameLen-2)
	f := NewDataFrame(ControlField{PRM: true, Fun: PrimFcUserDataNoConf}, 7, data)
	msg, err := EncodeFrame(nil, &f, 1)
	if err != nil {
		t.Fatalf("EncodeFrame() with L=255 error = %v", err)
	}
	if len(msg) != MaxFrameSize || msg[1] != MaxFrameLen {
		t.Errorf("frame of %d bytes with L=%d, want %d bytes with L=%d", len(msg), msg[1], MaxFrameSize, MaxFrameLen)
	}

	f.UserData = append(data, 0x55)
	if _, err = EncodeFrame(nil, &f, 1); !errors.Is(err, ErrFrameLenExceeded) {
		t.Errorf("EncodeFrame() with L=256 error = %v, want %v", err, ErrFrameLenExceeded)
	}
	if _, err = EncodeFrame(nil, &f, 3); !errors.Is(err, ErrInvalidLinkAddrLen) {
		t.Errorf("EncodeFrame() with address size 3 error = %v, want %v", err, ErrInvalidLinkAddrLen)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want error
	}{
		{"empty", nil, ErrFrameTooShort},
		{"bad start", []byte{0x11, 0x40, 0x01, 0x41, 0x16}, ErrInvalidStartChar},
		{"fixed checksum", []byte{0x10, 0x40, 0x01, 0x42, 0x16}, ErrChecksumMismatch},
		{"fixed end", []byte{0x10, 0x40, 0x01, 0x41, 0x17}, ErrInvalidEndChar},
		{"fixed short", []byte{0x10, 0x40, 0x01, 0x41}, ErrFrameTooShort},
		{"fixed long", []byte{0x10, 0x40, 0x01, 0x41, 0x16, 0x16}, ErrLengthMismatch},
		{"length fields differ", []byte{0x68, 0x04, 0x05, 0x68, 0x73, 0x01, 0x01, 0x02, 0x77, 0x16}, ErrLengthMismatch},
		{"second start", []byte{0x68, 0x04, 0x04, 0x69, 0x73, 0x01, 0x01, 0x02, 0x77, 0x16}, ErrInvalidStartChar},
		{"variable checksum", []byte{0x68, 0x04, 0x04, 0x68, 0x73, 0x01, 0x01, 0x02, 0x78, 0x16}, ErrChecksumMismatch},
		{"variable truncated", []byte{0x68, 0x04, 0x04, 0x68, 0x73, 0x01, 0x01}, ErrFrameTooShort},
		{"L below header", []byte{0x68, 0x01, 0x01, 0x68, 0x73, 0x73, 0x16}, ErrLengthMismatch},
		{"single character with tail", []byte{0xE5, 0xE5}, ErrLengthMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.msg, 1)
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeFrame(% X) error = %v, want %v", tt.msg, err, tt.want)
			}
			if !IsFramingError(err) {
				t.Errorf("IsFramingError(%v) = false", err)
			}
		})
	}
}

// Every single bit error must be detected.
func TestDecodeFrameBitFlips(t *testing.T) {
	frames := []Frame{
		NewFixedFrame(ControlField{PRM: true, Fun: PrimFcReqStatus}, 3),
		NewDataFrame(ControlField{ACD: true, Fun: SecFcRespUserData}, 3, []byte{0x01, 0xFF, 0x80, 0x00}),
	}
	for _, f := range frames {
		msg := encode(t, f, 1)
		for i := range msg {
			for bit := 0; bit < 8; bit++ {
				bad := bytes.Clone(msg)
				bad[i] ^= 1 << bit
				if _, err := DecodeFrame(bad, 1); err == nil {
					t.Errorf("DecodeFrame(% X) with bit %d of byte %d flipped succeeded", bad, bit, i)
				}
			}
		}
	}
}

func TestControlFieldValue(t *testing.T) {
	for b := 0; b < 256; b++ {
		if got := ParseControlField(byte(b)).Value(); got != byte(b) {
			t.Errorf("ParseControlField(0x%02X).Value() = 0x%02X", b, got)
		}
	}

	cf := ParseControlField(0x7A)
	want := ControlField{PRM: true, FCB: true, FCV: true, Fun: PrimFcReqData1}
	if cf != want {
		t.Errorf("ParseControlField(0x7A) = %+v, want %+v", cf, want)
	}
	if cf.FuncName() != "REQUEST_USER_DATA_CLASS_1" {
		t.Errorf("FuncName() = %s", cf.FuncName())
	}
	cf = ParseControlField(0x3B)
	if !cf.ACD || !cf.DFC || cf.Fun != SecFcRespStatus || cf.FCB || cf.FCV {
		t.Errorf("ParseControlField(0x3B) = %+v", cf)
	}
}

func TestDecodeFrameAliasesUserData(t *testing.T) {
	msg := []byte{0x68, 0x04, 0x04, 0x68, 0x73, 0x01, 0x01, 0x02, 0x77, 0x16}
	f, err := DecodeFrame(msg, 1)
	if err != nil {
		t.Fatal(err)
	}
	msg[6] = 0x09
	if f.UserData[0] != 0x09 {
		t.Error("UserData does not alias the message")
	}
}
