package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fisaks/algodomo/internal/errcode"
)

var (
	ErrBadMarker        = errcode.BadMarker
	ErrChecksumMismatch = errcode.ChecksumMismatch
	ErrShortFrame       = errcode.ShortFrame
)

// Frame is one decoded or encoded bus frame. Frames are values and never
// change after construction.
type Frame struct {
	raw [FrameLen]byte
}

// Encode builds a frame in the serial dialect.
func Encode(address, opcode byte, payload ...byte) (Frame, error) {
	return Serial.Encode(address, opcode, payload...)
}

// MustEncode is Encode for static frames; it panics on an oversized payload.
func MustEncode(address, opcode byte, payload ...byte) Frame {
	f, err := Encode(address, opcode, payload...)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode: %v", err))
	}
	return f
}

// Decode validates raw bytes in the serial dialect. It never panics on short
// or garbage input; a non-nil error means the bytes are not a valid frame.
func Decode(b []byte) (Frame, error) {
	return Serial.Decode(b)
}

// Address returns the board address byte.
func (f Frame) Address() byte { return f.raw[offsetAddress] }

// Opcode returns the command family byte.
func (f Frame) Opcode() byte { return f.raw[offsetOpcode] }

// G returns frame byte n using the protocol's gN naming (g3 is the first
// payload byte). Out of range indexes return 0.
func (f Frame) G(n int) byte {
	if n < 0 || n >= FrameLen {
		return 0
	}
	return f.raw[n]
}

// Payload returns a copy of the payload region g3..g11.
func (f Frame) Payload() []byte {
	out := make([]byte, PayloadLen)
	copy(out, f.raw[offsetPayload:offsetChecksum])
	return out
}

// Checksum returns the validation byte.
func (f Frame) Checksum() byte { return f.raw[offsetChecksum] }

// Bytes returns the 14-byte wire form.
func (f Frame) Bytes() []byte {
	out := make([]byte, FrameLen)
	copy(out, f.raw[:])
	return out
}

// IsZero reports whether f is the zero Frame (never a valid wire frame).
func (f Frame) IsZero() bool { return f.raw[offsetStart] == 0 }

// Hex renders the frame as space separated 0x.. bytes.
func (f Frame) Hex() string {
	var sb strings.Builder
	for i, b := range f.raw {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString("0x")
		sb.WriteString(hex.EncodeToString([]byte{b}))
	}
	return sb.String()
}

func (f Frame) String() string {
	return fmt.Sprintf("frame(addr=%d op=0x%02X payload=% X)", f.Address(), f.Opcode(), f.raw[offsetPayload:offsetChecksum])
}

// ParseHex parses a frame written as hex bytes, with or without 0x prefixes
// and separators, e.g. "49 01 40 00 ... 46". It validates in dialect d.
func ParseHex(d Dialect, s string) (Frame, error) {
	clean := strings.NewReplacer("0x", "", "0X", "", " ", "", ":", "", ",", "", "-", "").Replace(strings.TrimSpace(s))
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Frame{}, fmt.Errorf("parse hex: %w", err)
	}
	return d.Decode(raw)
}
