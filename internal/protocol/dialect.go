package protocol

import (
	"fmt"
	"strings"
)

// Dialect captures the differences between the two frame variants seen on
// installed systems: the direct serial bus (validated checksum) and the
// older TCP gateway (byte 12 is plain payload, programming by raw byte).
type Dialect struct {
	Name string
	// Checksum is true when byte 12 carries the validation byte.
	Checksum bool
	// RawProgram is true when address programming is a single raw byte
	// answered by a single ack byte instead of a framed exchange.
	RawProgram bool
	// BulkInputs is true when the boards accept opcode 0x55 input mapping.
	BulkInputs bool
}

var (
	Serial  = Dialect{Name: "serial", Checksum: true, BulkInputs: true}
	Gateway = Dialect{Name: "gateway", RawProgram: true, BulkInputs: true}
)

// DialectByName resolves a configured dialect name; empty means serial.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Serial.Name:
		return Serial, nil
	case Gateway.Name:
		return Gateway, nil
	default:
		return Dialect{}, fmt.Errorf("unknown dialect %q", name)
	}
}

// MaxPayload is the number of payload bytes the dialect can carry.
func (d Dialect) MaxPayload() int {
	if d.Checksum {
		return PayloadLen
	}
	return PayloadLen + 1
}

// Encode writes markers at fixed offsets, places payload from g3 on and
// computes the validation byte when the dialect has one.
func (d Dialect) Encode(address, opcode byte, payload ...byte) (Frame, error) {
	if len(payload) > d.MaxPayload() {
		return Frame{}, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), d.MaxPayload())
	}
	var f Frame
	f.raw[offsetStart] = StartByte
	f.raw[offsetAddress] = address
	f.raw[offsetOpcode] = opcode
	copy(f.raw[offsetPayload:], payload)
	if d.Checksum {
		f.raw[offsetChecksum] = Checksum(f.raw[offsetAddress:offsetChecksum])
	}
	f.raw[offsetEnd] = EndByte
	return f, nil
}

// Decode checks length, both markers and, when the dialect has one, the
// validation byte.
func (d Dialect) Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) < FrameLen {
		return f, ErrShortFrame
	}
	if b[offsetStart] != StartByte || b[offsetEnd] != EndByte {
		return f, ErrBadMarker
	}
	if d.Checksum {
		if want := Checksum(b[offsetAddress:offsetChecksum]); b[offsetChecksum] != want {
			return f, ErrChecksumMismatch
		}
	}
	copy(f.raw[:], b[:FrameLen])
	return f, nil
}
