package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncode_Layout(t *testing.T) {
	f := MustEncode(1, OpPoll)
	want := []byte{0x49, 0x01, 0x40, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x41, 0x46}
	if got := f.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Bytes() = % X, want % X", got, want)
	}
}

func TestEncode_ShutterUp(t *testing.T) {
	f := MustEncode(2, OpShutter, 1, ShutterUp)
	if f.G(0) != StartByte || f.G(13) != EndByte {
		t.Fatalf("markers = %02X/%02X", f.G(0), f.G(13))
	}
	if f.Address() != 2 || f.Opcode() != 0x5C || f.G(3) != 1 || f.G(4) != 0x55 {
		t.Errorf("unexpected frame %s", f)
	}
	if f.Checksum() != byte(2+0x5C+1+0x55) {
		t.Errorf("Checksum() = %02X", f.Checksum())
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	if _, err := Encode(1, OpPoll, make([]byte, PayloadLen+1)...); err == nil {
		t.Error("expected error for 10 byte payload in serial dialect")
	}
	if _, err := Gateway.Encode(1, OpPoll, make([]byte, PayloadLen+1)...); err != nil {
		t.Errorf("gateway dialect should carry 10 bytes: %v", err)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		address byte
		opcode  byte
		payload []byte
	}{
		{"poll", 1, OpPoll, nil},
		{"relay on", 7, OpRelay3, []byte{LightOn}},
		{"shutter down", 2, OpShutter, []byte{4, ShutterDown}},
		{"thermostat", 12, OpThermostat, []byte{21, 5, ThermostatPowerOn, ThermostatWinter}},
		{"full payload", 254, OpConfigureInput, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"high bytes", 0xFE, 0xFF, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := Encode(tt.address, tt.opcode, tt.payload...)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			dec, err := Decode(enc.Bytes())
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if dec != enc {
				t.Fatalf("decoded %s, want %s", dec, enc)
			}
			if dec.Address() != tt.address || dec.Opcode() != tt.opcode {
				t.Errorf("address/opcode = %d/%02X", dec.Address(), dec.Opcode())
			}
			want := make([]byte, PayloadLen)
			copy(want, tt.payload)
			if !bytes.Equal(dec.Payload(), want) {
				t.Errorf("Payload() = % X, want % X", dec.Payload(), want)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	good := MustEncode(3, OpRelay1, LightOff).Bytes()
	mutate := func(i int, v byte) []byte {
		b := append([]byte(nil), good...)
		b[i] = v
		return b
	}
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"nil", nil, ErrShortFrame},
		{"short", good[:13], ErrShortFrame},
		{"missing start", mutate(0, 0x00), ErrBadMarker},
		{"missing end", mutate(13, 0x00), ErrBadMarker},
		{"both markers swapped", mutate(0, EndByte), ErrBadMarker},
		{"payload corrupted", mutate(3, LightOn), ErrChecksumMismatch},
		{"checksum corrupted", mutate(12, good[12]^0x01), ErrChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
			if !f.IsZero() {
				t.Error("invalid input should return the zero frame")
			}
		})
	}
}

func TestGatewayDialect_IgnoresByte12(t *testing.T) {
	f, err := Gateway.Encode(5, OpPoll, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	if err != nil {
		t.Fatal(err)
	}
	if f.G(12) != 10 {
		t.Fatalf("G(12) = %d, want 10", f.G(12))
	}
	if _, err := Gateway.Decode(f.Bytes()); err != nil {
		t.Errorf("gateway Decode: %v", err)
	}
	if _, err := Serial.Decode(f.Bytes()); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("serial Decode error = %v, want checksum mismatch", err)
	}
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]string{"": "serial", "serial": "serial", " Gateway ": "gateway"} {
		d, err := DialectByName(name)
		if err != nil || d.Name != want {
			t.Errorf("DialectByName(%q) = %q, %v", name, d.Name, err)
		}
	}
	if _, err := DialectByName("modbus"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestParseHex(t *testing.T) {
	f := MustEncode(1, OpPoll)
	for _, in := range []string{f.Hex(), "49 01 40 00 00 00 00 00 00 00 00 00 41 46", "4901400000000000000000004146"} {
		got, err := ParseHex(Serial, in)
		if err != nil {
			t.Fatalf("ParseHex(%q): %v", in, err)
		}
		if got != f {
			t.Errorf("ParseHex(%q) = %s", in, got)
		}
	}
	if _, err := ParseHex(Serial, "zz"); err == nil {
		t.Error("expected error for non-hex input")
	}
}

func TestRelayOpcode(t *testing.T) {
	want := []byte{0x51, 0x52, 0x53, 0x54, 0x65, 0x66, 0x67, 0x68}
	for i, op := range want {
		got, ok := RelayOpcode(i + 1)
		if !ok || got != op {
			t.Errorf("RelayOpcode(%d) = %02X, %v", i+1, got, ok)
		}
	}
	for _, relay := range []int{0, 9, -1} {
		if _, ok := RelayOpcode(relay); ok {
			t.Errorf("RelayOpcode(%d) should fail", relay)
		}
	}
}
