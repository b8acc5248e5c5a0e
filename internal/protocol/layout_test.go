package protocol

import "testing"

func TestLayouts_CoverOpcodeTable(t *testing.T) {
	ops := Opcodes()
	if len(ops) != 13 {
		t.Fatalf("len(Opcodes()) = %d, want 13", len(ops))
	}
	for i := 1; i < len(ops); i++ {
		if ops[i-1] >= ops[i] {
			t.Fatalf("Opcodes() not sorted: % X", ops)
		}
	}
	for relay := 1; relay <= 8; relay++ {
		op, _ := RelayOpcode(relay)
		if _, ok := LayoutFor(op); !ok {
			t.Errorf("relay %d opcode %02X missing from table", relay, op)
		}
	}
}

func TestLayout_Build(t *testing.T) {
	tests := []struct {
		name   string
		op     byte
		values map[string]byte
		want   map[int]byte
	}{
		{"relay", OpRelay5, map[string]byte{FieldAction: LightToggle}, map[int]byte{3: 0x55}},
		{"shutter", OpShutter, map[string]byte{FieldChannel: 1, FieldAction: ShutterUp}, map[int]byte{3: 1, 4: 0x55}},
		{"thermostat", OpThermostat, map[string]byte{
			FieldSetpointInt: 21, FieldSetpointTenths: 5, FieldPower: ThermostatPowerOn, FieldMode: ThermostatSummer,
		}, map[int]byte{3: 21, 4: 5, 5: 0x41, 6: 0x53}},
		{"input", OpConfigureInput, map[string]byte{
			FieldInput: 2, FieldOpcode: OpRelay1, FieldChannel: 1, FieldAction: LightToggle, FieldTarget: 4,
		}, map[int]byte{3: 2, 4: 0x51, 5: 1, 6: 0x55, 7: 4}},
		{"program", OpProgramAddress, map[string]byte{FieldAddress: 17}, map[int]byte{3: 17}},
		{"poll", OpPoll, nil, map[int]byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, ok := LayoutFor(tt.op)
			if !ok {
				t.Fatalf("no layout for %02X", tt.op)
			}
			f, err := l.Build(Serial, 4, tt.values)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if f.Opcode() != tt.op || f.Address() != 4 {
				t.Fatalf("frame %s", f)
			}
			for n := 3; n < 12; n++ {
				if f.G(n) != tt.want[n] {
					t.Errorf("g%d = %02X, want %02X", n, f.G(n), tt.want[n])
				}
			}
			for name, v := range tt.values {
				if got, ok := l.Value(f, name); !ok || got != v {
					t.Errorf("Value(%s) = %02X, %v", name, got, ok)
				}
			}
		})
	}
}

func TestLayout_BuildRejectsUnknownField(t *testing.T) {
	l, _ := LayoutFor(OpShutter)
	if _, err := l.Build(Serial, 1, map[string]byte{FieldSetpointInt: 1}); err == nil {
		t.Error("expected error for field not in shutter layout")
	}
}
