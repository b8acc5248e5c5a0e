package protocol

import (
	"fmt"
	"sort"
)

// Payload field names used by the opcode table.
const (
	FieldAction         = "action"
	FieldChannel        = "channel"
	FieldSetpointInt    = "setpointInt"
	FieldSetpointTenths = "setpointTenths"
	FieldPower          = "power"
	FieldMode           = "mode"
	FieldInput          = "input"
	FieldOpcode         = "opcode"
	FieldTarget         = "target"
	FieldAddress        = "address"
)

// Field places one named value at frame byte Offset (gN).
type Field struct {
	Name   string
	Offset int
}

// Layout describes the payload of one opcode.
type Layout struct {
	Opcode byte
	Name   string
	Fields []Field
}

// Layouts is the opcode table. Every frame the gateway sends is built from
// one of these entries.
var Layouts = map[byte]Layout{
	OpPoll:           {Opcode: OpPoll, Name: "poll"},
	OpRelay1:         relayLayout(OpRelay1, 1),
	OpRelay2:         relayLayout(OpRelay2, 2),
	OpRelay3:         relayLayout(OpRelay3, 3),
	OpRelay4:         relayLayout(OpRelay4, 4),
	OpRelay5:         relayLayout(OpRelay5, 5),
	OpRelay6:         relayLayout(OpRelay6, 6),
	OpRelay7:         relayLayout(OpRelay7, 7),
	OpRelay8:         relayLayout(OpRelay8, 8),
	OpConfigureInput: {Opcode: OpConfigureInput, Name: "configure-input", Fields: []Field{{FieldInput, 3}, {FieldOpcode, 4}, {FieldChannel, 5}, {FieldAction, 6}, {FieldTarget, 7}}},
	OpShutter:        {Opcode: OpShutter, Name: "shutter", Fields: []Field{{FieldChannel, 3}, {FieldAction, 4}}},
	OpThermostat:     {Opcode: OpThermostat, Name: "thermostat", Fields: []Field{{FieldSetpointInt, 3}, {FieldSetpointTenths, 4}, {FieldPower, 5}, {FieldMode, 6}}},
	OpProgramAddress: {Opcode: OpProgramAddress, Name: "program-address", Fields: []Field{{FieldAddress, 3}}},
}

func relayLayout(op byte, relay int) Layout {
	return Layout{Opcode: op, Name: fmt.Sprintf("relay-%d", relay), Fields: []Field{{FieldAction, 3}}}
}

// LayoutFor looks up an opcode in the table.
func LayoutFor(op byte) (Layout, bool) {
	l, ok := Layouts[op]
	return l, ok
}

// Opcodes returns the table's opcodes in ascending order.
func Opcodes() []byte {
	ops := make([]byte, 0, len(Layouts))
	for op := range Layouts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Build encodes a frame for address from named values. Fields missing from
// values are sent as zero; names not in the layout are rejected.
func (l Layout) Build(d Dialect, address byte, values map[string]byte) (Frame, error) {
	payload := make([]byte, d.MaxPayload())
	used := 0
	for _, field := range l.Fields {
		v, ok := values[field.Name]
		if !ok {
			continue
		}
		payload[field.Offset-offsetPayload] = v
		used++
	}
	if used != len(values) {
		for name := range values {
			if !l.has(name) {
				return Frame{}, fmt.Errorf("opcode 0x%02X (%s) has no field %q", l.Opcode, l.Name, name)
			}
		}
	}
	return d.Encode(address, l.Opcode, payload...)
}

// Value reads a named field back out of f.
func (l Layout) Value(f Frame, name string) (byte, bool) {
	for _, field := range l.Fields {
		if field.Name == name {
			return f.G(field.Offset), true
		}
	}
	return 0, false
}

func (l Layout) has(name string) bool {
	for _, field := range l.Fields {
		if field.Name == name {
			return true
		}
	}
	return false
}
