package protocol

// Frame geometry. Every frame on the bus is exactly FrameLen bytes.
const (
	FrameLen = 14

	StartByte = 0x49 // 'I'
	EndByte   = 0x46 // 'F'

	offsetStart    = 0
	offsetAddress  = 1
	offsetOpcode   = 2
	offsetPayload  = 3
	offsetChecksum = 12
	offsetEnd      = 13

	// PayloadLen is the g3..g11 region in the serial dialect.
	PayloadLen = offsetChecksum - offsetPayload
)

// Addresses
const (
	// AddressProgram is where a board in prog mode listens for its new address.
	AddressProgram byte = 0x00
	MaxAddress     byte = 254
)

// Opcodes
const (
	OpPoll           byte = 0x40
	OpRelay1         byte = 0x51
	OpRelay2         byte = 0x52
	OpRelay3         byte = 0x53
	OpRelay4         byte = 0x54
	OpRelay5         byte = 0x65
	OpRelay6         byte = 0x66
	OpRelay7         byte = 0x67
	OpRelay8         byte = 0x68
	OpConfigureInput byte = 0x55
	OpThermostat     byte = 0x5A
	OpShutter        byte = 0x5C
	OpProgramAddress byte = 0x70
)

// Relay action codes (payload g3 of a relay frame).
const (
	LightOn          byte = 0x41
	LightOff         byte = 0x53
	LightPulse       byte = 0x50
	LightToggle      byte = 0x55
	LightToggleNoAck byte = 0x54
)

// Shutter action codes (payload g4 of a 0x5C frame).
const (
	ShutterUp   byte = 0x55
	ShutterDown byte = 0x44
	ShutterStop byte = 0x53
)

// Thermostat field codes (payload g5/g6 of a 0x5A frame).
const (
	ThermostatPowerOn  byte = 0x41
	ThermostatPowerOff byte = 0x53
	ThermostatWinter   byte = 0x57 // 'W'
	ThermostatSummer   byte = 0x53 // 'S'
)

// signMinus marks a negative temperature in a poll reply.
const signMinus byte = 0x2D

var relayOpcodes = [8]byte{OpRelay1, OpRelay2, OpRelay3, OpRelay4, OpRelay5, OpRelay6, OpRelay7, OpRelay8}

// RelayOpcode returns the opcode driving relay 1..8.
func RelayOpcode(relay int) (byte, bool) {
	if relay < 1 || relay > len(relayOpcodes) {
		return 0, false
	}
	return relayOpcodes[relay-1], true
}
