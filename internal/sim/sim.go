// Package sim simulates relay boards on the bus. It backs the transport
// tests and the bus-sim bench tool.
package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/protocol"
)

// AckByte answers a raw address-programming byte in the gateway dialect.
const AckByte byte = 0x06

type Thermostat struct {
	SetpointInt    byte
	SetpointTenths byte
	Power          byte
	Mode           byte
}

type Board struct {
	Address    byte
	Status     protocol.PollStatus
	Shutters   map[int]byte
	Thermostat Thermostat
	Inputs     map[int][]byte

	// Offline boards never answer.
	Offline bool
	// Corrupt boards answer with a broken validation byte or trailer.
	Corrupt bool
	// Delay postpones every reply.
	Delay time.Duration
}

// Network is a set of boards sharing one simulated wire. Bytes written by
// the gateway go to Feed; replies go to the current sink.
type Network struct {
	mu       sync.Mutex
	dialect  protocol.Dialect
	boards   map[byte]*Board
	scanner  *protocol.Scanner
	program  *Board
	received []protocol.Frame
	raw      [][]byte
	sink     func([]byte)
}

func NewNetwork(d protocol.Dialect) *Network {
	return &Network{
		dialect: d,
		boards:  make(map[byte]*Board),
		scanner: protocol.NewScanner(d),
	}
}

func (n *Network) Dialect() protocol.Dialect { return n.dialect }

// AddBoard attaches a board at address; its inputs read inactive (high).
func (n *Network) AddBoard(address byte) *Board {
	n.mu.Lock()
	defer n.mu.Unlock()
	b := &Board{
		Address:  address,
		Status:   protocol.PollStatus{InputMask: 0xFF},
		Shutters: make(map[int]byte),
		Inputs:   make(map[int][]byte),
	}
	n.boards[address] = b
	return b
}

// Mutate runs fn on the board at address under the network lock.
func (n *Network) Mutate(address byte, fn func(*Board)) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.boards[address]
	if ok {
		fn(b)
	}
	return ok
}

func (n *Network) SetOffline(address byte, offline bool) {
	n.Mutate(address, func(b *Board) { b.Offline = offline })
}

// Snapshot returns a copy of the board at address.
func (n *Network) Snapshot(address byte) (Board, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.boards[address]
	if !ok {
		return Board{}, false
	}
	out := *b
	out.Shutters = make(map[int]byte, len(b.Shutters))
	for k, v := range b.Shutters {
		out.Shutters[k] = v
	}
	out.Inputs = make(map[int][]byte, len(b.Inputs))
	for k, v := range b.Inputs {
		out.Inputs[k] = append([]byte(nil), v...)
	}
	return out, true
}

// EnterProgramMode makes the board at address accept a new address, as if
// its prog button had been pressed.
func (n *Network) EnterProgramMode(address byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.boards[address]
	if ok {
		n.program = b
	}
	return ok
}

// Frames returns every valid frame received so far.
func (n *Network) Frames() []protocol.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.Frame(nil), n.received...)
}

// FramesWithOpcode filters Frames by opcode.
func (n *Network) FramesWithOpcode(op byte) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range n.Frames() {
		if f.Opcode() == op {
			out = append(out, f)
		}
	}
	return out
}

func (n *Network) ResetFrames() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = nil
	n.raw = nil
}

// SetSink directs replies; nil drops them.
func (n *Network) SetSink(fn func([]byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sink = fn
}

// Feed accepts bytes written by the gateway.
func (n *Network) Feed(p []byte) {
	type reply struct {
		data  []byte
		delay time.Duration
	}
	var replies []reply

	n.mu.Lock()
	sink := n.sink
	if n.dialect.RawProgram && n.program != nil && len(p) == 1 && n.scanner.Pending() == 0 {
		n.raw = append(n.raw, []byte{p[0]})
		n.reassign(n.program, p[0])
		replies = append(replies, reply{data: []byte{AckByte}})
	} else {
		n.scanner.Write(p)
		for {
			f, err := n.scanner.Next()
			if errors.Is(err, protocol.ErrNeedMore) {
				break
			}
			if err != nil {
				logging.Debug("sim: dropping invalid frame", "error", err)
				continue
			}
			n.received = append(n.received, f)
			if data, delay, ok := n.handle(f); ok {
				replies = append(replies, reply{data: data, delay: delay})
			}
		}
	}
	n.mu.Unlock()

	if sink == nil {
		return
	}
	for _, r := range replies {
		if r.delay > 0 {
			data := r.data
			time.AfterFunc(r.delay, func() { sink(data) })
			continue
		}
		sink(r.data)
	}
}

// handle requires n.mu.
func (n *Network) handle(f protocol.Frame) ([]byte, time.Duration, bool) {
	if f.Address() == protocol.AddressProgram && f.Opcode() == protocol.OpProgramAddress {
		b := n.program
		if b == nil || b.Offline {
			return nil, 0, false
		}
		n.reassign(b, f.G(3))
		return n.reply(b, protocol.AddressProgram, protocol.OpProgramAddress, f.G(3))
	}

	b, ok := n.boards[f.Address()]
	if !ok || b.Offline {
		return nil, 0, false
	}
	op := f.Opcode()
	switch {
	case op == protocol.OpPoll:
		out, err := protocol.EncodePoll(n.dialect, b.Address, b.Status)
		if err != nil {
			return nil, 0, false
		}
		return n.finish(b, out)
	case relayIndex(op) > 0:
		bit := byte(1) << (relayIndex(op) - 1)
		switch f.G(3) {
		case protocol.LightOn:
			b.Status.OutputMask |= bit
		case protocol.LightOff, protocol.LightPulse:
			b.Status.OutputMask &^= bit
		case protocol.LightToggle:
			b.Status.OutputMask ^= bit
		case protocol.LightToggleNoAck:
			b.Status.OutputMask ^= bit
			return nil, 0, false
		}
	case op == protocol.OpShutter:
		b.Shutters[int(f.G(3))] = f.G(4)
	case op == protocol.OpThermostat:
		b.Thermostat = Thermostat{SetpointInt: f.G(3), SetpointTenths: f.G(4), Power: f.G(5), Mode: f.G(6)}
		b.Status.Setpoint = f.G(3)
	case op == protocol.OpConfigureInput:
		b.Inputs[int(f.G(3))] = []byte{f.G(4), f.G(5), f.G(6), f.G(7)}
	default:
		return nil, 0, false
	}
	// command acknowledgements echo the request payload
	return n.reply(b, b.Address, op, f.Payload()...)
}

func (n *Network) reply(b *Board, address, op byte, payload ...byte) ([]byte, time.Duration, bool) {
	if len(payload) > n.dialect.MaxPayload() {
		payload = payload[:n.dialect.MaxPayload()]
	}
	out, err := n.dialect.Encode(address, op, payload...)
	if err != nil {
		return nil, 0, false
	}
	return n.finish(b, out)
}

func (n *Network) finish(b *Board, f protocol.Frame) ([]byte, time.Duration, bool) {
	data := f.Bytes()
	if b.Corrupt {
		if n.dialect.Checksum {
			data[12] ^= 0xFF
		} else {
			data[13] = 0x00
		}
	}
	return data, b.Delay, true
}

// reassign requires n.mu.
func (n *Network) reassign(b *Board, to byte) {
	delete(n.boards, b.Address)
	b.Address = to
	n.boards[to] = b
	n.program = nil
}

func relayIndex(op byte) int {
	for i := 1; i <= 8; i++ {
		if r, _ := protocol.RelayOpcode(i); r == op {
			return i
		}
	}
	return 0
}
