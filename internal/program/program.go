// Package program drives the address-programming exchange used to
// commission a board: the board is put in programming mode by hand and the
// gateway assigns its new bus address.
package program

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/protocol"
)

var ErrProgramInProgress = errcode.ProgramInProgress

type State int32

const (
	Idle State = iota
	Programming
)

func (s State) String() string {
	if s == Programming {
		return "programming"
	}
	return "idle"
}

// Bus is the part of transport.Bus used for programming.
type Bus interface {
	Transact(ctx context.Context, f protocol.Frame, timeout time.Duration) (protocol.Frame, error)
	Exchange(ctx context.Context, raw []byte, replyLen int, timeout time.Duration) ([]byte, error)
	Dialect() protocol.Dialect
}

type Result struct {
	Address byte   `json:"address"`
	Ack     string `json:"ack"`
}

type Controller struct {
	bus     Bus
	timeout time.Duration
	state   atomic.Int32
}

// DefaultTimeout leaves room for a board that answers slowly while in
// programming mode.
const DefaultTimeout = 2 * time.Second

func NewController(bus Bus, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{bus: bus, timeout: timeout}
}

func (c *Controller) State() State { return State(c.state.Load()) }

// Program assigns newAddress to the board currently in programming mode.
// A second call while one is running fails with ErrProgramInProgress and
// leaves the running one alone.
func (c *Controller) Program(ctx context.Context, newAddress byte) (Result, error) {
	if newAddress == protocol.AddressProgram || newAddress > protocol.MaxAddress {
		return Result{}, errcode.New(errcode.InvalidParams, "program", fmt.Sprintf("address %d out of range 1..%d", newAddress, protocol.MaxAddress))
	}
	if !c.state.CompareAndSwap(int32(Idle), int32(Programming)) {
		return Result{}, errcode.New(ErrProgramInProgress, "program", "another programming exchange is running")
	}
	defer c.state.Store(int32(Idle))

	d := c.bus.Dialect()
	logging.Info("Programming board address", "address", newAddress, "dialect", d.Name)

	var (
		res Result
		err error
	)
	if d.RawProgram {
		res, err = c.programRaw(ctx, newAddress)
	} else {
		res, err = c.programFramed(ctx, d, newAddress)
	}
	if err != nil {
		logging.Warn("Address programming failed", "address", newAddress, "error", err)
		return Result{}, err
	}
	logging.Info("Board address programmed", "address", newAddress, "ack", res.Ack)
	return res, nil
}

func (c *Controller) programFramed(ctx context.Context, d protocol.Dialect, newAddress byte) (Result, error) {
	layout, _ := protocol.LayoutFor(protocol.OpProgramAddress)
	req, err := layout.Build(d, protocol.AddressProgram, map[string]byte{protocol.FieldAddress: newAddress})
	if err != nil {
		return Result{}, err
	}
	reply, err := c.bus.Transact(ctx, req, c.timeout)
	if err != nil {
		return Result{}, unreachable(newAddress, err)
	}
	if got, _ := layout.Value(reply, protocol.FieldAddress); reply.Opcode() != protocol.OpProgramAddress || got != newAddress {
		return Result{}, unreachable(newAddress, errcode.New(errcode.InvalidReply, "program", fmt.Sprintf("unexpected ack %s", reply.Hex())))
	}
	return Result{Address: newAddress, Ack: reply.Hex()}, nil
}

func (c *Controller) programRaw(ctx context.Context, newAddress byte) (Result, error) {
	ack, err := c.bus.Exchange(ctx, []byte{newAddress}, 1, c.timeout)
	if err != nil {
		return Result{}, unreachable(newAddress, err)
	}
	return Result{Address: newAddress, Ack: fmt.Sprintf("0x%02x", ack[0])}, nil
}

// unreachable reports a failed exchange; the bus error stays in the chain.
func unreachable(newAddress byte, cause error) error {
	return errcode.Wrap(errcode.DeviceUnreachable, "program", fmt.Errorf("address %d: %w", newAddress, cause))
}
