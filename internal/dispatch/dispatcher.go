package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/state"
	"github.com/fisaks/algodomo/internal/util"
)

var (
	ErrUnknownEntity     = errcode.UnknownEntity
	ErrUnsupportedAction = errcode.UnsupportedAction
	ErrInvalidParams     = errcode.InvalidParams
	ErrDeviceUnreachable = errcode.DeviceUnreachable
)

// Transactor is the slice of transport.Bus the dispatcher needs.
type Transactor interface {
	Transact(ctx context.Context, f protocol.Frame, timeout time.Duration) (protocol.Frame, error)
	Send(ctx context.Context, f protocol.Frame) error
	Dialect() protocol.Dialect
}

type Config struct {
	Timeout time.Duration
	Retries int
}

const (
	DefaultTimeout = 500 * time.Millisecond
	DefaultRetries = 2
)

type Dispatcher struct {
	bus       Transactor
	cache     *state.Cache
	cfg       Config
	scheduler CommandScheduler
	log       *slog.Logger
}

func New(bus Transactor, cache *state.Cache, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	d := &Dispatcher{
		bus:   bus,
		cache: cache,
		cfg:   cfg,
		log:   logging.With("component", "dispatch"),
	}
	d.scheduler = NewCommandScheduler(d)
	return d
}

// Close cancels pending pulses.
func (d *Dispatcher) Close() { d.scheduler.Stop() }

// PendingPulses reports armed timed-pulse reversals.
func (d *Dispatcher) PendingPulses() int { return d.scheduler.Pending() }

// PushCommand runs a scheduled command. It satisfies CommandPusher.
func (d *Dispatcher) PushCommand(cmd Command) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.budget())
	defer cancel()
	if _, err := d.dispatch(ctx, cmd.Entity, cmd.Action, cmd.Params, false); err != nil {
		d.log.Warn("scheduled command failed", "entity", cmd.Entity, "action", cmd.Action, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) budget() time.Duration {
	return time.Duration(d.cfg.Retries+1)*d.cfg.Timeout + time.Second
}

// Dispatch resolves entityID and action to a frame, sends it with retry and
// records the outcome in the cache. The cache is written exactly once on
// success and never on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, entityID, action string, params domo.Params) (state.EntityState, error) {
	return d.dispatch(ctx, entityID, action, params, true)
}

func (d *Dispatcher) dispatch(ctx context.Context, entityID, action string, params domo.Params, user bool) (state.EntityState, error) {
	ent, ok := d.cache.Entity(entityID)
	if !ok {
		return state.EntityState{}, errcode.New(ErrUnknownEntity, "dispatch", entityID)
	}
	planFn, ok := lookup(ent.Kind, action)
	if !ok {
		return state.EntityState{}, errcode.New(ErrUnsupportedAction, "dispatch", fmt.Sprintf("%s does not support %q", ent.Kind, action))
	}

	var pulse time.Duration
	if raw, ok := params.Get(domo.ParamPulseMs); ok && ent.Kind == domo.KindLight {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return state.EntityState{}, errcode.New(ErrInvalidParams, "dispatch", fmt.Sprintf("invalid pulseMs %q", raw))
		}
		pulse = time.Duration(n) * time.Millisecond
	}

	cur, _ := d.cache.Get(entityID)
	p, err := planFn(d.bus.Dialect(), ent, cur, params)
	if err != nil {
		return state.EntityState{}, err
	}

	if err := d.send(ctx, p); err != nil {
		d.log.Warn("command failed", "entity", entityID, "action", action, "address", ent.Address, "error", err)
		return state.EntityState{}, err
	}
	// a delivered command supersedes an armed pulse reversal; a failed one
	// leaves it in place
	if user {
		d.scheduler.ClearPulse(entityID)
	}

	var prior bool
	next, err := d.cache.Update(entityID, func(s state.EntityState) state.EntityState {
		prior = s.LightOn()
		s = p.apply(s)
		s.Availability = domo.AvailabilityOK
		s.Known = true
		return s
	})
	if err != nil {
		return state.EntityState{}, err
	}
	d.log.Debug("command applied", "entity", entityID, "action", action, "frame", p.frame.Hex())

	if pulse > 0 && user {
		if inverse, ok := inverseOf(action, prior); ok {
			_ = d.scheduler.SchedulePulse(Command{Entity: entityID, Action: inverse}, pulse)
		}
	}
	return next, nil
}

// inverseOf names the action restoring a light after a timed pulse.
func inverseOf(action string, prior bool) (string, bool) {
	switch action {
	case domo.ActionOn:
		return domo.ActionOff, true
	case domo.ActionOff:
		return domo.ActionOn, true
	case domo.ActionToggle:
		if prior {
			return domo.ActionOn, true
		}
		return domo.ActionOff, true
	}
	return "", false
}

// send runs up to Retries+1 attempts with no delay between them.
func (d *Dispatcher) send(ctx context.Context, p plan) error {
	if p.noAck {
		if err := d.bus.Send(ctx, p.frame); err != nil {
			return errcode.Wrap(ErrDeviceUnreachable, "dispatch", err)
		}
		return nil
	}
	var last error
	for attempt := 0; attempt <= d.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				last = err
			}
			break
		}
		_, err := d.bus.Transact(ctx, p.frame, d.cfg.Timeout)
		if err == nil {
			return nil
		}
		last = err
		d.log.Debug("attempt failed", "attempt", attempt+1, "address", p.frame.Address(), "error", err)
	}
	return errcode.Wrap(ErrDeviceUnreachable, "dispatch", last)
}

// InputResult reports one input-mapping frame sent by ApplyInputs.
type InputResult struct {
	Board   string `json:"board"`
	Address int    `json:"address"`
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// ApplyInputs pushes every enabled input mapping of boards to the hardware,
// one configure-input frame per input. Individual failures are reported in
// the results, not as the returned error.
func (d *Dispatcher) ApplyInputs(ctx context.Context, boards []config.BoardConfig) ([]InputResult, error) {
	dialect := d.bus.Dialect()
	if !dialect.BulkInputs {
		return nil, errcode.New(errcode.Unsupported, "apply-inputs", "dialect "+dialect.Name+" cannot program inputs")
	}
	layout, _ := protocol.LayoutFor(protocol.OpConfigureInput)

	var out []InputResult
	for _, b := range boards {
		for _, in := range b.Inputs {
			if !in.IsEnabled() {
				continue
			}
			res := InputResult{Board: b.ID, Address: b.Address, Index: in.Index, Name: in.Name}
			f, err := layout.Build(dialect, byte(b.Address), map[string]byte{
				protocol.FieldInput:   byte(in.Index),
				protocol.FieldOpcode:  byte(in.Opcode),
				protocol.FieldChannel: byte(in.Channel),
				protocol.FieldAction:  byte(in.Action),
				protocol.FieldTarget:  byte(in.Target(b.Address)),
			})
			if err == nil {
				err = d.send(ctx, plan{frame: f})
			}
			if err != nil {
				res.Error = err.Error()
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					out = append(out, res)
					return out, err
				}
			} else {
				res.OK = true
			}
			out = append(out, res)
		}
	}
	d.log.Info("inputs applied", "count", len(out), "failed", countFailed(out))
	return out, nil
}

func countFailed(rs []InputResult) int {
	n := 0
	for _, r := range rs {
		if !r.OK {
			n++
		}
	}
	return n
}

// ParsePulse reads a pulse duration given as a number or numeric string,
// as carried by domo.IncomingCommand.
func ParsePulse(v any) (time.Duration, bool) {
	if v == nil {
		return 0, false
	}
	n, err := util.ToInt(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}
