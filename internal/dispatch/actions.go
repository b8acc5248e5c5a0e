package dispatch

import (
	"fmt"
	"math"
	"strings"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/state"
	"github.com/fisaks/algodomo/internal/util"
)

// plan is one resolved command: the frame to put on the bus and how the
// cached state changes once the board acknowledges it.
type plan struct {
	frame protocol.Frame
	noAck bool
	apply func(state.EntityState) state.EntityState
}

type planner func(d protocol.Dialect, e state.Entity, cur state.EntityState, p domo.Params) (plan, error)

type lightAction struct {
	code  byte
	noAck bool
	apply func(prior bool) bool
}

var lightActions = map[string]lightAction{
	domo.ActionOn:          {code: protocol.LightOn, apply: func(bool) bool { return true }},
	domo.ActionOff:         {code: protocol.LightOff, apply: func(bool) bool { return false }},
	domo.ActionToggle:      {code: protocol.LightToggle, apply: func(prior bool) bool { return !prior }},
	domo.ActionToggleNoAck: {code: protocol.LightToggleNoAck, noAck: true, apply: func(prior bool) bool { return !prior }},
	// a pulse closes the relay briefly and leaves it open
	domo.ActionPulse: {code: protocol.LightPulse, apply: func(bool) bool { return false }},
}

var shutterActions = map[string]struct {
	code      byte
	direction domo.Direction
}{
	domo.ActionUp:   {protocol.ShutterUp, domo.DirectionUp},
	domo.ActionDown: {protocol.ShutterDown, domo.DirectionDown},
	domo.ActionStop: {protocol.ShutterStop, domo.DirectionStopped},
}

// actionTable maps kind and action name to a planner. It is the only place
// that knows which actions a kind accepts.
var actionTable = map[domo.Kind]map[string]planner{
	domo.KindLight: {
		domo.ActionOn:          planLight(domo.ActionOn),
		domo.ActionOff:         planLight(domo.ActionOff),
		domo.ActionToggle:      planLight(domo.ActionToggle),
		domo.ActionToggleNoAck: planLight(domo.ActionToggleNoAck),
		domo.ActionPulse:       planLight(domo.ActionPulse),
	},
	domo.KindShutter: {
		domo.ActionUp:   planShutter(domo.ActionUp),
		domo.ActionDown: planShutter(domo.ActionDown),
		domo.ActionStop: planShutter(domo.ActionStop),
	},
	domo.KindThermostat: {
		domo.ActionSet:   planThermostat(domo.ActionSet),
		domo.ActionPower: planThermostat(domo.ActionPower),
		domo.ActionMode:  planThermostat(domo.ActionMode),
	},
}

// Actions lists the action names accepted by kind.
func Actions(kind domo.Kind) []string {
	var out []string
	for name := range actionTable[kind] {
		out = append(out, name)
	}
	return out
}

func lookup(kind domo.Kind, action string) (planner, bool) {
	p, ok := actionTable[kind][strings.ToLower(strings.TrimSpace(action))]
	return p, ok
}

func planLight(action string) planner {
	la := lightActions[action]
	return func(d protocol.Dialect, e state.Entity, _ state.EntityState, _ domo.Params) (plan, error) {
		op, ok := protocol.RelayOpcode(e.Channel)
		if !ok {
			return plan{}, errcode.New(errcode.InvalidParams, "light", fmt.Sprintf("relay %d out of range 1..8", e.Channel))
		}
		f, err := build(d, op, e.Address, map[string]byte{protocol.FieldAction: la.code})
		if err != nil {
			return plan{}, err
		}
		return plan{frame: f, noAck: la.noAck, apply: func(s state.EntityState) state.EntityState {
			s.Light.On = la.apply(s.LightOn())
			return s
		}}, nil
	}
}

func planShutter(action string) planner {
	sa := shutterActions[action]
	return func(d protocol.Dialect, e state.Entity, _ state.EntityState, _ domo.Params) (plan, error) {
		f, err := build(d, protocol.OpShutter, e.Address, map[string]byte{
			protocol.FieldChannel: byte(e.Channel),
			protocol.FieldAction:  sa.code,
		})
		if err != nil {
			return plan{}, err
		}
		return plan{frame: f, apply: func(s state.EntityState) state.EntityState {
			s.Shutter.Direction = sa.direction
			return s
		}}, nil
	}
}

const defaultSetpoint = 20.0

// planThermostat always sends the full register set: the requested change
// merged over the cached setpoint, power and mode.
func planThermostat(action string) planner {
	return func(d protocol.Dialect, e state.Entity, cur state.EntityState, p domo.Params) (plan, error) {
		setpoint := defaultSetpoint
		power, mode := domo.PowerOn, domo.ModeWinter
		if t := cur.Thermostat; t != nil {
			if t.Setpoint != nil {
				setpoint = *t.Setpoint
			}
			if t.Power != domo.PowerUnknown {
				power = t.Power
			}
			if t.Mode != domo.ModeUnknown {
				mode = t.Mode
			}
		}

		switch action {
		case domo.ActionSet:
			raw, ok := p.Get(domo.ParamSetpoint)
			if !ok {
				return plan{}, errcode.New(errcode.InvalidParams, "thermostat", "setpoint is required")
			}
			v, err := util.ToFloat(raw)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v >= 100 {
				return plan{}, errcode.New(errcode.InvalidParams, "thermostat", fmt.Sprintf("invalid setpoint %q", raw))
			}
			setpoint = math.Round(v*10) / 10
		case domo.ActionPower:
			raw, _ := p.Get(domo.ParamPower)
			switch strings.ToLower(raw) {
			case "on", "1", "true":
				power = domo.PowerOn
			case "off", "0", "false":
				power = domo.PowerOff
			default:
				return plan{}, errcode.New(errcode.InvalidParams, "thermostat", fmt.Sprintf("power must be on or off, got %q", raw))
			}
		case domo.ActionMode:
			raw, _ := p.Get(domo.ParamMode)
			switch strings.ToLower(raw) {
			case "winter", "w", "heat":
				mode = domo.ModeWinter
			case "summer", "s", "cool":
				mode = domo.ModeSummer
			default:
				return plan{}, errcode.New(errcode.InvalidParams, "thermostat", fmt.Sprintf("mode must be winter or summer, got %q", raw))
			}
		}

		i, tenths := protocol.SplitTemperature(setpoint)
		f, err := build(d, protocol.OpThermostat, e.Address, map[string]byte{
			protocol.FieldSetpointInt:    i,
			protocol.FieldSetpointTenths: tenths,
			protocol.FieldPower:          powerCode(power),
			protocol.FieldMode:           modeCode(mode),
		})
		if err != nil {
			return plan{}, err
		}
		return plan{frame: f, apply: func(s state.EntityState) state.EntityState {
			s.Thermostat.Setpoint = state.Float(setpoint)
			s.Thermostat.Power = power
			s.Thermostat.Mode = mode
			return s
		}}, nil
	}
}

func powerCode(p domo.Power) byte {
	if p == domo.PowerOff {
		return protocol.ThermostatPowerOff
	}
	return protocol.ThermostatPowerOn
}

func modeCode(m domo.Mode) byte {
	if m == domo.ModeSummer {
		return protocol.ThermostatSummer
	}
	return protocol.ThermostatWinter
}

func build(d protocol.Dialect, op, address byte, values map[string]byte) (protocol.Frame, error) {
	layout, ok := protocol.LayoutFor(op)
	if !ok {
		return protocol.Frame{}, fmt.Errorf("no layout for opcode 0x%02X", op)
	}
	return layout.Build(d, address, values)
}
