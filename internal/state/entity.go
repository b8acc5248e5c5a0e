package state

import (
	"time"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/protocol"
)

// Entity is the static description of one controllable channel.
type Entity struct {
	ID      string    `json:"id"`
	BoardID string    `json:"boardId"`
	Kind    domo.Kind `json:"kind"`
	Address byte      `json:"address"`
	Channel int       `json:"channel"`
}

type LightState struct {
	On bool `json:"on"`
}

type ShutterState struct {
	Direction domo.Direction `json:"direction"`
}

type ThermostatState struct {
	Setpoint      *float64   `json:"setpoint"`
	Power         domo.Power `json:"power,omitempty"`
	Mode          domo.Mode  `json:"mode,omitempty"`
	Temperature   *float64   `json:"temperature"`
	BoardSetpoint *float64   `json:"boardSetpoint,omitempty"`
}

// EntityState is a tagged union on Kind: exactly one of Light, Shutter and
// Thermostat is set, matching Kind.
type EntityState struct {
	ID           string            `json:"id"`
	Kind         domo.Kind         `json:"kind"`
	Light        *LightState       `json:"light,omitempty"`
	Shutter      *ShutterState     `json:"shutter,omitempty"`
	Thermostat   *ThermostatState  `json:"thermostat,omitempty"`
	Availability domo.Availability `json:"availability"`
	// Known is false until a command or poll has recorded a concrete value.
	Known     bool      `json:"known"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewUnknown returns the startup state for e.
func NewUnknown(e Entity) EntityState {
	s := EntityState{ID: e.ID, Kind: e.Kind, Availability: domo.AvailabilityUnknown}
	switch e.Kind {
	case domo.KindLight:
		s.Light = &LightState{}
	case domo.KindShutter:
		s.Shutter = &ShutterState{Direction: domo.DirectionUnknown}
	case domo.KindThermostat:
		s.Thermostat = &ThermostatState{}
	}
	return s
}

// Clone deep-copies the variant so callers can mutate the result.
func (s EntityState) Clone() EntityState {
	if s.Light != nil {
		l := *s.Light
		s.Light = &l
	}
	if s.Shutter != nil {
		sh := *s.Shutter
		s.Shutter = &sh
	}
	if s.Thermostat != nil {
		t := *s.Thermostat
		t.Setpoint = clonePtr(t.Setpoint)
		t.Temperature = clonePtr(t.Temperature)
		t.BoardSetpoint = clonePtr(t.BoardSetpoint)
		s.Thermostat = &t
	}
	return s
}

// LightOn reports the cached on/off value; unknown reads as off.
func (s EntityState) LightOn() bool {
	return s.Light != nil && s.Light.On
}

// SameValue compares everything except UpdatedAt.
func (s EntityState) SameValue(o EntityState) bool {
	if s.ID != o.ID || s.Kind != o.Kind || s.Availability != o.Availability || s.Known != o.Known {
		return false
	}
	switch {
	case s.Light != nil || o.Light != nil:
		return s.Light != nil && o.Light != nil && *s.Light == *o.Light
	case s.Shutter != nil || o.Shutter != nil:
		return s.Shutter != nil && o.Shutter != nil && *s.Shutter == *o.Shutter
	case s.Thermostat != nil || o.Thermostat != nil:
		a, b := s.Thermostat, o.Thermostat
		return a != nil && b != nil &&
			a.Power == b.Power && a.Mode == b.Mode &&
			eqPtr(a.Setpoint, b.Setpoint) &&
			eqPtr(a.Temperature, b.Temperature) &&
			eqPtr(a.BoardSetpoint, b.BoardSetpoint)
	}
	return true
}

// BoardStatus is the per-address poll bookkeeping.
type BoardStatus struct {
	Address      byte                 `json:"address"`
	Availability domo.Availability    `json:"availability"`
	Failures     int                  `json:"consecutiveFailures"`
	LastPoll     time.Time            `json:"lastPoll"`
	LastSuccess  time.Time            `json:"lastSuccess"`
	LastError    string               `json:"lastError,omitempty"`
	Poll         *protocol.PollStatus `json:"poll,omitempty"`
}

func Float(v float64) *float64 { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
