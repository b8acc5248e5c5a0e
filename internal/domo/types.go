package domo

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindLight      Kind = "light"
	KindShutter    Kind = "shutter"
	KindThermostat Kind = "thermostat"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindLight, KindShutter, KindThermostat:
		return k, nil
	default:
		return "", fmt.Errorf("unknown kind %q", s)
	}
}

// MaxChannel is the highest channel number a board of kind k exposes.
// Thermostat boards have no fixed limit.
func (k Kind) MaxChannel() int {
	switch k {
	case KindLight:
		return 8
	case KindShutter:
		return 4
	default:
		return 0
	}
}

// Actions
const (
	ActionOn          = "on"
	ActionOff         = "off"
	ActionToggle      = "toggle"
	ActionToggleNoAck = "toggle_no_ack"
	ActionPulse       = "pulse"

	ActionUp   = "up"
	ActionDown = "down"
	ActionStop = "stop"

	ActionSet   = "set"
	ActionPower = "power"
	ActionMode  = "mode"
)

// Parameter keys accepted by Dispatch.
const (
	ParamPulseMs  = "pulseMs"
	ParamSetpoint = "setpoint"
	ParamPower    = "power"
	ParamMode     = "mode"
)

type Direction string

const (
	DirectionUnknown Direction = ""
	DirectionUp      Direction = "up"
	DirectionDown    Direction = "down"
	DirectionStopped Direction = "stopped"
)

type Power string

const (
	PowerUnknown Power = ""
	PowerOn      Power = "on"
	PowerOff     Power = "off"
)

type Mode string

const (
	ModeUnknown Mode = ""
	ModeWinter  Mode = "winter"
	ModeSummer  Mode = "summer"
)

type Availability string

const (
	AvailabilityUnknown     Availability = "unknown"
	AvailabilityOK          Availability = "ok"
	AvailabilityUnreachable Availability = "unreachable"
)

// EntityID builds the composite key "<board-id>-c<channel>".
func EntityID(boardID string, channel int) string {
	return boardID + "-c" + strconv.Itoa(channel)
}

// ParseEntityID splits an entity id at its last "-c" separator.
func ParseEntityID(id string) (string, int, error) {
	i := strings.LastIndex(id, "-c")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed entity id %q", id)
	}
	ch, err := strconv.Atoi(id[i+2:])
	if err != nil || ch < 1 {
		return "", 0, fmt.Errorf("malformed entity id %q", id)
	}
	return id[:i], ch, nil
}

// Params carries action arguments as received from HTTP queries or MQTT
// payloads.
type Params map[string]string

func (p Params) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p[key]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// IncomingCommand is a command sent over the websocket stream.
type IncomingCommand struct {
	ID      string `json:"id,omitempty"`
	Entity  string `json:"entity,omitempty"`
	Action  string `json:"action"`
	Params  Params `json:"params,omitempty"`
	PulseMs any    `json:"pulseMs,omitempty"` // number or string
}
