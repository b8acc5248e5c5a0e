// internal/config/config-gateway.go
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/logging"
	"gopkg.in/yaml.v3"
)

/* =========================
   Types
   ========================= */

type GatewayConfig struct {
	Bus      BusConfig      `json:"bus" yaml:"bus"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Poll     PollConfig     `json:"poll" yaml:"poll"`
	Boards   []BoardConfig  `json:"boards" yaml:"boards"`
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
}

type BusConfig struct {
	Name                  string `json:"name" yaml:"name"`
	Type                  string `json:"type" yaml:"type"`       // "serial" | "tcp"
	Dialect               string `json:"dialect" yaml:"dialect"` // "serial" | "gateway"
	Port                  string `json:"port" yaml:"port"`
	Baud                  int    `json:"baud" yaml:"baud"`
	DataBits              int    `json:"dataBits" yaml:"dataBits"`
	StopBits              int    `json:"stopBits" yaml:"stopBits"`
	Parity                string `json:"parity" yaml:"parity"`
	TCPAddr               string `json:"tcpAddr" yaml:"tcpAddr"`
	TimeoutMs             int    `json:"timeoutMs" yaml:"timeoutMs"`
	ReadSliceMs           int    `json:"readSliceMs" yaml:"readSliceMs"`
	SettleBeforeRequestMs int    `json:"settleBeforeRequestMs" yaml:"settleBeforeRequestMs"`
	SettleAfterWriteMs    int    `json:"settleAfterWriteMs" yaml:"settleAfterWriteMs"`
	QueueSize             int    `json:"queueSize" yaml:"queueSize"`
	Debug                 bool   `json:"debug" yaml:"debug"`
}

type DispatchConfig struct {
	TimeoutMs int  `json:"timeoutMs" yaml:"timeoutMs"`
	Retries   *int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

type PollConfig struct {
	IntervalMs       int  `json:"intervalMs" yaml:"intervalMs"`
	TimeoutMs        int  `json:"timeoutMs" yaml:"timeoutMs"`
	UnreachableAfter int  `json:"unreachableAfter" yaml:"unreachableAfter"`
	Disabled         bool `json:"disabled" yaml:"disabled"`
}

type BoardConfig struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Address      int             `json:"address" yaml:"address"`
	Kind         string          `json:"kind" yaml:"kind"`
	ChannelStart int             `json:"channelStart" yaml:"channelStart"`
	ChannelEnd   int             `json:"channelEnd" yaml:"channelEnd"`
	Channels     []ChannelConfig `json:"channels,omitempty" yaml:"channels,omitempty"`
	Inputs       []InputConfig   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Setpoint     *float64        `json:"setpoint,omitempty" yaml:"setpoint,omitempty"`
}

type ChannelConfig struct {
	Channel int    `json:"channel" yaml:"channel"`
	Name    string `json:"name" yaml:"name"`
	Room    string `json:"room" yaml:"room"`
}

// InputConfig maps a physical input to the frame a board emits when the
// input fires (opcode 0x55).
type InputConfig struct {
	Index         int    `json:"index" yaml:"index"`
	Name          string `json:"name" yaml:"name"`
	Room          string `json:"room" yaml:"room"`
	Enabled       *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Opcode        int    `json:"opcode" yaml:"opcode"`
	Channel       int    `json:"channel" yaml:"channel"`
	Action        int    `json:"action" yaml:"action"`
	TargetAddress *int   `json:"targetAddress,omitempty" yaml:"targetAddress,omitempty"`
}

type HTTPConfig struct {
	Listen   string `json:"listen" yaml:"listen"`
	APIToken string `json:"apiToken" yaml:"apiToken"`
}

type MQTTConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	URL             string `json:"url" yaml:"url"`
	ClientID        string `json:"clientId" yaml:"clientId"`
	Username        string `json:"username" yaml:"username"`
	Password        string `json:"password" yaml:"password"`
	BaseTopic       string `json:"baseTopic" yaml:"baseTopic"`
	DiscoveryPrefix string `json:"discoveryPrefix" yaml:"discoveryPrefix"`
	HeartbeatSec    int    `json:"heartbeatSec" yaml:"heartbeatSec"`
}

const defaultRoom = "Unassigned"

/* =========================
   Helpers
   ========================= */

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (b BusConfig) Timeout() time.Duration             { return ms(b.TimeoutMs) }
func (b BusConfig) ReadSlice() time.Duration           { return ms(b.ReadSliceMs) }
func (b BusConfig) SettleBeforeRequest() time.Duration { return ms(b.SettleBeforeRequestMs) }
func (b BusConfig) SettleAfterWrite() time.Duration    { return ms(b.SettleAfterWriteMs) }

func (d DispatchConfig) Timeout() time.Duration { return ms(d.TimeoutMs) }
func (d DispatchConfig) RetryCount() int {
	if d.Retries == nil {
		return 2
	}
	return *d.Retries
}

func (p PollConfig) Interval() time.Duration { return ms(p.IntervalMs) }
func (p PollConfig) Timeout() time.Duration  { return ms(p.TimeoutMs) }

func (m MQTTConfig) Heartbeat() time.Duration {
	if m.HeartbeatSec <= 0 {
		return 0
	}
	return time.Duration(m.HeartbeatSec) * time.Second
}

func (b BoardConfig) KindOf() domo.Kind { return domo.Kind(strings.ToLower(b.Kind)) }

// HasChannel reports whether ch is inside the board's channel range.
func (b BoardConfig) HasChannel(ch int) bool {
	return ch >= b.ChannelStart && ch <= b.ChannelEnd
}

// Channel returns the channel's display settings, defaulting name and room.
func (b BoardConfig) Channel(ch int) ChannelConfig {
	for _, c := range b.Channels {
		if c.Channel == ch {
			if c.Name == "" {
				c.Name = fmt.Sprintf("%s %d", b.Name, ch)
			}
			if c.Room == "" {
				c.Room = defaultRoom
			}
			return c
		}
	}
	return ChannelConfig{Channel: ch, Name: fmt.Sprintf("%s %d", b.Name, ch), Room: defaultRoom}
}

func (b BoardConfig) EntityIDs() []string {
	ids := make([]string, 0, b.ChannelEnd-b.ChannelStart+1)
	for ch := b.ChannelStart; ch <= b.ChannelEnd; ch++ {
		ids = append(ids, domo.EntityID(b.ID, ch))
	}
	return ids
}

func (in InputConfig) IsEnabled() bool { return in.Enabled == nil || *in.Enabled }

// Target is the board the input drives; defaults to the owning board.
func (in InputConfig) Target(owner int) int {
	if in.TargetAddress == nil {
		return owner
	}
	return *in.TargetAddress
}

func (in InputConfig) RoomName() string {
	if in.Room == "" {
		return defaultRoom
	}
	return in.Room
}

func (c *GatewayConfig) BoardByID(id string) (*BoardConfig, bool) {
	for i := range c.Boards {
		if c.Boards[i].ID == id {
			return &c.Boards[i], true
		}
	}
	return nil, false
}

func (c *GatewayConfig) BoardByAddress(addr byte) (*BoardConfig, bool) {
	for i := range c.Boards {
		if c.Boards[i].Address == int(addr) {
			return &c.Boards[i], true
		}
	}
	return nil, false
}

// Addresses returns the distinct board addresses in ascending order.
func (c *GatewayConfig) Addresses() []byte {
	seen := map[byte]struct{}{}
	out := make([]byte, 0, len(c.Boards))
	for _, b := range c.Boards {
		a := byte(b.Address)
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Redacted returns a copy with secrets blanked, for read-only display.
func (c GatewayConfig) Redacted() GatewayConfig {
	out := c
	if out.HTTP.APIToken != "" {
		out.HTTP.APIToken = "***"
	}
	if out.MQTT.Password != "" {
		out.MQTT.Password = "***"
	}
	out.Boards = slices.Clone(c.Boards)
	return out
}

/* =========================
   Strict load + validate
   ========================= */

func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	return LoadGatewayConfigFromReader(f, formatOf(path))
}

// LoadGatewayConfigFromReader decodes format "json" or "yaml".
func LoadGatewayConfigFromReader(r io.Reader, format string) (*GatewayConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var cfg GatewayConfig
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(stripJSONComments(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func (c *GatewayConfig) Validate() error {
	var errs multiErr

	/* Bus */
	b := &c.Bus
	if strings.TrimSpace(b.Name) == "" {
		b.Name = "bus1"
	}
	switch strings.ToLower(b.Type) {
	case "", "serial":
		b.Type = "serial"
		if strings.TrimSpace(b.Port) == "" {
			errs.add("bus: port is required for type=serial")
		}
		if b.Baud == 0 {
			b.Baud = 9600
		}
		if b.Baud < 0 {
			errs.add("bus: baud must be > 0")
		}
		if b.DataBits == 0 {
			b.DataBits = 8
		}
		if b.StopBits == 0 {
			b.StopBits = 1
		}
		if b.Parity == "" {
			b.Parity = "N"
		}
		b.Parity = strings.ToUpper(b.Parity)
		if !slices.Contains([]string{"N", "E", "O"}, b.Parity) {
			errs.add("bus: parity must be one of N,E,O")
		}
		if b.Dialect == "" {
			b.Dialect = "serial"
		}
	case "tcp":
		b.Type = "tcp"
		if strings.TrimSpace(b.TCPAddr) == "" {
			errs.add("bus: tcpAddr is required for type=tcp")
		}
		if b.Dialect == "" {
			b.Dialect = "gateway"
		}
	default:
		errs.add("bus: type must be 'serial' or 'tcp'")
	}
	if !slices.Contains([]string{"serial", "gateway"}, strings.ToLower(b.Dialect)) {
		errs.addf("bus: unknown dialect %q", b.Dialect)
	}
	if b.TimeoutMs <= 0 {
		b.TimeoutMs = 500
	}
	if b.ReadSliceMs <= 0 {
		b.ReadSliceMs = 20
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.SettleBeforeRequestMs < 0 || b.SettleAfterWriteMs < 0 {
		errs.add("bus: settle timings cannot be negative")
	}

	/* Dispatch */
	if c.Dispatch.TimeoutMs <= 0 {
		c.Dispatch.TimeoutMs = b.TimeoutMs
	}
	if c.Dispatch.RetryCount() < 0 {
		errs.add("dispatch: retries cannot be negative")
	}

	/* Poll */
	if c.Poll.IntervalMs <= 0 {
		c.Poll.IntervalMs = 5000
	}
	if c.Poll.TimeoutMs <= 0 {
		c.Poll.TimeoutMs = b.TimeoutMs
	}
	if c.Poll.UnreachableAfter <= 0 {
		c.Poll.UnreachableAfter = 5
	}

	/* Boards */
	if len(c.Boards) == 0 {
		logging.Warn("no boards configured, gateway will only serve program-address")
	}
	seenIDs := map[string]int{}
	seenAddr := map[int]string{}
	for i := range c.Boards {
		bd := &c.Boards[i]
		validateBoard(&errs, i, bd)
		if bd.ID != "" {
			if j, ok := seenIDs[bd.ID]; ok {
				errs.addf("boards[%d]: duplicate id %q (also at boards[%d])", i, bd.ID, j)
			} else {
				seenIDs[bd.ID] = i
			}
		}
		if other, ok := seenAddr[bd.Address]; ok {
			errs.addf("boards[%d/%s]: address %d already used by %s", i, bd.ID, bd.Address, other)
		} else {
			seenAddr[bd.Address] = bd.ID
		}
	}

	/* HTTP */
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if strings.TrimSpace(c.HTTP.APIToken) == "" {
		logging.Warn("http.apiToken is empty, /api endpoints will reject every request")
	}

	/* MQTT */
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.URL) == "" {
		errs.add("mqtt: url is required when enabled")
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "algodomo"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "algodomo-" + b.Name
	}
	// 0 means the default; negative disables heartbeats
	if c.MQTT.HeartbeatSec == 0 {
		c.MQTT.HeartbeatSec = 60
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateBoard(errs *multiErr, i int, bd *BoardConfig) {
	if strings.TrimSpace(bd.ID) == "" {
		errs.addf("boards[%d]: id is required", i)
	} else if strings.ContainsAny(bd.ID, " /+#") {
		errs.addf("boards[%d/%s]: id cannot contain spaces or / + #", i, bd.ID)
	}
	if bd.Name == "" {
		bd.Name = bd.ID
	}
	if bd.Address < 0 || bd.Address > 254 {
		errs.addf("boards[%d/%s]: address must be 0..254", i, bd.ID)
	} else if bd.Address == 0 {
		logging.Warn("board configured at the programming address", "board", bd.ID)
	}

	kind, err := domo.ParseKind(bd.Kind)
	if err != nil {
		errs.addf("boards[%d/%s]: kind must be light, shutter or thermostat", i, bd.ID)
		return
	}
	bd.Kind = string(kind)
	if bd.ChannelStart == 0 {
		bd.ChannelStart = 1
	}
	if bd.ChannelEnd == 0 {
		bd.ChannelEnd = bd.ChannelStart
	}
	if bd.ChannelStart < 1 || bd.ChannelEnd < bd.ChannelStart {
		errs.addf("boards[%d/%s]: channel range %d..%d is invalid", i, bd.ID, bd.ChannelStart, bd.ChannelEnd)
	} else if maxCh := kind.MaxChannel(); maxCh > 0 && bd.ChannelEnd > maxCh {
		errs.addf("boards[%d/%s]: %s boards have channels 1..%d", i, bd.ID, kind, maxCh)
	}
	for j, ch := range bd.Channels {
		if !bd.HasChannel(ch.Channel) {
			errs.addf("boards[%d/%s].channels[%d]: channel %d outside %d..%d", i, bd.ID, j, ch.Channel, bd.ChannelStart, bd.ChannelEnd)
		}
	}
	if bd.Setpoint != nil && kind != domo.KindThermostat {
		errs.addf("boards[%d/%s]: setpoint is only valid on thermostat boards", i, bd.ID)
	}

	seenInputs := map[int]struct{}{}
	for j, in := range bd.Inputs {
		if in.Index < 1 || in.Index > 8 {
			errs.addf("boards[%d/%s].inputs[%d]: index must be 1..8", i, bd.ID, j)
		} else if _, dup := seenInputs[in.Index]; dup {
			errs.addf("boards[%d/%s].inputs[%d]: duplicate index %d", i, bd.ID, j, in.Index)
		} else {
			seenInputs[in.Index] = struct{}{}
		}
		for name, v := range map[string]int{"opcode": in.Opcode, "channel": in.Channel, "action": in.Action} {
			if v < 0 || v > 255 {
				errs.addf("boards[%d/%s].inputs[%d]: %s must fit in a byte", i, bd.ID, j, name)
			}
		}
		if t := in.Target(bd.Address); t < 0 || t > 254 {
			errs.addf("boards[%d/%s].inputs[%d]: targetAddress must be 0..254", i, bd.ID, j)
		}
	}
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
