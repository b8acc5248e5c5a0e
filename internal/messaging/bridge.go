package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/state"
)

// Core is the part of the gateway the bridge drives.
type Core interface {
	Config() *config.GatewayConfig
	Cache() *state.Cache
	Dispatch(ctx context.Context, entityID, action string, params domo.Params) (state.EntityState, error)
	TriggerPoll()
}

const (
	payloadOn  = "ON"
	payloadOff = "OFF"

	online  = "online"
	offline = "offline"
)

// command topic tails below <base>/<slug>/ch<N>/
const (
	tailSet      = "set"
	tailSetpoint = "setpoint/set"
	tailMode     = "mode/set"
	tailPower    = "power/set"
)

// Bridge exposes the gateway to Home Assistant: discovery and retained
// state on the way out, command topics on the way in.
type Bridge struct {
	broker    Broker
	core      Core
	discovery string
	heartbeat time.Duration
	qos       QoS
	published state.PublishedStore
	log       *slog.Logger
}

func NewBridge(broker Broker, core Core, cfg config.MQTTConfig) *Bridge {
	discovery := strings.Trim(cfg.DiscoveryPrefix, "/")
	if discovery == "" {
		discovery = "homeassistant"
	}
	return &Bridge{
		broker:    broker,
		core:      core,
		discovery: discovery,
		heartbeat: cfg.Heartbeat(),
		qos:       AtLeastOnce,
		published: state.NewPublishedStore(),
		log:       logging.With("component", "mqtt-bridge"),
	}
}

// StatusTopic carries online/offline for the bridge itself; it doubles as
// the connection's last will.
func (b *Bridge) StatusTopic() string { return b.broker.Topic("bridge", "status") }

// Register hooks the bridge's connect-time messages into the broker. Call
// before Connect.
func (b *Bridge) Register() {
	b.broker.AddOnConnectPublisher("bridge", b.onConnect)
}

func (b *Bridge) onConnect() ([]PublishRequest, error) {
	// a fresh session may have lost retained state; resend everything
	b.published.Clear()
	reqs := []PublishRequest{{Topic: b.StatusTopic(), Qos: b.qos, Retain: true, PayloadBytes: []byte(online)}}
	reqs = append(reqs, b.Discovery()...)
	for _, st := range b.core.Cache().All() {
		for _, m := range b.stateMessages(st) {
			reqs = append(reqs, PublishRequest{Topic: m.topic, Qos: b.qos, Retain: true, PayloadBytes: m.payload})
			b.published.Update(m.topic, m.payload)
		}
	}
	return reqs, nil
}

// Run subscribes the command topics and publishes state changes until ctx
// is done. Unchanged values are resent once per heartbeat.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.subscribe(ctx); err != nil {
		return err
	}
	updates, cancel := b.core.Cache().Subscribe(256)
	defer cancel()

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			b.goodbye()
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			b.PublishState(ctx, st)
		case <-tick:
			for _, st := range b.core.Cache().All() {
				b.PublishState(ctx, st)
			}
		}
	}
}

func (b *Bridge) goodbye() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.broker.Publish(ctx, b.StatusTopic(), b.qos, true, []byte(offline)); err != nil {
		b.log.Warn("Bridge offline publish failed", "error", err)
	}
}

func (b *Bridge) subscribe(ctx context.Context) error {
	filters := []string{
		b.broker.Topic("poll_all", "set"),
		b.broker.Topic("+", "+", tailSet),
		b.broker.Topic("+", "+", tailSetpoint),
		b.broker.Topic("+", "+", tailMode),
		b.broker.Topic("+", "+", tailPower),
	}
	for _, f := range filters {
		if _, err := b.broker.Subscribe(ctx, f, b.qos, b.OnMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", f, err)
		}
	}
	return nil
}

type message struct {
	topic   string
	payload []byte
}

// PublishState sends the topics derived from st that changed or are due
// for a heartbeat.
func (b *Bridge) PublishState(ctx context.Context, st state.EntityState) {
	for _, m := range b.stateMessages(st) {
		if !b.published.NeedsPublish(m.topic, m.payload, b.heartbeat) {
			continue
		}
		if err := b.broker.Publish(ctx, m.topic, b.qos, true, m.payload); err != nil {
			b.log.Warn("State publish failed", "topic", m.topic, "error", err)
			continue
		}
		b.published.Update(m.topic, m.payload)
	}
}

func (b *Bridge) stateMessages(st state.EntityState) []message {
	e, ok := b.core.Cache().Entity(st.ID)
	if !ok {
		return nil
	}
	slug := Slugify(e.BoardID)
	// availability is per board and follows the poller's board status
	avail := online
	if bs, ok := b.core.Cache().Board(e.Address); ok && bs.Availability == domo.AvailabilityUnreachable {
		avail = offline
	}
	out := []message{{b.broker.Topic(slug, "availability"), []byte(avail)}}
	ch := "ch" + strconv.Itoa(e.Channel)
	add := func(leaf, payload string) {
		out = append(out, message{b.broker.Topic(slug, ch, leaf), []byte(payload)})
	}

	switch {
	case st.Light != nil:
		if st.Known {
			add("state", onOff(st.Light.On))
		}
	case st.Shutter != nil:
		if st.Known {
			add("state", coverState(st.Shutter.Direction))
		}
	case st.Thermostat != nil:
		t := st.Thermostat
		if t.Temperature != nil {
			add("temperature/state", strconv.FormatFloat(*t.Temperature, 'f', 1, 64))
		}
		if t.Setpoint != nil {
			add("setpoint/state", strconv.FormatFloat(*t.Setpoint, 'f', 1, 64))
		}
		if t.Mode != domo.ModeUnknown {
			add("mode/state", strings.ToUpper(string(t.Mode)))
		}
		if t.Power != domo.PowerUnknown {
			add("power/state", onOff(t.Power == domo.PowerOn))
		}
	}
	return out
}

func onOff(on bool) string {
	if on {
		return payloadOn
	}
	return payloadOff
}

func coverState(d domo.Direction) string {
	switch d {
	case domo.DirectionUp:
		return "OPENING"
	case domo.DirectionDown:
		return "CLOSING"
	default:
		return "STOPPED"
	}
}

// OnMessage handles a command topic. Malformed topics and unknown boards
// are logged and dropped.
func (b *Bridge) OnMessage(ctx context.Context, topic string, payload []byte) {
	text := strings.TrimSpace(string(payload))
	if topic == b.broker.Topic("poll_all", "set") {
		b.log.Debug("Poll requested over MQTT")
		b.core.TriggerPoll()
		return
	}
	prefix := b.broker.Topic() + "/"
	if !strings.HasPrefix(topic, prefix) {
		return
	}
	parts := strings.SplitN(strings.TrimPrefix(topic, prefix), "/", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[1], "ch") {
		b.log.Warn("cmd topic malformed", "topic", topic)
		return
	}
	ch, err := strconv.Atoi(parts[1][2:])
	if err != nil || ch < 1 {
		b.log.Warn("cmd topic malformed", "topic", topic)
		return
	}
	board, ok := b.boardBySlug(parts[0])
	if !ok || !board.HasChannel(ch) {
		b.log.Warn("cmd for unknown channel", "topic", topic)
		return
	}
	action, params, ok := commandFor(board.KindOf(), parts[2], text)
	if !ok {
		b.log.Warn("cmd not supported", "topic", topic, "kind", board.Kind)
		return
	}
	id := domo.EntityID(board.ID, ch)
	if _, err := b.core.Dispatch(ctx, id, action, params); err != nil {
		b.log.Warn("cmd handling", "entity", id, "action", action, "error", err)
		b.publishEvent(ctx, parts[0], "command_failed", map[string]any{
			"entity": id,
			"action": action,
			"code":   errcode.Of(err),
			"error":  err.Error(),
		})
	}
}

// publishEvent sends a one-off, non-retained notice on <base>/<slug>/event.
func (b *Bridge) publishEvent(ctx context.Context, slug, typ string, detail map[string]any) {
	msg := map[string]any{
		"type":   typ,
		"ts":     time.Now().UTC().Format(time.RFC3339),
		"detail": detail,
	}
	if err := b.broker.PublishJSON(ctx, b.broker.Topic(slug, "event"), AsyncNoWait, false, msg); err != nil {
		b.log.Warn("Event publish failed", "slug", slug, "error", err)
	}
}

func (b *Bridge) boardBySlug(slug string) (config.BoardConfig, bool) {
	for _, bd := range b.core.Config().Boards {
		if Slugify(bd.ID) == slug {
			return bd, true
		}
	}
	return config.BoardConfig{}, false
}

// commandFor maps a command topic tail and its payload to a dispatcher
// action. Unrecognised payloads on a cover fall back to stop.
func commandFor(kind domo.Kind, tail, payload string) (string, domo.Params, bool) {
	text := strings.ToUpper(payload)
	switch {
	case kind == domo.KindLight && tail == tailSet:
		switch text {
		case "TOGGLE":
			return domo.ActionToggle, nil, true
		case "ON", "1", "TRUE":
			return domo.ActionOn, nil, true
		default:
			return domo.ActionOff, nil, true
		}
	case kind == domo.KindShutter && tail == tailSet:
		switch text {
		case "OPEN", "UP":
			return domo.ActionUp, nil, true
		case "CLOSE", "DOWN":
			return domo.ActionDown, nil, true
		default:
			return domo.ActionStop, nil, true
		}
	case kind == domo.KindThermostat && tail == tailSetpoint:
		return domo.ActionSet, domo.Params{domo.ParamSetpoint: payload}, true
	case kind == domo.KindThermostat && tail == tailMode:
		mode := string(domo.ModeWinter)
		if text == "SUMMER" || text == "COOL" {
			mode = string(domo.ModeSummer)
		}
		return domo.ActionMode, domo.Params{domo.ParamMode: mode}, true
	case kind == domo.KindThermostat && tail == tailPower:
		power := string(domo.PowerOff)
		if text == "ON" || text == "1" || text == "TRUE" {
			power = string(domo.PowerOn)
		}
		return domo.ActionPower, domo.Params{domo.ParamPower: power}, true
	}
	return "", nil, false
}

var slugRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// Slugify makes a board id safe for a topic level.
func Slugify(s string) string {
	out := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-"), "-")
	if out == "" {
		return "board"
	}
	return out
}
