package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/gateway"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/sim"
	"github.com/fisaks/algodomo/internal/state"
	"github.com/fisaks/algodomo/internal/transport"
)

type sent struct {
	topic   string
	payload string
	retain  bool
}

type fakeBroker struct {
	mu       sync.Mutex
	prefix   string
	sent     []sent
	handlers map[string]Handler
	hooks    []OnConnectPublisher
}

func newFakeBroker(prefix string) *fakeBroker {
	return &fakeBroker{prefix: prefix, handlers: map[string]Handler{}}
}

func (f *fakeBroker) Connect(context.Context) error { return nil }
func (f *fakeBroker) Close(context.Context) error   { return nil }
func (f *fakeBroker) IsConnected() bool             { return true }

func (f *fakeBroker) Topic(parts ...string) string {
	return strings.Join(append([]string{f.prefix}, parts...), "/")
}

func (f *fakeBroker) Publish(_ context.Context, topic string, _ QoS, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{topic, string(payload), retain})
	return nil
}

func (f *fakeBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(ctx, topic, qos, retain, data)
}

type fakeSub struct{}

func (fakeSub) Unsubscribe(context.Context) error { return nil }

func (f *fakeBroker) Subscribe(_ context.Context, topic string, _ QoS, h Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return fakeSub{}, nil
}

func (f *fakeBroker) AddOnConnectPublisher(_ string, fn OnConnectPublisher) {
	f.hooks = append(f.hooks, fn)
}

// connect runs the connect hooks the way MsgBroker does.
func (f *fakeBroker) connect(t *testing.T) {
	t.Helper()
	for _, fn := range f.hooks {
		reqs, err := fn()
		if err != nil {
			t.Fatalf("hook: %v", err)
		}
		for _, r := range reqs {
			if r.PayloadBytes != nil {
				_ = f.Publish(context.Background(), r.Topic, r.Qos, r.Retain, r.PayloadBytes)
			} else {
				_ = f.PublishJSON(context.Background(), r.Topic, r.Qos, r.Retain, r.Payload)
			}
		}
	}
}

func (f *fakeBroker) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeBroker) deliver(topic, payload string) {
	f.mu.Lock()
	var h Handler
	for _, h = range f.handlers {
		break
	}
	f.mu.Unlock()
	h(context.Background(), topic, []byte(payload))
}

func (f *fakeBroker) last(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].topic == topic {
			return f.sent[i].payload, true
		}
	}
	return "", false
}

func (f *fakeBroker) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.topic == topic {
			n++
		}
	}
	return n
}

func (f *fakeBroker) withPrefix(prefix string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if strings.HasPrefix(s.topic, prefix) {
			out = append(out, s)
		}
	}
	return out
}

func waitPublished(t *testing.T, f *fakeBroker, topic, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := f.last(topic); ok && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := f.last(topic)
	t.Fatalf("%s = %q, want %q", topic, got, want)
}

func newTestGateway(t *testing.T) (*gateway.Gateway, *sim.Network) {
	t.Helper()
	cfg := &config.GatewayConfig{
		Bus:  config.BusConfig{Port: "/dev/null", TimeoutMs: 40},
		Poll: config.PollConfig{Disabled: true},
		MQTT: config.MQTTConfig{BaseTopic: "algodomo"},
		Boards: []config.BoardConfig{
			{ID: "living", Name: "Living", Address: 1, Kind: "light", ChannelStart: 1, ChannelEnd: 4},
			{ID: "blinds", Name: "Blinds", Address: 2, Kind: "shutter", ChannelStart: 1, ChannelEnd: 2},
			{ID: "heat", Name: "Heat", Address: 3, Kind: "thermostat", ChannelStart: 1, ChannelEnd: 1},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	net := sim.NewNetwork(protocol.Serial)
	for _, a := range []byte{1, 2, 3} {
		net.AddBoard(a)
	}
	gw, err := gateway.New(cfg, transport.PortFunc{Name: "sim", Fn: func() (transport.Port, error) {
		return net.Open(2 * time.Millisecond), nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return gw, net
}

func startBridge(t *testing.T, gw *gateway.Gateway, f *fakeBroker) *Bridge {
	t.Helper()
	b := NewBridge(f, gw, gw.Config().MQTT)
	b.Register()
	f.connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	deadline := time.Now().Add(time.Second)
	for f.subscriptions() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriptions = %d, want 5", f.subscriptions())
		}
		time.Sleep(2 * time.Millisecond)
	}
	return b
}

func TestBridge_ConnectPublishesStatusAndDiscovery(t *testing.T) {
	gw, _ := newTestGateway(t)
	f := newFakeBroker("algodomo")
	b := NewBridge(f, gw, gw.Config().MQTT)
	b.Register()
	f.connect(t)

	if got, _ := f.last("algodomo/bridge/status"); got != "online" {
		t.Fatalf("bridge status = %q", got)
	}
	disc := f.withPrefix("homeassistant/")
	// 4 switches, 2 covers, 4 thermostat components
	if len(disc) != 10 {
		t.Fatalf("discovery messages = %d, want 10", len(disc))
	}
	for _, s := range disc {
		if !s.retain {
			t.Errorf("%s not retained", s.topic)
		}
	}

	raw, ok := f.last("homeassistant/cover/algodomo_blinds_ch2/config")
	if !ok {
		t.Fatal("cover discovery missing")
	}
	var cover map[string]any
	if err := json.Unmarshal([]byte(raw), &cover); err != nil {
		t.Fatal(err)
	}
	if cover["command_topic"] != "algodomo/blinds/ch2/set" || cover["availability_topic"] != "algodomo/blinds/availability" {
		t.Errorf("cover discovery = %v", cover)
	}
	if _, ok := f.last("homeassistant/number/algodomo_heat_ch1_setpoint/config"); !ok {
		t.Error("setpoint discovery missing")
	}
	for _, slug := range []string{"living", "blinds", "heat"} {
		if got, _ := f.last("algodomo/" + slug + "/availability"); got != "online" {
			t.Errorf("%s availability = %q", slug, got)
		}
	}
	// nothing is known yet, so no light or cover state is claimed
	if _, ok := f.last("algodomo/living/ch1/state"); ok {
		t.Error("unknown light state was published")
	}
}

func TestBridge_LightCommand(t *testing.T) {
	gw, net := newTestGateway(t)
	f := newFakeBroker("algodomo")
	startBridge(t, gw, f)

	f.deliver("algodomo/living/ch2/set", "ON")
	waitPublished(t, f, "algodomo/living/ch2/state", "ON")
	b, _ := net.Snapshot(1)
	if !b.Status.Output(2) {
		t.Error("relay 2 not on in the simulator")
	}

	f.deliver("algodomo/living/ch2/set", "toggle")
	waitPublished(t, f, "algodomo/living/ch2/state", "OFF")
}

func TestBridge_ShutterAndThermostatCommands(t *testing.T) {
	gw, _ := newTestGateway(t)
	f := newFakeBroker("algodomo")
	startBridge(t, gw, f)

	f.deliver("algodomo/blinds/ch1/set", "OPEN")
	waitPublished(t, f, "algodomo/blinds/ch1/state", "OPENING")
	f.deliver("algodomo/blinds/ch1/set", "STOP")
	waitPublished(t, f, "algodomo/blinds/ch1/state", "STOPPED")

	f.deliver("algodomo/heat/ch1/setpoint/set", "21.5")
	waitPublished(t, f, "algodomo/heat/ch1/setpoint/state", "21.5")
	f.deliver("algodomo/heat/ch1/mode/set", "SUMMER")
	waitPublished(t, f, "algodomo/heat/ch1/mode/state", "SUMMER")
	f.deliver("algodomo/heat/ch1/power/set", "OFF")
	waitPublished(t, f, "algodomo/heat/ch1/power/state", "OFF")

	st, _ := gw.ReadCache("heat-c1")
	if st.Thermostat.Mode != domo.ModeSummer || st.Thermostat.Power != domo.PowerOff || *st.Thermostat.Setpoint != 21.5 {
		t.Errorf("thermostat state = %+v", *st.Thermostat)
	}
}

func TestBridge_FailedCommandPublishesEvent(t *testing.T) {
	gw, net := newTestGateway(t)
	f := newFakeBroker("algodomo")
	startBridge(t, gw, f)
	net.SetOffline(1, true)

	f.deliver("algodomo/living/ch1/set", "ON")
	raw, ok := f.last("algodomo/living/event")
	if !ok {
		t.Fatal("no event published")
	}
	var ev struct {
		Type   string         `json:"type"`
		Detail map[string]any `json:"detail"`
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "command_failed" || ev.Detail["entity"] != "living-c1" || ev.Detail["code"] != "device_unreachable" {
		t.Errorf("event = %+v", ev)
	}
}

func TestBridge_IgnoresUnknownTopics(t *testing.T) {
	gw, net := newTestGateway(t)
	f := newFakeBroker("algodomo")
	startBridge(t, gw, f)
	net.ResetFrames()

	for _, topic := range []string{
		"algodomo/nowhere/ch1/set",
		"algodomo/living/ch9/set",
		"algodomo/living/x1/set",
		"algodomo/living/ch1/setpoint/set",
		"other/living/ch1/set",
	} {
		f.deliver(topic, "ON")
	}
	if n := len(net.Frames()); n != 0 {
		t.Errorf("frames sent = %d, want 0", n)
	}
}

type pollCounter struct {
	*gateway.Gateway
	mu    sync.Mutex
	polls int
}

func (p *pollCounter) TriggerPoll() {
	p.mu.Lock()
	p.polls++
	p.mu.Unlock()
}

func TestBridge_PollAll(t *testing.T) {
	gw, _ := newTestGateway(t)
	core := &pollCounter{Gateway: gw}
	f := newFakeBroker("algodomo")
	b := NewBridge(f, core, gw.Config().MQTT)

	b.OnMessage(context.Background(), "algodomo/poll_all/set", []byte("1"))
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.polls != 1 {
		t.Errorf("polls = %d, want 1", core.polls)
	}
}

func TestBridge_PublishStateSkipsUnchanged(t *testing.T) {
	gw, _ := newTestGateway(t)
	f := newFakeBroker("algodomo")
	b := NewBridge(f, gw, gw.Config().MQTT)

	st := state.EntityState{ID: "living-c1", Kind: domo.KindLight, Light: &state.LightState{On: true}, Known: true, Availability: domo.AvailabilityOK}
	b.PublishState(context.Background(), st)
	b.PublishState(context.Background(), st)
	if n := f.count("algodomo/living/ch1/state"); n != 1 {
		t.Errorf("state publishes = %d, want 1", n)
	}

	setBoardAvailability(t, gw, 1, domo.AvailabilityUnreachable)
	b.PublishState(context.Background(), st)
	if got, _ := f.last("algodomo/living/availability"); got != "offline" {
		t.Errorf("availability = %q, want offline", got)
	}
}

func setBoardAvailability(t *testing.T, gw *gateway.Gateway, addr byte, a domo.Availability) {
	t.Helper()
	_, err := gw.Cache().UpdateBoard(addr, func(bs state.BoardStatus) state.BoardStatus {
		bs.Availability = a
		return bs
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
}

func TestBridge_AvailabilityFollowsBoard(t *testing.T) {
	gw, _ := newTestGateway(t)
	f := newFakeBroker("algodomo")
	b := NewBridge(f, gw, gw.Config().MQTT)
	setBoardAvailability(t, gw, 1, domo.AvailabilityUnreachable)

	// one channel answered a command while its siblings are still unreachable
	ok := state.EntityState{ID: "living-c1", Kind: domo.KindLight, Light: &state.LightState{On: true}, Known: true, Availability: domo.AvailabilityOK}
	down := state.EntityState{ID: "living-c2", Kind: domo.KindLight, Light: &state.LightState{}, Known: true, Availability: domo.AvailabilityUnreachable}
	for i := 0; i < 3; i++ {
		b.PublishState(context.Background(), ok)
		b.PublishState(context.Background(), down)
	}
	if n := f.count("algodomo/living/availability"); n != 1 {
		t.Errorf("availability publishes = %d, want 1", n)
	}
	if got, _ := f.last("algodomo/living/availability"); got != "offline" {
		t.Errorf("availability = %q, want offline", got)
	}

	setBoardAvailability(t, gw, 1, domo.AvailabilityOK)
	b.PublishState(context.Background(), ok)
	if got, _ := f.last("algodomo/living/availability"); got != "online" {
		t.Errorf("availability = %q after recovery, want online", got)
	}
}

func TestBridge_HeartbeatResends(t *testing.T) {
	gw, _ := newTestGateway(t)
	f := newFakeBroker("algodomo")
	cfg := gw.Config().MQTT
	cfg.HeartbeatSec = 0
	b := NewBridge(f, gw, cfg)
	b.heartbeat = 20 * time.Millisecond

	st := state.EntityState{ID: "blinds-c1", Kind: domo.KindShutter, Shutter: &state.ShutterState{Direction: domo.DirectionDown}, Known: true}
	b.PublishState(context.Background(), st)
	time.Sleep(30 * time.Millisecond)
	b.PublishState(context.Background(), st)
	if n := f.count("algodomo/blinds/ch1/state"); n != 2 {
		t.Errorf("state publishes = %d, want 2", n)
	}
}

func TestBridge_OfflineOnShutdown(t *testing.T) {
	gw, _ := newTestGateway(t)
	f := newFakeBroker("algodomo")
	b := NewBridge(f, gw, gw.Config().MQTT)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	for f.subscriptions() < 5 {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got, _ := f.last("algodomo/bridge/status"); got != "offline" {
		t.Errorf("bridge status = %q, want offline", got)
	}
}

func TestCommandFor(t *testing.T) {
	tests := []struct {
		kind    domo.Kind
		tail    string
		payload string
		action  string
		param   string
		ok      bool
	}{
		{domo.KindLight, "set", "ON", domo.ActionOn, "", true},
		{domo.KindLight, "set", "true", domo.ActionOn, "", true},
		{domo.KindLight, "set", "OFF", domo.ActionOff, "", true},
		{domo.KindLight, "set", "TOGGLE", domo.ActionToggle, "", true},
		{domo.KindShutter, "set", "OPEN", domo.ActionUp, "", true},
		{domo.KindShutter, "set", "down", domo.ActionDown, "", true},
		{domo.KindShutter, "set", "whatever", domo.ActionStop, "", true},
		{domo.KindThermostat, "setpoint/set", "21.5", domo.ActionSet, "21.5", true},
		{domo.KindThermostat, "mode/set", "COOL", domo.ActionMode, "summer", true},
		{domo.KindThermostat, "mode/set", "WINTER", domo.ActionMode, "winter", true},
		{domo.KindThermostat, "power/set", "1", domo.ActionPower, "on", true},
		{domo.KindThermostat, "set", "ON", "", "", false},
		{domo.KindLight, "power/set", "ON", "", "", false},
	}
	for _, tc := range tests {
		action, params, ok := commandFor(tc.kind, tc.tail, tc.payload)
		if ok != tc.ok || action != tc.action {
			t.Errorf("%s %s %q: got (%q, %v), want (%q, %v)", tc.kind, tc.tail, tc.payload, action, ok, tc.action, tc.ok)
			continue
		}
		if tc.param != "" {
			var got string
			for _, v := range params {
				got = v
			}
			if got != tc.param {
				t.Errorf("%s %s %q: param %q, want %q", tc.kind, tc.tail, tc.payload, got, tc.param)
			}
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"living":       "living",
		"Living Room":  "living-room",
		" __x__ ":      "__x__",
		"a/b+c#":       "a-b-c",
		"---":          "board",
		"Sala_1-piano": "sala_1-piano",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
