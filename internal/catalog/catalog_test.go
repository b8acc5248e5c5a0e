package catalog

import (
	"encoding/json"
	"testing"

	"github.com/fisaks/algodomo/internal/config"
)

func testConfig(t *testing.T) *config.GatewayConfig {
	t.Helper()
	off := false
	cfg := &config.GatewayConfig{
		Bus: config.BusConfig{Name: "rs485", Port: "/dev/ttyUSB0", Dialect: "serial"},
		Boards: []config.BoardConfig{
			{ID: "kitchen", Name: "Kitchen", Address: 1, Kind: "light", ChannelStart: 1, ChannelEnd: 3,
				Channels: []config.ChannelConfig{{Channel: 2, Name: "Island", Room: "Kitchen"}},
				Inputs: []config.InputConfig{
					{Index: 1, Opcode: 0x51, Channel: 1, Action: 0x41},
					{Index: 2, Opcode: 0x51, Channel: 2, Action: 0x41, Enabled: &off},
				}},
			{ID: "heat", Name: "Heat", Address: 5, Kind: "thermostat", ChannelStart: 1, ChannelEnd: 1},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestCatalog_Build(t *testing.T) {
	cfg := testConfig(t)
	msg, err := New(func() *config.GatewayConfig { return cfg }, "algodomo/catalog").Build()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Bus != "rs485" || len(msg.Boards) != 2 {
		t.Fatalf("catalog = %+v", msg)
	}
	k := msg.Boards[0]
	if k.Kind != "light" || len(k.Channels) != 3 || k.Inputs != 1 {
		t.Errorf("kitchen = %+v", k)
	}
	if c := k.Channels[1]; c.Entity != "kitchen-c2" || c.Name != "Island" || c.Room != "Kitchen" {
		t.Errorf("channel 2 = %+v", c)
	}
	if c := k.Channels[0]; c.Name != "Kitchen 1" {
		t.Errorf("default channel name = %q", c.Name)
	}
}

func TestCatalog_OnConnectPublish(t *testing.T) {
	cfg := testConfig(t)
	reqs, err := New(func() *config.GatewayConfig { return cfg }, "algodomo/catalog").OnConnectPublish()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Topic != "algodomo/catalog" || !reqs[0].Retain {
		t.Fatalf("requests = %+v", reqs)
	}
	data, err := json.Marshal(reqs[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Boards[1].Address != 5 {
		t.Errorf("heat address = %d", back.Boards[1].Address)
	}
}

func TestCatalog_NoConfig(t *testing.T) {
	if _, err := New(func() *config.GatewayConfig { return nil }, "x").OnConnectPublish(); err == nil {
		t.Error("expected an error without config")
	}
}
