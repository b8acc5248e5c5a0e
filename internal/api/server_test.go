package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/gateway"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/sim"
	"github.com/fisaks/algodomo/internal/transport"
	"github.com/gorilla/websocket"
)

const testToken = "s3cret"

func newTestServer(t *testing.T) (*httptest.Server, *sim.Network) {
	t.Helper()
	cfg := &config.GatewayConfig{
		Bus:  config.BusConfig{Port: "/dev/null", TimeoutMs: 40},
		Poll: config.PollConfig{Disabled: true},
		HTTP: config.HTTPConfig{APIToken: testToken},
		Boards: []config.BoardConfig{
			{ID: "living", Address: 1, Kind: "light", ChannelStart: 1, ChannelEnd: 4},
			{ID: "blinds", Address: 2, Kind: "shutter", ChannelStart: 1, ChannelEnd: 2},
			{ID: "heat", Address: 3, Kind: "thermostat", ChannelStart: 1, ChannelEnd: 1},
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

	srv := httptest.NewServer(NewServer(gw, testToken).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv, net
}

func get(t *testing.T, srv *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
	return resp.StatusCode, body
}

func TestHealthNeedsNoToken(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv, "/health")
	if code != http.StatusOK || body["ok"] != true {
		t.Errorf("health = %d %v", code, body)
	}
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	if code, _ := get(t, srv, "/api/system"); code != http.StatusUnauthorized {
		t.Errorf("no token: %d", code)
	}
	if code, _ := get(t, srv, "/api/system?token=wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d", code)
	}
	if code, _ := get(t, srv, "/api/system?token="+testToken); code != http.StatusOK {
		t.Errorf("query token: %d", code)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/system", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer token: %d", resp.StatusCode)
	}

	if code, _ := get(t, srv, "/api/nope?token="+testToken); code != http.StatusNotFound {
		t.Errorf("unknown endpoint: %d", code)
	}
}

func TestLightCommand(t *testing.T) {
	srv, net := newTestServer(t)

	code, body := get(t, srv, "/api/cmd/light?token="+testToken+"&address=1&relay=3&action=on")
	if code != http.StatusOK || body["entity"] != "living-c3" {
		t.Fatalf("light = %d %v", code, body)
	}
	if frames := net.FramesWithOpcode(protocol.OpRelay3); len(frames) != 1 {
		t.Errorf("relay 3 frames = %d", len(frames))
	}

	code, body = get(t, srv, "/api/entities/living-c3?token="+testToken)
	st := body["state"].(map[string]any)
	if code != http.StatusOK || st["light"].(map[string]any)["on"] != true {
		t.Errorf("entity = %d %v", code, body)
	}
}

func TestShutterCommandByID(t *testing.T) {
	srv, net := newTestServer(t)

	code, body := get(t, srv, "/api/cmd/shutter?token="+testToken+"&id=blinds-c2&action=down")
	if code != http.StatusOK {
		t.Fatalf("shutter = %d %v", code, body)
	}
	frames := net.FramesWithOpcode(protocol.OpShutter)
	if len(frames) != 1 || frames[0].G(3) != 2 || frames[0].G(4) != protocol.ShutterDown {
		t.Errorf("frames = %v", frames)
	}
}

func TestThermostatCommand(t *testing.T) {
	srv, net := newTestServer(t)

	code, body := get(t, srv, "/api/cmd/thermostat?token="+testToken+"&address=3&set=22.5&mode=summer")
	if code != http.StatusOK {
		t.Fatalf("thermostat = %d %v", code, body)
	}
	applied := body["applied"].([]any)
	if len(applied) != 2 || applied[0] != domo.ActionSet || applied[1] != domo.ActionMode {
		t.Errorf("applied = %v", applied)
	}
	b, _ := net.Snapshot(3)
	if b.Thermostat.SetpointInt != 22 || b.Thermostat.SetpointTenths != 5 || b.Thermostat.Mode != protocol.ThermostatSummer {
		t.Errorf("board = %+v", b.Thermostat)
	}

	if code, _ := get(t, srv, "/api/cmd/thermostat?token="+testToken+"&address=3"); code != http.StatusBadRequest {
		t.Errorf("no parameters: %d", code)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, net := newTestServer(t)
	net.SetOffline(2, true)

	cases := []struct {
		name string
		path string
		want int
	}{
		{"unknown entity", "/api/cmd/light?id=nope-c1&action=on", http.StatusNotFound},
		{"unknown entity state", "/api/entities/nope-c1", http.StatusNotFound},
		{"bad action", "/api/cmd/light?id=living-c1&action=up", http.StatusBadRequest},
		{"missing action", "/api/cmd/light?id=living-c1", http.StatusBadRequest},
		{"missing relay", "/api/cmd/light?address=1&action=on", http.StatusBadRequest},
		{"bad setpoint", "/api/cmd/thermostat?id=heat-c1&set=hot", http.StatusBadRequest},
		{"wrong kind", "/api/cmd/light?id=blinds-c1&action=on", http.StatusNotFound},
		{"unreachable", "/api/cmd/shutter?id=blinds-c1&action=up", http.StatusGatewayTimeout},
		{"poll timeout", "/api/cmd/poll?address=2", http.StatusGatewayTimeout},
		{"poll bad address", "/api/cmd/poll?address=300", http.StatusBadRequest},
		{"program without address", "/api/cmd/program-address", http.StatusBadRequest},
		{"apply inputs unknown board", "/api/cmd/apply-inputs?board=nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := get(t, srv, tc.path+sep(tc.path)+"token="+testToken)
			if code != tc.want {
				t.Errorf("status = %d, want %d (%v)", code, tc.want, body)
			}
			if body["ok"] != false {
				t.Errorf("ok = %v", body["ok"])
			}
		})
	}
}

func sep(path string) string {
	if strings.Contains(path, "?") {
		return "&"
	}
	return "?"
}

func TestPollAndStatus(t *testing.T) {
	srv, net := newTestServer(t)
	net.Mutate(1, func(b *sim.Board) { b.Status.OutputMask = 0x02 })

	code, body := get(t, srv, "/api/cmd/poll?token="+testToken+"&address=1")
	if code != http.StatusOK {
		t.Fatalf("poll = %d %v", code, body)
	}
	if body["poll"].(map[string]any)["outputMask"] != float64(2) {
		t.Errorf("poll = %v", body["poll"])
	}

	code, body = get(t, srv, "/api/status?token="+testToken+"&refresh=1")
	if code != http.StatusOK || len(body["rooms"].([]any)) != 1 {
		t.Fatalf("status = %d %v", code, body)
	}
	if errs := body["refreshErrors"].([]any); len(errs) != 0 {
		t.Errorf("refresh errors = %v", errs)
	}
}

func TestConfigIsRedacted(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := get(t, srv, "/api/config?token="+testToken)
	if code != http.StatusOK {
		t.Fatalf("config = %d", code)
	}
	httpCfg := body["config"].(map[string]any)["http"]
	if tok := httpCfg.(map[string]any)["apiToken"]; tok != "***" {
		t.Errorf("token leaked: %v", tok)
	}
}

func TestProgramAddress(t *testing.T) {
	srv, net := newTestServer(t)
	net.AddBoard(40)
	net.EnterProgramMode(40)

	code, body := get(t, srv, "/api/cmd/program-address?token="+testToken+"&address=41")
	if code != http.StatusOK || body["programmedAddress"] != float64(41) {
		t.Fatalf("program = %d %v", code, body)
	}
}

func TestWebsocketStream(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + testToken

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snap StreamMessage
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Type != "snapshot" || len(snap.States) != 7 {
		t.Fatalf("snapshot = %s with %d states", snap.Type, len(snap.States))
	}

	if err := conn.WriteJSON(domo.IncomingCommand{ID: "c1", Entity: "living-c2", Action: "on"}); err != nil {
		t.Fatal(err)
	}
	var gotState, gotResult bool
	for !(gotState && gotResult) {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg.Type {
		case "state":
			if msg.State.ID == "living-c2" && msg.State.LightOn() {
				gotState = true
			}
		case "result":
			if msg.ID != "c1" || !msg.OK {
				t.Fatalf("result = %+v", msg)
			}
			gotResult = true
		}
	}
}

var _ Core = (*gateway.Gateway)(nil)
