package gateway

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/poller"
	"github.com/fisaks/algodomo/internal/transport"
)

type SystemInfo struct {
	Bus           string           `json:"bus"`
	Dialect       string           `json:"dialect"`
	Port          string           `json:"port"`
	BusOpen       bool             `json:"busOpen"`
	BoardCount    int              `json:"boardCount"`
	EntityCount   int              `json:"entityCount"`
	Reachable     int              `json:"reachable"`
	Unreachable   int              `json:"unreachable"`
	LastPollAges  map[string]int64 `json:"lastPollAgesMs"` // by address; -1 when never polled
	Stats         transport.Stats  `json:"stats"`
	Programming   string           `json:"programming"`
	PendingPulses int              `json:"pendingPulses"`
	DroppedEvents uint64           `json:"droppedEvents"`
	UptimeSec     int64            `json:"uptimeSec"`
}

func (g *Gateway) SystemInfo() SystemInfo {
	cfg := g.Config()
	now := time.Now()
	info := SystemInfo{
		Bus:           g.bus.Name(),
		Dialect:       g.bus.Dialect().Name,
		Port:          cfg.Bus.Port,
		BusOpen:       g.bus.IsOpen(),
		BoardCount:    len(cfg.Boards),
		EntityCount:   g.cache.EntityCount(),
		LastPollAges:  map[string]int64{},
		Stats:         g.bus.Stats(),
		Programming:   g.program.State().String(),
		PendingPulses: g.dispatcher.PendingPulses(),
		DroppedEvents: g.cache.Dropped(),
	}
	if cfg.Bus.Type == "tcp" {
		info.Port = cfg.Bus.TCPAddr
	}
	if started := g.started.Load(); started != 0 {
		info.UptimeSec = int64(now.Sub(time.Unix(0, started)).Seconds())
	}
	for _, b := range g.cache.Boards() {
		age := int64(-1)
		if !b.LastPoll.IsZero() {
			age = now.Sub(b.LastPoll).Milliseconds()
		}
		info.LastPollAges[strconv.Itoa(int(b.Address))] = age
		switch b.Availability {
		case domo.AvailabilityOK:
			info.Reachable++
		case domo.AvailabilityUnreachable:
			info.Unreachable++
		}
	}
	return info
}

type LightView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Address      int               `json:"address"`
	Relay        int               `json:"relay"`
	IsOn         *bool             `json:"isOn"`
	Availability domo.Availability `json:"availability"`
}

type ShutterView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Address      int               `json:"address"`
	Channel      int               `json:"channel"`
	Action       string            `json:"action"`
	Availability domo.Availability `json:"availability"`
}

type ThermostatView struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Address       int               `json:"address"`
	Temperature   *float64          `json:"temperature"`
	Setpoint      *float64          `json:"setpoint"`
	BoardSetpoint *float64          `json:"boardSetpoint"`
	Power         domo.Power        `json:"power,omitempty"`
	Mode          domo.Mode         `json:"mode,omitempty"`
	Availability  domo.Availability `json:"availability"`
}

type InputView struct {
	BoardID       string `json:"boardId"`
	BoardAddress  int    `json:"boardAddress"`
	Index         int    `json:"index"`
	Name          string `json:"name"`
	Active        *bool  `json:"active"`
	Enabled       bool   `json:"enabled"`
	TargetAddress int    `json:"targetAddress"`
}

type Room struct {
	Name        string           `json:"name"`
	Lights      []LightView      `json:"lights"`
	Shutters    []ShutterView    `json:"shutters"`
	Thermostats []ThermostatView `json:"thermostats"`
	Inputs      []InputView      `json:"inputs"`
}

type StatusView struct {
	UpdatedAt     time.Time           `json:"updatedAt"`
	RefreshErrors []poller.PollResult `json:"refreshErrors"`
	Rooms         []Room              `json:"rooms"`
}

// Status renders the cache grouped by room. With refresh set every board
// is polled first and the failures are listed in RefreshErrors.
func (g *Gateway) Status(ctx context.Context, refresh bool) StatusView {
	view := StatusView{RefreshErrors: []poller.PollResult{}, Rooms: []Room{}}
	if refresh {
		for _, r := range g.poller.PollAll(ctx) {
			if r.Error != "" {
				view.RefreshErrors = append(view.RefreshErrors, r)
			}
		}
	}

	rooms := map[string]*Room{}
	roomOf := func(name string) *Room {
		r, ok := rooms[name]
		if !ok {
			r = &Room{Name: name, Lights: []LightView{}, Shutters: []ShutterView{}, Thermostats: []ThermostatView{}, Inputs: []InputView{}}
			rooms[name] = r
		}
		return r
	}

	for _, b := range g.Config().Boards {
		for ch := b.ChannelStart; ch <= b.ChannelEnd; ch++ {
			c := b.Channel(ch)
			st, ok := g.cache.Get(domo.EntityID(b.ID, ch))
			if !ok {
				continue
			}
			room := roomOf(c.Room)
			switch st.Kind {
			case domo.KindLight:
				lv := LightView{ID: st.ID, Name: c.Name, Address: b.Address, Relay: ch, Availability: st.Availability}
				if st.Known {
					on := st.LightOn()
					lv.IsOn = &on
				}
				room.Lights = append(room.Lights, lv)
			case domo.KindShutter:
				action := string(st.Shutter.Direction)
				if action == "" {
					action = "unknown"
				}
				room.Shutters = append(room.Shutters, ShutterView{ID: st.ID, Name: c.Name, Address: b.Address, Channel: ch, Action: action, Availability: st.Availability})
			case domo.KindThermostat:
				t := st.Thermostat
				room.Thermostats = append(room.Thermostats, ThermostatView{
					ID: st.ID, Name: c.Name, Address: b.Address,
					Temperature: t.Temperature, Setpoint: t.Setpoint, BoardSetpoint: t.BoardSetpoint,
					Power: t.Power, Mode: t.Mode, Availability: st.Availability,
				})
			}
		}

		bs, _ := g.cache.Board(byte(b.Address))
		for _, in := range b.Inputs {
			iv := InputView{
				BoardID:       b.ID,
				BoardAddress:  b.Address,
				Index:         in.Index,
				Name:          in.Name,
				Enabled:       in.IsEnabled(),
				TargetAddress: in.Target(b.Address),
			}
			if bs.Poll != nil {
				active := bs.Poll.InputActive(in.Index)
				iv.Active = &active
			}
			r := roomOf(in.RoomName())
			r.Inputs = append(r.Inputs, iv)
		}
	}

	for _, r := range rooms {
		view.Rooms = append(view.Rooms, *r)
	}
	sort.Slice(view.Rooms, func(i, j int) bool {
		return strings.ToLower(view.Rooms[i].Name) < strings.ToLower(view.Rooms[j].Name)
	})
	view.UpdatedAt = time.Now()
	return view
}
