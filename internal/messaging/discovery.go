package messaging

import (
	"strconv"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/domo"
)

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// haEntity is the union of the discovery fields used by the components we
// announce; empty fields are omitted.
type haEntity struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadOpen       string   `json:"payload_open,omitempty"`
	PayloadClose      string   `json:"payload_close,omitempty"`
	PayloadStop       string   `json:"payload_stop,omitempty"`
	StateOpening      string   `json:"state_opening,omitempty"`
	StateClosing      string   `json:"state_closing,omitempty"`
	StateStopped      string   `json:"state_stopped,omitempty"`
	Unit              string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Step              float64  `json:"step,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Options           []string `json:"options,omitempty"`
	Device            haDevice `json:"device"`
}

// Discovery builds the retained Home Assistant config messages for every
// configured channel.
func (b *Bridge) Discovery() []PublishRequest {
	var out []PublishRequest
	for _, bd := range b.core.Config().Boards {
		out = append(out, b.boardDiscovery(bd)...)
	}
	return out
}

func (b *Bridge) boardDiscovery(bd config.BoardConfig) []PublishRequest {
	slug := Slugify(bd.ID)
	device := haDevice{
		Identifiers:  []string{"algodomo_" + slug},
		Name:         bd.Name,
		Manufacturer: "AlgoDomo",
		Model:        "board-" + string(bd.KindOf()),
	}
	avail := b.broker.Topic(slug, "availability")

	var out []PublishRequest
	announce := func(component, id string, e haEntity) {
		e.UniqueID = id
		e.AvailabilityTopic = avail
		e.Device = device
		out = append(out, PublishRequest{
			Topic:   b.discovery + "/" + component + "/" + id + "/config",
			Qos:     b.qos,
			Retain:  true,
			Payload: e,
		})
	}

	for ch := bd.ChannelStart; ch <= bd.ChannelEnd; ch++ {
		id := "algodomo_" + slug + "_ch" + strconv.Itoa(ch)
		name := bd.Channel(ch).Name
		topic := func(leaf ...string) string {
			return b.broker.Topic(append([]string{slug, "ch" + strconv.Itoa(ch)}, leaf...)...)
		}
		switch bd.KindOf() {
		case domo.KindLight:
			announce("switch", id, haEntity{
				Name:         name,
				CommandTopic: topic("set"),
				StateTopic:   topic("state"),
				PayloadOn:    payloadOn,
				PayloadOff:   payloadOff,
			})
		case domo.KindShutter:
			announce("cover", id, haEntity{
				Name:         name,
				CommandTopic: topic("set"),
				StateTopic:   topic("state"),
				PayloadOpen:  "OPEN",
				PayloadClose: "CLOSE",
				PayloadStop:  "STOP",
				StateOpening: "OPENING",
				StateClosing: "CLOSING",
				StateStopped: "STOPPED",
			})
		case domo.KindThermostat:
			announce("sensor", id+"_temperature", haEntity{
				Name:        name + " Temp",
				StateTopic:  topic("temperature", "state"),
				Unit:        "°C",
				DeviceClass: "temperature",
			})
			announce("number", id+"_setpoint", haEntity{
				Name:         name + " Set",
				CommandTopic: topic("setpoint", "set"),
				StateTopic:   topic("setpoint", "state"),
				Min:          ptr(5),
				Max:          ptr(30),
				Step:         0.5,
				Mode:         "box",
				Unit:         "°C",
			})
			announce("select", id+"_mode", haEntity{
				Name:         name + " Mode",
				CommandTopic: topic("mode", "set"),
				StateTopic:   topic("mode", "state"),
				Options:      []string{"WINTER", "SUMMER"},
			})
			announce("switch", id+"_power", haEntity{
				Name:         name + " Power",
				CommandTopic: topic("power", "set"),
				StateTopic:   topic("power", "state"),
				PayloadOn:    payloadOn,
				PayloadOff:   payloadOff,
			})
		}
	}
	return out
}

func ptr(v float64) *float64 { return &v }
