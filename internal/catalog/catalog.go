package catalog

import (
	"errors"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/messaging"
)

// Message is the retained board inventory published on connect.
type Message struct {
	Bus     string         `json:"bus"`
	Dialect string         `json:"dialect"`
	Boards  []BoardSummary `json:"boards"`
}

type BoardSummary struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Address  int              `json:"address"`
	Kind     string           `json:"kind"`
	Channels []ChannelSummary `json:"channels"`
	Inputs   int              `json:"inputs,omitempty"`
}

type ChannelSummary struct {
	Channel int    `json:"channel"`
	Entity  string `json:"entity"`
	Name    string `json:"name"`
	Room    string `json:"room"`
}

type Catalog struct {
	cfg   func() *config.GatewayConfig
	topic string
}

// New reads the current config through cfg on every publish so a
// reconfigured gateway announces its new board set on the next connect.
func New(cfg func() *config.GatewayConfig, topic string) *Catalog {
	return &Catalog{cfg: cfg, topic: topic}
}

func (c *Catalog) Build() (*Message, error) {
	cfg := c.cfg()
	if cfg == nil {
		return nil, errors.New("catalog: no configuration")
	}
	msg := &Message{Bus: cfg.Bus.Name, Dialect: cfg.Bus.Dialect, Boards: make([]BoardSummary, 0, len(cfg.Boards))}
	for _, b := range cfg.Boards {
		sum := BoardSummary{
			ID:      b.ID,
			Name:    b.Name,
			Address: b.Address,
			Kind:    string(b.KindOf()),
		}
		for ch := b.ChannelStart; ch <= b.ChannelEnd; ch++ {
			cc := b.Channel(ch)
			sum.Channels = append(sum.Channels, ChannelSummary{
				Channel: ch,
				Entity:  domo.EntityID(b.ID, ch),
				Name:    cc.Name,
				Room:    cc.Room,
			})
		}
		for _, in := range b.Inputs {
			if in.IsEnabled() {
				sum.Inputs++
			}
		}
		msg.Boards = append(msg.Boards, sum)
	}
	return msg, nil
}

// OnConnectPublish satisfies messaging.OnConnectPublisher.
func (c *Catalog) OnConnectPublish() ([]messaging.PublishRequest, error) {
	msg, err := c.Build()
	if err != nil {
		return nil, err
	}
	return []messaging.PublishRequest{{
		Topic:   c.topic,
		Qos:     messaging.AtLeastOnce,
		Retain:  true,
		Payload: msg,
	}}, nil
}
