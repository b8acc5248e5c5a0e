package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/algodomo/internal/logging"
)

type BrokerConfig struct {
	BrokerURL        string
	ClientID         string
	Username         string
	Password         string
	TopicPrefix      string
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	// Will is published retained by the broker when the connection drops.
	WillTopic   string
	WillPayload string
}

type subEntry struct {
	qos     QoS
	handler Handler
}

type MsgBroker struct {
	config    BrokerConfig
	client    mqtt.Client
	mu        sync.RWMutex
	subs      map[string]subEntry
	onConnect map[string]OnConnectPublisher
	order     []string
}

func NewMsgBroker(cfg BrokerConfig) *MsgBroker {
	return &MsgBroker{
		config:    cfg,
		subs:      make(map[string]subEntry),
		onConnect: make(map[string]OnConnectPublisher),
	}
}

// SetWill sets the last will; it takes effect on the next Connect.
func (b *MsgBroker) SetWill(topic, payload string) {
	b.config.WillTopic = topic
	b.config.WillPayload = payload
}

func (b *MsgBroker) Topic(parts ...string) string {
	all := parts
	if p := strings.Trim(b.config.TopicPrefix, "/"); p != "" {
		all = append([]string{p}, parts...)
	}
	return strings.Join(all, "/")
}

func (b *MsgBroker) Connect(ctx context.Context) error {
	if b.client == nil {
		b.client = mqtt.NewClient(b.optionsFromConfig())
	}
	if b.client.IsConnected() {
		return nil
	}

	t := b.client.Connect()
	timeout := b.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-t.Done():
		return t.Error()
	case <-time.After(timeout):
		b.client.Disconnect(250)
		return fmt.Errorf("connect timeout after %v", timeout)
	case <-ctx.Done():
		b.client.Disconnect(250)
		return ctx.Err()
	}
}

func (b *MsgBroker) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.config.BrokerURL)
	opts.SetClientID(b.config.ClientID)
	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}
	if b.config.WillTopic != "" {
		opts.SetWill(b.config.WillTopic, b.config.WillPayload, byte(AtLeastOnce), true)
	}
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(c mqtt.Client) {
		logging.Info("MQTT connected", "clientId", b.config.ClientID, "broker", b.config.BrokerURL)
		b.resubscribe()
		b.onConnectPublisher()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.Warn("MQTT connection lost", "clientId", b.config.ClientID, "error", err)
	}
	return opts
}

func (b *MsgBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.onConnect[id]; !ok {
		b.order = append(b.order, id)
	}
	b.onConnect[id] = fn
}

func (b *MsgBroker) onConnectPublisher() {
	b.mu.RLock()
	ids := append([]string(nil), b.order...)
	funcs := make([]OnConnectPublisher, len(ids))
	for i, id := range ids {
		funcs[i] = b.onConnect[id]
	}
	b.mu.RUnlock()

	for i, fn := range funcs {
		reqs, err := fn()
		if err != nil {
			logging.Error("onConnectPublisher failed", "clientId", b.config.ClientID, "id", ids[i], "error", err)
			continue
		}
		for _, req := range reqs {
			ctx := req.Context
			if ctx == nil {
				ctx = context.Background()
			}
			var pubErr error
			if req.PayloadBytes == nil {
				pubErr = b.PublishJSON(ctx, req.Topic, req.Qos, req.Retain, req.Payload)
			} else {
				pubErr = b.Publish(ctx, req.Topic, req.Qos, req.Retain, req.PayloadBytes)
			}
			if pubErr != nil {
				logging.Error("onConnect publish failed", "clientId", b.config.ClientID, "id", ids[i], "topic", req.Topic, "error", pubErr)
			}
		}
	}
}

// resubscribe restores subscriptions after a clean-session reconnect.
func (b *MsgBroker) resubscribe() {
	b.mu.RLock()
	subs := make(map[string]subEntry, len(b.subs))
	for k, v := range b.subs {
		subs[k] = v
	}
	b.mu.RUnlock()
	for topic, s := range subs {
		b.client.Subscribe(topic, byte(s.qos), b.wrap(context.Background(), s.handler))
	}
}

func (b *MsgBroker) IsConnected() bool {
	if b.client == nil {
		return false
	}
	return b.client.IsConnected()
}

func (b *MsgBroker) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	// Graceful disconnect with short timeout
	done := make(chan struct{})
	go func() {
		// 250 ms quiesce period
		b.client.Disconnect(250)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	if b.client == nil {
		return errors.New("client not initialized")
	}
	qosByte, wait := qosToByte(qos)
	token := b.client.Publish(topic, qosByte, retain, payload)
	if !wait {
		return nil
	}
	timeout := b.config.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("publish timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func qosToByte(qos QoS) (byte, bool) {
	if qos > 2 {
		return 0, false
	}
	return byte(qos), true
}

func (b *MsgBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

// wrap converts a paho message to our handler and logs panics without crashing
func (b *MsgBroker) wrap(ctx context.Context, handler Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("mqtt handler panic", "clientId", b.config.ClientID, "topic", msg.Topic(), "err", r)
				}
			}()
			handler(ctx, msg.Topic(), msg.Payload())
		}()
	}
}

// Subscribe registers handler and waits for SUBACK with timeout
func (b *MsgBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler Handler) (Subscription, error) {
	if b.client == nil {
		return nil, errors.New("client not initialized")
	}
	qos = min(qos, ExactlyOnce)
	token := b.client.Subscribe(topic, byte(qos), b.wrap(ctx, handler))

	timeout := b.config.SubscribeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.subs[topic] = subEntry{qos: qos, handler: handler}
		b.mu.Unlock()

		return &msgSubscription{broker: b, topic: topic}, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("subscribe timeout for %s", topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscription wrapper
type msgSubscription struct {
	broker *MsgBroker
	topic  string
}

func (s *msgSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.topic)
	b.mu.Unlock()
	token := b.client.Unsubscribe(s.topic)
	timeout := 3 * time.Second
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("unsubscribe timeout for %s", s.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}
