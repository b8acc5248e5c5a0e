package messaging

import "context"

type QoS byte

const (
	AtMostOnce    QoS = 0
	FireAndForget QoS = 0
	AtLeastOnce   QoS = 1
	ExactlyOnce   QoS = 2
	AsyncNoWait   QoS = 3 // not a real QoS, will switch to 0 on publish but not wait on returned token
)

// Subscription is returned when you Subscribe you can Unsubscribe later.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

type Handler func(ctx context.Context, topic string, payload []byte)

type Broker interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error
	PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error
	Subscribe(ctx context.Context, topic string, qos QoS, handler Handler) (Subscription, error)
	AddOnConnectPublisher(id string, fn OnConnectPublisher)
	IsConnected() bool
	// Topic joins parts below the configured topic prefix.
	Topic(parts ...string) string
}

// PublishRequest is one message produced by an OnConnectPublisher.
// Payload is marshalled as JSON unless PayloadBytes is set.
type PublishRequest struct {
	// If Context is nil, context.Background() is used
	Context      context.Context
	Topic        string
	Qos          QoS
	Retain       bool
	PayloadBytes []byte
	Payload      any
}

// OnConnectPublisher runs after every (re)connect, in registration order.
type OnConnectPublisher func() ([]PublishRequest, error)
