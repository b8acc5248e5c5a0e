package poller

import (
	"context"
	"time"

	"github.com/fisaks/algodomo/internal/protocol"
)

type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

// Transactor is the part of transport.Bus the scheduler polls through.
type Transactor interface {
	Transact(ctx context.Context, f protocol.Frame, timeout time.Duration) (protocol.Frame, error)
	Dialect() protocol.Dialect
}

// PollResult is the outcome of polling one address in a cycle.
type PollResult struct {
	Address byte                 `json:"address"`
	Status  *protocol.PollStatus `json:"status,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	UnreachableAfter int
}

const (
	DefaultInterval         = 5 * time.Second
	DefaultUnreachableAfter = 5
)
