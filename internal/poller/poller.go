package poller

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/state"
)

// Scheduler polls every target board on a fixed period and folds the
// replies into the state cache.
type Scheduler struct {
	bus   Transactor
	cache *state.Cache
	cfg   Config

	mu      sync.Mutex
	targets []byte

	pollCh chan ZeroSignal
	now    func() time.Time
}

func NewScheduler(bus Transactor, cache *state.Cache, targets []byte, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.UnreachableAfter <= 0 {
		cfg.UnreachableAfter = DefaultUnreachableAfter
	}
	return &Scheduler{
		bus:     bus,
		cache:   cache,
		cfg:     cfg,
		targets: slices.Clone(targets),
		pollCh:  make(chan ZeroSignal, 1),
		now:     time.Now,
	}
}

// SetTargets replaces the polled addresses; the running cycle keeps its list.
func (p *Scheduler) SetTargets(targets []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = slices.Clone(targets)
}

func (p *Scheduler) Targets() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.targets)
}

// Trigger requests a cycle as soon as the current one ends. Requests made
// while one is pending collapse into it.
func (p *Scheduler) Trigger() {
	select {
	case p.pollCh <- Zero: // drop if one is queued
	default:
	}
}

// Run polls until ctx is done. The first cycle starts immediately.
func (p *Scheduler) Run(ctx context.Context) {
	go func() {
		t := time.NewTicker(p.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p.Trigger()
			}
		}
	}()
	logging.Info("Poller started", "poll", p.cfg.Interval.Milliseconds(), "boards", len(p.Targets()), "unreachableAfter", p.cfg.UnreachableAfter)
	p.Trigger()

	for {
		select {
		case <-ctx.Done():
			logging.Info("Poller stopped")
			return
		case <-p.pollCh:
			p.PollAll(ctx)
		}
	}
}

// PollAll runs one cycle over every target. Failures are recorded in the
// cache and reported in the results, never returned.
func (p *Scheduler) PollAll(ctx context.Context) []PollResult {
	targets := p.Targets()
	out := make([]PollResult, 0, len(targets))
	for _, addr := range targets {
		if ctx.Err() != nil {
			break
		}
		res := PollResult{Address: addr}
		st, err := p.PollOne(ctx, addr)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Status = &st
		}
		out = append(out, res)
	}
	return out
}

// PollOne polls a single address through the same path as a cycle. It does
// not touch the schedule. A failed exchange is reported as
// errcode.DeviceUnreachable wrapping the bus error.
func (p *Scheduler) PollOne(ctx context.Context, addr byte) (protocol.PollStatus, error) {
	req, err := p.bus.Dialect().Encode(addr, protocol.OpPoll)
	if err != nil {
		return protocol.PollStatus{}, err
	}
	reply, err := p.bus.Transact(ctx, req, p.cfg.Timeout)
	if err == nil && reply.Opcode() != protocol.OpPoll {
		err = errcode.New(errcode.InvalidReply, "poll", fmt.Sprintf("opcode 0x%02X in reply", reply.Opcode()))
	}
	if err != nil {
		p.recordFailure(addr, err)
		return protocol.PollStatus{}, errcode.Wrap(errcode.DeviceUnreachable, "poll", err)
	}
	st := protocol.DecodePoll(reply)
	p.recordSuccess(addr, st)
	return st, nil
}

func (p *Scheduler) recordFailure(addr byte, cause error) {
	now := p.now()
	var failures int
	reached := false
	_, err := p.cache.UpdateBoard(addr,
		func(bs state.BoardStatus) state.BoardStatus {
			bs.Failures++
			bs.LastPoll = now
			bs.LastError = cause.Error()
			failures = bs.Failures
			if bs.Failures >= p.cfg.UnreachableAfter {
				if bs.Availability != domo.AvailabilityUnreachable {
					logging.Warn("Board unreachable", "address", addr, "failures", bs.Failures, "error", cause)
				}
				bs.Availability = domo.AvailabilityUnreachable
				reached = true
			}
			return bs
		},
		func(_ state.Entity, s state.EntityState) state.EntityState {
			if reached {
				s.Availability = domo.AvailabilityUnreachable
			}
			return s
		})
	if err != nil {
		// not a configured board; nothing to record
		return
	}
	logging.Debug("Poll failed", "address", addr, "failures", failures, "error", cause)
}

func (p *Scheduler) recordSuccess(addr byte, st protocol.PollStatus) {
	now := p.now()
	// unconfigured addresses have no cache entry and are ignored
	_, _ = p.cache.UpdateBoard(addr,
		func(bs state.BoardStatus) state.BoardStatus {
			if bs.Availability == domo.AvailabilityUnreachable {
				logging.Info("Board reachable again", "address", addr)
			}
			bs.Availability = domo.AvailabilityOK
			bs.Failures = 0
			bs.LastPoll = now
			bs.LastSuccess = now
			bs.LastError = ""
			bs.Poll = &st
			return bs
		},
		func(e state.Entity, s state.EntityState) state.EntityState {
			s.Availability = domo.AvailabilityOK
			switch e.Kind {
			case domo.KindLight:
				s.Light.On = st.Output(e.Channel)
				s.Known = true
			case domo.KindThermostat:
				s.Thermostat.Temperature = state.Float(st.Temperature)
				s.Thermostat.BoardSetpoint = state.Float(float64(st.Setpoint))
				if s.Thermostat.Setpoint == nil {
					s.Thermostat.Setpoint = state.Float(float64(st.Setpoint))
				}
				s.Known = true
			}
			return s
		})
}
