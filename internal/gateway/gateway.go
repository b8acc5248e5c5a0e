// Package gateway wires the bus, cache, dispatcher, poller and programming
// controller for one configured bus and is the single entry point the HTTP
// API, the MQTT bridge and the CLI use.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/dispatch"
	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/poller"
	"github.com/fisaks/algodomo/internal/program"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/state"
	"github.com/fisaks/algodomo/internal/transport"
)

type Gateway struct {
	mu  sync.RWMutex
	cfg *config.GatewayConfig

	bus        *transport.Bus
	cache      *state.Cache
	dispatcher *dispatch.Dispatcher
	poller     *poller.Scheduler
	program    *program.Controller

	// unix nanoseconds; Run stores it while HTTP handlers read it
	started atomic.Int64
}

// OpenerFor builds the port opener described by the bus section.
func OpenerFor(b config.BusConfig) (transport.Opener, error) {
	switch b.Type {
	case "serial":
		return transport.NewSerialOpener(b.Port, b.Baud, b.DataBits, b.StopBits, b.Parity, b.ReadSlice()), nil
	case "tcp":
		return &transport.TCPOpener{Addr: b.TCPAddr, DialTimeout: 5 * time.Second, ReadSlice: b.ReadSlice()}, nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", b.Type)
	}
}

// New builds a gateway for a validated config. A nil opener means the one
// described by cfg.Bus.
func New(cfg *config.GatewayConfig, opener transport.Opener) (*Gateway, error) {
	dialect, err := protocol.DialectByName(cfg.Bus.Dialect)
	if err != nil {
		return nil, err
	}
	if opener == nil {
		if opener, err = OpenerFor(cfg.Bus); err != nil {
			return nil, err
		}
	}
	busCfg := transport.Config{
		Name:                cfg.Bus.Name,
		Dialect:             dialect,
		Opener:              opener,
		Timeout:             cfg.Bus.Timeout(),
		SettleBeforeRequest: cfg.Bus.SettleBeforeRequest(),
		SettleAfterWrite:    cfg.Bus.SettleAfterWrite(),
		QueueSize:           cfg.Bus.QueueSize,
	}
	if cfg.Bus.Debug {
		busCfg.Trace = logging.WrapSlog("bus", cfg.Bus.Name)
	}
	bus := transport.NewBus(busCfg)

	cache := state.NewCache(Entities(cfg))
	seedSetpoints(cache, cfg)

	g := &Gateway{
		cfg:   cfg,
		bus:   bus,
		cache: cache,
		dispatcher: dispatch.New(bus, cache, dispatch.Config{
			Timeout: cfg.Dispatch.Timeout(),
			Retries: cfg.Dispatch.RetryCount(),
		}),
		poller: poller.NewScheduler(bus, cache, cfg.Addresses(), poller.Config{
			Interval:         cfg.Poll.Interval(),
			Timeout:          cfg.Poll.Timeout(),
			UnreachableAfter: cfg.Poll.UnreachableAfter,
		}),
		program: program.NewController(bus, 0),
	}
	return g, nil
}

// Entities expands every board's channel range into cache entities.
func Entities(cfg *config.GatewayConfig) []state.Entity {
	var out []state.Entity
	for _, b := range cfg.Boards {
		for ch := b.ChannelStart; ch <= b.ChannelEnd; ch++ {
			out = append(out, state.Entity{
				ID:      domo.EntityID(b.ID, ch),
				BoardID: b.ID,
				Kind:    b.KindOf(),
				Address: byte(b.Address),
				Channel: ch,
			})
		}
	}
	return out
}

// seedSetpoints gives thermostats their configured default setpoint until a
// command or poll replaces it.
func seedSetpoints(cache *state.Cache, cfg *config.GatewayConfig) {
	for _, b := range cfg.Boards {
		if b.KindOf() != domo.KindThermostat || b.Setpoint == nil {
			continue
		}
		sp := *b.Setpoint
		for _, id := range b.EntityIDs() {
			_, _ = cache.Update(id, func(s state.EntityState) state.EntityState {
				if s.Thermostat.Setpoint == nil {
					s.Thermostat.Setpoint = state.Float(sp)
				}
				return s
			})
		}
	}
}

// Run starts the bus owner and, unless disabled, the poll scheduler. It
// returns when ctx is done and the bus is closed.
func (g *Gateway) Run(ctx context.Context) {
	g.started.Store(time.Now().UnixNano())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.bus.Run(ctx)
	}()
	if !g.Config().Poll.Disabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.poller.Run(ctx)
		}()
	}
	<-ctx.Done()
	g.dispatcher.Close()
	wg.Wait()
}

func (g *Gateway) Cache() *state.Cache { return g.cache }
func (g *Gateway) Bus() *transport.Bus { return g.bus }

// Config returns the current config; callers must not modify it.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

func (g *Gateway) Dispatch(ctx context.Context, entityID, action string, params domo.Params) (state.EntityState, error) {
	return g.dispatcher.Dispatch(ctx, entityID, action, params)
}

func (g *Gateway) PollOne(ctx context.Context, address byte) (protocol.PollStatus, error) {
	return g.poller.PollOne(ctx, address)
}

func (g *Gateway) PollAll(ctx context.Context) []poller.PollResult {
	return g.poller.PollAll(ctx)
}

// TriggerPoll asks the scheduler for an early cycle.
func (g *Gateway) TriggerPoll() { g.poller.Trigger() }

// ProgramAddress assigns newAddress to the board in programming mode. The
// board config is left as is.
func (g *Gateway) ProgramAddress(ctx context.Context, newAddress byte) (program.Result, error) {
	return g.program.Program(ctx, newAddress)
}

func (g *Gateway) ReadCache(entityID string) (state.EntityState, bool) {
	return g.cache.Get(entityID)
}

// ResolveEntity finds the entity of kind on board address and channel,
// for callers that address devices the way the boards do.
func (g *Gateway) ResolveEntity(kind domo.Kind, address byte, channel int) (string, error) {
	for _, e := range g.cache.EntitiesAt(address) {
		if e.Kind == kind && (e.Channel == channel || channel == 0) {
			return e.ID, nil
		}
	}
	return "", errcode.New(errcode.UnknownEntity, "resolve", fmt.Sprintf("no %s at address %d channel %d", kind, address, channel))
}

// ApplyInputs programs the input mappings of the boards matching boardID
// and/or address; empty filters match every board.
func (g *Gateway) ApplyInputs(ctx context.Context, boardID string, address *byte) ([]dispatch.InputResult, error) {
	var targets []config.BoardConfig
	for _, b := range g.Config().Boards {
		if boardID != "" && b.ID != boardID {
			continue
		}
		if address != nil && b.Address != int(*address) {
			continue
		}
		targets = append(targets, b)
	}
	if len(targets) == 0 {
		return nil, errcode.New(errcode.UnknownEntity, "apply-inputs", "no matching board")
	}
	return g.dispatcher.ApplyInputs(ctx, targets)
}

// Reconfigure swaps the board set. Boards that kept their id but moved to a
// new address carry their poll status along. Bus settings are not reloaded.
func (g *Gateway) Reconfigure(cfg *config.GatewayConfig) error {
	if err := cfg.Validate(); err != nil {
		return errcode.Wrap(errcode.InvalidParams, "reconfigure", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !strings.EqualFold(cfg.Bus.Dialect, g.cfg.Bus.Dialect) || cfg.Bus.Port != g.cfg.Bus.Port || cfg.Bus.TCPAddr != g.cfg.Bus.TCPAddr {
		logging.Warn("Bus settings changed; restart to apply them", "bus", g.cfg.Bus.Name)
	}
	for _, nb := range cfg.Boards {
		if ob, ok := g.cfg.BoardByID(nb.ID); ok && ob.Address != nb.Address {
			if err := g.cache.RekeyBoard(byte(ob.Address), byte(nb.Address)); err != nil {
				logging.Warn("Board rekey skipped", "board", nb.ID, "from", ob.Address, "to", nb.Address, "error", err)
			}
		}
	}
	g.cache.Reconfigure(Entities(cfg))
	seedSetpoints(g.cache, cfg)
	g.poller.SetTargets(cfg.Addresses())
	g.cfg = cfg
	logging.Info("Configuration applied", "boards", len(cfg.Boards), "entities", g.cache.EntityCount())
	return nil
}
