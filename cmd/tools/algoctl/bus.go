package main

import (
	"context"
	"errors"
	"time"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/gateway"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/transport"
)

// busSettings resolves the connection flags, falling back to --config.
func busSettings() (config.BusConfig, error) {
	var bc config.BusConfig
	if configPath != "" {
		cfg, err := config.LoadGatewayConfig(configPath)
		if err != nil {
			return bc, err
		}
		bc = cfg.Bus
	}
	switch {
	case portName != "":
		bc.Type, bc.Port, bc.Baud, bc.Dialect = "serial", portName, baudRate, ""
	case tcpAddr != "":
		bc.Type, bc.TCPAddr, bc.Dialect = "tcp", tcpAddr, ""
	case configPath == "":
		return bc, errors.New("one of --port, --tcp or --config is required")
	}
	if dialect != "" {
		bc.Dialect = dialect
	}
	bc.TimeoutMs = timeoutMs
	bc.Debug = bc.Debug || debug
	if bc.Name == "" {
		bc.Name = "algoctl"
	}
	if bc.Dialect == "" {
		bc.Dialect = protocol.Serial.Name
		if bc.Type == "tcp" {
			bc.Dialect = protocol.Gateway.Name
		}
	}
	if bc.DataBits == 0 {
		bc.DataBits = 8
	}
	if bc.StopBits == 0 {
		bc.StopBits = 1
	}
	if bc.Parity == "" {
		bc.Parity = "N"
	}
	if bc.ReadSliceMs <= 0 {
		bc.ReadSliceMs = 20
	}
	return bc, nil
}

// openBus starts a bus owner goroutine; stop cancels it and waits.
func openBus(ctx context.Context) (*transport.Bus, func(), error) {
	bc, err := busSettings()
	if err != nil {
		return nil, nil, err
	}
	d, err := protocol.DialectByName(bc.Dialect)
	if err != nil {
		return nil, nil, err
	}
	opener, err := gateway.OpenerFor(bc)
	if err != nil {
		return nil, nil, err
	}
	cfg := transport.Config{
		Name:                bc.Name,
		Dialect:             d,
		Opener:              opener,
		Timeout:             bc.Timeout(),
		SettleBeforeRequest: bc.SettleBeforeRequest(),
		SettleAfterWrite:    bc.SettleAfterWrite(),
	}
	if bc.Debug {
		logging.SetLevel("debug")
		cfg.Trace = logging.WrapSlog("bus", bc.Name)
	}
	bus := transport.NewBus(cfg)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		bus.Run(runCtx)
		close(done)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	return bus, stop, nil
}
