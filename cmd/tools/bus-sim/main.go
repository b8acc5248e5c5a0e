package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fisaks/algodomo/internal/config"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/protocol"
	"github.com/fisaks/algodomo/internal/sim"
	"go.bug.st/serial"
)

func main() {
	var (
		portName   string
		baud       int
		listen     string
		restAddr   string
		dialect    string
		configPath string
	)
	flag.StringVar(&portName, "port", "", "serial device to answer on (e.g. /dev/ttyUSB1)")
	flag.IntVar(&baud, "baud", 9600, "serial baud rate")
	flag.StringVar(&listen, "listen", "", "TCP address to answer on, gateway style (e.g. :5000)")
	flag.StringVar(&restAddr, "rest", ":8081", "REST control address, empty disables")
	flag.StringVar(&dialect, "dialect", "", "frame dialect: serial or gateway (default from config or transport)")
	flag.StringVar(&configPath, "config", os.Getenv("SIM_CONFIG_PATH"), "gateway config whose boards are simulated")
	flag.Parse()

	logging.Init()
	if portName == "" && listen == "" {
		logging.Fatal("bus-sim needs -port or -listen")
	}

	addresses := []byte{1}
	if configPath != "" {
		cfg, err := config.LoadGatewayConfig(configPath)
		if err != nil {
			logging.Fatal("Sim config error", "error", err)
		}
		addresses = cfg.Addresses()
		if dialect == "" {
			dialect = cfg.Bus.Dialect
		}
	}
	if dialect == "" && listen != "" {
		dialect = protocol.Gateway.Name
	}
	d, err := protocol.DialectByName(dialect)
	if err != nil {
		logging.Fatal("Sim dialect", "error", err)
	}

	network := sim.NewNetwork(d)
	for _, a := range addresses {
		network.AddBoard(a)
	}
	logging.Info("Simulated boards ready", "dialect", d.Name, "addresses", addresses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if portName != "" {
		go func() {
			if err := serveSerial(ctx, network, portName, baud); err != nil {
				logging.Fatal("Serial sim stopped", "port", portName, "error", err)
			}
		}()
	}
	if listen != "" {
		go func() {
			if err := serveTCP(ctx, network, listen); err != nil {
				logging.Fatal("TCP sim stopped", "listen", listen, "error", err)
			}
		}()
	}
	if restAddr != "" {
		go func() {
			if err := startRestAPI(ctx, network, restAddr); err != nil {
				logging.Error("REST API stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)
}

func serveSerial(ctx context.Context, network *sim.Network, portName string, baud int) error {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = port.Close()
	}()
	logging.Info("Serial sim listening", "port", portName, "baud", baud)
	return pump(ctx, network, port)
}

// serveTCP answers one client at a time; a new connection takes over the
// replies.
func serveTCP(ctx context.Context, network *sim.Network, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	logging.Info("TCP sim listening", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logging.Info("Client connected", "remote", conn.RemoteAddr().String())
		go func() {
			defer conn.Close()
			if err := pump(ctx, network, conn); err != nil {
				logging.Warn("Client dropped", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// pump feeds everything read from rw into the network and sends its
// replies back on rw.
func pump(ctx context.Context, network *sim.Network, rw io.ReadWriter) error {
	network.SetSink(func(p []byte) {
		if _, err := rw.Write(p); err != nil {
			logging.Warn("Reply write failed", "error", err)
		}
	})
	buf := make([]byte, 256)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			network.Feed(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
