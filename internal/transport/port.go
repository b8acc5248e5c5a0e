package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/goburrow/serial"
)

// Port is an open byte stream to the bus. Read returns a timeout error
// (serial.ErrTimeout, os.ErrDeadlineExceeded or a net timeout) when no data
// arrives within the port's read slice; the bus treats that as "no bytes yet".
type Port interface {
	io.ReadWriteCloser
}

// Opener creates a fresh Port. The bus calls it at start and after the
// connection is lost.
type Opener interface {
	Open() (Port, error)
	String() string
}

type SerialOpener struct {
	Config serial.Config
}

// NewSerialOpener opens device with 8N1 defaults; readSlice bounds a single
// Read so the bus can check its deadline.
func NewSerialOpener(device string, baud, dataBits, stopBits int, parity string, readSlice time.Duration) *SerialOpener {
	return &SerialOpener{Config: serial.Config{
		Address:  device,
		BaudRate: baud,
		DataBits: dataBits,
		StopBits: stopBits,
		Parity:   parity,
		Timeout:  readSlice,
	}}
}

func (o *SerialOpener) Open() (Port, error) {
	c := o.Config
	return serial.Open(&c)
}

func (o *SerialOpener) String() string { return "serial:" + o.Config.Address }

type TCPOpener struct {
	Addr        string
	DialTimeout time.Duration
	ReadSlice   time.Duration
}

func (o *TCPOpener) Open() (Port, error) {
	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	conn, err := net.DialTimeout("tcp", o.Addr, timeout)
	if err != nil {
		return nil, err
	}
	return &tcpPort{Conn: conn, slice: o.ReadSlice}, nil
}

func (o *TCPOpener) String() string { return "tcp:" + o.Addr }

// tcpPort bounds each Read by the read slice, like a serial port timeout.
type tcpPort struct {
	net.Conn
	slice time.Duration
}

func (p *tcpPort) Read(b []byte) (int, error) {
	slice := p.slice
	if slice <= 0 {
		slice = 20 * time.Millisecond
	}
	if err := p.Conn.SetReadDeadline(time.Now().Add(slice)); err != nil {
		return 0, err
	}
	return p.Conn.Read(b)
}

// PortFunc adapts an in-process port (simulator, pipe) to Opener.
type PortFunc struct {
	Name string
	Fn   func() (Port, error)
}

func (p PortFunc) Open() (Port, error) { return p.Fn() }
func (p PortFunc) String() string      { return p.Name }

func isReadTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
