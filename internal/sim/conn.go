package sim

import (
	"io"
	"os"
	"sync"
	"time"
)

// Conn is an in-process port wired to a Network.
type Conn struct {
	net       *Network
	readSlice time.Duration

	mu     sync.Mutex
	rx     []byte
	closed bool
	notify chan struct{}
}

// Open returns a new Conn that receives the network's replies. An earlier
// Conn stops receiving.
func (n *Network) Open(readSlice time.Duration) *Conn {
	if readSlice <= 0 {
		readSlice = 5 * time.Millisecond
	}
	c := &Conn{net: n, readSlice: readSlice, notify: make(chan struct{}, 1)}
	n.SetSink(c.push)
	return c
}

func (c *Conn) push(p []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.rx = append(c.rx, p...)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	c.net.Feed(append([]byte(nil), p...))
	return len(p), nil
}

// Read returns buffered reply bytes, io.EOF once closed, or
// os.ErrDeadlineExceeded when nothing arrives within the read slice.
func (c *Conn) Read(p []byte) (int, error) {
	timer := time.NewTimer(c.readSlice)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if len(c.rx) > 0 {
			n := copy(p, c.rx)
			c.rx = c.rx[n:]
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-timer.C:
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// Close disconnects; pending and future reads see io.EOF.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}
