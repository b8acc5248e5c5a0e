package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/protocol"
)

var (
	ErrTimeout      = errcode.Timeout
	ErrInvalidReply = errcode.InvalidReply
	ErrBusClosed    = errcode.BusClosed
)

type Config struct {
	Name    string
	Dialect protocol.Dialect
	Opener  Opener
	// Timeout applies when a call passes a zero timeout.
	Timeout             time.Duration
	SettleBeforeRequest time.Duration
	SettleAfterWrite    time.Duration
	QueueSize           int
	// Trace, when set, receives every frame written and read.
	Trace *log.Logger
}

type Stats struct {
	Transactions   uint64 `json:"transactions"`
	Sends          uint64 `json:"sends"`
	Timeouts       uint64 `json:"timeouts"`
	InvalidReplies uint64 `json:"invalidReplies"`
	StaleFrames    uint64 `json:"staleFrames"`
	DrainedBytes   uint64 `json:"drainedBytes"`
	Reconnects     uint64 `json:"reconnects"`
	MaxInFlight    int32  `json:"maxInFlight"`
}

type requestKind uint8

const (
	kindTransact requestKind = iota
	kindSend
	kindExchange
)

type request struct {
	ctx      context.Context
	kind     requestKind
	frame    protocol.Frame
	raw      []byte
	replyLen int
	timeout  time.Duration
	resp     chan response
}

type response struct {
	frame protocol.Frame
	raw   []byte
	err   error
}

// Bus owns the port. Every exchange runs on the goroutine started by Run,
// so at most one request is on the wire at any time; callers queue on a
// FIFO channel.
type Bus struct {
	cfg   Config
	reqCh chan *request
	done  chan struct{}

	// owned by the Run goroutine
	port        Port
	scanner     *protocol.Scanner
	backoff     time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration
	nextAttempt time.Time
	lastConnErr error

	open        atomic.Bool
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	transactions atomic.Uint64
	sends        atomic.Uint64
	timeouts     atomic.Uint64
	invalid      atomic.Uint64
	stale        atomic.Uint64
	drained      atomic.Uint64
	reconnects   atomic.Uint64
}

func NewBus(cfg Config) *Bus {
	if cfg.Name == "" {
		cfg.Name = "bus"
	}
	if cfg.Dialect.Name == "" {
		cfg.Dialect = protocol.Serial
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Bus{
		cfg:        cfg,
		reqCh:      make(chan *request, cfg.QueueSize),
		done:       make(chan struct{}),
		scanner:    protocol.NewScanner(cfg.Dialect),
		backoffMin: 200 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
}

func (b *Bus) Name() string                  { return b.cfg.Name }
func (b *Bus) Dialect() protocol.Dialect     { return b.cfg.Dialect }
func (b *Bus) IsOpen() bool                  { return b.open.Load() }
func (b *Bus) DefaultTimeout() time.Duration { return b.cfg.Timeout }

func (b *Bus) Stats() Stats {
	return Stats{
		Transactions:   b.transactions.Load(),
		Sends:          b.sends.Load(),
		Timeouts:       b.timeouts.Load(),
		InvalidReplies: b.invalid.Load(),
		StaleFrames:    b.stale.Load(),
		DrainedBytes:   b.drained.Load(),
		Reconnects:     b.reconnects.Load(),
		MaxInFlight:    b.maxInFlight.Load(),
	}
}

// Run serves requests until ctx is done, then closes the port.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	defer b.closePort()

	if err := b.ensureOpen(); err != nil {
		logging.Warn("Bus port not available yet", "bus", b.cfg.Name, "port", b.cfg.Opener, "error", err)
	}
	logging.Info("Bus started", "bus", b.cfg.Name, "port", b.cfg.Opener, "dialect", b.cfg.Dialect.Name, "timeoutMs", b.cfg.Timeout.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			logging.Info("Bus stopped", "bus", b.cfg.Name)
			return
		case req := <-b.reqCh:
			// a request whose caller gave up before it reached the wire is skipped
			if err := req.ctx.Err(); err != nil {
				req.resp <- response{err: err}
				continue
			}
			req.resp <- b.serve(req)
		}
	}
}

// Transact writes f and waits for a reply from the addressed board.
// Cancelling ctx after the exchange started does not abort it; the caller
// just stops waiting.
func (b *Bus) Transact(ctx context.Context, f protocol.Frame, timeout time.Duration) (protocol.Frame, error) {
	r, err := b.submit(ctx, &request{kind: kindTransact, frame: f, timeout: timeout})
	return r.frame, err
}

// Send writes f without waiting for a reply.
func (b *Bus) Send(ctx context.Context, f protocol.Frame) error {
	_, err := b.submit(ctx, &request{kind: kindSend, frame: f})
	return err
}

// Exchange writes raw bytes and reads exactly replyLen raw bytes back.
func (b *Bus) Exchange(ctx context.Context, raw []byte, replyLen int, timeout time.Duration) ([]byte, error) {
	if replyLen < 1 {
		replyLen = 1
	}
	r, err := b.submit(ctx, &request{kind: kindExchange, raw: append([]byte(nil), raw...), replyLen: replyLen, timeout: timeout})
	return r.raw, err
}

func (b *Bus) submit(ctx context.Context, req *request) (response, error) {
	if req.timeout <= 0 {
		req.timeout = b.cfg.Timeout
	}
	req.ctx = ctx
	req.resp = make(chan response, 1)

	select {
	case <-b.done:
		return response{}, ErrBusClosed
	default:
	}
	select {
	case b.reqCh <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-b.done:
		return response{}, ErrBusClosed
	}
	select {
	case r := <-req.resp:
		return r, r.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-b.done:
		select {
		case r := <-req.resp:
			return r, r.err
		default:
			return response{}, ErrBusClosed
		}
	}
}

func (b *Bus) serve(req *request) response {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		cur := b.maxInFlight.Load()
		if n <= cur || b.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if err := b.ensureOpen(); err != nil {
		return response{err: errcode.Wrap(ErrBusClosed, "open "+b.cfg.Opener.String(), err)}
	}
	b.settle(b.cfg.SettleBeforeRequest)
	if err := b.drain(); err != nil {
		return response{err: err}
	}

	var r response
	switch req.kind {
	case kindTransact:
		b.transactions.Add(1)
		r = b.transact(req.frame, req.timeout)
	case kindSend:
		b.sends.Add(1)
		r.err = b.write(req.frame.Bytes())
	case kindExchange:
		b.transactions.Add(1)
		r = b.exchangeRaw(req.raw, req.replyLen, req.timeout)
	}
	b.settle(b.cfg.SettleAfterWrite)
	return r
}

func (b *Bus) transact(f protocol.Frame, timeout time.Duration) response {
	b.scanner.Reset()
	if err := b.write(f.Bytes()); err != nil {
		return response{err: err}
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64)
	sawGarbage := false

	for time.Now().Before(deadline) {
		n, err := b.port.Read(buf)
		if n > 0 {
			b.scanner.Write(buf[:n])
			for {
				reply, err := b.scanner.Next()
				if errors.Is(err, protocol.ErrNeedMore) {
					break
				}
				if err != nil {
					b.invalid.Add(1)
					return response{err: errcode.Wrap(ErrInvalidReply, "transact", err)}
				}
				b.trace("rx", reply.Bytes())
				if reply.Address() != f.Address() || reply.Opcode() != f.Opcode() {
					b.stale.Add(1)
					logging.Debug("Discarding stale frame", "bus", b.cfg.Name,
						"want", f.Address(), "got", reply.Address(), "wantOp", f.Opcode(), "gotOp", reply.Opcode())
					continue
				}
				return response{frame: reply}
			}
			if b.scanner.Discarded() > 0 {
				sawGarbage = true
			}
		}
		if err != nil && !isReadTimeout(err) {
			b.lostPort(err)
			return response{err: fmt.Errorf("read: %w", err)}
		}
	}
	if sawGarbage || b.scanner.Pending() > 0 {
		b.invalid.Add(1)
		return response{err: errcode.New(ErrInvalidReply, "transact", fmt.Sprintf("address %d opcode 0x%02X", f.Address(), f.Opcode()))}
	}
	b.timeouts.Add(1)
	return response{err: errcode.New(ErrTimeout, "transact", fmt.Sprintf("address %d opcode 0x%02X after %v", f.Address(), f.Opcode(), timeout))}
}

// maxDrain bounds drain on a line that never goes quiet.
const maxDrain = 1024

// drain discards whatever is already buffered on the port, typically a
// reply that arrived after its request timed out. It returns after one
// empty read slice.
func (b *Bus) drain() error {
	buf := make([]byte, 64)
	total := 0
	for total < maxDrain {
		n, err := b.port.Read(buf)
		total += n
		if err != nil {
			if isReadTimeout(err) {
				break
			}
			b.lostPort(err)
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			break
		}
	}
	if total > 0 {
		b.drained.Add(uint64(total))
		logging.Debug("Drained late bytes", "bus", b.cfg.Name, "bytes", total)
	}
	return nil
}

func (b *Bus) exchangeRaw(raw []byte, replyLen int, timeout time.Duration) response {
	if err := b.write(raw); err != nil {
		return response{err: err}
	}
	deadline := time.Now().Add(timeout)
	got := make([]byte, 0, replyLen)
	buf := make([]byte, replyLen)

	for len(got) < replyLen && time.Now().Before(deadline) {
		n, err := b.port.Read(buf[:replyLen-len(got)])
		got = append(got, buf[:n]...)
		if err != nil && !isReadTimeout(err) {
			b.lostPort(err)
			return response{err: fmt.Errorf("read: %w", err)}
		}
	}
	if len(got) < replyLen {
		b.timeouts.Add(1)
		return response{err: errcode.New(ErrTimeout, "exchange", fmt.Sprintf("%d of %d bytes", len(got), replyLen))}
	}
	b.trace("rx", got)
	return response{raw: got}
}

func (b *Bus) write(p []byte) error {
	b.trace("tx", p)
	for len(p) > 0 {
		n, err := b.port.Write(p)
		if err != nil {
			b.lostPort(err)
			return fmt.Errorf("write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// ensureOpen opens the port unless a previous failure is still inside its
// backoff window; in that case it fails fast so queued callers are not held.
func (b *Bus) ensureOpen() error {
	if b.port != nil {
		return nil
	}
	if !b.nextAttempt.IsZero() && time.Now().Before(b.nextAttempt) {
		return fmt.Errorf("reconnect in %v: %w", time.Until(b.nextAttempt).Round(time.Millisecond), b.lastConnErr)
	}
	p, err := b.cfg.Opener.Open()
	if err != nil {
		b.bumpBackoff(err)
		return err
	}
	if !b.nextAttempt.IsZero() {
		b.reconnects.Add(1)
		logging.Info("Bus reconnected", "bus", b.cfg.Name, "port", b.cfg.Opener)
	}
	b.port = p
	b.backoff = 0
	b.nextAttempt = time.Time{}
	b.lastConnErr = nil
	b.open.Store(true)
	return nil
}

func (b *Bus) bumpBackoff(err error) {
	b.lastConnErr = err
	if b.backoff == 0 {
		b.backoff = b.backoffMin
	} else {
		b.backoff *= 2
		if b.backoff > b.backoffMax {
			b.backoff = b.backoffMax
		}
	}
	b.nextAttempt = time.Now().Add(b.backoff)
}

func (b *Bus) lostPort(err error) {
	logging.Warn("Bus connection lost", "bus", b.cfg.Name, "port", b.cfg.Opener, "error", err)
	b.closePort()
	b.bumpBackoff(err)
}

func (b *Bus) closePort() {
	if b.port != nil {
		b.port.Close()
		b.port = nil
	}
	b.open.Store(false)
}

func (b *Bus) settle(gap time.Duration) {
	if gap > 0 {
		time.Sleep(gap)
	}
}

func (b *Bus) trace(dir string, p []byte) {
	if b.cfg.Trace != nil {
		b.cfg.Trace.Printf("%s %s % X", b.cfg.Name, dir, p)
	}
}
