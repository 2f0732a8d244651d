package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rediscope/rediscope/protocol"
)

// Config describes how to reach and authenticate with a Redis server.
// It is immutable once the connection is established; changing any
// field requires a new Conn.
type Config struct {
	Addr           string
	Password       string
	Database       int
	TLS            *tls.Config // nil disables TLS
	ConnectTimeout time.Duration
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Reply pairs a decoded value with a transport-level error. A RESP
// error reply is carried in Value, not Err; Err is set only when the
// connection failed before the reply arrived.
type Reply struct {
	Value protocol.Value
	Err   error
}

// pending is one queue slot awaiting its reply. The done channel is
// buffered so resolution never blocks on an abandoned caller.
type pending struct {
	done chan Reply
}

// Conn is one logical command connection. It serializes command
// encoding onto the socket and resolves replies to requests in strict
// FIFO order. A Conn is single use: Connect once, Close once.
type Conn struct {
	cfg    Config
	logger Logger

	mu     sync.Mutex
	sock   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer

	// sendMu serializes encode+enqueue+flush so two callers can never
	// interleave their bytes on the wire.
	sendMu sync.Mutex

	qmu   sync.Mutex
	queue []*pending

	state  atomic.Int32
	closed atomic.Int32

	onState func(State)
	onError func(error)
	onClose func()
}

// New creates an unconnected Conn for the given configuration.
func New(cfg Config) *Conn {
	c := &Conn{
		cfg:    cfg,
		logger: nopLogger{},
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// SetLogger sets the logger. Must be called before Connect.
func (c *Conn) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// OnStateChange registers the state transition callback. One call per
// transition, in order. Must be set before Connect.
func (c *Conn) OnStateChange(fn func(State)) { c.onState = fn }

// OnError registers the connection-level error callback.
func (c *Conn) OnError(fn func(error)) { c.onError = fn }

// OnClose registers a callback invoked once when the socket is gone.
func (c *Conn) OnClose(fn func()) { c.onClose = fn }

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	if c.onState != nil {
		c.onState(s)
	}
}

// Connect dials the configured address, performs the optional TLS
// handshake, authenticates and selects the configured database, then
// starts the reply reader. Auth and select failures are connection
// errors, not command errors.
func (c *Conn) Connect(ctx context.Context) error {
	if c.closed.Load() == 1 {
		return ErrClosed
	}
	if !State(c.state.Load()).canConnect() {
		return ErrNotConnected
	}
	c.setState(StateConnecting)

	sock, err := dial(ctx, c.cfg)
	if err != nil {
		c.setState(StateErrored)
		c.emitError(err)
		return err
	}

	reader := protocol.NewReader(sock)
	writer := protocol.NewWriter(sock)

	// The handshake runs before the read loop exists, so a stalled
	// server would block here forever without a socket deadline.
	if deadline, ok := handshakeDeadline(ctx, c.cfg.ConnectTimeout); ok {
		sock.SetDeadline(deadline)
	}
	if err := handshake(reader, writer, c.cfg); err != nil {
		sock.Close()
		c.setState(StateErrored)
		c.emitError(err)
		return err
	}
	sock.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.closed.Load() == 1 {
		c.mu.Unlock()
		sock.Close()
		return ErrClosed
	}
	c.sock = sock
	c.reader = reader
	c.writer = writer
	c.setState(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected", "addr", c.cfg.Addr)

	go c.readLoop(reader)
	return nil
}

func (s State) canConnect() bool {
	return s == StateDisconnected
}

// Do issues one command and waits for its reply. A RESP error reply is
// returned as a Value with TypeError and a nil error; the error return
// is reserved for connection-level failures and context cancellation.
func (c *Conn) Do(ctx context.Context, args ...string) (protocol.Value, error) {
	p, err := c.send(args)
	if err != nil {
		return protocol.Value{}, err
	}

	select {
	case r := <-p.done:
		return r.Value, r.Err
	case <-ctx.Done():
		// The slot stays queued; the reader resolves and discards it,
		// keeping the FIFO pairing intact.
		return protocol.Value{}, ctx.Err()
	}
}

// Pipeline flushes all commands back to back and then drains exactly
// one reply per command, in submission order. A RESP error reply for
// one command does not disturb the others; a connection failure
// mid-batch surfaces in the Err of every still-unresolved Reply.
func (c *Conn) Pipeline(ctx context.Context, cmds [][]string) ([]Reply, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	pendings, err := c.sendBatch(cmds)
	if err != nil {
		return nil, err
	}

	replies := make([]Reply, len(pendings))
	for i, p := range pendings {
		select {
		case replies[i] = <-p.done:
		case <-ctx.Done():
			return replies[:i], ctx.Err()
		}
	}
	return replies, nil
}

// send encodes one command, enqueues its slot and flushes.
func (c *Conn) send(args []string) (*pending, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return nil, ErrClosed
	}

	p := &pending{done: make(chan Reply, 1)}
	c.qmu.Lock()
	c.queue = append(c.queue, p)
	c.qmu.Unlock()

	if err := writer.WriteCommand(args...); err != nil {
		return nil, c.failWrite(err)
	}
	if err := writer.Flush(); err != nil {
		return nil, c.failWrite(err)
	}
	return p, nil
}

// sendBatch encodes and enqueues every command before a single flush.
func (c *Conn) sendBatch(cmds [][]string) ([]*pending, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return nil, ErrClosed
	}

	pendings := make([]*pending, 0, len(cmds))
	for _, args := range cmds {
		p := &pending{done: make(chan Reply, 1)}
		c.qmu.Lock()
		c.queue = append(c.queue, p)
		c.qmu.Unlock()
		pendings = append(pendings, p)

		if err := writer.WriteCommand(args...); err != nil {
			return nil, c.failWrite(err)
		}
	}

	if err := writer.Flush(); err != nil {
		return nil, c.failWrite(err)
	}
	return pendings, nil
}

// failWrite tears the connection down after a write failure and
// returns the wrapped cause.
func (c *Conn) failWrite(err error) error {
	cause := &ConnectionError{Addr: c.cfg.Addr, Op: "write", Err: err}
	c.teardown(cause)
	return cause
}

// readLoop drains replies off the wire and resolves the queue head for
// each one. It exits on the first read error, failing everything that
// is still pending.
func (c *Conn) readLoop(reader *protocol.Reader) {
	for {
		value, err := reader.ReadNext()
		if err != nil {
			if c.closed.Load() == 1 {
				// voluntary close; teardown already resolved the queue
				return
			}
			c.teardown(c.classifyReadError(err))
			return
		}

		p := c.popPending()
		if p == nil {
			// a reply with no request means the stream is desynchronized
			c.teardown(&ProtocolError{Err: errUnexpectedReply(value)})
			return
		}
		p.done <- Reply{Value: value}
	}
}

func errUnexpectedReply(v protocol.Value) error {
	return &unexpectedReplyError{text: v.String()}
}

type unexpectedReplyError struct {
	text string
}

func (e *unexpectedReplyError) Error() string {
	return "unexpected reply with empty pipeline queue: " + e.text
}

// classifyReadError distinguishes malformed RESP from transport loss.
func (c *Conn) classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return &ConnectionError{Addr: c.cfg.Addr, Op: "read", Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &ConnectionError{Addr: c.cfg.Addr, Op: "read", Err: err}
	}
	return &ProtocolError{Err: err}
}

func (c *Conn) popPending() *pending {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	return p
}

// Close shuts the connection down. Every pending request resolves with
// a connection-closed error. Close is idempotent; closing a connection
// that never connected is a no-op.
func (c *Conn) Close() {
	if c.State() == StateConnected {
		c.setState(StateDisconnecting)
	}
	c.teardown(nil)
}

// teardown closes the socket once and fans the cause out to every
// queued request. A nil cause is a voluntary close.
func (c *Conn) teardown(cause error) {
	if !c.closed.CompareAndSwap(0, 1) {
		return
	}

	c.mu.Lock()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.writer = nil
	c.mu.Unlock()

	fail := cause
	if fail == nil {
		fail = ErrClosed
	}

	c.qmu.Lock()
	queue := c.queue
	c.queue = nil
	c.qmu.Unlock()
	for _, p := range queue {
		p.done <- Reply{Err: fail}
	}

	if cause != nil {
		c.setState(StateErrored)
		c.emitError(cause)
		c.logger.Error("connection lost", "addr", c.cfg.Addr, "error", cause)
	} else {
		c.setState(StateDisconnected)
		c.logger.Debug("connection closed", "addr", c.cfg.Addr)
	}

	if c.onClose != nil {
		c.onClose()
	}
}

func (c *Conn) emitError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// dial opens the TCP socket, optionally upgrading to TLS, honoring the
// configured connect timeout.
func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	var sock net.Conn
	var err error
	if cfg.TLS != nil {
		sock, err = tls.DialWithDialer(dialer, "tcp", cfg.Addr, cfg.TLS)
	} else {
		sock, err = dialer.DialContext(ctx, "tcp", cfg.Addr)
	}

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &ConnectionError{Addr: cfg.Addr, Op: "dial", Err: ErrTimeout}
		}
		op := "dial"
		if cfg.TLS != nil {
			op = "tls"
		}
		return nil, &ConnectionError{Addr: cfg.Addr, Op: op, Err: err}
	}
	return sock, nil
}

// handshakeDeadline picks the earlier of the connect timeout and the
// caller's context deadline.
func handshakeDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline, !deadline.IsZero()
}

// handshake authenticates and selects the configured database on a
// freshly dialed socket, before the reader loop starts.
func handshake(reader *protocol.Reader, writer *protocol.Writer, cfg Config) error {
	if cfg.Password != "" {
		if err := roundTrip(reader, writer, cfg.Addr, "auth", "AUTH", cfg.Password); err != nil {
			return err
		}
	}
	if cfg.Database != 0 {
		if err := roundTrip(reader, writer, cfg.Addr, "select", "SELECT", strconv.Itoa(cfg.Database)); err != nil {
			return err
		}
	}
	return nil
}

// roundTrip runs one synchronous command during the handshake. A RESP
// error reply here is a connection-level failure.
func roundTrip(reader *protocol.Reader, writer *protocol.Writer, addr, op string, args ...string) error {
	if err := writer.WriteCommand(args...); err != nil {
		return &ConnectionError{Addr: addr, Op: op, Err: err}
	}
	if err := writer.Flush(); err != nil {
		return &ConnectionError{Addr: addr, Op: op, Err: err}
	}

	reply, err := reader.ReadNext()
	if err != nil {
		return &ConnectionError{Addr: addr, Op: op, Err: err}
	}
	if reply.IsError() {
		return &ConnectionError{Addr: addr, Op: op, Err: errors.New(reply.ErrorText())}
	}
	return nil
}
