package rediscope

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rediscope/rediscope/command"
	"github.com/rediscope/rediscope/conn"
	"github.com/rediscope/rediscope/protocol"
	"github.com/rediscope/rediscope/tunnel"
)

// Result is the outcome of one executed command. A RESP error reply
// sets Ok to false and Err to the server's message; the connection
// itself stays healthy in that case.
type Result struct {
	Ok       bool
	Value    protocol.Value
	Err      string
	Duration time.Duration
}

// Config is the redacted, caller-visible view of a client's
// configuration. Secrets are not re-exposed.
type Config struct {
	Addr           string
	Name           string
	Database       int
	HasPassword    bool
	TLS            bool
	SSH            bool
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// Client is one logical Redis connection: a command dispatcher, a
// lazily opened pub/sub channel and, when configured, the SSH tunnel
// both ride through.
//
// A Client is created disconnected; Connect establishes the link.
type Client struct {
	config *config

	mu     sync.Mutex
	cn     *conn.Conn
	pubsub *conn.PubSub
	tun    *tunnel.Tunnel
	closed bool

	cbmu      sync.Mutex
	onStatus  []func(conn.State)
	onError   []func(error)
	onMessage []func(channel string, payload []byte)
	onClose   []func()
}

// New creates a new Client with the given options
//
// The client is created but not connected. Use Connect to establish
// the link.
//
// Example:
//
//	client, err := rediscope.New(
//		rediscope.WithAddr("localhost:6379"),
//		rediscope.WithAuth("secret"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Destroy()
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return &Client{config: cfg}, nil
}

// OnStatusChange registers a callback invoked once per connection
// state transition.
func (c *Client) OnStatusChange(fn func(conn.State)) {
	c.cbmu.Lock()
	defer c.cbmu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// OnError registers a callback for connection-level errors.
func (c *Client) OnError(fn func(error)) {
	c.cbmu.Lock()
	defer c.cbmu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnMessage registers a callback for pub/sub messages.
func (c *Client) OnMessage(fn func(channel string, payload []byte)) {
	c.cbmu.Lock()
	defer c.cbmu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnClose registers a callback invoked when the command connection
// goes away, voluntarily or not.
func (c *Client) OnClose(fn func()) {
	c.cbmu.Lock()
	defer c.cbmu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Connect establishes the connection: the SSH tunnel first when one is
// configured, then the command transport with its TLS upgrade, AUTH
// and SELECT handshake. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.cn != nil {
		if c.cn.State() == conn.StateConnected {
			return nil
		}
		// A dead connection is single use; drop it and dial fresh.
		c.disconnectLocked()
	}

	target := c.config.addr

	if c.config.ssh != nil && c.tun == nil {
		remoteHost, remotePort, err := splitAddr(c.config.addr)
		if err != nil {
			return err
		}

		sshCfg := *c.config.ssh
		sshCfg.Logger = &loggerAdapter{logger: c.config.logger}
		sshCfg.OnSessionClosed = func(err error) {
			c.emitError(err)
			c.Disconnect()
		}
		if sshCfg.OnForwardError == nil {
			sshCfg.OnForwardError = c.emitError
		}

		tun, err := tunnel.Open(sshCfg, remoteHost, remotePort)
		if err != nil {
			return err
		}
		c.tun = tun
	}

	if c.tun != nil {
		info := c.tun.Info()
		target = net.JoinHostPort(info.LocalHost, strconv.Itoa(info.LocalPort))
	}

	connCfg := conn.Config{
		Addr:           target,
		Password:       c.config.password,
		Database:       c.config.database,
		TLS:            c.config.tlsConfig,
		ConnectTimeout: c.config.connectTimeout,
	}

	cn := conn.New(connCfg)
	cn.SetLogger(&loggerAdapter{logger: c.config.logger})
	cn.OnStateChange(c.emitStatus)
	cn.OnError(c.emitError)
	cn.OnClose(c.emitClose)

	if err := cn.Connect(ctx); err != nil {
		c.teardownTunnelLocked()
		return err
	}

	ps := conn.NewPubSub(connCfg)
	ps.SetLogger(&loggerAdapter{logger: c.config.logger})
	ps.OnMessage(c.emitMessage)
	ps.OnError(c.emitError)

	c.cn = cn
	c.pubsub = ps
	return nil
}

// Execute tokenizes and runs one command line, returning a structured
// result with the elapsed wall-clock duration. It never panics or
// returns a Go error: failures of any kind land in Result.Err.
func (c *Client) Execute(ctx context.Context, line string) Result {
	args, err := command.Split(line)
	if err != nil {
		return Result{Err: err.Error()}
	}
	if len(args) == 0 {
		return Result{Err: ErrEmptyCommand.Error()}
	}

	cn := c.current()
	if cn == nil {
		return Result{Err: ErrNotConnected.Error()}
	}

	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	start := time.Now()
	value, err := cn.Do(ctx, args...)
	elapsed := time.Since(start)

	if err != nil {
		return Result{Err: err.Error(), Duration: elapsed}
	}
	if value.IsError() {
		return Result{Err: value.ErrorText(), Duration: elapsed}
	}
	return Result{Ok: true, Value: value, Duration: elapsed}
}

// Pipeline runs many command lines as one pipelined batch: all writes
// flushed back to back, then exactly one reply drained per command, in
// order. A RESP error for one command does not abort the batch; a
// tokenizer failure or connection loss fails the batch as a whole.
func (c *Client) Pipeline(ctx context.Context, lines []string) ([]Result, error) {
	cmds := make([][]string, 0, len(lines))
	for _, line := range lines {
		args, err := command.Split(line)
		if err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, ErrEmptyCommand
		}
		cmds = append(cmds, args)
	}

	cn := c.current()
	if cn == nil {
		return nil, ErrNotConnected
	}

	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	start := time.Now()
	replies, err := cn.Pipeline(ctx, cmds)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(replies))
	for i, r := range replies {
		switch {
		case r.Err != nil:
			results[i] = Result{Err: r.Err.Error(), Duration: elapsed}
		case r.Value.IsError():
			results[i] = Result{Err: r.Value.ErrorText(), Duration: elapsed}
		default:
			results[i] = Result{Ok: true, Value: r.Value, Duration: elapsed}
		}
	}
	return results, nil
}

// SendCommand is the low-level path that bypasses the tokenizer.
// SUBSCRIBE and UNSUBSCRIBE route to the dedicated pub/sub channel;
// everything else, PUBLISH included, is an ordinary command.
func (c *Client) SendCommand(ctx context.Context, args ...string) (protocol.Value, error) {
	if len(args) == 0 {
		return protocol.Value{}, ErrEmptyCommand
	}

	switch strings.ToUpper(args[0]) {
	case "SUBSCRIBE":
		ps := c.currentPubSub()
		if ps == nil {
			return protocol.Value{}, ErrNotConnected
		}
		return protocol.Value{}, ps.Subscribe(ctx, args[1:]...)

	case "UNSUBSCRIBE":
		ps := c.currentPubSub()
		if ps == nil {
			return protocol.Value{}, ErrNotConnected
		}
		return protocol.Value{}, ps.Unsubscribe(ctx, args[1:]...)
	}

	cn := c.current()
	if cn == nil {
		return protocol.Value{}, ErrNotConnected
	}

	ctx, cancel := c.commandContext(ctx)
	defer cancel()
	return cn.Do(ctx, args...)
}

// Subscribe adds channels to the pub/sub subscription set, opening the
// dedicated socket on first use.
func (c *Client) Subscribe(ctx context.Context, channels ...string) error {
	ps := c.currentPubSub()
	if ps == nil {
		return ErrNotConnected
	}
	return ps.Subscribe(ctx, channels...)
}

// Unsubscribe removes channels from the subscription set; removing the
// last one closes the pub/sub socket.
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) error {
	ps := c.currentPubSub()
	if ps == nil {
		return ErrNotConnected
	}
	return ps.Unsubscribe(ctx, channels...)
}

// Subscriptions returns the currently subscribed channel names.
func (c *Client) Subscriptions() []string {
	ps := c.currentPubSub()
	if ps == nil {
		return nil
	}
	return ps.Subscriptions()
}

// Status returns the connection state.
func (c *Client) Status() conn.State {
	cn := c.current()
	if cn == nil {
		return conn.StateDisconnected
	}
	return cn.State()
}

// Config returns the client configuration with secrets redacted.
func (c *Client) Config() Config {
	return Config{
		Addr:           c.config.addr,
		Name:           c.config.name,
		Database:       c.config.database,
		HasPassword:    c.config.password != "",
		TLS:            c.config.tlsConfig != nil,
		SSH:            c.config.ssh != nil,
		ConnectTimeout: c.config.connectTimeout,
		CommandTimeout: c.config.commandTimeout,
	}
}

// TunnelInfo returns the open tunnel's address pair, or nil when no
// tunnel is active.
func (c *Client) TunnelInfo() *tunnel.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tun == nil {
		return nil
	}
	info := c.tun.Info()
	return &info
}

// Disconnect closes the command connection, the pub/sub channel and
// the tunnel. Every pending request resolves with a connection-closed
// error. Calling Disconnect while disconnected is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if c.pubsub != nil {
		c.pubsub.Close()
		c.pubsub = nil
	}
	if c.cn != nil {
		c.cn.Close()
		c.cn = nil
	}
	c.teardownTunnelLocked()
}

func (c *Client) teardownTunnelLocked() {
	if c.tun != nil {
		c.tun.Close()
		c.tun = nil
	}
}

// Destroy is the terminal, best-effort cleanup: it disconnects and
// marks the client unusable. Safe to call from a process exit hook,
// repeatedly.
func (c *Client) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.disconnectLocked()
}

func (c *Client) current() *conn.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cn
}

func (c *Client) currentPubSub() *conn.PubSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubsub
}

// commandContext applies the configured per-command timeout.
func (c *Client) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.commandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.commandTimeout)
}

func (c *Client) emitStatus(s conn.State) {
	c.cbmu.Lock()
	callbacks := append(([]func(conn.State))(nil), c.onStatus...)
	c.cbmu.Unlock()
	for _, fn := range callbacks {
		fn(s)
	}
}

func (c *Client) emitError(err error) {
	c.cbmu.Lock()
	callbacks := append(([]func(error))(nil), c.onError...)
	c.cbmu.Unlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (c *Client) emitMessage(channel string, payload []byte) {
	c.cbmu.Lock()
	callbacks := append(([]func(string, []byte))(nil), c.onMessage...)
	c.cbmu.Unlock()
	for _, fn := range callbacks {
		fn(channel, payload)
	}
}

func (c *Client) emitClose() {
	c.cbmu.Lock()
	callbacks := append(([]func())(nil), c.onClose...)
	c.cbmu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// splitAddr parses "host:port" into its parts.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, ErrInvalidConfig
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, ErrInvalidConfig
	}
	return host, port, nil
}
