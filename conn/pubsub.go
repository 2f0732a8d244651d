package conn

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rediscope/rediscope/protocol"
)

// PubSub is the dedicated subscription channel for one logical
// connection. It opens its own socket lazily on the first Subscribe
// and closes it when the subscription set empties, so subscription
// traffic can never desynchronize the command pipeline.
type PubSub struct {
	cfg    Config
	logger Logger

	onMessage func(channel string, payload []byte)
	onError   func(error)

	mu      sync.Mutex
	sock    net.Conn
	writer  *protocol.Writer
	subs    map[string]struct{}
	closing bool
}

// NewPubSub creates an unopened pub/sub channel. The socket is dialed
// on first Subscribe.
func NewPubSub(cfg Config) *PubSub {
	return &PubSub{
		cfg:    cfg,
		logger: nopLogger{},
		subs:   make(map[string]struct{}),
	}
}

// SetLogger sets the logger.
func (ps *PubSub) SetLogger(logger Logger) {
	if logger != nil {
		ps.logger = logger
	}
}

// OnMessage registers the handler for "message" push frames. Must be
// set before the first Subscribe.
func (ps *PubSub) OnMessage(fn func(channel string, payload []byte)) {
	ps.onMessage = fn
}

// OnError registers the handler for connection failures on the
// subscription socket.
func (ps *PubSub) OnError(fn func(error)) {
	ps.onError = fn
}

// Subscribe adds channels to the subscription set, dialing the
// dedicated socket first if it is not open yet.
func (ps *PubSub) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.sock == nil {
		if err := ps.openLocked(ctx); err != nil {
			return err
		}
	}

	args := append([]string{"SUBSCRIBE"}, channels...)
	if err := ps.writeLocked(args); err != nil {
		return err
	}

	for _, ch := range channels {
		ps.subs[ch] = struct{}{}
	}
	return nil
}

// Unsubscribe removes channels from the subscription set. Removing the
// last channel closes the dedicated socket; the channel reverts to its
// unopened state, ready to be lazily recreated.
func (ps *PubSub) Unsubscribe(ctx context.Context, channels ...string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.sock == nil {
		return nil
	}

	args := append([]string{"UNSUBSCRIBE"}, channels...)
	if len(channels) == 0 {
		// bare UNSUBSCRIBE drops everything
		ps.subs = make(map[string]struct{})
	} else {
		for _, ch := range channels {
			delete(ps.subs, ch)
		}
	}

	if err := ps.writeLocked(args); err != nil {
		return err
	}

	// The socket is torn down by the read loop once the server acks
	// the last unsubscribe with a zero count.
	return nil
}

// Subscriptions returns the channel names currently subscribed, sorted.
func (ps *PubSub) Subscriptions() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	names := make([]string, 0, len(ps.subs))
	for ch := range ps.subs {
		names = append(names, ch)
	}
	sort.Strings(names)
	return names
}

// Active reports whether the dedicated socket is currently open.
func (ps *PubSub) Active() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sock != nil
}

// Close tears down the dedicated socket and clears the subscription
// set. Safe to call at any time, repeatedly.
func (ps *PubSub) Close() {
	ps.mu.Lock()
	ps.closing = true
	sock := ps.sock
	ps.sock = nil
	ps.writer = nil
	ps.subs = make(map[string]struct{})
	ps.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
}

// openLocked dials and authenticates the dedicated socket and starts
// its read loop. Caller holds ps.mu.
func (ps *PubSub) openLocked(ctx context.Context) error {
	sock, err := dial(ctx, ps.cfg)
	if err != nil {
		return err
	}

	reader := protocol.NewReader(sock)
	writer := protocol.NewWriter(sock)

	// Pub/sub is database-agnostic; only authentication applies here.
	// The caller holds ps.mu, so the handshake must be bounded or a
	// stalled server would wedge every other method behind it.
	if deadline, ok := handshakeDeadline(ctx, ps.cfg.ConnectTimeout); ok {
		sock.SetDeadline(deadline)
	}
	if ps.cfg.Password != "" {
		if err := roundTrip(reader, writer, ps.cfg.Addr, "auth", "AUTH", ps.cfg.Password); err != nil {
			sock.Close()
			return err
		}
	}
	sock.SetDeadline(time.Time{})

	ps.sock = sock
	ps.writer = writer
	ps.closing = false
	ps.logger.Debug("pubsub channel opened", "addr", ps.cfg.Addr)

	go ps.readLoop(sock, reader)
	return nil
}

func (ps *PubSub) writeLocked(args []string) error {
	if err := ps.writer.WriteCommand(args...); err != nil {
		return &ConnectionError{Addr: ps.cfg.Addr, Op: "write", Err: err}
	}
	if err := ps.writer.Flush(); err != nil {
		return &ConnectionError{Addr: ps.cfg.Addr, Op: "write", Err: err}
	}
	return nil
}

// readLoop demultiplexes push frames on the subscription socket. Every
// frame is classified by the first element of its array: "message"
// frames route to the message handler, subscribe acks are logged, and
// an unsubscribe ack with a remaining count of zero closes the socket.
func (ps *PubSub) readLoop(sock net.Conn, reader *protocol.Reader) {
	for {
		value, err := reader.ReadNext()
		if err != nil {
			ps.handleReadError(sock, err)
			return
		}

		push, err := protocol.ParsePush(value)
		if err != nil {
			ps.logger.Debug("ignoring non-push frame on pubsub channel", "frame", value.String())
			continue
		}

		switch push.Kind {
		case protocol.PushMessage:
			if ps.onMessage != nil {
				ps.onMessage(push.Channel, push.Payload)
			}

		case protocol.PushSubscribe:
			ps.logger.Debug("subscribed", "channel", push.Channel, "count", push.Count)

		case protocol.PushUnsubscribe:
			ps.logger.Debug("unsubscribed", "channel", push.Channel, "count", push.Count)
			if push.Count == 0 {
				ps.teardown(sock)
				return
			}
		}
	}
}

// teardown closes the socket after the last unsubscribe ack, reverting
// the channel to its unopened state.
func (ps *PubSub) teardown(sock net.Conn) {
	ps.mu.Lock()
	if ps.sock == sock {
		ps.sock = nil
		ps.writer = nil
	}
	ps.mu.Unlock()

	sock.Close()
	ps.logger.Debug("pubsub channel closed", "addr", ps.cfg.Addr)
}

func (ps *PubSub) handleReadError(sock net.Conn, err error) {
	ps.mu.Lock()
	voluntary := ps.closing || ps.sock != sock
	if ps.sock == sock {
		ps.sock = nil
		ps.writer = nil
		ps.subs = make(map[string]struct{})
	}
	ps.mu.Unlock()

	sock.Close()
	if voluntary {
		return
	}

	ps.logger.Error("pubsub channel lost", "addr", ps.cfg.Addr, "error", err)
	if ps.onError != nil {
		ps.onError(&ConnectionError{Addr: ps.cfg.Addr, Op: "read", Err: err})
	}
}
